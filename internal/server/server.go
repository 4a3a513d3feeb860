package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ostrenko/mailpool/internal/database"
	"github.com/ostrenko/mailpool/internal/lease"
	"github.com/ostrenko/mailpool/internal/mailfetch"
	"github.com/ostrenko/mailpool/internal/msauth"
	"github.com/ostrenko/mailpool/internal/refresh"
	"github.com/ostrenko/mailpool/internal/scheduler"
	"github.com/ostrenko/mailpool/internal/vault"
	"github.com/ostrenko/mailpool/pkg/models"
)

// MailSource lists and fetches messages for a credential bundle. Satisfied by
// the retrieval chain.
type MailSource interface {
	List(ctx context.Context, creds *models.Credentials, q mailfetch.Query) (*models.MessageList, error)
	Detail(ctx context.Context, creds *models.Credentials, messageID, folder string) (*models.MessageDetail, error)
}

// Config for the HTTP server.
type Config struct {
	ListenAddr string
	// APIToken guards every /api route.
	APIToken string
}

// Server is the HTTP API over the lease manager, refresh engine, retrieval
// chain and scheduler.
type Server struct {
	cfg    Config
	db     *database.DB
	vault  *vault.Vault
	leases *lease.Manager
	engine *refresh.Engine
	mail   MailSource
	sched  *scheduler.Scheduler
	oauth  *msauth.OAuthHelper
	logger *slog.Logger
}

// New creates the HTTP server
func New(
	cfg Config,
	db *database.DB,
	v *vault.Vault,
	leases *lease.Manager,
	engine *refresh.Engine,
	mail MailSource,
	sched *scheduler.Scheduler,
	oauth *msauth.OAuthHelper,
	logger *slog.Logger,
) *Server {
	return &Server{
		cfg:    cfg,
		db:     db,
		vault:  v,
		leases: leases,
		engine: engine,
		mail:   mail,
		sched:  sched,
		oauth:  oauth,
		logger: logger.With("component", "http_server"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", s.requireToken())

	external := api.Group("/external")
	{
		external.POST("/checkout", s.handleCheckout)
		external.POST("/checkout/complete", s.handleCheckoutComplete)
		external.GET("/lease/:id/account", s.handleLeaseAccount)
	}

	accounts := api.Group("/accounts")
	{
		accounts.GET("", s.handleListAccounts)
		accounts.POST("", s.handleCreateAccount)
		accounts.GET("/refresh-all", s.handleRefreshAll)
		accounts.POST("/refresh-failed", s.handleRetryFailed)
		accounts.GET("/:id", s.handleGetAccount)
		accounts.PUT("/:id", s.handleUpdateAccount)
		accounts.DELETE("/:id", s.handleDeleteAccount)
		accounts.POST("/:id/refresh", s.handleRefreshAccount)
		accounts.GET("/:id/refresh-logs", s.handleAccountRefreshLogs)
	}

	api.GET("/emails/:email", s.handleListMessages)
	api.GET("/emails/:email/message/:message_id", s.handleMessageDetail)

	api.GET("/refresh-logs", s.handleRefreshLogs)
	api.GET("/refresh-stats", s.handleRefreshStats)

	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handleUpdateSettings)
	api.POST("/settings/validate-cron", s.handleValidateCron)

	api.GET("/scheduler/status", s.handleSchedulerStatus)
	api.POST("/scheduler/trigger", s.handleSchedulerTrigger)

	api.GET("/oauth/auth-url", s.handleOAuthURL)
	api.POST("/oauth/exchange-token", s.handleOAuthExchange)

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
