package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/ostrenko/mailpool/internal/config"
	"github.com/ostrenko/mailpool/internal/database"
	"github.com/ostrenko/mailpool/internal/lease"
	"github.com/ostrenko/mailpool/internal/mailfetch"
	"github.com/ostrenko/mailpool/internal/msauth"
	"github.com/ostrenko/mailpool/internal/refresh"
	"github.com/ostrenko/mailpool/internal/scheduler"
	"github.com/ostrenko/mailpool/internal/server"
	"github.com/ostrenko/mailpool/internal/vault"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mailpool server")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database migrations completed")

	// Vault key is fixed at startup; a misconfigured secret is fatal
	v, err := vault.New(cfg.MasterSecret)
	if err != nil {
		logger.Error("failed to initialize vault", "error", err)
		os.Exit(1)
	}

	// Create components
	tokens := msauth.NewClient(msauth.Config{Timeout: cfg.TokenTimeout})
	leases := lease.NewManager(db, logger)
	engine := refresh.NewEngine(db, v, tokens, logger)
	chain := mailfetch.NewChain(tokens, mailfetch.Config{
		HTTPTimeout: cfg.MailTimeout,
		DialTimeout: cfg.IMAPDialTimeout,
	}, logger)
	oauth := msauth.NewOAuthHelper(cfg.OAuthClientID, cfg.OAuthRedirectURI)

	var sched *scheduler.Scheduler
	if cfg.SchedulerEnabled {
		sched = scheduler.New(db, engine, logger, time.Minute)
	} else {
		logger.Info("scheduler disabled by configuration")
	}

	srv := server.New(server.Config{
		ListenAddr: cfg.ListenAddr,
		APIToken:   cfg.ExternalAPIToken,
	}, db, v, leases, engine, chain, sched, oauth, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		logger.Info("received shutdown signal", "signal", sig)
		logger.Info("shutting down...")
		cancel()
	}()

	if sched != nil {
		go sched.Run(ctx)
	}

	logger.Info("server is running, press Ctrl+C to stop")
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
