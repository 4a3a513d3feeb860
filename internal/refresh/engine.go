package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ostrenko/mailpool/internal/database"
	"github.com/ostrenko/mailpool/internal/msauth"
	"github.com/ostrenko/mailpool/internal/vault"
	"github.com/ostrenko/mailpool/pkg/models"
)

// Refresh logs older than this are pruned before every batch run.
const logRetentionMonths = 6

// ErrAccountNotFound is returned when the target account does not exist.
var ErrAccountNotFound = errors.New("account not found")

// Result is the outcome of one account refresh.
type Result struct {
	AccountID    int64  `json:"account_id"`
	Email        string `json:"email"`
	Success      bool   `json:"success"`
	TokenRotated bool   `json:"token_rotated"`
	Error        string `json:"error,omitempty"`
}

// Event types emitted by a batch run.
const (
	EventStart    = "start"
	EventProgress = "progress"
	EventDelay    = "delay"
	EventComplete = "complete"
)

// Event is one progress update from a batch refresh. Start carries Total;
// Progress carries the per-account outcome plus running counters; Delay
// announces the pause before the next account; Complete carries the final
// counters.
type Event struct {
	Type         string `json:"type"`
	Total        int    `json:"total"`
	Current      int    `json:"current,omitempty"`
	Email        string `json:"email,omitempty"`
	Success      bool   `json:"success,omitempty"`
	Error        string `json:"error,omitempty"`
	SuccessCount int    `json:"success_count"`
	FailedCount  int    `json:"failed_count"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
}

// Engine refreshes account OAuth tokens and keeps the append-only refresh
// log. Every attempt is recorded, success or failure; the stored refresh
// token is only rotated on success.
type Engine struct {
	db     *database.DB
	vault  *vault.Vault
	client *msauth.Client
	logger *slog.Logger
}

// NewEngine creates a refresh engine
func NewEngine(db *database.DB, v *vault.Vault, client *msauth.Client, logger *slog.Logger) *Engine {
	return &Engine{
		db:     db,
		vault:  v,
		client: client,
		logger: logger.With("component", "refresh_engine"),
	}
}

// Refresh refreshes one account's token by ID and records the outcome.
func (e *Engine) Refresh(ctx context.Context, accountID int64, trigger string) (*Result, error) {
	account, err := e.db.GetAccountByID(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return e.refreshAccount(ctx, account, trigger), nil
}

// refreshAccount performs the token grant for one account and appends the
// outcome to the refresh log. A failed attempt never touches the stored
// token.
func (e *Engine) refreshAccount(ctx context.Context, account *models.Account, trigger string) *Result {
	result := &Result{AccountID: account.ID, Email: account.Email}

	token, err := e.exchange(ctx, account)
	if err != nil {
		msg := err.Error()
		result.Error = msg
		e.logger.Warn("token refresh failed",
			"account_id", account.ID,
			"email", account.Email,
			"trigger", trigger,
			"error", msg,
		)
		if logErr := e.db.RecordRefresh(ctx, account.ID, account.Email, trigger, models.RefreshStatusFailed, &msg); logErr != nil {
			e.logger.Error("failed to record refresh failure", "account_id", account.ID, "error", logErr)
		}
		return result
	}

	// The provider may rotate the refresh token; persist the new one so the
	// next refresh does not reuse a consumed grant.
	if token.RefreshToken != "" {
		encrypted, err := e.vault.Encrypt(token.RefreshToken)
		if err == nil {
			err = e.db.UpdateAccountRefreshToken(ctx, account.ID, encrypted)
		}
		if err != nil {
			msg := fmt.Sprintf("failed to store rotated token: %v", err)
			result.Error = msg
			if logErr := e.db.RecordRefresh(ctx, account.ID, account.Email, trigger, models.RefreshStatusFailed, &msg); logErr != nil {
				e.logger.Error("failed to record refresh failure", "account_id", account.ID, "error", logErr)
			}
			return result
		}
		result.TokenRotated = true
	}

	result.Success = true
	if logErr := e.db.RecordRefresh(ctx, account.ID, account.Email, trigger, models.RefreshStatusSuccess, nil); logErr != nil {
		e.logger.Error("failed to record refresh success", "account_id", account.ID, "error", logErr)
	}
	e.logger.Info("token refreshed",
		"account_id", account.ID,
		"email", account.Email,
		"trigger", trigger,
		"rotated", result.TokenRotated,
	)
	return result
}

// exchange decrypts the account's credentials and performs the Graph token
// grant.
func (e *Engine) exchange(ctx context.Context, account *models.Account) (*msauth.Token, error) {
	clientID, err := e.vault.Decrypt(account.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt client id: %w", err)
	}
	refreshToken, err := e.vault.Decrypt(account.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return nil, errors.New("account has no refresh token")
	}
	return e.client.RefreshGraphToken(ctx, clientID, refreshToken)
}

// RetryFailed re-refreshes every active account whose most recent attempt
// failed. Accounts are processed sequentially; results are returned in
// account order.
func (e *Engine) RetryFailed(ctx context.Context) ([]*Result, error) {
	accounts, err := e.db.ListAccountsWithFailedLastRefresh(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, len(accounts))
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, e.refreshAccount(ctx, account, models.RefreshTriggerRetry))
	}
	return results, nil
}

// RefreshAll refreshes every active account sequentially, pausing delay
// between accounts, and streams progress events on the returned channel. The
// channel is closed when the run finishes or the context is cancelled;
// cancelling the context is the consumer's way to abort the run. Old log
// entries are pruned before the run starts.
func (e *Engine) RefreshAll(ctx context.Context, trigger string, delay time.Duration) (<-chan Event, error) {
	cutoff := time.Now().UTC().AddDate(0, -logRetentionMonths, 0)
	if pruned, err := e.db.PruneRefreshLogs(ctx, cutoff); err != nil {
		e.logger.Warn("failed to prune refresh logs", "error", err)
	} else if pruned > 0 {
		e.logger.Info("pruned old refresh logs", "count", pruned)
	}

	accounts, err := e.db.ListActiveAccounts(ctx)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go e.runBatch(ctx, accounts, trigger, delay, events)
	return events, nil
}

func (e *Engine) runBatch(ctx context.Context, accounts []*models.Account, trigger string, delay time.Duration, events chan<- Event) {
	defer close(events)

	total := len(accounts)
	if !e.send(ctx, events, Event{Type: EventStart, Total: total}) {
		return
	}

	var successCount, failedCount int
	for i, account := range accounts {
		result := e.refreshAccount(ctx, account, trigger)
		if result.Success {
			successCount++
		} else {
			failedCount++
		}

		ok := e.send(ctx, events, Event{
			Type:         EventProgress,
			Total:        total,
			Current:      i + 1,
			Email:        account.Email,
			Success:      result.Success,
			Error:        result.Error,
			SuccessCount: successCount,
			FailedCount:  failedCount,
		})
		if !ok {
			return
		}

		if delay > 0 && i < total-1 {
			ok := e.send(ctx, events, Event{
				Type:         EventDelay,
				Total:        total,
				SuccessCount: successCount,
				FailedCount:  failedCount,
				DelaySeconds: int(delay.Seconds()),
			})
			if !ok {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}

	e.send(ctx, events, Event{
		Type:         EventComplete,
		Total:        total,
		SuccessCount: successCount,
		FailedCount:  failedCount,
	})
	e.logger.Info("batch refresh complete",
		"trigger", trigger,
		"total", total,
		"success", successCount,
		"failed", failedCount,
	)
}

// send delivers an event unless the consumer has cancelled.
func (e *Engine) send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- ev:
		return true
	}
}
