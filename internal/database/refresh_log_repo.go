package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ostrenko/mailpool/pkg/models"
)

// RecordRefresh appends a refresh log entry and, on success, updates the
// account's last-refresh timestamp. The two writes happen in one transaction
// so a success is never logged without the timestamp moving.
func (db *DB) RecordRefresh(ctx context.Context, accountID int64, accountEmail, trigger, status string, errorMessage *string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO account_refresh_logs (account_id, account_email, refresh_type, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, accountID, accountEmail, trigger, status, errorMessage, now)
	if err != nil {
		return fmt.Errorf("failed to insert refresh log: %w", err)
	}

	if status == models.RefreshStatusSuccess {
		_, err = tx.ExecContext(ctx, `
			UPDATE accounts SET last_refresh_at = ?, updated_at = ? WHERE id = ?
		`, now, now, accountID)
		if err != nil {
			return fmt.Errorf("failed to update last refresh time: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit refresh record: %w", err)
	}
	return nil
}

// ListRefreshLogs returns the most recent refresh log entries.
func (db *DB) ListRefreshLogs(ctx context.Context, limit, offset int) ([]*models.RefreshLogEntry, error) {
	var logs []*models.RefreshLogEntry
	query := `SELECT * FROM account_refresh_logs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	if err := db.SelectContext(ctx, &logs, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list refresh logs: %w", err)
	}
	return logs, nil
}

// ListAccountRefreshLogs returns the refresh history of one account, newest
// first.
func (db *DB) ListAccountRefreshLogs(ctx context.Context, accountID int64, limit int) ([]*models.RefreshLogEntry, error) {
	var logs []*models.RefreshLogEntry
	query := `SELECT * FROM account_refresh_logs WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`
	if err := db.SelectContext(ctx, &logs, query, accountID, limit); err != nil {
		return nil, fmt.Errorf("failed to list account refresh logs: %w", err)
	}
	return logs, nil
}

// ListAccountsWithFailedLastRefresh returns the active accounts whose most
// recent refresh log entry is a failure. Used by the retry-failed operation.
func (db *DB) ListAccountsWithFailedLastRefresh(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `
		SELECT a.* FROM accounts a
		INNER JOIN (
			SELECT account_id, MAX(id) AS last_log_id
			FROM account_refresh_logs
			GROUP BY account_id
		) latest ON a.id = latest.account_id
		INNER JOIN account_refresh_logs l ON l.id = latest.last_log_id
		WHERE l.status = ? AND a.status = ?
		ORDER BY a.id
	`
	err := db.SelectContext(ctx, &accounts, query, models.RefreshStatusFailed, models.AccountStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed accounts: %w", err)
	}
	return accounts, nil
}

// GetRefreshStats aggregates refresh outcomes since the given time.
func (db *DB) GetRefreshStats(ctx context.Context, since time.Time) (*models.RefreshStats, error) {
	var stats models.RefreshStats
	query := `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS success_count,
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed_count
		FROM account_refresh_logs
		WHERE datetime(created_at) >= datetime(?)
	`
	err := db.GetContext(ctx, &stats, query, models.RefreshStatusSuccess, models.RefreshStatusFailed, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh stats: %w", err)
	}
	return &stats, nil
}

// LastScheduledRefreshAt returns the time of the most recent scheduled
// refresh attempt, or ErrNotFound if none was ever recorded.
func (db *DB) LastScheduledRefreshAt(ctx context.Context) (time.Time, error) {
	var last time.Time
	query := `SELECT created_at FROM account_refresh_logs WHERE refresh_type = ? ORDER BY created_at DESC, id DESC LIMIT 1`
	err := db.GetContext(ctx, &last, query, models.RefreshTriggerScheduled)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last scheduled refresh: %w", err)
	}
	return last, nil
}

// PruneRefreshLogs deletes entries older than the given cutoff.
func (db *DB) PruneRefreshLogs(ctx context.Context, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM account_refresh_logs WHERE datetime(created_at) < datetime(?)`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune refresh logs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}
