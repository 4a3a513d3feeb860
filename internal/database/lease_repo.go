package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ostrenko/mailpool/pkg/models"
)

// AcquireLease atomically picks one active account with no live lease and
// inserts a lease for it. The pick-and-insert is a single INSERT ... SELECT
// statement, so concurrent acquirers serialize on the sqlite writer and can
// never double-assign an account; the UNIQUE(account_id) constraint backstops
// the invariant. Returns ErrNotFound when no account is available.
func (db *DB) AcquireLease(ctx context.Context, leaseID, owner string, expiresAt time.Time) (*models.Lease, *models.Account, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO account_leases (lease_id, account_id, owner, expires_at, created_at)
		SELECT ?, a.id, ?, ?, ?
		FROM accounts a
		LEFT JOIN account_leases l
			ON a.id = l.account_id AND datetime(l.expires_at) > datetime('now')
		WHERE a.status = ? AND l.account_id IS NULL
		ORDER BY a.id
		LIMIT 1
	`
	result, err := db.ExecContext(ctx, query, leaseID, owner, expiresAt.UTC(), now, models.AccountStatusActive)
	if err != nil {
		// A racing acquirer can still collide on account_id when an expired
		// lease row is being replaced; treat it as pool exhaustion for this
		// attempt.
		if isUniqueViolation(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, nil, ErrNotFound
	}

	lease, err := db.GetLease(ctx, leaseID)
	if err != nil {
		return nil, nil, err
	}
	account, err := db.GetAccountByID(ctx, lease.AccountID)
	if err != nil {
		return nil, nil, err
	}
	return lease, account, nil
}

// GetLease returns a lease by ID regardless of expiry; callers decide how to
// treat expired leases.
func (db *DB) GetLease(ctx context.Context, leaseID string) (*models.Lease, error) {
	var lease models.Lease
	query := `SELECT * FROM account_leases WHERE lease_id = ?`
	err := db.GetContext(ctx, &lease, query, leaseID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return &lease, nil
}

// GetLeaseByAccountID returns the lease referencing an account, if any.
func (db *DB) GetLeaseByAccountID(ctx context.Context, accountID int64) (*models.Lease, error) {
	var lease models.Lease
	query := `SELECT * FROM account_leases WHERE account_id = ?`
	err := db.GetContext(ctx, &lease, query, accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return &lease, nil
}

// DeleteLease removes a lease. Deleting a missing lease is not an error;
// release must be idempotent.
func (db *DB) DeleteLease(ctx context.Context, leaseID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM account_leases WHERE lease_id = ?`, leaseID)
	if err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	return nil
}

// ReapExpiredLeases removes all leases past their expiry and returns how many
// were removed.
func (db *DB) ReapExpiredLeases(ctx context.Context) (int64, error) {
	result, err := db.ExecContext(ctx, `DELETE FROM account_leases WHERE datetime(expires_at) <= datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("failed to reap expired leases: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// CountLiveLeases returns the number of non-expired leases.
func (db *DB) CountLiveLeases(ctx context.Context) (int64, error) {
	var count int64
	err := db.GetContext(ctx, &count, `SELECT COUNT(*) FROM account_leases WHERE datetime(expires_at) > datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("failed to count leases: %w", err)
	}
	return count, nil
}
