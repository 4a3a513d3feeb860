package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ostrenko/mailpool/pkg/models"
)

// CreateAccount creates a new account. Returns ErrDuplicateEmail if the email
// address is already registered.
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (email, password, client_id, refresh_token, status, remark, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	if account.Status == "" {
		account.Status = models.AccountStatusActive
	}
	result, err := db.ExecContext(ctx, query,
		account.Email,
		account.Password,
		account.ClientID,
		account.RefreshToken,
		account.Status,
		account.Remark,
		now,
		now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountByEmail returns an account by email address
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE email = ?`
	err := db.GetContext(ctx, &account, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListAccounts returns all accounts, optionally filtered by status
func (db *DB) ListAccounts(ctx context.Context, status string) ([]*models.Account, error) {
	var accounts []*models.Account
	var err error
	if status != "" {
		err = db.SelectContext(ctx, &accounts, `SELECT * FROM accounts WHERE status = ? ORDER BY id`, status)
	} else {
		err = db.SelectContext(ctx, &accounts, `SELECT * FROM accounts ORDER BY id`)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// ListActiveAccounts returns all active accounts ordered by id
func (db *DB) ListActiveAccounts(ctx context.Context) ([]*models.Account, error) {
	return db.ListAccounts(ctx, models.AccountStatusActive)
}

// FindAvailableActive returns one active account that has no live lease.
// Selection is ordered by id for determinism but callers must not depend on
// which eligible account is returned. Returns ErrNotFound when the pool is
// exhausted.
func (db *DB) FindAvailableActive(ctx context.Context) (*models.Account, error) {
	var account models.Account
	query := `
		SELECT a.* FROM accounts a
		LEFT JOIN account_leases l
			ON a.id = l.account_id AND datetime(l.expires_at) > datetime('now')
		WHERE a.status = ? AND l.account_id IS NULL
		ORDER BY a.id
		LIMIT 1
	`
	err := db.GetContext(ctx, &account, query, models.AccountStatusActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find available account: %w", err)
	}
	return &account, nil
}

// UpdateAccount updates the mutable fields of an account. Returns
// ErrDuplicateEmail if the new email collides with another account.
func (db *DB) UpdateAccount(ctx context.Context, account *models.Account) error {
	query := `
		UPDATE accounts
		SET email = ?, password = ?, client_id = ?, refresh_token = ?, status = ?, remark = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := db.ExecContext(ctx, query,
		account.Email,
		account.Password,
		account.ClientID,
		account.RefreshToken,
		account.Status,
		account.Remark,
		time.Now().UTC(),
		account.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to update account: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAccountStatus sets the status of an account
func (db *DB) UpdateAccountStatus(ctx context.Context, id int64, status string) error {
	query := `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	return nil
}

// UpdateAccountRefreshToken replaces the stored (encrypted) refresh token.
// Called only after a successful refresh that rotated the token.
func (db *DB) UpdateAccountRefreshToken(ctx context.Context, id int64, encryptedToken string) error {
	query := `UPDATE accounts SET refresh_token = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, encryptedToken, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update refresh token: %w", err)
	}
	return nil
}

// DeleteAccount deletes an account. Leases and refresh logs cascade.
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
