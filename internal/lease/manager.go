package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ostrenko/mailpool/internal/database"
	"github.com/ostrenko/mailpool/pkg/models"
)

// TTL bounds for a lease. Requests outside this range are rejected.
const (
	MinTTL = 60 * time.Second
	MaxTTL = 3600 * time.Second
)

// ErrInvalidTTL is returned when the requested TTL is outside [MinTTL, MaxTTL]
var ErrInvalidTTL = errors.New("ttl out of range")

// ErrNoAccountAvailable is returned when every active account is leased
var ErrNoAccountAvailable = errors.New("no account available")

// ErrNotFound is returned for an unknown lease ID
var ErrNotFound = errors.New("lease not found")

// ErrExpired is returned for a lease past its expiry. Distinct from
// ErrNotFound so callers can report "session timed out" vs "unknown session".
var ErrExpired = errors.New("lease expired")

// Manager grants and revokes exclusive, time-bounded access to accounts.
type Manager struct {
	db     *database.DB
	logger *slog.Logger
}

// NewManager creates a lease manager
func NewManager(db *database.DB, logger *slog.Logger) *Manager {
	return &Manager{
		db:     db,
		logger: logger.With("component", "lease_manager"),
	}
}

// Acquire leases one active, unleased account for the given owner and TTL.
// Expired leases are reaped first, so accounts whose leases lapsed reappear
// as available. The pick-and-insert is atomic in the store; no retry is
// attempted here.
func (m *Manager) Acquire(ctx context.Context, owner string, ttl time.Duration) (*models.Lease, *models.Account, error) {
	if ttl < MinTTL || ttl > MaxTTL {
		return nil, nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrInvalidTTL, ttl, MinTTL, MaxTTL)
	}

	if reaped, err := m.db.ReapExpiredLeases(ctx); err != nil {
		return nil, nil, err
	} else if reaped > 0 {
		m.logger.Debug("reaped expired leases", "count", reaped)
	}

	leaseID := uuid.New().String()
	expiresAt := time.Now().UTC().Add(ttl)

	lease, account, err := m.db.AcquireLease(ctx, leaseID, owner, expiresAt)
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil, ErrNoAccountAvailable
	}
	if err != nil {
		return nil, nil, err
	}

	m.logger.Info("lease acquired",
		"lease_id", lease.LeaseID,
		"account_id", lease.AccountID,
		"owner", owner,
		"expires_at", lease.ExpiresAt,
	)
	return lease, account, nil
}

// Get returns a live lease. An expired lease yields ErrExpired even if it has
// not been reaped yet; an unknown lease yields ErrNotFound.
func (m *Manager) Get(ctx context.Context, leaseID string) (*models.Lease, error) {
	lease, err := m.db.GetLease(ctx, leaseID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lease.Expired(time.Now().UTC()) {
		return nil, ErrExpired
	}
	return lease, nil
}

// Release revokes a lease. Releasing an unknown, already-released or expired
// lease succeeds silently.
func (m *Manager) Release(ctx context.Context, leaseID string) error {
	if err := m.db.DeleteLease(ctx, leaseID); err != nil {
		return err
	}
	m.logger.Info("lease released", "lease_id", leaseID)
	return nil
}

// ReapExpired removes all leases past their expiry.
func (m *Manager) ReapExpired(ctx context.Context) (int64, error) {
	return m.db.ReapExpiredLeases(ctx)
}
