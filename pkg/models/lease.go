package models

import "time"

// Lease is a time-bounded exclusive claim on one account. At most one
// non-expired lease may exist per account at any instant.
type Lease struct {
	LeaseID   string    `db:"lease_id" json:"lease_id"`
	AccountID int64     `db:"account_id" json:"account_id"`
	Owner     string    `db:"owner" json:"owner"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Expired reports whether the lease is past its expiry at the given instant.
// An expired lease is treated as absent for acquisition and ownership checks
// even if it has not been physically reaped yet.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}
