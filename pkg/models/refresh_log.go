package models

import "time"

// Refresh trigger kinds.
const (
	RefreshTriggerManual    = "manual"
	RefreshTriggerScheduled = "scheduled"
	RefreshTriggerRetry     = "retry"
)

// Refresh outcome statuses.
const (
	RefreshStatusSuccess = "success"
	RefreshStatusFailed  = "failed"
)

// RefreshLogEntry is an append-only record of one token refresh attempt.
type RefreshLogEntry struct {
	ID           int64     `db:"id" json:"id"`
	AccountID    int64     `db:"account_id" json:"account_id"`
	AccountEmail string    `db:"account_email" json:"account_email"`
	Trigger      string    `db:"refresh_type" json:"refresh_type"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// RefreshStats aggregates refresh outcomes over a window.
type RefreshStats struct {
	Total        int64 `db:"total" json:"total"`
	SuccessCount int64 `db:"success_count" json:"success_count"`
	FailedCount  int64 `db:"failed_count" json:"failed_count"`
}
