package models

import "time"

// Account statuses. Only active accounts are eligible for leasing and
// scheduled refresh.
const (
	AccountStatusActive   = "active"
	AccountStatusInactive = "inactive"
)

// Account represents a managed mailbox identity. Password, ClientID and
// RefreshToken are stored encrypted (vault "enc:" marker) and must be
// decrypted before use.
type Account struct {
	ID            int64      `db:"id" json:"id"`
	Email         string     `db:"email" json:"email"`
	Password      string     `db:"password" json:"-"`
	ClientID      string     `db:"client_id" json:"-"`
	RefreshToken  string     `db:"refresh_token" json:"-"`
	Status        string     `db:"status" json:"status"`
	Remark        string     `db:"remark" json:"remark"`
	LastRefreshAt *time.Time `db:"last_refresh_at" json:"last_refresh_at"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Credentials is the decrypted credential bundle handed to a lease holder.
type Credentials struct {
	AccountID    int64  `json:"account_id"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}
