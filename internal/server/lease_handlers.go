package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultTTLSeconds = 900

type checkoutRequest struct {
	Owner      string `json:"owner"`
	TTLSeconds *int   `json:"ttl_seconds"`
}

// handleCheckout leases one available account to the caller. A TTL outside
// [60, 3600] seconds is rejected, never clamped.
func (s *Server) handleCheckout(c *gin.Context) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	ttlSeconds := defaultTTLSeconds
	if req.TTLSeconds != nil {
		ttlSeconds = *req.TTLSeconds
	}

	lse, account, err := s.leases.Acquire(c.Request.Context(), req.Owner, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		s.failErr(c, err)
		return
	}

	ok(c, gin.H{
		"lease_id":   lse.LeaseID,
		"account_id": account.ID,
		"email":      account.Email,
		"expires_at": lse.ExpiresAt,
	})
}

type checkoutCompleteRequest struct {
	LeaseID string `json:"lease_id"`
	Result  string `json:"result"`
}

// handleCheckoutComplete releases a lease. Idempotent: releasing an unknown
// or already-released lease succeeds the same way.
func (s *Server) handleCheckoutComplete(c *gin.Context) {
	var req checkoutCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.LeaseID == "" {
		fail(c, http.StatusBadRequest, codeValidation, "lease_id is required")
		return
	}

	if err := s.leases.Release(c.Request.Context(), req.LeaseID); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, nil)
}

// handleLeaseAccount returns the decrypted credential bundle for a live
// lease. 404 for an unknown lease, 410 for an expired one.
func (s *Server) handleLeaseAccount(c *gin.Context) {
	ctx := c.Request.Context()

	lse, err := s.leases.Get(ctx, c.Param("id"))
	if err != nil {
		s.failErr(c, err)
		return
	}

	account, err := s.db.GetAccountByID(ctx, lse.AccountID)
	if err != nil {
		s.failErr(c, err)
		return
	}

	creds, err := s.decryptCredentials(account)
	if err != nil {
		s.failErr(c, err)
		return
	}

	ok(c, gin.H{
		"account":    creds,
		"expires_at": lse.ExpiresAt,
	})
}
