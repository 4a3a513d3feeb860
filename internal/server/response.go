package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ostrenko/mailpool/internal/database"
	"github.com/ostrenko/mailpool/internal/lease"
	"github.com/ostrenko/mailpool/internal/mailfetch"
	"github.com/ostrenko/mailpool/internal/refresh"
	"github.com/ostrenko/mailpool/internal/vault"
)

// Stable machine-readable error codes. Clients dispatch on these, never on
// the message text.
const (
	codeValidation         = "validation_error"
	codeUnauthorized       = "unauthorized"
	codeNotFound           = "not_found"
	codeLeaseExpired       = "lease_expired"
	codeNoAccountAvailable = "no_account_available"
	codeInvalidTTL         = "invalid_ttl"
	codeDuplicateEmail     = "duplicate_email"
	codeDecryptFailed      = "decrypt_failed"
	codeUpstreamFailed     = "upstream_failed"
	codeInternal           = "internal_error"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Details carries the per-protocol error map when the retrieval chain
	// exhausts every protocol.
	Details any `json:"details,omitempty"`
}

// ok writes the uniform success envelope with extra payload fields merged in.
func ok(c *gin.Context, payload gin.H) {
	body := gin.H{"success": true}
	for k, v := range payload {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// fail writes the uniform failure envelope.
func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error":   errorBody{Code: code, Message: message},
	})
}

// failErr maps a sentinel error to its envelope. Unknown errors become an
// opaque internal_error so raw internals never leak to callers.
func (s *Server) failErr(c *gin.Context, err error) {
	var chainErr *mailfetch.ChainError
	switch {
	case errors.Is(err, lease.ErrInvalidTTL):
		fail(c, http.StatusBadRequest, codeInvalidTTL, err.Error())
	case errors.Is(err, lease.ErrNoAccountAvailable):
		fail(c, http.StatusNotFound, codeNoAccountAvailable, "no account available")
	case errors.Is(err, lease.ErrExpired):
		fail(c, http.StatusGone, codeLeaseExpired, "lease expired")
	case errors.Is(err, lease.ErrNotFound):
		fail(c, http.StatusNotFound, codeNotFound, "lease not found")
	case errors.Is(err, refresh.ErrAccountNotFound), errors.Is(err, database.ErrNotFound):
		fail(c, http.StatusNotFound, codeNotFound, "not found")
	case errors.Is(err, database.ErrDuplicateEmail):
		fail(c, http.StatusConflict, codeDuplicateEmail, "email already exists")
	case errors.Is(err, vault.ErrDecrypt):
		fail(c, http.StatusInternalServerError, codeDecryptFailed, "failed to decrypt credentials")
	case errors.As(err, &chainErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"error": errorBody{
				Code:    codeUpstreamFailed,
				Message: "all retrieval protocols failed",
				Details: chainErr.Causes,
			},
		})
	default:
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
		fail(c, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
