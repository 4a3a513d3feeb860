package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// handleSchedulerStatus reports the scheduling mode, validity and next run.
func (s *Server) handleSchedulerStatus(c *gin.Context) {
	if s.sched == nil {
		ok(c, gin.H{"scheduler": gin.H{"enabled": false, "reason": "scheduler disabled by configuration"}})
		return
	}

	status, err := s.sched.Status(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"scheduler": status})
}

// handleSchedulerTrigger forces a batch run on the next tick, bypassing the
// due-ness check.
func (s *Server) handleSchedulerTrigger(c *gin.Context) {
	if s.sched == nil {
		fail(c, http.StatusConflict, codeValidation, "scheduler disabled by configuration")
		return
	}
	s.sched.ForceRun()
	ok(c, gin.H{"triggered": true})
}

// handleOAuthURL returns the authorize URL for onboarding a new account.
func (s *Server) handleOAuthURL(c *gin.Context) {
	state := c.Query("state")
	if state == "" {
		state = uuid.New().String()
	}
	ok(c, gin.H{
		"auth_url": s.oauth.AuthorizeURL(state),
		"state":    state,
	})
}

type oauthExchangeRequest struct {
	Code string `json:"code"`
}

// handleOAuthExchange trades an authorization code for a token pair. The
// caller stores the refresh token on an account to finish onboarding.
func (s *Server) handleOAuthExchange(c *gin.Context) {
	var req oauthExchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		fail(c, http.StatusBadRequest, codeValidation, "code is required")
		return
	}

	token, err := s.oauth.ExchangeCode(c.Request.Context(), req.Code)
	if err != nil {
		fail(c, http.StatusBadGateway, codeUpstreamFailed, err.Error())
		return
	}
	ok(c, gin.H{
		"access_token":  token.AccessToken,
		"refresh_token": token.RefreshToken,
		"expires_in":    token.ExpiresIn,
	})
}
