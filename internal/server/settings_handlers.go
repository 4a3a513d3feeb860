package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/ostrenko/mailpool/internal/scheduler"
	"github.com/ostrenko/mailpool/pkg/models"
)

// handleGetSettings returns all settings. The login password hash is masked.
func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.db.AllSettings(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	if _, exists := settings[models.SettingLoginPassword]; exists {
		settings[models.SettingLoginPassword] = "********"
	}
	ok(c, gin.H{"settings": settings})
}

// handleUpdateSettings validates and persists recognized settings keys.
// Unknown keys are rejected; nothing is written unless every key validates.
func (s *Server) handleUpdateSettings(c *gin.Context) {
	var req map[string]string
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}
	if len(req) == 0 {
		fail(c, http.StatusBadRequest, codeValidation, "no settings provided")
		return
	}

	validated := make(map[string]string, len(req))
	for key, value := range req {
		stored, err := validateSetting(key, value)
		if err != nil {
			fail(c, http.StatusBadRequest, codeValidation, err.Error())
			return
		}
		validated[key] = stored
	}

	ctx := c.Request.Context()
	for key, value := range validated {
		if err := s.db.SetSetting(ctx, key, value); err != nil {
			s.failErr(c, err)
			return
		}
	}
	ok(c, gin.H{"updated": len(validated)})
}

// validateSetting checks one key's value and returns the string to persist.
// The login password is stored as a bcrypt hash, everything else verbatim.
func validateSetting(key, value string) (string, error) {
	switch key {
	case models.SettingLoginPassword:
		if len(value) < 8 {
			return "", fmt.Errorf("%s must be at least 8 characters", key)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(value), bcrypt.DefaultCost)
		if err != nil {
			return "", fmt.Errorf("failed to hash password: %w", err)
		}
		return string(hash), nil

	case models.SettingRefreshIntervalDays:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 90 {
			return "", fmt.Errorf("%s must be an integer in [1, 90]", key)
		}
		return value, nil

	case models.SettingRefreshDelaySeconds:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 || n > 60 {
			return "", fmt.Errorf("%s must be an integer in [0, 60]", key)
		}
		return value, nil

	case models.SettingRefreshCron:
		if err := scheduler.ValidateCron(value); err != nil {
			return "", fmt.Errorf("%s is not a valid cron expression: %v", key, err)
		}
		return value, nil

	case models.SettingUseCronSchedule, models.SettingEnableScheduledRefresh:
		if value != "true" && value != "false" {
			return "", fmt.Errorf("%s must be true or false", key)
		}
		return value, nil

	default:
		return "", fmt.Errorf("unknown setting %q", key)
	}
}

type validateCronRequest struct {
	Cron string `json:"cron"`
}

// handleValidateCron checks a cron expression and previews its next runs.
func (s *Server) handleValidateCron(c *gin.Context) {
	var req validateCronRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Cron == "" {
		fail(c, http.StatusBadRequest, codeValidation, "cron is required")
		return
	}

	next, err := scheduler.NextRuns(req.Cron, time.Now().UTC(), 3)
	if err != nil {
		ok(c, gin.H{"valid": false, "reason": err.Error()})
		return
	}
	ok(c, gin.H{"valid": true, "next_runs": next})
}
