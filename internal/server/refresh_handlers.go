package server

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ostrenko/mailpool/pkg/models"
)

// handleRefreshAccount refreshes one account's token immediately.
func (s *Server) handleRefreshAccount(c *gin.Context) {
	id, err := accountID(c)
	if err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid account id")
		return
	}

	result, err := s.engine.Refresh(c.Request.Context(), id, models.RefreshTriggerManual)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"result": result})
}

// handleRetryFailed re-refreshes every account whose latest attempt failed.
func (s *Server) handleRetryFailed(c *gin.Context) {
	results, err := s.engine.RetryFailed(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}

	var succeeded, failed int
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			failed++
		}
	}
	ok(c, gin.H{
		"results":       results,
		"total":         len(results),
		"success_count": succeeded,
		"failed_count":  failed,
	})
}

// handleRefreshAll runs a batch refresh over all active accounts, streaming
// progress as server-sent events. Closing the connection cancels the run;
// the in-flight account still completes and is logged.
func (s *Server) handleRefreshAll(c *gin.Context) {
	ctx := c.Request.Context()

	settings, err := s.db.GetScheduleSettings(ctx)
	if err != nil {
		s.failErr(c, err)
		return
	}
	delaySeconds := settings.DelaySeconds
	if override := intQuery(c, "delay", -1); override >= 0 && override <= 60 {
		delaySeconds = override
	}

	events, err := s.engine.RefreshAll(ctx, models.RefreshTriggerManual, time.Duration(delaySeconds)*time.Second)
	if err != nil {
		s.failErr(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		ev, open := <-events
		if !open {
			return false
		}
		c.SSEvent("message", ev)
		return true
	})
}

func (s *Server) handleRefreshLogs(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	if limit < 1 || limit > 500 || offset < 0 {
		fail(c, http.StatusBadRequest, codeValidation, "limit in [1, 500], offset >= 0")
		return
	}

	logs, err := s.db.ListRefreshLogs(c.Request.Context(), limit, offset)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"logs": logs})
}

func (s *Server) handleAccountRefreshLogs(c *gin.Context) {
	id, err := accountID(c)
	if err != nil {
		fail(c, http.StatusBadRequest, codeValidation, "invalid account id")
		return
	}

	ctx := c.Request.Context()
	if _, err := s.db.GetAccountByID(ctx, id); err != nil {
		s.failErr(c, err)
		return
	}

	logs, err := s.db.ListAccountRefreshLogs(ctx, id, intQuery(c, "limit", 50))
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"logs": logs})
}

func (s *Server) handleRefreshStats(c *gin.Context) {
	days := intQuery(c, "days", 30)
	if days < 1 || days > 365 {
		fail(c, http.StatusBadRequest, codeValidation, "days in [1, 365]")
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := s.db.GetRefreshStats(c.Request.Context(), since)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"stats": stats, "since": since})
}
