package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ostrenko/mailpool/internal/mailfetch"
)

// handleListMessages lists a folder page for an account, trying each
// retrieval protocol in order.
func (s *Server) handleListMessages(c *gin.Context) {
	ctx := c.Request.Context()

	account, err := s.db.GetAccountByEmail(ctx, c.Param("email"))
	if err != nil {
		s.failErr(c, err)
		return
	}
	creds, err := s.decryptCredentials(account)
	if err != nil {
		s.failErr(c, err)
		return
	}

	q := mailfetch.Query{
		Folder: c.DefaultQuery("folder", "inbox"),
		Skip:   intQuery(c, "skip", 0),
		Top:    intQuery(c, "top", 20),
	}
	if q.Skip < 0 || q.Top < 1 || q.Top > 100 {
		fail(c, http.StatusBadRequest, codeValidation, "skip must be >= 0 and top in [1, 100]")
		return
	}

	list, err := s.mail.List(ctx, creds, q)
	if err != nil {
		s.failErr(c, err)
		return
	}

	ok(c, gin.H{
		"emails":   list.Messages,
		"method":   list.Method,
		"has_more": list.HasMore,
	})
}

// handleMessageDetail fetches one message with its full body.
func (s *Server) handleMessageDetail(c *gin.Context) {
	ctx := c.Request.Context()

	account, err := s.db.GetAccountByEmail(ctx, c.Param("email"))
	if err != nil {
		s.failErr(c, err)
		return
	}
	creds, err := s.decryptCredentials(account)
	if err != nil {
		s.failErr(c, err)
		return
	}

	detail, err := s.mail.Detail(ctx, creds, c.Param("message_id"), c.DefaultQuery("folder", "inbox"))
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, gin.H{"email": detail})
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
