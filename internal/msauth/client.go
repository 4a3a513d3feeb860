package msauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Microsoft identity platform token endpoints. Graph and IMAP tokens come
// from different endpoints with different scopes because they target
// different audiences.
const (
	GraphTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	IMAPTokenURL  = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"

	ScopeGraph = "https://graph.microsoft.com/.default"
	ScopeIMAP  = "https://outlook.office.com/IMAP.AccessAsUser.All offline_access"
)

// Backoff defaults for the token endpoints.
const (
	defaultMaxRetries  = 3
	defaultBackoffBase = time.Second
	defaultBackoffMax  = 10 * time.Second
)

// retryStatus are the HTTP statuses worth retrying with backoff.
var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Token is a token-endpoint grant result. RefreshToken is empty when the
// provider did not rotate it.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Error is a structured token-endpoint failure. Transient marks rate limits
// and network failures that a caller may retry; invalid_grant and friends are
// permanent until the account is re-authorized.
type Error struct {
	StatusCode  int    `json:"status_code"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Transient   bool   `json:"transient"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("token endpoint: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("token endpoint: %s (status %d)", e.Code, e.StatusCode)
}

// Config for the token client. Zero-value URLs and backoff fields fall back
// to the production endpoints and defaults.
type Config struct {
	GraphTokenURL string
	IMAPTokenURL  string
	Timeout       time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

// Client exchanges OAuth2 refresh tokens for access tokens against the
// Microsoft identity platform.
type Client struct {
	graphTokenURL string
	imapTokenURL  string
	maxRetries    int
	backoffBase   time.Duration
	backoffMax    time.Duration
	httpClient    *http.Client
}

// NewClient creates a token client
func NewClient(cfg Config) *Client {
	if cfg.GraphTokenURL == "" {
		cfg.GraphTokenURL = GraphTokenURL
	}
	if cfg.IMAPTokenURL == "" {
		cfg.IMAPTokenURL = IMAPTokenURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	return &Client{
		graphTokenURL: cfg.GraphTokenURL,
		imapTokenURL:  cfg.IMAPTokenURL,
		maxRetries:    cfg.MaxRetries,
		backoffBase:   cfg.BackoffBase,
		backoffMax:    cfg.BackoffMax,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
	}
}

// RefreshGraphToken exchanges a refresh token for a Graph API access token.
func (c *Client) RefreshGraphToken(ctx context.Context, clientID, refreshToken string) (*Token, error) {
	return c.refresh(ctx, c.graphTokenURL, clientID, refreshToken, ScopeGraph)
}

// RefreshIMAPToken exchanges a refresh token for an IMAP access token.
func (c *Client) RefreshIMAPToken(ctx context.Context, clientID, refreshToken string) (*Token, error) {
	return c.refresh(ctx, c.imapTokenURL, clientID, refreshToken, ScopeIMAP)
}

// refresh performs the refresh_token grant with bounded backoff on transient
// statuses. The scope parameter selects the token audience, which is why this
// is a direct form POST rather than an oauth2.TokenSource.
func (c *Client) refresh(ctx context.Context, tokenURL, clientID, refreshToken, scope string) (*Token, error) {
	form := url.Values{
		"client_id":     {clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {scope},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &Error{Code: "network_error", Description: err.Error(), Transient: true}
			if attempt < c.maxRetries {
				if err := c.sleep(ctx, c.backoffDelay(attempt, "")); err != nil {
					return nil, lastErr
				}
				continue
			}
			return nil, lastErr
		}

		token, terr := parseTokenResponse(resp)
		if terr == nil {
			return token, nil
		}
		lastErr = terr.Error

		if retryStatus[terr.StatusCode] && attempt < c.maxRetries {
			if err := c.sleep(ctx, c.backoffDelay(attempt, terr.retryAfter)); err != nil {
				return nil, lastErr
			}
			continue
		}
		return nil, lastErr
	}
	return nil, lastErr
}

// sleep waits for the backoff delay or until the context is cancelled.
func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoffDelay computes the exponential backoff for an attempt, preferring a
// server-supplied Retry-After when present.
func (c *Client) backoffDelay(attempt int, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			d := time.Duration(secs) * time.Second
			if d < 500*time.Millisecond {
				d = 500 * time.Millisecond
			}
			if d > c.backoffMax {
				d = c.backoffMax
			}
			return d
		}
	}
	d := c.backoffBase << attempt
	if d > c.backoffMax {
		d = c.backoffMax
	}
	return d + time.Duration(rand.Int63n(int64(300*time.Millisecond)+1))
}

type tokenError struct {
	*Error
	retryAfter string
}

func parseTokenResponse(resp *http.Response) (*Token, *tokenError) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &tokenError{Error: &Error{
			StatusCode:  resp.StatusCode,
			Code:        "read_error",
			Description: err.Error(),
			Transient:   true,
		}}
	}

	if resp.StatusCode != http.StatusOK {
		var payload struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		code := "http_" + strconv.Itoa(resp.StatusCode)
		description := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			code = payload.Error
			description = payload.ErrorDescription
		}
		return nil, &tokenError{
			Error: &Error{
				StatusCode:  resp.StatusCode,
				Code:        code,
				Description: description,
				Transient:   retryStatus[resp.StatusCode],
			},
			retryAfter: resp.Header.Get("Retry-After"),
		}
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &tokenError{Error: &Error{
			StatusCode:  resp.StatusCode,
			Code:        "malformed_response",
			Description: err.Error(),
		}}
	}
	if token.AccessToken == "" {
		return nil, &tokenError{Error: &Error{
			StatusCode:  resp.StatusCode,
			Code:        "missing_access_token",
			Description: "token endpoint returned no access token",
		}}
	}
	return &token, nil
}
