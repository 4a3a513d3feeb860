package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ostrenko/mailpool/internal/database"
	"github.com/ostrenko/mailpool/internal/lease"
	"github.com/ostrenko/mailpool/internal/mailfetch"
	"github.com/ostrenko/mailpool/internal/msauth"
	"github.com/ostrenko/mailpool/internal/refresh"
	"github.com/ostrenko/mailpool/internal/scheduler"
	"github.com/ostrenko/mailpool/internal/vault"
	"github.com/ostrenko/mailpool/pkg/models"
)

const testToken = "test-api-token"

type fakeMail struct {
	list   *models.MessageList
	detail *models.MessageDetail
	err    error
}

func (f *fakeMail) List(ctx context.Context, creds *models.Credentials, q mailfetch.Query) (*models.MessageList, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.list, nil
}

func (f *fakeMail) Detail(ctx context.Context, creds *models.Credentials, messageID, folder string) (*models.MessageDetail, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.detail, nil
}

type fixture struct {
	router *gin.Engine
	db     *database.DB
	vault  *vault.Vault
	mail   *fakeMail
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	v, err := vault.New("test-master-secret-0123456789")
	require.NoError(t, err)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at", "refresh_token": "rt"})
	}))
	t.Cleanup(upstream.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tokens := msauth.NewClient(msauth.Config{GraphTokenURL: upstream.URL, IMAPTokenURL: upstream.URL})
	engine := refresh.NewEngine(db, v, tokens, logger)
	mail := &fakeMail{}

	srv := New(
		Config{ListenAddr: ":0", APIToken: testToken},
		db, v,
		lease.NewManager(db, logger),
		engine,
		mail,
		scheduler.New(db, engine, logger, time.Minute),
		msauth.NewOAuthHelper("client-1", "http://localhost/callback"),
		logger,
	)
	return &fixture{router: srv.Router(), db: db, vault: v, mail: mail}
}

// do performs an authenticated request and decodes the JSON body.
func (f *fixture) do(t *testing.T, method, path string, payload any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var decoded map[string]any
	if w.Body.Len() > 0 && json.Unmarshal(w.Body.Bytes(), &decoded) != nil {
		decoded = nil
	}
	return w, decoded
}

func (f *fixture) addAccount(t *testing.T, email string) *models.Account {
	t.Helper()
	encTok, err := f.vault.Encrypt("refresh-tok")
	require.NoError(t, err)
	encCID, err := f.vault.Encrypt("client-1")
	require.NoError(t, err)
	encPwd, err := f.vault.Encrypt("hunter22")
	require.NoError(t, err)

	account := &models.Account{
		Email:        email,
		Password:     encPwd,
		ClientID:     encCID,
		RefreshToken: encTok,
		Status:       models.AccountStatusActive,
	}
	require.NoError(t, f.db.CreateAccount(context.Background(), account))
	return account
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	require.NotNil(t, body)
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "body has no error object: %v", body)
	code, _ := errObj["code"].(string)
	return code
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/accounts", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Health stays open
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckoutLifecycle(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, "a@example.com")

	w, body := f.do(t, http.MethodPost, "/api/external/checkout", gin.H{"owner": "worker-1", "ttl_seconds": 900})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "a@example.com", body["email"])
	assert.EqualValues(t, account.ID, body["account_id"])
	leaseID := body["lease_id"].(string)
	require.NotEmpty(t, leaseID)

	// Pool of one: second checkout finds nothing
	w, body = f.do(t, http.MethodPost, "/api/external/checkout", gin.H{"owner": "worker-2"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeNoAccountAvailable, errorCode(t, body))

	// Credentials come back decrypted
	w, body = f.do(t, http.MethodGet, "/api/external/lease/"+leaseID+"/account", nil)
	require.Equal(t, http.StatusOK, w.Code)
	creds := body["account"].(map[string]any)
	assert.Equal(t, "hunter22", creds["password"])
	assert.Equal(t, "client-1", creds["client_id"])
	assert.Equal(t, "refresh-tok", creds["refresh_token"])

	// Release twice: both succeed
	w, _ = f.do(t, http.MethodPost, "/api/external/checkout/complete", gin.H{"lease_id": leaseID})
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = f.do(t, http.MethodPost, "/api/external/checkout/complete", gin.H{"lease_id": leaseID})
	assert.Equal(t, http.StatusOK, w.Code)

	// Released lease is unknown now
	w, body = f.do(t, http.MethodGet, "/api/external/lease/"+leaseID+"/account", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeNotFound, errorCode(t, body))
}

func TestCheckoutInvalidTTL(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "a@example.com")

	for _, ttl := range []int{0, 59, 3601, -5} {
		w, body := f.do(t, http.MethodPost, "/api/external/checkout", gin.H{"ttl_seconds": ttl})
		assert.Equal(t, http.StatusBadRequest, w.Code, "ttl=%d", ttl)
		assert.Equal(t, codeInvalidTTL, errorCode(t, body))
	}
}

func TestLeaseAccountExpiredIsGone(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "a@example.com")

	w, body := f.do(t, http.MethodPost, "/api/external/checkout", gin.H{"ttl_seconds": 60})
	require.Equal(t, http.StatusOK, w.Code)
	leaseID := body["lease_id"].(string)

	_, err := f.db.Exec(`UPDATE account_leases SET expires_at = datetime('now', '-1 minute') WHERE lease_id = ?`, leaseID)
	require.NoError(t, err)

	w, body = f.do(t, http.MethodGet, "/api/external/lease/"+leaseID+"/account", nil)
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, codeLeaseExpired, errorCode(t, body))
}

func TestCreateAccountImportFormat(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/api/accounts", gin.H{
		"import": "x@example.com----pw----cid----rtok",
	})
	require.Equal(t, http.StatusOK, w.Code)
	account := body["account"].(map[string]any)
	assert.Equal(t, "x@example.com", account["email"])

	// Credentials landed encrypted
	stored, err := f.db.GetAccountByEmail(context.Background(), "x@example.com")
	require.NoError(t, err)
	assert.True(t, vault.IsEncrypted(stored.Password))
	assert.True(t, vault.IsEncrypted(stored.RefreshToken))
	plain, err := f.vault.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "rtok", plain)

	// Malformed import line
	w, body = f.do(t, http.MethodPost, "/api/accounts", gin.H{"import": "only----three----fields"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codeValidation, errorCode(t, body))
}

func TestCreateAccountDuplicate(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "dup@example.com")

	w, body := f.do(t, http.MethodPost, "/api/accounts", gin.H{"email": "dup@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, codeDuplicateEmail, errorCode(t, body))
}

func TestUpdateAndDeleteAccount(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, "a@example.com")
	id := account.ID

	w, body := f.do(t, http.MethodPut, "/api/accounts/"+itoa(id), gin.H{"status": "inactive", "remark": "burned"})
	require.Equal(t, http.StatusOK, w.Code)
	updated := body["account"].(map[string]any)
	assert.Equal(t, "inactive", updated["status"])
	assert.Equal(t, "burned", updated["remark"])

	w, body = f.do(t, http.MethodPut, "/api/accounts/"+itoa(id), gin.H{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codeValidation, errorCode(t, body))

	w, _ = f.do(t, http.MethodDelete, "/api/accounts/"+itoa(id), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = f.do(t, http.MethodGet, "/api/accounts/"+itoa(id), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeNotFound, errorCode(t, body))
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "a@example.com")
	f.mail.list = &models.MessageList{
		Messages: []models.MessageSummary{{ID: "1", Subject: "hello"}},
		Method:   "Graph API",
		HasMore:  true,
	}

	w, body := f.do(t, http.MethodGet, "/api/emails/a@example.com?folder=inbox&skip=0&top=20", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Graph API", body["method"])
	assert.Equal(t, true, body["has_more"])
	assert.Len(t, body["emails"], 1)
}

func TestListMessagesAllProtocolsFailed(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "a@example.com")
	f.mail.err = &mailfetch.ChainError{Causes: map[string]string{
		"graph":    "invalid_grant",
		"imap_new": "auth failed",
		"imap_old": "dial timeout",
	}}

	w, body := f.do(t, http.MethodGet, "/api/emails/a@example.com", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, codeUpstreamFailed, errorCode(t, body))

	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Len(t, details, 3)
	assert.Equal(t, "invalid_grant", details["graph"])
}

func TestListMessagesUnknownAccount(t *testing.T) {
	f := newFixture(t)
	w, body := f.do(t, http.MethodGet, "/api/emails/nobody@example.com", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeNotFound, errorCode(t, body))
}

func TestRefreshAccountEndpoint(t *testing.T) {
	f := newFixture(t)
	account := f.addAccount(t, "a@example.com")

	w, body := f.do(t, http.MethodPost, "/api/accounts/"+itoa(account.ID)+"/refresh", nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := body["result"].(map[string]any)
	assert.Equal(t, true, result["success"])

	w, body = f.do(t, http.MethodPost, "/api/accounts/9999/refresh", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codeNotFound, errorCode(t, body))
}

// sseRecorder adds the CloseNotifier interface streaming handlers expect.
type sseRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *sseRecorder) CloseNotify() <-chan bool { return r.closed }

func TestRefreshAllStreamsSSE(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "a@example.com")
	f.addAccount(t, "b@example.com")

	req := httptest.NewRequest(http.MethodGet, "/api/accounts/refresh-all?delay=0", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)

	w := &sseRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool)}
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	stream := w.Body.String()
	assert.Contains(t, stream, `"type":"start"`)
	assert.Contains(t, stream, `"type":"progress"`)
	assert.Contains(t, stream, `"type":"complete"`)
	assert.Contains(t, stream, `"total":2`)
	assert.Contains(t, stream, "a@example.com")
	assert.Contains(t, stream, "b@example.com")
}

func TestSettingsValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name    string
		payload gin.H
		wantOK  bool
	}{
		{"interval in range", gin.H{"refresh_interval_days": "30"}, true},
		{"interval too large", gin.H{"refresh_interval_days": "91"}, false},
		{"delay in range", gin.H{"refresh_delay_seconds": "0"}, true},
		{"delay negative", gin.H{"refresh_delay_seconds": "-1"}, false},
		{"valid cron", gin.H{"refresh_cron": "0 2 * * *"}, true},
		{"invalid cron", gin.H{"refresh_cron": "bogus"}, false},
		{"bool flag", gin.H{"use_cron_schedule": "true"}, true},
		{"bad bool", gin.H{"enable_scheduled_refresh": "yes"}, false},
		{"short password", gin.H{"login_password": "short"}, false},
		{"unknown key", gin.H{"favorite_color": "blue"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, _ := f.do(t, http.MethodPut, "/api/settings", tc.payload)
			if tc.wantOK {
				assert.Equal(t, http.StatusOK, w.Code)
			} else {
				assert.Equal(t, http.StatusBadRequest, w.Code)
			}
		})
	}
}

func TestSettingsPasswordHashedAndMasked(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPut, "/api/settings", gin.H{"login_password": "correct horse battery"})
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := f.db.GetSetting(context.Background(), models.SettingLoginPassword, "")
	require.NoError(t, err)
	require.NotEqual(t, "correct horse battery", stored)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored), []byte("correct horse battery")))

	w, body := f.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	settings := body["settings"].(map[string]any)
	assert.Equal(t, "********", settings[models.SettingLoginPassword])
}

func TestValidateCronEndpoint(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodPost, "/api/settings/validate-cron", gin.H{"cron": "*/15 * * * *"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])
	assert.Len(t, body["next_runs"], 3)

	w, body = f.do(t, http.MethodPost, "/api/settings/validate-cron", gin.H{"cron": "nope"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["valid"])
}

func TestSchedulerStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/scheduler/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := body["scheduler"].(map[string]any)
	assert.Equal(t, true, status["enabled"])

	w, body = f.do(t, http.MethodPost, "/api/scheduler/trigger", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["triggered"])
}

func TestOAuthURLEndpoint(t *testing.T) {
	f := newFixture(t)

	w, body := f.do(t, http.MethodGet, "/api/oauth/auth-url?state=abc", nil)
	require.Equal(t, http.StatusOK, w.Code)
	url := body["auth_url"].(string)
	assert.Contains(t, url, "client_id=client-1")
	assert.Contains(t, url, "state=abc")
	assert.Equal(t, "abc", body["state"])
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
