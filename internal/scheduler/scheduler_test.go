package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ostrenko/mailpool/internal/database"
	"github.com/ostrenko/mailpool/internal/msauth"
	"github.com/ostrenko/mailpool/internal/refresh"
	"github.com/ostrenko/mailpool/internal/vault"
	"github.com/ostrenko/mailpool/pkg/models"
)

func newTestScheduler(t *testing.T) (*Scheduler, *database.DB) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	v, err := vault.New("test-master-secret-0123456789")
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at", "refresh_token": "rt"})
	}))
	t.Cleanup(srv.Close)

	client := msauth.NewClient(msauth.Config{GraphTokenURL: srv.URL, IMAPTokenURL: srv.URL})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := refresh.NewEngine(db, v, client, logger)

	return New(db, engine, logger, time.Minute), db
}

func recordScheduledRun(t *testing.T, db *database.DB, at time.Time) {
	t.Helper()
	_, err := db.Exec(`INSERT OR IGNORE INTO accounts (id, email) VALUES (1, 'log@example.com')`)
	require.NoError(t, err)
	_, err = db.Exec(`
		INSERT INTO account_refresh_logs (account_id, account_email, refresh_type, status, created_at)
		VALUES (1, 'log@example.com', ?, ?, ?)
	`, models.RefreshTriggerScheduled, models.RefreshStatusSuccess, at.UTC())
	require.NoError(t, err)
}

func TestValidateCron(t *testing.T) {
	assert.NoError(t, ValidateCron("0 2 * * *"))
	assert.NoError(t, ValidateCron("*/15 * * * *"))
	assert.Error(t, ValidateCron("not a cron"))
	assert.Error(t, ValidateCron("0 2 * *"))
}

func TestIsDueIntervalMode(t *testing.T) {
	s, db := newTestScheduler(t)
	ctx := context.Background()
	settings := &models.ScheduleSettings{Enabled: true, IntervalDays: 30}

	// Never ran: due immediately
	due, err := s.isDue(ctx, settings)
	require.NoError(t, err)
	assert.True(t, due)

	recordScheduledRun(t, db, time.Now().Add(-31*24*time.Hour))
	due, err = s.isDue(ctx, settings)
	require.NoError(t, err)
	assert.True(t, due, "31 days since last run with a 30 day interval")

	recordScheduledRun(t, db, time.Now().Add(-time.Hour))
	due, err = s.isDue(ctx, settings)
	require.NoError(t, err)
	assert.False(t, due, "ran an hour ago")
}

func TestIsDueCronMode(t *testing.T) {
	s, db := newTestScheduler(t)
	ctx := context.Background()

	// A slot passed since the last run two hours ago
	recordScheduledRun(t, db, time.Now().Add(-2*time.Hour))
	due, err := s.isDue(ctx, &models.ScheduleSettings{Enabled: true, UseCron: true, CronExpr: "*/15 * * * *"})
	require.NoError(t, err)
	assert.True(t, due)

	// Daily slot far in the future relative to a just-finished run
	recordScheduledRun(t, db, time.Now())
	due, err = s.isDue(ctx, &models.ScheduleSettings{Enabled: true, UseCron: true, CronExpr: "0 2 * * *"})
	require.NoError(t, err)
	assert.False(t, due)
}

func TestIsDueInvalidCronDegrades(t *testing.T) {
	s, db := newTestScheduler(t)
	recordScheduledRun(t, db, time.Now().Add(-time.Hour))

	due, err := s.isDue(context.Background(), &models.ScheduleSettings{
		Enabled: true, UseCron: true, CronExpr: "completely broken",
	})
	require.NoError(t, err, "a bad expression must not error the loop")
	assert.False(t, due)
}

func TestForceRunBypassesDueCheck(t *testing.T) {
	s, db := newTestScheduler(t)
	ctx := context.Background()

	v, err := vault.New("test-master-secret-0123456789")
	require.NoError(t, err)
	encToken, err := v.Encrypt("tok")
	require.NoError(t, err)
	account := &models.Account{Email: "a@example.com", RefreshToken: encToken, Status: models.AccountStatusActive}
	require.NoError(t, db.CreateAccount(ctx, account))

	// Scheduled refresh disabled; only the force flag can start a run
	require.NoError(t, db.SetSetting(ctx, models.SettingEnableScheduledRefresh, "false"))
	require.NoError(t, db.SetSetting(ctx, models.SettingRefreshDelaySeconds, "0"))

	s.evaluate(ctx)
	logs, err := db.ListAccountRefreshLogs(ctx, account.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, logs, "disabled scheduler must not run")

	s.ForceRun()
	s.evaluate(ctx)
	logs, err = db.ListAccountRefreshLogs(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.RefreshTriggerScheduled, logs[0].Trigger)
}

func TestEmptyPoolRunCountsAsRun(t *testing.T) {
	s, db := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, db.SetSetting(ctx, models.SettingRefreshDelaySeconds, "0"))
	settings, err := db.GetScheduleSettings(ctx)
	require.NoError(t, err)

	// Interval mode, never ran: the first tick starts a batch even with no
	// accounts, and that batch writes no log entries
	due, err := s.isDue(ctx, settings)
	require.NoError(t, err)
	require.True(t, due)

	s.evaluate(ctx)

	due, err = s.isDue(ctx, settings)
	require.NoError(t, err)
	assert.False(t, due, "a no-op batch must still reset the interval")
}

func TestForceRunSurvivesSettingsReadFailure(t *testing.T) {
	s, db := newTestScheduler(t)
	ctx := context.Background()

	v, err := vault.New("test-master-secret-0123456789")
	require.NoError(t, err)
	encToken, err := v.Encrypt("tok")
	require.NoError(t, err)
	account := &models.Account{Email: "a@example.com", RefreshToken: encToken, Status: models.AccountStatusActive}
	require.NoError(t, db.CreateAccount(ctx, account))

	require.NoError(t, db.SetSetting(ctx, models.SettingEnableScheduledRefresh, "false"))
	require.NoError(t, db.SetSetting(ctx, models.SettingRefreshDelaySeconds, "0"))

	s.ForceRun()

	// Settings read fails on this tick; the trigger must not be lost
	broken, cancel := context.WithCancel(ctx)
	cancel()
	s.evaluate(broken)

	logs, err := db.ListAccountRefreshLogs(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Empty(t, logs)

	s.mu.Lock()
	forced := s.forced
	s.mu.Unlock()
	require.True(t, forced, "force flag must survive a failed tick")

	s.evaluate(ctx)
	logs, err = db.ListAccountRefreshLogs(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
}

func TestStatusReportsInvalidCron(t *testing.T) {
	s, db := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, db.SetSetting(ctx, models.SettingUseCronSchedule, "true"))
	require.NoError(t, db.SetSetting(ctx, models.SettingRefreshCron, "broken"))

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.UseCron)
	assert.False(t, status.CronValid)
	assert.Nil(t, status.NextRun)
}

func TestStatusNextRunFromCron(t *testing.T) {
	s, db := newTestScheduler(t)
	ctx := context.Background()

	require.NoError(t, db.SetSetting(ctx, models.SettingUseCronSchedule, "true"))
	require.NoError(t, db.SetSetting(ctx, models.SettingRefreshCron, "0 2 * * *"))

	status, err := s.Status(ctx)
	require.NoError(t, err)
	assert.True(t, status.CronValid)
	require.NotNil(t, status.NextRun)
	assert.True(t, status.NextRun.After(time.Now().UTC()))
	assert.Equal(t, 2, status.NextRun.Hour())
}
