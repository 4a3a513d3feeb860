package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ostrenko/mailpool/internal/database"
	"github.com/ostrenko/mailpool/internal/refresh"
	"github.com/ostrenko/mailpool/pkg/models"
)

// Standard 5-field cron expressions (minute hour dom month dow).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// ValidateCron reports whether a cron expression is acceptable for the
// refresh schedule.
func ValidateCron(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// NextRuns returns the next n fire times of a cron expression after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	runs := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		runs = append(runs, t)
	}
	return runs, nil
}

// Status is a snapshot of the scheduling state for status queries.
type Status struct {
	Enabled          bool       `json:"enabled"`
	UseCron          bool       `json:"use_cron"`
	CronExpr         string     `json:"cron_expr,omitempty"`
	CronValid        bool       `json:"cron_valid"`
	IntervalDays     int        `json:"interval_days"`
	Running          bool       `json:"running"`
	LastScheduledRun *time.Time `json:"last_scheduled_run,omitempty"`
	NextRun          *time.Time `json:"next_run,omitempty"`
}

// Scheduler wakes once per tick and decides whether a scheduled batch
// refresh is due. Settings are re-read on every tick so updates take effect
// without a restart. An unparseable cron expression degrades to "scheduled
// refresh disabled" rather than crashing the loop.
type Scheduler struct {
	db     *database.DB
	engine *refresh.Engine
	logger *slog.Logger
	tick   time.Duration

	mu      sync.Mutex
	running bool
	forced  bool
	// lastRun marks the start of the most recent batch. A run over an empty
	// account pool writes no log entries, so due-ness cannot rely on the
	// refresh log alone.
	lastRun time.Time
}

// New creates a scheduler. A zero tick defaults to one minute.
func New(db *database.DB, engine *refresh.Engine, logger *slog.Logger, tick time.Duration) *Scheduler {
	if tick == 0 {
		tick = time.Minute
	}
	return &Scheduler{
		db:     db,
		engine: engine,
		logger: logger.With("component", "scheduler"),
		tick:   tick,
	}
}

// Run blocks until the context is cancelled, evaluating due-ness once per
// tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", "tick", s.tick)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.evaluate(ctx)
		}
	}
}

// ForceRun requests an immediate batch run on the next tick, bypassing the
// due-ness check.
func (s *Scheduler) ForceRun() {
	s.mu.Lock()
	s.forced = true
	s.mu.Unlock()
	s.logger.Info("manual run requested")
}

// Status returns the current scheduling state.
func (s *Scheduler) Status(ctx context.Context) (*Status, error) {
	settings, err := s.db.GetScheduleSettings(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	status := &Status{
		Enabled:      settings.Enabled,
		UseCron:      settings.UseCron,
		CronExpr:     settings.CronExpr,
		CronValid:    true,
		IntervalDays: settings.IntervalDays,
		Running:      running,
	}

	last, err := s.db.LastScheduledRefreshAt(ctx)
	if err == nil {
		status.LastScheduledRun = &last
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	if settings.UseCron {
		sched, err := cronParser.Parse(settings.CronExpr)
		if err != nil {
			status.CronValid = false
			return status, nil
		}
		if settings.Enabled {
			next := sched.Next(time.Now().UTC())
			status.NextRun = &next
		}
	} else if settings.Enabled && status.LastScheduledRun != nil {
		next := status.LastScheduledRun.AddDate(0, 0, settings.IntervalDays)
		status.NextRun = &next
	}
	return status, nil
}

// evaluate runs one scheduling decision: re-read settings, check due-ness,
// and kick off a batch run when warranted.
func (s *Scheduler) evaluate(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	forced := s.forced
	s.mu.Unlock()

	// The force flag is consumed only once a run actually starts, so a
	// transient settings-read failure does not swallow the trigger.
	settings, err := s.db.GetScheduleSettings(ctx)
	if err != nil {
		s.logger.Error("failed to read schedule settings", "error", err)
		return
	}

	if forced {
		s.mu.Lock()
		s.forced = false
		s.mu.Unlock()
	} else {
		if !settings.Enabled {
			return
		}
		due, err := s.isDue(ctx, settings)
		if err != nil {
			s.logger.Error("failed to evaluate schedule", "error", err)
			return
		}
		if !due {
			return
		}
	}

	s.runBatch(ctx, settings)
}

// isDue decides whether a scheduled run should start now. The last run is
// the later of the newest scheduled log entry and the in-memory stamp, so a
// batch that touched no accounts still counts.
func (s *Scheduler) isDue(ctx context.Context, settings *models.ScheduleSettings) (bool, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	last := s.lastRun
	s.mu.Unlock()

	logged, err := s.db.LastScheduledRefreshAt(ctx)
	if err == nil {
		if logged.After(last) {
			last = logged
		}
	} else if !errors.Is(err, database.ErrNotFound) {
		return false, err
	}

	if last.IsZero() {
		// Never ran. Interval mode starts immediately; cron mode waits for
		// its first slot, measured from one tick ago.
		if !settings.UseCron {
			return true, nil
		}
		last = now.Add(-s.tick)
	}

	if settings.UseCron {
		sched, parseErr := cronParser.Parse(settings.CronExpr)
		if parseErr != nil {
			s.logger.Warn("invalid cron expression, scheduled refresh disabled",
				"expr", settings.CronExpr,
				"error", parseErr,
			)
			return false, nil
		}
		return !sched.Next(last).After(now), nil
	}

	interval := time.Duration(settings.IntervalDays) * 24 * time.Hour
	return now.Sub(last) >= interval, nil
}

// runBatch drains a full batch refresh. It marks the scheduler running for
// the duration so overlapping ticks are skipped.
func (s *Scheduler) runBatch(ctx context.Context, settings *models.ScheduleSettings) {
	s.mu.Lock()
	s.running = true
	s.lastRun = time.Now().UTC()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	delay := time.Duration(settings.DelaySeconds) * time.Second
	events, err := s.engine.RefreshAll(ctx, models.RefreshTriggerScheduled, delay)
	if err != nil {
		s.logger.Error("failed to start scheduled refresh", "error", err)
		return
	}

	for ev := range events {
		if ev.Type == refresh.EventComplete {
			s.logger.Info("scheduled refresh finished",
				"total", ev.Total,
				"success", ev.SuccessCount,
				"failed", ev.FailedCount,
			)
		}
	}
}
