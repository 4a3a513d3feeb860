package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ostrenko/mailpool/pkg/models"
)

// GetSetting returns the value for a settings key, or the default when unset.
func (db *DB) GetSetting(ctx context.Context, key, def string) (string, error) {
	var value string
	err := db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// SetSetting writes a settings key.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	query := `INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`
	if _, err := db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// AllSettings returns the whole settings table as a map.
func (db *DB) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := db.QueryxContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// GetScheduleSettings assembles the scheduler's typed view of the settings
// table. Unset or malformed values fall back to defaults so a bad write can
// never wedge the scheduling loop.
func (db *DB) GetScheduleSettings(ctx context.Context) (*models.ScheduleSettings, error) {
	enabled, err := db.GetSetting(ctx, models.SettingEnableScheduledRefresh, "true")
	if err != nil {
		return nil, err
	}
	useCron, err := db.GetSetting(ctx, models.SettingUseCronSchedule, "false")
	if err != nil {
		return nil, err
	}
	cronExpr, err := db.GetSetting(ctx, models.SettingRefreshCron, models.DefaultRefreshCron)
	if err != nil {
		return nil, err
	}
	intervalDays, err := db.getSettingInt(ctx, models.SettingRefreshIntervalDays, models.DefaultRefreshIntervalDays)
	if err != nil {
		return nil, err
	}
	delaySeconds, err := db.getSettingInt(ctx, models.SettingRefreshDelaySeconds, models.DefaultRefreshDelaySeconds)
	if err != nil {
		return nil, err
	}

	return &models.ScheduleSettings{
		Enabled:      enabled == "true",
		UseCron:      useCron == "true",
		CronExpr:     cronExpr,
		IntervalDays: intervalDays,
		DelaySeconds: delaySeconds,
	}, nil
}

func (db *DB) getSettingInt(ctx context.Context, key string, def int) (int, error) {
	raw, err := db.GetSetting(ctx, key, "")
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(raw)
	if convErr != nil {
		return def, nil
	}
	return n, nil
}
