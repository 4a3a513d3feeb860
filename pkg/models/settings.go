package models

// Recognized settings keys. Values are persisted as strings and validated on
// update.
const (
	SettingLoginPassword          = "login_password"
	SettingRefreshIntervalDays    = "refresh_interval_days"
	SettingRefreshDelaySeconds    = "refresh_delay_seconds"
	SettingRefreshCron            = "refresh_cron"
	SettingUseCronSchedule        = "use_cron_schedule"
	SettingEnableScheduledRefresh = "enable_scheduled_refresh"
)

// Defaults applied when a key has never been written.
const (
	DefaultRefreshIntervalDays = 30
	DefaultRefreshDelaySeconds = 5
	DefaultRefreshCron         = "0 2 * * *"
)

// ScheduleSettings is the scheduler-facing view of the settings table, read
// fresh on every scheduling decision.
type ScheduleSettings struct {
	Enabled      bool   `json:"enabled"`
	UseCron      bool   `json:"use_cron"`
	CronExpr     string `json:"cron_expr"`
	IntervalDays int    `json:"interval_days"`
	DelaySeconds int    `json:"delay_seconds"`
}
