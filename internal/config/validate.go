package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata" // zone names must resolve in minimal containers

	"khatmbot/internal/calendar"
)

// EnvToken overrides telegram.token when set.
const EnvToken = "BOT_TOKEN"

// ApplyEnv copies environment overrides into cfg.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvToken)); v != "" {
		cfg.Telegram.Token = v
	}
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add("telegram.token is required (or set %s)", EnvToken)
	}
	if _, err := ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		errs = append(errs, err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "json", "sqlite", "sqlite3":
	default:
		add("storage.driver %q: want file or sqlite", cfg.Storage.Driver)
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		add("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if strings.TrimSpace(cfg.Plan.UnitsFile) == "" {
		add("plan.units_file is required")
	}
	if cfg.Plan.TotalUnits < 1 {
		add("plan.total_units must be >= 1")
	}
	if _, err := calendar.ByName(cfg.Plan.Calendar); err != nil {
		add("plan.calendar: %v", err)
	}
	if tz := strings.TrimSpace(cfg.Plan.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("plan.timezone %q: %v", tz, err)
		}
	}
	if cfg.Scheduler.Enabled && !cfg.Plan.AskHour {
		add("scheduler.enabled needs plan.ask_hour: without a notify hour nobody is ever due")
	}

	if cfg.Dispatch.RatePerSec < 0 {
		add("dispatch.rate_per_sec must be >= 0")
	}
	if cfg.Dispatch.RetryMax < 0 {
		add("dispatch.retry_max must be >= 0")
	}
	for path, raw := range map[string]string{
		"dispatch.retry_base":      cfg.Dispatch.RetryBase,
		"dispatch.retry_max_delay": cfg.Dispatch.RetryMaxDelay,
		"dispatch.send_timeout":    cfg.Dispatch.SendTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Location returns the plan timezone, defaulting to the process zone.
func (p PlanConfig) Location() *time.Location {
	if tz := strings.TrimSpace(p.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}
