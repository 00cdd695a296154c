package config

import (
	"fmt"
	"strings"
)

// Config is the on-disk configuration. All duration-typed knobs are strings
// in Go duration syntax ("24h", "90s") and are parsed where they are
// consumed (see internal/app); Normalize only fills defaults.
type Config struct {
	Log         LogConfig         `json:"log"`
	Storage     StorageConfig     `json:"storage"`
	Telegram    TelegramConfig    `json:"telegram"`
	Planner     PlannerConfig     `json:"planner"`
	Reconcile   ReconcileConfig   `json:"reconcile"`
	Delivery    DeliveryConfig    `json:"delivery"`
	Coordinator CoordinatorConfig `json:"coordinator"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console *bool  `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

// TelegramConfig configures the outbound notification sender. An empty
// token selects the console sender instead.
type TelegramConfig struct {
	Token  string `json:"token"`
	ChatID int64  `json:"chat_id"`
}

type PlannerConfig struct {
	TherapyHorizonDays       int     `json:"therapy_horizon_days"`
	MaxTherapyNotifications  int     `json:"max_therapy_notifications"`
	MaxStockNotifications    int     `json:"max_stock_notifications"`
	TherapyGrace             string  `json:"therapy_grace"`
	StockNotificationHour    int     `json:"stock_notification_hour"`
	StockAlertCooldown       string  `json:"stock_alert_cooldown"`
	StockForecastHorizonDays int     `json:"stock_forecast_horizon_days"`
	StockLowThresholdDays    float64 `json:"stock_low_threshold_days"`
}

type ReconcileConfig struct {
	Backfill string `json:"backfill"`
	// LogTolerance is the half-width of the "already logged" match window
	// around a scheduled dose.
	LogTolerance string `json:"log_tolerance"`
	MaxEventsPerRun int  `json:"max_events_per_run"`
	// ForceConfirm, when true, disables silent intake logging globally no
	// matter what individual therapies say.
	ForceConfirm bool `json:"force_confirm"`
}

type DeliveryConfig struct {
	MaxTotalNotifications int    `json:"max_total_notifications"`
	AlarmUrgency          bool   `json:"alarm_urgency"`
	AlarmRepeatCount      int    `json:"alarm_repeat_count"`
	AlarmRepeatInterval   string `json:"alarm_repeat_interval"`
	RatePerSec            int    `json:"rate_per_sec"`
}

type CoordinatorConfig struct {
	// Policy is "interactive" (favor responsiveness) or "full_automation"
	// (always keep the plan current).
	Policy string `json:"policy"`
	// PeriodicWake is a cron spec for the maintenance tick.
	PeriodicWake string `json:"periodic_wake"`
}

const (
	PolicyInteractive    = "interactive"
	PolicyFullAutomation = "full_automation"
)

// Normalize fills unset fields with their defaults. It mutates in place and
// is idempotent.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./dosekeeper.db"
	}
	if c.Storage.BusyTimeout == "" {
		c.Storage.BusyTimeout = "5s"
	}

	p := &c.Planner
	if p.TherapyHorizonDays <= 0 {
		p.TherapyHorizonDays = 14
	}
	if p.MaxTherapyNotifications <= 0 {
		p.MaxTherapyNotifications = 48
	}
	if p.MaxStockNotifications <= 0 {
		p.MaxStockNotifications = 12
	}
	if p.TherapyGrace == "" {
		p.TherapyGrace = "90s"
	}
	if p.StockNotificationHour <= 0 {
		p.StockNotificationHour = 9
	}
	if p.StockAlertCooldown == "" {
		p.StockAlertCooldown = "24h"
	}
	if p.StockForecastHorizonDays <= 0 {
		p.StockForecastHorizonDays = 90
	}
	if p.StockLowThresholdDays <= 0 {
		p.StockLowThresholdDays = 7
	}

	r := &c.Reconcile
	if r.Backfill == "" {
		r.Backfill = "24h"
	}
	if r.LogTolerance == "" {
		r.LogTolerance = "1h"
	}
	if r.MaxEventsPerRun <= 0 {
		r.MaxEventsPerRun = 120
	}

	d := &c.Delivery
	if d.MaxTotalNotifications <= 0 {
		d.MaxTotalNotifications = 60
	}
	if d.AlarmRepeatCount <= 0 {
		d.AlarmRepeatCount = 6
	}
	if d.AlarmRepeatInterval == "" {
		d.AlarmRepeatInterval = "1m"
	}
	if d.RatePerSec <= 0 {
		d.RatePerSec = 3
	}

	co := &c.Coordinator
	if co.Policy == "" {
		co.Policy = PolicyInteractive
	}
	if co.PeriodicWake == "" {
		co.PeriodicWake = "@every 30m"
	}
}

// Validate rejects configurations that cannot work at all. Durations are
// validated here so a broken live edit is refused before publish.
func (c *Config) Validate() error {
	if c.Coordinator.Policy != PolicyInteractive && c.Coordinator.Policy != PolicyFullAutomation {
		return fmt.Errorf("coordinator.policy: unknown policy %q", c.Coordinator.Policy)
	}
	if c.Planner.StockNotificationHour < 0 || c.Planner.StockNotificationHour > 23 {
		return fmt.Errorf("planner.stock_notification_hour: %d out of range", c.Planner.StockNotificationHour)
	}
	for _, f := range []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"planner.therapy_grace", c.Planner.TherapyGrace},
		{"planner.stock_alert_cooldown", c.Planner.StockAlertCooldown},
		{"reconcile.backfill", c.Reconcile.Backfill},
		{"reconcile.log_tolerance", c.Reconcile.LogTolerance},
		{"delivery.alarm_repeat_interval", c.Delivery.AlarmRepeatInterval},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}
