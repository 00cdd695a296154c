// Package planner turns therapy schedules and medicine stock figures into a
// plan of notification items: dose reminders, low-stock and out-of-stock
// alerts. Stock alerts run through a small persisted state machine so an
// unchanged condition does not notify again before its cooldown elapses.
package planner

import (
	"context"
	"time"

	"dosekeeper/internal/therapy"
)

// Kind classifies a plan item.
type Kind string

const (
	KindTherapy  Kind = "therapy"
	KindStockLow Kind = "stockLow"
	KindStockOut Kind = "stockOut"
)

// Origin says whether the item should fire right away or at its date.
type Origin string

const (
	OriginImmediate Origin = "immediate"
	OriginScheduled Origin = "scheduled"
)

// Reserved identifier prefixes. The delivery scheduler cancels every pending
// request carrying one of these before issuing a fresh plan (idempotent full
// replace).
const (
	TherapyIDPrefix = "therapy-"
	StockIDPrefix   = "stock-"
)

// Item is one planned notification. Transient: consumed once per scheduling
// pass and regenerated on the next.
type Item struct {
	ID     string
	Date   time.Time
	Title  string
	Body   string
	Kind   Kind
	Origin Origin
	Meta   map[string]string
}

// StockAlertLevel classifies remaining coverage.
type StockAlertLevel string

const (
	LevelNone  StockAlertLevel = "none"
	LevelLow   StockAlertLevel = "low"
	LevelEmpty StockAlertLevel = "empty"
)

// StockAlertState is what the planner persists per medicine between passes.
// Cleared entirely once the level returns to none.
type StockAlertState struct {
	Level          StockAlertLevel `json:"level"`
	LastNotifiedAt time.Time       `json:"last_notified_at"`
}

// Source is the read side of the record store the planner consumes.
type Source interface {
	Therapies(ctx context.Context) ([]therapy.Snapshot, error)
	Medicines(ctx context.Context) ([]therapy.Medicine, error)
}

// KV is the small persisted map used for stock-alert state.
type KV interface {
	GetKV(ctx context.Context, bucket, key string) (string, bool, error)
	PutKV(ctx context.Context, bucket, key, value string) error
	DeleteKV(ctx context.Context, bucket, key string) error
}

// Config carries the planner knobs; see internal/config for defaults.
type Config struct {
	TherapyHorizonDays       int
	MaxTherapyNotifications  int
	MaxStockNotifications    int
	TherapyGrace             time.Duration
	StockNotificationHour    int
	StockAlertCooldown       time.Duration
	StockForecastHorizonDays int
	StockLowThresholdDays    float64
}
