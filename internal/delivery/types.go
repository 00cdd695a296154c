// Package delivery turns planned notification items into pending delivery
// requests. The Scheduler owns the replace-and-reschedule policy; the
// Delivery interface is the narrow surface an engine has to provide, and
// the local Engine is a timer-driven implementation that hands fired
// requests to a pluggable Sender.
package delivery

import (
	"context"
	"time"
)

// InterruptionLevel mirrors how intrusive a fired request is allowed to be.
type InterruptionLevel string

const (
	LevelActive        InterruptionLevel = "active"
	LevelTimeSensitive InterruptionLevel = "time-sensitive"
)

// Request is one scheduled notification descriptor.
type Request struct {
	Identifier   string
	Date         time.Time
	Title        string
	Body         string
	Interruption InterruptionLevel

	// ThreadID groups related requests; all members of an alarm burst
	// share their series id here.
	ThreadID string
	// CategoryID is the plan item kind the request was expanded from.
	CategoryID string

	// Meta carries planner-assigned metadata; alarm bursts repeat the
	// "series" id here.
	Meta map[string]string
}

// Delivery is the capability the scheduler drives. Implementations must
// tolerate Cancel/ClearDelivered with unknown ids.
type Delivery interface {
	RequestAuthorization(ctx context.Context) (bool, error)
	Schedule(ctx context.Context, req Request) error
	ListPending(ctx context.Context) ([]Request, error)
	ListDelivered(ctx context.Context) ([]Request, error)
	Cancel(ctx context.Context, ids []string) error
	ClearDelivered(ctx context.Context, ids []string) error
}

// Sender receives requests the local engine fires.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// Config carries the scheduler knobs; see internal/config for defaults.
type Config struct {
	MaxTotal            int
	AlarmUrgency        bool
	AlarmRepeatCount    int
	AlarmRepeatInterval time.Duration
	RatePerSec          int
}
