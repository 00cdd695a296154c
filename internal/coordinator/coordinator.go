// Package coordinator runs the refresh loop: external triggers are
// debounced per policy, coalesced into single passes, and each pass chains
// reconciliation, planning and scheduling before arming the next self-wake
// timer.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dosekeeper/internal/eventbus"
	"dosekeeper/internal/planner"
	logx "dosekeeper/pkg/logx"
)

// Trigger names why a refresh was requested.
type Trigger string

const (
	TriggerDataChanged  Trigger = "data-changed"
	TriggerActivated    Trigger = "activated"
	TriggerBackgrounded Trigger = "backgrounded"
	TriggerClockChanged Trigger = "clock-changed"
	TriggerPeriodicWake Trigger = "periodic-wake"
)

// Policy selects how eagerly the loop reacts to triggers.
type Policy string

const (
	// PolicyInteractive favors responsiveness: expensive work (the
	// reconciler) runs only at meaningful lifecycle transitions.
	PolicyInteractive Policy = "interactive"
	// PolicyFullAutomation keeps the plan current on every trigger.
	PolicyFullAutomation Policy = "full_automation"
)

// Reconciler is the slice of the auto-intake reconciler the loop drives.
type Reconciler interface {
	Run(ctx context.Context) (int, error)
	NextPending(ctx context.Context, after time.Time) (time.Time, bool)
}

// Planner produces the current notification plan.
type Planner interface {
	Plan(ctx context.Context) []planner.Item
}

// Applier pushes a plan to the delivery backend.
type Applier interface {
	Apply(ctx context.Context, items []planner.Item)
}

type Config struct {
	Policy       Policy
	PeriodicWake string // cron spec for the maintenance tick
}

type Coordinator struct {
	cfg   Config
	rec   Reconciler
	plan  Planner
	apply Applier
	bus   eventbus.Bus
	log   logx.Logger

	now    func() time.Time
	settle func(Trigger) time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	cron   *cron.Cron
	unsub  func()
	wg     sync.WaitGroup

	mu        sync.Mutex
	debounce  *time.Timer
	pending   Trigger
	running   bool
	hasQueued bool
	queued    Trigger
	wake      *time.Timer
	started   bool
	stopped   bool
}

func New(cfg Config, rec Reconciler, plan Planner, apply Applier, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		cfg:   cfg,
		rec:   rec,
		plan:  plan,
		apply: apply,
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
	c.settle = c.debounceDelay
	return c
}

// Start subscribes to the event bus, schedules the periodic wake and kicks
// an initial activation refresh. It is not restartable.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.bus != nil {
		events, unsub := c.bus.Subscribe(32)
		c.unsub = unsub
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-c.ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if t, ok := triggerFor(ev.Kind); ok {
						c.Request(t)
					}
				}
			}
		}()
	}

	if c.cfg.PeriodicWake != "" {
		c.cron = cron.New()
		if _, err := c.cron.AddFunc(c.cfg.PeriodicWake, func() { c.Request(TriggerPeriodicWake) }); err != nil {
			return err
		}
		c.cron.Start()
	}

	c.Request(TriggerActivated)
	return nil
}

// Stop cancels timers and waits for the bus fanout goroutine. An in-flight
// pass finishes on its own; its context is cancelled.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.stopped = true
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	if c.wake != nil {
		c.wake.Stop()
		c.wake = nil
	}
	c.mu.Unlock()

	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.unsub != nil {
		c.unsub()
	}
	c.wg.Wait()
}

func triggerFor(kind string) (Trigger, bool) {
	switch kind {
	case eventbus.KindDataChanged:
		return TriggerDataChanged, true
	case eventbus.KindActivated:
		return TriggerActivated, true
	case eventbus.KindBackgrounded:
		return TriggerBackgrounded, true
	case eventbus.KindClockChanged:
		return TriggerClockChanged, true
	case eventbus.KindPeriodicWake:
		return TriggerPeriodicWake, true
	}
	return "", false
}

// Request asks for a refresh. Triggers arriving while the debounce timer is
// pending restart it; the last trigger's reason wins.
func (c *Coordinator) Request(t Trigger) {
	delay := c.settle(t)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.pending = t
	if c.debounce != nil {
		c.debounce.Stop()
	}
	c.debounce = time.AfterFunc(delay, c.fire)
}

// debounceDelay maps a trigger to its settle time. Interactive sessions get
// longer settles on chatty triggers so edit bursts coalesce; full
// automation reacts quickly everywhere.
func (c *Coordinator) debounceDelay(t Trigger) time.Duration {
	if c.cfg.Policy == PolicyFullAutomation {
		switch t {
		case TriggerDataChanged:
			return 500 * time.Millisecond
		default:
			return 100 * time.Millisecond
		}
	}
	switch t {
	case TriggerDataChanged:
		return 2 * time.Second
	case TriggerBackgrounded:
		return time.Second
	default:
		return 100 * time.Millisecond
	}
}

func (c *Coordinator) fire() {
	c.mu.Lock()
	t := c.pending
	c.debounce = nil
	// A timer can still fire in the window between Stop() stopping it and
	// taking effect; the flag keeps it from racing the WaitGroup.
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if c.running {
		// One queued slot, last writer wins.
		c.queued = t
		c.hasQueued = true
		c.mu.Unlock()
		return
	}
	c.running = true
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		for {
			c.pass(t)

			c.mu.Lock()
			if !c.hasQueued {
				c.running = false
				c.mu.Unlock()
				return
			}
			t = c.queued
			c.hasQueued = false
			c.mu.Unlock()
		}
	}()
}

// pass runs one sequential refresh: reconcile (when the policy calls for
// it), then plan and schedule, then arm the next-wake timer.
func (c *Coordinator) pass(t Trigger) {
	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	started := c.now()

	if c.shouldReconcile(t) {
		if written, err := c.rec.Run(ctx); err != nil {
			c.log.Warn("reconciliation pass failed", logx.Err(err))
		} else if written > 0 {
			c.log.Debug("reconciliation during refresh", logx.Int("written", written))
		}
	}

	items := c.plan.Plan(ctx)
	c.apply.Apply(ctx, items)

	c.armWake(ctx)

	c.log.Info("refresh pass complete",
		logx.String("trigger", string(t)),
		logx.Int("items", len(items)),
		logx.Duration("took", c.now().Sub(started)),
	)
}

// shouldReconcile gates the expensive step. Interactive policy reconciles
// at lifecycle transitions and wakes; data edits and backgrounding only
// replan. Full automation always reconciles.
func (c *Coordinator) shouldReconcile(t Trigger) bool {
	if c.cfg.Policy == PolicyFullAutomation {
		return true
	}
	switch t {
	case TriggerActivated, TriggerClockChanged, TriggerPeriodicWake:
		return true
	}
	return false
}

// armWake points a timer at the earliest upcoming unlogged auto-intake
// event so the loop re-fires even with no external trigger. Re-arming
// replaces the previous timer.
func (c *Coordinator) armWake(ctx context.Context) {
	next, ok := c.rec.NextPending(ctx, c.now())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	if c.wake != nil {
		c.wake.Stop()
		c.wake = nil
	}
	if !ok {
		return
	}
	delay := next.Sub(c.now())
	if delay < 0 {
		delay = 0
	}
	c.wake = time.AfterFunc(delay, func() { c.Request(TriggerPeriodicWake) })
	c.log.Debug("next wake armed", logx.Time("at", next))
}
