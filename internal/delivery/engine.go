package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	logx "dosekeeper/pkg/logx"
)

// Engine is the local Delivery implementation: pending requests are held in
// memory with a timer each, and a fired request is handed to the Sender and
// moved to the delivered table until cleared. Authorization is always
// granted; denial paths are only reachable through test doubles.
type Engine struct {
	sender Sender
	log    logx.Logger

	mu        sync.Mutex
	pending   map[string]Request
	timers    map[string]*time.Timer
	delivered map[string]Request
	closed    bool
}

func NewEngine(sender Sender, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		sender:    sender,
		log:       log,
		pending:   make(map[string]Request),
		timers:    make(map[string]*time.Timer),
		delivered: make(map[string]Request),
	}
}

func (e *Engine) RequestAuthorization(ctx context.Context) (bool, error) {
	return true, nil
}

// Schedule arms a timer for the request. Re-scheduling an identifier
// replaces the previous request and its timer.
func (e *Engine) Schedule(ctx context.Context, req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if t, ok := e.timers[req.Identifier]; ok {
		t.Stop()
	}
	e.pending[req.Identifier] = req

	delay := time.Until(req.Date)
	if delay < 0 {
		delay = 0
	}
	id := req.Identifier
	e.timers[id] = time.AfterFunc(delay, func() { e.fire(id) })
	return nil
}

func (e *Engine) fire(id string) {
	e.mu.Lock()
	req, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
		delete(e.timers, id)
		e.delivered[id] = req
	}
	closed := e.closed
	e.mu.Unlock()
	if !ok || closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.sender.Send(ctx, req); err != nil {
		e.log.Warn("sending notification failed",
			logx.String("id", req.Identifier), logx.Err(err))
		return
	}
	e.log.Debug("notification sent", logx.String("id", req.Identifier))
}

func (e *Engine) ListPending(ctx context.Context) ([]Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, 0, len(e.pending))
	for _, req := range e.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (e *Engine) ListDelivered(ctx context.Context) ([]Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Request, 0, len(e.delivered))
	for _, req := range e.delivered {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Cancel removes the given pending requests; unknown ids are ignored.
func (e *Engine) Cancel(ctx context.Context, ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		if t, ok := e.timers[id]; ok {
			t.Stop()
			delete(e.timers, id)
		}
		delete(e.pending, id)
	}
	return nil
}

// ClearDelivered drops the given delivered-request records; unknown ids are
// ignored.
func (e *Engine) ClearDelivered(ctx context.Context, ids []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		delete(e.delivered, id)
	}
	return nil
}

// Close stops all timers. Pending requests are dropped.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[string]*time.Timer)
	e.pending = make(map[string]Request)
}
