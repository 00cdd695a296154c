package delivery

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dosekeeper/internal/planner"
	logx "dosekeeper/pkg/logx"
)

// Scheduler applies a planned item list to the delivery backend: it cancels
// every pending request it owns (reserved identifier prefixes) and issues a
// fresh set, so applying the same plan twice is a no-op in effect.
type Scheduler struct {
	cfg      Config
	delivery Delivery
	limiter  *rate.Limiter
	log      logx.Logger

	now func() time.Time

	mu      sync.Mutex
	running bool
	queued  bool
	pending []planner.Item
}

func NewScheduler(cfg Config, d Delivery, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	per := cfg.RatePerSec
	if per <= 0 {
		per = 1
	}
	return &Scheduler{
		cfg:      cfg,
		delivery: d,
		limiter:  rate.NewLimiter(rate.Limit(per), per),
		log:      log,
		now:      time.Now,
	}
}

// Apply replaces the pending request set with the given plan. A call made
// while another is in flight does not run concurrently: its items are
// parked (last writer wins) and replayed once the in-flight call finishes.
func (s *Scheduler) Apply(ctx context.Context, items []planner.Item) {
	s.mu.Lock()
	if s.running {
		s.pending = items
		s.queued = true
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		s.apply(ctx, items)

		s.mu.Lock()
		if !s.queued {
			s.running = false
			s.mu.Unlock()
			return
		}
		items = s.pending
		s.queued = false
		s.pending = nil
		s.mu.Unlock()
	}
}

func (s *Scheduler) apply(ctx context.Context, items []planner.Item) {
	ok, err := s.delivery.RequestAuthorization(ctx)
	if err != nil {
		s.log.Warn("delivery authorization check failed", logx.Err(err))
		return
	}
	if !ok {
		s.log.Info("delivery not authorized; skipping scheduling pass")
		return
	}

	if err := s.replaceOwned(ctx); err != nil {
		s.log.Warn("clearing owned requests", logx.Err(err))
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Date.Before(items[j].Date) })
	if len(items) > s.cfg.MaxTotal {
		items = items[:s.cfg.MaxTotal]
	}

	now := s.now()
	scheduled := 0
	therapyItems := 0
	therapyScheduled := 0
	for _, it := range items {
		if it.Kind == planner.KindTherapy {
			therapyItems++
		}
		n := 0
		for _, req := range s.expand(it, now) {
			if err := s.send(ctx, req); err != nil {
				s.log.Warn("scheduling request failed",
					logx.String("id", req.Identifier), logx.Err(err))
				continue
			}
			n++
		}
		scheduled += n
		if it.Kind == planner.KindTherapy && n > 0 {
			therapyScheduled++
		}
	}

	if therapyItems > 0 && therapyScheduled == 0 {
		s.fallback(ctx, items, now)
	}

	s.log.Info("notification plan applied",
		logx.Int("items", len(items)),
		logx.Int("requests", scheduled),
	)
}

// replaceOwned cancels every pending or delivered request whose identifier
// carries one of the reserved prefixes. Full replace keeps the backend in
// lockstep with the latest plan without diffing.
func (s *Scheduler) replaceOwned(ctx context.Context) error {
	pending, err := s.delivery.ListPending(ctx)
	if err != nil {
		return err
	}
	if err := s.delivery.Cancel(ctx, ownedIDs(pending)); err != nil {
		return err
	}
	delivered, err := s.delivery.ListDelivered(ctx)
	if err != nil {
		return err
	}
	return s.delivery.ClearDelivered(ctx, ownedIDs(delivered))
}

// expand turns one plan item into its delivery requests. Therapy reminders
// under alarm urgency become a burst: the original plus AlarmRepeatCount
// repeats at one-interval spacing, all sharing a series id so a dismissal
// can cancel the rest.
func (s *Scheduler) expand(it planner.Item, now time.Time) []Request {
	date := it.Date
	if it.Origin == planner.OriginImmediate {
		date = now.Add(time.Second)
	}

	base := Request{
		Identifier:   it.ID,
		Date:         date,
		Title:        it.Title,
		Body:         it.Body,
		Interruption: LevelActive,
		CategoryID:   string(it.Kind),
		Meta:         cloneMeta(it.Meta),
	}
	if it.Kind != planner.KindTherapy || !s.cfg.AlarmUrgency {
		return []Request{base}
	}

	series := uuid.NewString()
	base.Interruption = LevelTimeSensitive
	base.ThreadID = series
	out := make([]Request, 0, s.cfg.AlarmRepeatCount+1)
	for i := 0; i <= s.cfg.AlarmRepeatCount; i++ {
		req := base
		req.Date = date.Add(time.Duration(i) * s.cfg.AlarmRepeatInterval)
		req.Meta = cloneMeta(it.Meta)
		req.Meta["series"] = series
		if i > 0 {
			req.Identifier = it.ID + "-r" + strconv.Itoa(i)
		}
		out = append(out, req)
	}
	return out
}

// fallback schedules one catch-all reminder when therapy items existed but
// none made it to the backend, so the app does not silently go dark. It
// picks the nearest future therapy item, or the earliest one if all are in
// the past.
func (s *Scheduler) fallback(ctx context.Context, items []planner.Item, now time.Time) {
	var pick *planner.Item
	for i := range items {
		it := &items[i]
		if it.Kind != planner.KindTherapy {
			continue
		}
		if pick == nil {
			pick = it
		}
		if it.Date.After(now) {
			pick = it
			break
		}
	}
	if pick == nil {
		return
	}
	date := pick.Date
	if !date.After(now) {
		date = now.Add(time.Second)
	}
	req := Request{
		Identifier:   planner.TherapyIDPrefix + "fallback",
		Date:         date,
		Title:        pick.Title,
		Body:         pick.Body,
		Interruption: LevelActive,
		CategoryID:   string(planner.KindTherapy),
	}
	if err := s.send(ctx, req); err != nil {
		s.log.Warn("scheduling fallback reminder failed", logx.Err(err))
		return
	}
	s.log.Info("scheduled fallback reminder", logx.Time("date", date))
}

func (s *Scheduler) send(ctx context.Context, req Request) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	return s.delivery.Schedule(ctx, req)
}

func ownedIDs(reqs []Request) []string {
	var ids []string
	for _, req := range reqs {
		if strings.HasPrefix(req.Identifier, planner.TherapyIDPrefix) ||
			strings.HasPrefix(req.Identifier, planner.StockIDPrefix) {
			ids = append(ids, req.Identifier)
		}
	}
	return ids
}

func cloneMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
