package planner

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"dosekeeper/internal/therapy"
	logx "dosekeeper/pkg/logx"
)

// Service computes the notification plan. It owns no state beyond the
// persisted stock-alert map; rules and events are recomputed from the store
// on every pass.
type Service struct {
	cfg Config
	src Source
	kv  KV
	log logx.Logger

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, src Source, kv KV, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, kv: kv, log: log, now: time.Now}
}

// Plan produces the merged therapy + stock item list for the current
// instant. A store fetch failure degrades to an empty plan for this pass;
// the next trigger retries from scratch.
func (s *Service) Plan(ctx context.Context) []Item {
	now := s.now()

	therapies, err := s.src.Therapies(ctx)
	if err != nil {
		s.log.Warn("fetching therapies; planning nothing this pass", logx.Err(err))
		return nil
	}
	medicines, err := s.src.Medicines(ctx)
	if err != nil {
		s.log.Warn("fetching medicines; planning nothing this pass", logx.Err(err))
		return nil
	}

	items := s.therapyItems(now, therapies, medicines)
	items = append(items, s.stockItems(ctx, now, therapies, medicines)...)

	s.log.Debug("plan computed",
		logx.Int("items", len(items)),
		logx.Int("therapies", len(therapies)),
		logx.Int("medicines", len(medicines)),
	)
	return items
}

// therapyItems expands dose events over the horizon and wraps them into
// reminder items, nearest first. Events already slightly due (inside the
// grace window behind now) become immediate items.
func (s *Service) therapyItems(now time.Time, therapies []therapy.Snapshot, medicines []therapy.Medicine) []Item {
	names := make(map[string]string, len(medicines))
	for _, m := range medicines {
		names[m.ID] = m.Name
	}

	from := now.Add(-s.cfg.TherapyGrace)
	to := now.AddDate(0, 0, s.cfg.TherapyHorizonDays)
	events := therapy.Expand(from, to, therapies)

	items := make([]Item, 0, len(events))
	for _, ev := range events {
		if len(items) >= s.cfg.MaxTherapyNotifications {
			break
		}
		origin := OriginScheduled
		if !ev.Date.After(now) {
			origin = OriginImmediate
		}

		name := names[ev.MedicineID]
		if name == "" {
			name = "your medication"
		}
		items = append(items, Item{
			ID:     TherapyIDPrefix + ev.TherapyID + "-" + strconv.FormatInt(ev.Date.Unix(), 10),
			Date:   ev.Date,
			Title:  "Time for " + name,
			Body:   fmt.Sprintf("Scheduled dose at %s.", ev.Date.Format("15:04")),
			Kind:   KindTherapy,
			Origin: origin,
			Meta: map[string]string{
				"therapy_id":  ev.TherapyID,
				"medicine_id": ev.MedicineID,
				"scheduled":   strconv.FormatInt(ev.Date.Unix(), 10),
			},
		})
	}
	return items
}
