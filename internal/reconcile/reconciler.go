// Package reconcile silently records doses the patient is known to have
// taken. It replays the recent dose schedule against existing intake logs
// and writes the missing records idempotently, so therapies marked as not
// requiring manual confirmation stay accurate without user interaction.
package reconcile

import (
	"context"
	"time"

	"dosekeeper/internal/rrule"
	"dosekeeper/internal/therapy"
	logx "dosekeeper/pkg/logx"
)

// Config carries the reconciler knobs; see internal/config for defaults.
type Config struct {
	Backfill        time.Duration // look-back window ending at now
	LogTolerance    time.Duration // half-width of the "already logged" match
	MaxEventsPerRun int           // write cap per pass
	ForceConfirm    bool          // global override: never log silently
}

// Store is the persistence surface the reconciler needs.
type Store interface {
	Therapies(ctx context.Context) ([]therapy.Snapshot, error)
	Medicines(ctx context.Context) ([]therapy.Medicine, error)
	IntakesBetween(ctx context.Context, from, to time.Time) ([]therapy.IntakeLog, error)
	AppendIntakes(ctx context.Context, logs []therapy.IntakeLog) (int, error)
	GetOperationID(ctx context.Context, key string) (string, bool, error)
	PutOperationID(ctx context.Context, key, id string, expires time.Time) error
}

type Service struct {
	cfg   Config
	store Store
	log   logx.Logger

	now func() time.Time
}

func New(cfg Config, store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log, now: time.Now}
}

// Run executes one reconciliation pass and returns how many intake records
// it wrote. All writes are collected and flushed in a single batch; a flush
// failure surfaces to the caller and the next pass retries from scratch.
func (s *Service) Run(ctx context.Context) (int, error) {
	if s.cfg.ForceConfirm {
		return 0, nil
	}

	now := s.now()
	from := now.Add(-s.cfg.Backfill)

	therapies, err := s.autoTherapies(ctx)
	if err != nil {
		s.log.Warn("fetching therapies; skipping reconciliation this pass", logx.Err(err))
		return 0, nil
	}
	if len(therapies) == 0 {
		return 0, nil
	}

	// Existing logs slightly outside the window can still cover events at
	// its edges, so the index is read one tolerance wider on both sides.
	logs, err := s.store.IntakesBetween(ctx, from.Add(-s.cfg.LogTolerance), now.Add(s.cfg.LogTolerance))
	if err != nil {
		s.log.Warn("fetching intake logs; skipping reconciliation this pass", logx.Err(err))
		return 0, nil
	}
	index := newIntakeIndex(logs, s.cfg.LogTolerance)

	amounts := make(map[string]map[time.Duration]float64, len(therapies))
	for _, t := range therapies {
		byOffset := make(map[time.Duration]float64, len(t.Doses))
		for _, d := range t.Doses {
			byOffset[d.Offset] = d.Amount
		}
		amounts[t.ID] = byOffset
	}

	var batch []therapy.IntakeLog
	for _, ev := range therapy.Expand(from, now, therapies) {
		if len(batch) >= s.cfg.MaxEventsPerRun {
			s.log.Warn("reconciliation write cap reached", logx.Int("cap", s.cfg.MaxEventsPerRun))
			break
		}
		if index.covered(ev.TherapyID, ev.Date) {
			continue
		}

		id, err := s.operationID(ctx, ev, now)
		if err != nil {
			s.log.Warn("resolving operation id", logx.String("therapy", ev.TherapyID), logx.Err(err))
			continue
		}
		offset := ev.Date.Sub(rrule.StartOfDay(ev.Date))
		batch = append(batch, therapy.IntakeLog{
			ID:         id,
			TherapyID:  ev.TherapyID,
			MedicineID: ev.MedicineID,
			TakenAt:    ev.Date,
			Amount:     amounts[ev.TherapyID][offset],
			Automatic:  true,
			RecordedAt: now,
		})
	}

	if len(batch) == 0 {
		return 0, nil
	}
	written, err := s.store.AppendIntakes(ctx, batch)
	if err != nil {
		return 0, err
	}
	s.log.Info("auto-intake reconciled",
		logx.Int("candidates", len(batch)),
		logx.Int("written", written),
		logx.Duration("window", s.cfg.Backfill),
	)
	return written, nil
}

// autoTherapies returns schedulable therapies eligible for silent logging:
// the therapy's own flag, or its medicine's default, must be set.
func (s *Service) autoTherapies(ctx context.Context) ([]therapy.Snapshot, error) {
	all, err := s.store.Therapies(ctx)
	if err != nil {
		return nil, err
	}
	medicines, err := s.store.Medicines(ctx)
	if err != nil {
		return nil, err
	}
	medAuto := make(map[string]bool, len(medicines))
	for _, m := range medicines {
		medAuto[m.ID] = m.AutoIntake
	}

	var out []therapy.Snapshot
	for _, t := range all {
		if t.Schedulable() && (t.AutoIntake || medAuto[t.MedicineID]) {
			out = append(out, t)
		}
	}
	return out, nil
}

// NextPending returns the earliest upcoming auto-intake dose not already
// covered by a logged intake. The coordinator arms its self-wake timer on
// this instant.
func (s *Service) NextPending(ctx context.Context, after time.Time) (time.Time, bool) {
	therapies, err := s.autoTherapies(ctx)
	if err != nil || len(therapies) == 0 {
		return time.Time{}, false
	}

	var best time.Time
	for _, t := range therapies {
		rule := t.Rule()
		offsets := t.DoseOffsets()
		cursor := after
		// Skip a handful of already-logged occurrences; beyond that the
		// next pass sorts it out.
		for i := 0; i < 5; i++ {
			next, ok := rule.NextOccurrence(t.StartDate, cursor, offsets)
			if !ok {
				break
			}
			if !s.alreadyLogged(ctx, t.ID, next) {
				if best.IsZero() || next.Before(best) {
					best = next
				}
				break
			}
			cursor = next
		}
	}
	return best, !best.IsZero()
}

func (s *Service) alreadyLogged(ctx context.Context, therapyID string, at time.Time) bool {
	logs, err := s.store.IntakesBetween(ctx, at.Add(-s.cfg.LogTolerance), at.Add(s.cfg.LogTolerance))
	if err != nil {
		return false
	}
	for _, l := range logs {
		if l.TherapyID == therapyID {
			return true
		}
	}
	return false
}
