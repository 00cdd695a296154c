// Package therapy defines the patient-facing domain snapshots (therapies,
// medicines, intake logs) and the stateless dose-event generator that
// expands a therapy's recurrence into concrete instants.
package therapy

import (
	"sort"
	"time"

	"dosekeeper/internal/rrule"
)

// DoseSpec is one scheduled dose within a day.
type DoseSpec struct {
	Offset time.Duration // time of day, as an offset from local midnight
	Amount float64       // units taken at this dose
}

// ClinicalRules carries optional monitoring guidance attached to a therapy.
// The core only reads it; it never produces or mutates it.
type ClinicalRules struct {
	MonitoringActions []string
	MissedDosePolicy  string
}

// Snapshot is a point-in-time view of one therapy: a recurring course of a
// medicine for one person. Snapshots are value types; every planning pass
// re-reads them from the store.
type Snapshot struct {
	ID         string
	MedicineID string
	PackageID  string
	Person     string
	RRule      string // recurrence text, decoded lazily via Rule()
	StartDate  time.Time
	Doses      []DoseSpec
	AutoIntake bool // doses are recorded without manual confirmation
	Clinical   *ClinicalRules
}

// Rule decodes the therapy's recurrence text. Decoding never fails; a
// malformed rule simply matches fewer days.
func (s Snapshot) Rule() rrule.Rule { return rrule.Parse(s.RRule) }

// DoseOffsets returns the therapy's times-of-day sorted ascending.
func (s Snapshot) DoseOffsets() []time.Duration {
	out := make([]time.Duration, len(s.Doses))
	for i, d := range s.Doses {
		out[i] = d.Offset
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DailyConsumption estimates average units consumed per day under the
// therapy's rule: the per-matching-day total spread over the rule's period.
// Unknown frequencies contribute nothing.
func (s Snapshot) DailyConsumption() float64 {
	r := s.Rule()
	interval := r.Interval
	if interval <= 0 {
		interval = 1
	}

	var perDay float64
	for _, d := range s.Doses {
		perDay += d.Amount
	}

	switch r.Freq {
	case rrule.FreqDaily:
		return perDay / float64(interval)
	case rrule.FreqWeekly:
		days := len(r.ByDay)
		if days == 0 {
			days = 1 // defaults to the start date's weekday
		}
		return perDay * float64(days) / float64(7*interval)
	default:
		return 0
	}
}

// Schedulable reports whether the therapy can produce dose events at all.
func (s Snapshot) Schedulable() bool {
	return s.RRule != "" && len(s.Doses) > 0
}

// Medicine is the stock-keeping side of the model.
type Medicine struct {
	ID         string
	Name       string
	Person     string
	Leftover   float64 // remaining units across the active package
	AutoIntake bool    // medicine-level default for silent intake logging
}

// IntakeLog is one recorded intake, manual or automatic.
type IntakeLog struct {
	ID         string // idempotency id; the store rejects duplicates
	TherapyID  string
	MedicineID string
	TakenAt    time.Time
	Amount     float64
	Automatic  bool
	RecordedAt time.Time
}

// DoseEvent is one concrete instant at which a dose is scheduled.
// Transient: generated on demand, never persisted.
type DoseEvent struct {
	Date       time.Time
	TherapyID  string
	MedicineID string
}
