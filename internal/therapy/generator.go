package therapy

import (
	"sort"
	"time"

	"dosekeeper/internal/rrule"
)

// Expand generates every dose event the given therapies schedule inside
// [from, to], time-sorted ascending. It is a pure function of its inputs:
// no state, no side effects. Callers re-run it per pass over whatever window
// they need (a short look-back for reconciliation, a multi-day horizon for
// notification planning).
func Expand(from, to time.Time, therapies []Snapshot) []DoseEvent {
	if to.Before(from) {
		return nil
	}

	var events []DoseEvent
	for _, t := range therapies {
		if !t.Schedulable() {
			continue
		}
		rule := t.Rule()
		offsets := t.DoseOffsets()
		events = append(events, expandOne(from, to, t, rule, offsets)...)
	}

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Date.Equal(events[j].Date) {
			return events[i].Date.Before(events[j].Date)
		}
		// Stable tiebreak keeps output deterministic across passes.
		return events[i].TherapyID < events[j].TherapyID
	})
	return events
}

func expandOne(from, to time.Time, t Snapshot, rule rrule.Rule, offsets []time.Duration) []DoseEvent {
	start := rrule.StartOfDay(t.StartDate)
	day := rrule.StartOfDay(from)
	if day.Before(start) {
		day = start
	}

	var out []DoseEvent
	for ; !day.After(to); day = day.AddDate(0, 0, 1) {
		allowed := rule.AllowedEvents(day, t.StartDate, len(offsets))
		if allowed == 0 {
			continue
		}
		// AllowedEvents acts as a prefix limit over the ascending dose times:
		// a COUNT-limited course can end mid-day.
		for _, off := range offsets[:allowed] {
			instant := day.Add(off)
			if instant.Before(from) || instant.After(to) || instant.Before(start) {
				continue
			}
			out = append(out, DoseEvent{
				Date:       instant,
				TherapyID:  t.ID,
				MedicineID: t.MedicineID,
			})
		}
	}
	return out
}
