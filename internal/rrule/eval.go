package rrule

import (
	"sort"
	"time"
)

// nextScanPeriods caps the NextOccurrence forward search at this many rule
// periods. A valid but extremely sparse rule (interval far beyond the cap)
// yields "none" instead of an unbounded scan; callers treat that as "no
// upcoming occurrence" and rely on the next external trigger to re-evaluate.
const nextScanPeriods = 30

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// daysBetween counts calendar days from a to b (negative when b precedes a).
// Rounding absorbs DST offsets so a 23h or 25h civil day still counts as one.
func daysBetween(a, b time.Time) int {
	d := StartOfDay(b).Sub(StartOfDay(a))
	return int(d.Round(24*time.Hour) / (24 * time.Hour))
}

// startOfWeek returns the Monday 00:00 of t's week.
func startOfWeek(t time.Time) time.Time {
	day := StartOfDay(t)
	// time.Weekday has Sunday == 0; shift so Monday == 0.
	shift := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -shift)
}

// Matches reports whether the calendar day of `day` is part of the pattern
// anchored at `start`. Days before the start date, or after UNTIL (compared
// by calendar day, inclusive), never match. COUNT is not consulted here;
// use AllowedEvents for budget-aware queries.
func (r Rule) Matches(day, start time.Time) bool {
	if daysBetween(start, day) < 0 {
		return false
	}
	if !r.Until.IsZero() && daysBetween(r.Until, day) > 0 {
		return false
	}

	interval := r.Interval
	if interval <= 0 {
		interval = 1
	}

	switch r.Freq {
	case FreqDaily:
		return daysBetween(start, day)%interval == 0
	case FreqWeekly:
		byDay := r.ByDay
		if len(byDay) == 0 {
			// Default to the start date's own weekday.
			byDay = []time.Weekday{start.Weekday()}
		}
		if !containsWeekday(byDay, day.Weekday()) {
			return false
		}
		weeks := daysBetween(startOfWeek(start), startOfWeek(day)) / 7
		return weeks%interval == 0
	default:
		// Other frequencies are carried but not implemented.
		return false
	}
}

// AllowedEvents returns how many of the day's scheduled doses may actually
// occur. Without COUNT every dose on a matching day is allowed. With COUNT
// the day's budget is what remains after all earlier matching days consumed
// dosesPerDay each, so a limited course can taper off mid-day.
func (r Rule) AllowedEvents(day, start time.Time, dosesPerDay int) int {
	if dosesPerDay <= 0 || !r.Matches(day, start) {
		return 0
	}
	if r.Count <= 0 {
		return dosesPerDay
	}

	// Zero-based index of `day` among matching days since start. The scan
	// stops as soon as earlier days alone exhaust the budget.
	index := 0
	for cur := StartOfDay(start); daysBetween(cur, day) > 0; cur = cur.AddDate(0, 0, 1) {
		if r.Matches(cur, start) {
			index++
			if index*dosesPerDay >= r.Count {
				return 0
			}
		}
	}

	budget := r.Count - index*dosesPerDay
	if budget < 0 {
		return 0
	}
	if budget > dosesPerDay {
		return dosesPerDay
	}
	return budget
}

// NextOccurrence returns the earliest dose instant strictly after `after`
// that the rule permits, given the therapy's times-of-day (offsets from
// midnight). The search is bounded (see nextScanPeriods); ok is false when
// nothing is found within the cap.
func (r Rule) NextOccurrence(start, after time.Time, doseTimes []time.Duration) (time.Time, bool) {
	if len(doseTimes) == 0 {
		return time.Time{}, false
	}

	var periodDays int
	interval := r.Interval
	if interval <= 0 {
		interval = 1
	}
	switch r.Freq {
	case FreqDaily:
		periodDays = interval
	case FreqWeekly:
		periodDays = 7 * interval
	default:
		return time.Time{}, false
	}

	times := append([]time.Duration(nil), doseTimes...)
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	day := StartOfDay(start)
	if cand := StartOfDay(after); cand.After(day) {
		day = cand
	}

	maxDays := nextScanPeriods * periodDays
	for i := 0; i <= maxDays; i++ {
		cur := day.AddDate(0, 0, i)
		if !r.Until.IsZero() && daysBetween(r.Until, cur) > 0 {
			return time.Time{}, false
		}
		if !r.Matches(cur, start) {
			continue
		}
		allowed := r.AllowedEvents(cur, start, len(times))
		if allowed == 0 && r.Count > 0 {
			// Budgets only shrink going forward; the course is over.
			return time.Time{}, false
		}
		for _, dt := range times[:allowed] {
			instant := cur.Add(dt)
			if instant.After(after) {
				return instant, true
			}
		}
	}
	return time.Time{}, false
}
