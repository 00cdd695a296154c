// Package rrule implements the minimal recurrence grammar used by therapy
// schedules: DAILY/WEEKLY frequencies with INTERVAL, COUNT, UNTIL and BYDAY,
// plus EXDATE/RDATE lines that are parsed and carried but not consulted by
// the evaluator.
//
// All calendar math runs in one local calendar (the location of the inputs);
// multi-timezone correctness is explicitly out of scope.
package rrule

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Freq is the recurrence frequency. Frequencies other than DAILY and WEEKLY
// are preserved verbatim for round-tripping but never match any day.
type Freq string

const (
	FreqDaily  Freq = "DAILY"
	FreqWeekly Freq = "WEEKLY"
)

// stampFormat is the wire format for UNTIL/EXDATE/RDATE values.
const stampFormat = "20060102T150405Z"

// Rule is an immutable recurrence pattern anchored at a therapy start date.
// The zero value matches nothing (empty Freq).
type Rule struct {
	Freq     Freq
	Interval int       // >= 1 after Parse; 1 when absent
	Until    time.Time // zero = open-ended; inclusive by calendar day
	Count    int       // 0 = unlimited; total dose-event cap otherwise
	ByDay    []time.Weekday
	ExDates  []time.Time
	RDates   []time.Time
}

// IsZero reports whether the rule carries no frequency at all.
func (r Rule) IsZero() bool { return r.Freq == "" }

var weekdayCodes = map[string]time.Weekday{
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
	"SU": time.Sunday,
}

func weekdayCode(d time.Weekday) string {
	switch d {
	case time.Monday:
		return "MO"
	case time.Tuesday:
		return "TU"
	case time.Wednesday:
		return "WE"
	case time.Thursday:
		return "TH"
	case time.Friday:
		return "FR"
	case time.Saturday:
		return "SA"
	default:
		return "SU"
	}
}

// Encode renders the rule back into its line-oriented text form.
// Parse(r.Encode()) yields a rule equal to r for all fields the grammar
// understands.
func (r Rule) Encode() string {
	var b strings.Builder
	b.WriteString("RRULE:FREQ=")
	if r.Freq == "" {
		b.WriteString(string(FreqDaily))
	} else {
		b.WriteString(string(r.Freq))
	}
	if r.Interval > 1 {
		b.WriteString(";INTERVAL=")
		b.WriteString(strconv.Itoa(r.Interval))
	}
	if !r.Until.IsZero() {
		b.WriteString(";UNTIL=")
		b.WriteString(r.Until.UTC().Format(stampFormat))
	}
	if r.Count > 0 {
		b.WriteString(";COUNT=")
		b.WriteString(strconv.Itoa(r.Count))
	}
	if len(r.ByDay) > 0 {
		b.WriteString(";BYDAY=")
		b.WriteString(encodeByDay(r.ByDay))
	}
	if len(r.ExDates) > 0 {
		b.WriteString("\nEXDATE:")
		b.WriteString(encodeStamps(r.ExDates))
	}
	if len(r.RDates) > 0 {
		b.WriteString("\nRDATE:")
		b.WriteString(encodeStamps(r.RDates))
	}
	return b.String()
}

// encodeByDay writes codes in calendar order (MO..SU) regardless of the
// order they were parsed in, so encoding is canonical.
func encodeByDay(days []time.Weekday) string {
	order := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	}
	codes := make([]string, 0, len(days))
	for _, d := range order {
		for _, have := range days {
			if have == d {
				codes = append(codes, weekdayCode(d))
				break
			}
		}
	}
	return strings.Join(codes, ",")
}

func encodeStamps(ts []time.Time) string {
	sorted := append([]time.Time(nil), ts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })
	parts := make([]string, len(sorted))
	for i, t := range sorted {
		parts[i] = t.UTC().Format(stampFormat)
	}
	return strings.Join(parts, ",")
}
