package rrule

import (
	"strconv"
	"strings"
	"time"
)

// Parse decodes the line-oriented recurrence text into a Rule.
//
// It never fails: unknown keys and lines are ignored, unparsable dates are
// dropped, a missing FREQ defaults to DAILY, and a non-positive INTERVAL is
// normalized to 1. A malformed rule therefore matches fewer (or no) days
// instead of breaking the planning pipeline.
func Parse(text string) Rule {
	r := Rule{Freq: FreqDaily, Interval: 1}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case hasPrefixFold(line, "RRULE:"):
			parseParams(&r, line[len("RRULE:"):])
		case hasPrefixFold(line, "EXDATE:"):
			r.ExDates = append(r.ExDates, parseStamps(line[len("EXDATE:"):])...)
		case hasPrefixFold(line, "RDATE:"):
			r.RDates = append(r.RDates, parseStamps(line[len("RDATE:"):])...)
		}
	}
	return r
}

func parseParams(r *Rule, params string) {
	for _, kv := range strings.Split(params, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "FREQ":
			if val != "" {
				r.Freq = Freq(strings.ToUpper(val))
			}
		case "INTERVAL":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				r.Interval = n
			}
		case "COUNT":
			if n, err := strconv.Atoi(val); err == nil && n > 0 {
				r.Count = n
			}
		case "UNTIL":
			if t, ok := parseStamp(val); ok {
				r.Until = t
			}
		case "BYDAY":
			for _, code := range strings.Split(val, ",") {
				code = strings.ToUpper(strings.TrimSpace(code))
				if wd, ok := weekdayCodes[code]; ok && !containsWeekday(r.ByDay, wd) {
					r.ByDay = append(r.ByDay, wd)
				}
			}
		}
		// Unknown keys are ignored.
	}
}

func parseStamps(s string) []time.Time {
	var out []time.Time
	for _, part := range strings.Split(s, ",") {
		if t, ok := parseStamp(part); ok {
			out = append(out, t)
		}
	}
	return out
}

func parseStamp(s string) (time.Time, bool) {
	t, err := time.Parse(stampFormat, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func containsWeekday(days []time.Weekday, wd time.Weekday) bool {
	for _, d := range days {
		if d == wd {
			return true
		}
	}
	return false
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
