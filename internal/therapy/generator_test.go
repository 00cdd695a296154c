package therapy

import (
	"testing"
	"time"
)

var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func snapshot(id, rule string, offsets ...time.Duration) Snapshot {
	s := Snapshot{ID: id, MedicineID: "med-" + id, RRule: rule, StartDate: monday}
	for _, off := range offsets {
		s.Doses = append(s.Doses, DoseSpec{Offset: off, Amount: 1})
	}
	return s
}

func TestExpandEveryOtherDay(t *testing.T) {
	t.Parallel()
	// FREQ=DAILY;INTERVAL=2 starting Monday, doses 08:00 and 20:00:
	// events land Mon, Wed, Fri with exactly two per day.
	s := snapshot("t1", "RRULE:FREQ=DAILY;INTERVAL=2", 8*time.Hour, 20*time.Hour)
	events := Expand(monday, monday.AddDate(0, 0, 5), []Snapshot{s})

	want := []time.Time{
		monday.Add(8 * time.Hour), monday.Add(20 * time.Hour),
		monday.AddDate(0, 0, 2).Add(8 * time.Hour), monday.AddDate(0, 0, 2).Add(20 * time.Hour),
		monday.AddDate(0, 0, 4).Add(8 * time.Hour), monday.AddDate(0, 0, 4).Add(20 * time.Hour),
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if !ev.Date.Equal(want[i]) {
			t.Fatalf("event[%d] = %v, want %v", i, ev.Date, want[i])
		}
	}
}

func TestExpandCountTapersMidDay(t *testing.T) {
	t.Parallel()
	// COUNT=3 with two doses/day: Mon 08:00, Mon 20:00, Tue 08:00, nothing after.
	s := snapshot("t1", "RRULE:FREQ=DAILY;COUNT=3", 8*time.Hour, 20*time.Hour)
	events := Expand(monday, monday.AddDate(0, 0, 7), []Snapshot{s})

	want := []time.Time{
		monday.Add(8 * time.Hour),
		monday.Add(20 * time.Hour),
		monday.AddDate(0, 0, 1).Add(8 * time.Hour),
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %v", len(events), len(want), events)
	}
	for i, ev := range events {
		if !ev.Date.Equal(want[i]) {
			t.Fatalf("event[%d] = %v, want %v", i, ev.Date, want[i])
		}
	}
}

func TestExpandWindowClamps(t *testing.T) {
	t.Parallel()
	s := snapshot("t1", "RRULE:FREQ=DAILY", 8*time.Hour, 20*time.Hour)

	from := monday.Add(12 * time.Hour)
	to := monday.AddDate(0, 0, 1).Add(12 * time.Hour)
	events := Expand(from, to, []Snapshot{s})

	want := []time.Time{
		monday.Add(20 * time.Hour),
		monday.AddDate(0, 0, 1).Add(8 * time.Hour),
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if !ev.Date.Equal(want[i]) {
			t.Fatalf("event[%d] = %v, want %v", i, ev.Date, want[i])
		}
	}
}

func TestExpandSkipsBeforeStartDate(t *testing.T) {
	t.Parallel()
	s := snapshot("t1", "RRULE:FREQ=DAILY", 8*time.Hour)
	events := Expand(monday.AddDate(0, 0, -7), monday.AddDate(0, 0, 1), []Snapshot{s})
	for _, ev := range events {
		if ev.Date.Before(monday) {
			t.Fatalf("event %v precedes the start date", ev.Date)
		}
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
}

func TestExpandMergesAndSorts(t *testing.T) {
	t.Parallel()
	a := snapshot("a", "RRULE:FREQ=DAILY", 9*time.Hour)
	b := snapshot("b", "RRULE:FREQ=DAILY", 8*time.Hour, 21*time.Hour)
	events := Expand(monday, monday.Add(24*time.Hour-time.Second), []Snapshot{a, b})

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Date.Before(events[i-1].Date) {
			t.Fatalf("events out of order: %v before %v", events[i].Date, events[i-1].Date)
		}
	}
	if events[0].TherapyID != "b" || events[1].TherapyID != "a" {
		t.Fatalf("unexpected order: %+v", events)
	}
}

func TestExpandIgnoresUnschedulable(t *testing.T) {
	t.Parallel()
	noRule := Snapshot{ID: "x", StartDate: monday, Doses: []DoseSpec{{Offset: 8 * time.Hour}}}
	noDoses := Snapshot{ID: "y", StartDate: monday, RRule: "RRULE:FREQ=DAILY"}
	if events := Expand(monday, monday.AddDate(0, 0, 3), []Snapshot{noRule, noDoses}); len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func TestDailyConsumption(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		rule string
		want float64
	}{
		{"daily", "RRULE:FREQ=DAILY", 3},
		{"every other day", "RRULE:FREQ=DAILY;INTERVAL=2", 1.5},
		{"weekly two days", "RRULE:FREQ=WEEKLY;BYDAY=MO,TH", 6.0 / 7.0},
		{"weekly default byday", "RRULE:FREQ=WEEKLY", 3.0 / 7.0},
		{"unknown freq", "RRULE:FREQ=MONTHLY", 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := Snapshot{RRule: tt.rule, Doses: []DoseSpec{{Amount: 1}, {Amount: 2}}}
			got := s.DailyConsumption()
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("DailyConsumption() = %v, want %v", got, tt.want)
			}
		})
	}
}
