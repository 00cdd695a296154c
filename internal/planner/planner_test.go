package planner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"dosekeeper/internal/storage"
	"dosekeeper/internal/therapy"
	logx "dosekeeper/pkg/logx"
)

var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

type fakeSource struct {
	therapies []therapy.Snapshot
	medicines []therapy.Medicine
	err       error
}

func (f *fakeSource) Therapies(context.Context) ([]therapy.Snapshot, error) {
	return f.therapies, f.err
}
func (f *fakeSource) Medicines(context.Context) ([]therapy.Medicine, error) {
	return f.medicines, f.err
}

type memKV struct{ m map[string]string }

func newMemKV() *memKV { return &memKV{m: map[string]string{}} }

func (k *memKV) GetKV(_ context.Context, bucket, key string) (string, bool, error) {
	v, ok := k.m[bucket+"/"+key]
	return v, ok, nil
}
func (k *memKV) PutKV(_ context.Context, bucket, key, value string) error {
	k.m[bucket+"/"+key] = value
	return nil
}
func (k *memKV) DeleteKV(_ context.Context, bucket, key string) error {
	delete(k.m, bucket+"/"+key)
	return nil
}

func testConfig() Config {
	return Config{
		TherapyHorizonDays:       14,
		MaxTherapyNotifications:  48,
		MaxStockNotifications:    12,
		TherapyGrace:             90 * time.Second,
		StockNotificationHour:    9,
		StockAlertCooldown:       24 * time.Hour,
		StockForecastHorizonDays: 90,
		StockLowThresholdDays:    7,
	}
}

func newTestService(src *fakeSource, kv KV, now time.Time) *Service {
	s := New(testConfig(), src, kv, logx.Nop())
	s.now = func() time.Time { return now }
	return s
}

func countKind(items []Item, kind Kind, origin Origin) int {
	n := 0
	for _, it := range items {
		if it.Kind == kind && it.Origin == origin {
			n++
		}
	}
	return n
}

func TestTherapyReminders(t *testing.T) {
	t.Parallel()
	snap := therapy.Snapshot{
		ID: "t1", MedicineID: "m1", RRule: "RRULE:FREQ=DAILY",
		StartDate: monday,
		Doses:     []therapy.DoseSpec{{Offset: 8 * time.Hour, Amount: 1}, {Offset: 20 * time.Hour, Amount: 1}},
	}
	src := &fakeSource{
		therapies: []therapy.Snapshot{snap},
		medicines: []therapy.Medicine{{ID: "m1", Name: "Ibuprofen"}},
	}

	// One minute past the 08:00 dose: inside the grace window.
	now := monday.Add(8*time.Hour + time.Minute)
	items := newTestService(src, newMemKV(), now).Plan(context.Background())

	if countKind(items, KindTherapy, OriginImmediate) != 1 {
		t.Fatalf("want exactly 1 immediate reminder, got items %+v", items)
	}
	if countKind(items, KindTherapy, OriginScheduled) == 0 {
		t.Fatal("want future scheduled reminders")
	}
	first := items[0]
	if !strings.HasPrefix(first.ID, TherapyIDPrefix) {
		t.Fatalf("therapy item id %q lacks reserved prefix", first.ID)
	}
	if !strings.Contains(first.Title, "Ibuprofen") {
		t.Fatalf("title %q does not name the medicine", first.Title)
	}
}

func TestTherapyReminderCap(t *testing.T) {
	t.Parallel()
	snap := therapy.Snapshot{
		ID: "t1", MedicineID: "m1", RRule: "RRULE:FREQ=DAILY",
		StartDate: monday,
		Doses: []therapy.DoseSpec{
			{Offset: 8 * time.Hour}, {Offset: 12 * time.Hour},
			{Offset: 16 * time.Hour}, {Offset: 20 * time.Hour},
		},
	}
	src := &fakeSource{therapies: []therapy.Snapshot{snap}, medicines: nil}
	svc := newTestService(src, newMemKV(), monday)
	svc.cfg.MaxTherapyNotifications = 5

	items := svc.Plan(context.Background())
	if got := countKind(items, KindTherapy, OriginScheduled) + countKind(items, KindTherapy, OriginImmediate); got != 5 {
		t.Fatalf("got %d therapy items, want capped 5", got)
	}
	// Nearest first.
	for i := 1; i < len(items); i++ {
		if items[i].Kind == KindTherapy && items[i-1].Kind == KindTherapy &&
			items[i].Date.Before(items[i-1].Date) {
			t.Fatal("therapy items not nearest-first")
		}
	}
}

func TestStockLevels(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name         string
		leftover     float64
		daily        float64
		hasTherapies bool
		wantLevel    StockAlertLevel
		wantCoverage float64
	}{
		{"coverage 5 under threshold 7", 10, 2, true, LevelLow, 5},
		{"healthy", 30, 2, true, LevelNone, 15},
		{"empty", 0, 2, true, LevelEmpty, 0},
		{"zero daily not urgent", 3, 0, true, LevelNone, 3},
		{"no therapies raw low", 5, 0, false, LevelLow, 5},
		{"no therapies raw empty", 0, 0, false, LevelEmpty, 0},
		{"no therapies raw fine", 20, 0, false, LevelNone, 20},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			level, cov := StockLevel(tt.leftover, tt.daily, 7, tt.hasTherapies)
			if level != tt.wantLevel || cov != tt.wantCoverage {
				t.Fatalf("StockLevel = (%v, %v), want (%v, %v)", level, cov, tt.wantLevel, tt.wantCoverage)
			}
		})
	}
}

func lowStockFixture() *fakeSource {
	// leftover=10, dailyConsumption=2, threshold=7 -> coverage 5, level low.
	snap := therapy.Snapshot{
		ID: "t1", MedicineID: "m1", RRule: "RRULE:FREQ=DAILY",
		StartDate: monday.AddDate(0, 0, -10),
		Doses:     []therapy.DoseSpec{{Offset: 8 * time.Hour, Amount: 1}, {Offset: 20 * time.Hour, Amount: 1}},
	}
	return &fakeSource{
		therapies: []therapy.Snapshot{snap},
		medicines: []therapy.Medicine{{ID: "m1", Name: "Metformin", Leftover: 10}},
	}
}

func TestStockAlertSuppression(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	now := monday.Add(10 * time.Hour)
	svc := newTestService(lowStockFixture(), kv, now)

	first := svc.Plan(context.Background())
	if countKind(first, KindStockLow, OriginImmediate) != 1 {
		t.Fatalf("first pass: want 1 immediate low alert, got %+v", first)
	}

	// Unchanged level inside the cooldown: second pass stays silent.
	svc.now = func() time.Time { return now.Add(time.Hour) }
	second := svc.Plan(context.Background())
	if countKind(second, KindStockLow, OriginImmediate) != 0 {
		t.Fatalf("second pass: want suppression, got %+v", second)
	}

	// Cooldown elapsed: notify again.
	svc.now = func() time.Time { return now.Add(25 * time.Hour) }
	third := svc.Plan(context.Background())
	if countKind(third, KindStockLow, OriginImmediate) != 1 {
		t.Fatalf("third pass: want re-notification after cooldown, got %+v", third)
	}
}

func TestStockAlertLevelChangeOverridesCooldown(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	src := lowStockFixture()
	now := monday.Add(10 * time.Hour)
	svc := newTestService(src, kv, now)

	if items := svc.Plan(context.Background()); countKind(items, KindStockLow, OriginImmediate) != 1 {
		t.Fatalf("setup pass failed: %+v", items)
	}

	// Stock hits zero within the cooldown: the level change must notify.
	src.medicines[0].Leftover = 0
	svc.now = func() time.Time { return now.Add(time.Hour) }
	items := svc.Plan(context.Background())
	if countKind(items, KindStockOut, OriginImmediate) != 1 {
		t.Fatalf("want immediate out-of-stock on level change, got %+v", items)
	}
}

func TestCappedStockAlertNotSuppressed(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	mkSnap := func(id, med string) therapy.Snapshot {
		return therapy.Snapshot{
			ID: id, MedicineID: med, RRule: "RRULE:FREQ=DAILY",
			StartDate: monday.AddDate(0, 0, -10),
			Doses:     []therapy.DoseSpec{{Offset: 8 * time.Hour, Amount: 1}, {Offset: 20 * time.Hour, Amount: 1}},
		}
	}
	src := &fakeSource{
		therapies: []therapy.Snapshot{mkSnap("t1", "m1"), mkSnap("t2", "m2")},
		medicines: []therapy.Medicine{
			{ID: "m1", Name: "Metformin", Leftover: 10},
			{ID: "m2", Name: "Lisinopril", Leftover: 10},
		},
	}
	now := monday.Add(10 * time.Hour)
	svc := newTestService(src, kv, now)
	svc.cfg.MaxStockNotifications = 1

	// Both medicines are low but only one alert fits under the cap.
	first := svc.Plan(context.Background())
	if countKind(first, KindStockLow, OriginImmediate) != 1 {
		t.Fatalf("first pass: want 1 capped low alert, got %+v", first)
	}
	if _, ok, _ := kv.GetKV(context.Background(), storage.BucketStockAlerts, "m1"); !ok {
		t.Fatal("delivered alert recorded no suppression state")
	}
	if _, ok, _ := kv.GetKV(context.Background(), storage.BucketStockAlerts, "m2"); ok {
		t.Fatal("capped-away alert recorded suppression state")
	}

	// With room again the capped-away medicine alerts right away while the
	// delivered one sits in its cooldown.
	svc.cfg.MaxStockNotifications = 12
	svc.now = func() time.Time { return now.Add(time.Hour) }
	second := svc.Plan(context.Background())
	if countKind(second, KindStockLow, OriginImmediate) != 1 {
		t.Fatalf("second pass: want only the previously capped alert, got %+v", second)
	}
	for _, it := range second {
		if it.Kind == KindStockLow && it.Origin == OriginImmediate && it.Meta["medicine_id"] != "m2" {
			t.Fatalf("second pass alerted %q, want m2", it.Meta["medicine_id"])
		}
	}
}

func TestStockStateClearedOnRecovery(t *testing.T) {
	t.Parallel()
	kv := newMemKV()
	src := lowStockFixture()
	now := monday.Add(10 * time.Hour)
	svc := newTestService(src, kv, now)
	svc.Plan(context.Background())

	if _, ok, _ := kv.GetKV(context.Background(), storage.BucketStockAlerts, "m1"); !ok {
		t.Fatal("alert state missing after low alert")
	}

	// Refilled: state is dropped so the next dip alerts immediately.
	src.medicines[0].Leftover = 100
	svc.Plan(context.Background())
	if _, ok, _ := kv.GetKV(context.Background(), storage.BucketStockAlerts, "m1"); ok {
		t.Fatal("alert state survived recovery to none")
	}
}

func TestStockForecastEmptyCrossing(t *testing.T) {
	t.Parallel()
	// Coverage 5 days: the empty forecast lands 5 days out at 09:00.
	now := monday.Add(10 * time.Hour)
	svc := newTestService(lowStockFixture(), newMemKV(), now)
	items := svc.Plan(context.Background())

	var forecast *Item
	for i := range items {
		if items[i].Kind == KindStockOut && items[i].Origin == OriginScheduled {
			forecast = &items[i]
		}
	}
	if forecast == nil {
		t.Fatalf("no scheduled out-of-stock forecast in %+v", items)
	}
	want := monday.AddDate(0, 0, 5).Add(9 * time.Hour)
	if !forecast.Date.Equal(want) {
		t.Fatalf("forecast date = %v, want %v", forecast.Date, want)
	}
}

func TestForecastPushedToNextDayWhenPast(t *testing.T) {
	t.Parallel()
	// Coverage over threshold, low crossing lands "today" but after the
	// notification hour has already passed.
	snap := therapy.Snapshot{
		ID: "t1", MedicineID: "m1", RRule: "RRULE:FREQ=DAILY",
		StartDate: monday.AddDate(0, 0, -10),
		Doses:     []therapy.DoseSpec{{Offset: 8 * time.Hour, Amount: 2}},
	}
	src := &fakeSource{
		therapies: []therapy.Snapshot{snap},
		// daily=2, leftover=14.2 -> coverage 7.1, low crossing in 0.1 days.
		medicines: []therapy.Medicine{{ID: "m1", Name: "X", Leftover: 14.2}},
	}
	now := monday.Add(15 * time.Hour) // past 09:00
	items := newTestService(src, newMemKV(), now).Plan(context.Background())

	for _, it := range items {
		if it.Kind == KindStockLow && it.Origin == OriginScheduled {
			want := monday.AddDate(0, 0, 1).Add(9 * time.Hour)
			if !it.Date.Equal(want) {
				t.Fatalf("forecast date = %v, want pushed to %v", it.Date, want)
			}
			return
		}
	}
	t.Fatalf("no scheduled low forecast in %+v", items)
}

func TestFetchFailurePlansNothing(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("store offline")}
	items := newTestService(src, newMemKV(), monday).Plan(context.Background())
	if len(items) != 0 {
		t.Fatalf("got %d items on fetch failure, want 0", len(items))
	}
}
