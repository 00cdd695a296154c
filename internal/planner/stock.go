package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"dosekeeper/internal/rrule"
	"dosekeeper/internal/storage"
	"dosekeeper/internal/therapy"
	logx "dosekeeper/pkg/logx"
)

// StockLevel classifies a medicine's remaining stock.
//
// With active consumption (daily > 0) the coverage forecast in days drives
// the level. With therapies but zero computable consumption the level is
// none: nothing can be forecast, so the condition is not treated as urgent.
// Without any therapy the raw remaining units are compared against the same
// threshold instead.
//
// The returned coverage is days when daily > 0, otherwise raw units.
func StockLevel(leftover, daily, thresholdDays float64, hasTherapies bool) (StockAlertLevel, float64) {
	if hasTherapies {
		if daily <= 0 {
			return LevelNone, leftover
		}
		coverage := leftover / daily
		switch {
		case coverage <= 0:
			return LevelEmpty, coverage
		case coverage < thresholdDays:
			return LevelLow, coverage
		default:
			return LevelNone, coverage
		}
	}

	switch {
	case leftover <= 0:
		return LevelEmpty, leftover
	case leftover < thresholdDays:
		return LevelLow, leftover
	default:
		return LevelNone, leftover
	}
}

// stockItems evaluates every medicine and returns the capped, nearest-first
// stock alert plan.
func (s *Service) stockItems(ctx context.Context, now time.Time, therapies []therapy.Snapshot, medicines []therapy.Medicine) []Item {
	byMedicine := make(map[string][]therapy.Snapshot)
	for _, t := range therapies {
		if t.Schedulable() {
			byMedicine[t.MedicineID] = append(byMedicine[t.MedicineID], t)
		}
	}

	var items []Item
	for _, m := range medicines {
		active := byMedicine[m.ID]
		var daily float64
		for _, t := range active {
			daily += t.DailyConsumption()
		}

		level, coverage := StockLevel(m.Leftover, daily, s.cfg.StockLowThresholdDays, len(active) > 0)
		items = append(items, s.stockItemsFor(ctx, now, m, level, coverage, daily)...)
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Date.Before(items[j].Date) })
	if len(items) > s.cfg.MaxStockNotifications {
		items = items[:s.cfg.MaxStockNotifications]
	}

	// Suppression state is written only for alerts that survived the cap;
	// a capped-away alert stays eligible next pass instead of sitting
	// silenced through a cooldown it never earned.
	for _, it := range items {
		if it.Origin != OriginImmediate {
			continue
		}
		level := LevelLow
		if it.Kind == KindStockOut {
			level = LevelEmpty
		}
		s.saveAlertState(ctx, it.Meta["medicine_id"], StockAlertState{Level: level, LastNotifiedAt: now})
	}
	return items
}

func (s *Service) stockItemsFor(ctx context.Context, now time.Time, m therapy.Medicine, level StockAlertLevel, coverage, daily float64) []Item {
	var items []Item

	switch level {
	case LevelLow, LevelEmpty:
		if s.shouldNotifyStock(ctx, now, m.ID, level) {
			items = append(items, s.immediateStockItem(now, m, level, coverage))
		}
	default:
		// Back to normal: forget the alert history so the next dip
		// notifies right away.
		s.clearAlertState(ctx, m.ID)
	}

	// Forecast crossings into levels worse than the current one. A medicine
	// already out of stock has nothing left to forecast.
	if daily > 0 && level != LevelEmpty {
		if level == LevelNone {
			if it, ok := s.forecastItem(now, m, KindStockLow, coverage-s.cfg.StockLowThresholdDays); ok {
				items = append(items, it)
			}
		}
		if it, ok := s.forecastItem(now, m, KindStockOut, coverage); ok {
			items = append(items, it)
		}
	}
	return items
}

// shouldNotifyStock applies the suppression invariant: notify only when the
// level changed since the last notification or the cooldown elapsed.
func (s *Service) shouldNotifyStock(ctx context.Context, now time.Time, medicineID string, level StockAlertLevel) bool {
	state, ok := s.alertState(ctx, medicineID)
	if !ok {
		return true
	}
	if state.Level != level {
		return true
	}
	return now.Sub(state.LastNotifiedAt) >= s.cfg.StockAlertCooldown
}

func (s *Service) immediateStockItem(now time.Time, m therapy.Medicine, level StockAlertLevel, coverage float64) Item {
	kind := KindStockLow
	title := "Low stock: " + m.Name
	body := fmt.Sprintf("%s is running out. About %d day(s) of supply left.", m.Name, int(math.Max(coverage, 0)))
	if level == LevelEmpty {
		kind = KindStockOut
		title = "Out of stock: " + m.Name
		body = m.Name + " is used up. Time to refill."
	}
	return Item{
		ID:     StockIDPrefix + m.ID + "-" + suffixFor(kind),
		Date:   now,
		Title:  title,
		Body:   body,
		Kind:   kind,
		Origin: OriginImmediate,
		Meta:   map[string]string{"medicine_id": m.ID, "level": string(level)},
	}
}

// forecastItem schedules a future heads-up for the day coverage crosses the
// given threshold, at the configured notification hour. A crossing that
// lands at an instant already past today is pushed to the next day.
func (s *Service) forecastItem(now time.Time, m therapy.Medicine, kind Kind, daysOut float64) (Item, bool) {
	if daysOut < 0 || daysOut > float64(s.cfg.StockForecastHorizonDays) {
		return Item{}, false
	}

	day := rrule.StartOfDay(now).AddDate(0, 0, int(math.Floor(daysOut)))
	at := day.Add(time.Duration(s.cfg.StockNotificationHour) * time.Hour)
	if !at.After(now) {
		at = at.AddDate(0, 0, 1)
	}

	title := "Stock heads-up: " + m.Name
	body := fmt.Sprintf("%s will run low soon. Consider refilling.", m.Name)
	if kind == KindStockOut {
		body = fmt.Sprintf("%s will be used up around this day.", m.Name)
	}
	return Item{
		ID:     StockIDPrefix + m.ID + "-" + suffixFor(kind),
		Date:   at,
		Title:  title,
		Body:   body,
		Kind:   kind,
		Origin: OriginScheduled,
		Meta:   map[string]string{"medicine_id": m.ID, "forecast": "1"},
	}, true
}

func suffixFor(kind Kind) string {
	if kind == KindStockOut {
		return "out"
	}
	return "low"
}

// ---- persisted alert state ----

func (s *Service) alertState(ctx context.Context, medicineID string) (StockAlertState, bool) {
	raw, ok, err := s.kv.GetKV(ctx, storage.BucketStockAlerts, medicineID)
	if err != nil {
		s.log.Warn("reading stock alert state", logx.String("medicine", medicineID), logx.Err(err))
		return StockAlertState{}, false
	}
	if !ok {
		return StockAlertState{}, false
	}
	var state StockAlertState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return StockAlertState{}, false
	}
	return state, true
}

func (s *Service) saveAlertState(ctx context.Context, medicineID string, state StockAlertState) {
	b, err := json.Marshal(state)
	if err != nil {
		return
	}
	if err := s.kv.PutKV(ctx, storage.BucketStockAlerts, medicineID, string(b)); err != nil {
		s.log.Warn("writing stock alert state", logx.String("medicine", medicineID), logx.Err(err))
	}
}

func (s *Service) clearAlertState(ctx context.Context, medicineID string) {
	if err := s.kv.DeleteKV(ctx, storage.BucketStockAlerts, medicineID); err != nil {
		s.log.Warn("clearing stock alert state", logx.String("medicine", medicineID), logx.Err(err))
	}
}
