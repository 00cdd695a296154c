package reconcile

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dosekeeper/internal/therapy"
)

// operationIDTTL bounds how long a minted id is remembered. The look-back
// window is a day, so anything older can never be replayed.
const operationIDTTL = 24 * time.Hour

// operationKey identifies a single scheduled dose instant for one therapy.
// Reusing the same id for the same key across passes is what makes the
// batched insert a no-op on replay.
func operationKey(therapyID string, at time.Time) string {
	return "intake:" + therapyID + ":" + strconv.FormatInt(at.Unix(), 10)
}

func (s *Service) operationID(ctx context.Context, ev therapy.DoseEvent, now time.Time) (string, error) {
	key := operationKey(ev.TherapyID, ev.Date)
	if id, ok, err := s.store.GetOperationID(ctx, key); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}
	id := uuid.NewString()
	if err := s.store.PutOperationID(ctx, key, id, now.Add(operationIDTTL)); err != nil {
		return "", err
	}
	return id, nil
}

// intakeIndex answers "is there a logged intake for this therapy near this
// instant" with a single map lookup. Each log is spread over every minute
// bucket within the tolerance radius at build time.
type intakeIndex struct {
	buckets map[string]map[int64]struct{}
}

func newIntakeIndex(logs []therapy.IntakeLog, tolerance time.Duration) *intakeIndex {
	radius := int64(tolerance / time.Minute)
	idx := &intakeIndex{buckets: make(map[string]map[int64]struct{}, len(logs))}
	for _, l := range logs {
		set := idx.buckets[l.TherapyID]
		if set == nil {
			set = make(map[int64]struct{})
			idx.buckets[l.TherapyID] = set
		}
		center := l.TakenAt.Unix() / 60
		for b := center - radius; b <= center+radius; b++ {
			set[b] = struct{}{}
		}
	}
	return idx
}

func (i *intakeIndex) covered(therapyID string, at time.Time) bool {
	set := i.buckets[therapyID]
	if set == nil {
		return false
	}
	_, ok := set[at.Unix()/60]
	return ok
}
