package alert

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
)

// MemoryStore keeps alerts for the lifetime of the process. Alerts are never
// deleted; terminal ones stay readable by id for audit.
type MemoryStore struct {
	clock  clock.Clock
	locks  UserLocks
	alerts sync.Map // alert id -> *record
	active sync.Map // user id -> alert id
}

type record struct {
	userID string
	mu     sync.RWMutex
	alert  Alert
}

func (r *record) snapshot() Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alert.Clone()
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clk}
}

func (s *MemoryStore) CreateAlert(in NewAlert) (Alert, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return Alert{}, apperr.InvalidArgument("user id is required")
	}

	unlock := s.locks.Lock(in.UserID)
	defer unlock()

	if existing, ok := s.activeRecord(in.UserID); ok {
		if current := existing.snapshot(); current.Status.IsActive() {
			return Alert{}, apperr.Conflict("user %v already has active alert %v", in.UserID, current.ID)
		}
	}

	a := Alert{
		ID:                 uuid.NewString(),
		UserID:             in.UserID,
		Latitude:           in.Latitude,
		Longitude:          in.Longitude,
		Status:             StatusPending,
		Message:            in.Message,
		DistanceFromBorder: copyFloat(in.DistanceFromBorder),
		PeersNotified:      []PeerNotification{},
		CreatedAt:          s.clock.Now(),
	}

	s.alerts.Store(a.ID, &record{userID: a.UserID, alert: a})
	s.active.Store(a.UserID, a.ID)

	return a.Clone(), nil
}

func (s *MemoryStore) GetActiveAlert(userID string) (Alert, error) {
	rec, ok := s.activeRecord(userID)
	if !ok {
		return Alert{}, apperr.NotFound("no active alert for user %v", userID)
	}

	a := rec.snapshot()
	if !a.Status.IsActive() {
		return Alert{}, apperr.NotFound("no active alert for user %v", userID)
	}

	return a, nil
}

func (s *MemoryStore) GetAlertByID(id string) (Alert, error) {
	rec, ok := s.load(id)
	if !ok {
		return Alert{}, apperr.NotFound("alert %v", id)
	}

	return rec.snapshot(), nil
}

func (s *MemoryStore) ListActive() ([]Alert, error) {
	alerts := []Alert{}

	s.alerts.Range(func(_, value interface{}) bool {
		a := value.(*record).snapshot()
		if a.Status.IsActive() {
			alerts = append(alerts, a)
		}
		return true
	})

	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].ID < alerts[j].ID
		}
		return alerts[i].CreatedAt.Before(alerts[j].CreatedAt)
	})

	return alerts, nil
}

func (s *MemoryStore) SetPeersNotified(id string, peers []PeerNotification) (Transition, error) {
	return s.transition(id, ApplyPeersNotified(peers))
}

func (s *MemoryStore) Escalate(id string) (Transition, error) {
	return s.transition(id, ApplyEscalate)
}

func (s *MemoryStore) Cancel(id string) (Transition, error) {
	return s.transition(id, ApplyClose(StatusCanceled))
}

func (s *MemoryStore) Resolve(id string) (Transition, error) {
	return s.transition(id, ApplyClose(StatusResolved))
}

// transition runs apply under the alert owner's user lock, so it is
// serialized with CreateAlert and every other transition for that user.
func (s *MemoryStore) transition(id string, apply Apply) (Transition, error) {
	rec, ok := s.load(id)
	if !ok {
		return Transition{}, apperr.NotFound("alert %v", id)
	}

	unlock := s.locks.Lock(rec.userID)
	defer unlock()

	rec.mu.Lock()
	defer rec.mu.Unlock()

	previous := rec.alert.Status
	applied := apply(&rec.alert, s.clock.Now())

	if applied && rec.alert.Status.IsTerminal() {
		s.active.CompareAndDelete(rec.userID, id)
	}

	return Transition{Alert: rec.alert.Clone(), Previous: previous, Applied: applied}, nil
}

func (s *MemoryStore) load(id string) (*record, bool) {
	value, ok := s.alerts.Load(id)
	if !ok {
		return nil, false
	}
	return value.(*record), true
}

func (s *MemoryStore) activeRecord(userID string) (*record, bool) {
	id, ok := s.active.Load(userID)
	if !ok {
		return nil, false
	}
	return s.load(id.(string))
}
