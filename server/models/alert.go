package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidewatch/smartsos/server/alert"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
	"gorm.io/gorm"
)

type Alert struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	UserID             string  `gorm:"not null;index"`
	Latitude           float64 `gorm:"not null"`
	Longitude          float64 `gorm:"not null"`
	Status             string  `gorm:"not null;index;size:16"`
	Message            string  `gorm:"type:text"`
	DistanceFromBorder *float64
	PeersNotified      string    `gorm:"type:text"`
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time
	EscalatedAt        *time.Time
	ResolvedAt         *time.Time
}

// AlertStore is the gorm backed alert.Store. Transitions are serialized per
// user inside the process and guarded by a conditional update on the previous
// status, so a second process sharing the database cannot apply the same
// transition twice.
type AlertStore struct {
	db    *gorm.DB
	clock clock.Clock
	locks alert.UserLocks
}

func NewAlertStore(db *gorm.DB, clk clock.Clock) *AlertStore {
	return &AlertStore{db: db, clock: clk}
}

func (s *AlertStore) CreateAlert(in alert.NewAlert) (alert.Alert, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return alert.Alert{}, apperr.InvalidArgument("user id is required")
	}

	unlock := s.locks.Lock(in.UserID)
	defer unlock()

	row := Alert{
		ID:                 uuid.NewString(),
		UserID:             in.UserID,
		Latitude:           in.Latitude,
		Longitude:          in.Longitude,
		Status:             string(alert.StatusPending),
		Message:            in.Message,
		DistanceFromBorder: in.DistanceFromBorder,
		PeersNotified:      "[]",
		CreatedAt:          s.clock.Now(),
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		existing := Alert{}
		res := tx.Where("user_id = ? AND status IN ?", in.UserID, activeStatuses()).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return apperr.Conflict("user %v already has active alert %v", in.UserID, existing.ID)
		}

		return tx.Create(&row).Error
	})

	if err != nil && !errors.Is(err, apperr.ErrConflict) {
		// the unique index rejects a concurrent insert from another process
		if existing, findErr := s.GetActiveAlert(in.UserID); findErr == nil {
			return alert.Alert{}, apperr.Conflict("user %v already has active alert %v", in.UserID, existing.ID)
		}
	}
	if err != nil {
		return alert.Alert{}, err
	}

	return row.toAlert()
}

func (s *AlertStore) GetActiveAlert(userID string) (alert.Alert, error) {
	row := Alert{}
	res := s.db.Where("user_id = ? AND status IN ?", userID, activeStatuses()).Limit(1).Find(&row)
	if res.Error != nil {
		return alert.Alert{}, res.Error
	}
	if res.RowsAffected == 0 {
		return alert.Alert{}, apperr.NotFound("no active alert for user %v", userID)
	}

	return row.toAlert()
}

func (s *AlertStore) GetAlertByID(id string) (alert.Alert, error) {
	row, err := s.find(s.db, id)
	if err != nil {
		return alert.Alert{}, err
	}

	return row.toAlert()
}

func (s *AlertStore) ListActive() ([]alert.Alert, error) {
	rows := []Alert{}
	err := s.db.Where("status IN ?", activeStatuses()).Order("created_at asc, id asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	alerts := make([]alert.Alert, 0, len(rows))
	for _, row := range rows {
		a, err := row.toAlert()
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	return alerts, nil
}

func (s *AlertStore) SetPeersNotified(id string, peers []alert.PeerNotification) (alert.Transition, error) {
	return s.transition(id, alert.ApplyPeersNotified(peers))
}

func (s *AlertStore) Escalate(id string) (alert.Transition, error) {
	return s.transition(id, alert.ApplyEscalate)
}

func (s *AlertStore) Cancel(id string) (alert.Transition, error) {
	return s.transition(id, alert.ApplyClose(alert.StatusCanceled))
}

func (s *AlertStore) Resolve(id string) (alert.Transition, error) {
	return s.transition(id, alert.ApplyClose(alert.StatusResolved))
}

func (s *AlertStore) transition(id string, apply alert.Apply) (alert.Transition, error) {
	row, err := s.find(s.db, id)
	if err != nil {
		return alert.Transition{}, err
	}

	unlock := s.locks.Lock(row.UserID)
	defer unlock()

	var result alert.Transition

	err = s.db.Transaction(func(tx *gorm.DB) error {
		current, err := s.find(tx, id)
		if err != nil {
			return err
		}

		a, err := current.toAlert()
		if err != nil {
			return err
		}

		result = alert.Transition{Alert: a, Previous: a.Status}

		next := a.Clone()
		if !apply(&next, s.clock.Now()) {
			return nil
		}

		peers, err := json.Marshal(next.PeersNotified)
		if err != nil {
			return err
		}

		res := tx.Model(&Alert{}).Where("id = ? AND status = ?", id, string(a.Status)).Updates(map[string]interface{}{
			"status":         string(next.Status),
			"peers_notified": string(peers),
			"escalated_at":   next.EscalatedAt,
			"resolved_at":    next.ResolvedAt,
		})
		if res.Error != nil {
			return res.Error
		}

		// another writer moved the status first
		if res.RowsAffected == 0 {
			latest, err := s.find(tx, id)
			if err != nil {
				return err
			}
			result.Alert, err = latest.toAlert()
			result.Previous = result.Alert.Status
			return err
		}

		result.Alert = next
		result.Applied = true
		return nil
	})

	if err != nil {
		return alert.Transition{}, err
	}

	return result, nil
}

func (s *AlertStore) find(db *gorm.DB, id string) (*Alert, error) {
	row := Alert{}
	res := db.Where("id = ?", id).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("alert %v", id)
	}

	return &row, nil
}

func (row Alert) toAlert() (alert.Alert, error) {
	peers := []alert.PeerNotification{}
	if row.PeersNotified != "" {
		if err := json.Unmarshal([]byte(row.PeersNotified), &peers); err != nil {
			return alert.Alert{}, errors.Wrapf(err, "decode peers of alert %v", row.ID)
		}
	}

	return alert.Alert{
		ID:                 row.ID,
		UserID:             row.UserID,
		Latitude:           row.Latitude,
		Longitude:          row.Longitude,
		Status:             alert.Status(row.Status),
		Message:            row.Message,
		DistanceFromBorder: row.DistanceFromBorder,
		PeersNotified:      peers,
		CreatedAt:          row.CreatedAt,
		EscalatedAt:        row.EscalatedAt,
		ResolvedAt:         row.ResolvedAt,
	}, nil
}

func activeStatuses() []string {
	statuses := make([]string, 0, len(alert.ActiveStatuses))
	for _, status := range alert.ActiveStatuses {
		statuses = append(statuses, string(status))
	}
	return statuses
}
