// Package alert holds the SOS alert lifecycle record and the store contract
// that guards its status transitions.
package alert

import (
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusPeersAlerted Status = "p2p-alerted"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
	StatusCanceled     Status = "canceled"
)

// ActiveStatuses are the statuses that count toward the one-active-alert-per-user rule.
var ActiveStatuses = []Status{StatusPending, StatusPeersAlerted, StatusEscalated}

var StatusNameMap = map[Status]bool{
	StatusPending:      true,
	StatusPeersAlerted: true,
	StatusEscalated:    true,
	StatusResolved:     true,
	StatusCanceled:     true,
}

func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusPeersAlerted || s == StatusEscalated
}

func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusCanceled
}

type PeerNotification struct {
	PeerUserID string    `json:"peer_user_id"`
	DistanceKm float64   `json:"distance_km"`
	NotifiedAt time.Time `json:"notified_at"`
}

type Alert struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	Latitude           float64            `json:"latitude"`
	Longitude          float64            `json:"longitude"`
	Status             Status             `json:"status"`
	Message            string             `json:"message"`
	DistanceFromBorder *float64           `json:"distance_from_border,omitempty"`
	PeersNotified      []PeerNotification `json:"peers_notified"`
	CreatedAt          time.Time          `json:"created_at"`
	EscalatedAt        *time.Time         `json:"escalated_at,omitempty"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
}

// Clone returns a deep copy so callers never share slices or pointers with a store.
func (a Alert) Clone() Alert {
	c := a
	c.PeersNotified = append([]PeerNotification{}, a.PeersNotified...)
	c.DistanceFromBorder = copyFloat(a.DistanceFromBorder)
	c.EscalatedAt = copyTime(a.EscalatedAt)
	c.ResolvedAt = copyTime(a.ResolvedAt)
	return c
}

// NewAlert is the input to Store.CreateAlert.
type NewAlert struct {
	UserID             string
	Latitude           float64
	Longitude          float64
	Message            string
	DistanceFromBorder *float64
}

// Transition is the outcome of a guarded status change. Applied is false when
// the alert was already in a status the change does not apply to (a NoOp);
// Previous is the status observed under the lock either way.
type Transition struct {
	Alert    Alert
	Previous Status
	Applied  bool
}

// Border zones, from the distance to the maritime border in kilometers.
const (
	BorderZoneSafe    = "safe"
	BorderZoneCaution = "caution"
	BorderZoneWarning = "warning"
	BorderZoneDanger  = "danger"
	BorderZoneUnknown = "unknown"
)

func BorderZone(distanceFromBorder *float64) string {
	if distanceFromBorder == nil {
		return BorderZoneUnknown
	}

	switch d := *distanceFromBorder; {
	case d > 20:
		return BorderZoneSafe
	case d > 10:
		return BorderZoneCaution
	case d > 5:
		return BorderZoneWarning
	default:
		return BorderZoneDanger
	}
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
