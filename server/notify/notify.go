// Package notify delivers SOS notifications to nearby peers and to the authority.
// Delivery is best effort: callers log returned errors and carry on.
package notify

import (
	"context"
	"time"

	"github.com/tidewatch/smartsos/server/alert"
	"github.com/tidewatch/smartsos/server/contact"
	"github.com/tidewatch/smartsos/server/logger"
	"go.uber.org/multierr"
)

var logg = logger.NewLogger()

type Gateway interface {
	NotifyPeer(ctx context.Context, peerUserID string, summary Summary) error
	NotifyAuthority(ctx context.Context, summary Summary) error
}

// Summary is the alert payload handed to gateways.
type Summary struct {
	AlertID            string                     `json:"alert_id"`
	UserID             string                     `json:"user_id"`
	Latitude           float64                    `json:"latitude"`
	Longitude          float64                    `json:"longitude"`
	Message            string                     `json:"message"`
	DistanceFromBorder *float64                   `json:"distance_from_border,omitempty"`
	BorderZone         string                     `json:"border_zone"`
	Status             alert.Status               `json:"status"`
	CreatedAt          time.Time                  `json:"created_at"`
	EscalatedAt        *time.Time                 `json:"escalated_at,omitempty"`
	PeersNotified      int                        `json:"peers_notified"`
	DistanceKm         float64                    `json:"distance_km,omitempty"`
	Contacts           []contact.EmergencyContact `json:"contacts,omitempty"`
}

func NewSummary(a alert.Alert) Summary {
	return Summary{
		AlertID:            a.ID,
		UserID:             a.UserID,
		Latitude:           a.Latitude,
		Longitude:          a.Longitude,
		Message:            a.Message,
		DistanceFromBorder: a.DistanceFromBorder,
		BorderZone:         alert.BorderZone(a.DistanceFromBorder),
		Status:             a.Status,
		CreatedAt:          a.CreatedAt,
		EscalatedAt:        a.EscalatedAt,
		PeersNotified:      len(a.PeersNotified),
	}
}

// LogGateway writes notifications to the log. It is always part of the
// gateway chain so every delivery attempt leaves a trace.
type LogGateway struct{}

func (LogGateway) NotifyPeer(_ context.Context, peerUserID string, s Summary) error {
	logg.Infof("peer %v notified of alert %v from %v (%.2fkm away)", peerUserID, s.AlertID, s.UserID, s.DistanceKm)
	return nil
}

func (LogGateway) NotifyAuthority(_ context.Context, s Summary) error {
	logg.Warnf("alert %v from %v escalated to authority at (%.6f, %.6f), border zone %v, %v contact(s)",
		s.AlertID, s.UserID, s.Latitude, s.Longitude, s.BorderZone, len(s.Contacts))
	return nil
}

// Multi delivers to every gateway and joins their errors.
type Multi []Gateway

func (m Multi) NotifyPeer(ctx context.Context, peerUserID string, s Summary) error {
	var errs error
	for _, g := range m {
		errs = multierr.Append(errs, g.NotifyPeer(ctx, peerUserID, s))
	}
	return errs
}

func (m Multi) NotifyAuthority(ctx context.Context, s Summary) error {
	var errs error
	for _, g := range m {
		errs = multierr.Append(errs, g.NotifyAuthority(ctx, s))
	}
	return errs
}
