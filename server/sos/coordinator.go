// Package sos orchestrates the alert lifecycle: trigger, peer fan-out,
// delayed escalation to the authority, cancel and resolve.
package sos

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/tidewatch/smartsos/colors"
	"github.com/tidewatch/smartsos/server/alert"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
	"github.com/tidewatch/smartsos/server/contact"
	"github.com/tidewatch/smartsos/server/escalation"
	"github.com/tidewatch/smartsos/server/location"
	"github.com/tidewatch/smartsos/server/logger"
	"github.com/tidewatch/smartsos/server/metrics"
	"github.com/tidewatch/smartsos/server/notify"
	"github.com/tidewatch/smartsos/server/work"
	"golang.org/x/sync/errgroup"
)

const (
	EscalateHandler     = "escalate_alert"
	SweepOverdueHandler = "sweep_overdue_alerts"
	SweepOverdueJob     = "sweep_overdue_alerts"

	DefaultEscalationDelay   = 90 * time.Second
	DefaultPeerRadiusKm      = 15.0
	DefaultFanoutConcurrency = 8
	DefaultSweepGrace        = 30 * time.Second

	notifyTimeout = 10 * time.Second
)

var logg = logger.NewLogger()

type Config struct {
	EscalationDelay   time.Duration
	PeerRadiusKm      float64
	FanoutConcurrency int
	SweepGrace        time.Duration
}

func DefaultConfig() Config {
	return Config{
		EscalationDelay:   DefaultEscalationDelay,
		PeerRadiusKm:      DefaultPeerRadiusKm,
		FanoutConcurrency: DefaultFanoutConcurrency,
		SweepGrace:        DefaultSweepGrace,
	}
}

// Deps are the collaborators of a Coordinator. Contacts and Metrics are optional.
type Deps struct {
	Alerts    alert.Store
	Locations location.Registry
	Contacts  contact.Store
	Gateway   notify.Gateway
	Clock     clock.Clock
	Pool      *work.WorkerPoolAdapter
	Metrics   *metrics.Metrics
}

type Coordinator struct {
	alerts    alert.Store
	locations location.Registry
	contacts  contact.Store
	gateway   notify.Gateway
	clock     clock.Clock
	pool      *work.WorkerPoolAdapter
	metrics   *metrics.Metrics
	scheduler *escalation.Scheduler
	config    Config

	fanout sync.WaitGroup
}

// NewCoordinator wires the coordinator and registers its job handlers on the
// pool, so it must be called before the pool is started.
func NewCoordinator(deps Deps, config Config) (*Coordinator, error) {
	if deps.Alerts == nil || deps.Locations == nil || deps.Gateway == nil || deps.Pool == nil {
		return nil, fmt.Errorf("alerts, locations, gateway & pool are required")
	}

	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if config.EscalationDelay <= 0 {
		config.EscalationDelay = DefaultEscalationDelay
	}
	if config.PeerRadiusKm <= 0 {
		config.PeerRadiusKm = DefaultPeerRadiusKm
	}
	if config.FanoutConcurrency <= 0 {
		config.FanoutConcurrency = DefaultFanoutConcurrency
	}

	c := &Coordinator{
		alerts:    deps.Alerts,
		locations: deps.Locations,
		contacts:  deps.Contacts,
		gateway:   deps.Gateway,
		clock:     deps.Clock,
		pool:      deps.Pool,
		metrics:   deps.Metrics,
		config:    config,
	}
	c.scheduler = escalation.NewScheduler(c.clock, c.dispatchEscalation, c.metrics.ArmedEscalations)

	if err := c.pool.Register(EscalateHandler, c.handleEscalationJob); err != nil {
		return nil, errors.Wrap(err, "register escalation handler")
	}
	if err := c.pool.Register(SweepOverdueHandler, c.handleSweepJob); err != nil {
		return nil, errors.Wrap(err, "register sweep handler")
	}

	return c, nil
}

func (c *Coordinator) Config() Config {
	return c.config
}

func (c *Coordinator) Scheduler() *escalation.Scheduler {
	return c.scheduler
}

type TriggerRequest struct {
	UserID             string
	Latitude           *float64
	Longitude          *float64
	Message            string
	DistanceFromBorder *float64
}

type TriggerResult struct {
	AlertID             string       `json:"alert_id"`
	Status              alert.Status `json:"status"`
	PeersNotifiedCount  int          `json:"peers_notified_count"`
	EscalationInSeconds int          `json:"escalation_in_seconds"`
	Alert               alert.Alert  `json:"alert"`
}

// TriggerSOS opens an alert, records and notifies nearby online peers and
// arms the escalation timer.
func (c *Coordinator) TriggerSOS(ctx context.Context, req TriggerRequest) (TriggerResult, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return TriggerResult{}, apperr.InvalidArgument("user id is required")
	}

	if req.Latitude == nil || req.Longitude == nil {
		return TriggerResult{}, apperr.InvalidArgument("location is required to trigger an SOS")
	}

	lat, lon := *req.Latitude, *req.Longitude
	if err := location.ValidateCoordinates(lat, lon); err != nil {
		return TriggerResult{}, err
	}

	message := strings.TrimSpace(req.Message)
	if message == "" {
		message = DefaultMessage(lat, lon, req.DistanceFromBorder, c.clock.Now())
	}

	created, err := c.alerts.CreateAlert(alert.NewAlert{
		UserID:             req.UserID,
		Latitude:           lat,
		Longitude:          lon,
		Message:            message,
		DistanceFromBorder: req.DistanceFromBorder,
	})
	if errors.Is(err, apperr.ErrConflict) {
		c.metrics.TriggerConflicts.Inc()
		return TriggerResult{}, err
	}
	if err != nil {
		return TriggerResult{}, err
	}

	c.metrics.AlertsTriggered.Inc()
	c.logInfof("alert %v opened for user %v at (%.6f, %.6f)", created.ID, req.UserID, lat, lon)

	peers := c.nearbyPeers(req.UserID, lat, lon)

	current := created
	tr, err := c.alerts.SetPeersNotified(created.ID, peers)
	if err != nil {
		logg.Errorf("unable to record peers for alert %v: %v", created.ID, err)
	} else {
		current = tr.Alert
	}

	// A cancel that landed before the peers were recorded closes the alert here.
	if current.Status.IsTerminal() {
		c.logInfof("alert %v was %v before peers were notified", created.ID, current.Status)
		return TriggerResult{AlertID: created.ID, Status: current.Status, Alert: current}, nil
	}

	c.notifyPeers(notify.NewSummary(current), peers)
	c.scheduler.Arm(created.ID, c.config.EscalationDelay)

	return TriggerResult{
		AlertID:             created.ID,
		Status:              current.Status,
		PeersNotifiedCount:  len(peers),
		EscalationInSeconds: int(c.config.EscalationDelay.Seconds()),
		Alert:               current,
	}, nil
}

type CancelRequest struct {
	UserID  string
	AlertID string
}

type CancelResult struct {
	AlertID        string       `json:"alert_id"`
	Status         alert.Status `json:"status"`
	PreviousStatus alert.Status `json:"previous_status"`

	// NoOp is set when the alert was already resolved or canceled.
	NoOp bool `json:"noop"`

	// EscalationReported is set when the alert had already been escalated,
	// so the authority may have been contacted before the cancel.
	EscalationReported bool `json:"escalation_reported"`
}

// CancelSOS cancels the alert named by AlertID, or else the user's active alert.
func (c *Coordinator) CancelSOS(ctx context.Context, req CancelRequest) (CancelResult, error) {
	target, err := c.resolveTarget(req)
	if err != nil {
		return CancelResult{}, err
	}

	return c.close(target, c.alerts.Cancel, "canceled")
}

// ResolveSOS marks an alert as handled.
func (c *Coordinator) ResolveSOS(ctx context.Context, req CancelRequest) (CancelResult, error) {
	target, err := c.resolveTarget(req)
	if err != nil {
		return CancelResult{}, err
	}

	return c.close(target, c.alerts.Resolve, "resolved")
}

func (c *Coordinator) resolveTarget(req CancelRequest) (alert.Alert, error) {
	if req.AlertID == "" && req.UserID == "" {
		return alert.Alert{}, apperr.InvalidArgument("either an alert id or a user id is required")
	}

	if req.AlertID == "" {
		return c.alerts.GetActiveAlert(req.UserID)
	}

	target, err := c.alerts.GetAlertByID(req.AlertID)
	if err != nil {
		return alert.Alert{}, err
	}

	if req.UserID != "" && req.UserID != target.UserID {
		return alert.Alert{}, apperr.NotFound("alert %v for user %v", req.AlertID, req.UserID)
	}

	return target, nil
}

func (c *Coordinator) close(target alert.Alert, transition func(id string) (alert.Transition, error), outcome string) (CancelResult, error) {
	tr, err := transition(target.ID)
	if err != nil {
		return CancelResult{}, err
	}

	c.scheduler.DisarmAlert(target.ID)

	result := CancelResult{
		AlertID:            target.ID,
		Status:             tr.Alert.Status,
		PreviousStatus:     tr.Previous,
		NoOp:               !tr.Applied,
		EscalationReported: tr.Previous == alert.StatusEscalated,
	}

	if result.NoOp {
		c.metrics.Cancellations.WithLabelValues("noop").Inc()
		c.logInfof("alert %v already %v, nothing to do", target.ID, tr.Previous)
		return result, nil
	}

	c.metrics.Cancellations.WithLabelValues(outcome).Inc()
	c.logInfof("alert %v %v (was %v)", target.ID, outcome, tr.Previous)

	return result, nil
}

type StatusResult struct {
	HasActiveAlert      bool         `json:"has_active_alert"`
	Alert               *alert.Alert `json:"alert,omitempty"`
	EscalationInSeconds int          `json:"escalation_in_seconds"`
}

func (c *Coordinator) GetStatus(ctx context.Context, userID string) (StatusResult, error) {
	if strings.TrimSpace(userID) == "" {
		return StatusResult{}, apperr.InvalidArgument("user id is required")
	}

	active, err := c.alerts.GetActiveAlert(userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return StatusResult{}, nil
	}
	if err != nil {
		return StatusResult{}, err
	}

	return StatusResult{
		HasActiveAlert:      true,
		Alert:               &active,
		EscalationInSeconds: c.EscalationIn(active),
	}, nil
}

func (c *Coordinator) GetAlert(ctx context.Context, alertID string) (alert.Alert, error) {
	return c.alerts.GetAlertByID(alertID)
}

// EscalationIn returns the whole seconds left before an alert escalates,
// rounded up, or 0 when it is escalated, closed or overdue.
func (c *Coordinator) EscalationIn(a alert.Alert) int {
	if a.Status != alert.StatusPending && a.Status != alert.StatusPeersAlerted {
		return 0
	}

	remaining := c.remaining(a)
	if remaining <= 0 {
		return 0
	}

	return int(math.Ceil(remaining.Seconds()))
}

func (c *Coordinator) remaining(a alert.Alert) time.Duration {
	return c.config.EscalationDelay - c.clock.Now().Sub(a.CreatedAt)
}

// onEscalationDue escalates the alert and, only when the transition applied,
// notifies the authority. Losing the race to a cancel is not an error.
func (c *Coordinator) onEscalationDue(ctx context.Context, alertID string) error {
	tr, err := c.alerts.Escalate(alertID)
	if errors.Is(err, apperr.ErrNotFound) {
		logg.Warnf("escalation due for unknown alert %v", alertID)
		return nil
	}
	if err != nil {
		return err
	}

	if !tr.Applied {
		c.metrics.Escalations.WithLabelValues("noop").Inc()
		c.logInfof("alert %v is %v, escalation skipped", alertID, tr.Previous)
		return nil
	}

	c.metrics.Escalations.WithLabelValues("applied").Inc()
	logg.Warnf(colors.Red("[sos] ")+"alert %v of user %v escalated", alertID, tr.Alert.UserID)

	summary := notify.NewSummary(tr.Alert)
	summary.Contacts = c.emergencyContacts(tr.Alert.UserID)

	notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	err = c.gateway.NotifyAuthority(notifyCtx, summary)
	c.metrics.AuthorityNotices.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		logg.Errorf("authority notification for alert %v failed: %v", alertID, err)
	}

	return nil
}

// RearmActive arms an escalation task for every pending alert, using what is
// left of its delay. Alerts already past their delay fire right away.
func (c *Coordinator) RearmActive(ctx context.Context) (int, error) {
	active, err := c.alerts.ListActive()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, a := range active {
		if a.Status == alert.StatusEscalated {
			continue
		}
		c.scheduler.Arm(a.ID, c.remaining(a))
		count++
	}

	if count > 0 {
		c.logInfof("%v escalation(s) re-armed", count)
	}

	return count, nil
}

// SweepOverdue queues the escalation of pending alerts whose delay plus the
// sweep grace has passed without their task firing.
func (c *Coordinator) SweepOverdue(ctx context.Context) (int, error) {
	active, err := c.alerts.ListActive()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, a := range active {
		if a.Status == alert.StatusEscalated || c.remaining(a) > -c.config.SweepGrace {
			continue
		}

		c.scheduler.DisarmAlert(a.ID)
		c.dispatchEscalation(a.ID)
		count++
	}

	if count > 0 {
		logg.Warnf(colors.Yellow("[sos] ")+"%v overdue alert(s) queued for escalation", count)
	}

	return count, nil
}

// Wait blocks until peer notifications in flight and queued jobs are done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.fanout.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.pool.Wait(ctx)
}

// Stop disarms every pending escalation task.
func (c *Coordinator) Stop() {
	c.scheduler.Stop()
}

func (c *Coordinator) nearbyPeers(userID string, lat, lon float64) []alert.PeerNotification {
	nearby, err := c.locations.QueryNearby(lat, lon, c.config.PeerRadiusKm)
	if err != nil {
		logg.Errorf("nearby query for user %v failed: %v", userID, err)
		return []alert.PeerNotification{}
	}

	now := c.clock.Now()
	peers := make([]alert.PeerNotification, 0, len(nearby))
	for _, n := range nearby {
		if n.UserID == userID {
			continue
		}
		peers = append(peers, alert.PeerNotification{
			PeerUserID: n.UserID,
			DistanceKm: n.DistanceKm,
			NotifiedAt: now,
		})
	}

	return peers
}

// notifyPeers delivers to every peer in parallel without blocking the caller.
func (c *Coordinator) notifyPeers(summary notify.Summary, peers []alert.PeerNotification) {
	if len(peers) == 0 {
		return
	}

	c.fanout.Add(1)
	go func() {
		defer c.fanout.Done()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		g := errgroup.Group{}
		g.SetLimit(c.config.FanoutConcurrency)

		for _, peer := range peers {
			peer := peer
			g.Go(func() error {
				s := summary
				s.DistanceKm = peer.DistanceKm

				err := c.gateway.NotifyPeer(ctx, peer.PeerUserID, s)
				c.metrics.PeerNotifications.WithLabelValues(metrics.Result(err)).Inc()
				if err != nil {
					logg.Errorf("notifying peer %v of alert %v failed: %v", peer.PeerUserID, summary.AlertID, err)
				}
				return nil
			})
		}

		g.Wait()
	}()
}

func (c *Coordinator) emergencyContacts(userID string) []contact.EmergencyContact {
	if c.contacts == nil {
		return nil
	}

	contacts, err := c.contacts.List(userID)
	if err != nil {
		logg.Errorf("unable to load emergency contacts of user %v: %v", userID, err)
		return nil
	}

	return contacts
}

func (c *Coordinator) dispatchEscalation(alertID string) {
	err := c.pool.Perform(work.JobParams{
		Name:    escalationJobName(alertID),
		Handler: EscalateHandler,
		Unique:  true,
		Args:    map[string]interface{}{"alert_id": alertID},
	})
	if err != nil {
		logg.Errorf("unable to queue escalation of alert %v: %v", alertID, err)
	}
}

func (c *Coordinator) handleEscalationJob(args map[string]interface{}) error {
	alertID, ok := args["alert_id"].(string)
	if !ok || alertID == "" {
		return fmt.Errorf("escalation job without an alert_id: %v", args)
	}

	return c.onEscalationDue(context.Background(), alertID)
}

func (c *Coordinator) handleSweepJob(map[string]interface{}) error {
	_, err := c.SweepOverdue(context.Background())
	return err
}

// SweepJob is the periodic job that runs SweepOverdue.
func SweepJob() work.JobParams {
	return work.JobParams{Name: SweepOverdueJob, Handler: SweepOverdueHandler, Unique: true}
}

func escalationJobName(alertID string) string {
	return "escalate:" + alertID
}

// DefaultMessage is the alert text used when the user sends none.
func DefaultMessage(lat, lon float64, distanceFromBorder *float64, at time.Time) string {
	var b strings.Builder

	b.WriteString("SMART SOS ALERT\nFisherman in distress!\n")
	fmt.Fprintf(&b, "Location: %.6f, %.6f\n", lat, lon)
	if distanceFromBorder != nil {
		fmt.Fprintf(&b, "Distance from border: %.1fkm\n", *distanceFromBorder)
	}
	fmt.Fprintf(&b, "Time: %v", at.UTC().Format("2006-01-02 15:04:05 MST"))

	return b.String()
}

func (c *Coordinator) logInfof(template string, args ...interface{}) {
	logg.Infof(colors.Magenta("[sos] ")+template, args...)
}
