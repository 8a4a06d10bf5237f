package sos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidewatch/smartsos/server/alert"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
	"github.com/tidewatch/smartsos/server/contact"
	"github.com/tidewatch/smartsos/server/geo"
	"github.com/tidewatch/smartsos/server/location"
	"github.com/tidewatch/smartsos/server/metrics"
	"github.com/tidewatch/smartsos/server/notify"
	"github.com/tidewatch/smartsos/server/work"
)

const (
	originLat = 13.0827
	originLon = 80.2707
)

type peerCall struct {
	peerID     string
	alertID    string
	distanceKm float64
}

type recordingGateway struct {
	mu        sync.Mutex
	peers     []peerCall
	authority []notify.Summary
	failPeers bool
}

func (g *recordingGateway) NotifyPeer(_ context.Context, peerUserID string, s notify.Summary) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failPeers {
		return errors.New("push relay unavailable")
	}
	g.peers = append(g.peers, peerCall{peerID: peerUserID, alertID: s.AlertID, distanceKm: s.DistanceKm})
	return nil
}

func (g *recordingGateway) NotifyAuthority(_ context.Context, s notify.Summary) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.authority = append(g.authority, s)
	return nil
}

func (g *recordingGateway) authorityCalls() []notify.Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]notify.Summary{}, g.authority...)
}

func (g *recordingGateway) peerCalls() []peerCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]peerCall{}, g.peers...)
}

type harness struct {
	coord     *Coordinator
	clock     *clock.Mock
	alerts    *alert.MemoryStore
	locations *location.MemoryRegistry
	contacts  *contact.MemoryStore
	gateway   *recordingGateway
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mock := clock.NewMock(time.Date(2024, 3, 1, 4, 0, 0, 0, time.UTC))
	pool := work.NewWorkerAdapter("UTC", 2)

	h := &harness{
		clock:     mock,
		alerts:    alert.NewMemoryStore(mock),
		locations: location.NewMemoryRegistry(mock),
		contacts:  contact.NewMemoryStore(mock),
		gateway:   &recordingGateway{},
		metrics:   metrics.New(),
	}

	coord, err := NewCoordinator(Deps{
		Alerts:    h.alerts,
		Locations: h.locations,
		Contacts:  h.contacts,
		Gateway:   h.gateway,
		Clock:     mock,
		Pool:      pool,
		Metrics:   h.metrics,
	}, DefaultConfig())
	require.NoError(t, err)
	h.coord = coord

	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		coord.Stop()
		pool.Stop()
	})

	return h
}

func (h *harness) wait(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Wait(ctx))
}

func (h *harness) trigger(t *testing.T, userID string) TriggerResult {
	t.Helper()

	result, err := h.coord.TriggerSOS(context.Background(), TriggerRequest{
		UserID:    userID,
		Latitude:  floatPtr(originLat),
		Longitude: floatPtr(originLon),
	})
	require.NoError(t, err)
	return result
}

func (h *harness) status(t *testing.T, alertID string) alert.Status {
	t.Helper()

	a, err := h.coord.GetAlert(context.Background(), alertID)
	require.NoError(t, err)
	return a.Status
}

func floatPtr(f float64) *float64 {
	return &f
}

// northOf returns the latitude km kilometers north of lat on the same meridian.
func northOf(lat, km float64) float64 {
	return lat + km/(geo.EarthRadiusKm*3.141592653589793/180)
}

func TestTriggerSOS_HappyPath(t *testing.T) {
	h := newHarness(t)

	result := h.trigger(t, "user-a")

	assert.Equal(t, 0, result.PeersNotifiedCount)
	assert.Equal(t, 90, result.EscalationInSeconds)
	assert.Equal(t, alert.StatusPeersAlerted, result.Status)
	assert.Contains(t, result.Alert.Message, "Location: 13.082700, 80.270700")

	status, err := h.coord.GetStatus(context.Background(), "user-a")
	require.NoError(t, err)
	assert.True(t, status.HasActiveAlert)
	assert.Equal(t, result.AlertID, status.Alert.ID)
	assert.Equal(t, 90, status.EscalationInSeconds)

	h.clock.Advance(89 * time.Second)
	h.wait(t)
	assert.Empty(t, h.gateway.authorityCalls())
	assert.Equal(t, alert.StatusPeersAlerted, h.status(t, result.AlertID))

	h.clock.Advance(time.Second)
	h.wait(t)

	assert.Equal(t, alert.StatusEscalated, h.status(t, result.AlertID))
	require.Len(t, h.gateway.authorityCalls(), 1)
	assert.Equal(t, result.AlertID, h.gateway.authorityCalls()[0].AlertID)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Escalations.WithLabelValues("applied")))

	status, err = h.coord.GetStatus(context.Background(), "user-a")
	require.NoError(t, err)
	assert.True(t, status.HasActiveAlert, "an escalated alert stays active")
	assert.Equal(t, 0, status.EscalationInSeconds)
}

func TestTriggerSOS_PeerFanOut(t *testing.T) {
	h := newHarness(t)

	updates := []struct {
		userID string
		lat    float64
		online bool
	}{
		{"user-a", originLat, true},
		{"user-b", northOf(originLat, 5), true},
		{"user-c", northOf(originLat, 20), true},
		{"user-d", northOf(originLat, 1), false},
	}
	for _, u := range updates {
		_, err := h.locations.UpdateLocation(u.userID, u.lat, originLon, u.online)
		require.NoError(t, err)
	}

	result := h.trigger(t, "user-a")
	h.wait(t)

	assert.Equal(t, 1, result.PeersNotifiedCount)
	require.Len(t, result.Alert.PeersNotified, 1)
	assert.Equal(t, "user-b", result.Alert.PeersNotified[0].PeerUserID)
	assert.InDelta(t, 5, result.Alert.PeersNotified[0].DistanceKm, 0.001)
	assert.Equal(t, h.clock.Now(), result.Alert.PeersNotified[0].NotifiedAt)

	calls := h.gateway.peerCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "user-b", calls[0].peerID)
	assert.Equal(t, result.AlertID, calls[0].alertID)
	assert.InDelta(t, 5, calls[0].distanceKm, 0.001)
}

func TestTriggerSOS_PeerFailuresAreNotFatal(t *testing.T) {
	h := newHarness(t)
	h.gateway.failPeers = true

	_, err := h.locations.UpdateLocation("user-b", northOf(originLat, 2), originLon, true)
	require.NoError(t, err)

	result := h.trigger(t, "user-a")
	h.wait(t)

	assert.Equal(t, 1, result.PeersNotifiedCount)
	assert.Equal(t, alert.StatusPeersAlerted, h.status(t, result.AlertID))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.PeerNotifications.WithLabelValues("error")))
}

func TestTriggerSOS_InvalidArguments(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		req  TriggerRequest
	}{
		{"missing user", TriggerRequest{Latitude: floatPtr(1), Longitude: floatPtr(1)}},
		{"missing latitude", TriggerRequest{UserID: "user-a", Longitude: floatPtr(1)}},
		{"missing longitude", TriggerRequest{UserID: "user-a", Latitude: floatPtr(1)}},
		{"latitude out of range", TriggerRequest{UserID: "user-a", Latitude: floatPtr(90.5), Longitude: floatPtr(1)}},
		{"longitude out of range", TriggerRequest{UserID: "user-a", Latitude: floatPtr(1), Longitude: floatPtr(-181)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.TriggerSOS(context.Background(), tc.req)
			assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
		})
	}

	_, err := h.alerts.GetActiveAlert("user-a")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "no alert is created for invalid input")
}

func TestTriggerSOS_KeepsUserMessage(t *testing.T) {
	h := newHarness(t)

	result, err := h.coord.TriggerSOS(context.Background(), TriggerRequest{
		UserID:             "user-a",
		Latitude:           floatPtr(originLat),
		Longitude:          floatPtr(originLon),
		Message:            "  engine failure, taking water  ",
		DistanceFromBorder: floatPtr(3.2),
	})
	require.NoError(t, err)

	assert.Equal(t, "engine failure, taking water", result.Alert.Message)
	assert.Equal(t, 3.2, *result.Alert.DistanceFromBorder)
}

func TestCancelSOS_BeforeEscalation(t *testing.T) {
	h := newHarness(t)
	result := h.trigger(t, "user-a")

	h.clock.Advance(10 * time.Second)

	cancelResult, err := h.coord.CancelSOS(context.Background(), CancelRequest{UserID: "user-a"})
	require.NoError(t, err)
	assert.Equal(t, CancelResult{
		AlertID:        result.AlertID,
		Status:         alert.StatusCanceled,
		PreviousStatus: alert.StatusPeersAlerted,
	}, cancelResult)

	a, err := h.coord.GetAlert(context.Background(), result.AlertID)
	require.NoError(t, err)
	assert.Equal(t, alert.StatusCanceled, a.Status)
	require.NotNil(t, a.ResolvedAt)
	assert.Equal(t, h.clock.Now(), *a.ResolvedAt)
	assert.Equal(t, 0, h.coord.Scheduler().Armed())

	h.clock.Advance(80 * time.Second)
	h.wait(t)

	assert.Empty(t, h.gateway.authorityCalls())
	assert.Equal(t, alert.StatusCanceled, h.status(t, result.AlertID))

	status, err := h.coord.GetStatus(context.Background(), "user-a")
	require.NoError(t, err)
	assert.False(t, status.HasActiveAlert)
	assert.Nil(t, status.Alert)
}

func TestCancelSOS_Idempotent(t *testing.T) {
	h := newHarness(t)
	result := h.trigger(t, "user-a")

	_, err := h.coord.CancelSOS(context.Background(), CancelRequest{AlertID: result.AlertID})
	require.NoError(t, err)

	again, err := h.coord.CancelSOS(context.Background(), CancelRequest{AlertID: result.AlertID})
	require.NoError(t, err)
	assert.True(t, again.NoOp)
	assert.Equal(t, alert.StatusCanceled, again.Status)

	resolved, err := h.coord.ResolveSOS(context.Background(), CancelRequest{AlertID: result.AlertID})
	require.NoError(t, err)
	assert.True(t, resolved.NoOp)
	assert.Equal(t, alert.StatusCanceled, resolved.Status)

	_, err = h.coord.CancelSOS(context.Background(), CancelRequest{UserID: "user-a"})
	assert.ErrorIs(t, err, apperr.ErrNotFound, "no active alert left for the user")

	h.clock.Advance(time.Hour)
	h.wait(t)
	assert.Empty(t, h.gateway.authorityCalls())
}

func TestCancelSOS_Errors(t *testing.T) {
	h := newHarness(t)
	result := h.trigger(t, "user-a")

	tests := []struct {
		name string
		req  CancelRequest
		want error
	}{
		{"no identifiers", CancelRequest{}, apperr.ErrInvalidArgument},
		{"unknown alert", CancelRequest{AlertID: "missing"}, apperr.ErrNotFound},
		{"user without alert", CancelRequest{UserID: "user-z"}, apperr.ErrNotFound},
		{"alert of another user", CancelRequest{UserID: "user-z", AlertID: result.AlertID}, apperr.ErrNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.CancelSOS(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	assert.Equal(t, alert.StatusPeersAlerted, h.status(t, result.AlertID))
}

func TestCancelSOS_AfterEscalation(t *testing.T) {
	h := newHarness(t)
	result := h.trigger(t, "user-a")

	h.clock.Advance(90 * time.Second)
	h.wait(t)
	require.Len(t, h.gateway.authorityCalls(), 1)

	cancelResult, err := h.coord.CancelSOS(context.Background(), CancelRequest{UserID: "user-a"})
	require.NoError(t, err)

	assert.False(t, cancelResult.NoOp)
	assert.True(t, cancelResult.EscalationReported)
	assert.Equal(t, alert.StatusEscalated, cancelResult.PreviousStatus)
	assert.Equal(t, alert.StatusCanceled, h.status(t, result.AlertID))
	assert.Len(t, h.gateway.authorityCalls(), 1)
}

func TestResolveSOS(t *testing.T) {
	h := newHarness(t)
	result := h.trigger(t, "user-a")

	resolved, err := h.coord.ResolveSOS(context.Background(), CancelRequest{AlertID: result.AlertID, UserID: "user-a"})
	require.NoError(t, err)
	assert.Equal(t, alert.StatusResolved, resolved.Status)
	assert.False(t, resolved.NoOp)

	h.clock.Advance(time.Hour)
	h.wait(t)
	assert.Empty(t, h.gateway.authorityCalls())

	// the user may raise a new alert once the previous one is closed
	h.trigger(t, "user-a")
}

func TestTriggerSOS_Duplicate(t *testing.T) {
	h := newHarness(t)
	first := h.trigger(t, "user-a")

	_, err := h.coord.TriggerSOS(context.Background(), TriggerRequest{
		UserID:    "user-a",
		Latitude:  floatPtr(originLat + 1),
		Longitude: floatPtr(originLon),
	})
	assert.ErrorIs(t, err, apperr.ErrConflict)

	status, err := h.coord.GetStatus(context.Background(), "user-a")
	require.NoError(t, err)
	assert.Equal(t, first.AlertID, status.Alert.ID)
	assert.Equal(t, originLat, status.Alert.Latitude)
	assert.Equal(t, alert.StatusPeersAlerted, status.Alert.Status)
	assert.Equal(t, 1, h.coord.Scheduler().Armed())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.TriggerConflicts))
}

func TestTriggerSOS_ConcurrentTriggers(t *testing.T) {
	h := newHarness(t)

	const callers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.coord.TriggerSOS(context.Background(), TriggerRequest{
				UserID:    "user-a",
				Latitude:  floatPtr(originLat),
				Longitude: floatPtr(originLon),
			})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, callers-1, conflicts)

	active, err := h.alerts.ListActive()
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestCancelEscalationRace(t *testing.T) {
	for i := 0; i < 30; i++ {
		h := newHarness(t)
		result := h.trigger(t, "user-a")
		h.clock.Advance(89 * time.Second)

		var (
			wg           sync.WaitGroup
			cancelResult CancelResult
			cancelErr    error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelResult, cancelErr = h.coord.CancelSOS(context.Background(), CancelRequest{AlertID: result.AlertID})
		}()
		go func() {
			defer wg.Done()
			h.clock.Advance(time.Second)
		}()
		wg.Wait()
		h.wait(t)

		require.NoError(t, cancelErr)
		assert.False(t, cancelResult.NoOp)
		assert.Equal(t, alert.StatusCanceled, h.status(t, result.AlertID))

		// authority notified XOR cancel honored before escalation
		if cancelResult.EscalationReported {
			assert.Len(t, h.gateway.authorityCalls(), 1)
		} else {
			assert.Empty(t, h.gateway.authorityCalls())
		}
	}
}

func TestOnEscalationDue(t *testing.T) {
	h := newHarness(t)

	_, err := h.contacts.Create(contact.EmergencyContact{UserID: "user-a", Name: "Ravi", PhoneNumber: "+94770000002", Priority: 2})
	require.NoError(t, err)
	_, err = h.contacts.Create(contact.EmergencyContact{UserID: "user-a", Name: "Coast guard", PhoneNumber: "+94110000001", Priority: 1})
	require.NoError(t, err)

	result := h.trigger(t, "user-a")

	require.NoError(t, h.coord.onEscalationDue(context.Background(), result.AlertID))
	require.NoError(t, h.coord.onEscalationDue(context.Background(), result.AlertID))
	assert.NoError(t, h.coord.onEscalationDue(context.Background(), "missing"))

	calls := h.gateway.authorityCalls()
	require.Len(t, calls, 1, "only the applied transition notifies")
	require.Len(t, calls[0].Contacts, 2)
	assert.Equal(t, "Coast guard", calls[0].Contacts[0].Name)
	assert.Equal(t, alert.StatusEscalated, calls[0].Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Escalations.WithLabelValues("noop")))
}

func TestRearmActive(t *testing.T) {
	h := newHarness(t)

	pending, err := h.alerts.CreateAlert(alert.NewAlert{UserID: "user-a", Latitude: originLat, Longitude: originLon})
	require.NoError(t, err)
	escalated, err := h.alerts.CreateAlert(alert.NewAlert{UserID: "user-b", Latitude: originLat, Longitude: originLon})
	require.NoError(t, err)
	_, err = h.alerts.Escalate(escalated.ID)
	require.NoError(t, err)

	h.clock.Advance(60 * time.Second)

	count, err := h.coord.RearmActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, h.clock.Now().Add(30*time.Second), h.coord.Scheduler().Task(pending.ID).DueAt)

	h.clock.Advance(29 * time.Second)
	h.wait(t)
	assert.Equal(t, alert.StatusPending, h.status(t, pending.ID))

	h.clock.Advance(time.Second)
	h.wait(t)
	assert.Equal(t, alert.StatusEscalated, h.status(t, pending.ID))
	assert.Len(t, h.gateway.authorityCalls(), 1)
}

func TestSweepOverdue(t *testing.T) {
	h := newHarness(t)

	overdue, err := h.alerts.CreateAlert(alert.NewAlert{UserID: "user-a", Latitude: originLat, Longitude: originLon})
	require.NoError(t, err)

	h.clock.Advance(100 * time.Second)

	fresh := h.trigger(t, "user-b")

	count, err := h.coord.SweepOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count, "within the sweep grace")

	h.clock.Advance(21 * time.Second)

	count, err = h.coord.SweepOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	h.wait(t)

	assert.Equal(t, alert.StatusEscalated, h.status(t, overdue.ID))
	assert.Equal(t, alert.StatusPeersAlerted, h.status(t, fresh.AlertID))
	assert.Len(t, h.gateway.authorityCalls(), 1)

	count, err = h.coord.SweepOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestEscalationIn(t *testing.T) {
	h := newHarness(t)
	result := h.trigger(t, "user-a")

	tests := []struct {
		advance time.Duration
		want    int
	}{
		{0, 90},
		{500 * time.Millisecond, 90},
		{45 * time.Second, 45},
		{44 * time.Second, 1},
		{time.Second, 0},
	}

	for _, tc := range tests {
		h.clock.Advance(tc.advance)
		a, err := h.coord.GetAlert(context.Background(), result.AlertID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, h.coord.EscalationIn(a), "at %v", h.clock.Now().Sub(result.Alert.CreatedAt))
	}
}

func TestDefaultMessage(t *testing.T) {
	at := time.Date(2024, 3, 1, 4, 30, 0, 0, time.UTC)

	assert.Equal(t,
		"SMART SOS ALERT\nFisherman in distress!\nLocation: 9.950000, 79.850000\nDistance from border: 7.5km\nTime: 2024-03-01 04:30:00 UTC",
		DefaultMessage(9.95, 79.85, floatPtr(7.5), at))

	assert.NotContains(t, DefaultMessage(9.95, 79.85, nil, at), "Distance from border")
}

func TestNewCoordinator_RequiresDeps(t *testing.T) {
	_, err := NewCoordinator(Deps{}, DefaultConfig())
	assert.Error(t, err)
}

// cancelOnCreateStore cancels every alert right after it is created, the way a
// cancel request racing a trigger would.
type cancelOnCreateStore struct {
	alert.Store
}

func (s cancelOnCreateStore) CreateAlert(n alert.NewAlert) (alert.Alert, error) {
	created, err := s.Store.CreateAlert(n)
	if err != nil {
		return created, err
	}

	if _, err := s.Store.Cancel(created.ID); err != nil {
		return alert.Alert{}, err
	}
	return created, nil
}

func TestTriggerSOS_CanceledBeforePeersRecorded(t *testing.T) {
	h := newHarness(t)

	pool := work.NewWorkerAdapter("UTC", 1)
	coord, err := NewCoordinator(Deps{
		Alerts:    cancelOnCreateStore{h.alerts},
		Locations: h.locations,
		Gateway:   h.gateway,
		Clock:     h.clock,
		Pool:      pool,
		Metrics:   metrics.New(),
	}, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, pool.Start())
	t.Cleanup(func() {
		coord.Stop()
		pool.Stop()
	})

	_, err = h.locations.UpdateLocation("user-b", northOf(originLat, 2), originLon, true)
	require.NoError(t, err)

	result, err := coord.TriggerSOS(context.Background(), TriggerRequest{
		UserID:    "user-a",
		Latitude:  floatPtr(originLat),
		Longitude: floatPtr(originLon),
	})
	require.NoError(t, err)

	assert.Equal(t, alert.StatusCanceled, result.Status)
	assert.Zero(t, result.PeersNotifiedCount)
	assert.Zero(t, result.EscalationInSeconds)
	assert.Zero(t, coord.Scheduler().Armed())

	h.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, coord.Wait(ctx))

	assert.Empty(t, h.gateway.peerCalls())
	assert.Empty(t, h.gateway.authorityCalls())
}
