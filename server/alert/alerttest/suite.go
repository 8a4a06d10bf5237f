// Package alerttest is a behavioural test suite every alert.Store implementation must pass.
package alerttest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidewatch/smartsos/server/alert"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
)

// Factory builds an empty store that reads time from clk.
type Factory func(t *testing.T, clk clock.Clock) alert.Store

var start = time.Date(2024, 2, 14, 4, 45, 0, 0, time.UTC)

func RunStoreSuite(t *testing.T, newStore Factory) {
	t.Run("create and read back", func(t *testing.T) { testCreateAndGet(t, newStore) })
	t.Run("second active alert conflicts", func(t *testing.T) { testDuplicateConflict(t, newStore) })
	t.Run("guarded transitions", func(t *testing.T) { testGuardedTransitions(t, newStore) })
	t.Run("peers notified", func(t *testing.T) { testSetPeersNotified(t, newStore) })
	t.Run("unknown ids", func(t *testing.T) { testNotFound(t, newStore) })
	t.Run("list active", func(t *testing.T) { testListActive(t, newStore) })
	t.Run("concurrent creates for one user", func(t *testing.T) { testConcurrentCreate(t, newStore) })
	t.Run("escalate races cancel", func(t *testing.T) { testEscalateCancelRace(t, newStore) })
}

func border(km float64) *float64 {
	return &km
}

func testCreateAndGet(t *testing.T, newStore Factory) {
	mockClock := clock.NewMock(start)
	store := newStore(t, mockClock)

	created, err := store.CreateAlert(alert.NewAlert{
		UserID:             "fisher-a",
		Latitude:           13.0827,
		Longitude:          80.2707,
		Message:            "engine failure",
		DistanceFromBorder: border(12.5),
	})
	require.Nil(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, alert.StatusPending, created.Status)
	assert.True(t, start.Equal(created.CreatedAt))
	assert.Empty(t, created.PeersNotified)
	assert.Nil(t, created.EscalatedAt)
	assert.Nil(t, created.ResolvedAt)

	byID, err := store.GetAlertByID(created.ID)
	require.Nil(t, err)
	assert.Equal(t, "engine failure", byID.Message)
	require.NotNil(t, byID.DistanceFromBorder)
	assert.Equal(t, 12.5, *byID.DistanceFromBorder)

	active, err := store.GetActiveAlert("fisher-a")
	require.Nil(t, err)
	assert.Equal(t, created.ID, active.ID)

	_, err = store.CreateAlert(alert.NewAlert{UserID: ""})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func testDuplicateConflict(t *testing.T, newStore Factory) {
	store := newStore(t, clock.NewMock(start))

	first, err := store.CreateAlert(alert.NewAlert{UserID: "fisher-a"})
	require.Nil(t, err)

	_, err = store.CreateAlert(alert.NewAlert{UserID: "fisher-a"})
	assert.True(t, errors.Is(err, apperr.ErrConflict), "got %v", err)

	unchanged, err := store.GetAlertByID(first.ID)
	require.Nil(t, err)
	assert.Equal(t, alert.StatusPending, unchanged.Status)

	// An escalated alert is still active
	_, err = store.Escalate(first.ID)
	require.Nil(t, err)
	_, err = store.CreateAlert(alert.NewAlert{UserID: "fisher-a"})
	assert.True(t, errors.Is(err, apperr.ErrConflict))

	// Other users are unaffected
	_, err = store.CreateAlert(alert.NewAlert{UserID: "fisher-b"})
	assert.Nil(t, err)

	_, err = store.Cancel(first.ID)
	require.Nil(t, err)

	second, err := store.CreateAlert(alert.NewAlert{UserID: "fisher-a"})
	require.Nil(t, err, "a canceled alert should not block a new one")
	assert.NotEqual(t, first.ID, second.ID)
}

func testGuardedTransitions(t *testing.T, newStore Factory) {
	type op func(store alert.Store, id string) (alert.Transition, error)

	escalate := func(s alert.Store, id string) (alert.Transition, error) { return s.Escalate(id) }
	cancel := func(s alert.Store, id string) (alert.Transition, error) { return s.Cancel(id) }
	resolve := func(s alert.Store, id string) (alert.Transition, error) { return s.Resolve(id) }

	testCases := []struct {
		desc             string
		setup            []op
		do               op
		expectedApplied  bool
		expectedPrevious alert.Status
		expectedStatus   alert.Status
	}{
		{"escalate pending", nil, escalate, true, alert.StatusPending, alert.StatusEscalated},
		{"escalate twice", []op{escalate}, escalate, false, alert.StatusEscalated, alert.StatusEscalated},
		{"escalate canceled", []op{cancel}, escalate, false, alert.StatusCanceled, alert.StatusCanceled},
		{"escalate resolved", []op{resolve}, escalate, false, alert.StatusResolved, alert.StatusResolved},
		{"cancel pending", nil, cancel, true, alert.StatusPending, alert.StatusCanceled},
		{"cancel escalated", []op{escalate}, cancel, true, alert.StatusEscalated, alert.StatusCanceled},
		{"cancel canceled", []op{cancel}, cancel, false, alert.StatusCanceled, alert.StatusCanceled},
		{"cancel resolved", []op{resolve}, cancel, false, alert.StatusResolved, alert.StatusResolved},
		{"resolve escalated", []op{escalate}, resolve, true, alert.StatusEscalated, alert.StatusResolved},
		{"resolve canceled", []op{cancel}, resolve, false, alert.StatusCanceled, alert.StatusCanceled},
	}

	for i, tcase := range testCases {
		t.Run(tcase.desc, func(t *testing.T) {
			mockClock := clock.NewMock(start)
			store := newStore(t, mockClock)

			created, err := store.CreateAlert(alert.NewAlert{UserID: fmt.Sprintf("user-%d", i)})
			require.Nil(t, err)

			for _, setup := range tcase.setup {
				_, err := setup(store, created.ID)
				require.Nil(t, err)
			}

			mockClock.Advance(time.Minute)
			tr, err := tcase.do(store, created.ID)
			require.Nil(t, err)

			assert.Equal(t, tcase.expectedApplied, tr.Applied)
			assert.Equal(t, tcase.expectedPrevious, tr.Previous)
			assert.Equal(t, tcase.expectedStatus, tr.Alert.Status)

			stored, err := store.GetAlertByID(created.ID)
			require.Nil(t, err)
			assert.Equal(t, tcase.expectedStatus, stored.Status)

			if tcase.expectedStatus == alert.StatusEscalated {
				assert.NotNil(t, stored.EscalatedAt)
			}

			if stored.Status.IsTerminal() {
				require.NotNil(t, stored.ResolvedAt)
				_, err = store.GetActiveAlert(created.UserID)
				assert.True(t, errors.Is(err, apperr.ErrNotFound))
			}

			if tcase.expectedApplied && stored.Status.IsTerminal() {
				assert.True(t, start.Add(time.Minute).Equal(*stored.ResolvedAt))
			}
		})
	}
}

func testSetPeersNotified(t *testing.T, newStore Factory) {
	store := newStore(t, clock.NewMock(start))

	created, err := store.CreateAlert(alert.NewAlert{UserID: "fisher-a"})
	require.Nil(t, err)

	peers := []alert.PeerNotification{
		{PeerUserID: "fisher-b", DistanceKm: 5, NotifiedAt: start},
		{PeerUserID: "fisher-c", DistanceKm: 9.5, NotifiedAt: start},
	}

	tr, err := store.SetPeersNotified(created.ID, peers)
	require.Nil(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, alert.StatusPending, tr.Previous)
	assert.Equal(t, alert.StatusPeersAlerted, tr.Alert.Status)

	tr, err = store.SetPeersNotified(created.ID, peers)
	require.Nil(t, err)
	assert.True(t, tr.Applied, "repeating the fan-out record is idempotent")
	assert.Equal(t, alert.StatusPeersAlerted, tr.Alert.Status)

	stored, err := store.GetAlertByID(created.ID)
	require.Nil(t, err)
	require.Len(t, stored.PeersNotified, 2)
	assert.Equal(t, "fisher-b", stored.PeersNotified[0].PeerUserID)
	assert.Equal(t, 9.5, stored.PeersNotified[1].DistanceKm)

	_, err = store.Cancel(created.ID)
	require.Nil(t, err)

	tr, err = store.SetPeersNotified(created.ID, nil)
	require.Nil(t, err)
	assert.False(t, tr.Applied)
	assert.Len(t, tr.Alert.PeersNotified, 2, "terminal alerts keep their audit trail")
}

func testNotFound(t *testing.T, newStore Factory) {
	store := newStore(t, clock.NewMock(start))

	_, err := store.GetAlertByID("missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = store.GetActiveAlert("nobody")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = store.Escalate("missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = store.Cancel("missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = store.Resolve("missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = store.SetPeersNotified("missing", nil)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func testListActive(t *testing.T, newStore Factory) {
	mockClock := clock.NewMock(start)
	store := newStore(t, mockClock)

	a, err := store.CreateAlert(alert.NewAlert{UserID: "a"})
	require.Nil(t, err)
	mockClock.Advance(time.Second)
	b, err := store.CreateAlert(alert.NewAlert{UserID: "b"})
	require.Nil(t, err)
	mockClock.Advance(time.Second)
	c, err := store.CreateAlert(alert.NewAlert{UserID: "c"})
	require.Nil(t, err)

	_, err = store.Escalate(b.ID)
	require.Nil(t, err)
	_, err = store.Cancel(c.ID)
	require.Nil(t, err)

	active, err := store.ListActive()
	require.Nil(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, a.ID, active[0].ID)
	assert.Equal(t, b.ID, active[1].ID)
}

func testConcurrentCreate(t *testing.T, newStore Factory) {
	store := newStore(t, clock.New())

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateAlert(alert.NewAlert{UserID: "fisher-a"})

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, callers-1, conflicts)
}

func testEscalateCancelRace(t *testing.T, newStore Factory) {
	store := newStore(t, clock.New())

	for i := 0; i < 25; i++ {
		created, err := store.CreateAlert(alert.NewAlert{UserID: fmt.Sprintf("race-%d", i)})
		require.Nil(t, err)

		var escalation, cancellation alert.Transition
		wg := sync.WaitGroup{}
		wg.Add(2)
		go func() {
			defer wg.Done()
			escalation, _ = store.Escalate(created.ID)
		}()
		go func() {
			defer wg.Done()
			cancellation, _ = store.Cancel(created.ID)
		}()
		wg.Wait()

		assert.True(t, cancellation.Applied, "cancel applies from every active status")
		assert.Equal(t, alert.StatusCanceled, cancellation.Alert.Status)

		if escalation.Applied {
			assert.Equal(t, alert.StatusEscalated, cancellation.Previous,
				"an escalation that won must be visible to the cancel that lost")
		} else {
			assert.Equal(t, alert.StatusCanceled, escalation.Previous)
			assert.NotEqual(t, alert.StatusEscalated, cancellation.Previous)
		}
	}
}
