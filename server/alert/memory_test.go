package alert_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tidewatch/smartsos/server/alert"
	"github.com/tidewatch/smartsos/server/alert/alerttest"
	"github.com/tidewatch/smartsos/server/clock"
)

func TestMemoryStore(t *testing.T) {
	alerttest.RunStoreSuite(t, func(t *testing.T, clk clock.Clock) alert.Store {
		return alert.NewMemoryStore(clk)
	})
}

func TestReturnedAlertsAreCopies(t *testing.T) {
	store := alert.NewMemoryStore(clock.NewMock(time.Now()))

	created, _ := store.CreateAlert(alert.NewAlert{UserID: "fisher-a"})
	store.SetPeersNotified(created.ID, []alert.PeerNotification{{PeerUserID: "fisher-b"}})

	first, _ := store.GetAlertByID(created.ID)
	first.PeersNotified[0].PeerUserID = "tampered"
	first.Status = alert.StatusResolved

	second, _ := store.GetAlertByID(created.ID)
	assert.Equal(t, "fisher-b", second.PeersNotified[0].PeerUserID)
	assert.Equal(t, alert.StatusPeersAlerted, second.Status)
}

func TestBorderZone(t *testing.T) {
	km := func(v float64) *float64 { return &v }

	testCases := []struct {
		distance     *float64
		expectedZone string
	}{
		{nil, alert.BorderZoneUnknown},
		{km(25), alert.BorderZoneSafe},
		{km(20), alert.BorderZoneCaution},
		{km(10.5), alert.BorderZoneCaution},
		{km(10), alert.BorderZoneWarning},
		{km(5), alert.BorderZoneDanger},
		{km(0), alert.BorderZoneDanger},
	}

	for _, tcase := range testCases {
		assert.Equal(t, tcase.expectedZone, alert.BorderZone(tcase.distance))
	}
}

func TestStatusPredicates(t *testing.T) {
	for _, status := range alert.ActiveStatuses {
		assert.True(t, status.IsActive())
		assert.False(t, status.IsTerminal())
	}
	assert.True(t, alert.StatusCanceled.IsTerminal())
	assert.True(t, alert.StatusResolved.IsTerminal())
	assert.Len(t, alert.StatusNameMap, 5)
}
