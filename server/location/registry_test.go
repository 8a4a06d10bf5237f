package location

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
	"github.com/tidewatch/smartsos/server/geo"
)

const originLat, originLon = 13.0827, 80.2707

func kmNorth(km float64) float64 {
	return originLat + km/geo.EarthRadiusKm*180/3.141592653589793
}

func TestUpdateLocation(t *testing.T) {
	start := time.Date(2024, 3, 1, 5, 30, 0, 0, time.UTC)
	mockClock := clock.NewMock(start)
	registry := NewMemoryRegistry(mockClock)

	loc, err := registry.UpdateLocation("fisher-a", originLat, originLon, true)
	require.Nil(t, err)
	assert.Equal(t, "fisher-a", loc.UserID)
	assert.Equal(t, start, loc.LastUpdated)
	assert.True(t, loc.Online)

	mockClock.Advance(30 * time.Second)
	_, err = registry.UpdateLocation("fisher-a", 13.1, 80.3, false)
	require.Nil(t, err)

	loc, err = registry.GetLocation("fisher-a")
	require.Nil(t, err)
	assert.Equal(t, 13.1, loc.Latitude, "last write should win")
	assert.False(t, loc.Online)
	assert.Equal(t, start.Add(30*time.Second), loc.LastUpdated)
}

func TestUpdateLocationRejectsInvalidInput(t *testing.T) {
	registry := NewMemoryRegistry(clock.New())

	testCases := []struct {
		desc     string
		userID   string
		lat, lon float64
	}{
		{"missing user", " ", 0, 0},
		{"latitude above range", "u", 90.5, 0},
		{"latitude below range", "u", -91, 0},
		{"longitude above range", "u", 0, 180.1},
		{"longitude below range", "u", 0, -200},
	}

	for _, tcase := range testCases {
		t.Run(tcase.desc, func(t *testing.T) {
			_, err := registry.UpdateLocation(tcase.userID, tcase.lat, tcase.lon, true)
			assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestGetLocationNotFound(t *testing.T) {
	registry := NewMemoryRegistry(clock.New())

	_, err := registry.GetLocation("ghost")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestQueryNearby(t *testing.T) {
	registry := NewMemoryRegistry(clock.New())

	registry.UpdateLocation("at-14.99", kmNorth(14.99), originLon, true)
	registry.UpdateLocation("at-15.01", kmNorth(15.01), originLon, true)
	registry.UpdateLocation("at-5", kmNorth(5), originLon, true)
	registry.UpdateLocation("offline-at-1", kmNorth(1), originLon, false)

	nearby, err := registry.QueryNearby(originLat, originLon, 15)
	require.Nil(t, err)

	ids := []string{}
	for _, n := range nearby {
		ids = append(ids, n.UserID)
	}
	assert.Equal(t, []string{"at-5", "at-14.99"}, ids, "should be nearest first, online only, inclusive radius")
	assert.InDelta(t, 5, nearby[0].DistanceKm, 0.001)

	empty, err := registry.QueryNearby(-45, 0, 15)
	require.Nil(t, err)
	assert.Empty(t, empty)

	_, err = registry.QueryNearby(originLat, originLon, -1)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	_, err = registry.QueryNearby(100, originLon, 15)
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestConcurrentUpdatesForDifferentUsers(t *testing.T) {
	registry := NewMemoryRegistry(clock.New())
	wg := sync.WaitGroup{}

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := registry.UpdateLocation(fmt.Sprintf("boat-%d", i), originLat, originLon, true)
			assert.Nil(t, err)
		}(i)
	}
	wg.Wait()

	nearby, err := registry.QueryNearby(originLat, originLon, 1)
	require.Nil(t, err)
	assert.Len(t, nearby, 100)
}
