// Package location owns the freshest known position of every tracked user.
package location

import (
	"sort"
	"strings"
	"time"

	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
	"github.com/tidewatch/smartsos/server/geo"
)

type UserLocation struct {
	UserID      string    `json:"user_id"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	LastUpdated time.Time `json:"last_updated"`
	Online      bool      `json:"online"`
}

type NearbyUser struct {
	UserLocation
	DistanceKm float64 `json:"distance_km"`
}

// Registry is the read/write surface the coordinator and the HTTP layer use.
type Registry interface {
	UpdateLocation(userID string, lat, lon float64, online bool) (UserLocation, error)
	GetLocation(userID string) (UserLocation, error)
	QueryNearby(lat, lon, radiusKm float64) ([]NearbyUser, error)
}

// MemoryRegistry keeps locations in a geo.Index. Records are never evicted;
// a user who goes silent without reporting online=false stays discoverable
// until their next update.
type MemoryRegistry struct {
	index *geo.Index
	clock clock.Clock
}

func NewMemoryRegistry(clk clock.Clock) *MemoryRegistry {
	return &MemoryRegistry{index: geo.NewIndex(), clock: clk}
}

// UpdateLocation upserts the user's position. Last write wins.
func (r *MemoryRegistry) UpdateLocation(userID string, lat, lon float64, online bool) (UserLocation, error) {
	if strings.TrimSpace(userID) == "" {
		return UserLocation{}, apperr.InvalidArgument("user id is required")
	}

	if err := ValidateCoordinates(lat, lon); err != nil {
		return UserLocation{}, err
	}

	p := geo.Point{
		Key:       userID,
		Latitude:  lat,
		Longitude: lon,
		Online:    online,
		UpdatedAt: r.clock.Now(),
	}
	r.index.Put(p)

	return fromPoint(p), nil
}

func (r *MemoryRegistry) GetLocation(userID string) (UserLocation, error) {
	p, ok := r.index.Get(userID)
	if !ok {
		return UserLocation{}, apperr.NotFound("no location reported for user %v", userID)
	}

	return fromPoint(p), nil
}

// QueryNearby returns the online users within radiusKm of (lat, lon), nearest first.
func (r *MemoryRegistry) QueryNearby(lat, lon, radiusKm float64) ([]NearbyUser, error) {
	if err := ValidateCoordinates(lat, lon); err != nil {
		return nil, err
	}

	if radiusKm < 0 {
		return nil, apperr.InvalidArgument("radius %v must not be negative", radiusKm)
	}

	hits := r.index.Within(lat, lon, radiusKm, func(p geo.Point) bool { return p.Online })

	nearby := make([]NearbyUser, 0, len(hits))
	for _, hit := range hits {
		nearby = append(nearby, NearbyUser{UserLocation: fromPoint(hit.Point), DistanceKm: hit.DistanceKm})
	}

	sort.Slice(nearby, func(i, j int) bool {
		return nearby[i].DistanceKm < nearby[j].DistanceKm
	})

	return nearby, nil
}

func ValidateCoordinates(lat, lon float64) error {
	if !geo.ValidLatitude(lat) {
		return apperr.InvalidArgument("latitude %v must be within [-90, 90]", lat)
	}

	if !geo.ValidLongitude(lon) {
		return apperr.InvalidArgument("longitude %v must be within [-180, 180]", lon)
	}

	return nil
}

func fromPoint(p geo.Point) UserLocation {
	return UserLocation{
		UserID:      p.Key,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		LastUpdated: p.UpdatedAt,
		Online:      p.Online,
	}
}
