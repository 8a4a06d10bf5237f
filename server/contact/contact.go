// Package contact keeps the emergency contacts consulted on the authority escalation path.
package contact

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
)

const (
	RelationshipFamily     = "family"
	RelationshipFriend     = "friend"
	RelationshipAuthority  = "authority"
	RelationshipCoastGuard = "coast_guard"
)

var RelationshipNameMap = map[string]bool{
	RelationshipFamily:     true,
	RelationshipFriend:     true,
	RelationshipAuthority:  true,
	RelationshipCoastGuard: true,
}

type EmergencyContact struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name" validate:"required"`
	PhoneNumber  string    `json:"phone_number" validate:"required,e164"`
	Relationship string    `json:"relationship" validate:"omitempty,relationship"`
	Priority     int       `json:"priority" validate:"gte=1"`
	CreatedAt    time.Time `json:"created_at"`
}

type Store interface {
	Create(c EmergencyContact) (EmergencyContact, error)
	// List returns the user's contacts, highest priority (lowest number) first.
	List(userID string) ([]EmergencyContact, error)
	Update(userID, id string, data map[string]interface{}) (EmergencyContact, error)
	Delete(userID, id string) error
}

// UpdatableFields are the keys Update accepts; anything else is dropped.
var UpdatableFields = map[string]bool{"name": true, "phone_number": true, "relationship": true, "priority": true}

// SortByPriority orders contacts by priority, then creation time.
func SortByPriority(contacts []EmergencyContact) {
	sort.SliceStable(contacts, func(i, j int) bool {
		if contacts[i].Priority == contacts[j].Priority {
			return contacts[i].CreatedAt.Before(contacts[j].CreatedAt)
		}
		return contacts[i].Priority < contacts[j].Priority
	})
}

type MemoryStore struct {
	clock    clock.Clock
	mu       sync.RWMutex
	contacts map[string][]EmergencyContact
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clk, contacts: make(map[string][]EmergencyContact)}
}

func (s *MemoryStore) Create(c EmergencyContact) (EmergencyContact, error) {
	if c.UserID == "" {
		return EmergencyContact{}, apperr.InvalidArgument("user id is required")
	}

	c.ID = uuid.NewString()
	c.CreatedAt = s.clock.Now()
	if c.Priority == 0 {
		c.Priority = 1
	}

	s.mu.Lock()
	s.contacts[c.UserID] = append(s.contacts[c.UserID], c)
	s.mu.Unlock()

	return c, nil
}

func (s *MemoryStore) List(userID string) ([]EmergencyContact, error) {
	s.mu.RLock()
	contacts := append([]EmergencyContact{}, s.contacts[userID]...)
	s.mu.RUnlock()

	SortByPriority(contacts)
	return contacts, nil
}

func (s *MemoryStore) Update(userID, id string, data map[string]interface{}) (EmergencyContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, c := range s.contacts[userID] {
		if c.ID != id {
			continue
		}

		if v, ok := data["name"].(string); ok {
			c.Name = v
		}
		if v, ok := data["phone_number"].(string); ok {
			c.PhoneNumber = v
		}
		if v, ok := data["relationship"].(string); ok {
			c.Relationship = v
		}
		if v, ok := data["priority"]; ok {
			c.Priority = toInt(v, c.Priority)
		}

		s.contacts[userID][i] = c
		return c, nil
	}

	return EmergencyContact{}, apperr.NotFound("contact %v for user %v", id, userID)
}

func (s *MemoryStore) Delete(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contacts := s.contacts[userID]
	for i, c := range contacts {
		if c.ID == id {
			s.contacts[userID] = append(contacts[:i], contacts[i+1:]...)
			return nil
		}
	}

	return apperr.NotFound("contact %v for user %v", id, userID)
}

// toInt accepts the numeric shapes a decoded JSON body can carry.
func toInt(v interface{}, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}

// NormalizeUpdate keeps the updatable keys of data and coerces priority to an int.
func NormalizeUpdate(data map[string]interface{}) map[string]interface{} {
	update := make(map[string]interface{})
	for key, value := range data {
		if !UpdatableFields[key] {
			continue
		}
		if key == "priority" {
			value = toInt(value, 1)
		}
		update[key] = value
	}
	return update
}
