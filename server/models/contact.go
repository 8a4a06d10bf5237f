package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/tidewatch/smartsos/server/apperr"
	"github.com/tidewatch/smartsos/server/clock"
	"github.com/tidewatch/smartsos/server/contact"
	"gorm.io/gorm"
)

type EmergencyContact struct {
	ID           string `gorm:"primaryKey;size:36"`
	UserID       string `gorm:"not null;index"`
	Name         string `gorm:"not null"`
	PhoneNumber  string `gorm:"not null"`
	Relationship string
	Priority     int `gorm:"not null;default:1"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ContactStore is the gorm backed contact.Store.
type ContactStore struct {
	db    *gorm.DB
	clock clock.Clock
}

func NewContactStore(db *gorm.DB, clk clock.Clock) *ContactStore {
	return &ContactStore{db: db, clock: clk}
}

func (s *ContactStore) Create(c contact.EmergencyContact) (contact.EmergencyContact, error) {
	if c.UserID == "" {
		return contact.EmergencyContact{}, apperr.InvalidArgument("user id is required")
	}

	if c.Priority == 0 {
		c.Priority = 1
	}

	row := EmergencyContact{
		ID:           uuid.NewString(),
		UserID:       c.UserID,
		Name:         c.Name,
		PhoneNumber:  c.PhoneNumber,
		Relationship: c.Relationship,
		Priority:     c.Priority,
		CreatedAt:    s.clock.Now(),
	}

	if err := s.db.Create(&row).Error; err != nil {
		return contact.EmergencyContact{}, err
	}

	return row.toContact(), nil
}

func (s *ContactStore) List(userID string) ([]contact.EmergencyContact, error) {
	rows := []EmergencyContact{}
	err := s.db.Where("user_id = ?", userID).Order("priority asc, created_at asc").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	contacts := make([]contact.EmergencyContact, 0, len(rows))
	for _, row := range rows {
		contacts = append(contacts, row.toContact())
	}

	return contacts, nil
}

func (s *ContactStore) Update(userID, id string, data map[string]interface{}) (contact.EmergencyContact, error) {
	row, err := s.find(userID, id)
	if err != nil {
		return contact.EmergencyContact{}, err
	}

	update := contact.NormalizeUpdate(data)
	if len(update) > 0 {
		if err = s.db.Model(row).Updates(update).Error; err != nil {
			return contact.EmergencyContact{}, err
		}
	}

	row, err = s.find(userID, id)
	if err != nil {
		return contact.EmergencyContact{}, err
	}

	return row.toContact(), nil
}

func (s *ContactStore) Delete(userID, id string) error {
	res := s.db.Where("user_id = ? AND id = ?", userID, id).Delete(&EmergencyContact{})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected == 0 {
		return apperr.NotFound("contact %v for user %v", id, userID)
	}

	return nil
}

func (s *ContactStore) find(userID, id string) (*EmergencyContact, error) {
	row := EmergencyContact{}
	res := s.db.Where("user_id = ? AND id = ?", userID, id).Limit(1).Find(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("contact %v for user %v", id, userID)
	}

	return &row, nil
}

func (row EmergencyContact) toContact() contact.EmergencyContact {
	return contact.EmergencyContact{
		ID:           row.ID,
		UserID:       row.UserID,
		Name:         row.Name,
		PhoneNumber:  row.PhoneNumber,
		Relationship: row.Relationship,
		Priority:     row.Priority,
		CreatedAt:    row.CreatedAt,
	}
}
