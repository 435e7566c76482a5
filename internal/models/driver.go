package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Driver is the read-only view of a driver owned by the profile service
type Driver struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	FirstName string    `gorm:"type:varchar(100);not null" json:"first_name"`
	LastName  string    `gorm:"type:varchar(100)" json:"last_name"`
	Phone     string    `gorm:"type:varchar(30)" json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

// DisplayName returns the name shown on leaderboards
func (d Driver) DisplayName() string {
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}
