package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EntryKind classifies a ledger history entry
type EntryKind string

const (
	EntryKindAward      EntryKind = "award"
	EntryKindRedemption EntryKind = "redemption"
	EntryKindExpiry     EntryKind = "expiry"
)

// LedgerAccount is a driver's reward balance
type LedgerAccount struct {
	Base
	DriverID uuid.UUID       `gorm:"type:uuid;uniqueIndex;not null" json:"driver_id"`
	Total    decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total"`
	Redeemed decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"redeemed"`
	Version  int64           `gorm:"not null;default:0" json:"-"`
}

// Available is what the driver can still redeem
func (a *LedgerAccount) Available() decimal.Decimal {
	return a.Total.Sub(a.Redeemed)
}

// LedgerEntry is one append-only line of an account's history
type LedgerEntry struct {
	ID           uuid.UUID         `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	DriverID     uuid.UUID         `gorm:"type:uuid;not null;index:idx_ledger_entries_driver_created,priority:1" json:"driver_id"`
	Kind         EntryKind         `gorm:"type:varchar(20);not null" json:"kind"`
	Amount       decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"amount"`
	BalanceAfter decimal.Decimal   `gorm:"type:decimal(20,2);not null" json:"balance_after"`
	Description  string            `gorm:"type:text" json:"description"`
	ReferralID   *uuid.UUID        `gorm:"type:uuid;index" json:"referral_id,omitempty"`
	Metadata     datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt    time.Time         `gorm:"not null;index:idx_ledger_entries_driver_created,priority:2" json:"created_at"`
}

// BeforeCreate will set a UUID rather than numeric ID
func (e *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// LeaderboardEntry is one ranked row of the referral leaderboard
type LeaderboardEntry struct {
	Rank     int             `json:"rank"`
	DriverID uuid.UUID       `json:"driver_id"`
	Name     string          `json:"name"`
	Total    decimal.Decimal `json:"total"`
}
