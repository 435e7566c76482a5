package models

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReferralStatus is the state of a referral record
type ReferralStatus string

const (
	ReferralStatusPending   ReferralStatus = "pending"
	ReferralStatusCompleted ReferralStatus = "completed"
	ReferralStatusExpired   ReferralStatus = "expired"
	ReferralStatusCancelled ReferralStatus = "cancelled"
)

// AllReferralStatuses lists every status, used for stats reporting
var AllReferralStatuses = []ReferralStatus{
	ReferralStatusPending,
	ReferralStatusCompleted,
	ReferralStatusExpired,
	ReferralStatusCancelled,
}

// IsTerminal reports whether no further transitions are allowed
func (s ReferralStatus) IsTerminal() bool {
	return s != ReferralStatusPending
}

// IsActive reports whether the status counts towards the one-referral-per-driver rule
func (s ReferralStatus) IsActive() bool {
	return s == ReferralStatusPending || s == ReferralStatusCompleted
}

// ReferralProgress holds the referred driver's counters
type ReferralProgress struct {
	DeliveriesCompleted int             `gorm:"not null;default:0" json:"deliveries_completed"`
	TotalEarnings       decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"total_earnings"`
	DaysActive          int             `gorm:"not null;default:0" json:"days_active"`
}

// CompletionCriteria are the thresholds fixed when the record is created
type CompletionCriteria struct {
	RequiredDeliveries int             `gorm:"not null" json:"required_deliveries"`
	RequiredEarnings   decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"required_earnings"`
	RequiredDays       int             `gorm:"not null" json:"required_days"`
}

// ReferralRewards holds the amounts and the per-side claim flags
type ReferralRewards struct {
	ReferrerAmount  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"referrer_amount"`
	ReferredAmount  decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"referred_amount"`
	ReferrerClaimed bool            `gorm:"not null;default:false" json:"referrer_claimed"`
	ReferredClaimed bool            `gorm:"not null;default:false" json:"referred_claimed"`
}

// Referral tracks one relationship between a referring and a referred driver
type Referral struct {
	Base
	ReferrerID     uuid.UUID          `gorm:"type:uuid;not null;index" json:"referrer_id"`
	ReferredID     *uuid.UUID         `gorm:"type:uuid" json:"referred_id,omitempty"`
	ReferralCode   string             `gorm:"type:varchar(50);uniqueIndex;not null" json:"referral_code"`
	Status         ReferralStatus     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Progress       ReferralProgress   `gorm:"embedded;embeddedPrefix:progress_" json:"progress"`
	Criteria       CompletionCriteria `gorm:"embedded;embeddedPrefix:criteria_" json:"completion_criteria"`
	Rewards        ReferralRewards    `gorm:"embedded;embeddedPrefix:rewards_" json:"rewards"`
	StartDate      time.Time          `gorm:"not null" json:"start_date"`
	CompletionDate *time.Time         `json:"completion_date,omitempty"`
	ExpiryDate     time.Time          `gorm:"not null;index" json:"expiry_date"`
	Version        int64              `gorm:"not null;default:0" json:"-"`
}

// IsExpiredAt reports whether a pending record has outlived its expiry date
func (r *Referral) IsExpiredAt(now time.Time) bool {
	return r.Status == ReferralStatusPending && now.After(r.ExpiryDate)
}

// IsOpen reports whether the code can still be redeemed by a new driver
func (r *Referral) IsOpen(now time.Time) bool {
	return r.Status == ReferralStatusPending && r.ReferredID == nil && !now.After(r.ExpiryDate)
}

// ApplyProgress merges counters keeping every field monotonically non-decreasing.
// It reports whether any field moved.
func (r *Referral) ApplyProgress(p ReferralProgress) bool {
	changed := false
	if p.DeliveriesCompleted > r.Progress.DeliveriesCompleted {
		r.Progress.DeliveriesCompleted = p.DeliveriesCompleted
		changed = true
	}
	if p.TotalEarnings.GreaterThan(r.Progress.TotalEarnings) {
		r.Progress.TotalEarnings = p.TotalEarnings
		changed = true
	}
	if p.DaysActive > r.Progress.DaysActive {
		r.Progress.DaysActive = p.DaysActive
		changed = true
	}
	return changed
}

// CriteriaMet reports whether all three thresholds are reached at once
func (r *Referral) CriteriaMet() bool {
	return r.Progress.DeliveriesCompleted >= r.Criteria.RequiredDeliveries &&
		r.Progress.TotalEarnings.GreaterThanOrEqual(r.Criteria.RequiredEarnings) &&
		r.Progress.DaysActive >= r.Criteria.RequiredDays
}

// CompletionPercentage is the rounded mean of the clamped per-criterion ratios, 0-100
func (r *Referral) CompletionPercentage() int {
	if r.Status == ReferralStatusCompleted {
		return 100
	}
	deliveries := clampedRatio(float64(r.Progress.DeliveriesCompleted), float64(r.Criteria.RequiredDeliveries))
	earnings := clampedRatio(r.Progress.TotalEarnings.InexactFloat64(), r.Criteria.RequiredEarnings.InexactFloat64())
	days := clampedRatio(float64(r.Progress.DaysActive), float64(r.Criteria.RequiredDays))
	return int(math.Round((deliveries + earnings + days) / 3 * 100))
}

func clampedRatio(value, required float64) float64 {
	if required <= 0 {
		return 1
	}
	return math.Min(value/required, 1)
}

// Complete moves a pending record to completed
func (r *Referral) Complete(now time.Time) bool {
	if r.Status != ReferralStatusPending {
		return false
	}
	r.Status = ReferralStatusCompleted
	r.CompletionDate = &now
	return true
}

// Close moves a pending record to a terminal, non-completed status
func (r *Referral) Close(status ReferralStatus) bool {
	if r.Status != ReferralStatusPending || status == ReferralStatusPending || status == ReferralStatusCompleted {
		return false
	}
	r.Status = status
	return true
}
