package models

// SequenceReferralCode names the counter backing referral code numbers
const SequenceReferralCode = "referral_code"

// Sequence is a named monotonically increasing counter
type Sequence struct {
	Name  string `gorm:"type:varchar(50);primary_key" json:"name"`
	Value int64  `gorm:"not null;default:0" json:"value"`
}
