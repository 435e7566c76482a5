package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/grpdelivery/rewards/internal/models"
	"gorm.io/gorm"
)

// SeedReferralCodeSequence starts the code counter after the highest imported code
func SeedReferralCodeSequence() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_seed_referral_code_sequence",
		Migrate: func(tx *gorm.DB) error {
			return tx.Exec(`
				INSERT INTO sequences (name, value)
				SELECT ?, COALESCE(MAX(CAST(substring(referral_code FROM '([0-9]+)-[A-Z]{2}$') AS BIGINT)), 0)
				FROM referrals
				ON CONFLICT (name) DO UPDATE SET value = GREATEST(sequences.value, EXCLUDED.value)
			`, models.SequenceReferralCode).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Where("name = ?", models.SequenceReferralCode).Delete(&models.Sequence{}).Error
		},
	}
}
