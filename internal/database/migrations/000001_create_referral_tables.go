package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/grpdelivery/rewards/internal/models"
	"gorm.io/gorm"
)

// CreateReferralTables creates the referral, ledger and sequence tables
func CreateReferralTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_referral_tables",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error; err != nil {
				return err
			}

			// drivers belongs to the profile service; AutoMigrate only creates it when missing
			if err := tx.AutoMigrate(
				&models.Driver{},
				&models.Sequence{},
				&models.Referral{},
				&models.LedgerAccount{},
				&models.LedgerEntry{},
			); err != nil {
				return err
			}

			// at most one active referral per referred driver
			if err := tx.Exec(`
				CREATE UNIQUE INDEX IF NOT EXISTS idx_referrals_active_referred
				ON referrals (referred_id)
				WHERE referred_id IS NOT NULL AND status IN ('pending', 'completed')
			`).Error; err != nil {
				return err
			}

			if err := tx.Exec(`
				ALTER TABLE referrals
				ADD CONSTRAINT chk_referrals_not_self CHECK (referred_id IS NULL OR referred_id <> referrer_id)
			`).Error; err != nil {
				return err
			}

			return tx.Exec(`
				ALTER TABLE ledger_accounts
				ADD CONSTRAINT chk_ledger_accounts_balance CHECK (total >= 0 AND redeemed >= 0 AND total >= redeemed)
			`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&models.LedgerEntry{},
				&models.LedgerAccount{},
				&models.Referral{},
				&models.Sequence{},
			)
		},
	}
}
