package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/grpdelivery/rewards/internal/audit"
	"gorm.io/gorm"
)

// CreateAuditLogs creates the admin audit trail table
func CreateAuditLogs() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_audit_logs",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&audit.AuditLog{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&audit.AuditLog{})
		},
	}
}
