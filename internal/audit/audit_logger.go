package audit

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Action names an audited administrative operation
type Action string

const (
	ActionCancelReferral Action = "referral.cancel"
	ActionExpireReferral Action = "referral.expire"
	ActionExpireBalance  Action = "balance.expire"
)

// ActorHeader carries the operator identity set by the admin gateway
const ActorHeader = "X-Admin-Actor"

// AuditLog represents an audit log entry in the database
type AuditLog struct {
	ID        uuid.UUID         `gorm:"type:uuid;primary_key;default:gen_random_uuid()" json:"id"`
	Action    Action            `gorm:"type:varchar(50);not null;index" json:"action"`
	TargetID  uuid.UUID         `gorm:"type:uuid;not null;index" json:"target_id"`
	Actor     string            `gorm:"type:varchar(100)" json:"actor"`
	IPAddress string            `gorm:"type:varchar(64)" json:"ip_address"`
	UserAgent string            `gorm:"type:text" json:"user_agent"`
	Success   bool              `gorm:"not null;index" json:"success"`
	Error     string            `gorm:"type:text" json:"error,omitempty"`
	Metadata  datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt time.Time         `gorm:"not null;index" json:"created_at"`
}

// NewEntry builds an audit entry from the request that triggered the action
func NewEntry(c *gin.Context, action Action, targetID uuid.UUID, actionErr error, metadata map[string]interface{}, at time.Time) AuditLog {
	entry := AuditLog{
		Action:    action,
		TargetID:  targetID,
		Success:   actionErr == nil,
		Metadata:  metadata,
		CreatedAt: at,
	}
	if actionErr != nil {
		entry.Error = actionErr.Error()
	}
	if c != nil && c.Request != nil {
		entry.Actor = c.GetHeader(ActorHeader)
		entry.IPAddress = c.ClientIP()
		entry.UserAgent = c.GetHeader("User-Agent")
	}
	if entry.Actor == "" {
		entry.Actor = "unknown"
	}
	return entry
}

// Logger is the audit logger
type Logger struct {
	db *gorm.DB
}

// NewLogger creates a new audit logger
func NewLogger(db *gorm.DB) *Logger {
	return &Logger{db: db}
}

// RecordAdminAction persists an audit entry. Failures are logged, not returned.
func (l *Logger) RecordAdminAction(c *gin.Context, action Action, targetID uuid.UUID, actionErr error, metadata map[string]interface{}) {
	entry := NewEntry(c, action, targetID, actionErr, metadata, time.Now().UTC())
	if err := l.db.WithContext(c.Request.Context()).Create(&entry).Error; err != nil {
		log.Printf("Failed to record audit entry %s for %s: %v", action, targetID, err)
	}
}

// ListByTarget gets audit entries for a referral or driver, most recent first
func (l *Logger) ListByTarget(ctx context.Context, targetID uuid.UUID, limit int) ([]AuditLog, error) {
	var logs []AuditLog
	err := l.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, fmt.Errorf("error getting audit logs: %w", err)
	}
	return logs, nil
}
