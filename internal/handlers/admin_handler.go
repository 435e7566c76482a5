package handlers

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/audit"
	"github.com/grpdelivery/rewards/internal/queue"
	"github.com/grpdelivery/rewards/internal/services/ledger"
	"github.com/grpdelivery/rewards/internal/services/referral"
	"github.com/shopspring/decimal"
)

// QueueStatsProvider reports queue depth for the admin dashboard
type QueueStatsProvider interface {
	GetQueueStats(ctx context.Context, jobType queue.JobType) (*queue.QueueStats, error)
}

// AuditTrail records and lists administrative actions
type AuditTrail interface {
	RecordAdminAction(c *gin.Context, action audit.Action, targetID uuid.UUID, actionErr error, metadata map[string]interface{})
	ListByTarget(ctx context.Context, targetID uuid.UUID, limit int) ([]audit.AuditLog, error)
}

// AdminReferralHandler handles administrative referral actions
type AdminReferralHandler struct {
	referralService *referral.ReferralService
	queueStats      QueueStatsProvider
	auditTrail      AuditTrail
}

// NewAdminReferralHandler creates a new admin referral handler. queueStats and auditTrail may be nil.
func NewAdminReferralHandler(referralService *referral.ReferralService, queueStats QueueStatsProvider, auditTrail AuditTrail) *AdminReferralHandler {
	return &AdminReferralHandler{
		referralService: referralService,
		queueStats:      queueStats,
		auditTrail:      auditTrail,
	}
}

func (h *AdminReferralHandler) record(c *gin.Context, action audit.Action, targetID uuid.UUID, actionErr error, metadata map[string]interface{}) {
	if h.auditTrail == nil {
		return
	}
	h.auditTrail.RecordAdminAction(c, action, targetID, actionErr, metadata)
}

// CancelReferral cancels a pending referral
func (h *AdminReferralHandler) CancelReferral(c *gin.Context) {
	referralID, ok := uuidParam(c, "id", "referral ID")
	if !ok {
		return
	}

	r, err := h.referralService.CancelReferral(c.Request.Context(), referralID)
	h.record(c, audit.ActionCancelReferral, referralID, err, nil)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, r)
}

// ExpireReferral expires a pending referral
func (h *AdminReferralHandler) ExpireReferral(c *gin.Context) {
	referralID, ok := uuidParam(c, "id", "referral ID")
	if !ok {
		return
	}

	r, err := h.referralService.ExpireReferral(c.Request.Context(), referralID)
	h.record(c, audit.ActionExpireReferral, referralID, err, nil)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, r)
}

// GetReferral returns a single referral with its completion percentage
func (h *AdminReferralHandler) GetReferral(c *gin.Context) {
	referralID, ok := uuidParam(c, "id", "referral ID")
	if !ok {
		return
	}

	view, err := h.referralService.GetReferral(c.Request.Context(), referralID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// ExpireBalance forcibly zeroes out part of a driver's available balance
func (h *AdminReferralHandler) ExpireBalance(c *gin.Context) {
	driverID, ok := uuidParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	var input struct {
		Amount      decimal.Decimal `json:"amount"`
		Description string          `json:"description"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.referralService.ExpireBalance(c.Request.Context(), driverID, input.Amount, input.Description)
	h.record(c, audit.ActionExpireBalance, driverID, err, map[string]interface{}{
		"amount":      input.Amount.String(),
		"description": input.Description,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":     account.Total,
		"redeemed":  account.Redeemed,
		"available": account.Available(),
	})
}

// GetStats returns program-wide referral statistics
func (h *AdminReferralHandler) GetStats(c *gin.Context) {
	stats, err := h.referralService.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	response := gin.H{"stats": stats}
	if h.queueStats != nil {
		qs, err := h.queueStats.GetQueueStats(c.Request.Context(), queue.JobTypeAdvanceReferralProgress)
		if err != nil {
			log.Printf("Failed to get queue stats: %v", err)
		} else {
			response["queue"] = qs
		}
	}

	c.JSON(http.StatusOK, response)
}

// GetAuditLog lists recorded admin actions against a referral or driver
func (h *AdminReferralHandler) GetAuditLog(c *gin.Context) {
	targetID, ok := uuidParam(c, "targetId", "target ID")
	if !ok {
		return
	}
	if h.auditTrail == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit trail unavailable"})
		return
	}

	limit, ok := limitQuery(c)
	if !ok {
		return
	}
	if limit <= 0 || limit > ledger.MaxListLimit {
		limit = ledger.MaxListLimit
	}

	logs, err := h.auditTrail.ListByTarget(c.Request.Context(), targetID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"audit": logs})
}
