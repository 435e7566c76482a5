package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/services/referral"
	"github.com/shopspring/decimal"
)

// ProgressEnqueuer queues progress updates for the background processor
type ProgressEnqueuer interface {
	Enqueue(ctx context.Context, update referral.ProgressUpdate) (string, error)
}

// ReferralHandler handles driver-facing referral requests
type ReferralHandler struct {
	referralService *referral.ReferralService
	progressQueue   ProgressEnqueuer
}

// NewReferralHandler creates a new referral handler. progressQueue may be nil,
// in which case asynchronous progress updates are rejected.
func NewReferralHandler(referralService *referral.ReferralService, progressQueue ProgressEnqueuer) *ReferralHandler {
	return &ReferralHandler{
		referralService: referralService,
		progressQueue:   progressQueue,
	}
}

// GenerateCode creates a new referral code for a driver
func (h *ReferralHandler) GenerateCode(c *gin.Context) {
	driverID, ok := uuidParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	code, err := h.referralService.GenerateCode(c.Request.Context(), driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"referral_code": code})
}

// GetCode returns the driver's open referral code, creating one if needed
func (h *ReferralHandler) GetCode(c *gin.Context) {
	driverID, ok := uuidParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	code, err := h.referralService.GetOrCreateCode(c.Request.Context(), driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"referral_code": code})
}

// RedeemCode links a new driver to the referral behind a code
func (h *ReferralHandler) RedeemCode(c *gin.Context) {
	var input struct {
		Code     string    `json:"code" binding:"required"`
		DriverID uuid.UUID `json:"driver_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.referralService.RedeemCode(c.Request.Context(), input.Code, input.DriverID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type progressInput struct {
	DriverID            uuid.UUID       `json:"driver_id" binding:"required"`
	DeliveriesCompleted int             `json:"deliveries_completed"`
	TotalEarnings       decimal.Decimal `json:"total_earnings"`
	DaysActive          int             `json:"days_active"`
}

func (in progressInput) update() referral.ProgressUpdate {
	return referral.ProgressUpdate{
		ReferredID:          in.DriverID,
		DeliveriesCompleted: in.DeliveriesCompleted,
		TotalEarnings:       in.TotalEarnings,
		DaysActive:          in.DaysActive,
	}
}

// AdvanceProgress applies a referred driver's counters synchronously
func (h *ReferralHandler) AdvanceProgress(c *gin.Context) {
	var input progressInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.referralService.AdvanceProgress(c.Request.Context(), input.update())
	if err != nil {
		respondError(c, err)
		return
	}

	if result == nil {
		c.JSON(http.StatusOK, gin.H{"message": "no active referral for driver"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// EnqueueProgress queues a progress update for background processing
func (h *ReferralHandler) EnqueueProgress(c *gin.Context) {
	if h.progressQueue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "background processing is not available"})
		return
	}

	var input progressInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID, err := h.progressQueue.Enqueue(c.Request.Context(), input.update())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID})
}

// GetStats returns a driver's referral counts and balance
func (h *ReferralHandler) GetStats(c *gin.Context) {
	driverID, ok := uuidParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	stats, err := h.referralService.GetStats(c.Request.Context(), driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// ListReferrals lists the referrals a driver created
func (h *ReferralHandler) ListReferrals(c *gin.Context) {
	driverID, ok := uuidParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	referrals, err := h.referralService.ListReferrals(c.Request.Context(), driverID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"referrals": referrals})
}

// RedeemBalance withdraws from a driver's reward balance
func (h *ReferralHandler) RedeemBalance(c *gin.Context) {
	driverID, ok := uuidParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	var input struct {
		Amount      decimal.Decimal `json:"amount" binding:"required"`
		Description string          `json:"description"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.referralService.RedeemBalance(c.Request.Context(), driverID, input.Amount, input.Description)
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

// GetHistory returns a driver's ledger entries, most recent first
func (h *ReferralHandler) GetHistory(c *gin.Context) {
	driverID, ok := uuidParam(c, "driverId", "driver ID")
	if !ok {
		return
	}

	limit, ok := limitQuery(c)
	if !ok {
		return
	}

	entries, err := h.referralService.GetHistory(c.Request.Context(), driverID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// GetLeaderboard returns the top earning drivers
func (h *ReferralHandler) GetLeaderboard(c *gin.Context) {
	limit, ok := limitQuery(c)
	if !ok {
		return
	}

	board, err := h.referralService.GetLeaderboard(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"leaderboard": board})
}

// limitQuery reads the optional limit query parameter; 0 means the service default
func limitQuery(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	return limit, true
}
