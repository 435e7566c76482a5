package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/apperrors"
	"github.com/grpdelivery/rewards/internal/queue"
	"github.com/grpdelivery/rewards/internal/services/referral"
	"github.com/shopspring/decimal"
)

// AdvanceProgressJobPayload is what the delivery-completion hook enqueues
type AdvanceProgressJobPayload struct {
	DriverID            uuid.UUID       `json:"driver_id"`
	DeliveriesCompleted int             `json:"deliveries_completed"`
	TotalEarnings       decimal.Decimal `json:"total_earnings"`
	DaysActive          int             `json:"days_active"`
}

// ProgressAdvancer applies a referred driver's counters to their referral
type ProgressAdvancer interface {
	AdvanceProgress(ctx context.Context, update referral.ProgressUpdate) (*referral.ProgressResult, error)
}

// AdvanceProgressJob moves referral progress updates off the request path
type AdvanceProgressJob struct {
	queue     queue.Queue
	referrals ProgressAdvancer
}

// NewAdvanceProgressJob creates a new advance progress job handler
func NewAdvanceProgressJob(q queue.Queue, referrals ProgressAdvancer) *AdvanceProgressJob {
	return &AdvanceProgressJob{
		queue:     q,
		referrals: referrals,
	}
}

// RegisterHandlers registers the job handler with the processor
func (j *AdvanceProgressJob) RegisterHandlers(p *queue.JobProcessor) {
	p.RegisterHandler(queue.JobTypeAdvanceReferralProgress, j.ProcessAdvanceProgress)
}

// Enqueue queues a progress update for asynchronous processing
func (j *AdvanceProgressJob) Enqueue(ctx context.Context, update referral.ProgressUpdate) (string, error) {
	if update.DeliveriesCompleted < 0 || update.DaysActive < 0 || update.TotalEarnings.IsNegative() {
		return "", apperrors.ErrInvalidProgress
	}

	payload := AdvanceProgressJobPayload{
		DriverID:            update.ReferredID,
		DeliveriesCompleted: update.DeliveriesCompleted,
		TotalEarnings:       update.TotalEarnings,
		DaysActive:          update.DaysActive,
	}

	jobID, err := j.queue.Enqueue(ctx, queue.JobTypeAdvanceReferralProgress, payload)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue referral progress job: %w", err)
	}
	return jobID, nil
}

// ProcessAdvanceProgress handles one queued progress update.
// Business rule violations fail the job outright; lost write races and
// infrastructure errors are retried.
func (j *AdvanceProgressJob) ProcessAdvanceProgress(ctx context.Context, job queue.Job) (interface{}, error) {
	var payload AdvanceProgressJobPayload
	if err := queue.JobPayload(job.Payload, &payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("failed to unmarshal referral progress payload: %w", err))
	}

	result, err := j.referrals.AdvanceProgress(ctx, referral.ProgressUpdate{
		ReferredID:          payload.DriverID,
		DeliveriesCompleted: payload.DeliveriesCompleted,
		TotalEarnings:       payload.TotalEarnings,
		DaysActive:          payload.DaysActive,
	})
	if err != nil {
		if apperrors.IsBusiness(err) && !errors.Is(err, apperrors.ErrConcurrentUpdate) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	if result == nil {
		log.Printf("No active referral for driver %s, progress ignored", payload.DriverID)
		return nil, nil
	}

	log.Printf("Referral %s progress for driver %s: %d%% (%s)",
		result.ReferralID, payload.DriverID, result.CompletionPercentage, result.Status)
	return result, nil
}
