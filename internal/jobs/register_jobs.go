package jobs

import (
	"time"

	"github.com/grpdelivery/rewards/internal/queue"
	"github.com/grpdelivery/rewards/internal/services/referral"
)

// RegisterAllJobHandlers registers all job handlers with the processor and
// returns the producer used by the HTTP layer
func RegisterAllJobHandlers(p *queue.JobProcessor, q queue.Queue, referralSvc *referral.ReferralService) *AdvanceProgressJob {
	advanceProgressJob := NewAdvanceProgressJob(q, referralSvc)
	advanceProgressJob.RegisterHandlers(p)
	return advanceProgressJob
}

// ScheduleRecurringJobs schedules all recurring jobs
func ScheduleRecurringJobs(referralSvc *referral.ReferralService, sweepInterval time.Duration, sweepBatch int) (*ExpirySweepJob, error) {
	sweep := NewExpirySweepJob(referralSvc, sweepInterval, sweepBatch)
	if err := sweep.Start(); err != nil {
		return nil, err
	}
	return sweep, nil
}
