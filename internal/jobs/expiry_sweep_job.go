package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// sweepTimeout bounds a single sweep run
const sweepTimeout = 5 * time.Minute

// StaleReferralExpirer expires pending referrals past their expiry date
type StaleReferralExpirer interface {
	ExpireStale(ctx context.Context, batch int) (int, error)
}

// ExpirySweepJob periodically expires pending referrals past their expiry date
type ExpirySweepJob struct {
	referrals StaleReferralExpirer
	scheduler *gocron.Scheduler
	interval  time.Duration
	batch     int
}

// NewExpirySweepJob creates a new expiry sweep job
func NewExpirySweepJob(referrals StaleReferralExpirer, interval time.Duration, batch int) *ExpirySweepJob {
	return &ExpirySweepJob{
		referrals: referrals,
		scheduler: gocron.NewScheduler(time.UTC),
		interval:  interval,
		batch:     batch,
	}
}

// Start schedules the sweep and starts the scheduler
func (j *ExpirySweepJob) Start() error {
	_, err := j.scheduler.Every(j.interval).SingletonMode().Do(j.Run)
	if err != nil {
		return fmt.Errorf("failed to schedule referral expiry sweep: %w", err)
	}

	j.scheduler.StartAsync()
	log.Printf("Referral expiry sweep scheduled every %s", j.interval)
	return nil
}

// Stop stops the scheduler
func (j *ExpirySweepJob) Stop() {
	j.scheduler.Stop()
}

// Run performs one sweep
func (j *ExpirySweepJob) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	expired, err := j.referrals.ExpireStale(ctx, j.batch)
	if err != nil {
		log.Printf("Error expiring stale referrals: %v", err)
	}
	if expired > 0 {
		log.Printf("Expired %d stale referrals", expired)
	}
}
