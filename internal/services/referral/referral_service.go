package referral

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/apperrors"
	"github.com/grpdelivery/rewards/internal/config"
	"github.com/grpdelivery/rewards/internal/models"
	"github.com/grpdelivery/rewards/internal/services/ledger"
	"github.com/grpdelivery/rewards/internal/store"
	"github.com/shopspring/decimal"
)

// maxCodeAttempts bounds retries when a generated code collides with a legacy one
const maxCodeAttempts = 3

// ReferralService coordinates referral records and the reward ledger
type ReferralService struct {
	store  store.Store
	ledger *ledger.LedgerService
	cfg    config.ReferralConfig
	codes  *CodeFormat
	now    func() time.Time
}

// NewReferralService creates a new referral service
func NewReferralService(st store.Store, ledgerService *ledger.LedgerService, cfg config.ReferralConfig) *ReferralService {
	return &ReferralService{
		store:  st,
		ledger: ledgerService,
		cfg:    cfg,
		codes:  NewCodeFormat(cfg.CodePrefix),
		now:    time.Now,
	}
}

// RedeemResult is returned after a code is redeemed
type RedeemResult struct {
	ReferralID uuid.UUID             `json:"referral_id"`
	ReferrerID uuid.UUID             `json:"referrer_id"`
	Code       string                `json:"referral_code"`
	Status     models.ReferralStatus `json:"status"`
	ExpiryDate time.Time             `json:"expiry_date"`
}

// ProgressUpdate carries the referred driver's latest counters
type ProgressUpdate struct {
	ReferredID          uuid.UUID       `json:"driver_id"`
	DeliveriesCompleted int             `json:"deliveries_completed"`
	TotalEarnings       decimal.Decimal `json:"total_earnings"`
	DaysActive          int             `json:"days_active"`
}

// ProgressResult reports the state of a referral after a progress update
type ProgressResult struct {
	ReferralID           uuid.UUID                 `json:"referral_id"`
	Status               models.ReferralStatus     `json:"status"`
	CompletionPercentage int                       `json:"completion_percentage"`
	Progress             models.ReferralProgress   `json:"progress"`
	Criteria             models.CompletionCriteria `json:"completion_criteria"`
	CompletionDate       *time.Time                `json:"completion_date,omitempty"`
	ReferrerCredited     bool                      `json:"referrer_credited"`
	ReferredCredited     bool                      `json:"referred_credited"`
}

// ReferralView is a referral with its derived completion percentage
type ReferralView struct {
	models.Referral
	CompletionPercentage int `json:"completion_percentage"`
}

// DriverStats summarises a driver's referrals and balance
type DriverStats struct {
	DriverID       uuid.UUID                       `json:"driver_id"`
	Referrals      map[models.ReferralStatus]int64 `json:"referrals"`
	TotalReferrals int64                           `json:"total_referrals"`
	WasReferred    bool                            `json:"was_referred"`
	ReferredBy     *uuid.UUID                      `json:"referred_by,omitempty"`
	TotalEarned    decimal.Decimal                 `json:"total_earned"`
	Redeemed       decimal.Decimal                 `json:"redeemed"`
	Available      decimal.Decimal                 `json:"available"`
}

// ProgramStats is the admin view of the whole program
type ProgramStats struct {
	Referrals      map[models.ReferralStatus]int64 `json:"referrals"`
	TotalReferrals int64                           `json:"total_referrals"`
	TotalCredited  decimal.Decimal                 `json:"total_credited"`
}

// GenerateCode creates a new pending referral with a fresh code for the referrer
func (s *ReferralService) GenerateCode(ctx context.Context, referrerID uuid.UUID) (string, error) {
	driver, err := s.store.GetDriver(ctx, referrerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", apperrors.ErrDriverNotFound
		}
		return "", fmt.Errorf("error getting referrer: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		// The number is committed on its own so a retry after a collision draws a new one
		seq, err := s.store.NextSequence(ctx, models.SequenceReferralCode)
		if err != nil {
			return "", fmt.Errorf("error allocating referral code: %w", err)
		}

		referral := s.newReferral(referrerID, s.codes.Format(seq, Initials(driver)))
		err = s.store.CreateReferral(ctx, referral)
		if err == nil {
			return referral.ReferralCode, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return "", fmt.Errorf("error creating referral: %w", err)
		}
		log.Printf("Referral code %s already taken, retrying for referrer %s", referral.ReferralCode, referrerID)
		lastErr = err
	}
	return "", fmt.Errorf("error generating referral code: %w", lastErr)
}

// GetOrCreateCode returns the referrer's open code, generating one when there is none
func (s *ReferralService) GetOrCreateCode(ctx context.Context, referrerID uuid.UUID) (string, error) {
	open, err := s.store.FindOpenReferral(ctx, referrerID, s.now())
	if err == nil {
		return open.ReferralCode, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("error finding open referral: %w", err)
	}
	return s.GenerateCode(ctx, referrerID)
}

func (s *ReferralService) newReferral(referrerID uuid.UUID, code string) *models.Referral {
	now := s.now()
	return &models.Referral{
		ReferrerID:   referrerID,
		ReferralCode: code,
		Status:       models.ReferralStatusPending,
		Criteria: models.CompletionCriteria{
			RequiredDeliveries: s.cfg.RequiredDeliveries,
			RequiredEarnings:   s.cfg.RequiredEarnings,
			RequiredDays:       s.cfg.RequiredDays,
		},
		Rewards: models.ReferralRewards{
			ReferrerAmount: s.cfg.ReferrerReward,
			ReferredAmount: s.cfg.ReferredReward,
		},
		StartDate:  now,
		ExpiryDate: now.AddDate(0, 0, s.cfg.ExpiryDays),
	}
}

// RedeemCode attaches the referred driver to the referral identified by code
func (s *ReferralService) RedeemCode(ctx context.Context, code string, referredID uuid.UUID) (*RedeemResult, error) {
	code, err := s.codes.Normalize(code)
	if err != nil {
		return nil, err
	}

	var (
		result   *RedeemResult
		rejected error
	)
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		referral, err := tx.GetReferralByCode(ctx, code)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.ErrInvalidCode
			}
			return fmt.Errorf("error getting referral by code: %w", err)
		}

		now := s.now()
		if referral.IsExpiredAt(now) {
			// The expiry is persisted even though the redemption is rejected
			if err := s.closeReferral(ctx, tx, referral, models.ReferralStatusExpired); err != nil {
				return err
			}
			rejected = apperrors.ErrClosed
			return nil
		}
		if referral.Status != models.ReferralStatusPending {
			return apperrors.ErrClosed
		}
		if referral.ReferrerID == referredID {
			return apperrors.ErrSelfReferral
		}

		if _, err := tx.GetDriver(ctx, referredID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.ErrDriverNotFound
			}
			return fmt.Errorf("error getting referred driver: %w", err)
		}

		if _, err := s.activeReferralFor(ctx, tx, referredID, now); err == nil {
			return apperrors.ErrAlreadyReferred
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if referral.ReferredID != nil {
			return apperrors.ErrAlreadyUsed
		}

		referral.ReferredID = &referredID
		referral.StartDate = now
		referral.ExpiryDate = now.AddDate(0, 0, s.cfg.ExpiryDays)
		if err := tx.SaveReferral(ctx, referral); err != nil {
			switch {
			case errors.Is(err, store.ErrDuplicate):
				return apperrors.ErrAlreadyReferred
			case errors.Is(err, store.ErrStale):
				return apperrors.ErrConcurrentUpdate
			}
			return fmt.Errorf("error saving referral: %w", err)
		}

		result = &RedeemResult{
			ReferralID: referral.ID,
			ReferrerID: referral.ReferrerID,
			Code:       referral.ReferralCode,
			Status:     referral.Status,
			ExpiryDate: referral.ExpiryDate,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}

	log.Printf("Referral code %s redeemed by driver %s", code, referredID)
	return result, nil
}

// AdvanceProgress records the referred driver's counters and completes the referral
// once every criterion is met. It returns nil, nil when the driver has no active referral.
func (s *ReferralService) AdvanceProgress(ctx context.Context, update ProgressUpdate) (*ProgressResult, error) {
	if update.DeliveriesCompleted < 0 || update.DaysActive < 0 || update.TotalEarnings.IsNegative() {
		return nil, apperrors.ErrInvalidProgress
	}

	var result *ProgressResult
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		referral, err := tx.FindActiveReferralByReferred(ctx, update.ReferredID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("error finding active referral: %w", err)
		}

		now := s.now()
		if referral.IsExpiredAt(now) {
			if err := s.closeReferral(ctx, tx, referral, models.ReferralStatusExpired); err != nil {
				return err
			}
			result = progressResult(referral)
			return nil
		}

		changed := false
		if referral.Status == models.ReferralStatusPending {
			changed = referral.ApplyProgress(models.ReferralProgress{
				DeliveriesCompleted: update.DeliveriesCompleted,
				TotalEarnings:       update.TotalEarnings,
				DaysActive:          update.DaysActive,
			})
			if referral.CriteriaMet() {
				changed = referral.Complete(now) || changed
			}
		}

		result = progressResult(referral)
		if referral.Status != models.ReferralStatusCompleted {
			if changed {
				return s.saveReferral(ctx, tx, referral)
			}
			return nil
		}

		referrerCredited, referredCredited, err := s.issueRewards(ctx, tx, referral, changed)
		if err != nil {
			return err
		}
		result = progressResult(referral)
		result.ReferrerCredited = referrerCredited
		result.ReferredCredited = referredCredited
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result != nil && (result.ReferrerCredited || result.ReferredCredited) {
		log.Printf("Referral %s completed, rewards issued (referrer: %t, referred: %t)",
			result.ReferralID, result.ReferrerCredited, result.ReferredCredited)
	}
	return result, nil
}

// issueRewards credits each unclaimed side of a completed referral and sets its claim flag.
// Flags and credits are written in the caller's transaction so they commit together.
func (s *ReferralService) issueRewards(ctx context.Context, tx store.Store, referral *models.Referral, dirty bool) (bool, bool, error) {
	payReferrer := !referral.Rewards.ReferrerClaimed
	payReferred := !referral.Rewards.ReferredClaimed && referral.ReferredID != nil
	if !payReferrer && !payReferred {
		if dirty {
			return false, false, s.saveReferral(ctx, tx, referral)
		}
		return false, false, nil
	}

	if payReferrer {
		referral.Rewards.ReferrerClaimed = true
	}
	if payReferred {
		referral.Rewards.ReferredClaimed = true
	}
	// The version-guarded save makes a concurrent duplicate issuance fail and roll back
	if err := s.saveReferral(ctx, tx, referral); err != nil {
		return false, false, err
	}

	referrerCredited, referredCredited := false, false
	if payReferrer && referral.Rewards.ReferrerAmount.IsPositive() {
		if _, err := s.ledger.CreditWithTx(ctx, tx, ledger.Credit{
			DriverID:    referral.ReferrerID,
			Amount:      referral.Rewards.ReferrerAmount,
			Kind:        models.EntryKindAward,
			Description: fmt.Sprintf("Referral reward for code %s", referral.ReferralCode),
			ReferralID:  &referral.ID,
			Metadata:    map[string]interface{}{"side": "referrer", "referral_code": referral.ReferralCode},
		}); err != nil {
			return false, false, fmt.Errorf("error crediting referrer: %w", err)
		}
		referrerCredited = true
	}
	if payReferred && referral.Rewards.ReferredAmount.IsPositive() {
		if _, err := s.ledger.CreditWithTx(ctx, tx, ledger.Credit{
			DriverID:    *referral.ReferredID,
			Amount:      referral.Rewards.ReferredAmount,
			Kind:        models.EntryKindAward,
			Description: fmt.Sprintf("Welcome reward for joining with code %s", referral.ReferralCode),
			ReferralID:  &referral.ID,
			Metadata:    map[string]interface{}{"side": "referred", "referral_code": referral.ReferralCode},
		}); err != nil {
			return false, false, fmt.Errorf("error crediting referred driver: %w", err)
		}
		referredCredited = true
	}

	return referrerCredited, referredCredited, nil
}

func progressResult(referral *models.Referral) *ProgressResult {
	return &ProgressResult{
		ReferralID:           referral.ID,
		Status:               referral.Status,
		CompletionPercentage: referral.CompletionPercentage(),
		Progress:             referral.Progress,
		Criteria:             referral.Criteria,
		CompletionDate:       referral.CompletionDate,
	}
}

// CancelReferral cancels a pending referral
func (s *ReferralService) CancelReferral(ctx context.Context, referralID uuid.UUID) (*models.Referral, error) {
	return s.transition(ctx, referralID, models.ReferralStatusCancelled)
}

// ExpireReferral expires a pending referral ahead of its expiry date
func (s *ReferralService) ExpireReferral(ctx context.Context, referralID uuid.UUID) (*models.Referral, error) {
	return s.transition(ctx, referralID, models.ReferralStatusExpired)
}

func (s *ReferralService) transition(ctx context.Context, referralID uuid.UUID, status models.ReferralStatus) (*models.Referral, error) {
	var (
		referral *models.Referral
		rejected error
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		referral, err = tx.GetReferral(ctx, referralID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.ErrReferralNotFound
			}
			return fmt.Errorf("error getting referral: %w", err)
		}

		if referral.IsExpiredAt(s.now()) && status != models.ReferralStatusExpired {
			if err := s.closeReferral(ctx, tx, referral, models.ReferralStatusExpired); err != nil {
				return err
			}
			rejected = apperrors.ErrInvalidTransition
			return nil
		}
		return s.closeReferral(ctx, tx, referral, status)
	})
	if err != nil {
		return nil, err
	}
	if rejected != nil {
		return nil, rejected
	}

	log.Printf("Referral %s moved to %s", referralID, status)
	return referral, nil
}

// closeReferral moves a pending referral to a terminal status and persists it
func (s *ReferralService) closeReferral(ctx context.Context, tx store.Store, referral *models.Referral, status models.ReferralStatus) error {
	if !referral.Close(status) {
		return apperrors.ErrInvalidTransition
	}
	return s.saveReferral(ctx, tx, referral)
}

// activeReferralFor finds the pending or completed referral naming referredID,
// expiring it first when it is past due. store.ErrNotFound means there is none.
func (s *ReferralService) activeReferralFor(ctx context.Context, tx store.Store, referredID uuid.UUID, now time.Time) (*models.Referral, error) {
	referral, err := tx.FindActiveReferralByReferred(ctx, referredID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("error finding active referral: %w", err)
	}
	if referral.IsExpiredAt(now) {
		if err := s.closeReferral(ctx, tx, referral, models.ReferralStatusExpired); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	return referral, nil
}

func (s *ReferralService) saveReferral(ctx context.Context, tx store.Store, referral *models.Referral) error {
	if err := tx.SaveReferral(ctx, referral); err != nil {
		if errors.Is(err, store.ErrStale) {
			return apperrors.ErrConcurrentUpdate
		}
		return fmt.Errorf("error saving referral: %w", err)
	}
	return nil
}

// ExpireStale expires every pending referral past its expiry date, batch records at a time
func (s *ReferralService) ExpireStale(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = ledger.MaxListLimit
	}

	expired := 0
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		now := s.now()
		candidates, err := s.store.ListExpiredPending(ctx, now, batch)
		if err != nil {
			return expired, fmt.Errorf("error listing expired referrals: %w", err)
		}

		progressed := 0
		for _, candidate := range candidates {
			closed := false
			err := s.store.WithTx(ctx, func(tx store.Store) error {
				referral, err := tx.GetReferral(ctx, candidate.ID)
				if err != nil {
					return err
				}
				if !referral.IsExpiredAt(now) {
					return nil
				}
				if err := s.closeReferral(ctx, tx, referral, models.ReferralStatusExpired); err != nil {
					return err
				}
				closed = true
				return nil
			})
			if err != nil {
				// Picked up again on the next run if still pending
				log.Printf("Failed to expire referral %s: %v", candidate.ID, err)
				continue
			}
			if closed {
				progressed++
			}
		}
		expired += progressed

		if len(candidates) < batch || progressed == 0 {
			return expired, nil
		}
	}
}

// ListReferrals lists the referrals a driver created, expiring stale ones on the way
func (s *ReferralService) ListReferrals(ctx context.Context, referrerID uuid.UUID) ([]ReferralView, error) {
	var referrals []models.Referral
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		referrals, err = tx.ListReferralsByReferrer(ctx, referrerID)
		if err != nil {
			return fmt.Errorf("error listing referrals: %w", err)
		}

		now := s.now()
		for i := range referrals {
			if referrals[i].IsExpiredAt(now) {
				if err := s.closeReferral(ctx, tx, &referrals[i], models.ReferralStatusExpired); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	views := make([]ReferralView, 0, len(referrals))
	for _, r := range referrals {
		views = append(views, ReferralView{Referral: r, CompletionPercentage: r.CompletionPercentage()})
	}
	return views, nil
}

// GetReferral gets a single referral, expiring it first if it is past due
func (s *ReferralService) GetReferral(ctx context.Context, referralID uuid.UUID) (*ReferralView, error) {
	var referral *models.Referral
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		referral, err = tx.GetReferral(ctx, referralID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperrors.ErrReferralNotFound
			}
			return fmt.Errorf("error getting referral: %w", err)
		}
		if referral.IsExpiredAt(s.now()) {
			return s.closeReferral(ctx, tx, referral, models.ReferralStatusExpired)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &ReferralView{Referral: *referral, CompletionPercentage: referral.CompletionPercentage()}, nil
}

// GetStats summarises a driver's referrals and ledger balance
func (s *ReferralService) GetStats(ctx context.Context, driverID uuid.UUID) (*DriverStats, error) {
	if _, err := s.store.GetDriver(ctx, driverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.ErrDriverNotFound
		}
		return nil, fmt.Errorf("error getting driver: %w", err)
	}

	referrals, err := s.ListReferrals(ctx, driverID)
	if err != nil {
		return nil, err
	}

	stats := &DriverStats{
		DriverID:  driverID,
		Referrals: emptyStatusCounts(),
	}
	for _, r := range referrals {
		stats.Referrals[r.Status]++
		stats.TotalReferrals++
	}

	var referredBy *models.Referral
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		referredBy, err = s.activeReferralFor(ctx, tx, driverID, s.now())
		return err
	})
	switch {
	case err == nil:
		stats.WasReferred = true
		stats.ReferredBy = &referredBy.ReferrerID
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	account, err := s.ledger.Balance(ctx, driverID)
	if err != nil {
		return nil, err
	}
	stats.TotalEarned = account.Total
	stats.Redeemed = account.Redeemed
	stats.Available = account.Available()

	return stats, nil
}

// Stats aggregates referral counts by status and the lifetime amount credited
func (s *ReferralService) Stats(ctx context.Context) (*ProgramStats, error) {
	counts, err := s.store.CountReferralsByStatus(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error counting referrals: %w", err)
	}

	stats := &ProgramStats{Referrals: emptyStatusCounts()}
	for status, n := range counts {
		stats.Referrals[status] = n
		stats.TotalReferrals += n
	}

	stats.TotalCredited, err = s.ledger.TotalCredited(ctx)
	if err != nil {
		return nil, fmt.Errorf("error summing credits: %w", err)
	}
	return stats, nil
}

func emptyStatusCounts() map[models.ReferralStatus]int64 {
	counts := make(map[models.ReferralStatus]int64, len(models.AllReferralStatuses))
	for _, status := range models.AllReferralStatuses {
		counts[status] = 0
	}
	return counts
}

// RedeemBalance withdraws from a driver's available reward balance
func (s *ReferralService) RedeemBalance(ctx context.Context, driverID uuid.UUID, amount decimal.Decimal, description string) (*models.LedgerAccount, error) {
	if description == "" {
		description = "Referral balance redemption"
	}
	account, err := s.ledger.Redeem(ctx, driverID, amount, description)
	if err != nil {
		return nil, err
	}
	log.Printf("Driver %s redeemed %s from referral balance", driverID, amount.StringFixed(2))
	return account, nil
}

// ExpireBalance forcibly removes up to amount from a driver's available balance
func (s *ReferralService) ExpireBalance(ctx context.Context, driverID uuid.UUID, amount decimal.Decimal, description string) (*models.LedgerAccount, error) {
	if description == "" {
		description = "Referral balance expired"
	}
	return s.ledger.Expire(ctx, driverID, amount, description)
}

// GetHistory gets a driver's ledger entries, most recent first
func (s *ReferralService) GetHistory(ctx context.Context, driverID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	return s.ledger.History(ctx, driverID, limit)
}

// GetLeaderboard ranks drivers by lifetime referral earnings
func (s *ReferralService) GetLeaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	return s.ledger.Leaderboard(ctx, limit)
}
