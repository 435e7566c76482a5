package referral

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/apperrors"
	"github.com/grpdelivery/rewards/internal/config"
	"github.com/grpdelivery/rewards/internal/models"
	"github.com/grpdelivery/rewards/internal/services/ledger"
	"github.com/grpdelivery/rewards/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *ReferralService
	ledger *ledger.LedgerService
	store  *store.MemoryStore
	clock  time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func (f *fixture) driver(first, last string) uuid.UUID {
	id := uuid.New()
	f.store.AddDriver(models.Driver{ID: id, FirstName: first, LastName: last})
	return id
}

func setupService(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	ledgerService := ledger.NewLedgerService(st)
	f := &fixture{
		svc:    NewReferralService(st, ledgerService, config.DefaultReferralConfig()),
		ledger: ledgerService,
		store:  st,
		clock:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func completing(referredID uuid.UUID) ProgressUpdate {
	return ProgressUpdate{
		ReferredID:          referredID,
		DeliveriesCompleted: 5,
		TotalEarnings:       decimal.NewFromInt(500),
		DaysActive:          30,
	}
}

func (f *fixture) balance(t *testing.T, driverID uuid.UUID) *models.LedgerAccount {
	t.Helper()
	account, err := f.ledger.GetOrCreate(context.Background(), driverID)
	require.NoError(t, err)
	return account
}

func TestReferralLifecycleCreditsBothSidesOnce(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, "GRP-SDS001-AM", code)

	redeemed, err := f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusPending, redeemed.Status)
	assert.Equal(t, referrer, redeemed.ReferrerID)

	result, err := f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.ReferralStatusCompleted, result.Status)
	assert.Equal(t, 100, result.CompletionPercentage)
	assert.True(t, result.ReferrerCredited)
	assert.True(t, result.ReferredCredited)
	require.NotNil(t, result.CompletionDate)
	assert.Equal(t, f.clock, *result.CompletionDate)

	assert.True(t, f.balance(t, referrer).Total.Equal(decimal.NewFromInt(100)))
	assert.True(t, f.balance(t, referred).Total.Equal(decimal.NewFromInt(50)))

	// A retried call reports completed and credits nothing
	f.advance(time.Hour)
	again, err := f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusCompleted, again.Status)
	assert.Equal(t, 100, again.CompletionPercentage)
	assert.False(t, again.ReferrerCredited)
	assert.False(t, again.ReferredCredited)
	assert.Equal(t, *result.CompletionDate, *again.CompletionDate)

	assert.True(t, f.balance(t, referrer).Total.Equal(decimal.NewFromInt(100)))
	assert.True(t, f.balance(t, referred).Total.Equal(decimal.NewFromInt(50)))

	history, err := f.svc.GetHistory(ctx, referrer, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, redeemed.ReferralID, *history[0].ReferralID)
	assert.Equal(t, "referrer", history[0].Metadata["side"])

	view, err := f.svc.GetReferral(ctx, redeemed.ReferralID)
	require.NoError(t, err)
	assert.True(t, view.Rewards.ReferrerClaimed)
	assert.True(t, view.Rewards.ReferredClaimed)
}

func TestPartialProgressStaysPending(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	_, err = f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)

	result, err := f.svc.AdvanceProgress(ctx, ProgressUpdate{
		ReferredID:          referred,
		DeliveriesCompleted: 3,
		TotalEarnings:       decimal.NewFromInt(200),
		DaysActive:          10,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusPending, result.Status)
	assert.Equal(t, 44, result.CompletionPercentage)

	// Deliveries and days met, earnings not
	result, err = f.svc.AdvanceProgress(ctx, ProgressUpdate{
		ReferredID:          referred,
		DeliveriesCompleted: 9,
		TotalEarnings:       decimal.RequireFromString("499.99"),
		DaysActive:          40,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusPending, result.Status)
	assert.False(t, result.ReferrerCredited)
	assert.True(t, f.balance(t, referrer).Total.IsZero())

	// Lower counters never move progress backwards
	result, err = f.svc.AdvanceProgress(ctx, ProgressUpdate{ReferredID: referred, DeliveriesCompleted: 1})
	require.NoError(t, err)
	assert.Equal(t, 9, result.Progress.DeliveriesCompleted)
	assert.True(t, result.Progress.TotalEarnings.Equal(decimal.RequireFromString("499.99")))

	// Completion takes the max of stored and supplied values
	result, err = f.svc.AdvanceProgress(ctx, ProgressUpdate{ReferredID: referred, TotalEarnings: decimal.NewFromInt(500)})
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusCompleted, result.Status)
}

func TestAdvanceProgressWithoutReferralIsNoop(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	result, err := f.svc.AdvanceProgress(ctx, completing(f.driver("Yaw", "Darko")))
	require.NoError(t, err)
	assert.Nil(t, result)

	_, err = f.svc.AdvanceProgress(ctx, ProgressUpdate{ReferredID: uuid.New(), DeliveriesCompleted: -1})
	assert.ErrorIs(t, err, apperrors.ErrInvalidProgress)
	_, err = f.svc.AdvanceProgress(ctx, ProgressUpdate{ReferredID: uuid.New(), TotalEarnings: decimal.NewFromInt(-1)})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestRedeemCodeErrors(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")
	other := f.driver("Esi", "Owusu")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)

	_, err = f.svc.RedeemCode(ctx, "not-a-code", referred)
	assert.ErrorIs(t, err, apperrors.ErrMalformedCode)

	_, err = f.svc.RedeemCode(ctx, "GRP-SDS999-ZZ", referred)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCode)

	_, err = f.svc.RedeemCode(ctx, code, referrer)
	assert.ErrorIs(t, err, apperrors.ErrSelfReferral)

	_, err = f.svc.RedeemCode(ctx, code, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrDriverNotFound)

	_, err = f.svc.RedeemCode(ctx, " "+code+" ", referred)
	require.NoError(t, err)

	// Same driver again
	_, err = f.svc.RedeemCode(ctx, code, referred)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyReferred)

	// Another driver on a code that is already taken
	_, err = f.svc.RedeemCode(ctx, code, other)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyUsed)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestDriverCanOnlyBeReferredOnce(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	first := f.driver("Ama", "Mensah")
	second := f.driver("Esi", "Owusu")
	referred := f.driver("Kofi", "Boateng")

	codeA, err := f.svc.GenerateCode(ctx, first)
	require.NoError(t, err)
	codeB, err := f.svc.GenerateCode(ctx, second)
	require.NoError(t, err)

	_, err = f.svc.RedeemCode(ctx, codeA, referred)
	require.NoError(t, err)
	_, err = f.svc.RedeemCode(ctx, codeB, referred)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyReferred)

	// Still blocked after completion
	_, err = f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	_, err = f.svc.RedeemCode(ctx, codeB, referred)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyReferred)
}

func TestConcurrentRedemptionsOfDifferentCodes(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referred := f.driver("Kofi", "Boateng")

	const referrers = 10
	codes := make([]string, referrers)
	for i := range codes {
		code, err := f.svc.GenerateCode(ctx, f.driver("Ama", "Mensah"))
		require.NoError(t, err)
		codes[i] = code
	}

	errs := make([]error, referrers)
	var wg sync.WaitGroup
	for i, code := range codes {
		wg.Add(1)
		go func(i int, code string) {
			defer wg.Done()
			_, errs[i] = f.svc.RedeemCode(ctx, code, referred)
		}(i, code)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperrors.ErrAlreadyReferred)
	}
	assert.Equal(t, 1, succeeded)
}

func TestGenerateCodeSequenceIsUniqueUnderConcurrency(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")

	const workers = 25
	codes := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := f.svc.GenerateCode(ctx, referrer)
			assert.NoError(t, err)
			codes <- code
		}()
	}
	wg.Wait()
	close(codes)

	var all []string
	for c := range codes {
		all = append(all, c)
	}
	sort.Strings(all)
	require.Len(t, all, workers)
	for i := 1; i < len(all); i++ {
		assert.NotEqual(t, all[i-1], all[i])
	}
	assert.Equal(t, "GRP-SDS001-AM", all[0])
	assert.Equal(t, "GRP-SDS025-AM", all[workers-1])

	_, err := f.svc.GenerateCode(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrDriverNotFound)
}

func TestGetOrCreateCodeReusesOpenCode(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")

	first, err := f.svc.GetOrCreateCode(ctx, referrer)
	require.NoError(t, err)
	again, err := f.svc.GetOrCreateCode(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	_, err = f.svc.RedeemCode(ctx, first, f.driver("Kofi", "Boateng"))
	require.NoError(t, err)

	next, err := f.svc.GetOrCreateCode(ctx, referrer)
	require.NoError(t, err)
	assert.NotEqual(t, first, next)
	assert.Equal(t, "GRP-SDS002-AM", next)
}

func TestLazyExpiry(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)

	f.advance(31 * 24 * time.Hour)
	_, err = f.svc.RedeemCode(ctx, code, referred)
	assert.ErrorIs(t, err, apperrors.ErrClosed)

	list, err := f.svc.ListReferrals(ctx, referrer)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.ReferralStatusExpired, list[0].Status, "rejected redemption still persists the expiry")

	// Expiry restarts on redemption and is enforced on progress updates
	code, err = f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	f.advance(20 * 24 * time.Hour)
	_, err = f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)
	f.advance(20 * 24 * time.Hour)

	result, err := f.svc.AdvanceProgress(ctx, ProgressUpdate{ReferredID: referred, DeliveriesCompleted: 1})
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusPending, result.Status)

	f.advance(11 * 24 * time.Hour)
	result, err = f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusExpired, result.Status)
	assert.True(t, f.balance(t, referrer).Total.IsZero())

	// An expired referral frees the driver for a new one
	result, err = f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestCancelAndExpireReferral(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	redeemed, err := f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)

	cancelled, err := f.svc.CancelReferral(ctx, redeemed.ReferralID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusCancelled, cancelled.Status)

	_, err = f.svc.CancelReferral(ctx, redeemed.ReferralID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
	_, err = f.svc.ExpireReferral(ctx, redeemed.ReferralID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	// Terminal: progress no longer reaches it
	result, err := f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	assert.Nil(t, result)

	_, err = f.svc.CancelReferral(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrReferralNotFound)

	code, err = f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	redeemed, err = f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)
	expired, err := f.svc.ExpireReferral(ctx, redeemed.ReferralID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusExpired, expired.Status)

	// Completed referrals cannot be cancelled
	code, err = f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	redeemed, err = f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)
	_, err = f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	_, err = f.svc.CancelReferral(ctx, redeemed.ReferralID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestCancelPastExpiryExpiresInstead(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	open, err := f.store.GetReferralByCode(ctx, code)
	require.NoError(t, err)

	f.advance(45 * 24 * time.Hour)
	_, err = f.svc.CancelReferral(ctx, open.ID)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	view, err := f.svc.GetReferral(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusExpired, view.Status)
}

func TestExpireStaleSweepsInBatches(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")

	for i := 0; i < 7; i++ {
		_, err := f.svc.GenerateCode(ctx, referrer)
		require.NoError(t, err)
	}
	f.advance(10 * 24 * time.Hour)
	fresh, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)

	f.advance(25 * 24 * time.Hour)
	expired, err := f.svc.ExpireStale(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, expired)

	counts, err := f.store.CountReferralsByStatus(ctx, &referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts[models.ReferralStatusExpired])
	assert.Equal(t, int64(1), counts[models.ReferralStatusPending])

	code, err := f.svc.GetOrCreateCode(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, fresh, code)

	expired, err = f.svc.ExpireStale(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, expired)
}

func TestConcurrentCompletionIssuesRewardsOnce(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	_, err = f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AdvanceProgress(ctx, completing(referred))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, f.balance(t, referrer).Total.Equal(decimal.NewFromInt(100)))
	assert.True(t, f.balance(t, referred).Total.Equal(decimal.NewFromInt(50)))
}

func TestStatsAndBalanceOperations(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	_, err = f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	_, err = f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)
	_, err = f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)

	stats, err := f.svc.GetStats(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalReferrals)
	assert.Equal(t, int64(1), stats.Referrals[models.ReferralStatusCompleted])
	assert.Equal(t, int64(1), stats.Referrals[models.ReferralStatusPending])
	assert.Equal(t, int64(0), stats.Referrals[models.ReferralStatusCancelled])
	assert.False(t, stats.WasReferred)
	assert.True(t, stats.Available.Equal(decimal.NewFromInt(100)))

	referredStats, err := f.svc.GetStats(ctx, referred)
	require.NoError(t, err)
	assert.True(t, referredStats.WasReferred)
	assert.Equal(t, referrer, *referredStats.ReferredBy)

	_, err = f.svc.GetStats(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrDriverNotFound)

	account, err := f.svc.RedeemBalance(ctx, referrer, decimal.NewFromInt(40), "")
	require.NoError(t, err)
	assert.True(t, account.Available().Equal(decimal.NewFromInt(60)))

	_, err = f.svc.RedeemBalance(ctx, referrer, decimal.NewFromInt(61), "")
	assert.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	_, err = f.svc.RedeemBalance(ctx, referrer, decimal.Zero, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	account, err = f.svc.ExpireBalance(ctx, referred, decimal.NewFromInt(500), "")
	require.NoError(t, err)
	assert.True(t, account.Available().IsZero())

	history, err := f.svc.GetHistory(ctx, referred, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.EntryKindExpiry, history[0].Kind)
	assert.Equal(t, "Referral balance expired", history[0].Description)

	program, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), program.TotalReferrals)
	assert.True(t, program.TotalCredited.Equal(decimal.NewFromInt(150)))

	board, err := f.svc.GetLeaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, "Ama Mensah", board[0].Name)
	assert.True(t, board[0].Total.Equal(decimal.NewFromInt(100)))
}

func TestZeroRewardSetsClaimFlagWithoutCredit(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	cfg := config.DefaultReferralConfig()
	cfg.ReferredReward = decimal.Zero
	f.svc = NewReferralService(f.store, f.ledger, cfg)
	f.svc.now = func() time.Time { return f.clock }

	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")
	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	redeemed, err := f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)

	result, err := f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	assert.True(t, result.ReferrerCredited)
	assert.False(t, result.ReferredCredited)

	view, err := f.svc.GetReferral(ctx, redeemed.ReferralID)
	require.NoError(t, err)
	assert.True(t, view.Rewards.ReferredClaimed)

	_, err = f.store.GetAccount(ctx, referred)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedeemAfterPreviousReferralLapsed(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	first := f.driver("Ama", "Mensah")
	second := f.driver("Esi", "Asante")
	referred := f.driver("Kofi", "Boateng")

	code, err := f.svc.GenerateCode(ctx, first)
	require.NoError(t, err)
	lapsed, err := f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)

	stats, err := f.svc.GetStats(ctx, referred)
	require.NoError(t, err)
	assert.True(t, stats.WasReferred)

	// Past expiry but not yet swept
	f.advance(31 * 24 * time.Hour)

	stats, err = f.svc.GetStats(ctx, referred)
	require.NoError(t, err)
	assert.False(t, stats.WasReferred)
	assert.Nil(t, stats.ReferredBy)

	code, err = f.svc.GenerateCode(ctx, second)
	require.NoError(t, err)
	redeemed, err := f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)
	assert.Equal(t, second, redeemed.ReferrerID)

	view, err := f.svc.GetReferral(ctx, lapsed.ReferralID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusExpired, view.Status)

	stats, err = f.svc.GetStats(ctx, referred)
	require.NoError(t, err)
	require.NotNil(t, stats.ReferredBy)
	assert.Equal(t, second, *stats.ReferredBy)
}

// lockFailingStore fails LockAccount for one driver inside transactions
type lockFailingStore struct {
	store.Store
	failFor uuid.UUID
}

func (s *lockFailingStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.Store.WithTx(ctx, func(tx store.Store) error {
		return fn(&lockFailingStore{Store: tx, failFor: s.failFor})
	})
}

func (s *lockFailingStore) LockAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	if driverID == s.failFor {
		return nil, errors.New("lock timeout")
	}
	return s.Store.LockAccount(ctx, driverID)
}

func TestRewardFailureRollsBackEverything(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")
	referred := f.driver("Kofi", "Boateng")

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	redeemed, err := f.svc.RedeemCode(ctx, code, referred)
	require.NoError(t, err)

	failing := &lockFailingStore{Store: f.store, failFor: referred}
	svc := NewReferralService(failing, ledger.NewLedgerService(failing), config.DefaultReferralConfig())
	svc.now = func() time.Time { return f.clock }

	result, err := svc.AdvanceProgress(ctx, completing(referred))
	require.Error(t, err)
	assert.Nil(t, result)

	_, err = f.store.GetAccount(ctx, referrer)
	assert.ErrorIs(t, err, store.ErrNotFound, "referrer credit must roll back")
	_, err = f.store.GetAccount(ctx, referred)
	assert.ErrorIs(t, err, store.ErrNotFound)

	view, err := f.svc.GetReferral(ctx, redeemed.ReferralID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusPending, view.Status)
	assert.Nil(t, view.CompletionDate)
	assert.False(t, view.Rewards.ReferrerClaimed)
	assert.False(t, view.Rewards.ReferredClaimed)
	assert.Equal(t, 0, view.Progress.DeliveriesCompleted)

	// Once storage recovers the same event completes and pays both sides once
	result, err = f.svc.AdvanceProgress(ctx, completing(referred))
	require.NoError(t, err)
	assert.Equal(t, models.ReferralStatusCompleted, result.Status)
	assert.True(t, result.ReferrerCredited)
	assert.True(t, result.ReferredCredited)
	assert.True(t, f.balance(t, referrer).Total.Equal(decimal.NewFromInt(100)))
	assert.True(t, f.balance(t, referred).Total.Equal(decimal.NewFromInt(50)))
}

func TestGenerateCodeSkipsTakenNumbers(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	referrer := f.driver("Ama", "Mensah")

	// An imported code occupies the next number
	require.NoError(t, f.store.CreateReferral(ctx, &models.Referral{
		ReferrerID:   f.driver("Yaw", "Darko"),
		ReferralCode: "GRP-SDS001-AM",
		Status:       models.ReferralStatusPending,
		ExpiryDate:   f.clock.AddDate(0, 0, 30),
	}))

	code, err := f.svc.GenerateCode(ctx, referrer)
	require.NoError(t, err)
	assert.Equal(t, "GRP-SDS002-AM", code)
}

func TestStatsAndExpiryDoNotOpenAccounts(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	driverID := f.driver("Ama", "Mensah")

	stats, err := f.svc.GetStats(ctx, driverID)
	require.NoError(t, err)
	assert.True(t, stats.Available.IsZero())
	assert.True(t, stats.TotalEarned.IsZero())

	unknown := uuid.New()
	account, err := f.svc.ExpireBalance(ctx, unknown, decimal.NewFromInt(10), "")
	require.NoError(t, err)
	assert.True(t, account.Available().IsZero())

	_, err = f.store.GetAccount(ctx, driverID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.store.GetAccount(ctx, unknown)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
