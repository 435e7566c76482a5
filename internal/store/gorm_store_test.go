package store

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/database/migrations"
	"github.com/grpdelivery/rewards/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupGormStore connects to TEST_DATABASE_URL, migrates and empties the tables.
// Tests are skipped when no database is configured.
func setupGormStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres store tests")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, migrations.RunMigrations(db))
	require.NoError(t, db.Exec("TRUNCATE referrals, ledger_entries, ledger_accounts, sequences, drivers").Error)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewGormStore(db), db
}

func pendingReferral(referrerID uuid.UUID, code string) *models.Referral {
	now := time.Now().UTC()
	return &models.Referral{
		ReferrerID:   referrerID,
		ReferralCode: code,
		Status:       models.ReferralStatusPending,
		Criteria: models.CompletionCriteria{
			RequiredDeliveries: 5,
			RequiredEarnings:   decimal.NewFromInt(500),
			RequiredDays:       30,
		},
		StartDate:  now,
		ExpiryDate: now.AddDate(0, 0, 30),
	}
}

func TestGormStoreSaveReferralVersionGuard(t *testing.T) {
	st, _ := setupGormStore(t)
	ctx := context.Background()

	r := pendingReferral(uuid.New(), "GRP-SDS001-AM")
	require.NoError(t, st.CreateReferral(ctx, r))

	first, err := st.GetReferral(ctx, r.ID)
	require.NoError(t, err)
	second, err := st.GetReferral(ctx, r.ID)
	require.NoError(t, err)

	first.Progress.DeliveriesCompleted = 3
	require.NoError(t, st.SaveReferral(ctx, first))
	assert.Equal(t, int64(1), first.Version)

	second.Progress.DeliveriesCompleted = 1
	err = st.SaveReferral(ctx, second)
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, int64(0), second.Version, "failed save restores the version")

	stored, err := st.GetReferral(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Progress.DeliveriesCompleted)
	assert.Equal(t, "GRP-SDS001-AM", stored.ReferralCode)
	assert.True(t, stored.Criteria.RequiredEarnings.Equal(decimal.NewFromInt(500)))

	err = st.CreateReferral(ctx, pendingReferral(uuid.New(), "GRP-SDS001-AM"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestGormStoreOneActiveReferralPerDriver(t *testing.T) {
	st, _ := setupGormStore(t)
	ctx := context.Background()
	referred := uuid.New()

	first := pendingReferral(uuid.New(), "GRP-SDS001-AM")
	second := pendingReferral(uuid.New(), "GRP-SDS002-EA")
	require.NoError(t, st.CreateReferral(ctx, first))
	require.NoError(t, st.CreateReferral(ctx, second))

	first.ReferredID = &referred
	require.NoError(t, st.SaveReferral(ctx, first))

	second.ReferredID = &referred
	err := st.SaveReferral(ctx, second)
	assert.ErrorIs(t, err, ErrDuplicate)

	first.Status = models.ReferralStatusExpired
	require.NoError(t, st.SaveReferral(ctx, first))
	require.NoError(t, st.SaveReferral(ctx, second))

	active, err := st.FindActiveReferralByReferred(ctx, referred)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestGormStoreNextSequenceIsUnique(t *testing.T) {
	st, _ := setupGormStore(t)
	ctx := context.Background()

	const callers = 20
	values := make([]int64, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := st.NextSequence(ctx, models.SequenceReferralCode)
			assert.NoError(t, err)
			values[i] = v
		}(i)
	}
	wg.Wait()

	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	for i, v := range values {
		assert.Equal(t, int64(i+1), v)
	}
}

func TestGormStoreLockAccountSerializesWriters(t *testing.T) {
	st, _ := setupGormStore(t)
	ctx := context.Background()
	driverID := uuid.New()

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.WithTx(ctx, func(tx Store) error {
				account, err := tx.LockAccount(ctx, driverID)
				if err != nil {
					return err
				}
				account.Total = account.Total.Add(decimal.NewFromInt(10))
				return tx.SaveAccount(ctx, account)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	account, err := st.GetAccount(ctx, driverID)
	require.NoError(t, err)
	assert.True(t, account.Total.Equal(decimal.NewFromInt(100)), "got %s", account.Total)
	assert.Equal(t, int64(writers), account.Version)
}

func TestGormStoreSaveAccountGuards(t *testing.T) {
	st, _ := setupGormStore(t)
	ctx := context.Background()
	driverID := uuid.New()

	_, err := st.GetOrCreateAccount(ctx, driverID)
	require.NoError(t, err)

	first, err := st.GetAccount(ctx, driverID)
	require.NoError(t, err)
	second, err := st.GetAccount(ctx, driverID)
	require.NoError(t, err)

	first.Total = decimal.NewFromInt(50)
	require.NoError(t, st.SaveAccount(ctx, first))

	second.Total = decimal.NewFromInt(70)
	assert.ErrorIs(t, st.SaveAccount(ctx, second), ErrStale)

	// total >= redeemed is enforced by the table
	first.Redeemed = decimal.NewFromInt(60)
	err = st.SaveAccount(ctx, first)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrStale))

	stored, err := st.GetAccount(ctx, driverID)
	require.NoError(t, err)
	assert.True(t, stored.Total.Equal(decimal.NewFromInt(50)))
	assert.True(t, stored.Redeemed.IsZero())
}
