package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on top of PostgreSQL through gorm
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new gorm backed store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var _ Store = (*GormStore)(nil)

// translate maps gorm errors onto the store sentinels
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}

// WithTx runs fn inside a database transaction
func (s *GormStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

// GetDriver gets a driver by ID
func (s *GormStore) GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	var driver models.Driver
	if err := s.db.WithContext(ctx).First(&driver, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("error finding driver: %w", translate(err))
	}
	return &driver, nil
}

// GetDrivers gets drivers keyed by ID, silently skipping unknown IDs
func (s *GormStore) GetDrivers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Driver, error) {
	result := make(map[uuid.UUID]models.Driver, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var drivers []models.Driver
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&drivers).Error; err != nil {
		return nil, fmt.Errorf("error finding drivers: %w", err)
	}
	for _, d := range drivers {
		result[d.ID] = d
	}
	return result, nil
}

// NextSequence atomically increments the named counter and returns the new value
func (s *GormStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Raw(`
		INSERT INTO sequences (name, value) VALUES (?, 1)
		ON CONFLICT (name) DO UPDATE SET value = sequences.value + 1
		RETURNING value
	`, name).Scan(&value).Error
	if err != nil {
		return 0, fmt.Errorf("error incrementing sequence %s: %w", name, err)
	}
	return value, nil
}

// CreateReferral inserts a new referral record
func (s *GormStore) CreateReferral(ctx context.Context, r *models.Referral) error {
	if err := s.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("error creating referral: %w", translate(err))
	}
	return nil
}

// SaveReferral writes every column of r if nobody saved it since it was read
func (s *GormStore) SaveReferral(ctx context.Context, r *models.Referral) error {
	prev := r.Version
	r.Version++

	res := s.db.WithContext(ctx).
		Model(r).
		Where("version = ?", prev).
		Select("*").
		Omit("id", "created_at").
		Updates(r)
	if res.Error != nil {
		r.Version = prev
		return fmt.Errorf("error updating referral: %w", translate(res.Error))
	}
	if res.RowsAffected == 0 {
		r.Version = prev
		return ErrStale
	}
	return nil
}

// GetReferral gets a referral by ID
func (s *GormStore) GetReferral(ctx context.Context, id uuid.UUID) (*models.Referral, error) {
	var referral models.Referral
	if err := s.db.WithContext(ctx).First(&referral, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("error finding referral: %w", translate(err))
	}
	return &referral, nil
}

// GetReferralByCode gets a referral by its code
func (s *GormStore) GetReferralByCode(ctx context.Context, code string) (*models.Referral, error) {
	var referral models.Referral
	if err := s.db.WithContext(ctx).First(&referral, "referral_code = ?", code).Error; err != nil {
		return nil, fmt.Errorf("error finding referral: %w", translate(err))
	}
	return &referral, nil
}

// FindActiveReferralByReferred gets the pending or completed referral a driver was referred through
func (s *GormStore) FindActiveReferralByReferred(ctx context.Context, referredID uuid.UUID) (*models.Referral, error) {
	var referral models.Referral
	err := s.db.WithContext(ctx).
		Where("referred_id = ? AND status IN ?", referredID,
			[]models.ReferralStatus{models.ReferralStatusPending, models.ReferralStatusCompleted}).
		First(&referral).Error
	if err != nil {
		return nil, fmt.Errorf("error finding active referral: %w", translate(err))
	}
	return &referral, nil
}

// FindOpenReferral gets the most recent unredeemed, unexpired code of a referrer
func (s *GormStore) FindOpenReferral(ctx context.Context, referrerID uuid.UUID, now time.Time) (*models.Referral, error) {
	var referral models.Referral
	err := s.db.WithContext(ctx).
		Where("referrer_id = ? AND referred_id IS NULL AND status = ? AND expiry_date >= ?",
			referrerID, models.ReferralStatusPending, now).
		Order("created_at DESC").
		First(&referral).Error
	if err != nil {
		return nil, fmt.Errorf("error finding open referral: %w", translate(err))
	}
	return &referral, nil
}

// ListReferralsByReferrer lists a referrer's records, newest first
func (s *GormStore) ListReferralsByReferrer(ctx context.Context, referrerID uuid.UUID) ([]models.Referral, error) {
	var referrals []models.Referral
	if err := s.db.WithContext(ctx).Where("referrer_id = ?", referrerID).Order("created_at DESC").Find(&referrals).Error; err != nil {
		return nil, fmt.Errorf("error finding referrals: %w", err)
	}
	return referrals, nil
}

// ListExpiredPending lists pending records whose expiry date has passed
func (s *GormStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Referral, error) {
	var referrals []models.Referral
	err := s.db.WithContext(ctx).
		Where("status = ? AND expiry_date < ?", models.ReferralStatusPending, now).
		Order("expiry_date ASC").
		Limit(limit).
		Find(&referrals).Error
	if err != nil {
		return nil, fmt.Errorf("error finding expired referrals: %w", err)
	}
	return referrals, nil
}

// CountReferralsByStatus counts records per status, optionally for one referrer
func (s *GormStore) CountReferralsByStatus(ctx context.Context, referrerID *uuid.UUID) (map[models.ReferralStatus]int64, error) {
	var rows []struct {
		Status models.ReferralStatus
		Count  int64
	}

	query := s.db.WithContext(ctx).Model(&models.Referral{}).Select("status, COUNT(*) AS count").Group("status")
	if referrerID != nil {
		query = query.Where("referrer_id = ?", *referrerID)
	}
	if err := query.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("error counting referrals: %w", err)
	}

	counts := make(map[models.ReferralStatus]int64, len(models.AllReferralStatuses))
	for _, status := range models.AllReferralStatuses {
		counts[status] = 0
	}
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// GetAccount gets a driver's ledger account
func (s *GormStore) GetAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := s.db.WithContext(ctx).First(&account, "driver_id = ?", driverID).Error; err != nil {
		return nil, fmt.Errorf("error finding ledger account: %w", translate(err))
	}
	return &account, nil
}

// ensureAccount inserts an empty account unless one already exists
func (s *GormStore) ensureAccount(ctx context.Context, driverID uuid.UUID) error {
	account := models.LedgerAccount{DriverID: driverID}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "driver_id"}}, DoNothing: true}).
		Create(&account).Error
	if err != nil {
		return fmt.Errorf("error creating ledger account: %w", err)
	}
	return nil
}

// GetOrCreateAccount gets a driver's account, creating an empty one if absent
func (s *GormStore) GetOrCreateAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	account, err := s.GetAccount(ctx, driverID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.ensureAccount(ctx, driverID); err != nil {
		return nil, err
	}
	return s.GetAccount(ctx, driverID)
}

// LockAccount gets or creates a driver's account and holds its row lock until the transaction ends
func (s *GormStore) LockAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	if err := s.ensureAccount(ctx, driverID); err != nil {
		return nil, err
	}

	var account models.LedgerAccount
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&account, "driver_id = ?", driverID).Error
	if err != nil {
		return nil, fmt.Errorf("error locking ledger account: %w", translate(err))
	}
	return &account, nil
}

// SaveAccount writes the balances of a if nobody saved it since it was read
func (s *GormStore) SaveAccount(ctx context.Context, a *models.LedgerAccount) error {
	prev := a.Version
	a.Version++

	res := s.db.WithContext(ctx).
		Model(a).
		Where("version = ?", prev).
		Select("total", "redeemed", "version", "updated_at").
		Updates(a)
	if res.Error != nil {
		a.Version = prev
		return fmt.Errorf("error updating ledger account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		a.Version = prev
		return ErrStale
	}
	return nil
}

// AppendEntry inserts a history entry
func (s *GormStore) AppendEntry(ctx context.Context, e *models.LedgerEntry) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("error creating ledger entry: %w", err)
	}
	return nil
}

// ListEntries lists a driver's history, most recent first
func (s *GormStore) ListEntries(ctx context.Context, driverID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("driver_id = ?", driverID).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("error finding ledger entries: %w", err)
	}
	return entries, nil
}

// TopAccounts lists accounts with a positive lifetime total, highest first
func (s *GormStore) TopAccounts(ctx context.Context, limit int) ([]models.LedgerAccount, error) {
	var accounts []models.LedgerAccount
	err := s.db.WithContext(ctx).
		Where("total > 0").
		Order("total DESC, driver_id ASC").
		Limit(limit).
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("error finding top accounts: %w", err)
	}
	return accounts, nil
}

// SumCredited sums lifetime credits over all accounts
func (s *GormStore) SumCredited(ctx context.Context) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.db.WithContext(ctx).
		Model(&models.LedgerAccount{}).
		Select("COALESCE(SUM(total), 0)").
		Scan(&sum).Error
	if err != nil {
		return decimal.Zero, fmt.Errorf("error summing credits: %w", err)
	}
	return sum, nil
}
