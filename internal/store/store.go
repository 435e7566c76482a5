package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a write violates a unique index
	ErrDuplicate = errors.New("duplicate record")
	// ErrStale is returned when a version-guarded write lost a race
	ErrStale = errors.New("record was modified concurrently")
)

// Store is the persistence contract for referrals and ledger accounts.
//
// Writes made through the Store handed to WithTx's callback commit together or
// not at all. SaveReferral and SaveAccount only apply when the stored version
// still equals the in-memory one and bump it on success.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Store) error) error

	GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error)
	GetDrivers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Driver, error)

	NextSequence(ctx context.Context, name string) (int64, error)

	CreateReferral(ctx context.Context, r *models.Referral) error
	SaveReferral(ctx context.Context, r *models.Referral) error
	GetReferral(ctx context.Context, id uuid.UUID) (*models.Referral, error)
	GetReferralByCode(ctx context.Context, code string) (*models.Referral, error)
	FindActiveReferralByReferred(ctx context.Context, referredID uuid.UUID) (*models.Referral, error)
	FindOpenReferral(ctx context.Context, referrerID uuid.UUID, now time.Time) (*models.Referral, error)
	ListReferralsByReferrer(ctx context.Context, referrerID uuid.UUID) ([]models.Referral, error)
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Referral, error)
	CountReferralsByStatus(ctx context.Context, referrerID *uuid.UUID) (map[models.ReferralStatus]int64, error)

	GetAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error)
	GetOrCreateAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error)
	LockAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error)
	SaveAccount(ctx context.Context, a *models.LedgerAccount) error
	AppendEntry(ctx context.Context, e *models.LedgerEntry) error
	ListEntries(ctx context.Context, driverID uuid.UUID, limit int) ([]models.LedgerEntry, error)
	TopAccounts(ctx context.Context, limit int) ([]models.LedgerAccount, error)
	SumCredited(ctx context.Context) (decimal.Decimal, error)
}
