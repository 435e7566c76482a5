package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/apperrors"
	"github.com/grpdelivery/rewards/internal/models"
	"github.com/grpdelivery/rewards/internal/store"
	"github.com/shopspring/decimal"
)

const (
	DefaultHistoryLimit     = 20
	DefaultLeaderboardLimit = 10
	MaxListLimit            = 100
)

// LedgerService handles reward balance operations
type LedgerService struct {
	store store.Store
	now   func() time.Time
}

// NewLedgerService creates a new ledger service
func NewLedgerService(st store.Store) *LedgerService {
	return &LedgerService{store: st, now: time.Now}
}

// Credit is one award to post against a driver's account
type Credit struct {
	DriverID    uuid.UUID
	Amount      decimal.Decimal
	Kind        models.EntryKind
	Description string
	ReferralID  *uuid.UUID
	Metadata    map[string]interface{}
}

// GetOrCreate gets a driver's account, creating an empty one if absent
func (s *LedgerService) GetOrCreate(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	return s.store.GetOrCreateAccount(ctx, driverID)
}

// Balance gets a driver's account without creating it. A driver with no
// account has a zero balance.
func (s *LedgerService) Balance(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	account, err := s.store.GetAccount(ctx, driverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &models.LedgerAccount{DriverID: driverID}, nil
		}
		return nil, fmt.Errorf("error getting ledger account: %w", err)
	}
	return account, nil
}

// Credit adds funds to a driver's account
func (s *LedgerService) Credit(ctx context.Context, credit Credit) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		entry, err = s.CreditWithTx(ctx, tx, credit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// CreditWithTx adds funds to a driver's account using an existing transaction
func (s *LedgerService) CreditWithTx(ctx context.Context, tx store.Store, credit Credit) (*models.LedgerEntry, error) {
	if !credit.Amount.IsPositive() {
		return nil, apperrors.ErrInvalidAmount
	}
	kind := credit.Kind
	if kind == "" {
		kind = models.EntryKindAward
	}

	_, entry, err := s.post(ctx, tx, credit.DriverID, kind, credit.Amount, credit.Description, credit.ReferralID, credit.Metadata)
	return entry, err
}

// Redeem withdraws amount from a driver's available balance
func (s *LedgerService) Redeem(ctx context.Context, driverID uuid.UUID, amount decimal.Decimal, description string) (*models.LedgerAccount, error) {
	if !amount.IsPositive() {
		return nil, apperrors.ErrInvalidAmount
	}

	var account *models.LedgerAccount
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		account, _, err = s.post(ctx, tx, driverID, models.EntryKindRedemption, amount.Neg(), description, nil, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// Expire forcibly removes up to amount from the available balance, never failing for lack of funds
func (s *LedgerService) Expire(ctx context.Context, driverID uuid.UUID, amount decimal.Decimal, description string) (*models.LedgerAccount, error) {
	var account *models.LedgerAccount
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetAccount(ctx, driverID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				account = &models.LedgerAccount{DriverID: driverID}
				return nil
			}
			return fmt.Errorf("error getting ledger account: %w", err)
		}

		locked, err := tx.LockAccount(ctx, driverID)
		if err != nil {
			return err
		}

		clamped := decimal.Min(amount, locked.Available())
		if !clamped.IsPositive() {
			account = locked
			return nil
		}

		account, _, err = s.post(ctx, tx, driverID, models.EntryKindExpiry, clamped.Neg(), description, nil, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// post applies a signed amount to the locked account and appends the matching history entry
func (s *LedgerService) post(ctx context.Context, tx store.Store, driverID uuid.UUID, kind models.EntryKind, amount decimal.Decimal, description string, referralID *uuid.UUID, metadata map[string]interface{}) (*models.LedgerAccount, *models.LedgerEntry, error) {
	account, err := tx.LockAccount(ctx, driverID)
	if err != nil {
		return nil, nil, err
	}

	if amount.IsPositive() {
		account.Total = account.Total.Add(amount)
	} else {
		if amount.Neg().GreaterThan(account.Available()) {
			return nil, nil, apperrors.ErrNotEnoughBalance
		}
		account.Redeemed = account.Redeemed.Add(amount.Neg())
	}

	if err := tx.SaveAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, nil, apperrors.ErrConcurrentUpdate
		}
		return nil, nil, err
	}

	entry := &models.LedgerEntry{
		DriverID:     driverID,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: account.Available(),
		Description:  description,
		ReferralID:   referralID,
		Metadata:     metadata,
		CreatedAt:    s.now(),
	}
	if err := tx.AppendEntry(ctx, entry); err != nil {
		return nil, nil, err
	}

	return account, entry, nil
}

// History gets a driver's ledger entries, most recent first
func (s *LedgerService) History(ctx context.Context, driverID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	entries, err := s.store.ListEntries(ctx, driverID, normalizeLimit(limit, DefaultHistoryLimit))
	if err != nil {
		return nil, fmt.Errorf("error getting ledger history: %w", err)
	}
	return entries, nil
}

// Leaderboard ranks accounts by lifetime total and joins driver names
func (s *LedgerService) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	accounts, err := s.store.TopAccounts(ctx, normalizeLimit(limit, DefaultLeaderboardLimit))
	if err != nil {
		return nil, fmt.Errorf("error getting leaderboard: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.DriverID)
	}
	drivers, err := s.store.GetDrivers(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("error getting leaderboard drivers: %w", err)
	}

	board := make([]models.LeaderboardEntry, 0, len(accounts))
	for i, a := range accounts {
		name := "Unknown driver"
		if d, ok := drivers[a.DriverID]; ok && d.DisplayName() != "" {
			name = d.DisplayName()
		}
		board = append(board, models.LeaderboardEntry{
			Rank:     i + 1,
			DriverID: a.DriverID,
			Name:     name,
			Total:    a.Total,
		})
	}
	return board, nil
}

// TotalCredited sums lifetime credits over all accounts
func (s *LedgerService) TotalCredited(ctx context.Context) (decimal.Decimal, error) {
	return s.store.SumCredited(ctx)
}

func normalizeLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
