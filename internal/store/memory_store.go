package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grpdelivery/rewards/internal/models"
	"github.com/shopspring/decimal"
)

// memoryData is the full state of a MemoryStore
type memoryData struct {
	drivers   map[uuid.UUID]models.Driver
	sequences map[string]int64
	referrals map[uuid.UUID]models.Referral
	accounts  map[uuid.UUID]models.LedgerAccount
	entries   []models.LedgerEntry
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		drivers:   make(map[uuid.UUID]models.Driver, len(d.drivers)),
		sequences: make(map[string]int64, len(d.sequences)),
		referrals: make(map[uuid.UUID]models.Referral, len(d.referrals)),
		accounts:  make(map[uuid.UUID]models.LedgerAccount, len(d.accounts)),
		entries:   make([]models.LedgerEntry, len(d.entries)),
	}
	for k, v := range d.drivers {
		c.drivers[k] = v
	}
	for k, v := range d.sequences {
		c.sequences[k] = v
	}
	for k, v := range d.referrals {
		c.referrals[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	copy(c.entries, d.entries)
	return c
}

// MemoryStore implements Store in process memory.
//
// Every call is serialized by one mutex. A transaction works on a copy of the
// state that replaces the live state only when the callback succeeds.
type MemoryStore struct {
	mu   *sync.Mutex
	data *memoryData
	inTx bool
	now  func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mu: &sync.Mutex{},
		data: &memoryData{
			drivers:   make(map[uuid.UUID]models.Driver),
			sequences: make(map[string]int64),
			referrals: make(map[uuid.UUID]models.Referral),
			accounts:  make(map[uuid.UUID]models.LedgerAccount),
		},
		now: time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) do(fn func(d *memoryData) error) error {
	if s.inTx {
		return fn(s.data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

// AddDriver registers a driver, replacing any existing one with the same ID
func (s *MemoryStore) AddDriver(driver models.Driver) {
	_ = s.do(func(d *memoryData) error {
		if driver.CreatedAt.IsZero() {
			driver.CreatedAt = s.now()
		}
		d.drivers[driver.ID] = driver
		return nil
	})
}

// WithTx runs fn against a private copy of the state and publishes it on success
func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &MemoryStore{mu: s.mu, data: s.data.clone(), inTx: true, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

// GetDriver gets a driver by ID
func (s *MemoryStore) GetDriver(ctx context.Context, id uuid.UUID) (*models.Driver, error) {
	var driver models.Driver
	err := s.do(func(d *memoryData) error {
		found, ok := d.drivers[id]
		if !ok {
			return ErrNotFound
		}
		driver = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &driver, nil
}

// GetDrivers gets drivers keyed by ID, silently skipping unknown IDs
func (s *MemoryStore) GetDrivers(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Driver, error) {
	result := make(map[uuid.UUID]models.Driver, len(ids))
	err := s.do(func(d *memoryData) error {
		for _, id := range ids {
			if driver, ok := d.drivers[id]; ok {
				result[id] = driver
			}
		}
		return nil
	})
	return result, err
}

// NextSequence increments the named counter and returns the new value
func (s *MemoryStore) NextSequence(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.do(func(d *memoryData) error {
		d.sequences[name]++
		value = d.sequences[name]
		return nil
	})
	return value, err
}

// checkReferralUnique enforces the code and active-referred unique indexes
func checkReferralUnique(d *memoryData, r *models.Referral) error {
	for id, other := range d.referrals {
		if id == r.ID {
			continue
		}
		if other.ReferralCode == r.ReferralCode {
			return ErrDuplicate
		}
		if r.ReferredID != nil && other.ReferredID != nil && *other.ReferredID == *r.ReferredID &&
			r.Status.IsActive() && other.Status.IsActive() {
			return ErrDuplicate
		}
	}
	return nil
}

// CreateReferral inserts a new referral record
func (s *MemoryStore) CreateReferral(ctx context.Context, r *models.Referral) error {
	return s.do(func(d *memoryData) error {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if _, exists := d.referrals[r.ID]; exists {
			return ErrDuplicate
		}
		if err := checkReferralUnique(d, r); err != nil {
			return err
		}
		now := s.now()
		r.CreatedAt = now
		r.UpdatedAt = now
		d.referrals[r.ID] = *r
		return nil
	})
}

// SaveReferral replaces a record if its version is unchanged
func (s *MemoryStore) SaveReferral(ctx context.Context, r *models.Referral) error {
	return s.do(func(d *memoryData) error {
		stored, ok := d.referrals[r.ID]
		if !ok || stored.Version != r.Version {
			return ErrStale
		}
		if err := checkReferralUnique(d, r); err != nil {
			return err
		}
		r.Version++
		r.UpdatedAt = s.now()
		r.CreatedAt = stored.CreatedAt
		d.referrals[r.ID] = *r
		return nil
	})
}

// GetReferral gets a referral by ID
func (s *MemoryStore) GetReferral(ctx context.Context, id uuid.UUID) (*models.Referral, error) {
	return s.findReferral(func(r models.Referral) bool { return r.ID == id })
}

// GetReferralByCode gets a referral by its code
func (s *MemoryStore) GetReferralByCode(ctx context.Context, code string) (*models.Referral, error) {
	return s.findReferral(func(r models.Referral) bool { return r.ReferralCode == code })
}

// FindActiveReferralByReferred gets the pending or completed referral a driver was referred through
func (s *MemoryStore) FindActiveReferralByReferred(ctx context.Context, referredID uuid.UUID) (*models.Referral, error) {
	return s.findReferral(func(r models.Referral) bool {
		return r.ReferredID != nil && *r.ReferredID == referredID && r.Status.IsActive()
	})
}

// FindOpenReferral gets the most recent unredeemed, unexpired code of a referrer
func (s *MemoryStore) FindOpenReferral(ctx context.Context, referrerID uuid.UUID, now time.Time) (*models.Referral, error) {
	var open []models.Referral
	err := s.do(func(d *memoryData) error {
		for _, r := range d.referrals {
			if r.ReferrerID == referrerID && r.IsOpen(now) {
				open = append(open, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(open) == 0 {
		return nil, ErrNotFound
	}
	sortReferralsNewestFirst(open)
	return &open[0], nil
}

func (s *MemoryStore) findReferral(match func(r models.Referral) bool) (*models.Referral, error) {
	var found *models.Referral
	err := s.do(func(d *memoryData) error {
		for _, r := range d.referrals {
			if match(r) {
				r := r
				found = &r
				return nil
			}
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func sortReferralsNewestFirst(referrals []models.Referral) {
	sort.Slice(referrals, func(i, j int) bool {
		if referrals[i].CreatedAt.Equal(referrals[j].CreatedAt) {
			return referrals[i].ReferralCode > referrals[j].ReferralCode
		}
		return referrals[i].CreatedAt.After(referrals[j].CreatedAt)
	})
}

// ListReferralsByReferrer lists a referrer's records, newest first
func (s *MemoryStore) ListReferralsByReferrer(ctx context.Context, referrerID uuid.UUID) ([]models.Referral, error) {
	var referrals []models.Referral
	err := s.do(func(d *memoryData) error {
		for _, r := range d.referrals {
			if r.ReferrerID == referrerID {
				referrals = append(referrals, r)
			}
		}
		return nil
	})
	sortReferralsNewestFirst(referrals)
	return referrals, err
}

// ListExpiredPending lists pending records whose expiry date has passed
func (s *MemoryStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]models.Referral, error) {
	var referrals []models.Referral
	err := s.do(func(d *memoryData) error {
		for _, r := range d.referrals {
			if r.IsExpiredAt(now) {
				referrals = append(referrals, r)
			}
		}
		return nil
	})
	sort.Slice(referrals, func(i, j int) bool {
		return referrals[i].ExpiryDate.Before(referrals[j].ExpiryDate)
	})
	if limit > 0 && len(referrals) > limit {
		referrals = referrals[:limit]
	}
	return referrals, err
}

// CountReferralsByStatus counts records per status, optionally for one referrer
func (s *MemoryStore) CountReferralsByStatus(ctx context.Context, referrerID *uuid.UUID) (map[models.ReferralStatus]int64, error) {
	counts := make(map[models.ReferralStatus]int64, len(models.AllReferralStatuses))
	for _, status := range models.AllReferralStatuses {
		counts[status] = 0
	}
	err := s.do(func(d *memoryData) error {
		for _, r := range d.referrals {
			if referrerID != nil && r.ReferrerID != *referrerID {
				continue
			}
			counts[r.Status]++
		}
		return nil
	})
	return counts, err
}

// GetAccount gets a driver's ledger account
func (s *MemoryStore) GetAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	err := s.do(func(d *memoryData) error {
		found, ok := d.accounts[driverID]
		if !ok {
			return ErrNotFound
		}
		account = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetOrCreateAccount gets a driver's account, creating an empty one if absent
func (s *MemoryStore) GetOrCreateAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	err := s.do(func(d *memoryData) error {
		found, ok := d.accounts[driverID]
		if !ok {
			now := s.now()
			found = models.LedgerAccount{
				Base:     models.Base{ID: uuid.New(), CreatedAt: now, UpdatedAt: now},
				DriverID: driverID,
				Total:    decimal.Zero,
				Redeemed: decimal.Zero,
			}
			d.accounts[driverID] = found
		}
		account = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// LockAccount is GetOrCreateAccount; the store mutex already serializes writers
func (s *MemoryStore) LockAccount(ctx context.Context, driverID uuid.UUID) (*models.LedgerAccount, error) {
	return s.GetOrCreateAccount(ctx, driverID)
}

// SaveAccount writes the balances of a if its version is unchanged
func (s *MemoryStore) SaveAccount(ctx context.Context, a *models.LedgerAccount) error {
	return s.do(func(d *memoryData) error {
		stored, ok := d.accounts[a.DriverID]
		if !ok || stored.Version != a.Version {
			return ErrStale
		}
		a.Version++
		a.UpdatedAt = s.now()
		stored.Total = a.Total
		stored.Redeemed = a.Redeemed
		stored.Version = a.Version
		stored.UpdatedAt = a.UpdatedAt
		d.accounts[a.DriverID] = stored
		return nil
	})
}

// AppendEntry inserts a history entry
func (s *MemoryStore) AppendEntry(ctx context.Context, e *models.LedgerEntry) error {
	return s.do(func(d *memoryData) error {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		d.entries = append(d.entries, *e)
		return nil
	})
}

// ListEntries lists a driver's history, most recent first
func (s *MemoryStore) ListEntries(ctx context.Context, driverID uuid.UUID, limit int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.do(func(d *memoryData) error {
		for i := len(d.entries) - 1; i >= 0; i-- {
			if d.entries[i].DriverID != driverID {
				continue
			}
			entries = append(entries, d.entries[i])
			if limit > 0 && len(entries) == limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// TopAccounts lists accounts with a positive lifetime total, highest first
func (s *MemoryStore) TopAccounts(ctx context.Context, limit int) ([]models.LedgerAccount, error) {
	var accounts []models.LedgerAccount
	err := s.do(func(d *memoryData) error {
		for _, a := range d.accounts {
			if a.Total.IsPositive() {
				accounts = append(accounts, a)
			}
		}
		return nil
	})
	sort.Slice(accounts, func(i, j int) bool {
		if !accounts[i].Total.Equal(accounts[j].Total) {
			return accounts[i].Total.GreaterThan(accounts[j].Total)
		}
		return accounts[i].DriverID.String() < accounts[j].DriverID.String()
	})
	if limit > 0 && len(accounts) > limit {
		accounts = accounts[:limit]
	}
	return accounts, err
}

// SumCredited sums lifetime credits over all accounts
func (s *MemoryStore) SumCredited(ctx context.Context) (decimal.Decimal, error) {
	sum := decimal.Zero
	err := s.do(func(d *memoryData) error {
		for _, a := range d.accounts {
			sum = sum.Add(a.Total)
		}
		return nil
	})
	return sum, err
}
