// Package ledger is the source of truth for account balances. Every balance
// mutation and its audit entry commit in one database transaction; operations
// on the same (user, currency) account serialize on the account row.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/litebittech/broker/pkg/models"
)

// Service implements the balance ledger.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger

	// Per-account mutexes serialize same-account operations within this
	// process. Cross-instance serialization relies on SELECT ... FOR UPDATE,
	// which sqlite (used in tests) does not support.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates a ledger service backed by the given database.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Service) accountLock(userID uuid.UUID, currency string) *sync.Mutex {
	key := userID.String() + ":" + currency
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// lockAccount loads the account row under a pessimistic lock where the
// dialect supports it. A missing account is reported as gorm.ErrRecordNotFound.
func (s *Service) lockAccount(tx *gorm.DB, userID uuid.UUID, currency string) (*models.Account, error) {
	q := tx
	if tx.Dialector.Name() == "postgres" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account models.Account
	if err := q.Where("user_id = ? AND currency = ?", userID, currency).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// Reserve moves amount from available to reserved and writes a RESERVE entry.
// It is idempotent on (referenceType, referenceID): a replay with the same
// amount returns the existing entry without reserving again; a replay with a
// different amount fails with ErrReservationConflict.
func (s *Service) Reserve(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, refType models.ReferenceType, refID string) (*models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	l := s.accountLock(userID, currency)
	l.Lock()
	defer l.Unlock()

	var entry *models.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := findEntry(tx, refType, refID, models.EntryReserve)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.Amount.Equal(amount) {
				return ErrReservationConflict
			}
			entry = existing
			return nil
		}

		account, err := s.lockAccount(tx, userID, currency)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrInsufficientFunds
			}
			return fmt.Errorf("load account: %w", err)
		}
		if account.Available.LessThan(amount) {
			return ErrInsufficientFunds
		}

		before := account.Available
		account.Available = account.Available.Sub(amount)
		account.Reserved = account.Reserved.Add(amount)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("save account: %w", err)
		}

		entry = newEntry(account, models.EntryReserve, amount, before, account.Available, refType, refID)
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("funds reserved",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.String("reference_id", refID))
	return entry, nil
}

// Release moves amount back from reserved to available and writes a RELEASE
// entry. It fails with ErrNothingToRelease when no open reservation matches
// the reference or when the release would exceed what remains reserved for
// it. Like Reserve it is replay-safe: a RELEASE already recorded for the
// reference is returned as-is so settlement can resume after a crash.
func (s *Service) Release(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, refType models.ReferenceType, refID string) (*models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	l := s.accountLock(userID, currency)
	l.Lock()
	defer l.Unlock()

	var entry *models.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := replayedEntry(tx, refType, refID, models.EntryRelease, amount)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return nil
		}

		remaining, err := openReservation(tx, refType, refID)
		if err != nil {
			return err
		}
		if remaining == nil || amount.GreaterThan(*remaining) {
			return ErrNothingToRelease
		}

		account, err := s.lockAccount(tx, userID, currency)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNothingToRelease
			}
			return fmt.Errorf("load account: %w", err)
		}
		if account.Reserved.LessThan(amount) {
			return ErrNothingToRelease
		}

		before := account.Available
		account.Available = account.Available.Add(amount)
		account.Reserved = account.Reserved.Sub(amount)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("save account: %w", err)
		}

		entry = newEntry(account, models.EntryRelease, amount, before, account.Available, refType, refID)
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("reservation released",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.String("reference_id", refID))
	return entry, nil
}

// Credit increases total and available, creating the account on first use,
// and writes a CREDIT entry. A replayed credit for the same reference and
// amount is a no-op returning the existing entry.
func (s *Service) Credit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, refType models.ReferenceType, refID string) (*models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	l := s.accountLock(userID, currency)
	l.Lock()
	defer l.Unlock()

	var entry *models.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := replayedEntry(tx, refType, refID, models.EntryCredit, amount)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return nil
		}

		account, err := s.lockAccount(tx, userID, currency)
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				return fmt.Errorf("load account: %w", err)
			}
			account = &models.Account{
				ID:        uuid.New(),
				UserID:    userID,
				Currency:  currency,
				Total:     decimal.Zero,
				Available: decimal.Zero,
				Reserved:  decimal.Zero,
				CreatedAt: time.Now(),
			}
			if err := tx.Create(account).Error; err != nil {
				return fmt.Errorf("create account: %w", err)
			}
		}

		before := account.Total
		account.Total = account.Total.Add(amount)
		account.Available = account.Available.Add(amount)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("save account: %w", err)
		}

		entry = newEntry(account, models.EntryCredit, amount, before, account.Total, refType, refID)
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("account credited",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.String("reference_id", refID))
	return entry, nil
}

// Debit consumes previously reserved funds: it decreases total and reserved
// and writes a DEBIT entry. It fails with ErrInsufficientReserved when the
// reference's open reservation (or the account's reserved balance) does not
// cover the amount. A replayed debit for the same reference and amount is a
// no-op, so an interrupted settlement can rerun its debit-then-credit
// sequence from the top without double-charging.
func (s *Service) Debit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, refType models.ReferenceType, refID string) (*models.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	l := s.accountLock(userID, currency)
	l.Lock()
	defer l.Unlock()

	var entry *models.LedgerEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := replayedEntry(tx, refType, refID, models.EntryDebit, amount)
		if err != nil {
			return err
		}
		if existing != nil {
			entry = existing
			return nil
		}

		remaining, err := openReservation(tx, refType, refID)
		if err != nil {
			return err
		}
		if remaining == nil || amount.GreaterThan(*remaining) {
			return ErrInsufficientReserved
		}

		account, err := s.lockAccount(tx, userID, currency)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrInsufficientReserved
			}
			return fmt.Errorf("load account: %w", err)
		}
		if account.Reserved.LessThan(amount) {
			return ErrInsufficientReserved
		}

		before := account.Total
		account.Total = account.Total.Sub(amount)
		account.Reserved = account.Reserved.Sub(amount)
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("save account: %w", err)
		}

		entry = newEntry(account, models.EntryDebit, amount, before, account.Total, refType, refID)
		return tx.Create(entry).Error
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("reserved funds debited",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.String("reference_id", refID))
	return entry, nil
}

// GetBalance returns the account snapshot for (user, currency). A user with
// no account in the currency gets a zero-valued snapshot.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Where("user_id = ? AND currency = ?", userID, currency).First(&account).Error
	if err == gorm.ErrRecordNotFound {
		return &models.Account{
			UserID:    userID,
			Currency:  currency,
			Total:     decimal.Zero,
			Available: decimal.Zero,
			Reserved:  decimal.Zero,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	return &account, nil
}

// GetAllBalances returns all account snapshots for the user.
func (s *Service) GetAllBalances(ctx context.Context, userID uuid.UUID) ([]*models.Account, error) {
	var accounts []*models.Account
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("currency").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	return accounts, nil
}

// GetHistory returns the user's ledger entries newest-first.
func (s *Service) GetHistory(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*models.LedgerEntry
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return entries, nil
}

func findEntry(tx *gorm.DB, refType models.ReferenceType, refID string, entryType models.EntryType) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.Where("reference_type = ? AND reference_id = ? AND entry_type = ?", refType, refID, entryType).
		First(&e).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup entry: %w", err)
	}
	return &e, nil
}

// replayedEntry detects a replay: an entry of the same type already written
// for the reference. Same amount means the mutation already happened and the
// entry is returned for a no-op; a different amount is a caller bug.
func replayedEntry(tx *gorm.DB, refType models.ReferenceType, refID string, entryType models.EntryType, amount decimal.Decimal) (*models.LedgerEntry, error) {
	existing, err := findEntry(tx, refType, refID, entryType)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}
	if !existing.Amount.Equal(amount) {
		return nil, ErrEntryConflict
	}
	return existing, nil
}

// openReservation returns the amount still reserved for a reference: the
// RESERVE amount minus everything already released or debited against it.
// Nil means no reservation exists.
func openReservation(tx *gorm.DB, refType models.ReferenceType, refID string) (*decimal.Decimal, error) {
	reserve, err := findEntry(tx, refType, refID, models.EntryReserve)
	if err != nil {
		return nil, err
	}
	if reserve == nil {
		return nil, nil
	}

	var consumed []models.LedgerEntry
	err = tx.Where("reference_type = ? AND reference_id = ? AND entry_type IN ?",
		refType, refID, []models.EntryType{models.EntryRelease, models.EntryDebit}).
		Find(&consumed).Error
	if err != nil {
		return nil, fmt.Errorf("lookup consumed entries: %w", err)
	}

	remaining := reserve.Amount
	for _, e := range consumed {
		// Debits may target a different currency leg of the same order;
		// only those in the reserved currency consume the reservation.
		if e.Currency != reserve.Currency {
			continue
		}
		remaining = remaining.Sub(e.Amount)
	}
	return &remaining, nil
}

func newEntry(account *models.Account, entryType models.EntryType, amount, before, after decimal.Decimal, refType models.ReferenceType, refID string) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:            uuid.New(),
		UserID:        account.UserID,
		Currency:      account.Currency,
		EntryType:     entryType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		ReferenceType: refType,
		ReferenceID:   refID,
		CreatedAt:     time.Now(),
	}
}
