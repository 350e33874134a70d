package settlement

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/litebittech/broker/internal/ledger"
	"github.com/litebittech/broker/internal/messaging"
	"github.com/litebittech/broker/pkg/models"
)

// Funding applies confirmed deposits and withdrawals to the ledger. The
// actual money movement happens upstream (payment processor, chain
// confirmation); by the time these are called the funds have moved.
type Funding struct {
	ledger *ledger.Service
	events messaging.Publisher
	logger *zap.Logger
}

// NewFunding creates a funding service.
func NewFunding(ledgerSvc *ledger.Service, events messaging.Publisher, logger *zap.Logger) *Funding {
	return &Funding{ledger: ledgerSvc, events: events, logger: logger}
}

// Deposit credits a confirmed deposit. depositID is the upstream payment
// reference; replays with the same id write duplicate credits upstream's
// responsibility to avoid, so callers must pass a stable id per deposit.
func (f *Funding) Deposit(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, depositID string) (*models.LedgerEntry, error) {
	if depositID == "" {
		return nil, fmt.Errorf("%w: deposit id required", ErrInvalidOrder)
	}
	entry, err := f.ledger.Credit(ctx, userID, currency, amount, models.RefDeposit, depositID)
	if err != nil {
		return nil, fmt.Errorf("credit deposit: %w", err)
	}

	event := messaging.NewEvent(messaging.EventDepositCredited, userID)
	event.Currency = currency
	event.Amount = amount
	if err := f.events.Publish(ctx, event); err != nil {
		f.logger.Warn("deposit event publish failed",
			zap.String("deposit_id", depositID), zap.Error(err))
	}

	f.logger.Info("deposit credited",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.String("deposit_id", depositID))
	return entry, nil
}

// Withdraw debits a withdrawal through the reserve path so a crash between
// the two steps leaves funds reserved, never lost: reserve first, then debit
// once the payout is handed to the processor.
func (f *Funding) Withdraw(ctx context.Context, userID uuid.UUID, currency string, amount decimal.Decimal, withdrawalID string) (*models.LedgerEntry, error) {
	if withdrawalID == "" {
		return nil, fmt.Errorf("%w: withdrawal id required", ErrInvalidOrder)
	}
	if _, err := f.ledger.Reserve(ctx, userID, currency, amount, models.RefWithdrawal, withdrawalID); err != nil {
		return nil, fmt.Errorf("reserve withdrawal: %w", err)
	}
	entry, err := f.ledger.Debit(ctx, userID, currency, amount, models.RefWithdrawal, withdrawalID)
	if err != nil {
		return nil, fmt.Errorf("debit withdrawal: %w", err)
	}

	event := messaging.NewEvent(messaging.EventWithdrawalCompleted, userID)
	event.Currency = currency
	event.Amount = amount
	if err := f.events.Publish(ctx, event); err != nil {
		f.logger.Warn("withdrawal event publish failed",
			zap.String("withdrawal_id", withdrawalID), zap.Error(err))
	}

	f.logger.Info("withdrawal completed",
		zap.String("user_id", userID.String()),
		zap.String("currency", currency),
		zap.String("amount", amount.String()),
		zap.String("withdrawal_id", withdrawalID))
	return entry, nil
}
