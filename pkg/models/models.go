package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryReserve EntryType = "RESERVE"
	EntryRelease EntryType = "RELEASE"
	EntryCredit  EntryType = "CREDIT"
	EntryDebit   EntryType = "DEBIT"
)

// ReferenceType identifies the business object a ledger entry belongs to.
type ReferenceType string

const (
	RefOrder      ReferenceType = "ORDER"
	RefDeposit    ReferenceType = "DEPOSIT"
	RefWithdrawal ReferenceType = "WITHDRAWAL"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	TypeMarket OrderType = "MARKET"
	TypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the settlement state machine:
// CREATED -> RESERVED -> SUBMITTED -> FILLED | FAILED, with
// RESERVED -> CANCELLED and SUBMITTED -> FAILED as the only other
// transitions. FILLED, FAILED and CANCELLED are terminal.
type OrderStatus string

const (
	OrderCreated   OrderStatus = "CREATED"
	OrderReserved  OrderStatus = "RESERVED"
	OrderSubmitted OrderStatus = "SUBMITTED"
	OrderFilled    OrderStatus = "FILLED"
	OrderFailed    OrderStatus = "FAILED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderFailed || s == OrderCancelled
}

// Account holds one user's balance in one currency. Total is always
// Available + Reserved; all three are non-negative. Accounts are created
// lazily on first credit and never deleted, so zero-balance rows persist
// for audit.
type Account struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID    uuid.UUID       `json:"user_id" gorm:"type:uuid;uniqueIndex:idx_accounts_user_currency"`
	Currency  string          `json:"currency" gorm:"uniqueIndex:idx_accounts_user_currency"`
	Total     decimal.Decimal `json:"total" gorm:"type:decimal(32,18)"`
	Available decimal.Decimal `json:"available" gorm:"type:decimal(32,18)"`
	Reserved  decimal.Decimal `json:"reserved" gorm:"type:decimal(32,18)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LedgerEntry is the immutable audit record for a single balance mutation.
// Every mutation writes exactly one entry in the same database transaction
// as the account update. (ReferenceType, ReferenceID, EntryType) is the
// idempotency key for reservations.
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	UserID        uuid.UUID       `json:"user_id" gorm:"type:uuid;index:idx_entries_account,priority:1"`
	Currency      string          `json:"currency" gorm:"index:idx_entries_account,priority:2"`
	EntryType     EntryType       `json:"entry_type" gorm:"index:idx_entries_reference,priority:3"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:decimal(32,18)"`
	BalanceBefore decimal.Decimal `json:"balance_before" gorm:"type:decimal(32,18)"`
	BalanceAfter  decimal.Decimal `json:"balance_after" gorm:"type:decimal(32,18)"`
	ReferenceType ReferenceType   `json:"reference_type" gorm:"index:idx_entries_reference,priority:1"`
	ReferenceID   string          `json:"reference_id" gorm:"index:idx_entries_reference,priority:2"`
	Description   string          `json:"description"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index:idx_entries_account,priority:3"`
}

// Order is a customer order executed against an external venue. Orders are
// mutated only by the settlement orchestrator and the reconciliation worker
// and never deleted.
type Order struct {
	ID              uuid.UUID        `json:"id" gorm:"primaryKey;type:uuid"`
	UserID          uuid.UUID        `json:"user_id" gorm:"type:uuid;index:idx_orders_user_status,priority:1"`
	Symbol          string           `json:"symbol" gorm:"index"`
	Side            OrderSide        `json:"side"`
	Type            OrderType        `json:"type"`
	RequestedAmount decimal.Decimal  `json:"requested_amount" gorm:"type:decimal(32,18)"`
	QuoteAmount     decimal.Decimal  `json:"quote_amount" gorm:"type:decimal(32,18)"`
	LimitPrice      *decimal.Decimal `json:"limit_price,omitempty" gorm:"type:decimal(32,18)"`
	Status          OrderStatus      `json:"status" gorm:"index:idx_orders_user_status,priority:2"`
	Venue           string           `json:"venue"`
	VenueOrderID    string           `json:"venue_order_id"`
	FilledAmount    decimal.Decimal  `json:"filled_amount" gorm:"type:decimal(32,18)"`
	AveragePrice    *decimal.Decimal `json:"average_price,omitempty" gorm:"type:decimal(32,18)"`
	Fee             decimal.Decimal  `json:"fee" gorm:"type:decimal(32,18)"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at" gorm:"index:idx_orders_user_status,priority:3"`
	UpdatedAt       time.Time        `json:"updated_at"`
	FilledAt        *time.Time       `json:"filled_at,omitempty"`
	CancelledAt     *time.Time       `json:"cancelled_at,omitempty"`
}

// BaseCurrency returns the base leg of the order symbol (BTC for BTC-GBP).
func (o *Order) BaseCurrency() string {
	return splitSymbol(o.Symbol, 0)
}

// QuoteCurrency returns the quote leg of the order symbol (GBP for BTC-GBP).
func (o *Order) QuoteCurrency() string {
	return splitSymbol(o.Symbol, 1)
}

// LockLeg returns the currency and amount reserved while the order is in
// flight: the quote leg for a buy, the base leg for a sell.
func (o *Order) LockLeg() (string, decimal.Decimal) {
	if o.Side == SideBuy {
		return o.QuoteCurrency(), o.QuoteAmount
	}
	return o.BaseCurrency(), o.RequestedAmount
}

func splitSymbol(symbol string, part int) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '-' {
			if part == 0 {
				return symbol[:i]
			}
			return symbol[i+1:]
		}
	}
	return ""
}
