// Package exchange provides a uniform gateway over external trading venues,
// wrapping every call with retry, a per-venue circuit breaker and failover.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/litebittech/broker/pkg/models"
)

// VenueName identifies a supported venue. The set is closed: adapters are
// constructed from typed config in NewVenue, so every venue is known to
// support the full capability interface at compile time.
type VenueName string

const (
	VenueCoinbase VenueName = "coinbase"
	VenueKraken   VenueName = "kraken"
	VenueBinance  VenueName = "binance"
)

// OrderStatus is the venue-normalized order state.
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusFilled          OrderStatus = "FILLED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the venue considers the order finished.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// PlaceOrderRequest is a normalized order submission. Amount is always the
// base-currency quantity; symbols are BASE-QUOTE.
type PlaceOrderRequest struct {
	Symbol        string
	Side          models.OrderSide
	Type          models.OrderType
	BaseAmount    decimal.Decimal
	LimitPrice    *decimal.Decimal
	ClientOrderID string
}

// OrderResult is a normalized venue response for a placed or queried order.
type OrderResult struct {
	Venue        VenueName
	VenueOrderID string
	Status       OrderStatus
	FilledAmount decimal.Decimal
	AveragePrice decimal.Decimal
	Fee          decimal.Decimal
}

// Quote is an indicative price for a requested trade, derived from the
// serving venue's ticker. No funds are touched by quoting.
type Quote struct {
	Venue       VenueName
	Symbol      string
	Side        models.OrderSide
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
	Price       decimal.Decimal
}

// Ticker is a normalized market snapshot.
type Ticker struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	Last   decimal.Decimal
	Time   time.Time
}

// Balance is a venue-held balance, used for post-trade reconciliation checks.
type Balance struct {
	Currency  string
	Total     decimal.Decimal
	Available decimal.Decimal
}

// Venue is the capability interface every adapter implements.
// GetOrderByClientID looks an order up by the client order id we generated,
// for placements whose response (and venue order id) was lost; a venue that
// never saw the id answers with a rejection.
type Venue interface {
	Name() VenueName
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderResult, error)
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetBalances(ctx context.Context) ([]Balance, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
}
