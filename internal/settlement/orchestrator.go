// Package settlement sequences order execution end to end: quote, reserve,
// submit to a venue, then commit or unwind the ledger. Funds are never at
// risk while unreserved and never reserved while a ledger lock is held
// across a network call.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/litebittech/broker/internal/exchange"
	"github.com/litebittech/broker/internal/ledger"
	"github.com/litebittech/broker/internal/messaging"
	"github.com/litebittech/broker/internal/metrics"
	"github.com/litebittech/broker/pkg/models"
)

// User-visible failure reasons.
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonVenueUnavailable    = "venue_unavailable"
	ReasonRejectedByVenue     = "rejected_by_venue"
)

var (
	// ErrOrderNotFound means no order matches the id for the user.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidTransition means the requested status change is not
	// allowed by the settlement state machine.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrNotCancellable means the order is already submitted or terminal.
	ErrNotCancellable = errors.New("order can no longer be cancelled")

	// ErrInvalidOrder means the request failed validation.
	ErrInvalidOrder = errors.New("invalid order request")
)

// validTransitions is the settlement state machine. No transition skips a
// state; FILLED, FAILED and CANCELLED are terminal.
var validTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderCreated:   {models.OrderReserved, models.OrderFailed, models.OrderCancelled},
	models.OrderReserved:  {models.OrderSubmitted, models.OrderCancelled, models.OrderFailed},
	models.OrderSubmitted: {models.OrderFilled, models.OrderFailed, models.OrderCancelled},
}

// CreateOrderRequest is the inbound contract for order creation. Amount is
// the base-currency quantity.
type CreateOrderRequest struct {
	UserID     uuid.UUID
	Symbol     string
	Side       models.OrderSide
	Type       models.OrderType
	Amount     decimal.Decimal
	LimitPrice *decimal.Decimal
}

// Orchestrator drives the order settlement state machine.
type Orchestrator struct {
	db      *gorm.DB
	ledger  *ledger.Service
	gateway *exchange.Gateway
	events  messaging.Publisher
	logger  *zap.Logger
}

// NewOrchestrator creates a settlement orchestrator.
func NewOrchestrator(db *gorm.DB, ledgerSvc *ledger.Service, gateway *exchange.Gateway, events messaging.Publisher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		db:      db,
		ledger:  ledgerSvc,
		gateway: gateway,
		events:  events,
		logger:  logger,
	}
}

// CreateOrder executes an order end to end:
// quote -> reserve -> submit -> commit or unwind.
// A venue timeout leaves the order SUBMITTED for the reconciliation worker;
// every other failure releases the reservation and fails the order.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	quote, err := o.gateway.GetQuote(ctx, req.Symbol, req.Side, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", req.Symbol, err)
	}

	order := &models.Order{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		RequestedAmount: req.Amount,
		QuoteAmount:     quote.QuoteAmount,
		LimitPrice:      req.LimitPrice,
		Status:          models.OrderCreated,
		FilledAmount:    decimal.Zero,
		Fee:             decimal.Zero,
		CreatedAt:       time.Now(),
	}
	if req.Type == models.TypeLimit && req.LimitPrice != nil {
		order.QuoteAmount = req.Amount.Mul(*req.LimitPrice)
	}
	if err := o.db.WithContext(ctx).Create(order).Error; err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	// Lock the money leg at risk: quote currency for a buy, base for a sell.
	lockCurrency, lockAmount := order.LockLeg()
	if _, err := o.ledger.Reserve(ctx, order.UserID, lockCurrency, lockAmount, models.RefOrder, order.ID.String()); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			o.failOrder(ctx, order, ReasonInsufficientBalance, false)
			return order, err
		}
		return order, fmt.Errorf("reserve funds: %w", err)
	}
	if err := o.transition(ctx, order, models.OrderReserved, nil); err != nil {
		return order, err
	}

	// SUBMITTED is recorded before the venue call returns so that a crash
	// mid-call is recoverable by reconciliation.
	if err := o.transition(ctx, order, models.OrderSubmitted, nil); err != nil {
		return order, err
	}

	result, err := o.gateway.PlaceOrder(ctx, exchange.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		BaseAmount:    order.RequestedAmount,
		LimitPrice:    order.LimitPrice,
		ClientOrderID: order.ID.String(),
	})
	if err != nil {
		if exchange.IsTimeout(err) {
			// Unknown outcome: the venue may have filled the order. Keep the
			// reservation and let the reconciliation worker resolve it.
			o.logger.Warn("venue timeout, deferring to reconciliation",
				zap.String("order_id", order.ID.String()))
			return order, nil
		}
		reason := ReasonVenueUnavailable
		if exchange.IsRejected(err) {
			reason = ReasonRejectedByVenue
		}
		o.failOrder(ctx, order, reason, true)
		return order, err
	}

	order.Venue = string(result.Venue)
	order.VenueOrderID = result.VenueOrderID
	if result.Status == exchange.StatusPending {
		// Resting limit order: accepted but not yet filled. Persist the
		// venue handle and leave settlement to reconciliation.
		if err := o.db.WithContext(ctx).Save(order).Error; err != nil {
			return order, fmt.Errorf("save order: %w", err)
		}
		return order, nil
	}

	if err := o.settleFill(ctx, order, result); err != nil {
		return order, err
	}
	return order, nil
}

// CancelOrder cancels a resting order. Orders not yet submitted release
// their reservation directly; submitted orders are cancelled on the venue
// first, then unwound with whatever partial fill the venue reports.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	order, err := o.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	switch order.Status {
	case models.OrderCreated:
		if err := o.transition(ctx, order, models.OrderCancelled, stampCancelled); err != nil {
			return order, err
		}
	case models.OrderReserved:
		lockCurrency, lockAmount := order.LockLeg()
		if _, err := o.ledger.Release(ctx, order.UserID, lockCurrency, lockAmount, models.RefOrder, order.ID.String()); err != nil {
			return order, fmt.Errorf("release reservation: %w", err)
		}
		if err := o.transition(ctx, order, models.OrderCancelled, stampCancelled); err != nil {
			return order, err
		}
	case models.OrderSubmitted:
		if order.VenueOrderID == "" {
			return order, ErrNotCancellable
		}
		if err := o.gateway.CancelOrder(ctx, exchange.VenueName(order.Venue), order.Symbol, order.VenueOrderID); err != nil {
			return order, fmt.Errorf("cancel on venue: %w", err)
		}
		result, err := o.gateway.GetOrder(ctx, exchange.VenueName(order.Venue), order.Symbol, order.VenueOrderID)
		if err != nil {
			// Venue accepted the cancel but the confirmation read failed;
			// reconciliation will finish the unwind.
			return order, nil
		}
		if err := o.resolveTerminal(ctx, order, result); err != nil {
			return order, err
		}
	default:
		return order, ErrNotCancellable
	}

	// A submitted order can come back filled instead of cancelled; those
	// paths publish their own events.
	if order.Status == models.OrderCancelled {
		o.publish(ctx, messaging.EventOrderCancelled, order, "")
		metrics.OrdersSettled.WithLabelValues(string(models.OrderCancelled)).Inc()
	}
	return order, nil
}

// AmendOrder changes price or amount on a resting limit order by cancelling
// it and creating a replacement. Venue orders are never mutated in place, so
// there is no partial-amend ambiguity.
func (o *Orchestrator) AmendOrder(ctx context.Context, orderID, userID uuid.UUID, amount decimal.Decimal, limitPrice *decimal.Decimal) (*models.Order, error) {
	order, err := o.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if order.Type != models.TypeLimit {
		return nil, fmt.Errorf("%w: only limit orders can be amended", ErrInvalidOrder)
	}

	cancelled, err := o.CancelOrder(ctx, orderID, userID)
	if err != nil {
		return cancelled, fmt.Errorf("amend: cancel existing order: %w", err)
	}
	if cancelled.Status != models.OrderCancelled {
		// The cancel raced a venue-side fill and the order settled instead.
		// Recreating now would execute the user's intent twice.
		return cancelled, fmt.Errorf("%w: order settled as %s before amendment", ErrNotCancellable, cancelled.Status)
	}

	return o.CreateOrder(ctx, CreateOrderRequest{
		UserID:     userID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Type:       order.Type,
		Amount:     amount,
		LimitPrice: limitPrice,
	})
}

// GetOrder loads one order scoped to its owner.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID, userID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := o.db.WithContext(ctx).Where("id = ? AND user_id = ?", orderID, userID).First(&order).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	return &order, nil
}

// ListOrders returns the user's orders newest-first.
func (o *Orchestrator) ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var orders []*models.Order
	err := o.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	return orders, nil
}

// GetQuote returns an indicative quote without touching funds.
func (o *Orchestrator) GetQuote(ctx context.Context, symbol string, side models.OrderSide, amount decimal.Decimal) (*exchange.Quote, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	return o.gateway.GetQuote(ctx, symbol, side, amount)
}

// settleFill commits a fill: debit the consumed part of the reservation,
// credit the received asset with the same reference id, release any
// unconsumed remainder, and mark the order filled. Received amounts come
// from the venue's fill report.
func (o *Orchestrator) settleFill(ctx context.Context, order *models.Order, result *exchange.OrderResult) error {
	lockCurrency, reserved := order.LockLeg()

	var debit, credit decimal.Decimal
	var creditCurrency string
	if order.Side == models.SideBuy {
		debit = result.FilledAmount.Mul(result.AveragePrice)
		credit = result.FilledAmount
		creditCurrency = order.BaseCurrency()
	} else {
		debit = result.FilledAmount
		credit = result.FilledAmount.Mul(result.AveragePrice)
		creditCurrency = order.QuoteCurrency()
	}
	if debit.GreaterThan(reserved) {
		// Slippage beyond the reservation cannot pull from available funds;
		// the shortfall surfaces in venue-balance reconciliation.
		o.logger.Warn("fill consumed more than reserved, capping debit",
			zap.String("order_id", order.ID.String()),
			zap.String("debit", debit.String()),
			zap.String("reserved", reserved.String()))
		debit = reserved
	}

	refID := order.ID.String()
	if debit.IsPositive() {
		if _, err := o.ledger.Debit(ctx, order.UserID, lockCurrency, debit, models.RefOrder, refID); err != nil {
			return fmt.Errorf("debit reserved funds: %w", err)
		}
	}
	if credit.IsPositive() {
		if _, err := o.ledger.Credit(ctx, order.UserID, creditCurrency, credit, models.RefOrder, refID); err != nil {
			return fmt.Errorf("credit received funds: %w", err)
		}
	}
	if remainder := reserved.Sub(debit); remainder.IsPositive() {
		if _, err := o.ledger.Release(ctx, order.UserID, lockCurrency, remainder, models.RefOrder, refID); err != nil {
			return fmt.Errorf("release unconsumed reservation: %w", err)
		}
	}

	avg := result.AveragePrice
	err := o.transition(ctx, order, models.OrderFilled, func(ord *models.Order) {
		ord.Venue = string(result.Venue)
		ord.VenueOrderID = result.VenueOrderID
		ord.FilledAmount = result.FilledAmount
		ord.AveragePrice = &avg
		ord.Fee = result.Fee
		now := time.Now()
		ord.FilledAt = &now
	})
	if err != nil {
		return err
	}

	o.publish(ctx, messaging.EventOrderFilled, order, "")
	metrics.OrdersSettled.WithLabelValues(string(models.OrderFilled)).Inc()
	o.logger.Info("order filled",
		zap.String("order_id", order.ID.String()),
		zap.String("venue", order.Venue),
		zap.String("filled_amount", order.FilledAmount.String()))
	return nil
}

// failOrder releases the reservation (when one was taken) and marks the
// order failed with a user-visible reason.
func (o *Orchestrator) failOrder(ctx context.Context, order *models.Order, reason string, release bool) {
	if release {
		lockCurrency, lockAmount := order.LockLeg()
		if _, err := o.ledger.Release(ctx, order.UserID, lockCurrency, lockAmount, models.RefOrder, order.ID.String()); err != nil {
			// A stuck reservation is worse than a noisy log; reconciliation
			// and the audit trail expose it.
			o.logger.Error("failed to release reservation for failed order",
				zap.String("order_id", order.ID.String()), zap.Error(err))
		}
	}
	if err := o.transition(ctx, order, models.OrderFailed, func(ord *models.Order) {
		ord.FailureReason = reason
	}); err != nil {
		o.logger.Error("failed to mark order failed",
			zap.String("order_id", order.ID.String()), zap.Error(err))
		return
	}

	o.publish(ctx, messaging.EventOrderFailed, order, reason)
	metrics.OrdersSettled.WithLabelValues(string(models.OrderFailed)).Inc()
	o.logger.Info("order failed",
		zap.String("order_id", order.ID.String()),
		zap.String("reason", reason))
}

// resolveTerminal applies a venue-reported terminal state to a submitted
// order: fills (including partial) are committed, cancels and rejections
// release whatever remains reserved. Shared with the reconciliation worker.
func (o *Orchestrator) resolveTerminal(ctx context.Context, order *models.Order, result *exchange.OrderResult) error {
	switch result.Status {
	case exchange.StatusFilled, exchange.StatusPartiallyFilled:
		return o.settleFill(ctx, order, result)
	case exchange.StatusCancelled:
		if result.FilledAmount.IsPositive() {
			// Cancelled after a partial fill: commit what executed,
			// settleFill releases the rest.
			return o.settleFill(ctx, order, result)
		}
		lockCurrency, lockAmount := order.LockLeg()
		if _, err := o.ledger.Release(ctx, order.UserID, lockCurrency, lockAmount, models.RefOrder, order.ID.String()); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
		return o.transition(ctx, order, models.OrderCancelled, stampCancelled)
	case exchange.StatusRejected:
		o.failOrder(ctx, order, ReasonRejectedByVenue, true)
		return nil
	default:
		return nil
	}
}

// transition validates and persists a status change. The update is guarded
// by the expected current status so two writers racing on the same order
// (a user cancel against a reconciler sweep) cannot overwrite each other's
// terminal state; the loser gets ErrInvalidTransition with the order
// reloaded to what actually won.
func (o *Orchestrator) transition(ctx context.Context, order *models.Order, to models.OrderStatus, mutate func(*models.Order)) error {
	from := order.Status
	allowed := false
	for _, next := range validTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	order.Status = to
	order.UpdatedAt = time.Now()
	if mutate != nil {
		mutate(order)
	}

	res := o.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ? AND status = ?", order.ID, from).
		Select("*").Omit("id", "created_at").
		Updates(order)
	if res.Error != nil {
		return fmt.Errorf("save order %s: %w", order.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		var current models.Order
		if err := o.db.WithContext(ctx).First(&current, "id = ?", order.ID).Error; err == nil {
			*order = current
		}
		return fmt.Errorf("%w: %s -> %s (order is %s)", ErrInvalidTransition, from, to, order.Status)
	}
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, eventType messaging.EventType, order *models.Order, reason string) {
	event := messaging.NewEvent(eventType, order.UserID)
	event.OrderID = order.ID.String()
	event.Symbol = order.Symbol
	event.Amount = order.FilledAmount
	event.Venue = order.Venue
	event.Reason = reason
	if err := o.events.Publish(ctx, event); err != nil {
		// Event delivery is decoupled from settlement correctness.
		o.logger.Warn("event publish failed",
			zap.String("type", string(eventType)),
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
	}
}

func stampCancelled(ord *models.Order) {
	now := time.Now()
	ord.CancelledAt = &now
}

func validateRequest(req CreateOrderRequest) error {
	if req.UserID == uuid.Nil {
		return fmt.Errorf("%w: user id required", ErrInvalidOrder)
	}
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidOrder)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidOrder)
	}
	if req.Type != models.TypeMarket && req.Type != models.TypeLimit {
		return fmt.Errorf("%w: type must be MARKET or LIMIT", ErrInvalidOrder)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	}
	if req.Type == models.TypeLimit && (req.LimitPrice == nil || !req.LimitPrice.IsPositive()) {
		return fmt.Errorf("%w: limit orders require a positive limit price", ErrInvalidOrder)
	}
	return nil
}
