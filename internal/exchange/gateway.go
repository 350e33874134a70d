package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/litebittech/broker/internal/metrics"
	"github.com/litebittech/broker/pkg/models"
)

// GatewayConfig controls retry and breaker behaviour.
type GatewayConfig struct {
	MaxRetries         int
	RetryBaseDelay     time.Duration
	BreakerMaxFailures int
	BreakerResetWindow time.Duration
}

// Gateway routes venue calls through retry, circuit breaking and failover.
// Orders are placed on the primary venue and fail over to the secondary;
// queries and cancels are directed at the venue that holds the order.
type Gateway struct {
	primary   Venue
	secondary Venue
	breakers  map[VenueName]*Breaker
	cfg       GatewayConfig
	logger    *zap.Logger

	// sleep is injectable so tests can run backoff without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGateway creates a gateway over a primary and secondary venue sharing
// one breaker store.
func NewGateway(primary, secondary Venue, store BreakerStore, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = 5
	}
	if cfg.BreakerResetWindow <= 0 {
		cfg.BreakerResetWindow = time.Minute
	}

	breakers := make(map[VenueName]*Breaker)
	for _, v := range []Venue{primary, secondary} {
		if v == nil {
			continue
		}
		breakers[v.Name()] = NewBreaker(v.Name(), store, cfg.BreakerMaxFailures, cfg.BreakerResetWindow, logger)
	}

	return &Gateway{
		primary:   primary,
		secondary: secondary,
		breakers:  breakers,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetQuote returns an indicative quote for a base-amount trade, failing over
// from primary to secondary. The quote records the venue that priced it.
func (g *Gateway) GetQuote(ctx context.Context, symbol string, side models.OrderSide, baseAmount decimal.Decimal) (*Quote, error) {
	var lastErr error
	for _, v := range g.venues() {
		var ticker *Ticker
		err := g.call(ctx, v, "get_ticker", false, func() error {
			var err error
			ticker, err = v.GetTicker(ctx, symbol)
			return err
		})
		if err != nil {
			lastErr = err
			continue
		}

		price := ticker.Ask
		if side == models.SideSell {
			price = ticker.Bid
		}
		return &Quote{
			Venue:       v.Name(),
			Symbol:      symbol,
			Side:        side,
			BaseAmount:  baseAmount,
			QuoteAmount: baseAmount.Mul(price),
			Price:       price,
		}, nil
	}
	return nil, fmt.Errorf("all venues failed to quote %s: %w", symbol, lastErr)
}

// PlaceOrder submits the order on the primary venue and fails over to the
// secondary on transient failure or open breaker. The result reports which
// venue serviced the request. Two outcomes never fail over: a timeout (the
// order may have executed; the reconciler resolves it) and a definitive
// rejection (the secondary would reject the same order).
func (g *Gateway) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*OrderResult, error) {
	var lastErr error
	for _, v := range g.venues() {
		var res *OrderResult
		err := g.call(ctx, v, "place_order", true, func() error {
			var err error
			res, err = v.PlaceOrder(ctx, req)
			return err
		})
		if err == nil {
			res.Venue = v.Name()
			return res, nil
		}
		if IsTimeout(err) || IsRejected(err) {
			return nil, err
		}
		if v == g.primary && g.secondary != nil {
			g.logger.Warn("primary venue failed, trying failover",
				zap.String("venue", string(v.Name())),
				zap.String("client_order_id", req.ClientOrderID),
				zap.Error(err))
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all venues failed: %w", lastErr)
}

// GetOrder queries the given venue for an order. No failover: only the venue
// that holds the order can answer.
func (g *Gateway) GetOrder(ctx context.Context, venue VenueName, symbol, orderID string) (*OrderResult, error) {
	v, err := g.venueByName(venue)
	if err != nil {
		return nil, err
	}
	var res *OrderResult
	err = g.call(ctx, v, "get_order", false, func() error {
		var err error
		res, err = v.GetOrder(ctx, symbol, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.Venue = venue
	return res, nil
}

// GetOrderByClientID queries one venue for an order by our client order id,
// used when the placement response never arrived and no venue order id was
// recorded. A venue that never saw the id answers with a rejection.
func (g *Gateway) GetOrderByClientID(ctx context.Context, venue VenueName, symbol, clientOrderID string) (*OrderResult, error) {
	v, err := g.venueByName(venue)
	if err != nil {
		return nil, err
	}
	var res *OrderResult
	err = g.call(ctx, v, "get_order", false, func() error {
		var err error
		res, err = v.GetOrderByClientID(ctx, symbol, clientOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.Venue = venue
	return res, nil
}

// CancelOrder cancels an order on the venue that holds it.
func (g *Gateway) CancelOrder(ctx context.Context, venue VenueName, symbol, orderID string) error {
	v, err := g.venueByName(venue)
	if err != nil {
		return err
	}
	return g.call(ctx, v, "cancel_order", false, func() error {
		return v.CancelOrder(ctx, symbol, orderID)
	})
}

// GetBalances returns the service's balances held at the venue.
func (g *Gateway) GetBalances(ctx context.Context, venue VenueName) ([]Balance, error) {
	v, err := g.venueByName(venue)
	if err != nil {
		return nil, err
	}
	var balances []Balance
	err = g.call(ctx, v, "get_balances", false, func() error {
		var err error
		balances, err = v.GetBalances(ctx)
		return err
	})
	return balances, err
}

// VenueNames lists the configured venues, primary first.
func (g *Gateway) VenueNames() []VenueName {
	names := make([]VenueName, 0, 2)
	for _, v := range g.venues() {
		names = append(names, v.Name())
	}
	return names
}

func (g *Gateway) venues() []Venue {
	vs := make([]Venue, 0, 2)
	if g.primary != nil {
		vs = append(vs, g.primary)
	}
	if g.secondary != nil {
		vs = append(vs, g.secondary)
	}
	return vs
}

func (g *Gateway) venueByName(name VenueName) (Venue, error) {
	for _, v := range g.venues() {
		if v.Name() == name {
			return v, nil
		}
	}
	return nil, fmt.Errorf("venue %s not configured", name)
}

// call wraps one venue operation with the breaker and retry policy.
// Transient errors retry with exponential backoff; a timeout on an
// order placement aborts immediately because the outcome is unknown.
func (g *Gateway) call(ctx context.Context, v Venue, op string, placing bool, fn func() error) error {
	breaker := g.breakers[v.Name()]
	if err := breaker.Allow(ctx); err != nil {
		metrics.VenueRequests.WithLabelValues(string(v.Name()), op, "circuit_open").Inc()
		return err
	}

	var err error
	for attempt := 1; attempt <= g.cfg.MaxRetries; attempt++ {
		start := time.Now()
		err = fn()
		metrics.VenueLatency.WithLabelValues(string(v.Name()), op).Observe(time.Since(start).Seconds())

		if err == nil {
			breaker.RecordSuccess(ctx)
			metrics.VenueRequests.WithLabelValues(string(v.Name()), op, "success").Inc()
			return nil
		}
		if IsTimeout(err) && placing {
			breaker.RecordFailure(ctx)
			metrics.VenueRequests.WithLabelValues(string(v.Name()), op, "timeout").Inc()
			return err
		}
		if !IsRetryable(err) {
			// The venue answered; a rejection is not a venue failure.
			metrics.VenueRequests.WithLabelValues(string(v.Name()), op, "rejected").Inc()
			return err
		}
		if attempt < g.cfg.MaxRetries {
			delay := g.cfg.RetryBaseDelay << (attempt - 1)
			g.logger.Debug("retrying venue call",
				zap.String("venue", string(v.Name())),
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if serr := g.sleep(ctx, delay); serr != nil {
				break
			}
		}
	}

	breaker.RecordFailure(ctx)
	metrics.VenueRequests.WithLabelValues(string(v.Name()), op, "failure").Inc()
	return err
}
