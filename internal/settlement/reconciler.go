package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/litebittech/broker/internal/exchange"
	"github.com/litebittech/broker/internal/metrics"
	"github.com/litebittech/broker/pkg/models"
)

// ReconcilerConfig controls the reconciliation sweep.
type ReconcilerConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// GracePeriod is how long a SUBMITTED order is left alone before the
	// worker queries the venue; it covers the normal round-trip of an
	// in-flight placement.
	GracePeriod time.Duration
	// BatchSize caps orders examined per sweep.
	BatchSize int
}

// Reconciler resolves orders stranded in SUBMITTED: placements whose
// response was lost to a timeout or crash, and resting limit orders waiting
// for a venue-side fill. It queries the venue that holds each order and
// drives the order to the state the venue reports.
type Reconciler struct {
	db      *gorm.DB
	orch    *Orchestrator
	gateway *exchange.Gateway
	cfg     ReconcilerConfig
	logger  *zap.Logger
}

// NewReconciler creates a reconciliation worker.
func NewReconciler(db *gorm.DB, orch *Orchestrator, gateway *exchange.Gateway, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 15 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		db:      db,
		orch:    orch,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reconciliation worker started",
		zap.Duration("interval", r.cfg.Interval),
		zap.Duration("grace_period", r.cfg.GracePeriod))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs a single sweep. Per-order failures are logged and
// skipped; the order stays SUBMITTED for the next sweep.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-r.cfg.GracePeriod)
	var orders []*models.Order
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.OrderSubmitted, cutoff).
		Order("updated_at ASC").
		Limit(r.cfg.BatchSize).
		Find(&orders).Error
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		return nil
	}

	r.logger.Info("reconciling submitted orders", zap.Int("count", len(orders)))
	for _, order := range orders {
		if err := r.reconcile(ctx, order); err != nil {
			r.logger.Warn("order reconciliation deferred",
				zap.String("order_id", order.ID.String()),
				zap.String("venue", order.Venue),
				zap.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcile(ctx context.Context, order *models.Order) error {
	if order.Venue == "" || order.VenueOrderID == "" {
		// The placement response was lost before a venue order id was
		// recorded. Look the order up by the client order id we sent on
		// placement; venues that never saw it answer not-found.
		return r.reconcileUnplaced(ctx, order)
	}

	result, err := r.gateway.GetOrder(ctx, exchange.VenueName(order.Venue), order.Symbol, order.VenueOrderID)
	if err != nil {
		return err
	}
	return r.apply(ctx, order, result)
}

// reconcileUnplaced asks each configured venue for the order by client id. An
// order none of them knows never reached a matching engine, so its
// reservation is released and the order fails.
func (r *Reconciler) reconcileUnplaced(ctx context.Context, order *models.Order) error {
	for _, venue := range r.gateway.VenueNames() {
		result, err := r.gateway.GetOrderByClientID(ctx, venue, order.Symbol, order.ID.String())
		if err != nil {
			if exchange.IsRejected(err) {
				// Not found on this venue; try the next.
				continue
			}
			// Transient error: can't rule the venue out, retry next sweep.
			return err
		}
		order.Venue = string(venue)
		order.VenueOrderID = result.VenueOrderID
		return r.apply(ctx, order, result)
	}

	r.logger.Info("submitted order not found on any venue, releasing funds",
		zap.String("order_id", order.ID.String()))
	r.orch.failOrder(ctx, order, ReasonVenueUnavailable, true)
	metrics.ReconciliationRepairs.WithLabelValues("released").Inc()
	return nil
}

// apply drives the order to the venue-reported state.
func (r *Reconciler) apply(ctx context.Context, order *models.Order, result *exchange.OrderResult) error {
	if !result.Status.Terminal() {
		// Still resting on the venue's book.
		return nil
	}

	if err := r.orch.resolveTerminal(ctx, order, result); err != nil {
		return err
	}

	resolution := "released"
	if result.FilledAmount.IsPositive() {
		resolution = "committed"
	}
	metrics.ReconciliationRepairs.WithLabelValues(resolution).Inc()
	r.logger.Info("order reconciled",
		zap.String("order_id", order.ID.String()),
		zap.String("venue", order.Venue),
		zap.String("venue_status", string(result.Status)),
		zap.String("filled_amount", result.FilledAmount.String()))
	return nil
}
