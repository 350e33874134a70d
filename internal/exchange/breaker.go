package exchange

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/litebittech/broker/internal/metrics"
)

// Breaker is a per-venue circuit breaker backed by a shared store.
// CLOSED -> OPEN after maxFailures consecutive failures; OPEN rejects calls
// until the reset window elapses, then HALF_OPEN admits exactly one trial;
// a successful trial returns to CLOSED with the counter reset, a failed one
// reopens the breaker and restarts the window.
type Breaker struct {
	venue       VenueName
	store       BreakerStore
	maxFailures int
	resetWindow time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

// NewBreaker creates a breaker for one venue.
func NewBreaker(venue VenueName, store BreakerStore, maxFailures int, resetWindow time.Duration, logger *zap.Logger) *Breaker {
	return &Breaker{
		venue:       venue,
		store:       store,
		maxFailures: maxFailures,
		resetWindow: resetWindow,
		logger:      logger,
		now:         time.Now,
	}
}

// Allow reports whether a call may proceed. It returns a CircuitOpenError
// when the breaker is open, or when a half-open trial is already in flight.
func (b *Breaker) Allow(ctx context.Context) error {
	rec, err := b.store.Get(ctx, b.venue)
	if err != nil {
		// A broken store must not take the venue down with it.
		b.logger.Warn("breaker store unavailable, allowing call",
			zap.String("venue", string(b.venue)), zap.Error(err))
		return nil
	}

	switch rec.State {
	case BreakerOpen:
		if b.now().Sub(rec.LastFailureAt) < b.resetWindow {
			return &CircuitOpenError{Venue: b.venue}
		}
		rec.State = BreakerHalfOpen
		if err := b.store.Put(ctx, b.venue, rec); err != nil {
			return err
		}
		b.setStateMetric(rec.State)
		b.logger.Info("circuit breaker half-open, allowing trial call",
			zap.String("venue", string(b.venue)))
		return nil
	case BreakerHalfOpen:
		// Trial already in flight.
		return &CircuitOpenError{Venue: b.venue}
	default:
		return nil
	}
}

// RecordSuccess closes the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	rec, err := b.store.Get(ctx, b.venue)
	if err != nil {
		return
	}
	if rec.State == BreakerClosed && rec.FailureCount == 0 {
		return
	}
	if rec.State != BreakerClosed {
		b.logger.Info("circuit breaker closed",
			zap.String("venue", string(b.venue)))
	}
	rec.State = BreakerClosed
	rec.FailureCount = 0
	if err := b.store.Put(ctx, b.venue, rec); err != nil {
		b.logger.Warn("breaker store update failed",
			zap.String("venue", string(b.venue)), zap.Error(err))
		return
	}
	b.setStateMetric(rec.State)
}

// RecordFailure increments the failure counter and opens the breaker when
// the threshold is reached or a half-open trial fails.
func (b *Breaker) RecordFailure(ctx context.Context) {
	rec, err := b.store.Get(ctx, b.venue)
	if err != nil {
		return
	}
	rec.FailureCount++
	rec.LastFailureAt = b.now()

	switch {
	case rec.State == BreakerHalfOpen:
		rec.State = BreakerOpen
		b.logger.Warn("circuit breaker reopened after failed trial",
			zap.String("venue", string(b.venue)))
	case rec.State == BreakerClosed && rec.FailureCount >= b.maxFailures:
		rec.State = BreakerOpen
		b.logger.Warn("circuit breaker opened",
			zap.String("venue", string(b.venue)),
			zap.Int("failures", rec.FailureCount))
	}

	if err := b.store.Put(ctx, b.venue, rec); err != nil {
		b.logger.Warn("breaker store update failed",
			zap.String("venue", string(b.venue)), zap.Error(err))
		return
	}
	b.setStateMetric(rec.State)
}

// State returns the current breaker state.
func (b *Breaker) State(ctx context.Context) (BreakerState, error) {
	rec, err := b.store.Get(ctx, b.venue)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

func (b *Breaker) setStateMetric(state BreakerState) {
	var v float64
	switch state {
	case BreakerOpen:
		v = 1
	case BreakerHalfOpen:
		v = 2
	}
	metrics.BreakerState.WithLabelValues(string(b.venue)).Set(v)
}
