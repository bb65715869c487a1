package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/egannguyen/go-storefront-checkout/internal/metrics"
	"github.com/egannguyen/go-storefront-checkout/internal/repository"
)

// Janitor cancels orders stuck in pending_payment past the grace window. The
// window must exceed the gateway's own payment-session expiry, so a cancelled
// order can no longer be paid. No stock action is needed: stock deduction is
// deferred past creation precisely so abandonment leaves nothing to reverse.
type Janitor struct {
	orders   repository.OrderRepository
	metrics  *metrics.Metrics
	log      *zap.Logger
	grace    time.Duration
	interval time.Duration
}

// NewJanitor wires the abandoned-order sweep.
func NewJanitor(orders repository.OrderRepository, m *metrics.Metrics, log *zap.Logger, grace, interval time.Duration) *Janitor {
	return &Janitor{
		orders:   orders,
		metrics:  m,
		log:      log,
		grace:    grace,
		interval: interval,
	}
}

// Run sweeps on a ticker until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("janitor shutting down")
			return
		case <-ticker.C:
			if _, err := j.SweepOnce(ctx); err != nil {
				j.log.Error("janitor sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce cancels every order past the grace window. The cancellation is a
// conditional update, so concurrent or redundant sweeps (ticker plus the
// scheduler-triggered endpoint) are safe.
func (j *Janitor) SweepOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-j.grace)
	cancelled, err := j.orders.CancelAbandoned(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if cancelled > 0 {
		j.metrics.JanitorCancelled.Add(float64(cancelled))
		j.log.Info("cancelled abandoned orders",
			zap.Int64("count", cancelled), zap.Time("cutoff", cutoff))
	}
	return cancelled, nil
}
