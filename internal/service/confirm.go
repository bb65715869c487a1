package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/messaging"
	"github.com/egannguyen/go-storefront-checkout/internal/metrics"
	"github.com/egannguyen/go-storefront-checkout/internal/repository"
)

// Caller identifies which reconciliation path invoked the confirmation
// engine. The three paths are safe to run concurrently for the same order.
type Caller string

const (
	CallerWebhook Caller = "webhook"
	CallerPoll    Caller = "poll"
	CallerRetry   Caller = "retry"
)

// Outcome is an already-normalized terminal payment result. Callers differ
// only in how they obtain it (push via webhook, pull via status query, replay
// via stored log), never in how it is applied.
type Outcome struct {
	Status        entity.PaymentStatus
	TransactionID string
}

// Completed builds a successful outcome.
func Completed(transactionID string) Outcome {
	return Outcome{Status: entity.PaymentCompleted, TransactionID: transactionID}
}

// Failed builds a failed outcome.
func Failed(transactionID string) Outcome {
	return Outcome{Status: entity.PaymentFailed, TransactionID: transactionID}
}

// Confirmer is the single idempotent routine that transitions an order from
// pending to a terminal payment state and performs the stock deduction
// exactly once. It is the only place stock is ever decremented for a paid
// order.
type Confirmer struct {
	orders    repository.OrderRepository
	stock     repository.StockLedger
	publisher messaging.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// NewConfirmer wires the confirmation engine.
func NewConfirmer(
	orders repository.OrderRepository,
	stock repository.StockLedger,
	publisher messaging.Publisher,
	m *metrics.Metrics,
	log *zap.Logger,
) *Confirmer {
	return &Confirmer{
		orders:    orders,
		stock:     stock,
		publisher: publisher,
		metrics:   m,
		log:       log,
	}
}

// Confirm applies a terminal outcome to an order. A concurrent or repeated
// call on an already-finalized order is a successful no-op: correctness
// hinges on the conditional update in the order store, not on any locking
// here.
func (c *Confirmer) Confirm(ctx context.Context, orderID string, outcome Outcome, caller Caller) error {
	if outcome.Status != entity.PaymentCompleted && outcome.Status != entity.PaymentFailed {
		return fmt.Errorf("invalid outcome status %q", outcome.Status)
	}

	won, err := c.orders.TransitionPaymentStatus(ctx, orderID, outcome.Status, outcome.TransactionID)
	if err != nil {
		return fmt.Errorf("failed to transition order %s: %w", orderID, err)
	}
	if !won {
		// Another caller already finalized this order. This is what makes
		// webhook redelivery, concurrent polling and operator retry safe to
		// run together.
		c.metrics.ConfirmationNoops.Inc()
		c.log.Debug("order already finalized",
			zap.String("order_id", orderID), zap.String("caller", string(caller)))
		return nil
	}

	c.metrics.Confirmations.WithLabelValues(string(outcome.Status), string(caller)).Inc()

	if outcome.Status == entity.PaymentFailed {
		c.log.Info("payment failed",
			zap.String("order_id", orderID), zap.String("caller", string(caller)))
		c.publish(ctx, messaging.TopicPaymentFailed, orderID, entity.PaymentFailedEvent{
			OrderID:       orderID,
			TransactionID: outcome.TransactionID,
			FailedAt:      time.Now(),
		})
		return nil
	}

	items, err := c.orders.ItemsByOrderID(ctx, orderID)
	if err != nil {
		return fmt.Errorf("failed to load items for order %s: %w", orderID, err)
	}

	decremented, err := c.stock.BatchDecrement(ctx, items)
	if err != nil {
		return fmt.Errorf("failed to decrement stock for order %s: %w", orderID, err)
	}
	if len(decremented) < len(items) {
		// Payment is a fact independent of inventory bookkeeping: the
		// confirmation stands, the shortfall is reported, never auto-fixed.
		c.metrics.StockShortfalls.Inc()
		c.log.Warn("stock decrement shortfall",
			zap.String("order_id", orderID),
			zap.Int("expected", len(items)),
			zap.Int("decremented", len(decremented)),
			zap.Strings("updated_products", decremented))
	}

	c.log.Info("payment completed",
		zap.String("order_id", orderID),
		zap.String("transaction_id", outcome.TransactionID),
		zap.String("caller", string(caller)))

	c.publish(ctx, messaging.TopicPaymentCompleted, orderID, entity.PaymentCompletedEvent{
		OrderID:       orderID,
		TransactionID: outcome.TransactionID,
		CompletedAt:   time.Now(),
	})
	return nil
}

// publish sends a lifecycle event to the broker, best effort. Event delivery
// never decides the fate of a payment transition.
func (c *Confirmer) publish(ctx context.Context, topic, key string, event entity.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishEvent(ctx, topic, key, event); err != nil {
		c.log.Error("failed to publish event",
			zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}
