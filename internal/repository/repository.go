package repository

import (
	"context"
	"time"

	"github.com/egannguyen/go-storefront-checkout/internal/entity"
)

// ProductRepository handles catalog reads and initial seeding.
type ProductRepository interface {
	FindAll(ctx context.Context) ([]entity.Product, error)
	// Seed inserts initial products if none exist.
	Seed(ctx context.Context, products []entity.Product) error
}

// OrderRepository handles persistence for Orders and OrderItems.
type OrderRepository interface {
	// Create opens a new order in a single transaction: it locks and checks
	// stock for every line, snapshots names and discounted prices, assigns
	// the next order number and inserts the order with its items. On a stock
	// shortfall the whole transaction rolls back and no partial order exists.
	Create(ctx context.Context, cmd *entity.CreateOrder) (*entity.Order, error)

	FindByID(ctx context.Context, id string) (*entity.Order, error)
	FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*entity.Order, error)
	ItemsByOrderID(ctx context.Context, orderID string) ([]entity.OrderItem, error)
	FindRecent(ctx context.Context, limit int) ([]entity.Order, error)

	// UpdateTransactionID stores the gateway-assigned transaction id once known.
	UpdateTransactionID(ctx context.Context, orderID, transactionID string) error

	// TransitionPaymentStatus performs the conditional update that is the
	// single idempotency primitive of the subsystem: it moves the payment
	// status from pending to the given terminal state and adjusts the order
	// status alongside it. It reports whether this call won the transition;
	// false means another caller already finalized the order.
	TransitionPaymentStatus(ctx context.Context, orderID string, to entity.PaymentStatus, transactionID string) (bool, error)

	// CancelAbandoned cancels every order still pending payment that was
	// created before the cutoff, returning how many were cancelled. Safe to
	// call concurrently or redundantly.
	CancelAbandoned(ctx context.Context, cutoff time.Time) (int64, error)
}

// StockLedger owns the per-product stock counters.
type StockLedger interface {
	// BatchDecrement decrements stock for every item, each guarded by
	// stock >= quantity, and returns the product ids actually updated. It
	// never fails on a shortfall; callers compare the returned set against
	// the item count.
	BatchDecrement(ctx context.Context, items []entity.OrderItem) ([]string, error)
}

// WebhookLogRepository is the append-only audit trail of webhook deliveries
// and the retry tool's work queue.
type WebhookLogRepository interface {
	Insert(ctx context.Context, log *entity.WebhookLog) error
	MarkProcessed(ctx context.Context, id int64) error
	// MarkFailed records the error and increments the attempts counter.
	MarkFailed(ctx context.Context, id int64, lastError string) error
	FindByID(ctx context.Context, id int64) (*entity.WebhookLog, error)
	// FindRetryable returns failed logs younger than the cutoff with fewer
	// than maxAttempts attempts, oldest first, capped at limit.
	FindRetryable(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]entity.WebhookLog, error)
}
