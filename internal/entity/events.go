package entity

import "time"

// Event is a domain event published to the message broker for downstream
// consumers (fulfilment, notification stubs, analytics).
type Event interface {
	EventType() string
}

// OrderCreated is emitted when an order is opened and waiting for payment.
type OrderCreatedEvent struct {
	OrderID         string    `json:"order_id"`
	MerchantOrderID string    `json:"merchant_order_id"`
	OrderNumber     int64     `json:"order_number"`
	TotalPrice      float64   `json:"total_price"`
	CreatedAt       time.Time `json:"created_at"`
}

func (e OrderCreatedEvent) EventType() string { return "OrderCreated" }

// PaymentCompleted is emitted exactly once per order, when the pending
// payment transitions to completed.
type PaymentCompletedEvent struct {
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	CompletedAt   time.Time `json:"completed_at"`
}

func (e PaymentCompletedEvent) EventType() string { return "PaymentCompleted" }

// PaymentFailed is emitted exactly once per order, when the pending payment
// transitions to failed.
type PaymentFailedEvent struct {
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id,omitempty"`
	FailedAt      time.Time `json:"failed_at"`
}

func (e PaymentFailedEvent) EventType() string { return "PaymentFailed" }

// OrderCancelled is emitted when an order is cancelled before a payment was
// ever opened for it (minimum-amount rejection, gateway failure on create).
type OrderCancelledEvent struct {
	OrderID         string    `json:"order_id"`
	MerchantOrderID string    `json:"merchant_order_id"`
	Reason          string    `json:"reason"`
	CancelledAt     time.Time `json:"cancelled_at"`
}

func (e OrderCancelledEvent) EventType() string { return "OrderCancelled" }
