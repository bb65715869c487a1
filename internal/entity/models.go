package entity

import (
	"time"
)

// OrderStatus is the fulfilment-facing state of an order.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "pending_payment"
	OrderPlaced         OrderStatus = "placed"
	OrderCancelled      OrderStatus = "cancelled"
)

// PaymentStatus is the payment-facing state of an order. It is terminal once
// completed or failed and never reverts to pending.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// Product represents a product in the store.
type Product struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Description     string  `json:"description"`
	Price           float64 `json:"price"`
	DiscountPercent float64 `json:"discount_percent"`
	ImageURL        string  `json:"image_url"`
	Category        string  `json:"category"`
	Stock           int     `json:"stock"`
}

// Customer is the customer/shipping snapshot captured at order creation.
// It is immutable afterwards.
type Customer struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
}

// Order represents a customer order.
type Order struct {
	ID              string        `json:"id"`
	OrderNumber     int64         `json:"order_number"`
	MerchantOrderID string        `json:"merchant_order_id"`
	Status          OrderStatus   `json:"status"`
	PaymentStatus   PaymentStatus `json:"payment_status"`
	TransactionID   string        `json:"transaction_id,omitempty"`
	TotalPrice      float64       `json:"total_price"`
	Customer        Customer      `json:"customer"`
	Items           []OrderItem   `json:"items,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// OrderItem is a line item within an order. The name and unit price are
// snapshots taken at order time, independent of later catalog changes.
type OrderItem struct {
	OrderID   string  `json:"order_id,omitempty"`
	ProductID string  `json:"product_id"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

// CartLine is one requested line of a not-yet-created order.
type CartLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// CreateOrder carries everything needed to open a new order in one transaction.
type CreateOrder struct {
	MerchantOrderID string
	Lines           []CartLine
	Customer        Customer
}

// WebhookStatus is the processing state of a logged webhook delivery.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookProcessed WebhookStatus = "processed"
	WebhookFailed    WebhookStatus = "failed"
)

// WebhookLog records one inbound webhook delivery attempt. A row is written
// for every delivery before signature verification, so rejected and malformed
// deliveries stay auditable. Rows are never deleted.
type WebhookLog struct {
	ID              int64         `json:"id"`
	Event           string        `json:"event"`
	Payload         []byte        `json:"payload"`
	MerchantOrderID string        `json:"merchant_order_id,omitempty"`
	Status          WebhookStatus `json:"status"`
	Attempts        int           `json:"attempts"`
	LastError       string        `json:"last_error,omitempty"`
	ProcessedAt     *time.Time    `json:"processed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}
