package messaging

import "context"

// Topics for order lifecycle events.
const (
	TopicOrdersCreated    = "orders.created"
	TopicPaymentCompleted = "orders.payment.completed"
	TopicPaymentFailed    = "orders.payment.failed"
	TopicOrdersCancelled  = "orders.cancelled"
)

// Publisher defines an interface for publishing events to a message broker.
type Publisher interface {
	PublishEvent(ctx context.Context, topic string, key string, event any) error
}
