package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/egannguyen/go-storefront-checkout/internal/apperr"
	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/gateway"
	"github.com/egannguyen/go-storefront-checkout/internal/messaging"
	"github.com/egannguyen/go-storefront-checkout/internal/metrics"
	"github.com/egannguyen/go-storefront-checkout/internal/repository"
)

// PaymentGateway is the slice of the gateway client the services depend on.
type PaymentGateway interface {
	CreatePayment(ctx context.Context, merchantOrderID string, amountMinorUnits int64, customer entity.Customer) (*gateway.PaymentSession, error)
	QueryStatus(ctx context.Context, merchantOrderID string) (*gateway.StatusResult, error)
	VerifySignature(authHeaderValue string) bool
}

// OrderService owns order creation and the client-facing status poll.
type OrderService struct {
	orders    repository.OrderRepository
	products  repository.ProductRepository
	gateway   PaymentGateway
	confirmer *Confirmer
	publisher messaging.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger

	minimumTotal float64
}

// NewOrderService wires the order creation service.
func NewOrderService(
	orders repository.OrderRepository,
	products repository.ProductRepository,
	gw PaymentGateway,
	confirmer *Confirmer,
	publisher messaging.Publisher,
	m *metrics.Metrics,
	log *zap.Logger,
	minimumTotal float64,
) *OrderService {
	return &OrderService{
		orders:       orders,
		products:     products,
		gateway:      gw,
		confirmer:    confirmer,
		publisher:    publisher,
		metrics:      m,
		log:          log,
		minimumTotal: minimumTotal,
	}
}

// CreateOrderRequest is a validated-on-entry cart plus shipping snapshot.
type CreateOrderRequest struct {
	Items    []entity.CartLine `json:"items"`
	Customer entity.Customer   `json:"customer"`
}

// CreateOrderResult is what the storefront needs to redirect the client to
// the gateway.
type CreateOrderResult struct {
	OrderID         string  `json:"order_id"`
	OrderNumber     int64   `json:"order_number"`
	MerchantOrderID string  `json:"merchant_order_id"`
	TransactionID   string  `json:"transaction_id,omitempty"`
	PaymentURL      string  `json:"payment_url"`
	TotalPrice      float64 `json:"total_price"`
}

// CreateOrder validates the cart, creates the order in one transaction (stock
// is locked and checked but never decremented here), then opens a payment
// with the gateway after commit. An order is never left pointing at a payment
// that was never actually opened: on any gateway error the just-created order
// is immediately failed and cancelled.
func (s *OrderService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResult, error) {
	if err := validateCreateOrder(req); err != nil {
		return nil, err
	}

	cmd := &entity.CreateOrder{
		MerchantOrderID: uuid.New().String(),
		Lines:           req.Items,
		Customer:        req.Customer,
	}

	order, err := s.orders.Create(ctx, cmd)
	if err != nil {
		return nil, err
	}
	s.metrics.OrdersCreated.Inc()
	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.Int64("order_number", order.OrderNumber),
		zap.String("merchant_order_id", order.MerchantOrderID),
		zap.Float64("total", order.TotalPrice))

	s.publish(ctx, messaging.TopicOrdersCreated, order.ID, entity.OrderCreatedEvent{
		OrderID:         order.ID,
		MerchantOrderID: order.MerchantOrderID,
		OrderNumber:     order.OrderNumber,
		TotalPrice:      order.TotalPrice,
		CreatedAt:       order.CreatedAt,
	})

	// Below-floor orders are still created, then immediately cancelled; the
	// storefront surfaces a distinct error for them. Mirrors the upstream
	// business rule, deliberately not "fixed" into an outright refusal.
	if order.TotalPrice < s.minimumTotal {
		s.cancelUnopened(ctx, order, "below minimum amount")
		return nil, &apperr.MinimumAmountError{Total: order.TotalPrice, Minimum: s.minimumTotal}
	}

	session, err := s.gateway.CreatePayment(ctx, order.MerchantOrderID,
		entity.MinorUnits(order.TotalPrice), order.Customer)
	if err != nil {
		s.log.Error("failed to open gateway payment",
			zap.String("order_id", order.ID), zap.Error(err))
		s.cancelUnopened(ctx, order, "gateway payment creation failed")
		return nil, err
	}

	if session.TransactionID != "" {
		if err := s.orders.UpdateTransactionID(ctx, order.ID, session.TransactionID); err != nil {
			// The transaction id is echoed in every webhook anyway; losing
			// it here only costs a later reconciliation lookup.
			s.log.Error("failed to store transaction id",
				zap.String("order_id", order.ID), zap.Error(err))
		}
	}

	return &CreateOrderResult{
		OrderID:         order.ID,
		OrderNumber:     order.OrderNumber,
		MerchantOrderID: order.MerchantOrderID,
		TransactionID:   session.TransactionID,
		PaymentURL:      session.PaymentURL,
		TotalPrice:      order.TotalPrice,
	}, nil
}

// cancelUnopened fails an order whose payment was never opened. No stock was
// taken for it, so no stock action is needed.
func (s *OrderService) cancelUnopened(ctx context.Context, order *entity.Order, reason string) {
	won, err := s.orders.TransitionPaymentStatus(ctx, order.ID, entity.PaymentFailed, "")
	if err != nil {
		s.log.Error("failed to cancel order",
			zap.String("order_id", order.ID), zap.String("reason", reason), zap.Error(err))
		return
	}
	if won {
		s.publish(ctx, messaging.TopicOrdersCancelled, order.ID, entity.OrderCancelledEvent{
			OrderID:         order.ID,
			MerchantOrderID: order.MerchantOrderID,
			Reason:          reason,
			CancelledAt:     time.Now(),
		})
	}
}

// StatusRef addresses an order by either key for the status poll.
type StatusRef struct {
	OrderID         string
	MerchantOrderID string
}

// OrderStatusResult is the poll response.
type OrderStatusResult struct {
	OrderID         string               `json:"order_id"`
	MerchantOrderID string               `json:"merchant_order_id"`
	Status          entity.OrderStatus   `json:"status"`
	PaymentStatus   entity.PaymentStatus `json:"payment_status"`
	TransactionID   string               `json:"transaction_id,omitempty"`
}

// PollStatus answers the client's post-redirect page. A finalized order is
// answered from stored state without a gateway call. A pending order triggers
// a gateway status query; a terminal gateway state re-enters the same
// confirmation engine the webhook uses. The poll is advisory: on a gateway
// call failure the last known stored status is returned rather than an error.
func (s *OrderService) PollStatus(ctx context.Context, ref StatusRef) (*OrderStatusResult, error) {
	order, err := s.findByRef(ctx, ref)
	if err != nil {
		return nil, err
	}

	if order.PaymentStatus != entity.PaymentPending {
		return statusResult(order), nil
	}

	res, err := s.gateway.QueryStatus(ctx, order.MerchantOrderID)
	if err != nil {
		s.log.Warn("status query failed, returning stored state",
			zap.String("order_id", order.ID), zap.Error(err))
		return statusResult(order), nil
	}

	switch res.State {
	case gateway.StateCompleted:
		if err := s.confirmer.Confirm(ctx, order.ID, Completed(res.TransactionID), CallerPoll); err != nil {
			return nil, err
		}
	case gateway.StateFailed:
		if err := s.confirmer.Confirm(ctx, order.ID, Failed(res.TransactionID), CallerPoll); err != nil {
			return nil, err
		}
	default:
		// Still pending on the gateway side; nothing to record.
		return statusResult(order), nil
	}

	order, err = s.orders.FindByID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return statusResult(order), nil
}

func (s *OrderService) findByRef(ctx context.Context, ref StatusRef) (*entity.Order, error) {
	switch {
	case ref.OrderID != "":
		return s.orders.FindByID(ctx, ref.OrderID)
	case ref.MerchantOrderID != "":
		return s.orders.FindByMerchantOrderID(ctx, ref.MerchantOrderID)
	default:
		return nil, apperr.Validationf("order_id or merchant_order_id is required")
	}
}

func statusResult(order *entity.Order) *OrderStatusResult {
	return &OrderStatusResult{
		OrderID:         order.ID,
		MerchantOrderID: order.MerchantOrderID,
		Status:          order.Status,
		PaymentStatus:   order.PaymentStatus,
		TransactionID:   order.TransactionID,
	}
}

// GetProducts returns all available products.
func (s *OrderService) GetProducts(ctx context.Context) ([]entity.Product, error) {
	return s.products.FindAll(ctx)
}

// GetRecentOrders returns the latest orders for the operator view.
func (s *OrderService) GetRecentOrders(ctx context.Context, limit int) ([]entity.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.orders.FindRecent(ctx, limit)
}

func (s *OrderService) publish(ctx context.Context, topic, key string, event entity.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishEvent(ctx, topic, key, event); err != nil {
		s.log.Error("failed to publish event",
			zap.String("topic", topic), zap.String("key", key), zap.Error(err))
	}
}

func validateCreateOrder(req *CreateOrderRequest) error {
	if len(req.Items) == 0 {
		return apperr.Validationf("order must have at least one item")
	}
	for _, line := range req.Items {
		if line.ProductID == "" {
			return apperr.Validationf("item product_id is required")
		}
		if line.Quantity <= 0 {
			return apperr.Validationf("item quantity must be positive")
		}
	}

	c := req.Customer
	missing := []string{}
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(c.Email) == "" {
		missing = append(missing, "email")
	}
	if strings.TrimSpace(c.Phone) == "" {
		missing = append(missing, "phone")
	}
	if strings.TrimSpace(c.Address) == "" {
		missing = append(missing, "address")
	}
	if strings.TrimSpace(c.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(c.PostalCode) == "" {
		missing = append(missing, "postal_code")
	}
	if len(missing) > 0 {
		return apperr.Validationf("missing required customer fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

