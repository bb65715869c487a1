package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/egannguyen/go-storefront-checkout/internal/apperr"
	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/gateway"
	"github.com/egannguyen/go-storefront-checkout/internal/metrics"
)

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// memStore is an in-memory stand-in for the postgres order store. It mirrors
// the store's semantics exactly where the services depend on them: stock is
// checked but not taken at creation, both the payment transition and the
// stock decrement are conditional updates, and exactly one of any number of
// concurrent transition calls wins.
type memStore struct {
	mu       sync.Mutex
	products map[string]*entity.Product
	orders   map[string]*entity.Order
	items    map[string][]entity.OrderItem
	nextNum  int64

	decrementCalls int
}

func newMemStore(products ...entity.Product) *memStore {
	s := &memStore{
		products: make(map[string]*entity.Product),
		orders:   make(map[string]*entity.Order),
		items:    make(map[string][]entity.OrderItem),
	}
	for i := range products {
		p := products[i]
		s.products[p.ID] = &p
	}
	return s
}

func (s *memStore) FindAll(ctx context.Context) ([]entity.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	return out, nil
}

func (s *memStore) Seed(ctx context.Context, products []entity.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.products) > 0 {
		return nil
	}
	for i := range products {
		p := products[i]
		s.products[p.ID] = &p
	}
	return nil
}

func (s *memStore) Create(ctx context.Context, cmd *entity.CreateOrder) (*entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total float64
	items := make([]entity.OrderItem, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		p, ok := s.products[line.ProductID]
		if !ok {
			return nil, apperr.Validationf("unknown product %s", line.ProductID)
		}
		if p.Stock < line.Quantity {
			return nil, &apperr.InsufficientStockError{
				ProductID: p.ID, Requested: line.Quantity, Available: p.Stock,
			}
		}
		unit := entity.DiscountedPrice(p.Price, p.DiscountPercent)
		total = entity.Round2(total + entity.LineTotal(p.Price, p.DiscountPercent, line.Quantity))
		items = append(items, entity.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  line.Quantity,
			UnitPrice: unit,
		})
	}

	s.nextNum++
	now := time.Now()
	order := &entity.Order{
		ID:              uuid.New().String(),
		OrderNumber:     s.nextNum,
		MerchantOrderID: cmd.MerchantOrderID,
		Status:          entity.OrderPendingPayment,
		PaymentStatus:   entity.PaymentPending,
		TotalPrice:      total,
		Customer:        cmd.Customer,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i := range items {
		items[i].OrderID = order.ID
	}
	s.orders[order.ID] = order
	s.items[order.ID] = items
	return cloneOrder(order), nil
}

func (s *memStore) FindByID(ctx context.Context, id string) (*entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order: %w", apperr.ErrNotFound)
	}
	return cloneOrder(order), nil
}

func (s *memStore) FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.MerchantOrderID == merchantOrderID {
			return cloneOrder(order), nil
		}
	}
	return nil, fmt.Errorf("order: %w", apperr.ErrNotFound)
}

func (s *memStore) ItemsByOrderID(ctx context.Context, orderID string) ([]entity.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.OrderItem(nil), s.items[orderID]...), nil
}

func (s *memStore) FindRecent(ctx context.Context, limit int) ([]entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Order, 0, len(s.orders))
	for _, order := range s.orders {
		out = append(out, *cloneOrder(order))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) UpdateTransactionID(ctx context.Context, orderID, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order: %w", apperr.ErrNotFound)
	}
	order.TransactionID = transactionID
	return nil
}

func (s *memStore) TransitionPaymentStatus(ctx context.Context, orderID string, to entity.PaymentStatus, transactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return false, nil
	}
	if order.PaymentStatus != entity.PaymentPending {
		return false, nil
	}
	order.PaymentStatus = to
	switch to {
	case entity.PaymentCompleted:
		order.Status = entity.OrderPlaced
	case entity.PaymentFailed:
		order.Status = entity.OrderCancelled
	}
	if transactionID != "" {
		order.TransactionID = transactionID
	}
	order.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) CancelAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, order := range s.orders {
		if order.PaymentStatus == entity.PaymentPending && order.CreatedAt.Before(cutoff) {
			order.PaymentStatus = entity.PaymentFailed
			order.Status = entity.OrderCancelled
			order.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *memStore) BatchDecrement(ctx context.Context, items []entity.OrderItem) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decrementCalls++
	var updated []string
	for _, item := range items {
		p, ok := s.products[item.ProductID]
		if !ok || p.Stock < item.Quantity {
			continue
		}
		p.Stock -= item.Quantity
		updated = append(updated, item.ProductID)
	}
	return updated, nil
}

func (s *memStore) stockOf(productID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.products[productID].Stock
}

func (s *memStore) decrements() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrementCalls
}

func cloneOrder(order *entity.Order) *entity.Order {
	clone := *order
	return &clone
}

// memWebhookLogs is an in-memory webhook audit trail.
type memWebhookLogs struct {
	mu     sync.Mutex
	nextID int64
	logs   map[int64]*entity.WebhookLog
}

func newMemWebhookLogs() *memWebhookLogs {
	return &memWebhookLogs{logs: make(map[int64]*entity.WebhookLog)}
}

func (m *memWebhookLogs) Insert(ctx context.Context, log *entity.WebhookLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	log.ID = m.nextID
	log.Status = entity.WebhookPending
	log.CreatedAt = time.Now()
	stored := *log
	m.logs[log.ID] = &stored
	return nil
}

func (m *memWebhookLogs) MarkProcessed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[id]
	if !ok {
		return fmt.Errorf("webhook log: %w", apperr.ErrNotFound)
	}
	now := time.Now()
	log.Status = entity.WebhookProcessed
	log.ProcessedAt = &now
	return nil
}

func (m *memWebhookLogs) MarkFailed(ctx context.Context, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[id]
	if !ok {
		return fmt.Errorf("webhook log: %w", apperr.ErrNotFound)
	}
	log.Status = entity.WebhookFailed
	log.Attempts++
	log.LastError = lastError
	return nil
}

func (m *memWebhookLogs) FindByID(ctx context.Context, id int64) (*entity.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[id]
	if !ok {
		return nil, fmt.Errorf("webhook log: %w", apperr.ErrNotFound)
	}
	clone := *log
	return &clone, nil
}

func (m *memWebhookLogs) FindRetryable(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]entity.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.WebhookLog
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		log, ok := m.logs[id]
		if !ok {
			continue
		}
		if log.Status == entity.WebhookFailed && log.Attempts < maxAttempts && log.CreatedAt.After(cutoff) {
			out = append(out, *log)
		}
	}
	return out, nil
}

func (m *memWebhookLogs) get(id int64) *entity.WebhookLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[id]
}

func (m *memWebhookLogs) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

// fakeGateway stands in for the payment gateway client.
type fakeGateway struct {
	createFn  func(ctx context.Context, merchantOrderID string, amountMinorUnits int64, customer entity.Customer) (*gateway.PaymentSession, error)
	queryFn   func(ctx context.Context, merchantOrderID string) (*gateway.StatusResult, error)
	signature string

	mu          sync.Mutex
	createCalls int
	queryCalls  int
}

func (g *fakeGateway) CreatePayment(ctx context.Context, merchantOrderID string, amountMinorUnits int64, customer entity.Customer) (*gateway.PaymentSession, error) {
	g.mu.Lock()
	g.createCalls++
	g.mu.Unlock()
	if g.createFn != nil {
		return g.createFn(ctx, merchantOrderID, amountMinorUnits, customer)
	}
	return &gateway.PaymentSession{
		PaymentURL:    "https://gw.example.com/pay/" + merchantOrderID,
		TransactionID: "txn-" + merchantOrderID,
	}, nil
}

func (g *fakeGateway) QueryStatus(ctx context.Context, merchantOrderID string) (*gateway.StatusResult, error) {
	g.mu.Lock()
	g.queryCalls++
	g.mu.Unlock()
	if g.queryFn != nil {
		return g.queryFn(ctx, merchantOrderID)
	}
	return &gateway.StatusResult{State: gateway.StatePending}, nil
}

func (g *fakeGateway) VerifySignature(authHeaderValue string) bool {
	return g.signature != "" && authHeaderValue == g.signature
}

// fakePublisher records published events in order.
type fakePublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	Topic string
	Key   string
	Event any
}

func (p *fakePublisher) PublishEvent(ctx context.Context, topic, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{Topic: topic, Key: key, Event: event})
	return nil
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Topic)
	}
	return out
}

func testProducts() []entity.Product {
	return []entity.Product{
		{ID: "prod-keyboard", Name: "Mechanical Keyboard", Price: 89.99, Stock: 10},
		{ID: "prod-mouse", Name: "Wireless Mouse", Price: 39.99, DiscountPercent: 10, Stock: 20},
		{ID: "prod-cable", Name: "USB Cable", Price: 0.50, Stock: 100},
	}
}

func newTestConfirmer(store *memStore, pub *fakePublisher) *Confirmer {
	return NewConfirmer(store, store, pub, testMetrics(), zap.NewNop())
}
