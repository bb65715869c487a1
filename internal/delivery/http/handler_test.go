package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/egannguyen/go-storefront-checkout/internal/apperr"
	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/gateway"
	"github.com/egannguyen/go-storefront-checkout/internal/metrics"
	"github.com/egannguyen/go-storefront-checkout/internal/service"
)

const (
	testWebhookSignature = "Basic aG9vazpwYXNz"
	testCleanupToken     = "cleanup-secret"
	testOperatorToken    = "operator-secret"
)

// stubStore is a minimal in-memory order store for exercising the HTTP
// surface. Semantics match the production store where the handlers depend on
// them: conditional payment transition, guarded stock decrement, stock checked
// but not taken at creation.
type stubStore struct {
	mu       sync.Mutex
	products map[string]*entity.Product
	orders   map[string]*entity.Order
	items    map[string][]entity.OrderItem
	nextNum  int64
}

func newStubStore() *stubStore {
	return &stubStore{
		products: map[string]*entity.Product{
			"prod-keyboard": {ID: "prod-keyboard", Name: "Mechanical Keyboard", Price: 89.99, Stock: 10},
		},
		orders: make(map[string]*entity.Order),
		items:  make(map[string][]entity.OrderItem),
	}
}

func (s *stubStore) FindAll(ctx context.Context) ([]entity.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, *p)
	}
	return out, nil
}

func (s *stubStore) Seed(ctx context.Context, products []entity.Product) error { return nil }

func (s *stubStore) Create(ctx context.Context, cmd *entity.CreateOrder) (*entity.Order, error) {
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
			return nil, &apperr.InsufficientStockError{ProductID: p.ID, Requested: line.Quantity, Available: p.Stock}
		}
		unit := entity.DiscountedPrice(p.Price, p.DiscountPercent)
		total = entity.Round2(total + entity.LineTotal(p.Price, p.DiscountPercent, line.Quantity))
		items = append(items, entity.OrderItem{ProductID: p.ID, Name: p.Name, Quantity: line.Quantity, UnitPrice: unit})
	}
	s.nextNum++
	order := &entity.Order{
		ID:              uuid.New().String(),
		OrderNumber:     s.nextNum,
		MerchantOrderID: cmd.MerchantOrderID,
		Status:          entity.OrderPendingPayment,
		PaymentStatus:   entity.PaymentPending,
		TotalPrice:      total,
		Customer:        cmd.Customer,
		CreatedAt:       time.Now(),
	}
	s.orders[order.ID] = order
	s.items[order.ID] = items
	return order, nil
}

func (s *stubStore) FindByID(ctx context.Context, id string) (*entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order: %w", apperr.ErrNotFound)
	}
	clone := *order
	return &clone, nil
}

func (s *stubStore) FindByMerchantOrderID(ctx context.Context, merchantOrderID string) (*entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.MerchantOrderID == merchantOrderID {
			clone := *order
			return &clone, nil
		}
	}
	return nil, fmt.Errorf("order: %w", apperr.ErrNotFound)
}

func (s *stubStore) ItemsByOrderID(ctx context.Context, orderID string) ([]entity.OrderItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.OrderItem(nil), s.items[orderID]...), nil
}

func (s *stubStore) FindRecent(ctx context.Context, limit int) ([]entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Order, 0, len(s.orders))
	for _, order := range s.orders {
		out = append(out, *order)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubStore) UpdateTransactionID(ctx context.Context, orderID, transactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if order, ok := s.orders[orderID]; ok {
		order.TransactionID = transactionID
	}
	return nil
}

func (s *stubStore) TransitionPaymentStatus(ctx context.Context, orderID string, to entity.PaymentStatus, transactionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok || order.PaymentStatus != entity.PaymentPending {
		return false, nil
	}
	order.PaymentStatus = to
	if to == entity.PaymentCompleted {
		order.Status = entity.OrderPlaced
	} else {
		order.Status = entity.OrderCancelled
	}
	if transactionID != "" {
		order.TransactionID = transactionID
	}
	return true, nil
}

func (s *stubStore) CancelAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, order := range s.orders {
		if order.PaymentStatus == entity.PaymentPending && order.CreatedAt.Before(cutoff) {
			order.PaymentStatus = entity.PaymentFailed
			order.Status = entity.OrderCancelled
			n++
		}
	}
	return n, nil
}

func (s *stubStore) BatchDecrement(ctx context.Context, items []entity.OrderItem) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated []string
	for _, item := range items {
		if p, ok := s.products[item.ProductID]; ok && p.Stock >= item.Quantity {
			p.Stock -= item.Quantity
			updated = append(updated, item.ProductID)
		}
	}
	return updated, nil
}

type stubWebhookLogs struct {
	mu     sync.Mutex
	nextID int64
	logs   map[int64]*entity.WebhookLog
}

func newStubWebhookLogs() *stubWebhookLogs {
	return &stubWebhookLogs{logs: make(map[int64]*entity.WebhookLog)}
}

func (m *stubWebhookLogs) Insert(ctx context.Context, log *entity.WebhookLog) error {
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

func (m *stubWebhookLogs) MarkProcessed(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[id]; ok {
		log.Status = entity.WebhookProcessed
	}
	return nil
}

func (m *stubWebhookLogs) MarkFailed(ctx context.Context, id int64, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if log, ok := m.logs[id]; ok {
		log.Status = entity.WebhookFailed
		log.Attempts++
		log.LastError = lastError
	}
	return nil
}

func (m *stubWebhookLogs) FindByID(ctx context.Context, id int64) (*entity.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log, ok := m.logs[id]
	if !ok {
		return nil, fmt.Errorf("webhook log: %w", apperr.ErrNotFound)
	}
	clone := *log
	return &clone, nil
}

func (m *stubWebhookLogs) FindRetryable(ctx context.Context, cutoff time.Time, maxAttempts, limit int) ([]entity.WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.WebhookLog
	for id := int64(1); id <= m.nextID && len(out) < limit; id++ {
		if log, ok := m.logs[id]; ok && log.Status == entity.WebhookFailed && log.Attempts < maxAttempts && log.CreatedAt.After(cutoff) {
			out = append(out, *log)
		}
	}
	return out, nil
}

type stubGateway struct{}

func (stubGateway) CreatePayment(ctx context.Context, merchantOrderID string, amountMinorUnits int64, customer entity.Customer) (*gateway.PaymentSession, error) {
	return &gateway.PaymentSession{
		PaymentURL:    "https://gw.example.com/pay/" + merchantOrderID,
		TransactionID: "txn-" + merchantOrderID,
	}, nil
}

func (stubGateway) QueryStatus(ctx context.Context, merchantOrderID string) (*gateway.StatusResult, error) {
	return &gateway.StatusResult{State: gateway.StatePending}, nil
}

func (stubGateway) VerifySignature(authHeaderValue string) bool {
	return authHeaderValue == testWebhookSignature
}

type handlerFixture struct {
	store *stubStore
	mux   *http.ServeMux
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	store := newStubStore()
	logs := newStubWebhookLogs()
	log := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry())

	confirmer := service.NewConfirmer(store, store, nil, m, log)
	orders := service.NewOrderService(store, store, stubGateway{}, confirmer, nil, m, log, 1.00)
	webhooks := service.NewWebhookService(logs, store, stubGateway{}, confirmer, m, log, 5, 72*time.Hour, 50)
	janitor := service.NewJanitor(store, m, log, 30*time.Minute, time.Minute)

	handler := NewHandler(orders, webhooks, janitor, log, testCleanupToken, testOperatorToken)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return &handlerFixture{store: store, mux: mux}
}

func (f *handlerFixture) do(t *testing.T, method, target string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return v
}

func validOrderBody() map[string]any {
	return map[string]any{
		"items": []map[string]any{{"product_id": "prod-keyboard", "quantity": 2}},
		"customer": map[string]any{
			"name": "Jamie Doe", "email": "jamie@example.com", "phone": "555-0100",
			"address": "1 Main St", "city": "Springfield", "postal_code": "12345",
		},
	}
}

func TestGetProducts(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/api/products", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	products := decodeBody[[]entity.Product](t, rec)
	if len(products) != 1 || products[0].ID != "prod-keyboard" {
		t.Fatalf("products = %+v", products)
	}
}

func TestCreateOrderEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodPost, "/api/orders", validOrderBody(), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[service.CreateOrderResult](t, rec)
	if res.PaymentURL == "" || res.MerchantOrderID == "" || res.TotalPrice != 179.98 {
		t.Fatalf("result = %+v", res)
	}
}

func TestCreateOrderEndpointRejections(t *testing.T) {
	f := newHandlerFixture(t)

	tests := []struct {
		name string
		body any
		want int
		kind string
	}{
		{"malformed json", "not-json", http.StatusBadRequest, "validation"},
		{"empty cart", map[string]any{"items": []any{}, "customer": validOrderBody()["customer"]}, http.StatusBadRequest, "validation"},
		{"insufficient stock", map[string]any{
			"items":    []map[string]any{{"product_id": "prod-keyboard", "quantity": 999}},
			"customer": validOrderBody()["customer"],
		}, http.StatusBadRequest, "insufficient_stock"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/orders", tc.body, nil)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			body := decodeBody[map[string]string](t, rec)
			if body["kind"] != tc.kind {
				t.Fatalf("kind = %q, want %q", body["kind"], tc.kind)
			}
		})
	}
}

func TestOrderStatusEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	created := decodeBody[service.CreateOrderResult](t,
		f.do(t, http.MethodPost, "/api/orders", validOrderBody(), nil))

	rec := f.do(t, http.MethodGet, "/api/orders/status?merchant_order_id="+created.MerchantOrderID, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	res := decodeBody[service.OrderStatusResult](t, rec)
	if res.PaymentStatus != entity.PaymentPending {
		t.Fatalf("payment status = %s", res.PaymentStatus)
	}

	if rec := f.do(t, http.MethodGet, "/api/orders/status?order_id=unknown", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown order status = %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/orders/status", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing ref status = %d", rec.Code)
	}
}

func TestPaymentWebhookEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	created := decodeBody[service.CreateOrderResult](t,
		f.do(t, http.MethodPost, "/api/orders", validOrderBody(), nil))

	payload := map[string]any{
		"event": "checkout.order.completed",
		"payload": map[string]any{
			"merchantOrderId": created.MerchantOrderID,
			"state":           "COMPLETED",
			"paymentDetails":  []map[string]any{{"transactionId": "txn-hook"}},
		},
	}

	rec := f.do(t, http.MethodPost, "/api/webhooks/payment", payload,
		map[string]string{"Authorization": testWebhookSignature})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	ack := decodeBody[map[string]any](t, rec)
	if ack["acknowledged"] != true {
		t.Fatalf("body = %v", ack)
	}

	order, err := f.store.FindByMerchantOrderID(context.Background(), created.MerchantOrderID)
	if err != nil {
		t.Fatal(err)
	}
	if order.Status != entity.OrderPlaced {
		t.Fatalf("order status = %s", order.Status)
	}
}

func TestPaymentWebhookEndpointUnauthorized(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/webhooks/payment",
		map[string]any{"event": "checkout.order.completed"}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing auth status = %d", rec.Code)
	}
	ack := decodeBody[map[string]any](t, rec)
	if ack["acknowledged"] != false {
		t.Fatalf("body = %v", ack)
	}

	rec = f.do(t, http.MethodPost, "/api/webhooks/payment",
		map[string]any{"event": "checkout.order.completed"},
		map[string]string{"Authorization": "Basic forged"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged auth status = %d", rec.Code)
	}
}

func TestWebhookRetryEndpointAuth(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost, "/api/webhooks/retry", map[string]any{"retry_all": true}, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated retry status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/webhooks/retry", map[string]any{"retry_all": true},
		map[string]string{"Authorization": "Bearer " + testOperatorToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("authorized retry status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodPost, "/api/webhooks/retry", map[string]any{},
		map[string]string{"Authorization": "Bearer " + testOperatorToken})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty retry request status = %d", rec.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	f := newHandlerFixture(t)
	created := decodeBody[service.CreateOrderResult](t,
		f.do(t, http.MethodPost, "/api/orders", validOrderBody(), nil))

	f.store.mu.Lock()
	f.store.orders[created.OrderID].CreatedAt = time.Now().Add(-time.Hour)
	f.store.mu.Unlock()

	if rec := f.do(t, http.MethodPost, "/api/internal/cleanup", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated cleanup status = %d", rec.Code)
	}

	// Schedulers that cannot set headers pass the token as a query parameter.
	rec := f.do(t, http.MethodPost, "/api/internal/cleanup?token="+testCleanupToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup status = %d, body = %s", rec.Code, rec.Body.String())
	}
	res := decodeBody[map[string]int64](t, rec)
	if res["cancelled"] != 1 {
		t.Fatalf("cancelled = %d, want 1", res["cancelled"])
	}

	order, _ := f.store.FindByID(context.Background(), created.OrderID)
	if order.Status != entity.OrderCancelled {
		t.Fatalf("order status = %s", order.Status)
	}
}

func TestHealthz(t *testing.T) {
	f := newHandlerFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
