package http

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/egannguyen/go-storefront-checkout/internal/apperr"
	"github.com/egannguyen/go-storefront-checkout/internal/service"
)

// Handler handles HTTP requests for the checkout core.
type Handler struct {
	orders   *service.OrderService
	webhooks *service.WebhookService
	janitor  *service.Janitor
	log      *zap.Logger

	cleanupToken  string
	operatorToken string
}

// NewHandler wires the HTTP surface.
func NewHandler(
	orders *service.OrderService,
	webhooks *service.WebhookService,
	janitor *service.Janitor,
	log *zap.Logger,
	cleanupToken, operatorToken string,
) *Handler {
	return &Handler{
		orders:        orders,
		webhooks:      webhooks,
		janitor:       janitor,
		log:           log,
		cleanupToken:  cleanupToken,
		operatorToken: operatorToken,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/products", h.handleGetProducts)
	mux.HandleFunc("POST /api/orders", h.handleCreateOrder)
	mux.HandleFunc("GET /api/orders", h.handleGetOrders)
	mux.HandleFunc("GET /api/orders/status", h.handleOrderStatus)
	mux.HandleFunc("POST /api/webhooks/payment", h.handlePaymentWebhook)
	mux.HandleFunc("POST /api/webhooks/retry", h.handleWebhookRetry)
	mux.HandleFunc("POST /api/internal/cleanup", h.handleCleanup)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

func (h *Handler) handleGetProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.orders.GetProducts(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req service.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.Validationf("invalid request body"))
		return
	}

	result, err := h.orders.CreateOrder(r.Context(), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	orders, err := h.orders.GetRecentOrders(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	ref := service.StatusRef{
		OrderID:         r.URL.Query().Get("order_id"),
		MerchantOrderID: r.URL.Query().Get("merchant_order_id"),
	}
	result, err := h.orders.PollStatus(r.Context(), ref)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, apperr.Validationf("unreadable request body"))
		return
	}

	if err := h.webhooks.Process(r.Context(), raw, r.Header.Get("Authorization")); err != nil {
		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("webhook processing failed", zap.Error(err))
		}
		writeJSON(w, status, map[string]any{
			"acknowledged": false,
			"error":        apperr.UserMessage(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

type retryRequest struct {
	WebhookLogID int64 `json:"webhook_log_id"`
	RetryAll     bool  `json:"retry_all"`
}

func (h *Handler) handleWebhookRetry(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r, h.operatorToken) {
		h.writeError(w, apperr.ErrMissingAuth)
		return
	}

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.Validationf("invalid request body"))
		return
	}

	var (
		results []service.RetryResult
		err     error
	)
	switch {
	case req.RetryAll:
		results, err = h.webhooks.RetryAll(r.Context())
	case req.WebhookLogID > 0:
		var one *service.RetryResult
		one, err = h.webhooks.RetryOne(r.Context(), req.WebhookLogID)
		if one != nil {
			results = []service.RetryResult{*one}
		}
	default:
		h.writeError(w, apperr.Validationf("webhook_log_id or retry_all is required"))
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r, h.cleanupToken) {
		h.writeError(w, apperr.ErrMissingAuth)
		return
	}

	cancelled, err := h.janitor.SweepOnce(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": cancelled})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized accepts the capability token either as a bearer header or a
// query parameter, for schedulers that cannot set headers.
func (h *Handler) authorized(r *http.Request, token string) bool {
	if token == "" {
		return false
	}
	presented := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if presented == "" || presented == r.Header.Get("Authorization") {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("kind", apperr.Kind(err)), zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error": apperr.UserMessage(err),
		"kind":  apperr.Kind(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
