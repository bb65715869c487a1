package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/egannguyen/go-storefront-checkout/internal/apperr"
	"github.com/egannguyen/go-storefront-checkout/internal/entity"
	"github.com/egannguyen/go-storefront-checkout/internal/metrics"
	"github.com/egannguyen/go-storefront-checkout/internal/repository"
)

// Gateway webhook event names. An outcome is actionable only when the event
// name AND the payload state agree; anything else is acknowledged without
// touching the order so the gateway stops redelivering a legitimately
// pending event.
const (
	eventOrderCompleted = "checkout.order.completed"
	eventOrderFailed    = "checkout.order.failed"
)

// webhookBody is the gateway's delivery envelope. Fields are validated per
// event before any branching logic runs.
type webhookBody struct {
	Event   string `json:"event"`
	Payload struct {
		MerchantOrderID string            `json:"merchantOrderId"`
		OrderID         string            `json:"orderId"`
		State           string            `json:"state"`
		Amount          float64           `json:"amount"`
		PaymentDetails  []paymentDetail   `json:"paymentDetails"`
		ErrorCode       string            `json:"errorCode,omitempty"`
		MetaInfo        map[string]string `json:"metaInfo,omitempty"`
	} `json:"payload"`
}

type paymentDetail struct {
	TransactionID string `json:"transactionId"`
	PaymentMode   string `json:"paymentMode"`
}

// WebhookService ingests gateway webhook deliveries and replays failed ones.
// Every delivery is durably logged before anything is verified, so manual
// reconciliation never depends on anything not already persisted.
type WebhookService struct {
	logs      repository.WebhookLogRepository
	orders    repository.OrderRepository
	gateway   PaymentGateway
	confirmer *Confirmer
	metrics   *metrics.Metrics
	log       *zap.Logger

	retryMaxAttempts int
	retryMaxAge      time.Duration
	retryBatchLimit  int
}

// NewWebhookService wires webhook ingestion and the operator retry tool.
func NewWebhookService(
	logs repository.WebhookLogRepository,
	orders repository.OrderRepository,
	gw PaymentGateway,
	confirmer *Confirmer,
	m *metrics.Metrics,
	log *zap.Logger,
	retryMaxAttempts int,
	retryMaxAge time.Duration,
	retryBatchLimit int,
) *WebhookService {
	return &WebhookService{
		logs:             logs,
		orders:           orders,
		gateway:          gw,
		confirmer:        confirmer,
		metrics:          m,
		log:              log,
		retryMaxAttempts: retryMaxAttempts,
		retryMaxAge:      retryMaxAge,
		retryBatchLimit:  retryBatchLimit,
	}
}

// Process handles one inbound webhook delivery. The raw payload is logged
// first; the signed-auth header is required and verified before the payload
// is trusted. Errors map to the HTTP codes the gateway expects: 401 for auth,
// 400 for an unusable payload, 404 for an unknown order, 500 when the
// gateway should redeliver.
func (s *WebhookService) Process(ctx context.Context, rawPayload []byte, authHeaderValue string) error {
	wlog := &entity.WebhookLog{Payload: rawPayload}

	// Best-effort pre-parse so the audit row carries the event name and
	// merchant order id even if processing stops at the auth checks.
	var body webhookBody
	parseErr := json.Unmarshal(rawPayload, &body)
	if parseErr == nil {
		wlog.Event = body.Event
		wlog.MerchantOrderID = body.Payload.MerchantOrderID
	}

	if err := s.logs.Insert(ctx, wlog); err != nil {
		return fmt.Errorf("failed to log webhook delivery: %w", err)
	}

	result, err := s.process(ctx, wlog.ID, body, parseErr, authHeaderValue)
	s.metrics.WebhookDeliveries.WithLabelValues(result).Inc()
	return err
}

// process runs the delivery state machine against an already-logged payload.
func (s *WebhookService) process(ctx context.Context, logID int64, body webhookBody, parseErr error, authHeaderValue string) (string, error) {
	if authHeaderValue == "" {
		s.markFailed(ctx, logID, "missing auth header")
		return "unauthorized", apperr.ErrMissingAuth
	}
	if !s.gateway.VerifySignature(authHeaderValue) {
		s.markFailed(ctx, logID, "invalid signature")
		return "unauthorized", apperr.ErrInvalidSignature
	}

	if parseErr != nil {
		s.markFailed(ctx, logID, "unparsable payload: "+parseErr.Error())
		return "bad_payload", apperr.Validationf("unparsable webhook payload")
	}

	if err := s.apply(ctx, logID, body, CallerWebhook); err != nil {
		return "failed", err
	}
	return "processed", nil
}

// apply is shared by ingestion and retry: both re-derive the outcome from a
// payload the same way and re-enter the same confirmation engine; they differ
// only in how the payload arrived.
func (s *WebhookService) apply(ctx context.Context, logID int64, body webhookBody, caller Caller) error {
	if body.Payload.MerchantOrderID == "" {
		s.markFailed(ctx, logID, "missing merchant order id")
		return apperr.Validationf("webhook payload has no merchantOrderId")
	}

	order, err := s.orders.FindByMerchantOrderID(ctx, body.Payload.MerchantOrderID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.markFailed(ctx, logID, "unknown merchant order id "+body.Payload.MerchantOrderID)
		return err
	}
	if err != nil {
		s.markFailed(ctx, logID, err.Error())
		return err
	}

	// Explicit short-circuit ahead of the engine's generic one: a finalized
	// order needs no transition attempt, the delivery is simply acknowledged.
	if order.PaymentStatus == entity.PaymentCompleted {
		s.markProcessed(ctx, logID)
		return nil
	}

	outcome, actionable := deriveOutcome(body)
	if !actionable {
		// Not yet actionable (e.g. state still PENDING): acknowledge so the
		// gateway does not keep retrying a legitimate intermediate event.
		s.log.Debug("webhook not actionable",
			zap.String("event", body.Event), zap.String("state", body.Payload.State))
		s.markProcessed(ctx, logID)
		return nil
	}

	if err := s.confirmer.Confirm(ctx, order.ID, outcome, caller); err != nil {
		s.markFailed(ctx, logID, err.Error())
		return err
	}

	s.markProcessed(ctx, logID)
	return nil
}

// deriveOutcome requires the event name and payload state to agree before a
// delivery finalizes anything.
func deriveOutcome(body webhookBody) (Outcome, bool) {
	var transactionID string
	if len(body.Payload.PaymentDetails) > 0 {
		transactionID = body.Payload.PaymentDetails[0].TransactionID
	}

	switch {
	case body.Event == eventOrderCompleted && body.Payload.State == "COMPLETED":
		return Completed(transactionID), true
	case body.Event == eventOrderFailed && body.Payload.State == "FAILED":
		return Failed(transactionID), true
	default:
		return Outcome{}, false
	}
}

// RetryResult is one item's outcome in a retry run.
type RetryResult struct {
	WebhookLogID int64  `json:"webhook_log_id"`
	Succeeded    bool   `json:"succeeded"`
	Error        string `json:"error,omitempty"`
}

// RetryOne replays one named webhook log through the confirmation engine.
func (s *WebhookService) RetryOne(ctx context.Context, logID int64) (*RetryResult, error) {
	wlog, err := s.logs.FindByID(ctx, logID)
	if err != nil {
		return nil, err
	}
	result := s.retryLog(ctx, wlog)
	return &result, nil
}

// RetryAll replays a bounded batch of failed logs under the configured age
// and attempt thresholds. One item's failure never aborts the batch.
func (s *WebhookService) RetryAll(ctx context.Context) ([]RetryResult, error) {
	cutoff := time.Now().Add(-s.retryMaxAge)
	logs, err := s.logs.FindRetryable(ctx, cutoff, s.retryMaxAttempts, s.retryBatchLimit)
	if err != nil {
		return nil, err
	}

	results := make([]RetryResult, 0, len(logs))
	for i := range logs {
		results = append(results, s.retryLog(ctx, &logs[i]))
	}
	return results, nil
}

// retryLog re-parses a stored raw payload and re-derives its outcome exactly
// as ingestion does. The signature is not re-checked: the operator replays a
// payload that is already part of the durable audit trail.
func (s *WebhookService) retryLog(ctx context.Context, wlog *entity.WebhookLog) RetryResult {
	var body webhookBody
	if err := json.Unmarshal(wlog.Payload, &body); err != nil {
		s.markFailed(ctx, wlog.ID, "unparsable payload: "+err.Error())
		return RetryResult{WebhookLogID: wlog.ID, Error: "unparsable payload"}
	}

	if err := s.apply(ctx, wlog.ID, body, CallerRetry); err != nil {
		return RetryResult{WebhookLogID: wlog.ID, Error: err.Error()}
	}
	return RetryResult{WebhookLogID: wlog.ID, Succeeded: true}
}

func (s *WebhookService) markProcessed(ctx context.Context, logID int64) {
	if err := s.logs.MarkProcessed(ctx, logID); err != nil {
		s.log.Error("failed to mark webhook log processed",
			zap.Int64("webhook_log_id", logID), zap.Error(err))
	}
}

func (s *WebhookService) markFailed(ctx context.Context, logID int64, msg string) {
	if err := s.logs.MarkFailed(ctx, logID, msg); err != nil {
		s.log.Error("failed to mark webhook log failed",
			zap.Int64("webhook_log_id", logID), zap.Error(err))
	}
}
