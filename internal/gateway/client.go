// Package gateway wraps the external asynchronous payment gateway: OAuth
// client-credentials token management, payment creation, status queries and
// webhook signature verification.
package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/egannguyen/go-storefront-checkout/internal/apperr"
	"github.com/egannguyen/go-storefront-checkout/internal/entity"
)

// tokenExpirySkew is subtracted from the token lifetime so a token is never
// used right at its expiry edge.
const tokenExpirySkew = 30 * time.Second

// Config holds the gateway connection and webhook credentials.
type Config struct {
	BaseURL         string
	ClientID        string
	ClientSecret    string
	WebhookUsername string
	WebhookPassword string
	Currency        string
	Timeout         time.Duration
}

// Client talks to the payment gateway. One instance owns the token cache;
// inject it rather than sharing global state.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	refresh     singleflight.Group
}

// NewClient creates a gateway client. The logger may not be nil.
func NewClient(cfg Config, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// PaymentSession is the result of opening a payment with the gateway.
type PaymentSession struct {
	PaymentURL    string `json:"payment_url"`
	TransactionID string `json:"transaction_id"`
}

// PaymentState is the gateway status vocabulary normalized to three values.
type PaymentState string

const (
	StatePending   PaymentState = "PENDING"
	StateCompleted PaymentState = "COMPLETED"
	StateFailed    PaymentState = "FAILED"
)

// StatusResult is a normalized gateway status-query response.
type StatusResult struct {
	State         PaymentState
	TransactionID string
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// merchantNotConfiguredCode is the gateway's distinct status for a merchant
// account not provisioned for the checkout product. No retry will help.
const merchantNotConfiguredCode = "merchant_not_configured"

// getToken returns the cached access token, refreshing it when expired.
// Concurrent callers during a cold cache converge on one in-flight refresh.
func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.refresh.Do("token", func() (any, error) {
		return c.fetchToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) fetchToken(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.cfg.ClientID},
		"client_secret": {c.cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &apperr.GatewayError{Op: "token", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &apperr.GatewayError{Op: "token", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &apperr.GatewayError{Op: "token", Err: fmt.Errorf("decode response: %w", err)}
	}
	if tok.AccessToken == "" {
		return "", &apperr.GatewayError{Op: "token", Err: fmt.Errorf("empty access token")}
	}

	c.mu.Lock()
	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpirySkew)
	c.mu.Unlock()

	c.log.Debug("gateway token refreshed", zap.Int64("expires_in", tok.ExpiresIn))
	return tok.AccessToken, nil
}

type createPaymentRequest struct {
	MerchantOrderID string `json:"merchant_order_id"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	CustomerName    string `json:"customer_name"`
	CustomerEmail   string `json:"customer_email"`
	CustomerPhone   string `json:"customer_phone"`
}

// CreatePayment opens a payment session for the given amount in minor units.
// It returns ErrGatewayNotConfigured when the merchant account itself is not
// provisioned, and a GatewayError for network errors and 5xx responses.
func (c *Client) CreatePayment(ctx context.Context, merchantOrderID string, amountMinorUnits int64, customer entity.Customer) (*PaymentSession, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(createPaymentRequest{
		MerchantOrderID: merchantOrderID,
		Amount:          amountMinorUnits,
		Currency:        c.cfg.Currency,
		CustomerName:    customer.Name,
		CustomerEmail:   customer.Email,
		CustomerPhone:   customer.Phone,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.GatewayError{Op: "create payment", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &apperr.GatewayError{Op: "create payment", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		var gwErr errorResponse
		raw, _ := io.ReadAll(resp.Body)
		_ = json.Unmarshal(raw, &gwErr)
		if gwErr.ErrorCode == merchantNotConfiguredCode {
			return nil, fmt.Errorf("create payment for %s: %w", merchantOrderID, apperr.ErrGatewayNotConfigured)
		}
		return nil, &apperr.GatewayError{Op: "create payment",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, gwErr.Message)}
	}

	var session PaymentSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, &apperr.GatewayError{Op: "create payment", Err: fmt.Errorf("decode response: %w", err)}
	}
	if session.PaymentURL == "" {
		return nil, &apperr.GatewayError{Op: "create payment", Err: fmt.Errorf("empty payment url")}
	}
	return &session, nil
}

type statusResponse struct {
	State         string `json:"state"`
	TransactionID string `json:"transaction_id"`
}

// QueryStatus fetches the gateway's authoritative state for a merchant order
// and normalizes its status vocabulary.
func (c *Client) QueryStatus(ctx context.Context, merchantOrderID string) (*StatusResult, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/v1/payments/"+url.PathEscape(merchantOrderID)+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.GatewayError{Op: "query status", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("gateway order %s: %w", merchantOrderID, apperr.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &apperr.GatewayError{Op: "query status", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var st statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, &apperr.GatewayError{Op: "query status", Err: fmt.Errorf("decode response: %w", err)}
	}

	return &StatusResult{
		State:         NormalizeState(st.State),
		TransactionID: st.TransactionID,
	}, nil
}

// NormalizeState maps the gateway's own status vocabulary onto the three
// states the rest of the system understands. Unknown states stay PENDING so
// an unexpected vocabulary addition never finalizes an order.
func NormalizeState(raw string) PaymentState {
	switch strings.ToUpper(raw) {
	case "COMPLETED", "CHARGED", "SUCCESS":
		return StateCompleted
	case "FAILED", "DECLINED", "AUTHORIZATION_FAILED", "AUTHENTICATION_FAILED":
		return StateFailed
	default:
		return StatePending
	}
}

// VerifySignature checks the webhook's signed-auth header against the
// configured webhook credentials using a constant-time comparison. It must
// run before any payload content is trusted.
func (c *Client) VerifySignature(authHeaderValue string) bool {
	if authHeaderValue == "" {
		return false
	}
	expected := "Basic " + base64.StdEncoding.EncodeToString(
		[]byte(c.cfg.WebhookUsername+":"+c.cfg.WebhookPassword))
	return subtle.ConstantTimeCompare([]byte(authHeaderValue), []byte(expected)) == 1
}
