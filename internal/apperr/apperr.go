// Package apperr defines the domain error kinds of the checkout core and
// their mapping to HTTP status codes. Domain errors carry text that is safe
// to show to the caller; anything else is reported generically.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound marks a lookup of an unknown order or webhook log.
	ErrNotFound = errors.New("not found")

	// ErrMissingAuth marks a webhook delivery without the signed-auth header.
	ErrMissingAuth = errors.New("missing auth header")

	// ErrInvalidSignature marks a webhook delivery whose signature does not
	// match the configured credentials. No order state is touched.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrGatewayNotConfigured means the merchant account is not provisioned
	// for the checkout product on the gateway side. Retrying will not help.
	ErrGatewayNotConfigured = errors.New("payment gateway not configured for merchant")
)

// ValidationError reports malformed or missing request fields.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError with a formatted message.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InsufficientStockError reports a failed stock check at order creation,
// naming the product and what was actually available.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s (available: %d, requested: %d)",
		e.ProductID, e.Available, e.Requested)
}

// MinimumAmountError reports an order total below the gateway-imposed floor.
// The order has already been created and auto-cancelled when this is returned.
type MinimumAmountError struct {
	Total   float64
	Minimum float64
}

func (e *MinimumAmountError) Error() string {
	return fmt.Sprintf("order total %.2f is below the minimum of %.2f", e.Total, e.Minimum)
}

// GatewayError reports a transient failure talking to the payment gateway
// (network error or 5xx response).
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string { return fmt.Sprintf("gateway %s: %v", e.Op, e.Err) }

func (e *GatewayError) Unwrap() error { return e.Err }

// Kind returns a short machine-readable label for an error, used in logs and
// metrics labels.
func Kind(err error) string {
	var (
		validation *ValidationError
		stock      *InsufficientStockError
		minimum    *MinimumAmountError
		gateway    *GatewayError
	)
	switch {
	case err == nil:
		return ""

	case errors.As(err, &validation):
		return "validation"

	case errors.As(err, &stock):
		return "insufficient_stock"

	case errors.As(err, &minimum):
		return "minimum_amount"

	case errors.Is(err, ErrGatewayNotConfigured):
		return "gateway_not_configured"

	case errors.As(err, &gateway):
		return "gateway_transient"

	case errors.Is(err, ErrMissingAuth), errors.Is(err, ErrInvalidSignature):
		return "unauthorized"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	default:
		return "internal"
	}
}

// HTTPStatus maps an error to the HTTP status code the delivery layer should
// respond with.
func HTTPStatus(err error) int {
	var (
		validation *ValidationError
		stock      *InsufficientStockError
		minimum    *MinimumAmountError
		gateway    *GatewayError
	)
	switch {
	case err == nil:
		return http.StatusOK

	case errors.As(err, &validation),
		errors.As(err, &stock),
		errors.As(err, &minimum):
		return http.StatusBadRequest

	case errors.Is(err, ErrGatewayNotConfigured):
		return http.StatusServiceUnavailable

	case errors.As(err, &gateway):
		return http.StatusInternalServerError

	case errors.Is(err, ErrMissingAuth), errors.Is(err, ErrInvalidSignature):
		return http.StatusUnauthorized

	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound

	default:
		return http.StatusInternalServerError
	}
}

// UserMessage returns text safe to surface to the caller. Domain errors speak
// for themselves; infrastructure errors are reported generically and must be
// logged in full server-side.
func UserMessage(err error) string {
	switch Kind(err) {
	case "validation", "insufficient_stock", "minimum_amount", "not_found", "unauthorized":
		return err.Error()
	case "gateway_not_configured":
		return "payment is temporarily unavailable"
	default:
		return "internal server error"
	}
}
