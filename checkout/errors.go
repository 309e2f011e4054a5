package checkout

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized = errors.New("authentication required")
	ErrEmptyCart    = errors.New("cart is empty")

	// ErrCheckoutInProgress means another attempt with the same idempotency
	// key has not finished yet. The client should retry with the same key.
	ErrCheckoutInProgress = errors.New("a checkout with this idempotency key is still in progress")
)

// ValidationError reports the first malformed input field by its JSON name.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ProductUnavailableError means a cart line points at a product the catalog
// no longer has. It is not retryable.
type ProductUnavailableError struct {
	ProductID string
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %s is no longer available", e.ProductID)
}

type InsufficientStockError struct {
	ProductID string
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: %d available", e.ProductID, e.Available)
}

// StorageError wraps a store failure. Its Error text is for logs; clients
// get Message(err).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// HTTPStatus maps a checkout error to the status code returned to clients.
func HTTPStatus(err error) int {
	var (
		validation  *ValidationError
		unavailable *ProductUnavailableError
		stock       *InsufficientStockError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrCheckoutInProgress):
		return http.StatusConflict
	case errors.As(err, &validation),
		errors.Is(err, ErrEmptyCart),
		errors.As(err, &unavailable),
		errors.As(err, &stock):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Message is the client-facing text for err. Storage details are never
// included.
func Message(err error) string {
	if HTTPStatus(err) == http.StatusInternalServerError {
		return "checkout failed, please try again"
	}
	return err.Error()
}

// resultLabel buckets an outcome for the checkout metric.
func resultLabel(err error, replayed bool) string {
	switch {
	case err == nil && replayed:
		return "replayed"
	case err == nil:
		return "success"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrCheckoutInProgress):
		return "in_progress"
	case HTTPStatus(err) == http.StatusBadRequest:
		return "rejected"
	default:
		return "failed"
	}
}
