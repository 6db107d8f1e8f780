package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrInvalidOrder        = errors.New("invalid_order")
	ErrInsufficientFunds   = errors.New("insufficient_funds")
	ErrNotFound            = errors.New("not_found")
	ErrAlreadyFilled       = errors.New("already_filled")
	ErrAlreadyCancelled    = errors.New("already_cancelled")
	ErrWouldCross          = errors.New("post_only_would_cross")
	ErrUnsupportedNodeType = errors.New("unsupported_node_type")
	ErrNodeUnreachable     = errors.New("node_unreachable")
	ErrMalformedResponse   = errors.New("malformed_response")
	ErrAddressExists       = errors.New("address_exists")
	ErrMarketExists        = errors.New("market_exists")
	ErrInvalidTransition   = errors.New("invalid_transition")
)

// ErrInsufficientBalance is the name the order path uses for a failed hold.
var ErrInsufficientBalance = ErrInsufficientFunds

// Not-found variants. All of them match ErrNotFound with errors.Is.
var (
	ErrOrderNotFound   = fmt.Errorf("order_%w", ErrNotFound)
	ErrMarketNotFound  = fmt.Errorf("market_%w", ErrNotFound)
	ErrAddressNotFound = fmt.Errorf("address_%w", ErrNotFound)
	ErrNodeNotFound    = fmt.Errorf("node_%w", ErrNotFound)
)

// ValidationError represents a request validation failure. Err, when set,
// is the sentinel the failure belongs to.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// InvalidOrder builds a ValidationError that matches ErrInvalidOrder.
func InvalidOrder(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...), Err: ErrInvalidOrder}
}
