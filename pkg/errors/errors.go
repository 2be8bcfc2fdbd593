package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Kind classifies a failure so call sites can branch on it instead of string matching
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindRateLimited
	KindNotFound
	KindDuplicate
	KindRejected
	KindInsufficientFunds
	KindAuth
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindRejected:
		return "rejected"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ExchangeError carries the venue code alongside the normalized sentinel
type ExchangeError struct {
	Op   string
	Code int
	Msg  string
	Err  error
}

func (e *ExchangeError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: venue error %d: %s", e.Op, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *ExchangeError) Unwrap() error {
	return e.Err
}

// NewExchangeError builds an ExchangeError wrapping the given sentinel
func NewExchangeError(op string, code int, msg string, sentinel error) *ExchangeError {
	return &ExchangeError{Op: op, Code: code, Msg: msg, Err: sentinel}
}

// KindOf maps an error onto its Kind
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	switch {
	case errors.Is(err, ErrOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrDuplicateOrder):
		return KindDuplicate
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuth
	case errors.Is(err, ErrOrderRejected), errors.Is(err, ErrInvalidOrderParameter), errors.Is(err, ErrInvalidSymbol):
		return KindRejected
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrSystemOverload), errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrTimestampOutOfBounds), errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindUnknown
}

// IsTransient reports whether retrying on the next tick can succeed
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindUnknown:
		return err != nil
	}
	return false
}

// CodeOf returns the venue error code, or 0 when none is attached
func CodeOf(err error) int {
	var exErr *ExchangeError
	if errors.As(err, &exErr) {
		return exErr.Code
	}
	return 0
}
