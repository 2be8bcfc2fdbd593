// Package core defines the core interfaces and domain types for the trader
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// IExchange is the signed venue boundary the trader consumes.
// Orders are addressed by client order id so every call is idempotent.
type IExchange interface {
	GetName() string
	UsesMargin() bool

	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	GetBalance(ctx context.Context, asset string) (Balance, error)
	Borrow(ctx context.Context, asset string, amount decimal.Decimal) error
	Repay(ctx context.Context, asset string, amount decimal.Decimal) error

	GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// INotifier is a fire-and-forget notification sink
type INotifier interface {
	Notify(ctx context.Context, event string, level string, fields map[string]string)
}

// IClock abstracts wall time for deterministic tests
type IClock interface {
	Now() time.Time
}

// SystemClock is the wall clock
type SystemClock struct{}

// Now returns time.Now()
func (SystemClock) Now() time.Time { return time.Now() }

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IEventLog records operational events outside the structured logger
type IEventLog interface {
	Append(event string, fields map[string]interface{}) error
}
