// Package order provides order execution with rate limiting, retries and
// error-kind classification
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/retry"
	"signal_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Rejection is a venue rejection observed by the executor
type Rejection struct {
	Code int
	At   time.Time
}

// Executor is the single path from the trader to the venue's order endpoints
type Executor struct {
	exchange core.IExchange
	symbol   string
	logger   core.ILogger
	clock    core.IClock
	tracer   trace.Tracer

	limiter *rate.Limiter
	policy  retry.RetryPolicy

	mu         sync.Mutex
	rejections []Rejection
	errorTimes []time.Time
	errorCap   int
}

// NewExecutor creates an executor limited to rps order calls per second
func NewExecutor(exchange core.IExchange, symbol string, rps float64, burst int, logger core.ILogger, clock core.IClock) *Executor {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Executor{
		exchange: exchange,
		symbol:   symbol,
		logger:   logger.WithField("component", "order_executor"),
		clock:    clock,
		tracer:   telemetry.GetTracer("order-executor"),
		limiter:  rate.NewLimiter(limit, burst),
		policy:   retry.DefaultPolicy,
		errorCap: 500,
	}
}

// SetRetryPolicy replaces the in-call retry policy
func (e *Executor) SetRetryPolicy(p retry.RetryPolicy) {
	e.policy = p
}

// Symbol returns the traded symbol
func (e *Executor) Symbol() string {
	return e.symbol
}

// Exchange returns the underlying venue
func (e *Executor) Exchange() core.IExchange {
	return e.exchange
}

// Place submits an order. A duplicate-id rejection means an earlier attempt
// already landed, so the existing order is fetched and returned as success.
func (e *Executor) Place(ctx context.Context, leg string, req *core.PlaceOrderRequest) (*core.Order, error) {
	ctx, span := e.tracer.Start(ctx, "Place",
		trace.WithAttributes(
			attribute.String("leg", leg),
			attribute.String("client_order_id", req.ClientOrderID),
			attribute.String("type", string(req.Type)),
		),
	)
	defer span.End()

	order, err := retry.DoValue(ctx, e.policy, retry.Transient, func() (*core.Order, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return e.exchange.PlaceOrder(ctx, req)
	})
	if err == nil {
		telemetry.GetGlobalMetrics().IncOrderPlaced(ctx, leg)
		e.logger.Info("Order placed",
			"leg", leg,
			"client_order_id", req.ClientOrderID,
			"side", req.Side,
			"type", req.Type,
			"price", req.Price,
			"stop_price", req.StopPrice,
			"qty", req.Quantity)
		return order, nil
	}

	kind := apperrors.KindOf(err)
	if kind == apperrors.KindDuplicate && req.ClientOrderID != "" {
		existing, gerr := e.Get(ctx, req.ClientOrderID)
		if gerr == nil {
			e.logger.Info("Order already present on venue", "leg", leg, "client_order_id", req.ClientOrderID, "status", existing.Status)
			return existing, nil
		}
		e.logger.Warn("Duplicate order could not be fetched", "client_order_id", req.ClientOrderID, "error", gerr)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, kind.String())
	telemetry.GetGlobalMetrics().IncOrderFailed(ctx, leg, kind.String())
	e.recordError(err)
	e.logger.Warn("Order placement failed",
		"leg", leg,
		"client_order_id", req.ClientOrderID,
		"kind", kind.String(),
		"error", err)
	return nil, fmt.Errorf("place %s: %w", leg, err)
}

// Cancel cancels by client id. An unknown order is already gone and is not an error.
func (e *Executor) Cancel(ctx context.Context, clientID string) error {
	err := retry.Do(ctx, e.policy, retry.Transient, func() error {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
		return e.exchange.CancelOrder(ctx, e.symbol, clientID)
	})
	if err == nil {
		e.logger.Info("Order canceled", "client_order_id", clientID)
		return nil
	}
	if apperrors.KindOf(err) == apperrors.KindNotFound {
		e.logger.Debug("Cancel of unknown order treated as gone", "client_order_id", clientID)
		return nil
	}
	e.recordError(err)
	return fmt.Errorf("cancel %s: %w", clientID, err)
}

// Get queries an order by client id
func (e *Executor) Get(ctx context.Context, clientID string) (*core.Order, error) {
	return retry.DoValue(ctx, e.policy, retry.Transient, func() (*core.Order, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return e.exchange.GetOrder(ctx, e.symbol, clientID)
	})
}

// CancelAndConfirm cancels an order and returns its final venue view.
// A nil order with nil error means the venue does not know the id.
// The returned order may be FILLED when the fill raced the cancel.
func (e *Executor) CancelAndConfirm(ctx context.Context, clientID string) (*core.Order, error) {
	if err := e.Cancel(ctx, clientID); err != nil {
		return nil, err
	}
	o, err := e.Get(ctx, clientID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// IsGone reports whether an id no longer needs watching: terminal or unknown
func (e *Executor) IsGone(ctx context.Context, clientID string) (bool, *core.Order, error) {
	o, err := e.Get(ctx, clientID)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindNotFound {
			return true, nil, nil
		}
		return false, nil, err
	}
	return o.Status.IsTerminal(), o, nil
}

// DrainRejections returns and clears rejections seen since the last call
func (e *Executor) DrainRejections() []Rejection {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.rejections
	e.rejections = nil
	return out
}

// CheckHealth returns an error if too many venue errors happened recently
func (e *Executor) CheckHealth(window time.Duration, max int) error {
	if n := e.recentErrorCount(window); n > max {
		return fmt.Errorf("high error rate: %d errors in last %s", n, window)
	}
	return nil
}

func (e *Executor) recordError(err error) {
	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	e.errorTimes = append(e.errorTimes, now)
	if len(e.errorTimes) > e.errorCap {
		e.errorTimes = e.errorTimes[len(e.errorTimes)-e.errorCap:]
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindRejected, apperrors.KindInsufficientFunds, apperrors.KindAuth:
		e.rejections = append(e.rejections, Rejection{Code: apperrors.CodeOf(err), At: now})
	}
}

func (e *Executor) recentErrorCount(window time.Duration) int {
	cutoff := e.clock.Now().Add(-window)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, t := range e.errorTimes {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
