// Package base provides common functionality for exchange adapters
package base

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
	apphttp "signal_trader/pkg/http"
	"signal_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ParseErrorFunc turns a venue error body into a classified error
type ParseErrorFunc func(op string, status int, body []byte) error

// BaseAdapter provides the request path shared by REST adapters:
// client-side rate limiting, latency metrics and error classification.
type BaseAdapter struct {
	Name    string
	Logger  core.ILogger
	Client  *apphttp.Client
	Limiter *rate.Limiter

	ParseError ParseErrorFunc
}

// NewBaseAdapter creates a base adapter. A non-positive rps disables limiting.
func NewBaseAdapter(name string, client *apphttp.Client, rps float64, burst int, logger core.ILogger) *BaseAdapter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	return &BaseAdapter{
		Name:    name,
		Logger:  logger.WithField("exchange", name),
		Client:  client,
		Limiter: rate.NewLimiter(limit, burst),
	}
}

// GetName returns the exchange name
func (b *BaseAdapter) GetName() string {
	return b.Name
}

// SetParseError sets the exchange-specific error parser
func (b *BaseAdapter) SetParseError(fn ParseErrorFunc) {
	b.ParseError = fn
}

// Call executes one venue request. Transport failures and 5xx responses come
// back wrapping ErrNetwork; 4xx bodies go through ParseError.
func (b *BaseAdapter) Call(ctx context.Context, op, method, path string, params url.Values) ([]byte, error) {
	if err := b.Limiter.Wait(ctx); err != nil {
		return nil, apperrors.NewExchangeError(op, 0, err.Error(), apperrors.ErrRateLimitExceeded)
	}

	start := time.Now()
	body, err := b.Client.Do(ctx, method, path, params)
	telemetry.GetGlobalMetrics().RecordExchangeLatency(ctx, op, float64(time.Since(start).Milliseconds()))
	if err == nil {
		return body, nil
	}

	var apiErr *apphttp.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= http.StatusInternalServerError {
			return nil, apperrors.NewExchangeError(op, 0, fmt.Sprintf("HTTP %d", apiErr.StatusCode), apperrors.ErrNetwork)
		}
		if b.ParseError != nil {
			return nil, b.ParseError(op, apiErr.StatusCode, apiErr.Body)
		}
		return nil, apperrors.NewExchangeError(op, 0, string(apiErr.Body), apperrors.ErrOrderRejected)
	}
	if errors.Is(err, context.Canceled) {
		return nil, err
	}
	b.Logger.Warn("Venue call failed", "op", op, "error", err)
	return nil, apperrors.NewExchangeError(op, 0, err.Error(), apperrors.ErrNetwork)
}

// ParseDecimal safely parses a string to decimal
func (b *BaseAdapter) ParseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		b.Logger.Warn("failed to parse decimal", "value", s, "error", err)
		return decimal.Zero
	}
	return d
}

// ParseTimestamp safely parses a timestamp in milliseconds
func (b *BaseAdapter) ParseTimestamp(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
