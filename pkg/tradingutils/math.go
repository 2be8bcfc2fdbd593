package tradingutils

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrBelowMinQty      = errors.New("quantity below minimum")
	ErrBelowMinNotional = errors.New("notional below minimum")
	ErrInvalidStep      = errors.New("step must be positive")
)

// FloorToStep aligns value down onto the step grid
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// CeilToStep aligns value up onto the step grid
func CeilToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// RoundToStep aligns value to the nearest grid point
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Round(0).Mul(step)
}

// IsAligned reports whether value sits exactly on the step grid
func IsAligned(value, step decimal.Decimal) bool {
	if !step.IsPositive() {
		return true
	}
	return value.Mod(step).IsZero()
}

// EntryPrice places the entry strictly beyond market±offset on the tick grid,
// away from the market: up for buys, down for sells.
func EntryPrice(market, offset, tick decimal.Decimal, long bool) decimal.Decimal {
	if long {
		raw := market.Add(offset)
		return FloorToStep(raw, tick).Add(tick)
	}
	raw := market.Sub(offset)
	return CeilToStep(raw, tick).Sub(tick)
}

// RoundHarder rounds a stop so it is never easier to hit: down for longs, up for shorts
func RoundHarder(stop, tick decimal.Decimal, long bool) decimal.Decimal {
	if long {
		return FloorToStep(stop, tick)
	}
	return CeilToStep(stop, tick)
}

// RoundEasier rounds a take-profit toward the entry so it is easier to hit
func RoundEasier(target, tick decimal.Decimal, long bool) decimal.Decimal {
	if long {
		return FloorToStep(target, tick)
	}
	return CeilToStep(target, tick)
}

// SizeQuantity converts a quote notional into a base quantity floored to step,
// rejecting sizes the venue would refuse.
func SizeQuantity(notional, price, step, minQty, minNotional decimal.Decimal) (decimal.Decimal, error) {
	if !step.IsPositive() {
		return decimal.Zero, ErrInvalidStep
	}
	if !price.IsPositive() {
		return decimal.Zero, errors.New("price must be positive")
	}
	qty := FloorToStep(notional.Div(price), step)
	if err := CheckTradable(qty, price, minQty, minNotional); err != nil {
		return decimal.Zero, err
	}
	return qty, nil
}

// CheckTradable validates a quantity against venue minimums
func CheckTradable(qty, price, minQty, minNotional decimal.Decimal) error {
	if !qty.IsPositive() || qty.LessThan(minQty) {
		return ErrBelowMinQty
	}
	if minNotional.IsPositive() && qty.Mul(price).LessThan(minNotional) {
		return ErrBelowMinNotional
	}
	return nil
}

// IsDust reports a remainder too small to trade
func IsDust(qty, price, minQty, minNotional decimal.Decimal) bool {
	return CheckTradable(qty, price, minQty, minNotional) != nil
}

// WithinStep reports |a-b| <= step
func WithinStep(a, b, step decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(step)
}

// CalculateNetProfit computes profit after trading fees
func CalculateNetProfit(buyPrice, sellPrice, buyFeeRate, sellFeeRate decimal.Decimal) decimal.Decimal {
	grossProfit := sellPrice.Sub(buyPrice)
	buyFee := buyPrice.Mul(buyFeeRate)
	sellFee := sellPrice.Mul(sellFeeRate)
	return grossProfit.Sub(buyFee).Sub(sellFee)
}
