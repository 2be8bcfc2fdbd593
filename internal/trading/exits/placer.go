package exits

import (
	"context"
	"errors"
	"fmt"

	"signal_trader/internal/core"
	"signal_trader/internal/trading/order"

	"github.com/shopspring/decimal"
)

// Requests builds exit order requests for one symbol
type Requests struct {
	Symbol string
	Params Params
	Margin bool
}

func (r Requests) sideEffect() core.SideEffect {
	if r.Margin {
		return core.SideEffectNone
	}
	return ""
}

// Stop is a stop-loss-limit closing qty once price trades through stop
func (r Requests) Stop(side core.Side, stop, qty decimal.Decimal, clientID string) *core.PlaceOrderRequest {
	return &core.PlaceOrderRequest{
		Symbol:        r.Symbol,
		Side:          side.ExitSide(),
		Type:          core.OrderTypeStopLossLimit,
		StopPrice:     stop,
		Price:         StopLimitPrice(side, stop, r.Params),
		Quantity:      qty,
		ClientOrderID: clientID,
		SideEffect:    r.sideEffect(),
	}
}

// Limit is a resting take-profit
func (r Requests) Limit(side core.Side, price, qty decimal.Decimal, clientID string) *core.PlaceOrderRequest {
	return &core.PlaceOrderRequest{
		Symbol:        r.Symbol,
		Side:          side.ExitSide(),
		Type:          core.OrderTypeLimit,
		Price:         price,
		Quantity:      qty,
		ClientOrderID: clientID,
		SideEffect:    r.sideEffect(),
	}
}

// Market closes qty immediately
func (r Requests) Market(side core.Side, qty decimal.Decimal, clientID string) *core.PlaceOrderRequest {
	return &core.PlaceOrderRequest{
		Symbol:        r.Symbol,
		Side:          side.ExitSide(),
		Type:          core.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: clientID,
		SideEffect:    r.sideEffect(),
	}
}

// EnsureResult reports what one Ensure pass achieved
type EnsureResult struct {
	Placed   []string
	Complete bool
}

// Placer places the initial exit legs of a position exactly once
type Placer struct {
	exec   *order.Executor
	prefix string
	req    Requests
	logger core.ILogger
}

// NewPlacer creates a placer submitting through exec
func NewPlacer(exec *order.Executor, prefix string, params Params, margin bool, logger core.ILogger) *Placer {
	return &Placer{
		exec:   exec,
		prefix: prefix,
		req:    Requests{Symbol: exec.Symbol(), Params: params, Margin: margin},
		logger: logger.WithField("component", "exit_placer"),
	}
}

// Requests returns the request builder used by the placer
func (p *Placer) Requests() Requests {
	return p.req
}

// AssignIDs derives the exit client ids from the trade key. Ids already on
// the position are kept. It reports whether anything was assigned.
func (p *Placer) AssignIDs(pos *core.Position) bool {
	changed := false
	set := func(dst *string, leg string) {
		if *dst == "" {
			*dst = core.ClientID(p.prefix, pos.TradeKey, leg)
			changed = true
		}
	}
	if pos.Plan.Qty1.IsPositive() {
		set(&pos.Orders.TP1, core.LegTP1)
	}
	if pos.Plan.Qty2.IsPositive() {
		set(&pos.Orders.TP2, core.LegTP2)
	}
	set(&pos.Orders.SL, core.LegStop)
	return changed
}

// Ensure submits every exit leg the venue has not yet acknowledged. Ids are
// persisted before the first submission and the acknowledged flags after
// each one, so a crash at any point retries with the same ids.
func (p *Placer) Ensure(ctx context.Context, pos *core.Position, persist func() error) (EnsureResult, error) {
	var res EnsureResult
	if pos.Plan.IsZero() {
		return res, fmt.Errorf("position %s has no exit plan", pos.TradeKey)
	}
	if p.AssignIDs(pos) {
		if err := persist(); err != nil {
			return res, fmt.Errorf("persist exit ids: %w", err)
		}
	}

	legs := []struct {
		leg    string
		placed *bool
		req    *core.PlaceOrderRequest
	}{
		{core.LegStop, &pos.Placed.SL, p.req.Stop(pos.Side, pos.Plan.StopLoss, pos.Plan.Total(), pos.Orders.SL)},
		{core.LegTP1, &pos.Placed.TP1, p.req.Limit(pos.Side, pos.Plan.TP1, pos.Plan.Qty1, pos.Orders.TP1)},
		{core.LegTP2, &pos.Placed.TP2, p.req.Limit(pos.Side, pos.Plan.TP2, pos.Plan.Qty2, pos.Orders.TP2)},
	}

	var errs []error
	for _, l := range legs {
		if *l.placed || !l.req.Quantity.IsPositive() || l.req.ClientOrderID == "" {
			continue
		}
		if _, err := p.exec.Place(ctx, l.leg, l.req); err != nil {
			errs = append(errs, err)
			continue
		}
		*l.placed = true
		if l.leg == core.LegStop {
			pos.CurrentStop = pos.Plan.StopLoss
			pos.StopQty = pos.Plan.Total()
		}
		res.Placed = append(res.Placed, l.req.ClientOrderID)
		if err := persist(); err != nil {
			return res, fmt.Errorf("persist %s placement: %w", l.leg, err)
		}
	}

	res.Complete = Complete(pos)
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}
	return res, nil
}

// Complete reports whether every leg the plan needs is acknowledged
func Complete(pos *core.Position) bool {
	if !pos.Placed.SL {
		return false
	}
	if pos.Plan.Qty1.IsPositive() && !pos.Placed.TP1 {
		return false
	}
	if pos.Plan.Qty2.IsPositive() && !pos.Placed.TP2 {
		return false
	}
	return true
}
