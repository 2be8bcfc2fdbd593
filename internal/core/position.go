package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle stage of a position
type PositionStatus string

const (
	StatusPending    PositionStatus = "PENDING"
	StatusOpenFilled PositionStatus = "OPEN_FILLED"
	StatusOpen       PositionStatus = "OPEN"
	StatusClosed     PositionStatus = "CLOSED"
)

// IsLive reports whether the position still carries (or may carry) exposure
func (s PositionStatus) IsLive() bool {
	switch s {
	case StatusPending, StatusOpenFilled, StatusOpen:
		return true
	}
	return false
}

// ExitPlan is the protective and profit-taking layout for a filled entry.
// Qty1 exits at TP1, Qty2 at TP2, Qty3 is the runner that ends up trailed.
type ExitPlan struct {
	StopLoss decimal.Decimal `json:"stop_loss"`
	TP1      decimal.Decimal `json:"tp1"`
	TP2      decimal.Decimal `json:"tp2"`
	Qty1     decimal.Decimal `json:"qty1"`
	Qty2     decimal.Decimal `json:"qty2"`
	Qty3     decimal.Decimal `json:"qty3"`
}

// IsZero reports an unset plan
func (p ExitPlan) IsZero() bool {
	return p.StopLoss.IsZero() && p.Qty1.IsZero()
}

// Total returns qty1+qty2+qty3
func (p ExitPlan) Total() decimal.Decimal {
	return p.Qty1.Add(p.Qty2).Add(p.Qty3)
}

// OrderIDs holds the client order ids referenced by a position
type OrderIDs struct {
	Entry         string `json:"entry,omitempty"`
	EntryFallback string `json:"entry_fallback,omitempty"`
	TP1           string `json:"tp1,omitempty"`
	TP2           string `json:"tp2,omitempty"`
	SL            string `json:"sl,omitempty"`
	SLPrev        string `json:"sl_prev,omitempty"`
	Flatten       string `json:"flatten,omitempty"`
}

// All returns every non-empty id
func (ids OrderIDs) All() []string {
	var out []string
	for _, id := range []string{ids.Entry, ids.EntryFallback, ids.TP1, ids.TP2, ids.SL, ids.SLPrev, ids.Flatten} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// PlacedLegs marks exit legs the venue has acknowledged
type PlacedLegs struct {
	TP1 bool `json:"tp1,omitempty"`
	TP2 bool `json:"tp2,omitempty"`
	SL  bool `json:"sl,omitempty"`
}

// LegFills records executed quantity per leg once the leg has completed
type LegFills struct {
	Entry   decimal.Decimal `json:"entry"`
	TP1     decimal.Decimal `json:"tp1"`
	TP2     decimal.Decimal `json:"tp2"`
	SL      decimal.Decimal `json:"sl"`
	Flatten decimal.Decimal `json:"flatten"`
}

// TrailState is present once the runner is trailed
type TrailState struct {
	Active        bool            `json:"active"`
	Qty           decimal.Decimal `json:"qty"`
	Stop          decimal.Decimal `json:"stop"`
	LastUpdate    time.Time       `json:"last_update"`
	Seq           int             `json:"seq"`
	PendingStop   decimal.Decimal `json:"pending_stop"`
	PendingCancel string          `json:"pending_cancel,omitempty"`
	Synthetic     bool            `json:"synthetic,omitempty"`
}

// WatchdogState is the safety-net bookkeeping carried across ticks
type WatchdogState struct {
	SLCrossedSince *time.Time           `json:"sl_crossed_since,omitempty"`
	ExitFailSince  *time.Time           `json:"exit_fail_since,omitempty"`
	Errors         int                  `json:"errors"`
	LastFallback   map[string]time.Time `json:"last_fallback,omitempty"`
	PendingCancel  []string             `json:"pending_cancel,omitempty"`
	FlattenSeq     int                  `json:"flatten_seq"`
	ReplaceSeq     int                  `json:"replace_seq"`
}

// Position is the single live trade aggregate, owned by the lifecycle manager
type Position struct {
	TradeKey      string          `json:"trade_key"`
	Symbol        string          `json:"symbol"`
	Status        PositionStatus  `json:"status"`
	Side          Side            `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	FilledQty     decimal.Decimal `json:"filled_qty"`
	PlannedEntry  decimal.Decimal `json:"planned_entry"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryType     OrderType       `json:"entry_type"`
	Plan          ExitPlan        `json:"plan"`
	CurrentStop   decimal.Decimal `json:"current_stop"`
	StopQty       decimal.Decimal `json:"stop_qty"`
	Orders        OrderIDs        `json:"orders"`
	Placed        PlacedLegs      `json:"placed"`
	Fills         LegFills        `json:"fills"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	TP1Done       bool            `json:"tp1_done"`
	TP2Done       bool            `json:"tp2_done"`
	Trail         *TrailState     `json:"trail,omitempty"`
	Watchdog      *WatchdogState  `json:"watchdog,omitempty"`
	SignalKey     string          `json:"signal_key,omitempty"`
	SignalPrice   decimal.Decimal `json:"signal_price"`
	Reconstructed bool            `json:"reconstructed,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	EntryPlacedAt time.Time       `json:"entry_placed_at"`
	FilledAt      time.Time       `json:"filled_at"`
	OpenedAt      time.Time       `json:"opened_at"`
	ClosedAt      time.Time       `json:"closed_at"`
	CloseReason   string          `json:"close_reason,omitempty"`
}

// ExitBasis is the quantity the exit legs must cover
func (p *Position) ExitBasis() decimal.Decimal {
	if !p.Plan.IsZero() {
		return p.Plan.Total()
	}
	return p.FilledQty
}

// RemainingQty is the exposure not yet closed by a completed leg
func (p *Position) RemainingQty() decimal.Decimal {
	rem := p.ExitBasis().
		Sub(p.Fills.TP1).
		Sub(p.Fills.TP2).
		Sub(p.Fills.SL).
		Sub(p.Fills.Flatten)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// RecordExit books the profit of qty closed at price against the entry
func (p *Position) RecordExit(qty, price decimal.Decimal) {
	if !qty.IsPositive() || !price.IsPositive() || !p.EntryPrice.IsPositive() {
		return
	}
	pnl := price.Sub(p.EntryPrice).Mul(qty)
	if !p.Side.IsLong() {
		pnl = pnl.Neg()
	}
	p.RealizedPnL = p.RealizedPnL.Add(pnl)
}

// TrailActive reports whether the runner is in trailing mode
func (p *Position) TrailActive() bool {
	return p.Trail != nil && p.Trail.Active
}

// EnsureWatchdog returns the watchdog bookkeeping, creating it on first use
func (p *Position) EnsureWatchdog() *WatchdogState {
	if p.Watchdog == nil {
		p.Watchdog = &WatchdogState{}
	}
	if p.Watchdog.LastFallback == nil {
		p.Watchdog.LastFallback = make(map[string]time.Time)
	}
	return p.Watchdog
}

// AddPendingCancel queues a best-effort cancel that is retried every tick
func (p *Position) AddPendingCancel(clientID string) {
	if clientID == "" {
		return
	}
	wd := p.EnsureWatchdog()
	for _, id := range wd.PendingCancel {
		if id == clientID {
			return
		}
	}
	wd.PendingCancel = append(wd.PendingCancel, clientID)
}

// Clone returns a deep copy for read-only consumers
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	if p.Trail != nil {
		t := *p.Trail
		c.Trail = &t
	}
	if p.Watchdog != nil {
		w := *p.Watchdog
		if p.Watchdog.SLCrossedSince != nil {
			ts := *p.Watchdog.SLCrossedSince
			w.SLCrossedSince = &ts
		}
		if p.Watchdog.ExitFailSince != nil {
			ts := *p.Watchdog.ExitFailSince
			w.ExitFailSince = &ts
		}
		w.LastFallback = make(map[string]time.Time, len(p.Watchdog.LastFallback))
		for k, v := range p.Watchdog.LastFallback {
			w.LastFallback[k] = v
		}
		w.PendingCancel = append([]string(nil), p.Watchdog.PendingCancel...)
		c.Watchdog = &w
	}
	return &c
}

// ClosedSummary is the record kept after a position leaves the slot
type ClosedSummary struct {
	TradeKey    string          `json:"trade_key"`
	Side        Side            `json:"side"`
	EntryPrice  decimal.Decimal `json:"entry_price"`
	Qty         decimal.Decimal `json:"qty"`
	ExitReason  string          `json:"exit_reason"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	OpenedAt    time.Time       `json:"opened_at"`
	ClosedAt    time.Time       `json:"closed_at"`
}
