package engine

import (
	"context"

	"signal_trader/internal/core"
	"signal_trader/internal/risk"
	"signal_trader/internal/signal"
	"signal_trader/internal/state"
)

// SignalSource yields fresh signals and keeps the dedup state current
type SignalSource interface {
	Ensure(ds *state.DedupState) bool
	Bootstrap(ds *state.DedupState) (int, error)
	Poll(ds *state.DedupState) ([]*signal.Event, signal.PollStats, error)
}

// FeedChecker validates the price feed schema
type FeedChecker interface {
	CheckSchema() error
}

// PositionManager is the slice of the position state machine the loop drives
type PositionManager interface {
	Open(ctx context.Context, st *state.State, ev *signal.Event) (*core.Position, error)
	Manage(ctx context.Context, st *state.State) error
	HandleEntryTimeout(ctx context.Context, st *state.State) error
	CleanupStale(ctx context.Context, st *state.State) error
	DrainRejections(st *state.State) int
}

// Reconciler compares local state with the venue
type Reconciler interface {
	Due(trigger risk.Trigger, st *state.State) bool
	Reconcile(ctx context.Context, st *state.State, trigger risk.Trigger) (*risk.Result, error)
}

// OrderSource lists working orders for the invariant sweep
type OrderSource interface {
	Tagged(ctx context.Context) ([]*core.Order, error)
}
