package margin

import (
	"context"
	"testing"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/mock"
	"signal_trader/internal/state"
	apperrors "signal_trader/pkg/errors"
	"signal_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newEngine(t *testing.T, enabled bool) (*Engine, *mock.MockExchange) {
	t.Helper()
	ex := mock.NewMockExchange("mock", enabled)
	cfg := config.MarginConfig{Enabled: enabled, BufferPct: d("0.01"), LendingStep: d("0.01")}
	clock := mock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	return NewEngine(ex, cfg, "BTC", "USDT", logging.NewNop(), clock), ex
}

func TestDisabledIsNoop(t *testing.T) {
	e, ex := newEngine(t, false)
	st := state.New()
	f, err := e.Prepare(context.Background(), st, "k1", core.SideLong, d("100.51"), d("0.1"))
	require.NoError(t, err)
	assert.True(t, f.Borrowed.IsZero())
	assert.Equal(t, 0, ex.Calls("balance"))
	assert.Empty(t, st.Ledger)
}

func TestPrepareBorrowsShortfallRoundedUp(t *testing.T) {
	e, ex := newEngine(t, true)
	ex.SetBalance(core.Balance{Asset: "USDT", Free: d("5")})
	st := state.New()

	// need = 100.51 * 0.1 * 1.01 = 10.15151, shortfall 5.15151 -> 5.16
	f, err := e.Prepare(context.Background(), st, "k1", core.SideLong, d("100.51"), d("0.1"))
	require.NoError(t, err)
	assert.Equal(t, "USDT", f.Asset)
	assert.Equal(t, "5.16", f.Borrowed.String())
	assert.Equal(t, "5.16", st.DebtFor("k1")["USDT"].Amount.String())

	// short needs base
	ex.SetBalance(core.Balance{Asset: "BTC", Free: d("0.2")})
	f, err = e.Prepare(context.Background(), st, "k2", core.SideShort, d("100"), d("0.1"))
	require.NoError(t, err)
	assert.Equal(t, "BTC", f.Asset)
	assert.True(t, f.Borrowed.IsZero())
}

func TestRepayOnlyOwnTradeAndIdempotent(t *testing.T) {
	e, ex := newEngine(t, true)
	ctx := context.Background()
	st := state.New()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	// venue debt 10: 4 borrowed for k1, 6 by something else
	ex.SetBalance(core.Balance{Asset: "USDT", Free: d("20"), Borrowed: d("10")})
	st.AddDebt("USDT", "k1", d("4"), now)
	st.AddDebt("USDT", "other", d("6"), now)

	reps, err := e.Repay(ctx, st, "k1")
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.Equal(t, "4", reps[0].Repaid.String())
	assert.True(t, reps[0].Cleared)

	bal, _ := ex.GetBalance(ctx, "USDT")
	assert.Equal(t, "6", bal.Borrowed.String(), "debt of other trades stays")
	assert.Empty(t, st.DebtFor("k1"))
	assert.Equal(t, "6", Outstanding(st)["USDT"].String())

	reps, err = e.Repay(ctx, st, "k1")
	require.NoError(t, err)
	assert.Empty(t, reps)
	assert.Equal(t, 1, ex.Calls("repay"))
}

func TestRepayPartialWhenFreeShort(t *testing.T) {
	e, ex := newEngine(t, true)
	ctx := context.Background()
	st := state.New()
	st.AddDebt("USDT", "k1", d("4"), time.Now())
	ex.SetBalance(core.Balance{Asset: "USDT", Free: d("1.5"), Borrowed: d("4")})

	reps, err := e.Repay(ctx, st, "k1")
	require.NoError(t, err)
	assert.Equal(t, "1.5", reps[0].Repaid.String())
	assert.False(t, reps[0].Cleared)
	assert.Equal(t, "2.5", st.DebtFor("k1")["USDT"].Amount.String())
}

func TestRepayClearsWhenVenueAlreadySettled(t *testing.T) {
	e, ex := newEngine(t, true)
	st := state.New()
	st.AddDebt("BTC", "k1", d("0.01"), time.Now())
	ex.SetBalance(core.Balance{Asset: "BTC", Free: d("1")})

	reps, err := e.Repay(context.Background(), st, "k1")
	require.NoError(t, err)
	assert.True(t, reps[0].Cleared)
	assert.Empty(t, st.Ledger)
	assert.Equal(t, 0, ex.Calls("repay"))
}

func TestRepayErrorKeepsLedger(t *testing.T) {
	e, ex := newEngine(t, true)
	st := state.New()
	st.AddDebt("USDT", "k1", d("4"), time.Now())
	ex.SetBalance(core.Balance{Asset: "USDT", Free: d("10"), Borrowed: d("4")})
	ex.FailNext("repay", apperrors.ErrNetwork)

	_, err := e.Repay(context.Background(), st, "k1")
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, "4", st.DebtFor("k1")["USDT"].Amount.String())

	oldest, ok := OldestBorrow(st)
	assert.True(t, ok)
	assert.False(t, oldest.IsZero())
}
