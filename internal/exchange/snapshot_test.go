package exchange

import (
	"context"
	"testing"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/mock"
	"signal_trader/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotThrottlesAndFilters(t *testing.T) {
	ex := mock.NewMockExchange("mock", false)
	clock := mock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	ex.Inject(&core.Order{ClientOrderID: "st-k-SL", Symbol: "BTCUSDT", Status: core.OrderStatusNew, Quantity: decimal.NewFromInt(1)})
	ex.Inject(&core.Order{ClientOrderID: "manual_1", Symbol: "BTCUSDT", Status: core.OrderStatusNew, Quantity: decimal.NewFromInt(1)})

	snap := NewSnapshot(ex, "BTCUSDT", "st", 2*time.Second, clock)
	ctx := context.Background()

	tagged, err := snap.Tagged(ctx)
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, "st-k-SL", tagged[0].ClientOrderID)

	_, err = snap.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ex.Calls("open_orders"), "second read inside ttl is cached")

	clock.Advance(3 * time.Second)
	_, found, err := snap.Find(ctx, "manual_1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 2, ex.Calls("open_orders"))

	snap.Invalidate()
	_, err = snap.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, ex.Calls("open_orders"))
}

func TestPriceCache(t *testing.T) {
	ex := mock.NewMockExchange("mock", false)
	ex.SetMid("BTCUSDT", decimal.NewFromInt(100))
	clock := mock.NewFakeClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	pc := NewPriceCache(ex, "BTCUSDT", time.Second, clock)
	ctx := context.Background()

	p, err := pc.Mid(ctx)
	require.NoError(t, err)
	assert.Equal(t, "100", p.String())

	ex.SetMid("BTCUSDT", decimal.NewFromInt(101))
	p, _ = pc.Mid(ctx)
	assert.Equal(t, "100", p.String())

	clock.Advance(time.Second)
	p, _ = pc.Mid(ctx)
	assert.Equal(t, "101", p.String())
}

func TestFactory(t *testing.T) {
	cfg := config.DefaultConfig()
	ex, err := NewExchange(cfg, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "mock", ex.GetName())

	cfg.Exchange.Name = "binance"
	_, err = NewExchange(cfg, logging.NewNop())
	assert.Error(t, err, "credentials required")

	cfg.Exchange.APIKey = "k"
	cfg.Exchange.SecretKey = "s"
	ex, err = NewExchange(cfg, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "binance", ex.GetName())

	cfg.Exchange.Name = "ftx"
	_, err = NewExchange(cfg, logging.NewNop())
	assert.Error(t, err)
}
