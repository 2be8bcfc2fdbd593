package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"signal_trader/internal/core"

	"github.com/shopspring/decimal"
)

// Snapshot is a throttled cache of the venue's open orders for one symbol.
// Every subsystem in a tick reads the same snapshot; mutations call Invalidate.
type Snapshot struct {
	ex     core.IExchange
	symbol string
	prefix string
	ttl    time.Duration
	clock  core.IClock

	mu        sync.Mutex
	orders    []*core.Order
	fetchedAt time.Time
	valid     bool
}

// NewSnapshot creates an open-order snapshot; prefix tags this process's orders
func NewSnapshot(ex core.IExchange, symbol, prefix string, ttl time.Duration, clock core.IClock) *Snapshot {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Snapshot{ex: ex, symbol: symbol, prefix: prefix, ttl: ttl, clock: clock}
}

// OpenOrders returns the cached list, refreshing it once older than ttl
func (s *Snapshot) OpenOrders(ctx context.Context) ([]*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if s.valid && now.Sub(s.fetchedAt) < s.ttl {
		return s.orders, nil
	}
	orders, err := s.ex.GetOpenOrders(ctx, s.symbol)
	if err != nil {
		return nil, err
	}
	s.orders = orders
	s.fetchedAt = now
	s.valid = true
	return orders, nil
}

// Tagged returns open orders whose client id carries this process's prefix
func (s *Snapshot) Tagged(ctx context.Context) ([]*core.Order, error) {
	orders, err := s.OpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	var out []*core.Order
	for _, o := range orders {
		if strings.HasPrefix(o.ClientOrderID, s.prefix+"-") {
			out = append(out, o)
		}
	}
	return out, nil
}

// Find returns the open order with the given client id
func (s *Snapshot) Find(ctx context.Context, clientID string) (*core.Order, bool, error) {
	orders, err := s.OpenOrders(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, o := range orders {
		if o.ClientOrderID == clientID {
			return o, true, nil
		}
	}
	return nil, false, nil
}

// Invalidate forces the next read to hit the venue
func (s *Snapshot) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// Age returns the time since the last refresh
func (s *Snapshot) Age() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return 0
	}
	return s.clock.Now().Sub(s.fetchedAt)
}

// PriceCache is a throttled venue mid-price
type PriceCache struct {
	ex     core.IExchange
	symbol string
	ttl    time.Duration
	clock  core.IClock

	mu        sync.Mutex
	price     decimal.Decimal
	fetchedAt time.Time
}

// NewPriceCache creates a mid-price cache for one symbol
func NewPriceCache(ex core.IExchange, symbol string, ttl time.Duration, clock core.IClock) *PriceCache {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &PriceCache{ex: ex, symbol: symbol, ttl: ttl, clock: clock}
}

// Mid returns the cached mid price, refreshing it once older than ttl
func (p *PriceCache) Mid(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if p.price.IsPositive() && now.Sub(p.fetchedAt) < p.ttl {
		return p.price, nil
	}
	price, err := p.ex.GetMidPrice(ctx, p.symbol)
	if err != nil {
		return decimal.Zero, err
	}
	p.price = price
	p.fetchedAt = now
	return price, nil
}

// Invalidate drops the cached price
func (p *PriceCache) Invalidate() {
	p.mu.Lock()
	p.price = decimal.Zero
	p.mu.Unlock()
}
