package mock

import (
	"context"
	"sort"
	"sync"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// MockExchange is an in-memory venue implementing core.IExchange.
// It behaves like Binance where it matters to the trader: client ids are
// unique (a reuse is rejected as a duplicate), unknown ids are not found,
// and cancels of terminal orders fail.
type MockExchange struct {
	name   string
	margin bool
	clock  core.IClock

	mu         sync.Mutex
	orders     map[string]*core.Order
	seq        int64
	mid        map[string]decimal.Decimal
	balances   map[string]core.Balance
	autoMatch  bool
	failures   map[string][]error
	calls      map[string]int
	placements []core.PlaceOrderRequest
}

// NewMockExchange creates an empty venue
func NewMockExchange(name string, margin bool) *MockExchange {
	return &MockExchange{
		name:     name,
		margin:   margin,
		clock:    core.SystemClock{},
		orders:   make(map[string]*core.Order),
		seq:      1000,
		mid:      make(map[string]decimal.Decimal),
		balances: make(map[string]core.Balance),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// SetClock replaces the clock used for order timestamps
func (m *MockExchange) SetClock(clock core.IClock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

// SetAutoMatch makes SetMid fill resting orders the new price crosses
func (m *MockExchange) SetAutoMatch(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoMatch = on
}

// SetMid sets the mid price of a symbol
func (m *MockExchange) SetMid(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mid[symbol] = price
	if m.autoMatch {
		m.matchLocked(symbol, price)
	}
}

// SetBalance replaces an asset balance
func (m *MockExchange) SetBalance(b core.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.Asset] = b
}

// FailNext queues errors returned by the next calls to op
// ("place", "cancel", "get", "open_orders", "balance", "borrow", "repay", "mid")
func (m *MockExchange) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// Calls returns how often op was invoked
func (m *MockExchange) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Placements returns every accepted placement request in order
func (m *MockExchange) Placements() []core.PlaceOrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]core.PlaceOrderRequest(nil), m.placements...)
}

// Order returns a copy of the order with the given client id
func (m *MockExchange) Order(clientID string) (*core.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	if !ok {
		return nil, false
	}
	c := *o
	return &c, true
}

// Fill executes qty of an order at price; the order becomes FILLED once
// fully executed, PARTIALLY_FILLED otherwise.
func (m *MockExchange) Fill(clientID string, qty, price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	if !ok || o.Status.IsTerminal() {
		return false
	}
	m.fillLocked(o, qty, price)
	return true
}

// SetStatus forces an order status, e.g. CANCELED by the venue
func (m *MockExchange) SetStatus(clientID string, status core.OrderStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[clientID]
	if !ok {
		return false
	}
	o.Status = status
	o.UpdateTime = m.clock.Now()
	return true
}

// Forget drops an order so queries report it as unknown
func (m *MockExchange) Forget(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, clientID)
}

// Inject adds an order directly, bypassing placement
func (m *MockExchange) Inject(o *core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	c := *o
	if c.OrderID == 0 {
		c.OrderID = m.seq
	}
	m.orders[c.ClientOrderID] = &c
}

func (m *MockExchange) GetName() string {
	return m.name
}

func (m *MockExchange) UsesMargin() bool {
	return m.margin
}

func (m *MockExchange) begin(op string) error {
	m.calls[op]++
	if q := m.failures[op]; len(q) > 0 {
		m.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// PlaceOrder accepts an order; MARKET orders fill at once at the mid price
func (m *MockExchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("place"); err != nil {
		return nil, err
	}
	if req.ClientOrderID != "" {
		if _, exists := m.orders[req.ClientOrderID]; exists {
			return nil, apperrors.NewExchangeError("place_order", -2010, "Duplicate order sent.", apperrors.ErrDuplicateOrder)
		}
	}
	if !req.Quantity.IsPositive() {
		return nil, apperrors.NewExchangeError("place_order", -1013, "Invalid quantity.", apperrors.ErrInvalidOrderParameter)
	}

	m.seq++
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "mock_" + decimal.NewFromInt(m.seq).String()
	}
	o := &core.Order{
		OrderID:       m.seq,
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        core.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		Quantity:      req.Quantity,
		UpdateTime:    m.clock.Now(),
	}
	m.orders[clientID] = o
	m.placements = append(m.placements, *req)

	if req.Type == core.OrderTypeMarket {
		price := m.mid[req.Symbol]
		if !price.IsPositive() {
			price = req.Price
		}
		m.fillLocked(o, req.Quantity, price)
	}
	c := *o
	return &c, nil
}

// CancelOrder cancels a live order
func (m *MockExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("cancel"); err != nil {
		return err
	}
	o, ok := m.orders[clientOrderID]
	if !ok || o.Status.IsTerminal() {
		return apperrors.NewExchangeError("cancel_order", -2011, "Unknown order sent.", apperrors.ErrOrderNotFound)
	}
	o.Status = core.OrderStatusCanceled
	o.UpdateTime = m.clock.Now()
	return nil
}

// GetOrder returns the order by client id
func (m *MockExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("get"); err != nil {
		return nil, err
	}
	o, ok := m.orders[clientOrderID]
	if !ok {
		return nil, apperrors.NewExchangeError("get_order", -2013, "Order does not exist.", apperrors.ErrOrderNotFound)
	}
	c := *o
	return &c, nil
}

// GetOpenOrders lists non-terminal orders ordered by id
func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("open_orders"); err != nil {
		return nil, err
	}
	var out []*core.Order
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			c := *o
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (m *MockExchange) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("balance"); err != nil {
		return core.Balance{}, err
	}
	b, ok := m.balances[asset]
	if !ok {
		return core.Balance{Asset: asset}, nil
	}
	return b, nil
}

// Borrow credits the asset and records the loan
func (m *MockExchange) Borrow(ctx context.Context, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("borrow"); err != nil {
		return err
	}
	b := m.balances[asset]
	b.Asset = asset
	b.Free = b.Free.Add(amount)
	b.Borrowed = b.Borrowed.Add(amount)
	m.balances[asset] = b
	return nil
}

// Repay debits the asset and reduces the loan, failing when either is short
func (m *MockExchange) Repay(ctx context.Context, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("repay"); err != nil {
		return err
	}
	b := m.balances[asset]
	if amount.GreaterThan(b.Free) || amount.GreaterThan(b.Debt()) {
		return apperrors.NewExchangeError("repay", -3041, "Balance is not enough", apperrors.ErrInsufficientFunds)
	}
	b.Free = b.Free.Sub(amount)
	// interest is repaid first
	if amount.GreaterThanOrEqual(b.Interest) {
		amount = amount.Sub(b.Interest)
		b.Interest = decimal.Zero
		b.Borrowed = b.Borrowed.Sub(amount)
	} else {
		b.Interest = b.Interest.Sub(amount)
	}
	m.balances[asset] = b
	return nil
}

func (m *MockExchange) GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin("mid"); err != nil {
		return decimal.Zero, err
	}
	p, ok := m.mid[symbol]
	if !ok || !p.IsPositive() {
		return decimal.Zero, apperrors.NewExchangeError("book_ticker", -1121, "Invalid symbol.", apperrors.ErrInvalidSymbol)
	}
	return p, nil
}

func (m *MockExchange) fillLocked(o *core.Order, qty, price decimal.Decimal) {
	rem := o.Remaining()
	if qty.GreaterThan(rem) {
		qty = rem
	}
	if !qty.IsPositive() {
		return
	}
	notional := o.AvgPrice.Mul(o.ExecutedQty).Add(price.Mul(qty))
	o.ExecutedQty = o.ExecutedQty.Add(qty)
	o.AvgPrice = notional.Div(o.ExecutedQty)
	if o.ExecutedQty.GreaterThanOrEqual(o.Quantity) {
		o.Status = core.OrderStatusFilled
	} else {
		o.Status = core.OrderStatusPartiallyFilled
	}
	o.UpdateTime = m.clock.Now()
}

// matchLocked fills resting orders crossed by price at their limit
func (m *MockExchange) matchLocked(symbol string, price decimal.Decimal) {
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Status.IsTerminal() {
			continue
		}
		switch o.Type {
		case core.OrderTypeLimit:
			if (o.Side == core.OrderSideBuy && price.LessThanOrEqual(o.Price)) ||
				(o.Side == core.OrderSideSell && price.GreaterThanOrEqual(o.Price)) {
				m.fillLocked(o, o.Remaining(), o.Price)
			}
		case core.OrderTypeStopLossLimit:
			if (o.Side == core.OrderSideSell && price.LessThanOrEqual(o.StopPrice)) ||
				(o.Side == core.OrderSideBuy && price.GreaterThanOrEqual(o.StopPrice)) {
				m.fillLocked(o, o.Remaining(), o.StopPrice)
			}
		}
	}
}
