package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// IsLong reports whether the side is LONG
func (s Side) IsLong() bool { return s == SideLong }

// EntrySide returns the order side that opens a position of this direction
func (s Side) EntrySide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitSide returns the order side that reduces a position of this direction
func (s Side) ExitSide() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderSide is the venue order direction
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the venue order type
type OrderType string

const (
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

// OrderStatus is the venue-reported order status
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer change
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsDead reports a terminal status that did not complete
func (s OrderStatus) IsDead() bool {
	switch s {
	case OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// SideEffect controls automatic borrow/repay on margin orders
type SideEffect string

const (
	SideEffectNone      SideEffect = "NO_SIDE_EFFECT"
	SideEffectAutoRepay SideEffect = "AUTO_REPAY"
)

// PlaceOrderRequest describes an order submission
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
	SideEffect    SideEffect
}

// Order is the venue view of an order, referenced by client order id
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	UpdateTime    time.Time
}

// FillPrice returns the average fill price, falling back to the limit price
func (o *Order) FillPrice() decimal.Decimal {
	if o.AvgPrice.IsPositive() {
		return o.AvgPrice
	}
	return o.Price
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.ExecutedQty)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Balance is a single-asset account balance
type Balance struct {
	Asset    string
	Free     decimal.Decimal
	Locked   decimal.Decimal
	Borrowed decimal.Decimal
	Interest decimal.Decimal
}

// Debt returns borrowed principal plus accrued interest
func (b Balance) Debt() decimal.Decimal {
	return b.Borrowed.Add(b.Interest)
}
