// Package binance provides the signed Binance spot/cross-margin REST adapter
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/exchange/base"
	apperrors "signal_trader/pkg/errors"
	apphttp "signal_trader/pkg/http"

	"github.com/shopspring/decimal"
)

const defaultBaseURL = "https://api.binance.com"

// Exchange implements core.IExchange against Binance. With margin enabled all
// order and balance calls go to the cross-margin endpoints.
type Exchange struct {
	*base.BaseAdapter
	margin bool
}

// Signer signs Binance USER_DATA requests with HMAC-SHA256
type Signer struct {
	APIKey     string
	SecretKey  string
	RecvWindow int
	Now        func() time.Time
}

// SignRequest adds the API key header, timestamp and signature to the query
func (s *Signer) SignRequest(req *http.Request) error {
	req.Header.Set("X-MBX-APIKEY", s.APIKey)

	q := req.URL.Query()
	if q.Get("timestamp") == "" {
		now := time.Now
		if s.Now != nil {
			now = s.Now
		}
		q.Set("timestamp", strconv.FormatInt(now().UnixMilli(), 10))
	}
	if s.RecvWindow > 0 && q.Get("recvWindow") == "" {
		q.Set("recvWindow", strconv.Itoa(s.RecvWindow))
	}
	q.Del("signature")

	payload := q.Encode()
	mac := hmac.New(sha256.New, []byte(s.SecretKey))
	mac.Write([]byte(payload))
	req.URL.RawQuery = payload + "&signature=" + hex.EncodeToString(mac.Sum(nil))
	return nil
}

// NewExchange creates the adapter from the exchange config section
func NewExchange(cfg config.ExchangeConfig, margin bool, logger core.ILogger) *Exchange {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	signer := &Signer{
		APIKey:     cfg.APIKey.Reveal(),
		SecretKey:  cfg.SecretKey.Reveal(),
		RecvWindow: cfg.RecvWindow,
	}
	client := apphttp.NewClient(strings.TrimRight(baseURL, "/"), cfg.Timeout, signer)

	e := &Exchange{
		BaseAdapter: base.NewBaseAdapter("binance", client, cfg.RateLimit, cfg.RateBurst, logger),
		margin:      margin,
	}
	e.SetParseError(parseError)
	return e
}

// UsesMargin reports whether orders go through the cross-margin account
func (e *Exchange) UsesMargin() bool {
	return e.margin
}

func (e *Exchange) orderPath() string {
	if e.margin {
		return "/sapi/v1/margin/order"
	}
	return "/api/v3/order"
}

func (e *Exchange) openOrdersPath() string {
	if e.margin {
		return "/sapi/v1/margin/openOrders"
	}
	return "/api/v3/openOrders"
}

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseError maps Binance error codes onto the shared sentinels
func parseError(op string, status int, body []byte) error {
	var ve venueError
	if err := json.Unmarshal(body, &ve); err != nil || ve.Code == 0 {
		if status == http.StatusTooManyRequests || status == 418 {
			return apperrors.NewExchangeError(op, 0, string(body), apperrors.ErrRateLimitExceeded)
		}
		return apperrors.NewExchangeError(op, 0, fmt.Sprintf("HTTP %d: %s", status, string(body)), apperrors.ErrOrderRejected)
	}

	msg := strings.ToLower(ve.Msg)
	var sentinel error
	switch ve.Code {
	case -2011, -2013:
		sentinel = apperrors.ErrOrderNotFound
	case -2010:
		switch {
		case strings.Contains(msg, "duplicate"):
			sentinel = apperrors.ErrDuplicateOrder
		case strings.Contains(msg, "insufficient"):
			sentinel = apperrors.ErrInsufficientFunds
		default:
			sentinel = apperrors.ErrOrderRejected
		}
	case -1003, -1015:
		sentinel = apperrors.ErrRateLimitExceeded
	case -2014, -2015, -1022:
		sentinel = apperrors.ErrAuthenticationFailed
	case -1013, -1100, -1102, -1111, -1116, -1117:
		sentinel = apperrors.ErrInvalidOrderParameter
	case -1121:
		sentinel = apperrors.ErrInvalidSymbol
	case -1021:
		sentinel = apperrors.ErrTimestampOutOfBounds
	case -1001, -1007, -1008:
		sentinel = apperrors.ErrSystemOverload
	case -3041, -3045, -3006:
		sentinel = apperrors.ErrInsufficientFunds
	default:
		if strings.Contains(msg, "duplicate") {
			sentinel = apperrors.ErrDuplicateOrder
		} else {
			sentinel = apperrors.ErrOrderRejected
		}
	}
	return apperrors.NewExchangeError(op, ve.Code, ve.Msg, sentinel)
}

type rawOrder struct {
	OrderID             int64  `json:"orderId"`
	Symbol              string `json:"symbol"`
	Status              string `json:"status"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	StopPrice           string `json:"stopPrice"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	UpdateTime          int64  `json:"updateTime"`
	TransactTime        int64  `json:"transactTime"`
}

func (e *Exchange) toOrder(r *rawOrder) *core.Order {
	o := &core.Order{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          core.OrderSide(r.Side),
		Type:          core.OrderType(r.Type),
		Status:        mapOrderStatus(r.Status),
		Price:         e.ParseDecimal(r.Price),
		StopPrice:     e.ParseDecimal(r.StopPrice),
		Quantity:      e.ParseDecimal(r.OrigQty),
		ExecutedQty:   e.ParseDecimal(r.ExecutedQty),
	}
	if quote := e.ParseDecimal(r.CummulativeQuoteQty); quote.IsPositive() && o.ExecutedQty.IsPositive() {
		o.AvgPrice = quote.Div(o.ExecutedQty)
	}
	ts := r.UpdateTime
	if ts == 0 {
		ts = r.TransactTime
	}
	if ts == 0 {
		ts = r.Time
	}
	o.UpdateTime = e.ParseTimestamp(ts)
	return o
}

func mapOrderStatus(s string) core.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW", "PENDING_CANCEL":
		return core.OrderStatusNew
	case "PARTIALLY_FILLED":
		return core.OrderStatusPartiallyFilled
	case "FILLED":
		return core.OrderStatusFilled
	case "CANCELED":
		return core.OrderStatusCanceled
	case "REJECTED":
		return core.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return core.OrderStatusExpired
	}
	return core.OrderStatus(s)
}

// PlaceOrder submits an order with FULL response so fills come back inline
func (e *Exchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	q := url.Values{}
	q.Set("symbol", req.Symbol)
	q.Set("side", string(req.Side))
	q.Set("type", string(req.Type))
	q.Set("quantity", req.Quantity.String())
	q.Set("newOrderRespType", "FULL")

	switch req.Type {
	case core.OrderTypeLimit:
		q.Set("price", req.Price.String())
		q.Set("timeInForce", "GTC")
	case core.OrderTypeStopLossLimit:
		q.Set("price", req.Price.String())
		q.Set("stopPrice", req.StopPrice.String())
		q.Set("timeInForce", "GTC")
	case core.OrderTypeMarket:
	default:
		return nil, apperrors.NewExchangeError("place_order", 0, "unsupported order type "+string(req.Type), apperrors.ErrInvalidOrderParameter)
	}
	if req.ClientOrderID != "" {
		q.Set("newClientOrderId", req.ClientOrderID)
	}
	if e.margin && req.SideEffect != "" {
		q.Set("sideEffectType", string(req.SideEffect))
	}

	body, err := e.Call(ctx, "place_order", http.MethodPost, e.orderPath(), q)
	if err != nil {
		return nil, err
	}
	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return e.toOrder(&raw), nil
}

// CancelOrder cancels by client order id
func (e *Exchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientOrderID)
	_, err := e.Call(ctx, "cancel_order", http.MethodDelete, e.orderPath(), q)
	return err
}

// GetOrder queries one order by client order id
func (e *Exchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("origClientOrderId", clientOrderID)
	body, err := e.Call(ctx, "get_order", http.MethodGet, e.orderPath(), q)
	if err != nil {
		return nil, err
	}
	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode order: %w", err)
	}
	return e.toOrder(&raw), nil
}

// GetOpenOrders lists open orders for the symbol
func (e *Exchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := e.Call(ctx, "open_orders", http.MethodGet, e.openOrdersPath(), q)
	if err != nil {
		return nil, err
	}
	var raws []rawOrder
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("failed to decode open orders: %w", err)
	}
	out := make([]*core.Order, 0, len(raws))
	for i := range raws {
		out = append(out, e.toOrder(&raws[i]))
	}
	return out, nil
}

// GetBalance returns the asset balance; margin mode includes borrowed and interest
func (e *Exchange) GetBalance(ctx context.Context, asset string) (core.Balance, error) {
	if e.margin {
		return e.marginBalance(ctx, asset)
	}
	body, err := e.Call(ctx, "account", http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return core.Balance{}, err
	}
	var acct struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return core.Balance{}, fmt.Errorf("failed to decode account: %w", err)
	}
	for _, b := range acct.Balances {
		if b.Asset == asset {
			return core.Balance{Asset: asset, Free: e.ParseDecimal(b.Free), Locked: e.ParseDecimal(b.Locked)}, nil
		}
	}
	return core.Balance{Asset: asset}, nil
}

func (e *Exchange) marginBalance(ctx context.Context, asset string) (core.Balance, error) {
	body, err := e.Call(ctx, "margin_account", http.MethodGet, "/sapi/v1/margin/account", url.Values{})
	if err != nil {
		return core.Balance{}, err
	}
	var acct struct {
		UserAssets []struct {
			Asset    string `json:"asset"`
			Free     string `json:"free"`
			Locked   string `json:"locked"`
			Borrowed string `json:"borrowed"`
			Interest string `json:"interest"`
		} `json:"userAssets"`
	}
	if err := json.Unmarshal(body, &acct); err != nil {
		return core.Balance{}, fmt.Errorf("failed to decode margin account: %w", err)
	}
	for _, a := range acct.UserAssets {
		if a.Asset == asset {
			return core.Balance{
				Asset:    asset,
				Free:     e.ParseDecimal(a.Free),
				Locked:   e.ParseDecimal(a.Locked),
				Borrowed: e.ParseDecimal(a.Borrowed),
				Interest: e.ParseDecimal(a.Interest),
			}, nil
		}
	}
	return core.Balance{Asset: asset}, nil
}

// Borrow takes a cross-margin loan
func (e *Exchange) Borrow(ctx context.Context, asset string, amount decimal.Decimal) error {
	return e.loan(ctx, "borrow", "/sapi/v1/margin/loan", asset, amount)
}

// Repay repays a cross-margin loan
func (e *Exchange) Repay(ctx context.Context, asset string, amount decimal.Decimal) error {
	return e.loan(ctx, "repay", "/sapi/v1/margin/repay", asset, amount)
}

func (e *Exchange) loan(ctx context.Context, op, path, asset string, amount decimal.Decimal) error {
	if !e.margin {
		return apperrors.NewExchangeError(op, 0, "margin disabled", apperrors.ErrInvalidOrderParameter)
	}
	q := url.Values{}
	q.Set("asset", asset)
	q.Set("amount", amount.String())
	_, err := e.Call(ctx, op, http.MethodPost, path, q)
	return err
}

// GetMidPrice returns the midpoint of the best bid and ask
func (e *Exchange) GetMidPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	body, err := e.Call(ctx, "book_ticker", http.MethodGet, "/api/v3/ticker/bookTicker", q)
	if err != nil {
		return decimal.Zero, err
	}
	var t struct {
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
	}
	if err := json.Unmarshal(body, &t); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode book ticker: %w", err)
	}
	bid, ask := e.ParseDecimal(t.BidPrice), e.ParseDecimal(t.AskPrice)
	switch {
	case bid.IsPositive() && ask.IsPositive():
		return bid.Add(ask).Div(decimal.NewFromInt(2)), nil
	case bid.IsPositive():
		return bid, nil
	case ask.IsPositive():
		return ask, nil
	}
	return decimal.Zero, fmt.Errorf("empty book for %s", symbol)
}
