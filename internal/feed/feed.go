// Package feed reads the aggregated price feed produced by the market pipeline
package feed

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/signal"

	"github.com/shopspring/decimal"
)

// Header is the v1 schema of the feed file
var Header = []string{
	"timestamp", "trade_count", "total_qty", "avg_size", "buy_qty",
	"sell_qty", "avg_price", "close_price", "high_price", "low_price",
}

var (
	// ErrSchemaMismatch means the feed header is not the expected version
	ErrSchemaMismatch = errors.New("price feed schema mismatch")
	ErrNoData         = errors.New("price feed has no rows in range")
)

// Bar is one feed row
type Bar struct {
	Time       time.Time
	TradeCount int64
	TotalQty   decimal.Decimal
	AvgSize    decimal.Decimal
	BuyQty     decimal.Decimal
	SellQty    decimal.Decimal
	AvgPrice   decimal.Decimal
	Close      decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
}

// Reader caches the feed file and re-reads it only when its mtime changes
type Reader struct {
	path   string
	logger core.ILogger

	mu    sync.Mutex
	mtime time.Time
	bars  []Bar
}

// NewReader creates a feed reader
func NewReader(path string, logger core.ILogger) *Reader {
	return &Reader{
		path:   path,
		logger: logger.WithField("component", "feed"),
	}
}

// CheckSchema validates the header only
func (r *Reader) CheckSchema() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open price feed: %w", err)
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if err != nil {
		return fmt.Errorf("%w: cannot read header: %v", ErrSchemaMismatch, err)
	}
	return checkHeader(header)
}

func checkHeader(header []string) error {
	if len(header) != len(Header) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrSchemaMismatch, len(header), len(Header))
	}
	for i, col := range header {
		if strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")) != Header[i] {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrSchemaMismatch, i, col, Header[i])
		}
	}
	return nil
}

// Bars returns the cached rows, refreshing them if the file changed
func (r *Reader) Bars() ([]Bar, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat price feed: %w", err)
	}
	if r.bars != nil && info.ModTime().Equal(r.mtime) {
		return r.bars, nil
	}

	bars, err := r.load()
	if err != nil {
		return nil, err
	}
	r.bars = bars
	r.mtime = info.ModTime()
	return bars, nil
}

func (r *Reader) load() ([]Bar, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open price feed: %w", err)
	}
	defer f.Close()

	cr := csv.NewReader(f)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read header: %v", ErrSchemaMismatch, err)
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	bars := make([]Bar, 0, 256)
	skipped := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}
		bar, err := parseRow(rec)
		if err != nil {
			skipped++
			continue
		}
		bars = append(bars, bar)
	}
	if skipped > 0 {
		r.logger.Warn("Skipped malformed feed rows", "count", skipped)
	}
	return bars, nil
}

func parseRow(rec []string) (Bar, error) {
	if len(rec) != len(Header) {
		return Bar{}, fmt.Errorf("row has %d columns", len(rec))
	}
	ts, err := signal.ParseTimestamp(rec[0])
	if err != nil {
		return Bar{}, err
	}
	nums := make([]decimal.Decimal, len(rec)-1)
	for i, s := range rec[1:] {
		v, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return Bar{}, fmt.Errorf("column %s: %w", Header[i+1], err)
		}
		nums[i] = v
	}
	return Bar{
		Time:       ts,
		TradeCount: nums[0].IntPart(),
		TotalQty:   nums[1],
		AvgSize:    nums[2],
		BuyQty:     nums[3],
		SellQty:    nums[4],
		AvgPrice:   nums[5],
		Close:      nums[6],
		High:       nums[7],
		Low:        nums[8],
	}, nil
}

// SwingLow returns the lowest low of bars within lookback of now
func (r *Reader) SwingLow(now time.Time, lookback time.Duration) (decimal.Decimal, error) {
	return r.extreme(now, lookback, func(b Bar) decimal.Decimal { return b.Low }, true)
}

// SwingHigh returns the highest high of bars within lookback of now
func (r *Reader) SwingHigh(now time.Time, lookback time.Duration) (decimal.Decimal, error) {
	return r.extreme(now, lookback, func(b Bar) decimal.Decimal { return b.High }, false)
}

// Swing returns the protective extreme for a side: swing low for LONG, swing high for SHORT
func (r *Reader) Swing(side core.Side, now time.Time, lookback time.Duration) (decimal.Decimal, error) {
	if side.IsLong() {
		return r.SwingLow(now, lookback)
	}
	return r.SwingHigh(now, lookback)
}

func (r *Reader) extreme(now time.Time, lookback time.Duration, pick func(Bar) decimal.Decimal, lowest bool) (decimal.Decimal, error) {
	bars, err := r.Bars()
	if err != nil {
		return decimal.Zero, err
	}
	from := now.Add(-lookback)
	var out decimal.Decimal
	found := false
	for _, b := range bars {
		if b.Time.Before(from) || b.Time.After(now) {
			continue
		}
		v := pick(b)
		if !v.IsPositive() {
			continue
		}
		if !found || (lowest && v.LessThan(out)) || (!lowest && v.GreaterThan(out)) {
			out = v
			found = true
		}
	}
	if !found {
		return decimal.Zero, ErrNoData
	}
	return out, nil
}

// LastClose returns the close of the newest row and its timestamp
func (r *Reader) LastClose() (decimal.Decimal, time.Time, error) {
	bars, err := r.Bars()
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if len(bars) == 0 {
		return decimal.Zero, time.Time{}, ErrNoData
	}
	last := bars[len(bars)-1]
	return last.Close, last.Time, nil
}
