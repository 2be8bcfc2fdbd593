// Package signal reads entry-proposal events from the signal log and
// emits each one at most once across restarts.
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"signal_trader/internal/core"

	"github.com/shopspring/decimal"
)

// ActionPeak is the only action treated as an entry proposal
const ActionPeak = "PEAK"

var (
	ErrNotEntryEvent = errors.New("not an entry-proposal event")
	ErrUnknownKind   = errors.New("unrecognized signal kind")
	ErrBadPrice      = errors.New("signal price must be positive")
	ErrBadTimestamp  = errors.New("signal timestamp is not ISO-8601")
)

// rawEvent is one signal log line as written by the producer
type rawEvent struct {
	Action string           `json:"action"`
	Source string           `json:"source"`
	TS     string           `json:"ts"`
	Kind   string           `json:"kind"`
	Price  decimal.Decimal  `json:"price"`
	Delta  *decimal.Decimal `json:"delta,omitempty"`
	Vol    *decimal.Decimal `json:"vol,omitempty"`
	Imb    *decimal.Decimal `json:"imb,omitempty"`
}

// Event is a validated entry proposal
type Event struct {
	Key    string
	Time   time.Time
	Side   core.Side
	Price  decimal.Decimal
	Source string
	Delta  *decimal.Decimal
	Vol    *decimal.Decimal
	Imb    *decimal.Decimal
}

var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05Z0700",
}

// ParseTimestamp accepts ISO-8601 with or without zone; zone-less values are UTC
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// ParseLine decodes and validates one signal log line
func ParseLine(line string, priceDecimals int32) (*Event, error) {
	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, fmt.Errorf("malformed signal line: %w", err)
	}
	if strings.ToUpper(raw.Action) != ActionPeak {
		return nil, ErrNotEntryEvent
	}

	var side core.Side
	switch strings.ToLower(raw.Kind) {
	case "long":
		side = core.SideLong
	case "short":
		side = core.SideShort
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, raw.Kind)
	}

	if !raw.Price.IsPositive() {
		return nil, ErrBadPrice
	}

	ts, err := ParseTimestamp(raw.TS)
	if err != nil {
		return nil, err
	}

	return &Event{
		Key:    Key(ts, side, raw.Price, priceDecimals),
		Time:   ts,
		Side:   side,
		Price:  raw.Price,
		Source: raw.Source,
		Delta:  raw.Delta,
		Vol:    raw.Vol,
		Imb:    raw.Imb,
	}, nil
}

// Key is the stable dedup key of an event: minute-truncated UTC time,
// side and rounded price, hashed and shortened.
func Key(ts time.Time, side core.Side, price decimal.Decimal, priceDecimals int32) string {
	material := fmt.Sprintf("%s|%s|%s|%s",
		ActionPeak,
		ts.UTC().Truncate(time.Minute).Format("2006-01-02T15:04Z"),
		strings.ToLower(string(side)),
		price.Round(priceDecimals).StringFixed(priceDecimals),
	)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])[:24]
}
