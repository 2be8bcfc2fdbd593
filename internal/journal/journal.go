// Package journal keeps closed trades in a local SQLite database
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"signal_trader/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// SQLiteJournal records one row per closed trade key
type SQLiteJournal struct {
	db *sql.DB
}

// Open opens or creates the journal at dbPath
func Open(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply journal schema: %w", err)
	}
	return &SQLiteJournal{db: db}, nil
}

// Record stores a closed trade. A second record for the same trade key is
// ignored, so replays after a crash are harmless.
func (j *SQLiteJournal) Record(ctx context.Context, s core.ClosedSummary) error {
	if s.TradeKey == "" {
		return fmt.Errorf("closed trade without trade key")
	}
	query := `INSERT OR IGNORE INTO closed_trades
		(trade_key, side, entry_price, qty, exit_reason, realized_pnl, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := j.db.ExecContext(ctx, query,
		s.TradeKey, string(s.Side), s.EntryPrice.String(), s.Qty.String(),
		s.ExitReason, s.RealizedPnL.String(), s.OpenedAt.UnixMilli(), s.ClosedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record closed trade: %w", err)
	}
	return nil
}

// Recent returns up to n trades, newest first
func (j *SQLiteJournal) Recent(ctx context.Context, n int) ([]core.ClosedSummary, error) {
	query := `SELECT trade_key, side, entry_price, qty, exit_reason, realized_pnl, opened_at, closed_at
		FROM closed_trades ORDER BY closed_at DESC, trade_key LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	var out []core.ClosedSummary
	for rows.Next() {
		var (
			s                     core.ClosedSummary
			side, entry, qty, pnl string
			opened, closed        int64
		)
		if err := rows.Scan(&s.TradeKey, &side, &entry, &qty, &s.ExitReason, &pnl, &opened, &closed); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		s.Side = core.Side(side)
		if s.EntryPrice, err = decimal.NewFromString(entry); err != nil {
			return nil, fmt.Errorf("trade %s: bad entry price: %w", s.TradeKey, err)
		}
		if s.Qty, err = decimal.NewFromString(qty); err != nil {
			return nil, fmt.Errorf("trade %s: bad qty: %w", s.TradeKey, err)
		}
		if s.RealizedPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("trade %s: bad pnl: %w", s.TradeKey, err)
		}
		s.OpenedAt = time.UnixMilli(opened).UTC()
		s.ClosedAt = time.UnixMilli(closed).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// TotalPnL sums realized PnL over every recorded trade
func (j *SQLiteJournal) TotalPnL(ctx context.Context) (decimal.Decimal, int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT realized_pnl FROM closed_trades`)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to query journal: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	n := 0
	for rows.Next() {
		var pnl string
		if err := rows.Scan(&pnl); err != nil {
			return decimal.Zero, 0, err
		}
		v, err := decimal.NewFromString(pnl)
		if err != nil {
			return decimal.Zero, 0, err
		}
		total = total.Add(v)
		n++
	}
	return total, n, rows.Err()
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}
