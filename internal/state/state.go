// Package state holds the persisted process state and its slot predicates
package state

import (
	"sort"
	"time"

	"signal_trader/internal/core"

	"github.com/shopspring/decimal"
)

// Lock is the expiring token guarding the single position slot
type Lock struct {
	Token string    `json:"token,omitempty"`
	Until time.Time `json:"until"`
}

// DedupState is the persisted signal seen-set and watermark
type DedupState struct {
	Fingerprint string    `json:"fingerprint,omitempty"`
	Watermark   time.Time `json:"watermark"`
	Seen        []string  `json:"seen,omitempty"` // oldest first
}

// LedgerEntry is an amount borrowed by the margin engine for one trade
type LedgerEntry struct {
	Amount     decimal.Decimal `json:"amount"`
	BorrowedAt time.Time       `json:"borrowed_at"`
}

// Rejection is a venue rejection code observed at a point in time
type Rejection struct {
	Code int       `json:"code"`
	At   time.Time `json:"at"`
}

// Halt blocks new entries until cleared by an operator
type Halt struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// State is the single cross-restart source of truth
type State struct {
	Position      *core.Position      `json:"position"`
	LastClosed    *core.ClosedSummary `json:"last_closed,omitempty"`
	CooldownUntil time.Time           `json:"cooldown_until"`
	Lock          Lock                `json:"lock"`
	Dedup         DedupState          `json:"dedup"`

	// asset -> trade key
	Ledger map[string]map[string]LedgerEntry `json:"ledger,omitempty"`

	Throttle      map[string]time.Time `json:"throttle,omitempty"`
	Rejections    []Rejection          `json:"rejections,omitempty"`
	Halt          *Halt                `json:"halt,omitempty"`
	LastReconcile time.Time            `json:"last_reconcile"`
}

// New returns an empty state
func New() *State {
	return &State{}
}

// IsLocked reports whether an unexpired lock token is held
func (s *State) IsLocked(now time.Time) bool {
	return s.Lock.Token != "" && now.Before(s.Lock.Until)
}

// InCooldown reports whether the post-close cooldown is still running
func (s *State) InCooldown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// HasLivePosition reports a position in PENDING, OPEN_FILLED or OPEN
func (s *State) HasLivePosition() bool {
	return s.Position != nil && s.Position.Status.IsLive()
}

// SlotOccupied reports whether any position record still holds the slot,
// including a CLOSED one whose orders have not all resolved
func (s *State) SlotOccupied() bool {
	return s.Position != nil
}

// IsHalted reports whether entries are blocked
func (s *State) IsHalted() bool {
	return s.Halt != nil
}

// CanEnter combines every gate a new entry must pass
func (s *State) CanEnter(now time.Time) (bool, string) {
	switch {
	case s.IsHalted():
		return false, "halted"
	case s.SlotOccupied():
		return false, "slot_occupied"
	case s.IsLocked(now):
		return false, "locked"
	case s.InCooldown(now):
		return false, "cooldown"
	}
	return true, ""
}

// AcquireLock takes the slot lock; it fails if another unexpired token holds it
func (s *State) AcquireLock(token string, now time.Time, ttl time.Duration) bool {
	if s.IsLocked(now) && s.Lock.Token != token {
		return false
	}
	s.Lock = Lock{Token: token, Until: now.Add(ttl)}
	return true
}

// ExtendLock pushes the expiry of the held token
func (s *State) ExtendLock(token string, now time.Time, ttl time.Duration) {
	if s.Lock.Token == token {
		s.Lock.Until = now.Add(ttl)
	}
}

// ReleaseLock clears the lock token
func (s *State) ReleaseLock() {
	s.Lock = Lock{}
}

// ExpireLock clears an expired token and reports whether it did
func (s *State) ExpireLock(now time.Time) bool {
	if s.Lock.Token != "" && !now.Before(s.Lock.Until) {
		s.Lock = Lock{}
		return true
	}
	return false
}

// StartCooldown blocks entries for d from now
func (s *State) StartCooldown(now time.Time, d time.Duration) {
	s.CooldownUntil = now.Add(d)
}

// AddDebt records an amount borrowed for a trade
func (s *State) AddDebt(asset, tradeKey string, amount decimal.Decimal, now time.Time) {
	if s.Ledger == nil {
		s.Ledger = make(map[string]map[string]LedgerEntry)
	}
	if s.Ledger[asset] == nil {
		s.Ledger[asset] = make(map[string]LedgerEntry)
	}
	e := s.Ledger[asset][tradeKey]
	e.Amount = e.Amount.Add(amount)
	if e.BorrowedAt.IsZero() {
		e.BorrowedAt = now
	}
	s.Ledger[asset][tradeKey] = e
}

// ReduceDebt lowers a ledger entry, deleting it once nothing remains
func (s *State) ReduceDebt(asset, tradeKey string, amount decimal.Decimal) {
	byKey, ok := s.Ledger[asset]
	if !ok {
		return
	}
	e, ok := byKey[tradeKey]
	if !ok {
		return
	}
	e.Amount = e.Amount.Sub(amount)
	if !e.Amount.IsPositive() {
		delete(byKey, tradeKey)
	} else {
		byKey[tradeKey] = e
	}
	if len(byKey) == 0 {
		delete(s.Ledger, asset)
	}
}

// DebtFor returns per-asset ledger entries of a trade
func (s *State) DebtFor(tradeKey string) map[string]LedgerEntry {
	out := make(map[string]LedgerEntry)
	for asset, byKey := range s.Ledger {
		if e, ok := byKey[tradeKey]; ok {
			out[asset] = e
		}
	}
	return out
}

// AllowAlert reports whether an alert keyed by key may fire now and stamps it if so
func (s *State) AllowAlert(key string, now time.Time, every time.Duration) bool {
	if s.Throttle == nil {
		s.Throttle = make(map[string]time.Time)
	}
	if last, ok := s.Throttle[key]; ok && now.Sub(last) < every {
		return false
	}
	s.Throttle[key] = now
	return true
}

// PruneThrottle drops throttle stamps older than maxAge
func (s *State) PruneThrottle(now time.Time, maxAge time.Duration) {
	for k, t := range s.Throttle {
		if now.Sub(t) > maxAge {
			delete(s.Throttle, k)
		}
	}
}

// RecordRejection appends a rejection code and drops entries outside window
func (s *State) RecordRejection(code int, now time.Time, window time.Duration) {
	s.Rejections = append(s.Rejections, Rejection{Code: code, At: now})
	kept := s.Rejections[:0]
	for _, r := range s.Rejections {
		if now.Sub(r.At) <= window {
			kept = append(kept, r)
		}
	}
	s.Rejections = kept
}

// RejectionCounts returns rejections per code within window, sorted by code
func (s *State) RejectionCounts(now time.Time, window time.Duration) []RejectionCount {
	counts := make(map[int]int)
	for _, r := range s.Rejections {
		if now.Sub(r.At) <= window {
			counts[r.Code]++
		}
	}
	out := make([]RejectionCount, 0, len(counts))
	for code, n := range counts {
		out = append(out, RejectionCount{Code: code, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// RejectionCount pairs a code with its occurrences
type RejectionCount struct {
	Code  int
	Count int
}
