package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/internal/state"
)

// PollStats summarizes one pass over the tail
type PollStats struct {
	Lines   int
	Invalid int
	Seen    int
	Stale   int
	Emitted int
}

// Tracker turns the signal log tail into fresh events, persisting what it
// has seen in the process state so restarts never replay a signal.
type Tracker struct {
	path   string
	cfg    config.DedupConfig
	symbol string
	logger core.ILogger
}

// NewTracker creates a tracker for the signal log at path
func NewTracker(path string, cfg config.DedupConfig, symbol string, logger core.ILogger) *Tracker {
	return &Tracker{
		path:   path,
		cfg:    cfg,
		symbol: symbol,
		logger: logger.WithField("component", "signal_tracker"),
	}
}

// Fingerprint identifies the matching logic and the settings that shape it
func (t *Tracker) Fingerprint() string {
	material := fmt.Sprintf("%s|%d|%d|%d|%s",
		t.cfg.LogicVersion, t.cfg.PriceDecimals, t.cfg.TailLines, t.cfg.SeenCap, t.symbol)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:16])
}

// Ensure resets the dedup state when the fingerprint changed and reports
// whether a bootstrap is required before polling
func (t *Tracker) Ensure(ds *state.DedupState) bool {
	fp := t.Fingerprint()
	if ds.Fingerprint == fp {
		return false
	}
	if ds.Fingerprint != "" {
		t.logger.Warn("Dedup fingerprint changed, discarding seen-set",
			"old", ds.Fingerprint, "new", fp, "seen", len(ds.Seen))
	}
	*ds = state.DedupState{Fingerprint: fp}
	return true
}

// Bootstrap marks every event currently in the tail as seen without acting
// on any of them, and raises the watermark to the newest one
func (t *Tracker) Bootstrap(ds *state.DedupState) (int, error) {
	events, _, err := t.readEvents()
	if err != nil {
		return 0, err
	}
	ds.Fingerprint = t.Fingerprint()
	seen := t.seenSet(ds)
	for _, ev := range events {
		if ev.Time.After(ds.Watermark) {
			ds.Watermark = ev.Time
		}
		t.markSeen(ds, seen, ev.Key)
	}
	t.logger.Info("Signal tail bootstrapped", "events", len(events), "watermark", ds.Watermark)
	return len(events), nil
}

// Poll returns tail events never seen before and newer than the watermark.
// Every valid event is marked seen whether emitted or not.
func (t *Tracker) Poll(ds *state.DedupState) ([]*Event, PollStats, error) {
	if t.Ensure(ds) {
		_, err := t.Bootstrap(ds)
		return nil, PollStats{}, err
	}

	events, stats, err := t.readEvents()
	if err != nil {
		return nil, stats, err
	}

	seen := t.seenSet(ds)
	var fresh []*Event
	for _, ev := range events {
		if _, ok := seen[ev.Key]; ok {
			stats.Seen++
			continue
		}
		t.markSeen(ds, seen, ev.Key)
		if !ev.Time.After(ds.Watermark) {
			stats.Stale++
			t.logger.Debug("Signal at or before watermark ignored",
				"key", ev.Key, "ts", ev.Time, "watermark", ds.Watermark)
			continue
		}
		ds.Watermark = ev.Time
		fresh = append(fresh, ev)
	}
	stats.Emitted = len(fresh)
	return fresh, stats, nil
}

func (t *Tracker) readEvents() ([]*Event, PollStats, error) {
	var stats PollStats
	lines, err := ReadTail(t.path, t.cfg.TailLines, t.cfg.TailBytes)
	if err != nil {
		return nil, stats, err
	}
	stats.Lines = len(lines)
	events := make([]*Event, 0, len(lines))
	for _, line := range lines {
		ev, err := ParseLine(line, t.cfg.PriceDecimals)
		if err != nil {
			stats.Invalid++
			continue
		}
		events = append(events, ev)
	}
	return events, stats, nil
}

func (t *Tracker) seenSet(ds *state.DedupState) map[string]struct{} {
	m := make(map[string]struct{}, len(ds.Seen))
	for _, k := range ds.Seen {
		m[k] = struct{}{}
	}
	return m
}

func (t *Tracker) markSeen(ds *state.DedupState, seen map[string]struct{}, key string) {
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = struct{}{}
	ds.Seen = append(ds.Seen, key)
	if over := len(ds.Seen) - t.cfg.SeenCap; t.cfg.SeenCap > 0 && over > 0 {
		for _, k := range ds.Seen[:over] {
			delete(seen, k)
		}
		ds.Seen = append([]string(nil), ds.Seen[over:]...)
	}
}
