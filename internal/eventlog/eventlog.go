// Package eventlog appends operational events to a capped JSON-lines file
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"signal_trader/internal/core"
	"signal_trader/internal/state"
)

// the file may grow to 110% of the cap before it is cut back
const slackPct = 10

// FileLog implements core.IEventLog. Each line is {"ts", "event", ...fields}.
type FileLog struct {
	path     string
	maxLines int
	clock    core.IClock

	mu    sync.Mutex
	lines int
}

// Open prepares the log at path. maxLines <= 0 disables truncation.
func Open(path string, maxLines int, clock core.IClock) (*FileLog, error) {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log dir: %w", err)
	}
	n, err := countLines(path)
	if err != nil {
		return nil, err
	}
	return &FileLog{path: path, maxLines: maxLines, clock: clock, lines: n}, nil
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read event log: %w", err)
	}
	return bytes.Count(data, []byte{'\n'}), nil
}

// Append writes one event line
func (l *FileLog) Append(event string, fields map[string]interface{}) error {
	rec := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["ts"] = l.clock.Now().UTC().Format(time.RFC3339Nano)
	rec["event"] = event
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append event: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	l.lines++

	if l.maxLines > 0 && l.lines*100 > l.maxLines*(100+slackPct) {
		return l.truncateLocked()
	}
	return nil
}

// truncateLocked keeps the newest maxLines lines
func (l *FileLog) truncateLocked() error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	ring := make([][]byte, 0, l.maxLines)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		if len(ring) == l.maxLines {
			ring = append(ring[1:], line)
		} else {
			ring = append(ring, line)
		}
	}
	f.Close()
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to scan event log: %w", err)
	}

	var buf bytes.Buffer
	for _, line := range ring {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := state.WriteFileAtomic(l.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to rewrite event log: %w", err)
	}
	l.lines = len(ring)
	return nil
}

// Lines reports the current line count
func (l *FileLog) Lines() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// Tail returns up to n of the newest decoded events
func (l *FileLog) Tail(n int) ([]map[string]interface{}, error) {
	l.mu.Lock()
	data, err := os.ReadFile(l.path)
	l.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte{'\n'})
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	out := make([]map[string]interface{}, 0, len(lines))
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal(line, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
