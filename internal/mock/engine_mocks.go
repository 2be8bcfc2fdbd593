package mock

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

// FakeClock is a settable clock for deterministic tests
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at t
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the frozen time
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Notification is one recorded notifier call
type Notification struct {
	Event  string
	Level  string
	Fields map[string]string
}

// RecordingNotifier implements core.INotifier by remembering every call
type RecordingNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (n *RecordingNotifier) Notify(ctx context.Context, event, level string, fields map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, Notification{Event: event, Level: level, Fields: fields})
}

// Events returns the recorded notifications
func (n *RecordingNotifier) Events() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.events...)
}

// Count returns how many notifications carried the event name
func (n *RecordingNotifier) Count(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Event == event {
			c++
		}
	}
	return c
}

// MockNotifier is a testify mock of core.INotifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, event, level string, fields map[string]string) {
	m.Called(ctx, event, level, fields)
}

// MemoryEventLog implements core.IEventLog in memory
type MemoryEventLog struct {
	mu      sync.Mutex
	Entries []map[string]interface{}
}

func (l *MemoryEventLog) Append(event string, fields map[string]interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := map[string]interface{}{"event": event}
	for k, v := range fields {
		entry[k] = v
	}
	l.Entries = append(l.Entries, entry)
	return nil
}

// Count returns how many entries carried the event name
func (l *MemoryEventLog) Count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := 0
	for _, e := range l.Entries {
		if e["event"] == event {
			c++
		}
	}
	return c
}
