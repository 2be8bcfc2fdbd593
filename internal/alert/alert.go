// Package alert fans trader events out to outbound notification channels
package alert

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"signal_trader/internal/config"
	"signal_trader/internal/core"
	"signal_trader/pkg/concurrency"
)

// AlertLevel is the severity attached to an event
type AlertLevel string

const (
	Info     AlertLevel = "info"
	Warning  AlertLevel = "warn"
	Error    AlertLevel = "error"
	Critical AlertLevel = "critical"
)

// ParseLevel maps a free-form level to a known one, defaulting to Info
func ParseLevel(s string) AlertLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "warn", "warning":
		return Warning
	case "error":
		return Error
	case "critical", "fatal":
		return Critical
	default:
		return Info
	}
}

// AlertPayload is what a channel delivers
type AlertPayload struct {
	Event     string
	Level     AlertLevel
	Timestamp time.Time
	Fields    map[string]string
}

// SortedKeys returns the field names in a stable order
func (p AlertPayload) SortedKeys() []string {
	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AlertChannel delivers a payload to one destination
type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// AlertManager implements core.INotifier. Deliveries run on a bounded
// worker pool and never block the caller; a full queue drops the event.
type AlertManager struct {
	channels []AlertChannel
	pool     *concurrency.WorkerPool
	timeout  time.Duration
	clock    core.IClock
	logger   core.ILogger
	mu       sync.RWMutex
}

// NewAlertManager creates a manager with no channels
func NewAlertManager(cfg config.NotifyConfig, clock core.IClock, logger core.ILogger) *AlertManager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log := logger.WithField("component", "alert_manager")
	return &AlertManager{
		channels: make([]AlertChannel, 0, 2),
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "alerts",
			MaxWorkers:  cfg.PoolSize,
			MaxCapacity: 256,
			NonBlocking: true,
		}, log),
		timeout: timeout,
		clock:   clock,
		logger:  log,
	}
}

// NewFromConfig creates a manager with every channel the config names
func NewFromConfig(cfg config.NotifyConfig, logger core.ILogger) *AlertManager {
	am := NewAlertManager(cfg, nil, logger)
	if cfg.WebhookURL != "" {
		am.AddChannel(NewWebhookChannel(cfg.WebhookURL, am.timeout))
	}
	if cfg.SlackWebhookURL != "" {
		am.AddChannel(NewSlackChannel(cfg.SlackWebhookURL, am.timeout))
	}
	return am
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Notify logs the event and queues one delivery per channel
func (am *AlertManager) Notify(ctx context.Context, event, level string, fields map[string]string) {
	payload := AlertPayload{
		Event:     event,
		Level:     ParseLevel(level),
		Timestamp: am.clock.Now().UTC(),
		Fields:    make(map[string]string, len(fields)),
	}
	for k, v := range fields {
		payload.Fields[k] = v
	}

	logFields := make([]interface{}, 0, 4+2*len(fields))
	logFields = append(logFields, "event", event, "level", payload.Level)
	for _, k := range payload.SortedKeys() {
		logFields = append(logFields, k, payload.Fields[k])
	}
	switch payload.Level {
	case Error, Critical:
		am.logger.Error("Alert", logFields...)
	case Warning:
		am.logger.Warn("Alert", logFields...)
	default:
		am.logger.Info("Alert", logFields...)
	}

	am.mu.RLock()
	channels := am.channels
	am.mu.RUnlock()

	// deliveries outlive the caller's tick
	base := context.WithoutCancel(ctx)
	for _, ch := range channels {
		c := ch
		err := am.pool.Submit(func() {
			sendCtx, cancel := context.WithTimeout(base, am.timeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				am.logger.Warn("Failed to send alert", "channel", c.Name(), "event", event, "error", err)
			}
		})
		if err != nil {
			am.logger.Warn("Alert dropped", "channel", c.Name(), "event", event, "error", err)
		}
	}
}

// Close waits for queued deliveries up to timeout
func (am *AlertManager) Close(timeout time.Duration) {
	am.pool.Stop(timeout)
}
