// Package health aggregates liveness checks of the trader's components
package health

import (
	"sort"
	"sync"

	"signal_trader/internal/core"
)

// Status is the result of one component check
type Status struct {
	Component string `json:"component"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
}

// HealthManager aggregates health status from different components
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

// NewHealthManager creates a new health manager; logger may be nil
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]func() error)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds a new health check for a component
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.checks[component] = check
}

// Check runs every registered check, sorted by component name
func (hm *HealthManager) Check() []Status {
	hm.mu.RLock()
	names := make([]string, 0, len(hm.checks))
	for name := range hm.checks {
		names = append(names, name)
	}
	checks := make(map[string]func() error, len(hm.checks))
	for k, v := range hm.checks {
		checks[k] = v
	}
	hm.mu.RUnlock()

	sort.Strings(names)
	out := make([]Status, 0, len(names))
	for _, name := range names {
		st := Status{Component: name, Healthy: true}
		if err := checks[name](); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
			if hm.logger != nil {
				hm.logger.Warn("Health check failed", "check", name, "error", err)
			}
		}
		out = append(out, st)
	}
	return out
}

// IsHealthy returns true if every component is healthy
func (hm *HealthManager) IsHealthy() bool {
	for _, st := range hm.Check() {
		if !st.Healthy {
			return false
		}
	}
	return true
}
