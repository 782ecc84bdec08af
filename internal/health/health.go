// Package health tracks how each part of a capture run is doing, so the
// closing summary can say whether the run fell back to something worse
// than what was asked for.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/mattias800/snacka-capture/internal/logging"
)

var log = logging.L("health")

// Status of one component.
type Status string

const (
	Healthy  Status = "healthy"
	Degraded Status = "degraded" // running on a fallback
	Failed   Status = "failed"
)

// Check is the latest status of a named component.
type Check struct {
	Component string
	Status    Status
	Reason    string
	Since     time.Time
}

// Monitor is safe for concurrent use. The zero value is not; use NewMonitor.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Set records a status. Since only moves when the status changes.
func (m *Monitor) Set(component string, status Status, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.checks[component]
	if ok && prev.Status == status {
		prev.Reason = reason
		m.checks[component] = prev
		return
	}
	m.checks[component] = Check{Component: component, Status: status, Reason: reason, Since: time.Now()}
	if ok || status != Healthy {
		log.Debug("component status changed", "component", component, "status", string(status), "reason", reason)
	}
}

func (m *Monitor) Get(component string) (Check, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.checks[component]
	return c, ok
}

// Overall is the worst status recorded, Healthy when nothing was.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	worst := Healthy
	for _, c := range m.checks {
		if rank(c.Status) > rank(worst) {
			worst = c.Status
		}
	}
	return worst
}

// Problems lists the components that are not healthy, sorted by name.
func (m *Monitor) Problems() []Check {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Check
	for _, c := range m.checks {
		if c.Status != Healthy {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Component < out[j].Component })
	return out
}

// LogAttrs renders the monitor as slog key/value pairs.
func (m *Monitor) LogAttrs() []any {
	attrs := []any{"health", string(m.Overall())}
	for _, c := range m.Problems() {
		attrs = append(attrs, "health."+c.Component, string(c.Status)+": "+c.Reason)
	}
	return attrs
}

func rank(s Status) int {
	switch s {
	case Degraded:
		return 1
	case Failed:
		return 2
	default:
		return 0
	}
}
