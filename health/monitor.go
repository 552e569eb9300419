package health

import (
	"maps"
	"slices"
	"sync"
	"time"
)

// Monitor tracks health of multiple components in a thread-safe manner
type Monitor struct {
	mu       sync.RWMutex
	system   string
	statuses map[string]Status
}

// NewMonitor creates a monitor whose aggregate is reported as system.
func NewMonitor(system string) *Monitor {
	return &Monitor{
		system:   system,
		statuses: make(map[string]Status),
	}
}

// Update updates the health status for a named component
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, exists := m.statuses[name]
	return status, exists
}

// Remove removes a component from monitoring
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
}

// AggregateHealth returns the aggregate status with sub-statuses in name order.
func (m *Monitor) AggregateHealth() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subStatuses := make([]Status, 0, len(m.statuses))
	for _, name := range slices.Sorted(maps.Keys(m.statuses)) {
		subStatuses = append(subStatuses, m.statuses[name])
	}
	return Aggregate(m.system, subStatuses)
}

// Report adapts the monitor to metric.HealthFunc. Degraded counts as
// healthy for load balancers: the service still answers.
func (m *Monitor) Report() (bool, any) {
	agg := m.AggregateHealth()
	return !agg.IsUnhealthy(), agg
}
