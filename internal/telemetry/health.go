package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rendis/toolforge/internal/resilience"
)

// HealthStatus is the health of a component or of the whole server.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HTTPStatus maps the status onto a probe response code. Degraded servers
// still answer 200.
func (s HealthStatus) HTTPStatus() int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

func (s HealthStatus) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

// ComponentHealth is the last known state of one component.
type ComponentHealth struct {
	Name      string       `json:"name"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthReport aggregates every component.
type HealthReport struct {
	Status        HealthStatus      `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Components    []ComponentHealth `json:"components"`
}

// Probe computes a component status on demand.
type Probe func(ctx context.Context) (HealthStatus, string)

// Health aggregates component statuses: any unhealthy component makes the
// server unhealthy, otherwise any degraded one makes it degraded.
type Health struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	probes     map[string]Probe
	start      time.Time
	now        func() time.Time
}

// NewHealth creates an empty aggregator, which reports healthy.
func NewHealth() *Health {
	return &Health{
		components: make(map[string]ComponentHealth),
		probes:     make(map[string]Probe),
		start:      time.Now(),
		now:        time.Now,
	}
}

// Set records a static status for name.
func (h *Health) Set(name string, status HealthStatus, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[name] = ComponentHealth{Name: name, Status: status, Message: message, CheckedAt: h.now()}
}

// Register adds a probe evaluated on every Report.
func (h *Health) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

// Remove forgets a component and its probe.
func (h *Health) Remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.components, name)
	delete(h.probes, name)
}

// Component returns the last recorded status of name.
func (h *Health) Component(name string) (ComponentHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.components[name]
	return c, ok
}

// Report runs every probe and returns the aggregated status.
func (h *Health) Report(ctx context.Context) HealthReport {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	h.mu.RUnlock()

	for name, p := range probes {
		status, msg := p(ctx)
		h.Set(name, status, msg)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	report := HealthReport{
		Status:        StatusHealthy,
		UptimeSeconds: int64(h.now().Sub(h.start).Seconds()),
		Components:    make([]ComponentHealth, 0, len(h.components)),
	}
	for _, c := range h.components {
		report.Components = append(report.Components, c)
		if c.Status.rank() > report.Status.rank() {
			report.Status = c.Status
		}
	}
	sort.Slice(report.Components, func(i, j int) bool { return report.Components[i].Name < report.Components[j].Name })
	return report
}

// Status is Report without the component list.
func (h *Health) Status(ctx context.Context) HealthStatus {
	return h.Report(ctx).Status
}

// BreakerProbe reports degraded while any breaker is not closed.
func BreakerProbe(src BreakerSource) Probe {
	return func(context.Context) (HealthStatus, string) {
		var open []string
		for _, s := range src() {
			if s.State != resilience.StateClosed.String() {
				open = append(open, s.Name)
			}
		}
		if len(open) == 0 {
			return StatusHealthy, ""
		}
		sort.Strings(open)
		return StatusDegraded, fmt.Sprintf("circuits not closed: %v", open)
	}
}

// Pinger is implemented by backends that can check their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingProbe reports unhealthy when p cannot be reached within timeout.
func PingProbe(p Pinger, timeout time.Duration) Probe {
	return func(ctx context.Context) (HealthStatus, string) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := p.Ping(ctx); err != nil {
			return StatusUnhealthy, err.Error()
		}
		return StatusHealthy, ""
	}
}
