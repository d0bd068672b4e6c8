// Package telemetry exposes dispatch metrics, breaker state and health over
// Prometheus and a small JSON API.
package telemetry

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/toolforge/internal/resilience"
	"github.com/rendis/toolforge/pkg/schema"
)

const namespace = "toolforge"

// BreakerSource reports the current breaker states.
type BreakerSource func() []resilience.BreakerSnapshot

// ToolStats summarizes the calls observed for one tool.
type ToolStats struct {
	Tool         string  `json:"tool"`
	Requests     uint64  `json:"requests"`
	Errors       uint64  `json:"errors"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Summary is the JSON view of the collector.
type Summary struct {
	UptimeSeconds int64       `json:"uptime_seconds"`
	Tools         []ToolStats `json:"tools"`
}

type toolCounters struct {
	requests uint64
	errors   uint64
	latency  time.Duration
}

// Collector records dispatch outcomes. It implements
// middleware.MetricsRecorder and serves its own Prometheus registry.
type Collector struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	start    time.Time

	mu    sync.Mutex
	tools map[string]*toolCounters
}

// CollectorOption configures a Collector.
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	breakers BreakerSource
	runtime  bool
}

// WithBreakerSource exports breaker states as a gauge, read at scrape time.
func WithBreakerSource(src BreakerSource) CollectorOption {
	return func(c *collectorConfig) { c.breakers = src }
}

// WithRuntimeMetrics adds the Go runtime and process collectors.
func WithRuntimeMetrics() CollectorOption {
	return func(c *collectorConfig) { c.runtime = true }
}

// NewCollector creates a collector with a private registry.
func NewCollector(opts ...CollectorOption) *Collector {
	var cfg collectorConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of tool dispatches.",
		}, []string{"tool"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of failed tool dispatches by error code.",
		}, []string{"tool", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of tool dispatches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		start: time.Now(),
		tools: make(map[string]*toolCounters),
	}

	c.registry.MustRegister(c.requests, c.errors, c.latency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the collector was created.",
		}, func() float64 { return time.Since(c.start).Seconds() }),
	)
	if cfg.breakers != nil {
		c.registry.MustRegister(newBreakerCollector(cfg.breakers))
	}
	if cfg.runtime {
		c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	return c
}

// ObserveDispatch records one dispatch outcome.
func (c *Collector) ObserveDispatch(tool string, d time.Duration, err error) {
	c.requests.WithLabelValues(tool).Inc()
	c.latency.WithLabelValues(tool).Observe(d.Seconds())
	if err != nil {
		code := schema.Code(err)
		if code == "" {
			code = "UNKNOWN"
		}
		c.errors.WithLabelValues(tool, code).Inc()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.tools[tool]
	if !ok {
		tc = &toolCounters{}
		c.tools[tool] = tc
	}
	tc.requests++
	tc.latency += d
	if err != nil {
		tc.errors++
	}
}

// Summary returns per-tool counts sorted by tool name.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		UptimeSeconds: int64(time.Since(c.start).Seconds()),
		Tools:         make([]ToolStats, 0, len(c.tools)),
	}
	for name, tc := range c.tools {
		ts := ToolStats{Tool: name, Requests: tc.requests, Errors: tc.errors}
		if tc.requests > 0 {
			ts.ErrorRate = float64(tc.errors) / float64(tc.requests)
			ts.AvgLatencyMs = float64(tc.latency.Microseconds()) / 1000 / float64(tc.requests)
		}
		s.Tools = append(s.Tools, ts)
	}
	sort.Slice(s.Tools, func(i, j int) bool { return s.Tools[i].Tool < s.Tools[j].Tool })
	return s
}

// Registry returns the Prometheus registry backing the collector.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

var breakerStates = []resilience.State{resilience.StateClosed, resilience.StateOpen, resilience.StateHalfOpen}

// breakerCollector exports one gauge series per breaker and state, set to 1
// for the current state.
type breakerCollector struct {
	source   BreakerSource
	state    *prometheus.Desc
	failures *prometheus.Desc
}

func newBreakerCollector(src BreakerSource) *breakerCollector {
	return &breakerCollector{
		source: src,
		state: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "state"),
			"Circuit breaker state, 1 for the current state.",
			[]string{"dependency", "state"}, nil),
		failures: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "breaker", "consecutive_failures"),
			"Consecutive failures counted by the breaker.",
			[]string{"dependency"}, nil),
	}
}

func (b *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- b.state
	ch <- b.failures
}

func (b *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for _, snap := range b.source() {
		for _, st := range breakerStates {
			v := 0.0
			if snap.State == st.String() {
				v = 1
			}
			ch <- prometheus.MustNewConstMetric(b.state, prometheus.GaugeValue, v, snap.Name, st.String())
		}
		ch <- prometheus.MustNewConstMetric(b.failures, prometheus.GaugeValue, float64(snap.FailureCount), snap.Name)
	}
}
