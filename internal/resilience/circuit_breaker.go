package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rendis/toolforge/pkg/schema"
)

// State is the state of a circuit breaker.
type State int

const (
	StateClosed   State = iota // calls pass through
	StateOpen                  // calls rejected until the timeout elapses
	StateHalfOpen              // trial calls allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// allowedTransitions is the complete transition table. Anything else is an
// internal invariant violation.
var allowedTransitions = map[State]map[State]bool{
	StateClosed:   {StateOpen: true},
	StateOpen:     {StateHalfOpen: true},
	StateHalfOpen: {StateClosed: true, StateOpen: true},
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures in Closed that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of HalfOpen successes that closes it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays Open before admitting a trial call.
	Timeout time.Duration
}

// DefaultBreakerConfig returns the default tuning.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// BreakerConfigFrom overlays non-zero fields of c onto the defaults.
func BreakerConfigFrom(c *schema.BreakerConfig) BreakerConfig {
	cfg := DefaultBreakerConfig()
	if c == nil {
		return cfg
	}
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}
	if c.TimeoutMs > 0 {
		cfg.Timeout = time.Duration(c.TimeoutMs) * time.Millisecond
	}
	return cfg
}

// StateChangeFunc observes breaker transitions. It runs outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock injects the time source.
func WithClock(now func() time.Time) BreakerOption {
	return func(b *CircuitBreaker) { b.now = now }
}

// WithStateChange registers a transition observer.
func WithStateChange(fn StateChangeFunc) BreakerOption {
	return func(b *CircuitBreaker) { b.onChange = fn }
}

// WithFailurePredicate decides which errors count against the breaker.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *CircuitBreaker) { b.isFailure = fn }
}

type transition struct{ from, to State }

// CircuitBreaker guards one dependency. All methods are safe for concurrent use
// and every state change happens under a single mutex.
type CircuitBreaker struct {
	name      string
	cfg       BreakerConfig
	now       func() time.Time
	onChange  StateChangeFunc
	isFailure func(error) bool

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	pending   []transition
}

// NewCircuitBreaker creates a Closed breaker for the named dependency.
func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	b := &CircuitBreaker{
		name:      name,
		cfg:       cfg,
		now:       time.Now,
		isFailure: CountsAsFailure,
		state:     StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the guarded dependency name.
func (b *CircuitBreaker) Name() string { return b.name }

// Allow reports whether a call may proceed. In Open it fails with CIRCUIT_OPEN
// until Timeout has elapsed since the circuit opened, then moves to HalfOpen.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.unlockAndNotify()

	if b.state != StateOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cfg.Timeout {
		b.transition(StateHalfOpen)
		return nil
	}
	return schema.NewCircuitOpenError(b.name).WithDetails(map[string]any{
		"dependency":        b.name,
		"retry_after_ms":    (b.cfg.Timeout - elapsed).Milliseconds(),
		"opened_at":         b.openedAt.Format(time.RFC3339Nano),
		"failure_threshold": b.cfg.FailureThreshold,
	})
}

// RecordSuccess records a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.unlockAndNotify()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
	// Open: a late result from a call admitted before the circuit opened.
}

// RecordFailure records a failed call.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.unlockAndNotify()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Record routes err to RecordSuccess or RecordFailure. Errors the failure
// predicate rejects (caller mistakes, cancellation) leave the counters untouched.
func (b *CircuitBreaker) Record(err error) {
	switch {
	case err == nil:
		b.RecordSuccess()
	case b.isFailure(err):
		b.RecordFailure()
	}
}

// Call runs op through the breaker.
func (b *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := op(ctx)
	b.Record(err)
	return err
}

// State returns the current state without triggering the Open timeout check.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSnapshot is a read-only view of a breaker.
type BreakerSnapshot struct {
	Name             string     `json:"name"`
	State            string     `json:"state"`
	FailureCount     int        `json:"failure_count"`
	SuccessCount     int        `json:"success_count"`
	OpenedAt         *time.Time `json:"opened_at,omitempty"`
	FailureThreshold int        `json:"failure_threshold"`
	SuccessThreshold int        `json:"success_threshold"`
	TimeoutMs        int64      `json:"timeout_ms"`
}

// Snapshot returns a consistent view of the breaker.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BreakerSnapshot{
		Name:             b.name,
		State:            b.state.String(),
		FailureCount:     b.failures,
		SuccessCount:     b.successes,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		TimeoutMs:        b.cfg.Timeout.Milliseconds(),
	}
	if b.state == StateOpen {
		at := b.openedAt
		s.OpenedAt = &at
	}
	return s
}

// transition must be called with mu held. Counters reset on every transition.
func (b *CircuitBreaker) transition(to State) {
	from := b.state
	if !allowedTransitions[from][to] {
		panic(schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"circuit breaker %q: invalid transition %s -> %s", b.name, from, to))
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	b.pending = append(b.pending, transition{from: from, to: to})
}

func (b *CircuitBreaker) unlockAndNotify() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if b.onChange == nil {
		return
	}
	for _, t := range pending {
		b.onChange(b.name, t.from, t.to)
	}
}

// CountsAsFailure is the default breaker failure predicate. Caller-side errors
// (bad input, unknown tool, unresolved variables) and cancellation do not
// indicate an unhealthy dependency.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch schema.Code(err) {
	case schema.ErrCodeValidation, schema.ErrCodeToolNotFound,
		schema.ErrCodeUnresolvedVariable, schema.ErrCodeCancelled, schema.ErrCodeCircuitOpen:
		return false
	}
	return true
}

// BreakerRegistry owns one breaker per dependency name.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	opts     []BreakerOption
	breakers map[string]*CircuitBreaker
}

// NewBreakerRegistry creates a registry whose breakers default to cfg.
func NewBreakerRegistry(cfg BreakerConfig, opts ...BreakerOption) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for name, creating it with the registry defaults.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	return r.GetWithConfig(name, r.cfg)
}

// GetWithConfig returns the breaker for name, creating it with cfg if absent.
// An existing breaker keeps its original configuration.
func (r *BreakerRegistry) GetWithConfig(name string, cfg BreakerConfig) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewCircuitBreaker(name, cfg, r.opts...)
		r.breakers[name] = b
	}
	return b
}

// Snapshots returns a view of every breaker, sorted by name.
func (r *BreakerRegistry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
