// Package forge assembles a runnable tool server from a forge definition:
// registry, dispatcher, state store, telemetry and scheduler.
package forge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/rendis/toolforge/internal/config"
	"github.com/rendis/toolforge/internal/engine"
	"github.com/rendis/toolforge/internal/handlers"
	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/internal/middleware"
	"github.com/rendis/toolforge/internal/registry"
	"github.com/rendis/toolforge/internal/resilience"
	"github.com/rendis/toolforge/internal/scheduler"
	"github.com/rendis/toolforge/internal/state"
	"github.com/rendis/toolforge/internal/telemetry"
	"github.com/rendis/toolforge/pkg/schema"
)

const statePingTimeout = 2 * time.Second

// Forge is a fully wired server. Tools are reachable through Dispatcher;
// Registry is exposed for listing and schemas only.
type Forge struct {
	Config     *schema.ForgeConfig
	Registry   *registry.Registry
	Dispatcher *engine.Dispatcher
	State      state.Manager
	Metrics    *telemetry.Collector
	Health     *telemetry.Health
	Scheduler  *scheduler.Scheduler
	Warnings   []schema.ValidationIssue

	// Guards holds the dispatch-level breakers of resilience.guard; nil
	// when it is unset.
	Guards *resilience.BreakerRegistry

	logger *slog.Logger
}

// Option configures Build.
type Option func(*options)

type options struct {
	natives        map[string]registry.Handler
	logger         *slog.Logger
	statePath      string
	poolSize       int
	runtimeMetrics bool
	httpClient     *http.Client
	tickInterval   time.Duration
}

// WithNatives supplies the Go handlers that native tools bind to by name.
func WithNatives(natives map[string]registry.Handler) Option {
	return func(o *options) { o.natives = natives }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStatePath overrides state.path. Without a state section it selects a
// libSQL store at path.
func WithStatePath(path string) Option {
	return func(o *options) { o.statePath = path }
}

// WithPoolSize bounds concurrent pipeline branches.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

// WithRuntimeMetrics adds Go runtime and process metrics to the collector.
func WithRuntimeMetrics() Option {
	return func(o *options) { o.runtimeMetrics = true }
}

// WithHTTPClient sets the client used by http tools.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithScheduleInterval sets how often schedules are checked.
func WithScheduleInterval(d time.Duration) Option {
	return func(o *options) { o.tickInterval = d }
}

// Build validates cfg and wires every component. The returned Forge owns
// the state store; call Close when done.
func Build(ctx context.Context, cfg *schema.ForgeConfig, opts ...Option) (*Forge, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.OrDefault(o.logger)

	builtins := builtinTools()
	var natives config.ToolLookup
	if o.natives != nil {
		natives = func(name string) bool {
			_, ok := o.natives[name]
			return ok
		}
	}
	result := config.Validate(cfg, func(name string) bool { return builtins[name] }, natives)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		logger.Warn("config warning", slog.String("path", w.Path), slog.String("message", w.Message))
	}

	mgr, err := state.Open(ctx, stateConfig(cfg.State, o.statePath))
	if err != nil {
		return nil, fmt.Errorf("open state: %w", err)
	}

	f := &Forge{
		Config:   cfg,
		Registry: registry.New(),
		State:    mgr,
		Health:   telemetry.NewHealth(),
		Warnings: result.Warnings,
		logger:   logger,
	}
	if err := f.wire(o); err != nil {
		_ = mgr.Close()
		return nil, err
	}
	return f, nil
}

func (f *Forge) wire(o options) error {
	cfg := f.Config

	for ns, hs := range handlers.EvalHandlers() {
		if _, err := f.Registry.RegisterNamespace(ns, hs); err != nil {
			return err
		}
	}
	if _, err := f.Registry.RegisterNamespace(handlers.CryptoNamespace, handlers.CryptoHandlers()); err != nil {
		return err
	}
	if _, err := f.Registry.RegisterNamespace(handlers.StateNamespace, handlers.StateHandlers(f.State)); err != nil {
		return err
	}

	collectorOpts := []telemetry.CollectorOption{
		telemetry.WithBreakerSource(func() []resilience.BreakerSnapshot { return f.Dispatcher.BreakerSnapshots() }),
	}
	if o.runtimeMetrics {
		collectorOpts = append(collectorOpts, telemetry.WithRuntimeMetrics())
	}
	f.Metrics = telemetry.NewCollector(collectorOpts...)

	engineOpts := []engine.EngineOption{engine.WithPersister(f.State)}
	if o.poolSize > 0 {
		engineOpts = append(engineOpts, engine.WithPoolSize(o.poolSize))
	}
	if r := cfg.Resilience; r != nil && r.Guard != nil {
		f.Guards = resilience.NewBreakerRegistry(resilience.BreakerConfigFrom(r.Guard))
	}
	dispatcherOpts := []engine.DispatcherOption{
		engine.WithMiddleware(f.middlewares()...),
		engine.WithDispatcherLogger(f.logger),
		engine.WithEngineOptions(engineOpts...),
		engine.WithDefaultPolicy(defaultPolicy(cfg.Resilience)),
	}
	if r := cfg.Resilience; r != nil && r.ErrorTrackerWindow > 0 {
		dispatcherOpts = append(dispatcherOpts, engine.WithErrorTracker(resilience.NewErrorTracker(r.ErrorTrackerWindow)))
	}
	d, err := engine.NewDispatcher(f.Registry, dispatcherOpts...)
	if err != nil {
		return err
	}
	f.Dispatcher = d

	for _, def := range cfg.Tools {
		h, err := f.buildHandler(def, o)
		if err != nil {
			return fmt.Errorf("tool %q: %w", def.Name, err)
		}
		if err := f.Registry.Register(def.Name, h); err != nil {
			return err
		}
		if p, ok := toolPolicy(def, cfg.Resilience); ok {
			d.SetPolicy(def.Name, p)
		}
	}

	f.Health.Set("registry", telemetry.StatusHealthy, fmt.Sprintf("%d tools", f.Registry.Count()))
	f.Health.Register("breakers", telemetry.BreakerProbe(d.BreakerSnapshots))
	if f.Guards != nil {
		f.Health.Register("guards", telemetry.BreakerProbe(f.Guards.Snapshots))
	}
	if p, ok := f.State.(telemetry.Pinger); ok {
		f.Health.Register("state", telemetry.PingProbe(p, statePingTimeout))
	}

	schedOpts := []scheduler.Option{scheduler.WithLogger(f.logger), scheduler.WithRunStore(f.State)}
	if o.tickInterval > 0 {
		schedOpts = append(schedOpts, scheduler.WithTickInterval(o.tickInterval))
	}
	f.Scheduler = scheduler.New(d, schedOpts...)
	for _, s := range cfg.Schedules {
		if err := f.Scheduler.Add(s); err != nil {
			return err
		}
	}
	return nil
}

func (f *Forge) buildHandler(def schema.ToolDefinition, o options) (registry.Handler, error) {
	switch def.Type {
	case schema.ToolTypeNative:
		h, ok := o.natives[def.Handler]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "no native handler %q", def.Handler)
		}
		return withParams(h, def)
	case schema.ToolTypeExpr, schema.ToolTypeJQ:
		h, err := handlers.NewExpression(def)
		if err != nil {
			return nil, err
		}
		return withParams(h, def)
	case schema.ToolTypeCLI:
		return handlers.NewCLI(def)
	case schema.ToolTypeHTTP:
		var hopts []handlers.HTTPOption
		if o.httpClient != nil {
			hopts = append(hopts, handlers.WithHTTPClient(o.httpClient))
		}
		return handlers.NewHTTP(def, hopts...)
	case schema.ToolTypePipeline:
		var vars json.RawMessage
		if len(def.Params) > 0 {
			s, err := paramsSchema(def.Params)
			if err != nil {
				return nil, err
			}
			vars = s
		}
		if len(def.Branches) > 0 {
			return engine.NewBranchesHandler(f.Dispatcher, def.Description, def.Branches, vars)
		}
		return engine.NewPipelineHandler(f.Dispatcher, def.Description, def.Steps, vars,
			engine.WithPersist("pipeline:"+def.Name, 0))
	}
	return nil, schema.NewValidationError("type", fmt.Sprintf("unknown tool type %q", def.Type))
}

// middlewares builds the dispatch chain: logging and metrics see every
// call, then input normalization, per-tool required fields and the optional
// guard breakers.
func (f *Forge) middlewares() []middleware.Middleware {
	chain := []middleware.Middleware{
		middleware.NewLogging(f.logger),
		middleware.NewMetrics(f.Metrics),
		&middleware.Transform{Input: normalizeInput},
	}
	for _, def := range f.Config.Tools {
		if len(def.RequiredFields) > 0 {
			chain = append(chain, middleware.ForTools(middleware.NewRequiredFields(def.RequiredFields...), def.Name))
		}
	}
	if f.Guards != nil {
		chain = append(chain, middleware.NewRecovery(f.Guards, nil))
	}
	return chain
}

// Start recovers missed schedules and starts the scheduler loop.
func (f *Forge) Start(ctx context.Context) error {
	if err := f.Scheduler.RecoverMissed(ctx); err != nil {
		f.logger.Warn("schedule recovery failed", slog.String("error", err.Error()))
	}
	return f.Scheduler.Start(ctx)
}

// Close stops the scheduler and releases the state store.
func (f *Forge) Close() error {
	return errors.Join(f.Scheduler.Stop(), f.State.Close())
}

// Router serves metrics, health, breakers and recent errors.
func (f *Forge) Router() http.Handler {
	return telemetry.NewRouter(telemetry.RouterDeps{
		Collector: f.Metrics,
		Health:    f.Health,
		Source:    f.Dispatcher,
		Logger:    f.logger,
	})
}

// Call dispatches one tool.
func (f *Forge) Call(ctx context.Context, tool string, input any) (any, error) {
	return f.Dispatcher.Dispatch(ctx, tool, input)
}

// stateConfig applies a path override to the configured backend.
func stateConfig(cfg *schema.StateConfig, path string) *schema.StateConfig {
	if path == "" {
		return cfg
	}
	if cfg == nil {
		return &schema.StateConfig{Backend: state.BackendLibSQL, Path: path}
	}
	out := *cfg
	if out.Backend == "" || out.Backend == state.BackendMemory {
		out.Backend = state.BackendLibSQL
	}
	out.Path = path
	return &out
}

// builtinTools lists the tool names registered ahead of the config tools.
func builtinTools() map[string]bool {
	names := make(map[string]bool)
	for ns, hs := range handlers.EvalHandlers() {
		for name := range hs {
			names[ns+"."+name] = true
		}
	}
	for name := range handlers.CryptoHandlers() {
		names[handlers.CryptoNamespace+"."+name] = true
	}
	for name := range handlers.StateHandlers(nil) {
		names[handlers.StateNamespace+"."+name] = true
	}
	return names
}

// BuiltinTools returns the sorted names of the built-in tools.
func BuiltinTools() []string {
	m := builtinTools()
	out := make([]string, 0, len(m))
	for name := range m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
