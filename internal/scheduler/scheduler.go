// Package scheduler dispatches tools on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/pkg/schema"
)

const (
	DefaultTickInterval = 30 * time.Second
	statePrefix         = "schedule:"
)

// Dispatcher runs one tool call. Satisfied by engine.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, input any) (any, error)
}

// RunStore persists the last run of each job so missed runs can be
// recovered after a restart. Satisfied by state.Manager.
type RunStore interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// Job is the runtime view of a schedule.
type Job struct {
	ID         string     `json:"id"`
	Cron       string     `json:"cron"`
	Tool       string     `json:"tool"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Runs       int        `json:"runs"`

	input    map[string]any
	schedule cron.Schedule
}

// Scheduler polls its jobs on a ticker and dispatches those that are due.
// A job still running from an earlier tick is not started again.
type Scheduler struct {
	dispatcher Dispatcher
	parser     cron.Parser
	logger     *slog.Logger
	store      RunStore
	interval   time.Duration
	now        func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithRunStore records last runs in store.
func WithRunStore(store RunStore) Option {
	return func(s *Scheduler) { s.store = store }
}

// WithTickInterval sets how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

// New creates a Scheduler dispatching through d.
func New(d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher: d,
		parser:     cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval:   DefaultTickInterval,
		now:        time.Now,
		jobs:       make(map[string]*Job),
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	return s
}

// Add registers a schedule. Disabled schedules are ignored.
func (s *Scheduler) Add(def schema.ScheduleDefinition) error {
	if !def.IsEnabled() {
		return nil
	}
	if def.ID == "" {
		return schema.NewValidationError("id", "schedule id is empty")
	}
	if def.Tool == "" {
		return schema.NewValidationError("tool", fmt.Sprintf("schedule %q has no tool", def.ID))
	}
	sched, err := s.parser.Parse(def.CronExpr)
	if err != nil {
		return schema.NewValidationError("cron", fmt.Sprintf("schedule %q: %v", def.ID, err)).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[def.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateName, "schedule %q already registered", def.ID)
	}
	s.jobs[def.ID] = &Job{
		ID:        def.ID,
		Cron:      def.CronExpr,
		Tool:      def.Tool,
		NextRunAt: sched.Next(s.now()),
		input:     def.Input,
		schedule:  sched,
	}
	return nil
}

// Jobs returns a copy of every job sorted by id.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop cancels the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.done = nil
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
	return nil
}

// tick runs every job whose next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, id := range s.due(now) {
		if !s.tryAcquire(id) {
			continue
		}
		s.runJob(ctx, id, now)
		s.releaseJob(id)
	}
}

func (s *Scheduler) due(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, j := range s.jobs {
		if !j.NextRunAt.After(now) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// RunNow dispatches a job immediately, regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeToolNotFound, "schedule %q not found", id)
	}
	if !s.tryAcquire(id) {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q is already running", id)
	}
	defer s.releaseJob(id)
	return s.runJob(ctx, id, s.now())
}

func (s *Scheduler) runJob(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	job := s.jobs[id]
	tool, input := job.Tool, job.input
	s.mu.Unlock()

	ctx = logging.WithTool(ctx, tool)
	s.logger.InfoContext(ctx, schema.EventScheduleFired,
		slog.String("event", schema.EventScheduleFired),
		slog.String("schedule_id", id))

	var in any = map[string]any{}
	if input != nil {
		in = input
	}
	_, err := s.dispatcher.Dispatch(ctx, tool, in)

	status := "success"
	if err != nil {
		status = "error"
		s.logger.ErrorContext(ctx, "scheduled dispatch failed",
			slog.String("schedule_id", id),
			slog.String("error", err.Error()))
	}

	s.mu.Lock()
	ran := now
	job.LastRunAt = &ran
	job.LastStatus = status
	job.LastError = ""
	if err != nil {
		job.LastError = err.Error()
	}
	job.Runs++
	job.NextRunAt = job.schedule.Next(now)
	s.mu.Unlock()

	if s.store != nil {
		if serr := s.store.Set(context.WithoutCancel(ctx), statePrefix+id, now.UTC().Format(time.RFC3339Nano), 0); serr != nil {
			s.logger.WarnContext(ctx, "record schedule run failed",
				slog.String("schedule_id", id),
				slog.String("error", serr.Error()))
		}
	}
	return err
}

// RecoverMissed runs, once, every job whose recorded last run is older than
// its most recent scheduled time. Jobs with no recorded run are skipped.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	now := s.now()

	recovered := 0
	for _, job := range s.Jobs() {
		raw, ok, err := s.store.Get(ctx, statePrefix+job.ID)
		if err != nil {
			return fmt.Errorf("load last run of %q: %w", job.ID, err)
		}
		if !ok {
			continue
		}
		text, _ := raw.(string)
		last, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			s.logger.Warn("invalid recorded run", slog.String("schedule_id", job.ID), slog.String("value", text))
			continue
		}
		if job.schedule.Next(last).After(now) {
			continue
		}
		if !s.tryAcquire(job.ID) {
			continue
		}
		if err := s.runJob(ctx, job.ID, now); err == nil {
			recovered++
		}
		s.releaseJob(job.ID)
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
