package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rendis/toolforge/internal/logging"
	"github.com/rendis/toolforge/internal/resilience"
)

const defaultRecentErrors = 50

// Source is the dispatcher view the observability API reads from.
type Source interface {
	BreakerSnapshots() []resilience.BreakerSnapshot
	ErrorStats() resilience.ErrorStats
	RecentErrors(n int) []resilience.TrackedError
}

// RouterDeps holds what the observability router serves. Nil fields drop
// their routes.
type RouterDeps struct {
	Collector *Collector
	Health    *Health
	Source    Source
	Logger    *slog.Logger
}

// NewRouter builds the observability API:
//
//	GET /metrics   Prometheus exposition
//	GET /stats     per-tool request summary
//	GET /healthz   aggregated health, 503 when unhealthy
//	GET /breakers  circuit breaker snapshots
//	GET /errors    error tracker stats and the most recent errors (?limit=n)
func NewRouter(deps RouterDeps) http.Handler {
	logger := logging.OrDefault(deps.Logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	if deps.Collector != nil {
		r.Method(http.MethodGet, "/metrics", deps.Collector.Handler())
		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, deps.Collector.Summary())
		})
	}
	if deps.Health != nil {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			report := deps.Health.Report(r.Context())
			writeJSON(w, report.Status.HTTPStatus(), report)
		})
	}
	if deps.Source != nil {
		r.Get("/breakers", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"breakers": deps.Source.BreakerSnapshots()})
		})
		r.Get("/errors", func(w http.ResponseWriter, r *http.Request) {
			limit := queryInt(r, "limit", defaultRecentErrors)
			writeJSON(w, http.StatusOK, map[string]any{
				"stats":  deps.Source.ErrorStats(),
				"recent": deps.Source.RecentErrors(limit),
			})
		})
	}
	return r
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	logger = logging.OrDefault(logger)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("observability server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
