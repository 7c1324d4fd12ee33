package version

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Health aggregation values.
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HandlerHealth reports one handler's health probe result.
type HandlerHealth struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthStatus aggregates both version handlers' health.
type HealthStatus struct {
	Overall   string                    `json:"overall"`
	Versions  map[Version]HandlerHealth `json:"versions"`
	CheckedAt time.Time                 `json:"checked_at"`
}

// RouterRecorder receives routing counters. Satisfied by metrics.Metrics.
type RouterRecorder interface {
	RecordRouterRequest(version string, status int, elapsed time.Duration)
}

// Router is the top-level façade wiring detector, middleware pipeline, the
// two registered version handlers, and the error funnel.
//
// Route never panics and never surfaces an error: every failure mode,
// including missing handler registration, resolves to a structured Response.
type Router struct {
	detector *Detector
	pipeline *Pipeline
	errors   *errorHandler
	recorder RouterRecorder
	log      *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[Version]Handler
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the router's logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// WithRecorder attaches a routing metrics recorder.
func WithRecorder(recorder RouterRecorder) RouterOption {
	return func(r *Router) { r.recorder = recorder }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a Router with the standard validation and logging
// middlewares installed. flags may be nil (see NewDetector).
func NewRouter(cfg Config, flags FlagEvaluator, opts ...RouterOption) *Router {
	if cfg.DefaultVersion == "" {
		cfg.DefaultVersion = V1
	}

	r := &Router{
		log:      slog.Default(),
		now:      time.Now,
		recorder: noopRouterRecorder{},
		handlers: make(map[Version]Handler, 2),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.detector = NewDetector(cfg, flags, r.log)
	r.pipeline = NewPipeline(r.detector)
	r.errors = &errorHandler{
		environment: cfg.Environment,
		fallback:    V1,
		log:         r.log,
		now:         r.now,
	}

	r.Use(ValidationMiddleware())
	r.Use(LoggingMiddleware(r.log))

	return r
}

// Use appends a middleware to the routing pipeline.
func (r *Router) Use(mw Middleware) {
	r.pipeline.Use(mw)
}

// RegisterHandler installs the handler for a version, replacing any previous
// registration.
func (r *Router) RegisterHandler(v Version, h Handler) {
	r.mu.Lock()
	r.handlers[v] = h
	r.mu.Unlock()
}

// Route processes one request and always returns a structured response.
func (r *Router) Route(ctx context.Context, req *Request) *Response {
	start := r.now()
	resp := r.route(ctx, req)
	r.recorder.RecordRouterRequest(string(resp.Version), resp.Status, r.now().Sub(start))
	return resp
}

func (r *Router) route(ctx context.Context, req *Request) (resp *Response) {
	defer func() {
		if recovered := recover(); recovered != nil {
			resp = r.errors.handle(fmt.Errorf("panic during routing: %v", recovered))
		}
	}()

	if req == nil {
		return r.errors.handle(&ValidationError{Message: "request is required"})
	}

	r.mu.RLock()
	v1, v2 := r.handlers[V1], r.handlers[V2]
	r.mu.RUnlock()

	if v1 == nil || v2 == nil {
		return r.errors.handle(ErrHandlersNotRegistered)
	}

	response, err := r.pipeline.Process(ctx, req, v1, v2)
	if err != nil {
		return r.errors.handle(err)
	}

	return response
}

// HealthCheck probes both handlers and aggregates: healthy when both report
// healthy, unhealthy when both fail, degraded otherwise. Unregistered
// handlers count as failed probes.
func (r *Router) HealthCheck(ctx context.Context) HealthStatus {
	r.mu.RLock()
	v1, v2 := r.handlers[V1], r.handlers[V2]
	r.mu.RUnlock()

	status := HealthStatus{
		Versions:  make(map[Version]HandlerHealth, 2),
		CheckedAt: r.now(),
	}

	status.Versions[V1] = probe(ctx, v1)
	status.Versions[V2] = probe(ctx, v2)

	switch {
	case status.Versions[V1].Healthy && status.Versions[V2].Healthy:
		status.Overall = HealthHealthy
	case !status.Versions[V1].Healthy && !status.Versions[V2].Healthy:
		status.Overall = HealthUnhealthy
	default:
		status.Overall = HealthDegraded
	}

	return status
}

func probe(ctx context.Context, h Handler) (health HandlerHealth) {
	defer func() {
		if recovered := recover(); recovered != nil {
			health = HandlerHealth{Error: fmt.Sprintf("panic: %v", recovered)}
		}
	}()

	if h == nil {
		return HandlerHealth{Error: "handler not registered"}
	}
	if err := h.HealthCheck(ctx); err != nil {
		return HandlerHealth{Error: err.Error()}
	}
	return HandlerHealth{Healthy: true}
}

type noopRouterRecorder struct{}

func (noopRouterRecorder) RecordRouterRequest(string, int, time.Duration) {}
