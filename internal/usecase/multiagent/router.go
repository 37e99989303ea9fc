package multiagent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/tracer"
	"archive-agent/internal/usecase/eventbus"
)

const (
	defaultHistoryLimit = 1000
	rateLimitWindow     = time.Minute
)

// DispatchRecorder receives a copy of every audit entry the router writes.
// security.FileAuditLogger satisfies it.
type DispatchRecorder interface {
	LogDispatch(ctx context.Context, entry domain.AuditEntry) error
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRateLimit caps SendRequest calls per trailing minute. 0 disables it.
func WithRateLimit(requestsPerMinute int) RouterOption {
	return func(r *Router) { r.limiter = newSlidingWindow(requestsPerMinute, rateLimitWindow) }
}

// WithHistoryLimit caps the in-memory audit and trace history. A value
// <= 0 keeps everything.
func WithHistoryLimit(n int) RouterOption {
	return func(r *Router) { r.historyLimit = n }
}

// WithCircuitBreaker wraps every handler registered through the router in a
// circuit breaker.
func WithCircuitBreaker(s BreakerSettings) RouterOption {
	return func(r *Router) { r.breaker = &s }
}

// WithDispatchRecorder forwards audit entries to rec.
func WithDispatchRecorder(rec DispatchRecorder) RouterOption {
	return func(r *Router) { r.recorder = rec }
}

// WithInstruments mirrors the router counters to OpenTelemetry instruments.
func WithInstruments(m *tracer.RouterMetrics) RouterOption {
	return func(r *Router) { r.instruments = m }
}

// WithRouterClock overrides the time source used for rate limiting and
// trace timestamps.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) { r.now = now }
}

// WithRouterEvents publishes an event for every dispatch attempt.
func WithRouterEvents(bus domain.EventBus) RouterOption {
	return func(r *Router) { r.bus = bus }
}

// Router dispatches requests to registered agents in round-robin order,
// retrying failed dispatches on other agents.
type Router struct {
	registry     *Registry
	limiter      *slidingWindow
	historyLimit int
	breaker      *BreakerSettings
	recorder     DispatchRecorder
	instruments  *tracer.RouterMetrics
	bus          domain.EventBus
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	cycle    []string
	cursor   int
	cycleGen uint64
	built    bool
	breakers map[string]*breakerHandler
	audit    []domain.AuditEntry
	traces   []domain.Trace
	metrics  domain.Metrics
}

// NewRouter creates a Router over registry. Without WithRateLimit the
// limiter is disabled.
func NewRouter(registry *Registry, logger *slog.Logger, opts ...RouterOption) *Router {
	r := &Router{
		registry:     registry,
		limiter:      newSlidingWindow(0, rateLimitWindow),
		historyLimit: defaultHistoryLimit,
		now:          time.Now,
		logger:       logger,
		breakers:     make(map[string]*breakerHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the underlying registry.
func (r *Router) Registry() *Registry { return r.registry }

// RegisterAgent registers an agent and rebuilds the routing cycle.
func (r *Router) RegisterAgent(spec AgentSpec) error {
	if r.breaker != nil && spec.Handler != nil {
		bh := newBreakerHandler(spec.Name, spec.Handler, *r.breaker, r.logger)
		spec.Handler = bh
		r.mu.Lock()
		r.breakers[spec.Name] = bh
		r.mu.Unlock()
	}
	if err := r.registry.Register(spec); err != nil {
		return err
	}

	r.mu.Lock()
	r.rebuildLocked()
	r.mu.Unlock()
	return nil
}

// RouteRequest returns the next agent in the cycle, or false when no agent
// is registered.
func (r *Router) RouteRequest(_ domain.AgentRequest) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextLocked()
}

func (r *Router) nextLocked() (string, bool) {
	if !r.built || r.registry.Generation() != r.cycleGen {
		r.rebuildLocked()
	}
	if len(r.cycle) == 0 {
		return "", false
	}
	name := r.cycle[r.cursor%len(r.cycle)]
	r.cursor = (r.cursor + 1) % len(r.cycle)
	return name, true
}

// rebuildLocked restarts the cycle from the registry's current names.
func (r *Router) rebuildLocked() {
	r.cycleGen = r.registry.Generation()
	r.cycle = r.registry.Names()
	r.cursor = 0
	r.built = true
}

// SendRequest dispatches req to up to retries+1 distinct agents and returns
// the first successful response. The rate limit is checked before any
// agent is contacted.
func (r *Router) SendRequest(ctx context.Context, req domain.AgentRequest, retries int) (resp domain.AgentResponse, err error) {
	ctx, span := tracer.StartSpan(ctx, "router.send_request",
		trace.WithAttributes(tracer.IntAttr("router.retries", retries)))
	defer func() { tracer.End(span, err) }()

	start := r.now()
	tr := domain.Trace{ID: ulid.Make().String(), Start: start}

	r.mu.Lock()
	r.metrics.Requests++
	r.mu.Unlock()
	r.count(ctx, r.requestsCounter())

	if !r.limiter.Allow(start) {
		r.mu.Lock()
		r.metrics.Failures++
		r.mu.Unlock()
		r.count(ctx, r.failuresCounter())
		tr.Error = "rate_limit"
		r.finishTrace(ctx, tr)
		r.logger.Warn("request rejected by rate limiter", "file_path", req.FilePath)
		return domain.AgentResponse{}, domain.NewDomainError("Router.SendRequest", domain.ErrRateLimit, "")
	}

	var (
		tried = make(map[string]bool)
		cerr  = &domain.AgentCommunicationError{}
	)
	for attempt := 0; attempt <= retries; {
		if ctxErr := ctx.Err(); ctxErr != nil {
			cerr.Last = ctxErr
			break
		}
		name, ok := r.RouteRequest(req)
		if !ok || tried[name] {
			break
		}
		tried[name] = true
		cerr.Attempted = append(cerr.Attempted, name)

		resp, callErr := r.registry.Call(ctx, name, req)
		if callErr == nil {
			if hbErr := r.registry.Heartbeat(name); hbErr != nil {
				r.logger.Debug("heartbeat after dispatch failed", "agent", name, "error", hbErr)
			}
			r.mu.Lock()
			r.metrics.Successes++
			r.mu.Unlock()
			r.count(ctx, r.successesCounter())
			r.recordAttempt(ctx, name, req, nil)

			tr.Agent = name
			tr.Success = true
			r.finishTrace(ctx, tr)
			span.SetAttributes(tracer.StringAttr("router.agent", name))
			return resp, nil
		}

		cerr.Last = callErr
		r.registry.UpdateStatus(name, domain.AgentError)
		r.mu.Lock()
		r.metrics.Failures++
		r.mu.Unlock()
		r.count(ctx, r.failuresCounter())
		r.recordAttempt(ctx, name, req, callErr)
		r.logger.Warn("agent dispatch failed", "agent", name, "attempt", attempt+1, "error", callErr)
		attempt++
	}

	if cerr.Last != nil {
		tr.Error = cerr.Last.Error()
	} else {
		tr.Error = domain.ErrNoAgents.Error()
	}
	r.finishTrace(ctx, tr)
	return domain.AgentResponse{}, cerr
}

// AuditLog returns the most recent limit audit entries, oldest first.
// limit <= 0 returns all retained entries.
func (r *Router) AuditLog(limit int) []domain.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return tail(r.audit, limit)
}

// Traces returns the most recent limit traces, oldest first.
func (r *Router) Traces(limit int) []domain.Trace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return tail(r.traces, limit)
}

// Metrics returns a snapshot of the router counters.
func (r *Router) Metrics() domain.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// BreakerStates returns the circuit state of every breaker-wrapped agent.
func (r *Router) BreakerStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]string, len(r.breakers))
	for name, bh := range r.breakers {
		out[name] = bh.State().String()
	}
	return out
}

func (r *Router) recordAttempt(ctx context.Context, agent string, req domain.AgentRequest, callErr error) {
	entry := domain.AuditEntry{
		ID:        ulid.Make().String(),
		Agent:     agent,
		Timestamp: r.now(),
		Request:   req,
		Success:   callErr == nil,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	r.mu.Lock()
	r.audit = appendCapped(r.audit, entry, r.historyLimit)
	r.mu.Unlock()

	if r.recorder != nil {
		if err := r.recorder.LogDispatch(ctx, entry); err != nil {
			r.logger.Warn("audit sink write failed", "error", err)
		}
	}
	if r.bus != nil {
		r.bus.Publish(ctx, eventbus.NewEvent(domain.EventAgentRouted, map[string]any{
			"agent":   agent,
			"success": entry.Success,
			"error":   entry.Error,
		}))
	}
}

func (r *Router) finishTrace(ctx context.Context, tr domain.Trace) {
	tr.End = r.now()
	tr.Duration = tr.End.Sub(tr.Start)

	r.mu.Lock()
	r.traces = appendCapped(r.traces, tr, r.historyLimit)
	r.mu.Unlock()

	if r.instruments != nil {
		r.instruments.Duration.Record(ctx, tr.Duration.Seconds())
	}
}

func (r *Router) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func (r *Router) requestsCounter() metric.Int64Counter {
	if r.instruments == nil {
		return nil
	}
	return r.instruments.Requests
}

func (r *Router) successesCounter() metric.Int64Counter {
	if r.instruments == nil {
		return nil
	}
	return r.instruments.Successes
}

func (r *Router) failuresCounter() metric.Int64Counter {
	if r.instruments == nil {
		return nil
	}
	return r.instruments.Failures
}

func appendCapped[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if limit > 0 && len(s) > limit {
		s = append(s[:0:0], s[len(s)-limit:]...)
	}
	return s
}

func tail[T any](s []T, limit int) []T {
	if limit <= 0 || limit >= len(s) {
		return append([]T(nil), s...)
	}
	return append([]T(nil), s[len(s)-limit:]...)
}
