package multiagent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/logger"
	"archive-agent/internal/infra/tracer"
	"archive-agent/internal/usecase/eventbus"
)

type countingHandler struct {
	calls atomic.Int32
	inner domain.AgentHandler
}

func (h *countingHandler) Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	h.calls.Add(1)
	return h.inner.Handle(ctx, req)
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	err     error
}

func (s *recordingSink) LogDispatch(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func newTestRouter(t *testing.T, opts ...RouterOption) *Router {
	t.Helper()
	return NewRouter(NewRegistry(logger.Discard()), logger.Discard(), opts...)
}

func TestRouteRequestRoundRobin(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: echo("A")}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "B", Handler: echo("B")}))

	var got []string
	for range 4 {
		name, ok := r.RouteRequest(domain.AgentRequest{})
		require.True(t, ok)
		got = append(got, name)
	}
	assert.Equal(t, []string{"A", "B", "A", "B"}, got)
}

func TestRouteRequestEmpty(t *testing.T) {
	r := newTestRouter(t)
	name, ok := r.RouteRequest(domain.AgentRequest{})
	assert.False(t, ok)
	assert.Empty(t, name)
}

func TestRouteRequestFollowsRegistryChanges(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A"}))
	name, _ := r.RouteRequest(domain.AgentRequest{})
	assert.Equal(t, "A", name)

	// Registered behind the router's back; the cycle restarts from the
	// current names.
	require.NoError(t, r.Registry().Register(AgentSpec{Name: "B"}))
	var got []string
	for range 3 {
		name, _ := r.RouteRequest(domain.AgentRequest{})
		got = append(got, name)
	}
	assert.Equal(t, []string{"A", "B", "A"}, got)
}

func TestSendRequestRoundRobin(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: echo("A")}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "B", Handler: echo("B")}))

	var got []any
	for range 4 {
		resp, err := r.SendRequest(context.Background(), domain.AgentRequest{RequestText: "x"}, 0)
		require.NoError(t, err)
		got = append(got, resp.Data)
	}
	assert.Equal(t, []any{"A", "B", "A", "B"}, got)
	assert.Equal(t, domain.Metrics{Requests: 4, Successes: 4}, r.Metrics())
}

func TestSendRequestRetriesOnAnotherAgent(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "bad", Handler: failing("disk on fire")}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "good", Handler: echo("good")}))

	resp, err := r.SendRequest(context.Background(), domain.AgentRequest{FilePath: "a.zip"}, 1)
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Data)

	st, _ := r.Registry().Status("bad")
	assert.Equal(t, domain.AgentError, st)
	st, _ = r.Registry().Status("good")
	assert.Equal(t, domain.AgentOnline, st)

	assert.Equal(t, domain.Metrics{Requests: 1, Successes: 1, Failures: 1}, r.Metrics())

	audit := r.AuditLog(0)
	require.Len(t, audit, 2)
	assert.Equal(t, "bad", audit[0].Agent)
	assert.False(t, audit[0].Success)
	assert.Equal(t, "disk on fire", audit[0].Error)
	assert.Equal(t, "good", audit[1].Agent)
	assert.True(t, audit[1].Success)
	assert.Equal(t, "a.zip", audit[1].Request.FilePath)
	assert.NotEqual(t, audit[0].ID, audit[1].ID)

	traces := r.Traces(0)
	require.Len(t, traces, 1)
	assert.True(t, traces[0].Success)
	assert.Equal(t, "good", traces[0].Agent)
}

func TestSendRequestHandlerPanic(t *testing.T) {
	r := newTestRouter(t)
	boom := domain.HandlerFunc(func(context.Context, domain.AgentRequest) (domain.AgentResponse, error) {
		panic("nil map")
	})
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "boom", Handler: boom}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "good", Handler: echo("good")}))

	resp, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 1)
	require.NoError(t, err)
	assert.Equal(t, "good", resp.Data)

	st, _ := r.Registry().Status("boom")
	assert.Equal(t, domain.AgentError, st)
	assert.Equal(t, domain.Metrics{Requests: 1, Successes: 1, Failures: 1}, r.Metrics())

	audit := r.AuditLog(0)
	require.Len(t, audit, 2)
	assert.Equal(t, "boom", audit[0].Agent)
	assert.False(t, audit[0].Success)
	assert.Contains(t, audit[0].Error, "handler panicked: nil map")
	require.Len(t, r.Traces(0), 1)

	_, err = r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	require.Error(t, err, "round robin lands on the panicking agent again")
	assert.ErrorIs(t, err, domain.ErrAgentCommunication)
	assert.Len(t, r.Traces(0), 2)
}

func TestSendRequestExhaustion(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "x", Handler: failing("x down")}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "y", Handler: failing("y down")}))

	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAgentCommunication)
	assert.NotErrorIs(t, err, domain.ErrNoAgents)

	var cerr *domain.AgentCommunicationError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, []string{"x", "y"}, cerr.Attempted)
	assert.EqualError(t, cerr.Last, "y down")

	traces := r.Traces(0)
	require.Len(t, traces, 1)
	assert.False(t, traces[0].Success)
	assert.Equal(t, "y down", traces[0].Error)
	assert.Equal(t, domain.Metrics{Requests: 1, Failures: 2}, r.Metrics())
}

func TestSendRequestRetryBudget(t *testing.T) {
	r := newTestRouter(t)
	a := &countingHandler{inner: failing("a")}
	b := &countingHandler{inner: failing("b")}
	c := &countingHandler{inner: echo("c")}
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "a", Handler: a}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "b", Handler: b}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "c", Handler: c}))

	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 1)
	assert.ErrorIs(t, err, domain.ErrAgentCommunication)
	assert.EqualValues(t, 1, a.calls.Load())
	assert.EqualValues(t, 1, b.calls.Load())
	assert.EqualValues(t, 0, c.calls.Load(), "retries=1 allows two attempts")
}

func TestSendRequestNeverRetriesSameAgent(t *testing.T) {
	r := newTestRouter(t)
	h := &countingHandler{inner: failing("nope")}
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "only", Handler: h}))

	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 5)
	assert.ErrorIs(t, err, domain.ErrAgentCommunication)
	assert.EqualValues(t, 1, h.calls.Load())
}

func TestSendRequestNoAgents(t *testing.T) {
	r := newTestRouter(t)
	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 2)
	assert.ErrorIs(t, err, domain.ErrAgentCommunication)
	assert.ErrorIs(t, err, domain.ErrNoAgents)
	assert.Equal(t, domain.CodeAgentCommunication, domain.ErrorCodeOf(err))

	traces := r.Traces(0)
	require.Len(t, traces, 1)
	assert.Equal(t, domain.ErrNoAgents.Error(), traces[0].Error)
	assert.Empty(t, r.AuditLog(0))
}

func TestSendRequestMissingHandler(t *testing.T) {
	r := newTestRouter(t)
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "bare"}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "ok", Handler: echo("ok")}))

	resp, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 1)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Data)
	assert.Contains(t, r.AuditLog(0)[0].Error, domain.ErrNoHandler.Error())
}

func TestSendRequestRateLimit(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, WithRateLimit(1), WithRouterClock(clock.Now))
	h := &countingHandler{inner: echo("A")}
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: h}))

	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	require.NoError(t, err)

	_, err = r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimit)
	assert.True(t, domain.IsRetryableError(err))
	assert.EqualValues(t, 1, h.calls.Load(), "no agent is contacted when rate limited")
	assert.Equal(t, domain.Metrics{Requests: 2, Successes: 1, Failures: 1}, r.Metrics())

	traces := r.Traces(1)
	require.Len(t, traces, 1)
	assert.Equal(t, "rate_limit", traces[0].Error)
	assert.False(t, traces[0].Success)

	clock.Advance(61 * time.Second)
	_, err = r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	assert.NoError(t, err)
}

func TestSendRequestRejectionsDoNotExtendWindow(t *testing.T) {
	clock := newFakeClock()
	r := newTestRouter(t, WithRateLimit(1), WithRouterClock(clock.Now))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: echo("A")}))

	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	require.NoError(t, err)
	clock.Advance(50 * time.Second)
	_, err = r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	require.ErrorIs(t, err, domain.ErrRateLimit)

	// 61s after the admitted request, though only 11s after the rejected one.
	clock.Advance(11 * time.Second)
	_, err = r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	assert.NoError(t, err)
}

func TestSendRequestHistoryLimit(t *testing.T) {
	r := newTestRouter(t, WithHistoryLimit(3))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: echo("A")}))

	for i := range 5 {
		_, err := r.SendRequest(context.Background(), domain.AgentRequest{RequestText: string(rune('a' + i))}, 0)
		require.NoError(t, err)
	}

	audit := r.AuditLog(0)
	require.Len(t, audit, 3)
	assert.Equal(t, "c", audit[0].Request.RequestText)
	assert.Equal(t, "e", audit[2].Request.RequestText)
	assert.Len(t, r.Traces(0), 3)

	last := r.AuditLog(2)
	require.Len(t, last, 2)
	assert.Equal(t, "d", last[0].Request.RequestText)
	assert.Len(t, r.AuditLog(10), 3)
	assert.EqualValues(t, 5, r.Metrics().Requests)
}

func TestSendRequestCircuitBreaker(t *testing.T) {
	r := newTestRouter(t, WithCircuitBreaker(BreakerSettings{MaxFailures: 2, Timeout: time.Hour}))
	h := &countingHandler{inner: failing("flaky")}
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "flaky", Handler: h}))

	for range 2 {
		_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
		require.Error(t, err)
	}
	assert.Equal(t, "open", r.BreakerStates()["flaky"])

	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, domain.ErrAgentCommunication)
	assert.EqualValues(t, 2, h.calls.Load(), "open circuit fails fast")
}

func TestSendRequestBreakerIgnoresCancellation(t *testing.T) {
	r := newTestRouter(t, WithCircuitBreaker(BreakerSettings{MaxFailures: 1}))
	canceled := domain.HandlerFunc(func(context.Context, domain.AgentRequest) (domain.AgentResponse, error) {
		return domain.AgentResponse{}, context.Canceled
	})
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "a", Handler: canceled}))

	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	require.Error(t, err)
	assert.Equal(t, "closed", r.BreakerStates()["a"])
}

func TestSendRequestCanceledContext(t *testing.T) {
	r := newTestRouter(t)
	h := &countingHandler{inner: echo("A")}
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: h}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.SendRequest(ctx, domain.AgentRequest{}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, domain.ErrAgentCommunication)
	assert.EqualValues(t, 0, h.calls.Load())
}

func TestSendRequestHeartbeatsOnSuccess(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(logger.Discard(), WithClock(clock.Now))
	r := NewRouter(reg, logger.Discard())
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: echo("A")}))

	clock.Advance(time.Hour)
	reg.UpdateStatus("A", domain.AgentOffline)
	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	require.NoError(t, err)

	st, _ := reg.Status("A")
	assert.Equal(t, domain.AgentOnline, st)
	hb, _ := reg.LastHeartbeat("A")
	assert.Equal(t, clock.Now(), hb)
}

func TestSendRequestDispatchRecorder(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	r := newTestRouter(t, WithDispatchRecorder(sink))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "bad", Handler: failing("x")}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "good", Handler: echo("good")}))

	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 1)
	require.NoError(t, err, "sink failures are not fatal")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.entries, 2)
	assert.Equal(t, r.AuditLog(0), sink.entries)
}

func TestSendRequestPublishesRoutedEvents(t *testing.T) {
	bus := eventbus.New(logger.Discard())
	var routed atomic.Int32
	bus.Subscribe(domain.EventAgentRouted, func(context.Context, domain.Event) { routed.Add(1) })

	r := newTestRouter(t, WithRouterEvents(bus))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "bad", Handler: failing("x")}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "good", Handler: echo("good")}))
	_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 1)
	require.NoError(t, err)
	bus.Close()

	assert.EqualValues(t, 2, routed.Load())
}

func TestSendRequestWithInstruments(t *testing.T) {
	m, err := tracer.NewRouterMetrics()
	require.NoError(t, err)
	r := newTestRouter(t, WithInstruments(m), WithRateLimit(1))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: echo("A")}))

	_, err = r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	require.NoError(t, err)
	_, err = r.SendRequest(context.Background(), domain.AgentRequest{}, 0)
	assert.ErrorIs(t, err, domain.ErrRateLimit)
}

func TestSendRequestConcurrent(t *testing.T) {
	r := newTestRouter(t)
	a := &countingHandler{inner: echo("A")}
	b := &countingHandler{inner: echo("B")}
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "A", Handler: a}))
	require.NoError(t, r.RegisterAgent(AgentSpec{Name: "B", Handler: b}))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.SendRequest(context.Background(), domain.AgentRequest{}, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, domain.Metrics{Requests: 50, Successes: 50}, r.Metrics())
	assert.EqualValues(t, 25, a.calls.Load())
	assert.EqualValues(t, 25, b.calls.Load())
}

func TestSlidingWindow(t *testing.T) {
	w := newSlidingWindow(2, time.Minute)
	start := time.Unix(0, 0)

	assert.True(t, w.Allow(start))
	assert.True(t, w.Allow(start.Add(time.Second)))
	assert.False(t, w.Allow(start.Add(2*time.Second)))
	assert.True(t, w.Allow(start.Add(time.Minute)), "an entry exactly one window old has expired")
	assert.False(t, w.Allow(start.Add(time.Minute+time.Millisecond)))

	unlimited := newSlidingWindow(0, time.Minute)
	for range 100 {
		assert.True(t, unlimited.Allow(start))
	}
}
