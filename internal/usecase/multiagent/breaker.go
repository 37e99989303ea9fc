package multiagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"archive-agent/internal/domain"
)

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
)

// BreakerSettings configures the per-agent circuit breaker.
type BreakerSettings struct {
	MaxFailures uint32        // consecutive failures before the circuit opens
	Timeout     time.Duration // open period before a half-open probe
}

// breakerHandler guards an agent handler with a circuit breaker. While the
// circuit is open calls fail fast without reaching the handler.
type breakerHandler struct {
	agent   string
	inner   domain.AgentHandler
	breaker *gobreaker.CircuitBreaker[domain.AgentResponse]
}

func newBreakerHandler(agent string, inner domain.AgentHandler, s BreakerSettings, logger *slog.Logger) *breakerHandler {
	maxFailures := s.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := s.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}

	cb := gobreaker.NewCircuitBreaker[domain.AgentResponse](gobreaker.Settings{
		Name:        "agent:" + agent,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
		// A canceled caller says nothing about the agent's health.
		IsExcluded: func(err error) bool {
			return errors.Is(err, context.Canceled)
		},
	})
	return &breakerHandler{agent: agent, inner: inner, breaker: cb}
}

func (h *breakerHandler) Handle(ctx context.Context, req domain.AgentRequest) (domain.AgentResponse, error) {
	resp, err := h.breaker.Execute(func() (domain.AgentResponse, error) {
		return h.inner.Handle(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.AgentResponse{}, fmt.Errorf("agent %q circuit open: %w", h.agent, err)
	}
	return resp, err
}

func (h *breakerHandler) State() gobreaker.State { return h.breaker.State() }
