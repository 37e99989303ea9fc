package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"archive-agent/internal/domain"
	"archive-agent/internal/usecase/eventbus"
)

// Broker is the single dispatch entry point for outer surfaces. Requests
// that name an agent go straight to it; everything else is routed
// round-robin through the Router.
type Broker struct {
	router *Router
	bus    domain.EventBus
	logger *slog.Logger
}

// NewBroker creates a Broker in front of router. bus may be nil.
func NewBroker(router *Router, bus domain.EventBus, logger *slog.Logger) *Broker {
	return &Broker{router: router, bus: bus, logger: logger}
}

// Router returns the underlying router.
func (b *Broker) Router() *Router { return b.router }

// Target returns the agent a request is addressed to, if any. An explicit
// Agent field wins; otherwise a leading "@name" in the request text selects
// a registered agent. The returned request has the prefix stripped.
func (b *Broker) Target(req domain.AgentRequest) (string, domain.AgentRequest) {
	if req.Agent != "" {
		return req.Agent, req
	}
	text := strings.TrimSpace(req.RequestText)
	if !strings.HasPrefix(text, "@") {
		return "", req
	}
	name, rest, _ := strings.Cut(text[1:], " ")
	if _, ok := b.router.Registry().Status(name); !ok {
		return "", req
	}
	req.Agent = name
	req.RequestText = strings.TrimSpace(rest)
	return name, req
}

// Dispatch delivers req. Addressed requests are sent to their agent once,
// without retries or rate limiting; the agent's health is updated from the
// outcome the same way the router does it.
func (b *Broker) Dispatch(ctx context.Context, req domain.AgentRequest, retries int) (domain.AgentResponse, error) {
	target, req := b.Target(req)
	if target == "" {
		return b.router.SendRequest(ctx, req, retries)
	}

	registry := b.router.Registry()
	b.logger.Info("delegating request", "agent", target, "file_path", req.FilePath)
	resp, err := registry.Call(ctx, target, req)
	b.publish(ctx, target, err)
	if err != nil {
		registry.UpdateStatus(target, domain.AgentError)
		return domain.AgentResponse{}, fmt.Errorf("broker: agent %q: %w", target, err)
	}
	if hbErr := registry.Heartbeat(target); hbErr != nil {
		b.logger.Debug("heartbeat after delegation failed", "agent", target, "error", hbErr)
	}
	return resp, nil
}

func (b *Broker) publish(ctx context.Context, agent string, err error) {
	if b.bus == nil {
		return
	}
	payload := map[string]any{"agent": agent, "success": err == nil}
	if err != nil {
		payload["error"] = err.Error()
	}
	b.bus.Publish(ctx, eventbus.NewEvent(domain.EventAgentDelegated, payload))
}
