package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"golang.org/x/mod/semver"

	"archive-agent/internal/domain"
	"archive-agent/internal/usecase/eventbus"
)

// AgentSpec describes an agent at registration time.
type AgentSpec struct {
	Name         string
	Capabilities map[string]any
	Version      string // semantic version, with or without the leading "v"
	Handler      domain.AgentHandler
	Metadata     map[string]any
}

type agentRecord struct {
	spec          AgentSpec
	status        domain.AgentState
	lastHeartbeat time.Time
	docs          string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source used for heartbeats.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRegistryEvents publishes registration and status changes on bus.
func WithRegistryEvents(bus domain.EventBus) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// Registry holds registered agents, their handlers and health state.
// Agents live for the lifetime of the process.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentRecord
	order  []string // registration order
	gen    uint64   // bumped whenever the set of names changes
	now    func() time.Time
	bus    domain.EventBus
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		agents: make(map[string]*agentRecord),
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces an agent. The agent comes up online with a
// fresh heartbeat. Re-registering keeps the agent's routing position.
func (r *Registry) Register(spec AgentSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrInvalidInput, "agent name is required")
	}
	spec.Capabilities = maps.Clone(spec.Capabilities)
	spec.Metadata = maps.Clone(spec.Metadata)

	r.mu.Lock()
	if _, exists := r.agents[spec.Name]; !exists {
		r.order = append(r.order, spec.Name)
		r.gen++
	}
	r.agents[spec.Name] = &agentRecord{
		spec:          spec,
		status:        domain.AgentOnline,
		lastHeartbeat: r.now(),
	}
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent", spec.Name, "version", spec.Version, "handler", spec.Handler != nil)
	r.publish(domain.EventAgentRegistered, map[string]any{"agent": spec.Name, "version": spec.Version})
	return nil
}

// Generation changes whenever an agent name is added.
func (r *Registry) Generation() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen
}

// Names returns the agent names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// List returns a snapshot of every agent in registration order.
func (r *Registry) List() []domain.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name].info())
	}
	return out
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(name string) (domain.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[name]
	if !ok {
		return domain.AgentInfo{}, notFound("Registry.Get", name)
	}
	return rec.info(), nil
}

// Capabilities returns the agent's capability map, or nil if unknown.
func (r *Registry) Capabilities(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[name]; ok {
		return maps.Clone(rec.spec.Capabilities)
	}
	return nil
}

// Metadata returns the agent's metadata, or nil if unknown.
func (r *Registry) Metadata(name string) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[name]; ok {
		return maps.Clone(rec.spec.Metadata)
	}
	return nil
}

// UpdateStatus sets the agent's status. Unknown agents are ignored.
func (r *Registry) UpdateStatus(name string, status domain.AgentState) {
	r.mu.Lock()
	rec, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	prev := rec.status
	rec.status = status
	r.mu.Unlock()

	r.statusChanged(name, prev, status)
}

// Status returns the agent's current status.
func (r *Registry) Status(name string) (domain.AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[name]; ok {
		return rec.status, true
	}
	return domain.AgentUnknown, false
}

// ReportStatus returns the status of every agent.
func (r *Registry) ReportStatus() map[string]domain.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.AgentState, len(r.agents))
	for name, rec := range r.agents {
		out[name] = rec.status
	}
	return out
}

// Heartbeat records contact with the agent. An agent that is not online
// is brought back online.
func (r *Registry) Heartbeat(name string) error {
	r.mu.Lock()
	rec, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return notFound("Registry.Heartbeat", name)
	}
	rec.lastHeartbeat = r.now()
	prev := rec.status
	rec.status = domain.AgentOnline
	r.mu.Unlock()

	r.statusChanged(name, prev, domain.AgentOnline)
	return nil
}

// LastHeartbeat returns the time of the agent's last heartbeat.
func (r *Registry) LastHeartbeat(name string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[name]; ok {
		return rec.lastHeartbeat, true
	}
	return time.Time{}, false
}

// CheckHealth reports the agent's status, first marking it offline if its
// last heartbeat is older than threshold. Agents without a heartbeat are
// reported as unknown.
func (r *Registry) CheckHealth(name string, threshold time.Duration) domain.AgentState {
	r.mu.Lock()
	rec, ok := r.agents[name]
	if !ok || rec.lastHeartbeat.IsZero() {
		r.mu.Unlock()
		return domain.AgentUnknown
	}
	prev := rec.status
	if r.now().Sub(rec.lastHeartbeat) > threshold {
		rec.status = domain.AgentOffline
	}
	status := rec.status
	r.mu.Unlock()

	r.statusChanged(name, prev, status)
	return status
}

// Call invokes the agent's handler synchronously.
func (r *Registry) Call(ctx context.Context, name string, req domain.AgentRequest) (resp domain.AgentResponse, err error) {
	r.mu.RLock()
	var h domain.AgentHandler
	if rec, ok := r.agents[name]; ok {
		h = rec.spec.Handler
	}
	r.mu.RUnlock()

	if h == nil {
		return domain.AgentResponse{}, domain.NewSubSystemError("agent", "Registry.Call", domain.ErrNoHandler, name)
	}

	// A panicking handler is reported as a failed call.
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("agent handler panicked", "agent", name, "panic", p)
			resp = domain.AgentResponse{}
			err = domain.NewSubSystemError("agent", "Registry.Call", domain.ErrAgentCommunication,
				fmt.Sprintf("%s: handler panicked: %v", name, p))
		}
	}()
	return h.Handle(ctx, req)
}

// AddDocumentation appends text to the agent's documentation.
func (r *Registry) AddDocumentation(name, doc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.agents[name]; ok {
		rec.docs += doc
	}
}

// Documentation returns the agent's documentation text.
func (r *Registry) Documentation(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.agents[name]; ok {
		return rec.docs
	}
	return ""
}

// VersionCompatible reports whether the agent's version lies within
// [minimum, maximum]. Empty bounds are open. A missing or unparsable
// version, or an unparsable bound, is incompatible.
func (r *Registry) VersionCompatible(name, minimum, maximum string) bool {
	r.mu.RLock()
	rec, ok := r.agents[name]
	var version string
	if ok {
		version = rec.spec.Version
	}
	r.mu.RUnlock()

	return versionInRange(version, minimum, maximum)
}

// FindCompatible returns, in registration order, the agents whose version
// lies within [minimum, maximum].
func (r *Registry) FindCompatible(minimum, maximum string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, name := range r.order {
		if versionInRange(r.agents[name].spec.Version, minimum, maximum) {
			out = append(out, name)
		}
	}
	return out
}

func versionInRange(version, minimum, maximum string) bool {
	v, ok := canonical(version)
	if !ok {
		return false
	}
	if minimum != "" {
		lo, ok := canonical(minimum)
		if !ok || semver.Compare(v, lo) < 0 {
			return false
		}
	}
	if maximum != "" {
		hi, ok := canonical(maximum)
		if !ok || semver.Compare(v, hi) > 0 {
			return false
		}
	}
	return true
}

func canonical(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return semver.Canonical(v), true
}

func (rec *agentRecord) info() domain.AgentInfo {
	return domain.AgentInfo{
		Name:          rec.spec.Name,
		Capabilities:  maps.Clone(rec.spec.Capabilities),
		Version:       rec.spec.Version,
		Status:        rec.status,
		LastHeartbeat: rec.lastHeartbeat,
		HasHandler:    rec.spec.Handler != nil,
		Metadata:      maps.Clone(rec.spec.Metadata),
		Documentation: rec.docs,
	}
}

func (r *Registry) statusChanged(name string, from, to domain.AgentState) {
	if from == to {
		return
	}
	r.logger.Info("agent status changed", "agent", name, "from", string(from), "to", string(to))
	r.publish(domain.EventAgentStatusChanged, map[string]any{"agent": name, "from": from, "to": to})
}

func (r *Registry) publish(t domain.EventType, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(context.Background(), eventbus.NewEvent(t, payload))
}

func notFound(op, name string) error {
	return domain.NewSubSystemError("agent", op, domain.ErrNotFound, name)
}
