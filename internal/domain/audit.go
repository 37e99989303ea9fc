package domain

import (
	"context"
	"time"
)

// AuditEntry records a single dispatch attempt made by the router.
type AuditEntry struct {
	ID        string       `json:"id"`
	Agent     string       `json:"agent"`
	Timestamp time.Time    `json:"timestamp"`
	Request   AgentRequest `json:"request"`
	Success   bool         `json:"success"`
	Error     string       `json:"error,omitempty"`
}

// Trace records the outcome of one top-level routed request, including
// requests rejected before dispatch.
type Trace struct {
	ID       string        `json:"id"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
	Agent    string        `json:"agent,omitempty"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
}

// Metrics are monotonically increasing router counters. A request rejected
// by the rate limiter counts as both a request and a failure.
type Metrics struct {
	Requests  int64 `json:"requests"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditAgentDispatch   AuditEventType = "agent_dispatch"
	AuditAgentRegister   AuditEventType = "agent_register"
	AuditArchiveExtract  AuditEventType = "archive_extract"
	AuditArchiveOffload  AuditEventType = "archive_offload"
	AuditAccessLog       AuditEventType = "access"
	AuditAccessDenied    AuditEventType = "access_denied"
	AuditRateLimited     AuditEventType = "rate_limited"
	AuditStorageCleanup  AuditEventType = "storage_cleanup"
	AuditTraversalDenied AuditEventType = "traversal_denied"
)

// AuditEvent represents a single auditable action written to an audit sink.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	// Compliance fields (optional, zero values omitted).
	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger writes audit events to a persistent log.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
