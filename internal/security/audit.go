package security

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/tracer"
)

// RetentionPolicy controls how long audit records are kept.
type RetentionPolicy struct {
	MaxAge  time.Duration // 0 = no limit
	MaxSize int64         // bytes; 0 = no limit
}

// FileAuditLogger implements domain.AuditLogger as an append-only JSONL file.
type FileAuditLogger struct {
	mu        sync.Mutex
	file      *os.File
	path      string
	retention *RetentionPolicy
	now       func() time.Time
}

// NewFileAuditLogger opens (creating with 0600 if needed) the audit log at path.
func NewFileAuditLogger(path string) (*FileAuditLogger, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileAuditLogger{file: f, path: path, now: time.Now}, nil
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
}

// SetRetention configures the policy applied by EnforceRetention.
func (a *FileAuditLogger) SetRetention(policy RetentionPolicy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = &policy
}

// Log appends event as one JSON line and mirrors it as an event on the
// active span, if any.
func (a *FileAuditLogger) Log(ctx context.Context, event domain.AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	a.mu.Lock()
	_, err = a.file.Write(append(data, '\n'))
	a.mu.Unlock()
	if err != nil {
		return domain.NewDomainError("FileAuditLogger.Log", domain.ErrAuditWrite, err.Error())
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		attrs := make([]attribute.KeyValue, 0, len(event.Detail)+1)
		attrs = append(attrs, tracer.StringAttr("audit.outcome", event.Outcome))
		for k, v := range event.Detail {
			attrs = append(attrs, tracer.StringAttr("audit."+k, v))
		}
		span.AddEvent("audit."+string(event.Type), trace.WithAttributes(attrs...))
	}
	return nil
}

// LogDispatch records one router dispatch attempt.
func (a *FileAuditLogger) LogDispatch(ctx context.Context, entry domain.AuditEntry) error {
	outcome := "success"
	if !entry.Success {
		outcome = "failure"
	}
	detail := map[string]string{"entry_id": entry.ID}
	if entry.Request.FilePath != "" {
		detail["file_path"] = entry.Request.FilePath
	}
	if entry.Error != "" {
		detail["error"] = entry.Error
	}
	return a.Log(ctx, domain.AuditEvent{
		Timestamp: entry.Timestamp,
		Type:      domain.AuditAgentDispatch,
		Actor:     "router",
		Resource:  entry.Agent,
		Action:    "dispatch",
		Outcome:   outcome,
		Detail:    detail,
	})
}

// LogAccess records an access decision.
func (a *FileAuditLogger) LogAccess(ctx context.Context, actor, resource, action, outcome string) error {
	typ := domain.AuditAccessLog
	if outcome == "denied" {
		typ = domain.AuditAccessDenied
	}
	return a.Log(ctx, domain.AuditEvent{
		Type:     typ,
		Actor:    actor,
		Resource: resource,
		Action:   action,
		Outcome:  outcome,
	})
}

// Close closes the underlying file.
func (a *FileAuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// EnforceRetention rewrites the log keeping only records allowed by the
// retention policy: records older than MaxAge are dropped, then the oldest
// records are dropped until the file fits MaxSize. It returns the number of
// records removed.
func (a *FileAuditLogger) EnforceRetention(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.retention == nil {
		return 0, nil
	}
	policy := *a.retention

	var cutoff time.Time
	if policy.MaxAge > 0 {
		cutoff = a.now().Add(-policy.MaxAge)
	}

	lines, err := readLines(a.path)
	if err != nil {
		return 0, err
	}

	kept := lines[:0]
	var size int64
	removed := 0
	for _, line := range lines {
		if !cutoff.IsZero() && recordBefore(line, cutoff) {
			removed++
			continue
		}
		kept = append(kept, line)
		size += int64(len(line)) + 1
	}
	for policy.MaxSize > 0 && size > policy.MaxSize && len(kept) > 0 {
		size -= int64(len(kept[0])) + 1
		kept = kept[1:]
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := a.rewrite(kept); err != nil {
		return 0, err
	}
	return removed, nil
}

func (a *FileAuditLogger) rewrite(lines []string) error {
	tmp := a.path + ".tmp"
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("write retained audit log: %w", err)
	}

	if err := a.file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close for retention: %w", err)
	}
	renameErr := os.Rename(tmp, a.path)
	if renameErr != nil {
		os.Remove(tmp)
	}

	f, err := openAppend(a.path)
	if err != nil {
		return fmt.Errorf("reopen after retention: %w", err)
	}
	a.file = f
	if renameErr != nil {
		return fmt.Errorf("rename retained audit log: %w", renameErr)
	}
	return nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return lines, nil
}

func recordBefore(line string, cutoff time.Time) bool {
	var rec struct {
		Timestamp time.Time `json:"timestamp"`
	}
	if json.Unmarshal([]byte(line), &rec) != nil || rec.Timestamp.IsZero() {
		return false
	}
	return rec.Timestamp.Before(cutoff)
}

// ParseRetentionMaxSize parses sizes such as "100MB", "1GB", "512KB" or "42".
func ParseRetentionMaxSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	units := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	mult := int64(1)
	for _, u := range units {
		if strings.HasSuffix(s, u.suffix) {
			mult = u.mult
			s = strings.TrimSuffix(s, u.suffix)
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return n * mult, nil
}
