package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrLimitReached = fmt.Errorf("limit reached")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Archive extraction errors.
var (
	ErrUnsupportedArchive = fmt.Errorf("unsupported archive type")
	ErrCorruptArchive     = fmt.Errorf("corrupted archive")
	ErrTooManyMembers     = fmt.Errorf("archive contains too many files")
	ErrPathTraversal      = fmt.Errorf("attempted path traversal in archive")
	ErrArchiveTooLarge    = fmt.Errorf("archive exceeds configured size limit")
	ErrPasswordRequired   = fmt.Errorf("archive password required")
	ErrPathOutsideSandbox = fmt.Errorf("path is outside sandbox boundary")
)

// Agent routing errors.
var (
	ErrNoHandler          = fmt.Errorf("no handler registered for agent")
	ErrRateLimit          = fmt.Errorf("rate limit exceeded")
	ErrAgentCommunication = fmt.Errorf("agent communication failed")
	ErrNoAgents           = fmt.Errorf("no agents available")
)

// Infrastructure errors.
var (
	ErrConfigLoad     = fmt.Errorf("failed to load configuration")
	ErrStorageUpload  = fmt.Errorf("storage upload failed")
	ErrStorageCleanup = fmt.Errorf("storage cleanup failed")
	ErrAuditWrite     = fmt.Errorf("audit log write failed")
	ErrAuthInvalid    = fmt.Errorf("authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Extractor.Extract")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "agent", "storage"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// AgentCommunicationError is returned by the router when every dispatch
// attempt for a request failed. It unwraps to ErrAgentCommunication and to
// the last handler error (or ErrNoAgents when no agent could be tried).
type AgentCommunicationError struct {
	Attempted []string
	Last      error
}

func (e *AgentCommunicationError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("%s: %s", ErrAgentCommunication, ErrNoAgents)
	}
	return fmt.Sprintf("%s: all retries failed (tried %s): %s",
		ErrAgentCommunication, strings.Join(e.Attempted, ", "), e.Last)
}

func (e *AgentCommunicationError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrAgentCommunication, ErrNoAgents}
	}
	return []error{ErrAgentCommunication, e.Last}
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeUnsupportedArchive ErrorCode = "UNSUPPORTED_ARCHIVE"
	CodeCorruptArchive     ErrorCode = "CORRUPT_ARCHIVE"
	CodeTooManyMembers     ErrorCode = "TOO_MANY_MEMBERS"
	CodePathTraversal      ErrorCode = "PATH_TRAVERSAL"
	CodeArchiveTooLarge    ErrorCode = "ARCHIVE_TOO_LARGE"
	CodePasswordRequired   ErrorCode = "PASSWORD_REQUIRED"
	CodePathOutsideSandbox ErrorCode = "PATH_OUTSIDE_SANDBOX"
	CodeNoHandler          ErrorCode = "NO_HANDLER_REGISTERED"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"
	CodeAgentCommunication ErrorCode = "AGENT_COMMUNICATION"
	CodeNoAgents           ErrorCode = "NO_AGENTS"
	CodeConfigLoad         ErrorCode = "CONFIG_LOAD"
	CodeStorageUpload      ErrorCode = "STORAGE_UPLOAD"
	CodeStorageCleanup     ErrorCode = "STORAGE_CLEANUP"
	CodeAuditWrite         ErrorCode = "AUDIT_WRITE"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
	CodeAgentDuplicate ErrorCode = "AGENT_DUPLICATE"
	CodeMemberLimit    ErrorCode = "ARCHIVE_MEMBER_LIMIT"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrTimeout:      CodeTimeout,
	ErrLimitReached: CodeLimitReached,
	ErrInvalidInput: CodeInvalidInput,

	ErrUnsupportedArchive: CodeUnsupportedArchive,
	ErrCorruptArchive:     CodeCorruptArchive,
	ErrTooManyMembers:     CodeTooManyMembers,
	ErrPathTraversal:      CodePathTraversal,
	ErrArchiveTooLarge:    CodeArchiveTooLarge,
	ErrPasswordRequired:   CodePasswordRequired,
	ErrPathOutsideSandbox: CodePathOutsideSandbox,
	ErrNoHandler:          CodeNoHandler,
	ErrRateLimit:          CodeRateLimit,
	ErrAgentCommunication: CodeAgentCommunication,
	ErrNoAgents:           CodeNoAgents,
	ErrConfigLoad:         CodeConfigLoad,
	ErrStorageUpload:      CodeStorageUpload,
	ErrStorageCleanup:     CodeStorageCleanup,
	ErrAuditWrite:         CodeAuditWrite,
	ErrAuthInvalid:        CodeAuthInvalid,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"agent": CodeAgentNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
	ErrLimitReached: {
		"archive": CodeMemberLimit,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// AgentCommunicationError always reports CodeAgentCommunication, regardless
// of the cause it wraps.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var ace *AgentCommunicationError
	if errors.As(err, &ace) {
		return CodeAgentCommunication
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
