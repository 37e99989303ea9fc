package gateway

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"archive-agent/internal/domain"
	"archive-agent/internal/infra/middleware"
)

// statusByCode maps error codes to HTTP statuses. Unlisted codes are 500.
var statusByCode = map[domain.ErrorCode]int{
	domain.CodeInvalidInput:       http.StatusBadRequest,
	domain.CodeUnsupportedArchive: http.StatusUnprocessableEntity,
	domain.CodeCorruptArchive:     http.StatusUnprocessableEntity,
	domain.CodePasswordRequired:   http.StatusUnprocessableEntity,
	domain.CodePathTraversal:      http.StatusUnprocessableEntity,
	domain.CodeTooManyMembers:     http.StatusUnprocessableEntity,
	domain.CodeMemberLimit:        http.StatusUnprocessableEntity,
	domain.CodeArchiveTooLarge:    http.StatusRequestEntityTooLarge,
	domain.CodePathOutsideSandbox: http.StatusForbidden,
	domain.CodeAuthInvalid:        http.StatusUnauthorized,
	domain.CodeNotFound:           http.StatusNotFound,
	domain.CodeAgentNotFound:      http.StatusNotFound,
	domain.CodeNoHandler:          http.StatusNotFound,
	domain.CodeDuplicate:          http.StatusConflict,
	domain.CodeAgentDuplicate:     http.StatusConflict,
	domain.CodeRateLimit:          http.StatusTooManyRequests,
	domain.CodeLimitReached:       http.StatusTooManyRequests,
	domain.CodeAgentCommunication: http.StatusBadGateway,
	domain.CodeNoAgents:           http.StatusServiceUnavailable,
	domain.CodeTimeout:            http.StatusGatewayTimeout,
}

// httpStatus returns the status and error code reported for err.
func httpStatus(err error) (int, domain.ErrorCode) {
	code := domain.ErrorCodeOf(err)
	if code == domain.CodeUnknown && errors.Is(err, fs.ErrNotExist) {
		code = domain.CodeNotFound
	}
	if status, ok := statusByCode[code]; ok {
		return status, code
	}
	return http.StatusInternalServerError, code
}

func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, code := httpStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "code", string(code))
	}
	middleware.WriteError(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

// readJSON decodes a size-limited JSON body, writing a 400/413 on failure.
func readJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteError(w, http.StatusRequestEntityTooLarge, domain.CodeInvalidInput, "request body too large")
		} else {
			middleware.WriteError(w, http.StatusBadRequest, domain.CodeInvalidInput, "invalid request body")
		}
		return v, false
	}
	return v, true
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewDomainError("gateway", domain.ErrInvalidInput, key+" must be a non-negative integer")
	}
	return n, nil
}

// resolve confines a client supplied path to the sandbox. Without a
// sandbox the path is only made absolute.
func (s *Server) resolve(path string) (string, error) {
	if path == "" {
		return "", domain.NewDomainError("gateway", domain.ErrInvalidInput, "path is required")
	}
	if s.deps.Sandbox == nil {
		return filepath.Abs(path)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.deps.Sandbox.Root(), path)
	}
	return s.deps.Sandbox.ValidatePath(path)
}
