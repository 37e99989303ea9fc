package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateArchive(cfg, ve)
	validateRouter(cfg, ve)
	validateStorage(cfg, ve)
	validateLogger(cfg, ve)
	validateSecurity(cfg, ve)
	validateScheduler(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateArchive(cfg *Config, ve *ValidationError) {
	if cfg.Archive.MaxFileSizeMB <= 0 {
		ve.Add("archive.max_file_size_mb must be > 0")
	}
	if cfg.Archive.MaxMembers <= 0 {
		ve.Add("archive.max_members must be > 0")
	}
	if cfg.Archive.DetectCacheSize < 0 {
		ve.Add("archive.detect_cache_size must be >= 0")
	}
}

func validateRouter(cfg *Config, ve *ValidationError) {
	if cfg.Router.Retries < 0 {
		ve.Add("router.retries must be >= 0")
	}
	if cfg.Router.HistoryLimit < 0 {
		ve.Add("router.history_limit must be >= 0")
	}
	if cfg.Router.HealthThreshold <= 0 {
		ve.Add("router.health_threshold must be > 0")
	}
	cb := cfg.Router.CircuitBreaker
	if cb.Enabled {
		if cb.MaxFailures == 0 {
			ve.Add("router.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if cb.Timeout <= 0 {
			ve.Add("router.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
}

var validStorageBackends = map[string]bool{
	"":      true,
	"none":  true,
	"local": true,
	"s3":    true,
	"nats":  true,
}

func validateStorage(cfg *Config, ve *ValidationError) {
	s := cfg.Storage
	if !validStorageBackends[s.Backend] {
		ve.Add("storage.backend %q is invalid (want none, local, s3 or nats)", s.Backend)
		return
	}
	switch s.Backend {
	case "local":
		if s.Local.BasePath == "" {
			ve.Add("storage.local.base_path is required for the local backend")
		}
	case "s3":
		if s.S3.Bucket == "" {
			ve.Add("storage.s3.bucket is required for the s3 backend")
		}
		if (s.S3.AccessKeyID == "") != (s.S3.SecretAccessKey == "") {
			ve.Add("storage.s3.access_key_id and secret_access_key must be set together")
		}
	case "nats":
		if s.NATS.URL == "" {
			ve.Add("storage.nats.url is required for the nats backend")
		}
		if s.NATS.Bucket == "" {
			ve.Add("storage.nats.bucket is required for the nats backend")
		}
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid", cfg.Logger.Level)
	}
	if f := cfg.Logger.Format; f != "text" && f != "json" {
		ve.Add("logger.format %q is invalid (want text or json)", f)
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	a := cfg.Security.Audit
	if a.Enabled && a.Path == "" {
		ve.Add("security.audit.path is required when audit is enabled")
	}
	if a.Retention.MaxAge != "" {
		if _, err := time.ParseDuration(a.Retention.MaxAge); err != nil {
			ve.Add("security.audit.retention.max_age %q is not a valid duration", a.Retention.MaxAge)
		}
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	if cfg.Scheduler.HealthSweep == "" {
		ve.Add("scheduler.health_sweep is required when the scheduler is enabled")
	}
	if r := cfg.Scheduler.TempRetention; r != "" {
		if d, err := time.ParseDuration(r); err != nil || d <= 0 {
			ve.Add(fmt.Sprintf("scheduler.temp_retention %q must be a positive duration", r))
		}
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	if cfg.Gateway.RateLimit.RequestsPerMinute > 0 && cfg.Gateway.RateLimit.Burst <= 0 {
		ve.Add("gateway.rate_limit.burst must be > 0 when rate limiting is enabled")
	}
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}
}
