package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultsPass(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Defaults should pass validation: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"max file size zero", func(c *Config) { c.Archive.MaxFileSizeMB = 0 }, "archive.max_file_size_mb must be > 0"},
		{"max members negative", func(c *Config) { c.Archive.MaxMembers = -1 }, "archive.max_members must be > 0"},
		{"negative retries", func(c *Config) { c.Router.Retries = -1 }, "router.retries must be >= 0"},
		{"zero health threshold", func(c *Config) { c.Router.HealthThreshold = 0 }, "router.health_threshold must be > 0"},
		{"breaker without failures", func(c *Config) {
			c.Router.CircuitBreaker.Enabled = true
			c.Router.CircuitBreaker.MaxFailures = 0
		}, "router.circuit_breaker.max_failures"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, `storage.backend "ftp" is invalid`},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }, "storage.s3.bucket is required"},
		{"s3 half credentials", func(c *Config) {
			c.Storage.Backend = "s3"
			c.Storage.S3.Bucket = "b"
			c.Storage.S3.AccessKeyID = "id"
		}, "must be set together"},
		{"nats without url", func(c *Config) { c.Storage.Backend = "nats" }, "storage.nats.url is required"},
		{"local without path", func(c *Config) {
			c.Storage.Backend = "local"
			c.Storage.Local.BasePath = ""
		}, "storage.local.base_path is required"},
		{"bad log level", func(c *Config) { c.Logger.Level = "loud" }, `logger.level "loud" is invalid`},
		{"bad log format", func(c *Config) { c.Logger.Format = "xml" }, `logger.format "xml" is invalid`},
		{"audit without path", func(c *Config) {
			c.Security.Audit.Enabled = true
			c.Security.Audit.Path = ""
		}, "security.audit.path is required"},
		{"bad retention", func(c *Config) { c.Security.Audit.Retention.MaxAge = "forever" }, "max_age"},
		{"scheduler without sweep", func(c *Config) { c.Scheduler.HealthSweep = "" }, "scheduler.health_sweep is required"},
		{"bad temp retention", func(c *Config) { c.Scheduler.TempRetention = "soon" }, "scheduler.temp_retention"},
		{"gateway bad addr", func(c *Config) { c.Gateway.Addr = "nope" }, "is not a valid host:port"},
		{"gateway empty token", func(c *Config) {
			c.Gateway.Auth.Tokens = []TokenConfig{{Name: "x"}}
		}, "gateway.auth.tokens[0].token must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidateGatewayDisabledSkipsAddr(t *testing.T) {
	cfg := Defaults()
	cfg.Gateway.Enabled = false
	cfg.Gateway.Addr = ""
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateAccumulatesErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Archive.MaxMembers = 0
	cfg.Logger.Level = "loud"

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(ve.Errors), ve.Errors)
	}
}
