package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	App       AppConfig       `yaml:"app"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Router    RouterConfig    `yaml:"router"`
	Storage   StorageConfig   `yaml:"storage"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Security  SecurityConfig  `yaml:"security"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	MCP       MCPConfig       `yaml:"mcp"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// AppConfig holds process-wide settings.
type AppConfig struct {
	Name string `yaml:"name"`
	Env  string `yaml:"env"` // "production" enables unconditional offload
}

// Production reports whether the process runs in the production environment.
func (a AppConfig) Production() bool {
	return strings.EqualFold(strings.TrimSpace(a.Env), "production")
}

// ArchiveConfig holds extraction limits.
type ArchiveConfig struct {
	MaxFileSizeMB   int    `yaml:"max_file_size_mb"`
	MaxMembers      int    `yaml:"max_members"`
	SniffContent    bool   `yaml:"sniff_content"`
	DetectCacheSize int    `yaml:"detect_cache_size"`
	InputRoot       string `yaml:"input_root"` // confines paths accepted by the gateway and MCP tools; empty = unrestricted
	TempDir         string `yaml:"temp_dir"`   // parent for ephemeral extraction dirs; empty = os.TempDir()
}

// MaxFileSizeBytes returns the size gate in bytes.
func (a ArchiveConfig) MaxFileSizeBytes() int64 {
	return int64(a.MaxFileSizeMB) * 1024 * 1024
}

// RouterConfig holds request routing settings.
type RouterConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"` // <= 0 disables the limiter
	Retries           int           `yaml:"retries"`
	HistoryLimit      int           `yaml:"history_limit"` // cap on in-memory audit and trace records
	HealthThreshold   time.Duration `yaml:"health_threshold"`
	CircuitBreaker    BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig holds per-agent circuit breaker settings.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StorageConfig selects and configures the offload backend.
type StorageConfig struct {
	Backend string             `yaml:"backend"` // "none", "local", "s3", "nats"
	Prefix  string             `yaml:"prefix"`
	Local   LocalStorageConfig `yaml:"local"`
	S3      S3Config           `yaml:"s3"`
	NATS    NATSConfig         `yaml:"nats"`
}

// Enabled reports whether an offload backend is configured.
func (s StorageConfig) Enabled() bool {
	return s.Backend != "" && s.Backend != "none"
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BasePath string `yaml:"base_path"`
}

// S3Config configures the S3 backend. Credentials fall back to the default
// AWS credential chain when empty.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// NATSConfig configures the JetStream object store backend.
type NATSConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
	Token  string `yaml:"token"`
}

// SecurityConfig holds security settings.
type SecurityConfig struct {
	Audit AuditConfig `yaml:"audit"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Path      string          `yaml:"path"`
	Retention RetentionConfig `yaml:"retention"`
}

// RetentionConfig holds audit log retention policy settings.
type RetentionConfig struct {
	MaxAge  string `yaml:"max_age"`  // duration string, e.g. "2160h" (90 days)
	MaxSize string `yaml:"max_size"` // e.g. "100MB"
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
}

// RateLimitConfig holds per-client HTTP rate limiting settings.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// AuthConfig holds gateway authentication settings. No tokens means the
// gateway is open.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Name  string `yaml:"name"`
	Token string `yaml:"token"`
}

// MCPConfig holds MCP server settings.
type MCPConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// SchedulerConfig holds periodic maintenance settings.
type SchedulerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	HealthSweep     string `yaml:"health_sweep"`     // cron expression or duration string
	CleanupSchedule string `yaml:"cleanup_schedule"` // cron expression or duration string; empty disables
	TempRetention   string `yaml:"temp_retention"`   // age of generated extraction dirs before cleanup; empty disables
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() *Config {
	return &Config{
		App: AppConfig{
			Name: "archive-agent",
			Env:  "development",
		},
		Archive: ArchiveConfig{
			MaxFileSizeMB:   100,
			MaxMembers:      1000,
			SniffContent:    true,
			DetectCacheSize: 256,
		},
		Router: RouterConfig{
			RequestsPerMinute: 60,
			Retries:           1,
			HistoryLimit:      1000,
			HealthThreshold:   60 * time.Second,
			CircuitBreaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Storage: StorageConfig{
			Backend: "none",
			Prefix:  "tmp/",
			Local:   LocalStorageConfig{BasePath: "./storage"},
			NATS:    NATSConfig{Bucket: "archive-agent"},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter: "noop",
		},
		Security: SecurityConfig{
			Audit: AuditConfig{
				Path: "./audit.jsonl",
				Retention: RetentionConfig{
					MaxAge: "2160h",
				},
			},
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    ":8080",
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 120,
				Burst:             20,
			},
		},
		MCP: MCPConfig{
			Name:    "archive-agent",
			Version: "1.0.0",
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			HealthSweep:     "30s",
			CleanupSchedule: "@hourly",
			TempRetention:   "24h",
		},
	}
}

// Load reads a YAML config file, applying defaults, a sibling .env file,
// environment overrides and secret decryption. A missing file yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("ARCHIVEAGENT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv populates the process environment from a .env file. Variables
// already set take precedence; a missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// ApplyEnvOverrides applies ARCHIVEAGENT_* environment variables onto cfg.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ARCHIVEAGENT_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("ARCHIVEAGENT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("ARCHIVEAGENT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("ARCHIVEAGENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("ARCHIVEAGENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	envInt("ARCHIVEAGENT_ARCHIVE_MAX_FILE_SIZE_MB", &cfg.Archive.MaxFileSizeMB)
	envInt("ARCHIVEAGENT_ARCHIVE_MAX_MEMBERS", &cfg.Archive.MaxMembers)
	if v := os.Getenv("ARCHIVEAGENT_ARCHIVE_INPUT_ROOT"); v != "" {
		cfg.Archive.InputRoot = v
	}
	if v := os.Getenv("ARCHIVEAGENT_ARCHIVE_SNIFF_CONTENT"); v == "false" {
		cfg.Archive.SniffContent = false
	}

	envInt("ARCHIVEAGENT_ROUTER_REQUESTS_PER_MINUTE", &cfg.Router.RequestsPerMinute)
	envInt("ARCHIVEAGENT_ROUTER_RETRIES", &cfg.Router.Retries)
	if v := os.Getenv("ARCHIVEAGENT_ROUTER_HEALTH_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Router.HealthThreshold = d
		}
	}

	if v := os.Getenv("ARCHIVEAGENT_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("ARCHIVEAGENT_STORAGE_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("ARCHIVEAGENT_STORAGE_LOCAL_PATH"); v != "" {
		cfg.Storage.Local.BasePath = v
	}
	if v := os.Getenv("ARCHIVEAGENT_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("ARCHIVEAGENT_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("ARCHIVEAGENT_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("ARCHIVEAGENT_S3_ACCESS_KEY_ID"); v != "" {
		cfg.Storage.S3.AccessKeyID = v
	}
	if v := os.Getenv("ARCHIVEAGENT_S3_SECRET_ACCESS_KEY"); v != "" {
		cfg.Storage.S3.SecretAccessKey = v
	}
	if v := os.Getenv("ARCHIVEAGENT_NATS_URL"); v != "" {
		cfg.Storage.NATS.URL = v
	}
	if v := os.Getenv("ARCHIVEAGENT_NATS_BUCKET"); v != "" {
		cfg.Storage.NATS.Bucket = v
	}
	if v := os.Getenv("ARCHIVEAGENT_NATS_TOKEN"); v != "" {
		cfg.Storage.NATS.Token = v
	}

	if v := os.Getenv("ARCHIVEAGENT_SECURITY_AUDIT"); v != "" {
		cfg.Security.Audit.Enabled = v == "true"
	}
	if v := os.Getenv("ARCHIVEAGENT_SECURITY_AUDIT_PATH"); v != "" {
		cfg.Security.Audit.Path = v
	}

	if v := os.Getenv("ARCHIVEAGENT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("ARCHIVEAGENT_GATEWAY_TOKENS"); v != "" {
		for i, tok := range splitAndTrim(v, ",") {
			cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
				Name:  "env-" + strconv.Itoa(i+1),
				Token: tok,
			})
		}
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets replaces every "enc:"-prefixed credential in cfg with its
// plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"storage.s3.access_key_id":     &cfg.Storage.S3.AccessKeyID,
		"storage.s3.secret_access_key": &cfg.Storage.S3.SecretAccessKey,
		"storage.nats.token":           &cfg.Storage.NATS.Token,
	}
	for i := range cfg.Gateway.Auth.Tokens {
		fields["gateway.auth.tokens."+cfg.Gateway.Auth.Tokens[i].Name] = &cfg.Gateway.Auth.Tokens[i].Token
	}

	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts plaintext using AES-256-GCM with an Argon2id-derived key.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) ":" hex(nonce||ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
