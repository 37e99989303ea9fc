package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Archive.MaxFileSizeMB != 100 {
		t.Errorf("MaxFileSizeMB = %d, want 100", cfg.Archive.MaxFileSizeMB)
	}
	if cfg.Archive.MaxMembers != 1000 {
		t.Errorf("MaxMembers = %d, want 1000", cfg.Archive.MaxMembers)
	}
	if cfg.Router.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.Router.RequestsPerMinute)
	}
	if cfg.Storage.Enabled() {
		t.Error("storage should be disabled by default")
	}
	if cfg.App.Production() {
		t.Error("default env should not be production")
	}
}

func TestMaxFileSizeBytes(t *testing.T) {
	a := ArchiveConfig{MaxFileSizeMB: 2}
	assert.Equal(t, int64(2*1024*1024), a.MaxFileSizeBytes())
}

func TestProductionCaseInsensitive(t *testing.T) {
	assert.True(t, AppConfig{Env: "Production"}.Production())
	assert.True(t, AppConfig{Env: " production "}.Production())
	assert.False(t, AppConfig{Env: "staging"}.Production())
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Archive.MaxMembers)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  env: production
archive:
  max_file_size_mb: 5
  max_members: 10
router:
  requests_per_minute: 1
  retries: 2
storage:
  backend: local
  local:
    base_path: /var/lib/archive-agent
logger:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.App.Production())
	assert.Equal(t, 5, cfg.Archive.MaxFileSizeMB)
	assert.Equal(t, 10, cfg.Archive.MaxMembers)
	assert.Equal(t, 1, cfg.Router.RequestsPerMinute)
	assert.Equal(t, 2, cfg.Router.Retries)
	assert.Equal(t, "local", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/archive-agent", cfg.Storage.Local.BasePath)
	assert.Equal(t, "debug", cfg.Logger.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "tmp/", cfg.Storage.Prefix)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("ARCHIVEAGENT_ARCHIVE_MAX_MEMBERS=42\n"), 0600))

	// Register cleanup for the variable godotenv is about to set.
	t.Setenv("ARCHIVEAGENT_ARCHIVE_MAX_MEMBERS", "")
	require.NoError(t, os.Unsetenv("ARCHIVEAGENT_ARCHIVE_MAX_MEMBERS"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Archive.MaxMembers)
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("ARCHIVEAGENT_ARCHIVE_MAX_MEMBERS=42\n"), 0600))
	t.Setenv("ARCHIVEAGENT_ARCHIVE_MAX_MEMBERS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Archive.MaxMembers)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ARCHIVEAGENT_ENV", "production")
	t.Setenv("ARCHIVEAGENT_LOGGER_LEVEL", "debug")
	t.Setenv("ARCHIVEAGENT_ROUTER_REQUESTS_PER_MINUTE", "5")
	t.Setenv("ARCHIVEAGENT_ROUTER_HEALTH_THRESHOLD", "2m")
	t.Setenv("ARCHIVEAGENT_STORAGE_BACKEND", "s3")
	t.Setenv("ARCHIVEAGENT_S3_BUCKET", "archives")
	t.Setenv("ARCHIVEAGENT_ARCHIVE_SNIFF_CONTENT", "false")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	assert.True(t, cfg.App.Production())
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 5, cfg.Router.RequestsPerMinute)
	assert.Equal(t, 2*time.Minute, cfg.Router.HealthThreshold)
	assert.Equal(t, "s3", cfg.Storage.Backend)
	assert.Equal(t, "archives", cfg.Storage.S3.Bucket)
	assert.False(t, cfg.Archive.SniffContent)
}

func TestEnvOverridesIgnoresMalformedInt(t *testing.T) {
	t.Setenv("ARCHIVEAGENT_ARCHIVE_MAX_MEMBERS", "lots")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)
	assert.Equal(t, 1000, cfg.Archive.MaxMembers)
}

func TestEnvOverridesGatewayTokens(t *testing.T) {
	t.Setenv("ARCHIVEAGENT_GATEWAY_TOKENS", " alpha , ,beta")
	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	require.Len(t, cfg.Gateway.Auth.Tokens, 2)
	assert.Equal(t, TokenConfig{Name: "env-1", Token: "alpha"}, cfg.Gateway.Auth.Tokens[0])
	assert.Equal(t, TokenConfig{Name: "env-2", Token: "beta"}, cfg.Gateway.Auth.Tokens[1])
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	encrypted, err := EncryptValue("s3-secret-key", "test-passphrase-123")
	require.NoError(t, err)

	decrypted, err := DecryptValue(encrypted, "test-passphrase-123")
	require.NoError(t, err)
	assert.Equal(t, "s3-secret-key", decrypted)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	encrypted, err := EncryptValue("secret", "correct-pass")
	require.NoError(t, err)

	_, err = DecryptValue(encrypted, "wrong-pass")
	assert.Error(t, err)
}

func TestDecryptValueMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"no separator", "abcdef"},
		{"bad salt", "zz:00"},
		{"bad ciphertext", "00:zz"},
		{"too short", "00112233445566778899aabbccddeeff:00"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecryptValue(tt.input, "pass")
			assert.Error(t, err)
		})
	}
}

func TestDecryptSecrets(t *testing.T) {
	passphrase := "test-config-key"
	encKey, err := EncryptValue("AKIAEXAMPLE", passphrase)
	require.NoError(t, err)
	encTok, err := EncryptValue("gateway-token", passphrase)
	require.NoError(t, err)

	cfg := Defaults()
	cfg.Storage.S3.AccessKeyID = "enc:" + encKey
	cfg.Storage.S3.SecretAccessKey = "plain-secret"
	cfg.Gateway.Auth.Tokens = []TokenConfig{{Name: "ci", Token: "enc:" + encTok}}

	require.NoError(t, decryptSecrets(cfg, passphrase))
	assert.Equal(t, "AKIAEXAMPLE", cfg.Storage.S3.AccessKeyID)
	assert.Equal(t, "plain-secret", cfg.Storage.S3.SecretAccessKey)
	assert.Equal(t, "gateway-token", cfg.Gateway.Auth.Tokens[0].Token)
}

func TestDecryptSecretsInvalidCiphertext(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.NATS.Token = "enc:notvalidhex"

	err := decryptSecrets(cfg, "passphrase")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.nats.token")
}

func TestLoadWithConfigKey(t *testing.T) {
	passphrase := "test-load-key"
	encrypted, err := EncryptValue("nats-secret", passphrase)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "storage:\n  nats:\n    token: \"enc:" + encrypted + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("ARCHIVEAGENT_CONFIG_KEY", passphrase)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats-secret", cfg.Storage.NATS.Token)
}

func TestLoadInsecurePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "insecure.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archive:\n  max_members: 5\n"), 0600))
	require.NoError(t, os.Chmod(path, 0o666))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archive: [unclosed"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadValidationFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("archive:\n  max_members: 0\n"), 0600))

	_, err := Load(path)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "archive.max_members")
}

func TestValidatePermissions(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		mode    os.FileMode
		wantErr bool
	}{
		{0o600, false},
		{0o644, false},
		{0o664, true},
		{0o666, true},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.mode.String())
		require.NoError(t, os.WriteFile(path, nil, 0600))
		require.NoError(t, os.Chmod(path, tt.mode))
		err := validatePermissions(path)
		if tt.wantErr {
			assert.Error(t, err, "mode %o", tt.mode)
		} else {
			assert.NoError(t, err, "mode %o", tt.mode)
		}
	}
}

func TestValidatePermissionsStatError(t *testing.T) {
	err := validatePermissions(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
