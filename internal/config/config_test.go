package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Setenv("MAILGATE_ENV", "production")
	t.Setenv("MAILGATE_IMAP_HOST", "mail.example.com")
	t.Setenv("MAILGATE_IMAP_PORT", "143")
	t.Setenv("MAILGATE_IMAP_TLS", "false")
	t.Setenv("MAILGATE_REDIS_HOST", "redis")
	t.Setenv("MAILGATE_POOL_MAX_SESSIONS", "7")
	t.Setenv("MAILGATE_POOL_MAX_IDLE", "90s")
	t.Setenv("MAILGATE_WS_ALLOWED_ORIGINS", "https://mail.example.com, https://app.example.com")
	t.Setenv("PORT", "3000")

	config, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() returned error: %v", err)
	}

	if config.Environment != "production" {
		t.Errorf("expected Environment 'production', got '%s'", config.Environment)
	}
	if config.IMAPAddress() != "mail.example.com:143" {
		t.Errorf("expected IMAP address 'mail.example.com:143', got '%s'", config.IMAPAddress())
	}
	if config.IMAPUseTLS {
		t.Error("expected TLS to be disabled")
	}
	if config.RedisAddress() != "redis:6379" {
		t.Errorf("expected Redis address 'redis:6379', got '%s'", config.RedisAddress())
	}
	if config.PoolMaxSessions != 7 {
		t.Errorf("expected PoolMaxSessions 7, got %d", config.PoolMaxSessions)
	}
	if config.PoolMaxIdle != 90*time.Second {
		t.Errorf("expected PoolMaxIdle 90s, got %s", config.PoolMaxIdle)
	}
	if config.Port != "3000" {
		t.Errorf("expected Port '3000', got '%s'", config.Port)
	}
	assert.Equal(t, []string{"https://mail.example.com", "https://app.example.com"}, config.WSAllowedOrigins)
}

func TestNewConfigWithDefaults(t *testing.T) {
	t.Setenv("MAILGATE_ENV", "production")

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "localhost:993", config.IMAPAddress())
	assert.True(t, config.IMAPUseTLS)
	assert.True(t, config.SMTPStartTLS)
	assert.Equal(t, "localhost", config.MailDomain)
	assert.Equal(t, 50, config.PoolMaxSessions)
	assert.Equal(t, 5*time.Minute, config.PoolMaxIdle)
	assert.Equal(t, 30*time.Minute, config.PoolMaxLifetime)
	assert.Equal(t, int64(25*1024*1024), config.MaxAttachmentSize)
	assert.Equal(t, 24*time.Hour, config.TokenTTL)
	assert.Contains(t, config.BlockedExtensions, ".exe")
	assert.Equal(t, "Trash", config.TrashFolder)
}

func TestNewConfigTestModeDisablesTLS(t *testing.T) {
	t.Setenv("MAILGATE_ENV", "test")
	t.Setenv("MAILGATE_TEST_MODE", "true")

	config, err := NewConfig()
	require.NoError(t, err)
	assert.False(t, config.IMAPUseTLS)
	assert.False(t, config.SMTPStartTLS)
}

func TestNewConfigRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric int", "MAILGATE_POOL_MAX_SESSIONS", "lots"},
		{"bad duration", "MAILGATE_POOL_MAX_IDLE", "five minutes"},
		{"bad bool", "MAILGATE_IMAP_TLS", "maybe"},
		{"non-numeric port", "MAILGATE_IMAP_PORT", "imap"},
		{"zero capacity", "MAILGATE_POOL_MAX_SESSIONS", "0"},
		{"ping not shorter than idle", "MAILGATE_WS_PING_INTERVAL", "5m"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("MAILGATE_ENV", "production")
			t.Setenv(tt.key, tt.value)

			_, err := NewConfig()
			if err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestNewConfigAppliesPolicyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	content := `attachments:
  max_size_bytes: 1048576
  blocked_extensions: [".exe", ".iso"]
websocket:
  allowed_origins: ["https://webmail.example.com"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("MAILGATE_ENV", "production")
	t.Setenv("MAILGATE_POLICY_FILE", path)

	config, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, int64(1048576), config.MaxAttachmentSize)
	assert.Equal(t, []string{".exe", ".iso"}, config.BlockedExtensions)
	assert.Equal(t, []string{"https://webmail.example.com"}, config.WSAllowedOrigins)
	assert.Nil(t, config.AllowedMIMETypes, "fields missing from the file keep their defaults")
}

func TestLoadPolicyFileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("attachments: [unclosed"), 0o600))
		_, err := LoadPolicyFile(path)
		assert.Error(t, err)
	})
}
