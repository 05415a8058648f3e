package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const defaultMaxAttachmentSize = 25 * 1024 * 1024

type Config struct {
	Environment string
	Port        string
	LogLevel    string
	LogFormat   string

	IMAPHost   string
	IMAPPort   string
	IMAPUseTLS bool
	SMTPHost   string
	SMTPPort   string
	// SMTPStartTLS upgrades submission connections before authenticating.
	SMTPStartTLS bool
	// MailDomain completes sender addresses of accounts that log in with a
	// bare user name.
	MailDomain string

	TrashFolder string
	SentFolder  string

	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	PoolMaxSessions      int
	PoolMaxIdle          time.Duration
	PoolMaxLifetime      time.Duration
	PoolSweepInterval    time.Duration
	PoolAcquireTimeout   time.Duration
	PoolHealthCheckAfter time.Duration
	IMAPCommandTimeout   time.Duration

	CacheMailboxTTL     time.Duration
	CacheMessageListTTL time.Duration
	CacheMessageTTL     time.Duration
	CacheSearchTTL      time.Duration
	CacheAttachmentTTL  time.Duration

	SearchMaxMatches int

	MaxAttachmentSize   int64
	StreamChunkSize     int
	AllowedMIMETypes    []string
	BlockedExtensions   []string
	WSAllowedOrigins    []string
	WSAuthTimeout       time.Duration
	WSIdleTimeout       time.Duration
	WSPingInterval      time.Duration
	WSMaxPerAccount     int
	TokenTTL            time.Duration
	TokenSecret         string
	EncryptionKeyBase64 string

	PolicyFile string
}

// NewConfig reads the configuration from MAILGATE_* environment variables,
// then applies the optional YAML policy file on top.
func NewConfig() (*Config, error) {
	env := os.Getenv("MAILGATE_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			log.Warn("Warning: .env file not found, using environment variables")
		}
	}

	r := &envReader{}
	useTLS := r.bool("MAILGATE_IMAP_TLS", true)
	startTLS := r.bool("MAILGATE_SMTP_STARTTLS", true)
	if os.Getenv("MAILGATE_TEST_MODE") == "true" {
		useTLS = false
		startTLS = false
	}

	config := &Config{
		Environment: env,
		Port:        getEnvOrDefault("PORT", "8080"),
		LogLevel:    getEnvOrDefault("MAILGATE_LOG_LEVEL", "info"),
		LogFormat:   getEnvOrDefault("MAILGATE_LOG_FORMAT", "text"),

		IMAPHost:   getEnvOrDefault("MAILGATE_IMAP_HOST", "localhost"),
		IMAPPort:   getEnvOrDefault("MAILGATE_IMAP_PORT", "993"),
		IMAPUseTLS: useTLS,
		SMTPHost:   getEnvOrDefault("MAILGATE_SMTP_HOST", "localhost"),
		SMTPPort:   getEnvOrDefault("MAILGATE_SMTP_PORT", "587"),

		SMTPStartTLS: startTLS,
		MailDomain:   getEnvOrDefault("MAILGATE_MAIL_DOMAIN", "localhost"),

		TrashFolder: getEnvOrDefault("MAILGATE_TRASH_FOLDER", "Trash"),
		SentFolder:  getEnvOrDefault("MAILGATE_SENT_FOLDER", "Sent"),

		RedisHost:     getEnvOrDefault("MAILGATE_REDIS_HOST", "localhost"),
		RedisPort:     getEnvOrDefault("MAILGATE_REDIS_PORT", "6379"),
		RedisPassword: os.Getenv("MAILGATE_REDIS_PASSWORD"),
		RedisDB:       r.int("MAILGATE_REDIS_DB", 0),

		PoolMaxSessions:      r.int("MAILGATE_POOL_MAX_SESSIONS", 50),
		PoolMaxIdle:          r.duration("MAILGATE_POOL_MAX_IDLE", 5*time.Minute),
		PoolMaxLifetime:      r.duration("MAILGATE_POOL_MAX_LIFETIME", 30*time.Minute),
		PoolSweepInterval:    r.duration("MAILGATE_POOL_SWEEP_INTERVAL", time.Minute),
		PoolAcquireTimeout:   r.duration("MAILGATE_POOL_ACQUIRE_TIMEOUT", 10*time.Second),
		PoolHealthCheckAfter: r.duration("MAILGATE_POOL_HEALTH_CHECK_AFTER", time.Minute),
		IMAPCommandTimeout:   r.duration("MAILGATE_IMAP_COMMAND_TIMEOUT", 30*time.Second),

		CacheMailboxTTL:     r.duration("MAILGATE_CACHE_MAILBOX_TTL", 5*time.Minute),
		CacheMessageListTTL: r.duration("MAILGATE_CACHE_MESSAGE_LIST_TTL", time.Minute),
		CacheMessageTTL:     r.duration("MAILGATE_CACHE_MESSAGE_TTL", 10*time.Minute),
		CacheSearchTTL:      r.duration("MAILGATE_CACHE_SEARCH_TTL", 2*time.Minute),
		CacheAttachmentTTL:  r.duration("MAILGATE_CACHE_ATTACHMENT_TTL", 10*time.Minute),

		SearchMaxMatches: r.int("MAILGATE_SEARCH_MAX_MATCHES", 200),

		MaxAttachmentSize: int64(r.int("MAILGATE_MAX_ATTACHMENT_SIZE", defaultMaxAttachmentSize)),
		StreamChunkSize:   r.int("MAILGATE_STREAM_CHUNK_SIZE", 256*1024),
		AllowedMIMETypes:  getEnvList("MAILGATE_ALLOWED_MIME_TYPES", nil),
		BlockedExtensions: getEnvList("MAILGATE_BLOCKED_EXTENSIONS", defaultBlockedExtensions),
		WSAllowedOrigins:  getEnvList("MAILGATE_WS_ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		WSAuthTimeout:     r.duration("MAILGATE_WS_AUTH_TIMEOUT", 10*time.Second),
		WSIdleTimeout:     r.duration("MAILGATE_WS_IDLE_TIMEOUT", 90*time.Second),
		WSPingInterval:    r.duration("MAILGATE_WS_PING_INTERVAL", 30*time.Second),
		WSMaxPerAccount:   r.int("MAILGATE_WS_MAX_PER_ACCOUNT", 10),
		TokenTTL:          r.duration("MAILGATE_TOKEN_TTL", 24*time.Hour),
		TokenSecret:       os.Getenv("MAILGATE_TOKEN_SECRET"),

		EncryptionKeyBase64: os.Getenv("MAILGATE_ENCRYPTION_KEY_BASE64"),

		PolicyFile: os.Getenv("MAILGATE_POLICY_FILE"),
	}

	if r.err != nil {
		return nil, r.err
	}

	if config.PolicyFile != "" {
		policy, err := LoadPolicyFile(config.PolicyFile)
		if err != nil {
			return nil, err
		}
		policy.Apply(config)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	for name, port := range map[string]string{"PORT": c.Port, "MAILGATE_IMAP_PORT": c.IMAPPort, "MAILGATE_SMTP_PORT": c.SMTPPort} {
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("%s must be numeric, got %q", name, port)
		}
	}

	if c.IMAPHost == "" {
		return fmt.Errorf("MAILGATE_IMAP_HOST is required")
	}

	if c.PoolMaxSessions <= 0 {
		return fmt.Errorf("MAILGATE_POOL_MAX_SESSIONS must be positive")
	}

	if c.PoolMaxIdle <= 0 || c.PoolMaxLifetime <= 0 || c.PoolSweepInterval <= 0 {
		return fmt.Errorf("pool idle, lifetime and sweep durations must be positive")
	}

	if c.PoolAcquireTimeout < 0 {
		return fmt.Errorf("MAILGATE_POOL_ACQUIRE_TIMEOUT must not be negative")
	}

	if c.MaxAttachmentSize <= 0 {
		return fmt.Errorf("MAILGATE_MAX_ATTACHMENT_SIZE must be positive")
	}

	if c.StreamChunkSize <= 0 {
		return fmt.Errorf("MAILGATE_STREAM_CHUNK_SIZE must be positive")
	}

	if c.SearchMaxMatches <= 0 {
		return fmt.Errorf("MAILGATE_SEARCH_MAX_MATCHES must be positive")
	}

	if c.WSPingInterval >= c.WSIdleTimeout {
		return fmt.Errorf("MAILGATE_WS_PING_INTERVAL must be shorter than MAILGATE_WS_IDLE_TIMEOUT")
	}

	return nil
}

func (c *Config) IMAPAddress() string {
	return net.JoinHostPort(c.IMAPHost, c.IMAPPort)
}

func (c *Config) SMTPAddress() string {
	return net.JoinHostPort(c.SMTPHost, c.SMTPPort)
}

// RedisAddress returns an empty string when the cache is disabled.
func (c *Config) RedisAddress() string {
	if c.RedisHost == "" {
		return ""
	}
	return net.JoinHostPort(c.RedisHost, c.RedisPort)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return splitList(value)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// envReader keeps the first parse error so NewConfig can report it once.
type envReader struct {
	err error
}

func (r *envReader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		r.fail(fmt.Errorf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return n
}

func (r *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		r.fail(fmt.Errorf("%s must be a duration like 30s, got %q", key, value))
		return defaultValue
	}
	return d
}

func (r *envReader) bool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		r.fail(fmt.Errorf("%s must be true or false, got %q", key, value))
		return defaultValue
	}
	return b
}

func (r *envReader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}
