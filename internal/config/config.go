package config

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP       SMTPConfig    `mapstructure:"smtp"`
	Webhook    WebhookConfig `mapstructure:"webhook"`
	Queue      QueueConfig   `mapstructure:"queue"`
	Storage    StorageConfig `mapstructure:"storage"`
	Ops        OpsConfig     `mapstructure:"ops"`
	Logging    LoggingConfig `mapstructure:"logging"`
	Tracing    TracingConfig `mapstructure:"tracing"`
	Production bool          `mapstructure:"production"`
}

// SMTPConfig holds the inbound SMTP listener and admission settings.
type SMTPConfig struct {
	BindAddr                string        `mapstructure:"bind_addr"`
	Port                    int           `mapstructure:"port"`
	Domain                  string        `mapstructure:"domain"`
	Secure                  bool          `mapstructure:"secure"`
	MaxClients              int           `mapstructure:"max_clients"`
	SocketTimeout           time.Duration `mapstructure:"socket_timeout"`
	CloseTimeout            time.Duration `mapstructure:"close_timeout"`
	MaxMessageSize          int64         `mapstructure:"max_message_size"`
	RateLimitWindow         time.Duration `mapstructure:"rate_limit_window"`
	RateLimitMaxConnections int           `mapstructure:"rate_limit_max_connections"`
	AllowedClients          []string      `mapstructure:"allowed_clients"`
	TrustedRelayIPs         []string      `mapstructure:"trusted_relay_ips"`
	RequireTrustedRelay     bool          `mapstructure:"require_trusted_relay"`
	AllowedSenderDomains    []string      `mapstructure:"allowed_sender_domains"`
	AllowedRecipientDomains []string      `mapstructure:"allowed_recipient_domains"`
	RequiredAuthResults     []string      `mapstructure:"required_auth_results"`
	TLSCert                 string        `mapstructure:"tls_cert"`
	TLSKey                  string        `mapstructure:"tls_key"`
}

// ListenAddr combines the bind address and port.
func (s SMTPConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.BindAddr, s.Port)
}

// WebhookConfig holds the router and dispatcher settings.
type WebhookConfig struct {
	URL               string        `mapstructure:"url"`
	Rules             interface{}   `mapstructure:"rules"` // JSON string or native list
	Secret            string        `mapstructure:"secret" validate:"omitempty,min=16"`
	Timeout           time.Duration `mapstructure:"timeout"`
	Concurrency       int           `mapstructure:"concurrency"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	AllowInsecureHTTP bool          `mapstructure:"allow_insecure_http"`
	MaxQueueSize      int           `mapstructure:"max_queue_size"`
}

// QueueConfig holds the durable task queue settings.
type QueueConfig struct {
	Path string `mapstructure:"path"`
}

// StorageConfig holds the attachment tier settings.
type StorageConfig struct {
	S3             S3Config `mapstructure:"s3"`
	LocalPath      string   `mapstructure:"local_path"`
	RetentionHours int      `mapstructure:"retention_hours"`
	EncryptionKey  string   `mapstructure:"encryption_key"` // 32 bytes, hex or base64
	MaxFileSize    int64    `mapstructure:"max_file_size"`
}

// S3Config holds the primary object store settings.
type S3Config struct {
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	Bucket          string        `mapstructure:"bucket"`
	Endpoint        string        `mapstructure:"endpoint"`
	ForcePathStyle  bool          `mapstructure:"force_path_style"`
	RetryInterval   time.Duration `mapstructure:"retry_interval"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// Configured reports whether the primary store settings are complete.
func (s S3Config) Configured() bool {
	return s.Region != "" && s.AccessKeyID != "" && s.SecretAccessKey != "" && s.Bucket != ""
}

// OpsConfig holds the operational HTTP listener settings.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig holds OpenTelemetry settings. Tracing is off while the
// endpoint is empty.
type TracingConfig struct {
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// Retention converts the configured retention hours to a duration.
func (s StorageConfig) Retention() time.Duration {
	return time.Duration(s.RetentionHours) * time.Hour
}

// DecodeEncryptionKey decodes the at-rest encryption key from hex or
// base64. Returns nil when no key is configured.
func (s StorageConfig) DecodeEncryptionKey() ([]byte, error) {
	raw := strings.TrimSpace(s.EncryptionKey)
	if raw == "" {
		return nil, nil
	}
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	return nil, fmt.Errorf("encryption key must decode to 32 bytes of hex or base64")
}

// defaults returns the default configuration as a flat map using koanf's "."
// delimiter for nested keys.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		// SMTP
		"smtp.bind_addr":                  "0.0.0.0",
		"smtp.port":                       25,
		"smtp.domain":                     "localhost",
		"smtp.secure":                     false,
		"smtp.max_clients":                50,
		"smtp.socket_timeout":             "60s",
		"smtp.close_timeout":              "30s",
		"smtp.max_message_size":           26214400,
		"smtp.rate_limit_window":          "60s",
		"smtp.rate_limit_max_connections": 100,
		"smtp.require_trusted_relay":      false,

		// Webhook
		"webhook.url":                 "",
		"webhook.secret":              "",
		"webhook.timeout":             "5s",
		"webhook.concurrency":         5,
		"webhook.retry_delay":         "60s",
		"webhook.allow_insecure_http": false,
		"webhook.max_queue_size":      1000,

		// Durable queue
		"queue.path": "./data/queue",

		// Storage
		"storage.local_path":          "./data/attachments",
		"storage.retention_hours":     24,
		"storage.max_file_size":       10485760,
		"storage.s3.retry_interval":   "5m",
		"storage.s3.max_retries":      5,
		"storage.s3.force_path_style": false,

		// Ops server
		"ops.addr": ":8080",

		// Logging
		"logging.level":  "info",
		"logging.format": "json",

		// Tracing
		"tracing.endpoint":    "",
		"tracing.sample_rate": 0.1,
		"tracing.insecure":    false,

		"production": false,
	}
}

// envAliases maps the flat environment variables the relay has always
// recognized onto their dotted config keys.
var envAliases = map[string]string{
	"PORT":                            "smtp.port",
	"SMTP_BIND_ADDRESS":               "smtp.bind_addr",
	"SMTP_DOMAIN":                     "smtp.domain",
	"SMTP_SECURE":                     "smtp.secure",
	"SMTP_MAX_CLIENTS":                "smtp.max_clients",
	"SMTP_SOCKET_TIMEOUT":             "smtp.socket_timeout",
	"SMTP_CLOSE_TIMEOUT":              "smtp.close_timeout",
	"SMTP_MAX_MESSAGE_SIZE":           "smtp.max_message_size",
	"SMTP_RATE_LIMIT_WINDOW_MS":       "smtp.rate_limit_window",
	"SMTP_RATE_LIMIT_MAX_CONNECTIONS": "smtp.rate_limit_max_connections",
	"ALLOWED_SMTP_CLIENTS":            "smtp.allowed_clients",
	"TRUSTED_RELAY_IPS":               "smtp.trusted_relay_ips",
	"REQUIRE_TRUSTED_RELAY":           "smtp.require_trusted_relay",
	"ALLOWED_SENDER_DOMAINS":          "smtp.allowed_sender_domains",
	"ALLOWED_RECIPIENT_DOMAINS":       "smtp.allowed_recipient_domains",
	"REQUIRED_AUTH_RESULTS":           "smtp.required_auth_results",
	"TLS_CERT_PATH":                   "smtp.tls_cert",
	"TLS_KEY_PATH":                    "smtp.tls_key",

	"WEBHOOK_URL":                 "webhook.url",
	"WEBHOOK_RULES":               "webhook.rules",
	"WEBHOOK_SECRET":              "webhook.secret",
	"WEBHOOK_TIMEOUT":             "webhook.timeout",
	"WEBHOOK_CONCURRENCY":         "webhook.concurrency",
	"WEBHOOK_RETRY_DELAY_MS":      "webhook.retry_delay",
	"ALLOW_INSECURE_WEBHOOK_HTTP": "webhook.allow_insecure_http",
	"MAX_QUEUE_SIZE":              "webhook.max_queue_size",

	"DURABLE_QUEUE_PATH": "queue.path",

	"MAX_FILE_SIZE":                "storage.max_file_size",
	"LOCAL_STORAGE_PATH":           "storage.local_path",
	"LOCAL_STORAGE_RETENTION":      "storage.retention_hours",
	"LOCAL_STORAGE_ENCRYPTION_KEY": "storage.encryption_key",
	"S3_REGION":                    "storage.s3.region",
	"S3_ACCESS_KEY_ID":             "storage.s3.access_key_id",
	"S3_SECRET_ACCESS_KEY":         "storage.s3.secret_access_key",
	"S3_BUCKET":                    "storage.s3.bucket",
	"S3_ENDPOINT":                  "storage.s3.endpoint",
	"S3_FORCE_PATH_STYLE":          "storage.s3.force_path_style",
	"S3_RETRY_INTERVAL":            "storage.s3.retry_interval",
	"S3_MAX_RETRIES":               "storage.s3.max_retries",

	"PRODUCTION": "production",
}

// millisecondKeys are duration keys whose legacy environment values are bare
// millisecond counts.
var millisecondKeys = map[string]bool{
	"SMTP_SOCKET_TIMEOUT":       true,
	"SMTP_CLOSE_TIMEOUT":        true,
	"SMTP_RATE_LIMIT_WINDOW_MS": true,
	"WEBHOOK_TIMEOUT":           true,
	"WEBHOOK_RETRY_DELAY_MS":    true,
}

// minuteKeys are duration keys whose legacy environment values are bare
// minute counts.
var minuteKeys = map[string]bool{
	"S3_RETRY_INTERVAL": true,
}

// Load reads the configuration from defaults, an optional YAML file, the
// flat legacy environment variables, and MAILHOOK_-prefixed environment
// variables. Later sources override earlier ones.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults.
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// 2. Optional YAML file.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// 3. Flat legacy environment variables.
	if err := k.Load(env.ProviderWithValue("", ".", normalizeEnv), nil); err != nil {
		return nil, fmt.Errorf("loading env variables: %w", err)
	}

	// 4. Prefixed overlay: MAILHOOK_WEBHOOK_TIMEOUT -> webhook.timeout.
	if err := k.Load(env.Provider("MAILHOOK_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "MAILHOOK_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading prefixed env variables: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "mapstructure",
	}); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

// normalizeEnv maps a flat variable onto its dotted key and rewrites legacy
// value shapes: bare millisecond and minute counts become duration strings,
// JSON arrays become comma-separated lists. Unrecognized variables are
// dropped.
func normalizeEnv(key, value string) (string, interface{}) {
	target, ok := envAliases[key]
	if !ok {
		return "", nil
	}

	switch {
	case millisecondKeys[key] && isDigits(value):
		return target, value + "ms"
	case minuteKeys[key] && isDigits(value):
		return target, value + "m"
	}

	if strings.HasPrefix(strings.TrimSpace(value), "[") && key != "WEBHOOK_RULES" {
		var list []string
		if err := json.Unmarshal([]byte(value), &list); err == nil {
			return target, strings.Join(list, ",")
		}
	}

	return target, value
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
