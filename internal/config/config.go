package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Broker         BrokerConfig         `yaml:"broker"`
	Streams        []StreamConfig       `yaml:"streams" ignored:"true"`
	StreamDefaults StreamDefaultsConfig `yaml:"stream_defaults"`
	Publisher      PublisherConfig      `yaml:"publisher"`
	Correlation    CorrelationConfig    `yaml:"correlation"`
	Subscriber     SubscriberConfig     `yaml:"subscriber"`
	MinIO          MinIOConfig          `yaml:"minio"`
	Vault          VaultConfig          `yaml:"vault"`
	Logger         LoggerConfig         `yaml:"logger"`
	Health         HealthConfig         `yaml:"health"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// BrokerConfig represents NATS connection configuration
type BrokerConfig struct {
	URLs             []string      `yaml:"urls" envconfig:"NATS_URLS"`
	Name             string        `yaml:"name" envconfig:"NATS_CLIENT_NAME"`
	Mode             string        `yaml:"mode" envconfig:"NATS_MODE"` // required, optional or disabled
	ConnectTimeout   time.Duration `yaml:"connect_timeout" envconfig:"NATS_CONNECT_TIMEOUT"`
	ConnectAttempts  int           `yaml:"connect_attempts" envconfig:"NATS_CONNECT_ATTEMPTS"`
	MaxReconnects    int           `yaml:"max_reconnects" envconfig:"NATS_MAX_RECONNECTS"` // -1 retries forever, 0 uses the broker default
	ReconnectWait    time.Duration `yaml:"reconnect_wait" envconfig:"NATS_RECONNECT_WAIT"`
	ReconnectMaxWait time.Duration `yaml:"reconnect_max_wait" envconfig:"NATS_RECONNECT_MAX_WAIT"`
	DrainTimeout     time.Duration `yaml:"drain_timeout" envconfig:"NATS_DRAIN_TIMEOUT"`
	User             string        `yaml:"user" envconfig:"NATS_USER"`
	Password         string        `yaml:"password" envconfig:"NATS_PASSWORD"`
	Token            string        `yaml:"token" envconfig:"NATS_TOKEN"`

	// Vault path for credentials (optional)
	VaultPath string `yaml:"vault_path" envconfig:"NATS_VAULT_PATH"`
}

// StreamConfig describes one durable stream. Zero values inherit
// stream_defaults.
type StreamConfig struct {
	Name        string        `yaml:"name"`
	Subjects    []string      `yaml:"subjects"`
	MaxAge      time.Duration `yaml:"max_age"`
	MaxMsgs     int64         `yaml:"max_msgs"`
	Discard     string        `yaml:"discard"`
	DedupWindow time.Duration `yaml:"dedup_window"`
	Storage     string        `yaml:"storage"`
	Replicas    int           `yaml:"replicas"`
}

// StreamDefaultsConfig represents retention shared by all streams
type StreamDefaultsConfig struct {
	MaxAge      time.Duration `yaml:"max_age" envconfig:"STREAM_MAX_AGE"`
	MaxMsgs     int64         `yaml:"max_msgs" envconfig:"STREAM_MAX_MSGS"`
	Discard     string        `yaml:"discard" envconfig:"STREAM_DISCARD"` // old or new
	DedupWindow time.Duration `yaml:"dedup_window" envconfig:"STREAM_DEDUP_WINDOW"`
	Storage     string        `yaml:"storage" envconfig:"STREAM_STORAGE"` // file or memory
	Replicas    int           `yaml:"replicas" envconfig:"STREAM_REPLICAS"`
}

// PublisherConfig represents event publishing configuration
type PublisherConfig struct {
	Source           string        `yaml:"source" envconfig:"PUBLISH_SOURCE"`
	Timeout          time.Duration `yaml:"timeout" envconfig:"PUBLISH_TIMEOUT"`
	OffloadThreshold int           `yaml:"offload_threshold" envconfig:"PUBLISH_OFFLOAD_THRESHOLD"` // bytes, 0 keeps payloads inline
}

// CorrelationConfig represents reply correlation configuration
type CorrelationConfig struct {
	Timeout time.Duration `yaml:"timeout" envconfig:"CORRELATION_TIMEOUT"`
}

// SubscriberConfig represents defaults for durable subscriptions
type SubscriberConfig struct {
	AckWait        time.Duration `yaml:"ack_wait" envconfig:"SUBSCRIBER_ACK_WAIT"`
	MaxDeliver     int           `yaml:"max_deliver" envconfig:"SUBSCRIBER_MAX_DELIVER"`
	MaxConcurrency int           `yaml:"max_concurrency" envconfig:"SUBSCRIBER_MAX_CONCURRENCY"`
	NakDelay       time.Duration `yaml:"nak_delay" envconfig:"SUBSCRIBER_NAK_DELAY"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" envconfig:"SUBSCRIBER_HANDLER_TIMEOUT"`

	// Audit logs every event of the catalogue through a dedicated queue group
	AuditEnabled bool   `yaml:"audit_enabled" envconfig:"SUBSCRIBER_AUDIT_ENABLED"`
	AuditGroup   string `yaml:"audit_group" envconfig:"SUBSCRIBER_AUDIT_GROUP"`
}

// MinIOConfig represents MinIO connection configuration for offloaded payloads
type MinIOConfig struct {
	Enabled         bool   `yaml:"enabled" envconfig:"MINIO_ENABLED"`
	Endpoint        string `yaml:"endpoint" envconfig:"MINIO_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" envconfig:"MINIO_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" envconfig:"MINIO_SECRET_ACCESS_KEY"`
	UseSSL          bool   `yaml:"use_ssl" envconfig:"MINIO_USE_SSL"`
	BucketName      string `yaml:"bucket_name" envconfig:"MINIO_BUCKET_NAME"`

	// Vault path for credentials (optional)
	VaultPath string `yaml:"vault_path" envconfig:"MINIO_VAULT_PATH"`
}

// VaultConfig represents HashiCorp Vault configuration
type VaultConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"VAULT_ENABLED"`
	Address   string `yaml:"address" envconfig:"VAULT_ADDR"`
	Token     string `yaml:"token" envconfig:"VAULT_TOKEN"`
	TokenPath string `yaml:"token_path" envconfig:"VAULT_TOKEN_PATH"`
	Namespace string `yaml:"namespace" envconfig:"VAULT_NAMESPACE"`
	Mount     string `yaml:"mount" envconfig:"VAULT_MOUNT"`
}

// LoggerConfig represents logger configuration
type LoggerConfig struct {
	Level      string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format     string `yaml:"format" envconfig:"LOG_FORMAT"` // json or console
	OutputPath string `yaml:"output_path" envconfig:"LOG_OUTPUT_PATH"`
}

// HealthConfig represents the gRPC health server configuration
type HealthConfig struct {
	Port int `yaml:"port" envconfig:"HEALTH_PORT"`
}

// MetricsConfig represents the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" envconfig:"METRICS_ENABLED"`
	Addr    string `yaml:"addr" envconfig:"METRICS_ADDR"`
}

// TracingConfig represents OpenTelemetry export configuration
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"OTEL_ENABLED"`
	Endpoint    string `yaml:"endpoint" envconfig:"OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" envconfig:"OTEL_SERVICE_NAME"`
}

// Default returns the configuration used when neither file nor environment
// set a value
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URLs:             []string{"nats://localhost:4222"},
			Name:             "eventrelay",
			Mode:             "required",
			ConnectTimeout:   5 * time.Second,
			ConnectAttempts:  3,
			MaxReconnects:    10,
			ReconnectWait:    500 * time.Millisecond,
			ReconnectMaxWait: 10 * time.Second,
			DrainTimeout:     10 * time.Second,
		},
		Streams: []StreamConfig{
			{
				Name:     "EVENTS",
				Subjects: []string{"job.*", "resume.*", "analysis.*"},
			},
		},
		StreamDefaults: StreamDefaultsConfig{
			MaxAge:      7 * 24 * time.Hour,
			MaxMsgs:     1_000_000,
			Discard:     "old",
			DedupWindow: 2 * time.Minute,
			Storage:     "file",
			Replicas:    1,
		},
		Publisher: PublisherConfig{
			Source:           "eventrelay",
			Timeout:          3 * time.Second,
			OffloadThreshold: 512 * 1024,
		},
		Correlation: CorrelationConfig{
			Timeout: 30 * time.Second,
		},
		Subscriber: SubscriberConfig{
			AckWait:        30 * time.Second,
			MaxDeliver:     5,
			MaxConcurrency: 4,
			NakDelay:       time.Second,
			HandlerTimeout: 30 * time.Second,
			AuditGroup:     "audit",
		},
		MinIO: MinIOConfig{
			Endpoint:        "localhost:9000",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			BucketName:      "eventrelay-payloads",
		},
		Vault: VaultConfig{
			Address: "http://localhost:8200",
			Mount:   "secret",
		},
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Health: HealthConfig{
			Port: 50051,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Tracing: TracingConfig{
			ServiceName: "eventrelay",
		},
	}
}

// Load loads configuration from file and environment variables.
// Environment variables take precedence over file configuration, and only
// variables that are actually set override anything.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true) // Strict parsing

	if err := decoder.Decode(cfg); err != nil {
		return err
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Broker.Mode {
	case "required", "optional", "disabled":
	default:
		return fmt.Errorf("invalid broker mode: %q", c.Broker.Mode)
	}

	if c.Broker.Mode != "disabled" && len(c.Broker.URLs) == 0 {
		return fmt.Errorf("broker urls are required")
	}
	for _, u := range c.Broker.URLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("broker url must not be empty")
		}
	}

	if c.Broker.ConnectTimeout <= 0 {
		return fmt.Errorf("broker connect timeout must be positive")
	}

	if c.Broker.ConnectAttempts < 1 {
		return fmt.Errorf("broker connect attempts must be at least 1")
	}

	if c.Broker.ReconnectMaxWait < c.Broker.ReconnectWait {
		return fmt.Errorf("broker reconnect max wait %s is below reconnect wait %s",
			c.Broker.ReconnectMaxWait, c.Broker.ReconnectWait)
	}

	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}
	seen := make(map[string]struct{}, len(c.Streams))
	for i, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("stream %d: name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("stream %s: declared twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if len(s.Subjects) == 0 {
			return fmt.Errorf("stream %s: at least one subject is required", s.Name)
		}
		if s.Discard != "" && s.Discard != "old" && s.Discard != "new" {
			return fmt.Errorf("stream %s: invalid discard policy %q", s.Name, s.Discard)
		}
		if s.Storage != "" && s.Storage != "file" && s.Storage != "memory" {
			return fmt.Errorf("stream %s: invalid storage %q", s.Name, s.Storage)
		}
	}

	if c.StreamDefaults.Discard != "old" && c.StreamDefaults.Discard != "new" {
		return fmt.Errorf("invalid stream discard policy: %q", c.StreamDefaults.Discard)
	}
	if c.StreamDefaults.Storage != "file" && c.StreamDefaults.Storage != "memory" {
		return fmt.Errorf("invalid stream storage: %q", c.StreamDefaults.Storage)
	}
	if c.StreamDefaults.MaxAge < 0 || c.StreamDefaults.MaxMsgs < 0 || c.StreamDefaults.DedupWindow < 0 {
		return fmt.Errorf("stream retention limits must not be negative")
	}

	if c.Publisher.Timeout <= 0 {
		return fmt.Errorf("publish timeout must be positive")
	}
	if c.Publisher.OffloadThreshold < 0 {
		return fmt.Errorf("offload threshold must not be negative")
	}

	if c.Correlation.Timeout <= 0 {
		return fmt.Errorf("correlation timeout must be positive")
	}

	if c.Subscriber.MaxConcurrency < 1 {
		return fmt.Errorf("subscriber max concurrency must be at least 1")
	}

	if c.MinIO.Enabled {
		if c.MinIO.Endpoint == "" {
			return fmt.Errorf("minio endpoint is required")
		}
		if c.MinIO.BucketName == "" {
			return fmt.Errorf("minio bucket name is required")
		}
	}

	if c.Vault.Enabled && c.Vault.Address == "" {
		return fmt.Errorf("vault address is required when vault is enabled")
	}

	if c.Health.Port <= 0 || c.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", c.Health.Port)
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required when tracing is enabled")
	}

	return nil
}

// Stream returns s with zero values filled from the stream defaults
func (c *Config) Stream(s StreamConfig) StreamConfig {
	d := c.StreamDefaults
	if s.MaxAge == 0 {
		s.MaxAge = d.MaxAge
	}
	if s.MaxMsgs == 0 {
		s.MaxMsgs = d.MaxMsgs
	}
	if s.Discard == "" {
		s.Discard = d.Discard
	}
	if s.DedupWindow == 0 {
		s.DedupWindow = d.DedupWindow
	}
	if s.Storage == "" {
		s.Storage = d.Storage
	}
	if s.Replicas == 0 {
		s.Replicas = d.Replicas
	}
	return s
}

// GetVaultToken returns the Vault token from config or file
func (c *VaultConfig) GetVaultToken() (string, error) {
	if c.Token != "" {
		return c.Token, nil
	}

	if c.TokenPath != "" {
		token, err := os.ReadFile(c.TokenPath)
		if err != nil {
			return "", fmt.Errorf("failed to read vault token from file: %w", err)
		}
		return strings.TrimSpace(string(token)), nil
	}

	return "", fmt.Errorf("vault token not configured")
}
