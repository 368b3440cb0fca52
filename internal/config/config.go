package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Registry backends
const (
	RegistryMemory   = "memory"
	RegistryPostgres = "postgres"
)

// Event delivery modes
const (
	EventsInline   = "inline"
	EventsRabbitMQ = "rabbitmq"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Storage  StorageConfig  `yaml:"storage"`
	Poller   PollerConfig   `yaml:"poller"`
	Registry RegistryConfig `yaml:"registry"`
	Events   EventsConfig   `yaml:"events"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
	DeadLetter string `yaml:"dead_letter_exchange"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds event worker pool configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	QueueSize       int           `yaml:"queue_size"`
	HandleTimeout   time.Duration `yaml:"handle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig holds the generation provider API settings
type UpstreamConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIToken     string        `yaml:"api_token"`
	CallbackURL  string        `yaml:"callback_url"`
	DefaultModel string        `yaml:"default_model"`
	GeneratePath string        `yaml:"generate_path"`
	StatusPath   string        `yaml:"status_path"`
	CreditPath   string        `yaml:"credit_path"`
	Timeout      time.Duration `yaml:"timeout"`
}

// StorageConfig holds artifact download and storage settings
type StorageConfig struct {
	Path             string        `yaml:"path"`
	Extension        string        `yaml:"extension"`
	MaxArtifactBytes int64         `yaml:"max_artifact_bytes"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	UserAgent        string        `yaml:"user_agent"`
}

// PollerConfig holds poll loop settings
type PollerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// RegistryConfig selects the job registry backend
type RegistryConfig struct {
	Backend  string        `yaml:"backend"`
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// EventsConfig selects how webhook events reach the engine
type EventsConfig struct {
	Mode            string        `yaml:"mode"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()
	config.ApplyDefaults()

	return &config, nil
}

// applyEnvOverrides lets secrets stay out of the YAML file
func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"UPSTREAM_API_TOKEN", &c.Upstream.APIToken},
		{"UPSTREAM_CALLBACK_URL", &c.Upstream.CallbackURL},
		{"DATABASE_PASSWORD", &c.Database.Password},
		{"RABBITMQ_PASSWORD", &c.RabbitMQ.Password},
	}

	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.target = v
		}
	}
}

// ApplyDefaults fills unset optional settings
func (c *Config) ApplyDefaults() {
	if c.Registry.Backend == "" {
		c.Registry.Backend = RegistryMemory
	}
	if c.Registry.ClaimTTL <= 0 {
		c.Registry.ClaimTTL = 2 * time.Minute
	}
	if c.Events.Mode == "" {
		c.Events.Mode = EventsInline
	}
	if c.Events.DispatchTimeout <= 0 {
		c.Events.DispatchTimeout = 2 * time.Second
	}

	if c.Poller.Interval <= 0 {
		c.Poller.Interval = 5 * time.Second
	}
	if c.Poller.Concurrency <= 0 {
		c.Poller.Concurrency = 4
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "data/artifacts"
	}
	if c.Storage.Extension == "" {
		c.Storage.Extension = ".mp3"
	}
	if c.Storage.MaxArtifactBytes <= 0 {
		c.Storage.MaxArtifactBytes = 100 << 20
	}
	if c.Storage.FetchTimeout <= 0 {
		c.Storage.FetchTimeout = 60 * time.Second
	}

	if c.Upstream.Timeout <= 0 {
		c.Upstream.Timeout = 60 * time.Second
	}

	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.QueueSize <= 0 {
		c.Worker.QueueSize = 256
	}
	if c.Worker.HandleTimeout <= 0 {
		c.Worker.HandleTimeout = 2 * time.Minute
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateUpstream(); err != nil {
		return err
	}

	if c.Upstream.CallbackURL == "" {
		return fmt.Errorf("upstream callback_url is required")
	}

	if err := c.validateClaimTTL(); err != nil {
		return err
	}

	switch c.Registry.Backend {
	case RegistryMemory:
	case RegistryPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown registry backend: %q", c.Registry.Backend)
	}

	switch c.Events.Mode {
	case EventsInline:
	case EventsRabbitMQ:
		// the worker service must see the jobs the API service registers
		if c.Registry.Backend != RegistryPostgres {
			return fmt.Errorf("events mode %q requires the %q registry backend", EventsRabbitMQ, RegistryPostgres)
		}
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown events mode: %q", c.Events.Mode)
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.HandleTimeout <= 0 {
		return fmt.Errorf("worker handle_timeout must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Registry.Backend != RegistryPostgres {
		return fmt.Errorf("worker service requires the %q registry backend", RegistryPostgres)
	}

	if c.Events.Mode != EventsRabbitMQ {
		return fmt.Errorf("worker service requires events mode %q", EventsRabbitMQ)
	}

	if err := c.validateUpstream(); err != nil {
		return err
	}

	if err := c.validateClaimTTL(); err != nil {
		return err
	}

	if err := c.validateDatabase(); err != nil {
		return err
	}

	return c.validateRabbitMQ()
}

// validateClaimTTL requires a fetch claim to outlive the download it guards
func (c *Config) validateClaimTTL() error {
	if c.Registry.ClaimTTL <= c.Storage.FetchTimeout {
		return fmt.Errorf("registry claim_ttl (%s) must be greater than storage fetch_timeout (%s)",
			c.Registry.ClaimTTL, c.Storage.FetchTimeout)
	}
	return nil
}

func (c *Config) validateUpstream() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream base_url is required")
	}

	if !strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream base_url must be an http(s) url: %q", c.Upstream.BaseURL)
	}

	if c.Upstream.APIToken == "" {
		return fmt.Errorf("upstream api_token is required")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
