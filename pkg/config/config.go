package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for pagesmith.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Queue     QueueConfig     `yaml:"queue"`
	Staging   StagingConfig   `yaml:"staging"`
	Publish   PublishConfig   `yaml:"publish"`
	Generator GeneratorConfig `yaml:"generator"`
	Worker    WorkerConfig    `yaml:"worker"`
	GitHub    GitHubConfig    `yaml:"github"`
	History   HistoryConfig   `yaml:"history"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen        string          `yaml:"listen"`
	CORSOrigins   []string        `yaml:"cors_origins"`
	WebhookSecret string          `yaml:"webhook_secret"`
	FixturesDir   string          `yaml:"fixtures_dir"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Webhook RateLimitTier `yaml:"webhook"`
	API     RateLimitTier `yaml:"api"`
}

// RateLimitTier contains the limit for a group of endpoints.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL-specific settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// QueueConfig contains job transport settings.
type QueueConfig struct {
	Driver            string        `yaml:"driver"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	NATS              NATSConfig    `yaml:"nats"`
	Kafka             KafkaConfig   `yaml:"kafka"`
}

// NATSConfig contains NATS JetStream settings.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// KafkaConfig contains Kafka settings.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	TopicPrefix   string   `yaml:"topic_prefix"`
	ConsumerGroup string   `yaml:"consumer_group"`
}

// StagingConfig contains working copy settings.
type StagingConfig struct {
	Root string `yaml:"root"`
}

// PublishConfig contains output tree settings.
type PublishConfig struct {
	Root      string `yaml:"root"`
	PublicURL string `yaml:"public_url"`
}

// GeneratorConfig contains document generator settings.
type GeneratorConfig struct {
	API      APIGeneratorConfig `yaml:"api"`
	Markdown MarkdownConfig     `yaml:"markdown"`
}

// APIGeneratorConfig contains API documentation generator settings.
type APIGeneratorConfig struct {
	Driver   string   `yaml:"driver"`
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Template string   `yaml:"template"`
	Ignore   []string `yaml:"ignore"`
	Style    string   `yaml:"style"`
}

// MarkdownConfig contains Markdown renderer settings.
type MarkdownConfig struct {
	Extensions []string `yaml:"extensions"`
	LayoutFile string   `yaml:"layout_file"`

	// Layout holds the contents of LayoutFile once loaded.
	Layout string `yaml:"-"`
}

// WorkerConfig contains job worker settings.
type WorkerConfig struct {
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Timeout     time.Duration     `yaml:"timeout"`
	Lock        string            `yaml:"lock"`
	LeaseTTL    time.Duration     `yaml:"lease_ttl"`
}

// ConcurrencyConfig contains the number of concurrent consumers per queue.
type ConcurrencyConfig struct {
	GenerateAPI  int `yaml:"generate_api"`
	GeneratePage int `yaml:"generate_page"`
}

// GitHubConfig contains GitHub API settings.
type GitHubConfig struct {
	Token         string `yaml:"token"`
	StatusContext string `yaml:"status_context"`
	// APIURL points the client at a GitHub Enterprise instance.
	APIURL string `yaml:"api_url"`
}

// AuthConfig contains the credentials accepted by the admin endpoints.
type AuthConfig struct {
	Admins []AdminConfig `yaml:"admins"`
}

// AdminConfig is a named admin token. Only the bcrypt hash of the token is
// configured.
type AdminConfig struct {
	Name      string `yaml:"name"`
	TokenHash string `yaml:"token_hash"`
}

// HistoryConfig contains job run history retention settings.
type HistoryConfig struct {
	RetentionDays   int           `yaml:"retention_days"`   // default 30, -1 to disable
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // default 1h
}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables.
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Load the page layout from an external file.
	configDir := filepath.Dir(path)
	if err := loadLayoutFile(&cfg, configDir); err != nil {
		return nil, fmt.Errorf("loading layout file: %w", err)
	}

	// Apply defaults.
	applyDefaults(&cfg)

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadLayoutFile reads the Markdown page layout template.
func loadLayoutFile(cfg *Config, configDir string) error {
	layoutFile := cfg.Generator.Markdown.LayoutFile
	if layoutFile == "" {
		return nil
	}

	// Resolve path relative to config file directory.
	if !filepath.IsAbs(layoutFile) {
		layoutFile = filepath.Join(configDir, layoutFile)
	}

	data, err := os.ReadFile(layoutFile)
	if err != nil {
		return fmt.Errorf("reading layout file %s: %w", cfg.Generator.Markdown.LayoutFile, err)
	}

	cfg.Generator.Markdown.Layout = string(data)

	return nil
}

// expandEnvVars replaces ${VAR} and $VAR patterns with environment variable values.
func expandEnvVars(s string) string {
	// Match ${VAR} pattern.
	re := regexp.MustCompile(`\$\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}

		return match
	})

	// Match $VAR pattern (only at word boundaries).
	re = regexp.MustCompile(`\$([a-zA-Z_][a-zA-Z0-9_]*)`)
	s = re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[1:]
		if val, ok := os.LookupEnv(varName); ok {
			return val
		}

		return match
	})

	return s
}

// applyDefaults sets default values for unset configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":9090"
	}

	if cfg.Server.FixturesDir == "" {
		cfg.Server.FixturesDir = "./fixtures"
	}

	if cfg.Server.RateLimit.Webhook.RequestsPerMinute == 0 {
		cfg.Server.RateLimit.Webhook.RequestsPerMinute = 120
	}

	if cfg.Server.RateLimit.API.RequestsPerMinute == 0 {
		cfg.Server.RateLimit.API.RequestsPerMinute = 600
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}

	if cfg.Database.SQLite.Path == "" {
		cfg.Database.SQLite.Path = "./pagesmith.db"
	}

	if cfg.Database.Postgres.Port == 0 {
		cfg.Database.Postgres.Port = 5432
	}

	if cfg.Database.Postgres.SSLMode == "" {
		cfg.Database.Postgres.SSLMode = "disable"
	}

	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "store"
	}

	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = time.Second
	}

	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = 30 * time.Minute
	}

	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 5
	}

	if cfg.Queue.RetryBackoff == 0 {
		cfg.Queue.RetryBackoff = 30 * time.Second
	}

	if cfg.Queue.NATS.Stream == "" {
		cfg.Queue.NATS.Stream = "PAGESMITH"
	}

	if cfg.Queue.NATS.SubjectPrefix == "" {
		cfg.Queue.NATS.SubjectPrefix = "pagesmith"
	}

	if cfg.Queue.Kafka.TopicPrefix == "" {
		cfg.Queue.Kafka.TopicPrefix = "pagesmith"
	}

	if cfg.Queue.Kafka.ConsumerGroup == "" {
		cfg.Queue.Kafka.ConsumerGroup = "pagesmith-workers"
	}

	if cfg.Staging.Root == "" {
		cfg.Staging.Root = "./data/staging"
	}

	if cfg.Publish.Root == "" {
		cfg.Publish.Root = "./data/public"
	}

	if cfg.Generator.API.Driver == "" {
		cfg.Generator.API.Driver = "builtin"
	}

	if cfg.Generator.API.Command == "" {
		cfg.Generator.API.Command = "phpdoc"
	}

	if cfg.Generator.API.Template == "" {
		cfg.Generator.API.Template = "responsive"
	}

	if cfg.Generator.API.Ignore == nil {
		cfg.Generator.API.Ignore = []string{"vendor"}
	}

	if cfg.Generator.API.Style == "" {
		cfg.Generator.API.Style = "github"
	}

	if len(cfg.Generator.Markdown.Extensions) == 0 {
		cfg.Generator.Markdown.Extensions = []string{".md", ".markdown"}
	}

	if cfg.Worker.Concurrency.GenerateAPI == 0 {
		cfg.Worker.Concurrency.GenerateAPI = 1
	}

	if cfg.Worker.Concurrency.GeneratePage == 0 {
		cfg.Worker.Concurrency.GeneratePage = 1
	}

	if cfg.Worker.Timeout == 0 {
		cfg.Worker.Timeout = 15 * time.Minute
	}

	if cfg.Worker.Lock == "" {
		cfg.Worker.Lock = "mutex"
	}

	if cfg.Worker.LeaseTTL == 0 {
		cfg.Worker.LeaseTTL = 30 * time.Second
	}

	if cfg.GitHub.StatusContext == "" {
		cfg.GitHub.StatusContext = "pagesmith"
	}

	if cfg.History.RetentionDays == 0 {
		cfg.History.RetentionDays = 30
	}

	if cfg.History.CleanupInterval == 0 {
		cfg.History.CleanupInterval = time.Hour
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	// Validate database config.
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required when driver is sqlite")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("postgres.host is required when driver is postgres")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("postgres.database is required when driver is postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	// Validate queue config.
	switch c.Queue.Driver {
	case "store":
	case "nats":
		if c.Queue.NATS.URL == "" {
			return fmt.Errorf("queue.nats.url is required when driver is nats")
		}
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue.kafka.brokers is required when driver is kafka")
		}
	default:
		return fmt.Errorf("unsupported queue driver: %s", c.Queue.Driver)
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1")
	}

	// A claimed message becomes visible again after the visibility timeout
	// (the JetStream ack wait for nats), so it must outlast a worker run.
	redelivers := c.Queue.Driver == "store" || c.Queue.Driver == "nats"
	if redelivers && c.Worker.Timeout > 0 && c.Queue.VisibilityTimeout <= c.Worker.Timeout {
		return fmt.Errorf("queue.visibility_timeout must exceed worker.timeout for driver %s", c.Queue.Driver)
	}

	// Validate generator config.
	switch c.Generator.API.Driver {
	case "builtin":
	case "exec":
		if c.Generator.API.Command == "" {
			return fmt.Errorf("generator.api.command is required when driver is exec")
		}
	default:
		return fmt.Errorf("unsupported api generator driver: %s", c.Generator.API.Driver)
	}

	for _, ext := range c.Generator.Markdown.Extensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("generator.markdown.extensions: %q must start with a dot", ext)
		}
	}

	// Validate worker config.
	if c.Worker.Concurrency.GenerateAPI < 1 || c.Worker.Concurrency.GeneratePage < 1 {
		return fmt.Errorf("worker.concurrency values must be at least 1")
	}

	switch c.Worker.Lock {
	case "mutex", "lease":
	default:
		return fmt.Errorf("unsupported worker lock: %s", c.Worker.Lock)
	}

	if c.Worker.Lock == "lease" && c.Worker.LeaseTTL < time.Second {
		return fmt.Errorf("worker.lease_ttl must be at least 1s")
	}

	for i, admin := range c.Auth.Admins {
		if admin.Name == "" || admin.TokenHash == "" {
			return fmt.Errorf("auth.admins[%d]: name and token_hash are required", i)
		}
	}

	if c.Staging.Root == c.Publish.Root {
		return fmt.Errorf("staging.root and publish.root must differ")
	}

	return nil
}

// GetDSN returns the database connection string.
func (c *Config) GetDSN() string {
	switch c.Database.Driver {
	case "sqlite":
		return c.Database.SQLite.Path
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Database.Postgres.Host,
			c.Database.Postgres.Port,
			c.Database.Postgres.User,
			c.Database.Postgres.Password,
			c.Database.Postgres.Database,
			c.Database.Postgres.SSLMode,
		)
	default:
		return ""
	}
}

// String returns a sanitized string representation of the config (no secrets).
func (c *Config) String() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Server: listen=%s webhook_secret=%t rate_limit=%t\n",
		c.Server.Listen, c.Server.WebhookSecret != "", c.Server.RateLimit.Enabled))
	sb.WriteString(fmt.Sprintf("Database: driver=%s\n", c.Database.Driver))
	sb.WriteString(fmt.Sprintf("Queue: driver=%s max_attempts=%d visibility_timeout=%s\n",
		c.Queue.Driver, c.Queue.MaxAttempts, c.Queue.VisibilityTimeout))
	sb.WriteString(fmt.Sprintf("Paths: staging=%s publish=%s\n", c.Staging.Root, c.Publish.Root))
	sb.WriteString(fmt.Sprintf("Generator: api=%s markdown_extensions=%s\n",
		c.Generator.API.Driver, strings.Join(c.Generator.Markdown.Extensions, ",")))
	sb.WriteString(fmt.Sprintf("Worker: generate_api=%d generate_page=%d timeout=%s lock=%s\n",
		c.Worker.Concurrency.GenerateAPI, c.Worker.Concurrency.GeneratePage, c.Worker.Timeout, c.Worker.Lock))
	sb.WriteString(fmt.Sprintf("GitHub: status_notifications=%t\n", c.GitHub.Token != ""))
	sb.WriteString(fmt.Sprintf("Auth: admins=%d\n", len(c.Auth.Admins)))

	return sb.String()
}
