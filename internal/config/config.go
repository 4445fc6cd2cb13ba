// ABOUTME: Configuration loading and parsing for storechat-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/storechat/internal/auth"
)

// Config represents the complete storechat-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Tenant   TenantConfig   `yaml:"tenant"`
	Hub      HubConfig      `yaml:"hub"`
	Bot      BotConfig      `yaml:"bot"`
	Events   EventsConfig   `yaml:"events"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the persistence backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	Path   string `yaml:"path"`   // sqlite file, or ":memory:"
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// TenantConfig controls how the store is resolved from a request
type TenantConfig struct {
	Header string `yaml:"header"`
}

// HubConfig tunes the websocket hub
type HubConfig struct {
	SendBuffer     int      `yaml:"send_buffer"`
	TypingRate     float64  `yaml:"typing_rate"` // indicators per second per connection
	TypingBurst    int      `yaml:"typing_burst"`
	OriginPatterns []string `yaml:"origin_patterns"`

	WriteTimeout time.Duration `yaml:"-"`
	PingInterval time.Duration `yaml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout"`
	PingIntervalRaw string `yaml:"ping_interval"`
}

// BotConfig holds the automated greeting posted into new conversations
type BotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Name     string `yaml:"name"`
	Greeting string `yaml:"greeting"`
}

// EventsConfig holds integration event publishing configuration
type EventsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	AMQPURL        string        `yaml:"amqp_url"`
	Exchange       string        `yaml:"exchange"`
	PublishTimeout time.Duration `yaml:"-"`

	PublishTimeoutRaw string `yaml:"publish_timeout"`
}

// DedupeConfig sizes the client message id cache
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	MaxSize int           `yaml:"max_size"`

	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied by Load for settings left empty.
const (
	DefaultDriver          = "sqlite"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultExchange        = "storechat.events"
	DefaultDedupeTTL       = 10 * time.Minute
	DefaultDedupeMaxSize   = 10000
	DefaultBotName         = "assistant"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration content. Load is the usual entry point.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = DefaultExchange
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = DefaultDedupeTTL
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = DefaultDedupeMaxSize
	}
	if c.Bot.Name == "" {
		c.Bot.Name = DefaultBotName
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}

	if c.Hub.SendBuffer < 0 || c.Hub.TypingBurst < 0 || c.Hub.TypingRate < 0 {
		return fmt.Errorf("hub settings must not be negative")
	}

	if c.Bot.Enabled && c.Bot.Greeting == "" {
		return fmt.Errorf("bot.greeting is required when the bot is enabled")
	}

	if c.Events.Enabled && c.Events.AMQPURL == "" {
		return fmt.Errorf("events.amqp_url is required when events are enabled")
	}

	if c.Dedupe.MaxSize < 0 {
		return fmt.Errorf("dedupe.max_size must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"hub.write_timeout", cfg.Hub.WriteTimeoutRaw, &cfg.Hub.WriteTimeout},
		{"hub.ping_interval", cfg.Hub.PingIntervalRaw, &cfg.Hub.PingInterval},
		{"events.publish_timeout", cfg.Events.PublishTimeoutRaw, &cfg.Events.PublishTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
