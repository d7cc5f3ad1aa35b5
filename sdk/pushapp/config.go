package pushapp

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/pushapp/internal/channel"
	"github.com/R3E-Network/pushapp/internal/device"
)

// TenantPlaceholder is replaced with the tenant parsed from the identifier.
const TenantPlaceholder = "{tenant}"

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://" + TenantPlaceholder + ".mehery.com/pushapp/api"

// Storage drivers.
const (
	StorageFile     = "file"
	StorageMemory   = "memory"
	StorageRedis    = "redis"
	StoragePostgres = "postgres"
)

// Config configures a Client. Zero values fall back to DefaultConfig.
type Config struct {
	// BaseURL is the HTTP API root. May contain {tenant}.
	BaseURL string `yaml:"base_url" env:"PUSHAPP_BASE_URL"`
	// SocketURL is the websocket root; "/channel" is appended. Derived from
	// BaseURL when empty.
	SocketURL string `yaml:"socket_url" env:"PUSHAPP_SOCKET_URL"`
	// SandboxBaseURL and SandboxSocketURL replace the above when
	// Initialize is called with sandbox=true.
	SandboxBaseURL   string `yaml:"sandbox_base_url" env:"PUSHAPP_SANDBOX_BASE_URL"`
	SandboxSocketURL string `yaml:"sandbox_socket_url" env:"PUSHAPP_SANDBOX_SOCKET_URL"`

	// Platform is ios, android or desktop. Empty means the running OS.
	Platform string `yaml:"platform" env:"PUSHAPP_PLATFORM"`
	// DeviceID overrides host-derived device identification.
	DeviceID string `yaml:"device_id" env:"PUSHAPP_DEVICE_ID"`

	StorageDriver string `yaml:"storage_driver" env:"PUSHAPP_STORAGE_DRIVER"`
	StoragePath   string `yaml:"storage_path" env:"PUSHAPP_STORAGE_PATH"`
	RedisAddr     string `yaml:"redis_addr" env:"PUSHAPP_REDIS_ADDR"`
	PostgresDSN   string `yaml:"postgres_dsn" env:"PUSHAPP_POSTGRES_DSN"`

	HTTPTimeout     time.Duration `yaml:"http_timeout" env:"PUSHAPP_HTTP_TIMEOUT"`
	PingInterval    time.Duration `yaml:"ping_interval" env:"PUSHAPP_PING_INTERVAL"`
	EventsPerSecond float64       `yaml:"events_per_second" env:"PUSHAPP_EVENTS_PER_SECOND"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:       DefaultBaseURL,
		StorageDriver: StorageFile,
		HTTPTimeout:   30 * time.Second,
		PingInterval:  30 * time.Second,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("pushapp: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("pushapp: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv loads the given .env files (".env" when none are given,
// missing files are ignored) and decodes PUSHAPP_* variables on top of
// DefaultConfig.
func ConfigFromEnv(envFiles ...string) (Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("pushapp: load env file: %w", err)
	}
	cfg := DefaultConfig()
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("pushapp: decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field values without resolving endpoints.
func (c Config) Validate() error {
	if _, err := device.ParsePlatform(c.Platform); err != nil {
		return fmt.Errorf("pushapp: %w", err)
	}
	if c.HTTPTimeout < 0 || c.PingInterval < 0 {
		return fmt.Errorf("pushapp: durations must not be negative")
	}
	if c.EventsPerSecond < 0 {
		return fmt.Errorf("pushapp: events_per_second must not be negative")
	}
	switch c.StorageDriver {
	case "", StorageFile, StorageMemory:
	case StorageRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("pushapp: redis_addr is required for the redis storage driver")
		}
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("pushapp: postgres_dsn is required for the postgres storage driver")
		}
	default:
		return fmt.Errorf("pushapp: unknown storage driver %q", c.StorageDriver)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	if c.StorageDriver == "" {
		c.StorageDriver = d.StorageDriver
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = d.HTTPTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = d.PingInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = d.LogFormat
	}
	return c
}

// Endpoints are the resolved network addresses for one tenant.
type Endpoints struct {
	BaseURL    string
	ChannelURL string
}

// Endpoints resolves the API and channel addresses for tenant.
func (c Config) Endpoints(tenant string, sandbox bool) (Endpoints, error) {
	base, socket := c.BaseURL, c.SocketURL
	if sandbox {
		if c.SandboxBaseURL != "" {
			base = c.SandboxBaseURL
		}
		if c.SandboxSocketURL != "" {
			socket = c.SandboxSocketURL
		}
	}
	if base == "" {
		base = DefaultBaseURL
	}
	base = strings.ReplaceAll(base, TenantPlaceholder, tenant)
	socket = strings.ReplaceAll(socket, TenantPlaceholder, tenant)
	if socket == "" {
		socket = base
	}

	channelURL, err := channel.URLFromBase(socket)
	if err != nil {
		return Endpoints{}, fmt.Errorf("pushapp: socket url: %w", err)
	}
	return Endpoints{BaseURL: strings.TrimSuffix(base, "/"), ChannelURL: channelURL}, nil
}
