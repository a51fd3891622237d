// Package config resolves runtime settings from defaults, the environment and
// an optional JSON or YAML file, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CAMPUSCHAT_"

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Auth      AuthConfig      `yaml:"auth" envPrefix:"AUTH_"`
	Chat      ChatConfig      `yaml:"chat" envPrefix:"CHAT_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// DatabaseConfig locates the SQLite file. MigrationsPath overrides the
// embedded migrations when set.
type DatabaseConfig struct {
	Path            string        `yaml:"path" env:"PATH" validate:"required"`
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS" validate:"gt=0"`
	WriteRetryDelay time.Duration `yaml:"write_retry_delay" env:"WRITE_RETRY_DELAY" validate:"gte=0"`
	MigrationsPath  string        `yaml:"migrations_path" env:"MIGRATIONS_PATH"`
}

// HTTPConfig is the listener. Port 0 binds any free port.
type HTTPConfig struct {
	Host            string        `yaml:"host" env:"HOST" validate:"required"`
	Port            int           `yaml:"port" env:"PORT" validate:"min=0,max=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gt=0"`
}

// WebSocketConfig mirrors the transport settings. ReadTimeout must exceed
// PingInterval or healthy peers would be dropped between pings.
type WebSocketConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval" env:"PING_INTERVAL" validate:"gt=0"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gt=0,gtfield=PingInterval"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gt=0"`
	BufferSize     int           `yaml:"buffer_size" env:"BUFFER_SIZE" validate:"gt=0"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE" validate:"gt=0"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type AuthConfig struct {
	JWTSecret      string        `yaml:"jwt_secret" env:"JWT_SECRET" validate:"required"`
	CookieName     string        `yaml:"cookie_name" env:"COOKIE_NAME" validate:"required"`
	TokenTTL       time.Duration `yaml:"token_ttl" env:"TOKEN_TTL" validate:"gt=0"`
	AllowAnonymous bool          `yaml:"allow_anonymous" env:"ALLOW_ANONYMOUS"`
}

type ChatConfig struct {
	MaxMessageLength   int           `yaml:"max_message_length" env:"MAX_MESSAGE_LENGTH" validate:"gte=0"`
	RateLimitPerSecond float64       `yaml:"rate_limit_per_second" env:"RATE_LIMIT_PER_SECOND" validate:"gte=0"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST" validate:"gte=0"`
	RateLimiterTTL     time.Duration `yaml:"rate_limiter_ttl" env:"RATE_LIMITER_TTL" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=text json"`
}

// DefaultConfig suits a single campus deployment. JWTSecret has no default
// and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:            "./data/campuschat.db",
			MaxConnections:  10,
			WriteRetryDelay: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     256,
			MaxMessageSize: 16 * 1024,
			AllowedOrigins: []string{"*"},
		},
		Auth: AuthConfig{
			CookieName: "campuschat_session",
			TokenTTL:   24 * time.Hour,
		},
		Chat: ChatConfig{
			MaxMessageLength:   2000,
			RateLimitPerSecond: 10,
			RateLimitBurst:     20,
			RateLimiterTTL:     10 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return fmt.Errorf("%w: %s fails %q", ErrInvalidConfig, strings.TrimPrefix(fe.Namespace(), "Config."), fe.ActualTag())
	}
	return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// LoadFromEnv applies CAMPUSCHAT_* variables over the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadFromFile reads a JSON or YAML file over the defaults and validates the result.
// JSON is accepted because it is valid YAML.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// LoadConfigWithPrecedence layers defaults < environment < file. An empty
// path skips the file; a path that cannot be read or parsed is an error.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
