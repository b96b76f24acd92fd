package creditgate

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Quota    QuotaConfig    `yaml:"quota"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Server   ServerConfig   `yaml:"server"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Log      LogConfig      `yaml:"log"`
}

// QuotaConfig holds grants and the reservation lifecycle settings.
type QuotaConfig struct {
	AnonymousGrant     int64         `yaml:"anonymous_grant" env:"CREDITGATE_ANONYMOUS_GRANT"`
	AuthenticatedGrant int64         `yaml:"authenticated_grant" env:"CREDITGATE_AUTHENTICATED_GRANT"`
	ReservationTimeout time.Duration `yaml:"reservation_timeout" env:"CREDITGATE_RESERVATION_TIMEOUT"`
	OperationTimeout   time.Duration `yaml:"operation_timeout" env:"CREDITGATE_OPERATION_TIMEOUT"`
	MaxRetries         int           `yaml:"max_retries" env:"CREDITGATE_MAX_RETRIES"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" env:"CREDITGATE_RETRY_BACKOFF"`
	SweepInterval      time.Duration `yaml:"sweep_interval" env:"CREDITGATE_SWEEP_INTERVAL"`

	// ReservationRetention is how long settled reservations, and with them
	// idempotency keys, are remembered.
	ReservationRetention time.Duration `yaml:"reservation_retention" env:"CREDITGATE_RESERVATION_RETENTION"`
}

// StorageBackend selects the durable store for authenticated accounts.
type StorageBackend string

const (
	BackendMemory   StorageBackend = "memory"
	BackendRedis    StorageBackend = "redis"
	BackendPostgres StorageBackend = "postgres"
)

// StorageConfig configures the authenticated ledger backend.
type StorageConfig struct {
	Backend  StorageBackend `yaml:"backend" env:"CREDITGATE_STORAGE_BACKEND"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the Redis ledger.
type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig configures the Postgres ledger.
type PostgresConfig struct {
	DSN         string `yaml:"dsn" env:"DATABASE_URL"`
	TablePrefix string `yaml:"table_prefix"`
}

// AuthConfig configures identity resolution.
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret" env:"CREDITGATE_JWT_SECRET"`
	Issuer          string `yaml:"issuer" env:"CREDITGATE_JWT_ISSUER"`
	AnonymousHeader string `yaml:"anonymous_header"`
	AnonymousCookie string `yaml:"anonymous_cookie"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr        string   `yaml:"addr" env:"CREDITGATE_ADDR"`
	CORSOrigins []string `yaml:"cors_origins" env:"CREDITGATE_CORS_ORIGINS"`
	BodyLimit   string   `yaml:"body_limit"`
}

// AnalyzerConfig lists the LLM providers in fallback order.
type AnalyzerConfig struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level" env:"CREDITGATE_LOG_LEVEL"`
	Development bool   `yaml:"development" env:"CREDITGATE_LOG_DEVELOPMENT"`
}

// DefaultConfig returns a config with the documented defaults.
func DefaultConfig() Config {
	return Config{
		Quota: QuotaConfig{
			AnonymousGrant:     3,
			AuthenticatedGrant: 10,
			ReservationTimeout: 60 * time.Second,
			OperationTimeout:   45 * time.Second,
			MaxRetries:         5,
			RetryBackoff:       2 * time.Millisecond,
			SweepInterval:      15 * time.Second,

			ReservationRetention: 7 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		Auth: AuthConfig{
			AnonymousHeader: "X-Anonymous-ID",
			AnonymousCookie: "creditgate_anon",
		},
		Server: ServerConfig{
			Addr:      ":5000",
			BodyLimit: "64K",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// A .env file in the working directory is loaded first if present.
// Environment variables in the format ${VAR} are expanded before parsing,
// then tagged fields are overridden from the environment.
// An empty path skips the file and uses defaults plus environment.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("creditgate: load .env: %w", err)
	}

	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("creditgate: read config: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("creditgate: parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("creditgate: parse env: %w", err)
	}

	// A bare GEMINI_API_KEY is enough to run with the default provider.
	if len(cfg.Analyzer.Providers) == 0 {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.Analyzer.Providers = []ProviderConfig{{
				Name:   "gemini",
				Type:   "gemini",
				APIKey: key,
				Model:  "gemini-1.5-flash",
			}}
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if err := c.Quota.Validate(); err != nil {
		return err
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("creditgate: config: storage.redis.addr is required for redis backend")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("creditgate: config: storage.postgres.dsn is required for postgres backend")
		}
	default:
		return fmt.Errorf("creditgate: config: invalid storage.backend %q", c.Storage.Backend)
	}

	if c.Auth.AnonymousHeader == "" && c.Auth.AnonymousCookie == "" {
		return fmt.Errorf("creditgate: config: auth needs anonymous_header or anonymous_cookie")
	}

	names := make(map[string]bool, len(c.Analyzer.Providers))
	for i, p := range c.Analyzer.Providers {
		if p.Name == "" {
			return fmt.Errorf("creditgate: config: analyzer.providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("creditgate: config: duplicate provider name %q", p.Name)
		}
		names[p.Name] = true

		switch p.Type {
		case "gemini", "openai", "mock":
		default:
			return fmt.Errorf("creditgate: config: analyzer.providers[%d] (%s): invalid type %q", i, p.Name, p.Type)
		}
		if p.Model == "" {
			return fmt.Errorf("creditgate: config: analyzer.providers[%d] (%s): model is required", i, p.Name)
		}
	}

	return nil
}

// Validate checks quota settings.
func (q QuotaConfig) Validate() error {
	if q.AnonymousGrant < 0 || q.AuthenticatedGrant < 0 {
		return fmt.Errorf("creditgate: config: quota grants cannot be negative")
	}
	if q.MaxRetries < 1 {
		return fmt.Errorf("creditgate: config: quota.max_retries must be at least 1")
	}
	if q.ReservationTimeout <= 0 {
		return fmt.Errorf("creditgate: config: quota.reservation_timeout must be positive")
	}
	if q.OperationTimeout <= 0 {
		return fmt.Errorf("creditgate: config: quota.operation_timeout must be positive")
	}
	// The sweep must never refund a reservation whose operation may still be running.
	if q.OperationTimeout >= q.ReservationTimeout {
		return fmt.Errorf("creditgate: config: quota.operation_timeout (%s) must be shorter than quota.reservation_timeout (%s)",
			q.OperationTimeout, q.ReservationTimeout)
	}
	if q.ReservationRetention < q.ReservationTimeout {
		return fmt.Errorf("creditgate: config: quota.reservation_retention (%s) must be at least quota.reservation_timeout (%s)",
			q.ReservationRetention, q.ReservationTimeout)
	}
	if q.RetryBackoff < 0 {
		return fmt.Errorf("creditgate: config: quota.retry_backoff cannot be negative")
	}
	return nil
}
