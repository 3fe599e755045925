package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Version     string `koanf:"version"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`

	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Security  SecurityConfig  `koanf:"security"`

	Negotiation NegotiationConfig `koanf:"negotiation"`
}

type ServerConfig struct {
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type RedisConfig struct {
	URL          string        `koanf:"url"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db"`
	PoolSize     int           `koanf:"pool_size"`
	MinIdleConns int           `koanf:"min_idle_conns"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type TelemetryConfig struct {
	Enabled      bool          `koanf:"enabled"`
	OTLPEndpoint string        `koanf:"otlp_endpoint"`
	SamplingRate float64       `koanf:"sampling_rate"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
}

type SecurityConfig struct {
	JWTSecret   string          `koanf:"jwt_secret"`
	TokenExpiry time.Duration   `koanf:"token_expiry"`
	RateLimit   RateLimitConfig `koanf:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `koanf:"requests_per_second"`
	BurstSize         int `koanf:"burst_size"`
}

// NegotiationConfig tunes the bidding engine and its sweeper.
type NegotiationConfig struct {
	// RequestLifetime is how long a new request stays open for bids.
	RequestLifetime time.Duration `koanf:"request_lifetime"`
	// BidLifetime is how long a new bid stays pending.
	BidLifetime time.Duration `koanf:"bid_lifetime"`
	// BidRateLimit caps bids per driver per BidRateWindow; 0 disables.
	BidRateLimit  int           `koanf:"bid_rate_limit"`
	BidRateWindow time.Duration `koanf:"bid_rate_window"`
	// SweepInterval is how often the expiration sweeper runs.
	SweepInterval  time.Duration `koanf:"sweep_interval"`
	SweepBatchSize int           `koanf:"sweep_batch_size"`
	// EventChannel is the redis pub/sub channel lifecycle events go to.
	EventChannel string `koanf:"event_channel"`
}

// Load builds the configuration from defaults, an optional YAML file,
// and RIDE_-prefixed environment variables, in increasing precedence.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := &Config{
		Version:     "dev",
		Environment: "development",
		LogLevel:    "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			URL:          "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
			SamplingRate: 1.0,
			BatchTimeout: 5 * time.Second,
		},
		Security: SecurityConfig{
			TokenExpiry: 24 * time.Hour,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Negotiation: NegotiationConfig{
			RequestLifetime: 24 * time.Hour,
			BidLifetime:     2 * time.Hour,
			BidRateLimit:    30,
			BidRateWindow:   time.Minute,
			SweepInterval:   time.Minute,
			SweepBatchSize:  100,
			EventChannel:    "negotiation.events",
		},
	}

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Config file is optional.
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	_ = k.Load(file.Provider(configPath), yaml.Parser())

	if err := k.Load(env.Provider("RIDE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "RIDE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Negotiation.RequestLifetime <= 0 {
		return fmt.Errorf("negotiation.request_lifetime must be positive")
	}
	if c.Negotiation.BidLifetime <= 0 {
		return fmt.Errorf("negotiation.bid_lifetime must be positive")
	}
	if c.Negotiation.SweepInterval <= 0 {
		return fmt.Errorf("negotiation.sweep_interval must be positive")
	}
	return nil
}
