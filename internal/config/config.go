package config

import "time"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Cache       CacheConfig       `yaml:"cache"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (d DatabaseConfig) DSN() string {
	return "postgres://" + d.User + ":" + d.Password + "@" + d.Host + ":" + itoa(d.Port) + "/" + d.Name + "?sslmode=disable"
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	s := ""
	for i > 0 {
		s = string(rune('0'+i%10)) + s
		i /= 10
	}
	return s
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsPort int    `yaml:"metrics_port"`
}

// IdempotencyConfig bounds the create-key protocol.
type IdempotencyConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	WaitTimeout   time.Duration `yaml:"wait_timeout"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CacheConfig bounds the provider metadata cache.
type CacheConfig struct {
	TTL                  time.Duration `yaml:"ttl"`
	LeaseTTL             time.Duration `yaml:"lease_ttl"`
	WaitTimeout          time.Duration `yaml:"wait_timeout"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	WaitForRefresh       bool          `yaml:"wait_for_refresh"`
	FetchRetries         int           `yaml:"fetch_retries"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`
	BreakerThreshold     int           `yaml:"breaker_threshold"`
	BreakerProbeInterval time.Duration `yaml:"breaker_probe_interval"`
}

// RateLimitConfig shapes the per-scope create throttle.
type RateLimitConfig struct {
	Requests int64         `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			Name:            "sigil",
			User:            "sigil",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			DB:        0,
			PoolSize:  50,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			LogFormat:   "json",
			MetricsPort: 9090,
		},
		Idempotency: IdempotencyConfig{
			TTL:           24 * time.Hour,
			WaitTimeout:   5 * time.Second,
			PollInterval:  100 * time.Millisecond,
			SweepInterval: 5 * time.Minute,
		},
		Cache: CacheConfig{
			TTL:                  5 * time.Minute,
			LeaseTTL:             30 * time.Second,
			WaitTimeout:          10 * time.Second,
			PollInterval:         100 * time.Millisecond,
			WaitForRefresh:       true,
			FetchRetries:         2,
			RetryBackoff:         250 * time.Millisecond,
			BreakerThreshold:     5,
			BreakerProbeInterval: 15 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Requests: 60,
			Window:   time.Minute,
		},
	}
}
