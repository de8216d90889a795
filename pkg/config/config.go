package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		SendQueueSize   int           `yaml:"send_queue_size"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Encoding struct {
		Binary         string `yaml:"binary"`
		Preset         string `yaml:"preset"`
		SegmentSeconds int    `yaml:"segment_seconds"`
		ListSize       int    `yaml:"list_size"`
		OutputRoot     string `yaml:"output_root"`
	} `yaml:"encoding"`

	ABR struct {
		WindowSize       int           `yaml:"window_size"`
		HoldTime         time.Duration `yaml:"hold_time"`
		TelemetryTimeout time.Duration `yaml:"telemetry_timeout"`
		StopTimeout      time.Duration `yaml:"stop_timeout"`
		RestartBackoff   time.Duration `yaml:"restart_backoff"`
		FailureWindow    time.Duration `yaml:"failure_window"`
	} `yaml:"abr"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`

		SampleTTL time.Duration `yaml:"sample_ttl"`
		ViewerTTL time.Duration `yaml:"viewer_ttl"`
	} `yaml:"redis"`

	Postgres struct {
		Enabled bool   `yaml:"enabled"`
		DSN     string `yaml:"dsn"`
	} `yaml:"postgres"`

	Auth struct {
		Enabled      bool          `yaml:"enabled"`
		JWTSecret    string        `yaml:"jwt_secret"`
		JoinTokenTTL time.Duration `yaml:"join_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Signal.SendQueueSize <= 0 {
		return fmt.Errorf("signal.send_queue_size must be > 0")
	}

	// Encoding
	if c.Encoding.Binary == "" {
		return fmt.Errorf("encoding.binary must not be empty")
	}
	if c.Encoding.SegmentSeconds <= 0 {
		return fmt.Errorf("encoding.segment_seconds must be > 0")
	}
	if c.Encoding.ListSize <= 0 {
		return fmt.Errorf("encoding.list_size must be > 0")
	}
	if c.Encoding.OutputRoot == "" {
		return fmt.Errorf("encoding.output_root must not be empty")
	}

	// ABR
	if c.ABR.WindowSize <= 0 {
		return fmt.Errorf("abr.window_size must be > 0")
	}
	if c.ABR.HoldTime < 0 {
		return fmt.Errorf("abr.hold_time must be >= 0")
	}
	if c.ABR.TelemetryTimeout <= 0 {
		return fmt.Errorf("abr.telemetry_timeout must be > 0")
	}
	if c.ABR.StopTimeout <= 0 {
		return fmt.Errorf("abr.stop_timeout must be > 0")
	}
	if c.ABR.RestartBackoff < 0 {
		return fmt.Errorf("abr.restart_backoff must be >= 0")
	}
	if c.ABR.FailureWindow <= 0 {
		return fmt.Errorf("abr.failure_window must be > 0")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.SampleTTL <= 0 {
			return fmt.Errorf("redis.sample_ttl must be > 0 when redis.enabled=true")
		}
		if c.Redis.ViewerTTL <= 0 {
			return fmt.Errorf("redis.viewer_ttl must be > 0 when redis.enabled=true")
		}
	}

	// Postgres
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must not be empty when postgres.enabled=true")
	}

	// Auth
	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("auth.jwt_secret must not be empty when auth.enabled=true")
		}
		if c.Auth.JoinTokenTTL <= 0 {
			return fmt.Errorf("auth.join_token_ttl must be > 0 when auth.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.SendQueueSize = 64
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Encoding.Binary = "ffmpeg"
	cfg.Encoding.Preset = "veryfast"
	cfg.Encoding.SegmentSeconds = 4
	cfg.Encoding.ListSize = 6
	cfg.Encoding.OutputRoot = "./media"

	cfg.ABR.WindowSize = 20
	cfg.ABR.HoldTime = 10 * time.Second
	cfg.ABR.TelemetryTimeout = 2 * time.Second
	cfg.ABR.StopTimeout = 10 * time.Second
	cfg.ABR.RestartBackoff = 2 * time.Second
	cfg.ABR.FailureWindow = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 0.1

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.SampleTTL = 5 * time.Minute
	cfg.Redis.ViewerTTL = 90 * time.Second

	cfg.Postgres.Enabled = false
	cfg.Postgres.DSN = ""

	cfg.Auth.Enabled = false
	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.JoinTokenTTL = time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("STREAMGATE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if addr := os.Getenv("STREAMGATE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if level := os.Getenv("STREAMGATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("STREAMGATE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("STREAMGATE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
	}
	if dsn := os.Getenv("STREAMGATE_POSTGRES_DSN"); dsn != "" {
		c.Postgres.DSN = dsn
	}
	if root := os.Getenv("STREAMGATE_OUTPUT_ROOT"); root != "" {
		c.Encoding.OutputRoot = root
	}
}
