package domain

import (
	"fmt"
	"time"
)

// Config holds the complete Heron configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server" koanf:"server"`

	// Tier determines which infrastructure backs the service
	Tier Tier `json:"tier" koanf:"tier"`

	// Detection policy constants
	Detection DetectionConfig `json:"detection" koanf:"detection"`

	// Component configurations
	Repository RepositoryConfig `json:"repository" koanf:"repository"`
	Cache      CacheConfig      `json:"cache" koanf:"cache"`
	EventBus   EventBusConfig   `json:"eventBus" koanf:"event_bus"`

	// Async analysis workers
	Worker WorkerConfig `json:"worker" koanf:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging" koanf:"logging"`
	Tracing TracingConfig `json:"tracing" koanf:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" koanf:"host"`
	Port         int    `json:"port" koanf:"port"`
	ReadTimeout  int    `json:"readTimeout" koanf:"read_timeout"`   // seconds
	WriteTimeout int    `json:"writeTimeout" koanf:"write_timeout"` // seconds

	// MaxUploadBytes bounds CSV uploads and JSON bodies.
	MaxUploadBytes int64 `json:"maxUploadBytes" koanf:"max_upload_bytes"`

	// RateLimitPerMinute caps synchronous analyses per tenant. 0 disables.
	RateLimitPerMinute int `json:"rateLimitPerMinute" koanf:"rate_limit_per_minute"`

	// AllowedOrigins lists CORS origins. Empty or "*" allows any.
	AllowedOrigins []string `json:"allowedOrigins" koanf:"allowed_origins"`
}

// WorkerConfig holds async worker settings.
type WorkerConfig struct {
	Enabled bool `json:"enabled" koanf:"enabled"`

	// Concurrency bounds analyses running at once.
	Concurrency int `json:"concurrency" koanf:"concurrency"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" koanf:"level"`   // debug, info, warn, error
	Format string `json:"format" koanf:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" koanf:"enabled"`
	ServiceName string `json:"serviceName" koanf:"service_name"`
}

// DetectionConfig holds the scoring policy. The defaults are the
// compatibility values every existing scoring expectation relies on.
type DetectionConfig struct {
	CycleBonus     int           `json:"cycleBonus" koanf:"cycle_bonus"`
	FanInThreshold int           `json:"fanInThreshold" koanf:"fan_in_threshold"`
	FanInPerSender int           `json:"fanInPerSender" koanf:"fan_in_per_sender"`
	FanInCap       int           `json:"fanInCap" koanf:"fan_in_cap"`
	VelocityWindow time.Duration `json:"velocityWindow" koanf:"velocity_window"`
	VelocityBonus  int           `json:"velocityBonus" koanf:"velocity_bonus"`
	MaxScore       int           `json:"maxScore" koanf:"max_score"`
	ElevatedTier   int           `json:"elevatedTier" koanf:"elevated_tier"`
	HighTier       int           `json:"highTier" koanf:"high_tier"`

	// Concurrent runs the three detectors in parallel.
	Concurrent bool `json:"concurrent" koanf:"concurrent"`
}

// DefaultDetectionConfig returns the standard scoring policy.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		CycleBonus:     50,
		FanInThreshold: 5,
		FanInPerSender: 5,
		FanInCap:       30,
		VelocityWindow: 15 * time.Minute,
		VelocityBonus:  20,
		MaxScore:       100,
		ElevatedTier:   40,
		HighTier:       70,
		Concurrent:     true,
	}
}

// Validate checks that the policy is internally consistent.
func (c DetectionConfig) Validate() error {
	switch {
	case c.MaxScore <= 0:
		return fmt.Errorf("%w: max score must be positive", ErrInvalidInput)
	case c.VelocityWindow <= 0:
		return fmt.Errorf("%w: velocity window must be positive", ErrInvalidInput)
	case c.CycleBonus < 0 || c.FanInPerSender < 0 || c.FanInCap < 0 || c.VelocityBonus < 0:
		return fmt.Errorf("%w: detector points must not be negative", ErrInvalidInput)
	case c.FanInThreshold < 0:
		return fmt.Errorf("%w: fan-in threshold must not be negative", ErrInvalidInput)
	case c.ElevatedTier <= 0 || c.ElevatedTier > c.MaxScore:
		return fmt.Errorf("%w: elevated tier must be in (0, %d]", ErrInvalidInput, c.MaxScore)
	case c.HighTier < c.ElevatedTier || c.HighTier > c.MaxScore:
		return fmt.Errorf("%w: high tier must be in [%d, %d]", ErrInvalidInput, c.ElevatedTier, c.MaxScore)
	}
	return nil
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity runs on SQLite, in-memory cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   60,
			MaxUploadBytes: 32 << 20,
			AllowedOrigins: []string{"*"},
		},
		Tier:      TierCommunity,
		Detection: DefaultDetectionConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./heron.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 1000,
			LocalTTL:     10 * time.Minute,
			AnalysisTTL:  time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 256,
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "heron",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "heron",
		PostgresSSLMode: "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   500,
		LocalTTL:       5 * time.Minute,
		AnalysisTTL:    6 * time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		NATSQueueGroup:    "heron-workers",
	}
	cfg.Worker.Concurrency = 8
	cfg.Tracing.Enabled = true
	return cfg
}
