package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server" json:"server"`

	// Tier determines which backends are used by default
	Tier Tier `mapstructure:"tier" json:"tier"`

	// Scoring, explanation and review settings
	Detection DetectionConfig `mapstructure:"detection" json:"detection"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository" json:"repository"`
	Cache      CacheConfig      `mapstructure:"cache" json:"cache"`
	EventBus   EventBusConfig   `mapstructure:"eventbus" json:"eventBus"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging" json:"logging"`
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// DetectionConfig tunes the anomaly engine and the review queue.
type DetectionConfig struct {
	// FlagThresholdPercentile is on a 0..100 scale; items rank above it to be flagged.
	FlagThresholdPercentile float64 `mapstructure:"flag_threshold_percentile" json:"flagThresholdPercentile"`

	ExplanationTopK      int     `mapstructure:"explanation_top_k" json:"explanationTopK"`
	MaterialityThreshold float64 `mapstructure:"materiality_threshold" json:"materialityThreshold"`

	// Refit policy: whichever comes first
	RefitInterval time.Duration `mapstructure:"refit_interval" json:"refitInterval"`
	RefitEvery    int           `mapstructure:"refit_every" json:"refitEvery"`

	InReviewTimeout time.Duration `mapstructure:"in_review_timeout" json:"inReviewTimeout"`

	// Feature extraction
	MinPayerHistory int           `mapstructure:"min_payer_history" json:"minPayerHistory"`
	Lookback        time.Duration `mapstructure:"lookback" json:"lookback"`

	// Training window bounds
	MinTraining int `mapstructure:"min_training" json:"minTraining"`
	MaxTraining int `mapstructure:"max_training" json:"maxTraining"`

	Forest ForestConfig `mapstructure:"forest" json:"forest"`

	// Batch ingestion parallelism
	Workers int `mapstructure:"workers" json:"workers"`
}

// ForestConfig holds the isolation ensemble parameters.
type ForestConfig struct {
	Trees      int    `mapstructure:"trees" json:"trees"`
	SampleSize int    `mapstructure:"sample_size" json:"sampleSize"`
	Seed       uint64 `mapstructure:"seed" json:"seed"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         int    `mapstructure:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `mapstructure:"write_timeout" json:"writeTimeout"` // seconds
	Async        bool   `mapstructure:"async" json:"async"`                // ingest through the event bus worker

	// AuthRequired rejects tenant requests without a reviewer API key.
	// Presented keys are always checked.
	AuthRequired bool `mapstructure:"auth_required" json:"authRequired"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	ServiceName string `mapstructure:"service_name" json:"serviceName"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"` // OTLP gRPC collector, e.g. localhost:4317
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process LRU
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultDetectionConfig returns the documented engine defaults.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		FlagThresholdPercentile: 95,
		ExplanationTopK:         3,
		MaterialityThreshold:    0.05,
		RefitInterval:           24 * time.Hour,
		RefitEvery:              500,
		InReviewTimeout:         15 * time.Minute,
		MinPayerHistory:         5,
		Lookback:                90 * 24 * time.Hour,
		MinTraining:             10,
		MaxTraining:             10000,
		Forest: ForestConfig{
			Trees:      100,
			SampleSize: 256,
			Seed:       42,
		},
		Workers: 8,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:      TierCommunity,
		Detection: DefaultDetectionConfig(),
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Server.AuthRequired = true
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}
