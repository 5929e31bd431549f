package domain

import "time"

// Config holds the complete Merlin configuration.
// It is built once at startup and passed into each component.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Risk engine
	Rules    RulesConfig    `json:"rules"`
	Decision DecisionConfig `json:"decision"`
	Model    ModelConfig    `json:"model"`
	Refresh  RefreshConfig  `json:"refresh"`

	// Component configurations
	Ledger   LedgerConfig   `json:"ledger"`
	Mirror   MirrorConfig   `json:"mirror"`
	EventBus EventBusConfig `json:"eventBus"`

	// AsyncWorker starts the bus ingestion worker.
	AsyncWorker bool `json:"asyncWorker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// RulesConfig holds the deterministic rule thresholds.
type RulesConfig struct {
	HighAmountThreshold  float64       `json:"highAmountThreshold"`
	MultipleAvgThreshold float64       `json:"multipleAvgThreshold"`
	LocationWindow       time.Duration `json:"locationWindow"`

	// NoHistoryTriggers makes the location rule fire when the user has
	// no event inside the window at all.
	NoHistoryTriggers bool `json:"noHistoryTriggers"`
}

// DecisionConfig holds the anomaly score cut-offs. Lower scores are more anomalous.
type DecisionConfig struct {
	MLHighThreshold   float64 `json:"mlHighThreshold"`
	MLMediumThreshold float64 `json:"mlMediumThreshold"`
}

// ModelConfig locates the anomaly model and controls bootstrap training.
type ModelConfig struct {
	Path           string  `json:"path"`
	TrainIfMissing bool    `json:"trainIfMissing"`
	MinSamples     int     `json:"minSamples"`
	Trees          int     `json:"trees"`
	SampleSize     int     `json:"sampleSize"`
	Contamination  float64 `json:"contamination"`
	Seed           uint64  `json:"seed"`
}

// RefreshConfig controls the background baseline refresh scheduler.
type RefreshConfig struct {
	Interval time.Duration `json:"interval"`
	Workers  int           `json:"workers"`

	// HistoryWindow limits each user's history read; zero means full history.
	HistoryWindow time.Duration `json:"historyWindow"`
}

// MirrorConfig configures the optional Redis baseline mirror.
type MirrorConfig struct {
	Enabled       bool   `json:"enabled"`
	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"-"`
	RedisDB       int    `json:"redisDb"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns the default single-node configuration:
// SQLite ledger, channel bus, no Redis mirror.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Rules: RulesConfig{
			HighAmountThreshold:  5000,
			MultipleAvgThreshold: 10,
			LocationWindow:       time.Hour,
			NoHistoryTriggers:    true,
		},
		Decision: DecisionConfig{
			MLHighThreshold:   -0.5,
			MLMediumThreshold: -0.2,
		},
		Model: ModelConfig{
			Path:           "./ml/model.json",
			TrainIfMissing: true,
			MinSamples:     200,
			Trees:          100,
			SampleSize:     256,
			Contamination:  0.05,
			Seed:           42,
		},
		Refresh: RefreshConfig{
			Interval: 10 * time.Minute,
			Workers:  4,
		},
		Ledger: LedgerConfig{
			Driver:          "sqlite",
			SQLitePath:      "./merlin.db",
			PostgresHost:    "localhost",
			PostgresPort:    5432,
			PostgresDB:      "merlin",
			PostgresSSLMode: "disable",
			MongoPort:       27017,
			MongoDBName:     "fraud_detection",
		},
		Mirror: MirrorConfig{
			RedisAddr: "localhost:6379",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
			NATSUrl:           "nats://localhost:4222",
			NATSMaxReconnects: 10,
			NATSReconnectWait: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     true,
			ServiceName: "merlin",
		},
	}
}
