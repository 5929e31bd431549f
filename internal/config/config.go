// Package config builds the Merlin configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/merlin/internal/domain"
)

// Load reads configuration from environment variables on top of
// domain.DefaultConfig. It loads .env file if present (for local development).
func Load() (*domain.Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	return FromEnv(os.Getenv)
}

// FromEnv overlays variables resolved through getenv onto the defaults and validates the result.
func FromEnv(getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	e := &env{get: getenv}

	// Server
	cfg.Server.Host = e.getString("MERLIN_HOST", cfg.Server.Host)
	cfg.Server.Port = e.getInt("MERLIN_PORT", cfg.Server.Port)

	// Rules and decision thresholds
	cfg.Rules.HighAmountThreshold = e.getFloat("HIGH_AMOUNT_THRESHOLD", cfg.Rules.HighAmountThreshold)
	cfg.Rules.MultipleAvgThreshold = e.getFloat("MULTIPLE_AVG_THRESHOLD", cfg.Rules.MultipleAvgThreshold)
	cfg.Rules.LocationWindow = e.getDuration("LOCATION_WINDOW", cfg.Rules.LocationWindow)
	cfg.Rules.NoHistoryTriggers = e.getBool("LOCATION_NO_HISTORY_TRIGGERS", cfg.Rules.NoHistoryTriggers)
	cfg.Decision.MLHighThreshold = e.getFloat("ML_HIGH_THRESHOLD", cfg.Decision.MLHighThreshold)
	cfg.Decision.MLMediumThreshold = e.getFloat("ML_MEDIUM_THRESHOLD", cfg.Decision.MLMediumThreshold)

	// Model
	cfg.Model.Path = e.getString("MERLIN_MODEL_PATH", cfg.Model.Path)
	cfg.Model.TrainIfMissing = e.getBool("MERLIN_MODEL_TRAIN_IF_MISSING", cfg.Model.TrainIfMissing)
	cfg.Model.MinSamples = e.getInt("MERLIN_MODEL_MIN_SAMPLES", cfg.Model.MinSamples)

	// Refresh scheduler
	cfg.Refresh.Interval = e.getDuration("MERLIN_REFRESH_INTERVAL", cfg.Refresh.Interval)
	cfg.Refresh.Workers = e.getInt("MERLIN_REFRESH_WORKERS", cfg.Refresh.Workers)
	cfg.Refresh.HistoryWindow = e.getDuration("MERLIN_REFRESH_HISTORY_WINDOW", cfg.Refresh.HistoryWindow)

	// Ledger
	cfg.Ledger.MongoHost = e.getString("MONGO_HOST", "")
	cfg.Ledger.MongoPort = e.getInt("MONGO_PORT", cfg.Ledger.MongoPort)
	cfg.Ledger.MongoDBName = e.getString("MONGO_DB_NAME", cfg.Ledger.MongoDBName)
	if cfg.Ledger.MongoHost != "" {
		cfg.Ledger.Driver = "mongo"
	}
	cfg.Ledger.Driver = strings.ToLower(e.getString("MERLIN_LEDGER_DRIVER", cfg.Ledger.Driver))
	cfg.Ledger.SQLitePath = e.getString("MERLIN_SQLITE_PATH", cfg.Ledger.SQLitePath)
	cfg.Ledger.PostgresHost = e.getString("POSTGRES_HOST", cfg.Ledger.PostgresHost)
	cfg.Ledger.PostgresPort = e.getInt("POSTGRES_PORT", cfg.Ledger.PostgresPort)
	cfg.Ledger.PostgresUser = e.getString("POSTGRES_USER", cfg.Ledger.PostgresUser)
	cfg.Ledger.PostgresPassword = e.getString("POSTGRES_PASSWORD", cfg.Ledger.PostgresPassword)
	cfg.Ledger.PostgresDB = e.getString("POSTGRES_DB", cfg.Ledger.PostgresDB)
	cfg.Ledger.PostgresSSLMode = e.getString("POSTGRES_SSLMODE", cfg.Ledger.PostgresSSLMode)

	// Redis baseline mirror
	if host := e.getString("REDIS_HOST", ""); host != "" {
		cfg.Mirror.Enabled = true
		cfg.Mirror.RedisAddr = fmt.Sprintf("%s:%d", host, e.getInt("REDIS_PORT", 6379))
	}
	cfg.Mirror.RedisDB = e.getInt("REDIS_DB", cfg.Mirror.RedisDB)
	cfg.Mirror.RedisPassword = e.getString("REDIS_PASSWORD", "")

	// Event bus
	cfg.EventBus.Type = strings.ToLower(e.getString("MERLIN_BUS", cfg.EventBus.Type))
	cfg.EventBus.NATSUrl = e.getString("NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = e.getString("NATS_TOKEN", "")
	cfg.AsyncWorker = e.getBool("MERLIN_ASYNC_WORKER", cfg.AsyncWorker)

	// Observability
	if e.getBool("MERLIN_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks a configuration for values the engine cannot run with.
func Validate(cfg *domain.Config) error {
	var errs []error

	if cfg.Rules.HighAmountThreshold <= 0 {
		errs = append(errs, fmt.Errorf("HIGH_AMOUNT_THRESHOLD must be positive"))
	}
	if cfg.Rules.MultipleAvgThreshold <= 0 {
		errs = append(errs, fmt.Errorf("MULTIPLE_AVG_THRESHOLD must be positive"))
	}
	if cfg.Rules.LocationWindow <= 0 {
		errs = append(errs, fmt.Errorf("LOCATION_WINDOW must be positive"))
	}
	if cfg.Decision.MLHighThreshold > cfg.Decision.MLMediumThreshold {
		errs = append(errs, fmt.Errorf("ML_HIGH_THRESHOLD must not exceed ML_MEDIUM_THRESHOLD"))
	}
	if cfg.Refresh.Interval <= 0 {
		errs = append(errs, fmt.Errorf("MERLIN_REFRESH_INTERVAL must be positive"))
	}
	if cfg.Refresh.Workers <= 0 {
		errs = append(errs, fmt.Errorf("MERLIN_REFRESH_WORKERS must be positive"))
	}
	if cfg.Refresh.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("MERLIN_REFRESH_HISTORY_WINDOW must not be negative"))
	}
	if cfg.Model.MinSamples <= 0 {
		errs = append(errs, fmt.Errorf("MERLIN_MODEL_MIN_SAMPLES must be positive"))
	}

	switch cfg.Ledger.Driver {
	case "sqlite", "postgres", "mongo", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported ledger driver: %s", cfg.Ledger.Driver))
	}
	if cfg.Ledger.Driver == "mongo" && cfg.Ledger.MongoHost == "" {
		errs = append(errs, fmt.Errorf("MONGO_HOST is required for the mongo ledger"))
	}

	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type))
	}

	return errors.Join(errs...)
}

// env resolves typed values and collects parse failures.
type env struct {
	get  func(string) string
	errs []error
}

func (e *env) getString(key, defaultValue string) string {
	if value := strings.TrimSpace(e.get(key)); value != "" {
		return value
	}
	return defaultValue
}

func (e *env) getInt(key string, defaultValue int) int {
	value := strings.TrimSpace(e.get(key))
	if value == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, value))
		return defaultValue
	}
	return i
}

func (e *env) getFloat(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(e.get(key))
	if value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid number %q", key, value))
		return defaultValue
	}
	return f
}

func (e *env) getBool(key string, defaultValue bool) bool {
	value := strings.TrimSpace(e.get(key))
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid boolean %q", key, value))
		return defaultValue
	}
	return b
}

// getDuration accepts Go duration strings ("90s", "1h") or a bare number of seconds.
func (e *env) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(e.get(key))
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, value))
		return defaultValue
	}
	return d
}
