package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Reference    ReferenceConfig    `yaml:"reference" mapstructure:"reference"`
	Adjudication AdjudicationConfig `yaml:"adjudication" mapstructure:"adjudication"`
	Replay       ReplayConfig       `yaml:"replay" mapstructure:"replay"`
	Persist      PersistConfig      `yaml:"persist" mapstructure:"persist"`
	Resilience   ResilienceConfig   `yaml:"resilience" mapstructure:"resilience"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects and configures the result store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ReferenceConfig locates the reference data snapshot.
type ReferenceConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// AdjudicationConfig configures the decision pipeline.
type AdjudicationConfig struct {
	RequireInNetwork bool   `yaml:"require_in_network" mapstructure:"require_in_network"`
	ClaimPrefix      string `yaml:"claim_prefix" mapstructure:"claim_prefix"`
}

// ReplayConfig configures paced replay.
type ReplayConfig struct {
	Workers              int     `yaml:"workers" mapstructure:"workers"`
	Speed                float64 `yaml:"speed" mapstructure:"speed"`
	MaxTPS               float64 `yaml:"max_tps" mapstructure:"max_tps"`
	ProgressIntervalSecs int     `yaml:"progress_interval_secs" mapstructure:"progress_interval_secs"`
}

// PersistConfig configures batched result writes. BatchSize caps a batch;
// LingerMs is how long an idle writer waits for a batch to fill (0 writes
// at once, and concurrent results still group behind the write in flight).
type PersistConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	LingerMs  int `yaml:"linger_ms" mapstructure:"linger_ms"`
}

// ResilienceConfig configures retries and the circuit breaker around the store.
type ResilienceConfig struct {
	MaxAttempts             int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs        int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs            int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
	DLQMaxRetries           int `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
}

// MonitoringConfig configures background health checks and alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	ErrorRateThreshold  float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	DenialRateThreshold float64 `yaml:"denial_rate_threshold" mapstructure:"denial_rate_threshold"`
	DLQDepthThreshold   int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("RXCLAIMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "rxclaims.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("reference.path", "reference.yaml")
	v.SetDefault("adjudication.require_in_network", true)
	v.SetDefault("adjudication.claim_prefix", "CLM")
	v.SetDefault("replay.workers", 8)
	v.SetDefault("replay.speed", 1.0)
	v.SetDefault("replay.max_tps", 0)
	v.SetDefault("replay.progress_interval_secs", 10)
	v.SetDefault("persist.batch_size", 100)
	v.SetDefault("persist.linger_ms", 0)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 200)
	v.SetDefault("resilience.max_backoff_ms", 5000)
	v.SetDefault("resilience.circuit_failure_threshold", 5)
	v.SetDefault("resilience.circuit_reset_secs", 30)
	v.SetDefault("resilience.dlq_max_retries", 3)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.error_rate_threshold", 0.05)
	v.SetDefault("monitoring.denial_rate_threshold", 0.5)
	v.SetDefault("monitoring.dlq_depth_threshold", 100)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields a command needs. Every problem is reported in
// one error.
func (c *Config) Validate(mode string) error {
	var errs []string

	needStore := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
		default:
			errs = append(errs, "store.driver must be postgres or sqlite")
		}
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}
	needReference := func() {
		if c.Reference.Path == "" {
			errs = append(errs, "reference.path is required")
		}
	}

	switch mode {
	case "adjudicate":
		needStore()
		needReference()
	case "replay":
		needStore()
		needReference()
		if c.Replay.Speed <= 0 {
			errs = append(errs, "replay.speed must be > 0")
		}
		if c.Replay.Workers < 1 || c.Replay.Workers > 256 {
			errs = append(errs, "replay.workers must be between 1 and 256")
		}
		if c.Replay.MaxTPS < 0 {
			errs = append(errs, "replay.max_tps must be >= 0")
		}
	case "serve":
		needStore()
		needReference()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		for name, rate := range map[string]float64{
			"monitoring.error_rate_threshold":  c.Monitoring.ErrorRateThreshold,
			"monitoring.denial_rate_threshold": c.Monitoring.DenialRateThreshold,
		} {
			if rate < 0 || rate > 1 {
				errs = append(errs, name+" must be between 0 and 1")
			}
		}
	case "store":
		needStore()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Persist.BatchSize < 1 {
		errs = append(errs, "persist.batch_size must be >= 1")
	}
	if c.Persist.LingerMs < 0 {
		errs = append(errs, "persist.linger_ms must not be negative")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
