package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veraticus/restock/internal/common"
	"github.com/Veraticus/restock/internal/ingest"
	"github.com/Veraticus/restock/internal/normalize"
	"github.com/Veraticus/restock/internal/prediction"
	"github.com/Veraticus/restock/internal/service"
)

// EnvPrefix prefixes every environment override, e.g.
// RESTOCK_INGEST_AUTO_ACCEPT_THRESHOLD.
const EnvPrefix = "RESTOCK"

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CacheConfig tunes the normalization cache.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// RetryConfig is the version-conflict retry policy.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

// Options converts the policy for common.WithRetry.
func (r RetryConfig) Options() service.RetryOptions {
	return service.RetryOptions{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
	}
}

// Config is the complete application configuration.
type Config struct {
	Household  string            `mapstructure:"household"`
	User       string            `mapstructure:"user"`
	Database   DatabaseConfig    `mapstructure:"database"`
	Logging    LoggingConfig     `mapstructure:"logging"`
	Cache      CacheConfig       `mapstructure:"cache"`
	Retry      RetryConfig       `mapstructure:"retry"`
	Ingest     ingest.Config     `mapstructure:"ingest"`
	Prediction prediction.Config `mapstructure:"prediction"`
}

// SetDefaults registers every default on v. Registering them is also what
// makes each key visible to environment overrides.
func SetDefaults(v *viper.Viper) {
	pd := prediction.DefaultConfig()
	id := ingest.DefaultConfig()

	v.SetDefault("household", "default")
	v.SetDefault("user", "")
	v.SetDefault("database.path", "~/.local/share/restock/restock.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("prediction.high_variance_ratio", pd.HighVarianceRatio)
	v.SetDefault("prediction.recency_window_days", pd.RecencyWindowDays)
	v.SetDefault("ingest.auto_accept_threshold", id.AutoAcceptThreshold)
	v.SetDefault("ingest.category_thresholds", map[string]float64{})
	v.SetDefault("ingest.workers", id.Workers)
	v.SetDefault("ingest.budget.max_lines", 0)
	v.SetDefault("ingest.budget.period", time.Hour)
	v.SetDefault("cache.ttl", normalize.DefaultTTL)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_delay", 10*time.Millisecond)
	v.SetDefault("retry.max_delay", time.Second)
	v.SetDefault("retry.multiplier", 2.0)
}

// New returns a viper instance with defaults and environment overrides set.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads path into v, or searches the default locations when path
// is empty. A missing file in the default locations is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(ExpandPath(path))
	} else {
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load decodes v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}

	c.Database.Path = ExpandPath(c.Database.Path)
	if len(c.Ingest.CategoryThresholds) > 0 {
		normalized := make(map[string]float64, len(c.Ingest.CategoryThresholds))
		for k, t := range c.Ingest.CategoryThresholds {
			normalized[strings.ToLower(strings.TrimSpace(k))] = t
		}
		c.Ingest.CategoryThresholds = normalized
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks every setting and reports the first problem found.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", common.ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Database.Path) == "" {
		return invalid("database.path is required")
	}
	if _, err := common.ParseLevel(c.Logging.Level); err != nil {
		return invalid("logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return invalid("logging.format %q must be console or json", c.Logging.Format)
	}

	if c.Prediction.HighVarianceRatio <= 0 {
		return invalid("prediction.high_variance_ratio must be positive")
	}
	if c.Prediction.RecencyWindowDays <= 0 {
		return invalid("prediction.recency_window_days must be positive")
	}

	if t := c.Ingest.AutoAcceptThreshold; t <= 0 || t > 1 {
		return invalid("ingest.auto_accept_threshold %v must be in (0, 1]", t)
	}
	for category, t := range c.Ingest.CategoryThresholds {
		if t < 0 || t > 1 {
			return invalid("ingest.category_thresholds.%s %v must be in [0, 1]", category, t)
		}
	}
	if c.Ingest.Workers < 1 {
		return invalid("ingest.workers must be at least 1")
	}
	if c.Ingest.Budget.MaxLines < 0 {
		return invalid("ingest.budget.max_lines must not be negative")
	}
	if c.Ingest.Budget.MaxLines > 0 && c.Ingest.Budget.Period <= 0 {
		return invalid("ingest.budget.period must be positive when a budget is set")
	}

	if c.Cache.TTL <= 0 {
		return invalid("cache.ttl must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts must be at least 1")
	}
	if c.Retry.InitialDelay < 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return invalid("retry delays must satisfy 0 <= initial_delay <= max_delay")
	}
	if c.Retry.Multiplier < 1 {
		return invalid("retry.multiplier must be at least 1")
	}
	return nil
}
