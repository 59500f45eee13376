package config

import (
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Settings struct {
	Database      DbSettings     `mapstructure:"database"`
	Worker        WorkerSettings `mapstructure:"worker"`
	Health        HealthSettings `mapstructure:"health"`
	Search        SearchSettings `mapstructure:"search"`
	Observability Observability  `mapstructure:"observability"`
}

type DbSettings struct {
	DSN string `mapstructure:"dsn" validate:"required"`
}

type WorkerSettings struct {
	BatchSize    int           `mapstructure:"batch_size" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	IdleWait     time.Duration `mapstructure:"idle_wait" validate:"gt=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gt=0"`
	Notify       bool          `mapstructure:"notify"`
	Channel      string        `mapstructure:"channel" validate:"required"`
}

type HealthSettings struct {
	Port                int `mapstructure:"port" validate:"gt=0"`
	StalenessMultiplier int `mapstructure:"staleness_multiplier" validate:"gt=0"`
}

type SearchSettings struct {
	URL    string `mapstructure:"url" validate:"omitempty,url"`
	APIKey string `mapstructure:"api_key"`
}

type Observability struct {
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,url"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// StaleAfter derives the health staleness threshold from the configured
// wait intervals: a worker is stuck once it has gone longer than
// multiplier × its longest expected idle period without completing a cycle.
func (c *Settings) StaleAfter() time.Duration {
	base := c.Worker.PollInterval
	if c.Worker.Notify && c.Worker.IdleWait > base {
		base = c.Worker.IdleWait
	}
	return base * time.Duration(c.Health.StalenessMultiplier)
}

func setDefaults() {
	viper.SetDefault("worker.batch_size", 25)
	viper.SetDefault("worker.poll_interval", 5*time.Second)
	viper.SetDefault("worker.idle_wait", 30*time.Second)
	viper.SetDefault("worker.max_attempts", 5)
	viper.SetDefault("worker.notify", true)
	viper.SetDefault("worker.channel", "outbox_events")
	viper.SetDefault("health.port", 8090)
	viper.SetDefault("health.staleness_multiplier", 3)
	viper.SetDefault("observability.service_name", "outbox-worker")
}

// LoadFromFile reads a YAML config file (worker.yaml in the given path or
// the current directory), layers OUTBOX_* environment variables on top, and
// validates the result.
func LoadFromFile(filePath string) (*Settings, error) {
	cfg := &Settings{}

	viper.SetConfigType("yaml")
	viper.SetConfigName("worker")
	viper.AddConfigPath(filePath)
	viper.AddConfigPath(".")
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("No config file found or read error: %v (will rely on env)", err)
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv overlays environment variables like OUTBOX_DATABASE_DSN or
// OUTBOX_WORKER_BATCH_SIZE.
func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OUTBOX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind environment variables explicitly to ensure they map correctly
	viper.BindEnv("database.dsn")
	viper.BindEnv("worker.batch_size")
	viper.BindEnv("worker.poll_interval")
	viper.BindEnv("worker.idle_wait")
	viper.BindEnv("worker.max_attempts")
	viper.BindEnv("worker.notify")
	viper.BindEnv("worker.channel")
	viper.BindEnv("health.port")
	viper.BindEnv("health.staleness_multiplier")
	viper.BindEnv("search.url")
	viper.BindEnv("search.api_key")
	viper.BindEnv("observability.service_name")
	viper.BindEnv("observability.tracing_url")

	return viper.Unmarshal(c)
}
