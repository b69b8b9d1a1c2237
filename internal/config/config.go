package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"slotkeeper/internal/model"
	"slotkeeper/internal/settings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is used when neither the flag nor SLOTKEEPER_CONFIG is set.
const DefaultPath = "configs/config.yaml"

// EnvPath names the environment variable that overrides the config path.
const EnvPath = "SLOTKEEPER_CONFIG"

// ServiceConfig is a service created on first start.
type ServiceConfig struct {
	Name        string `yaml:"name"`
	DurationMin int    `yaml:"duration_min"`
	BufferMin   int    `yaml:"buffer_min"`
	// Price is in rubles; it is stored in kopecks.
	Price     float64 `yaml:"price"`
	SortOrder int     `yaml:"sort_order"`
}

type Config struct {
	Telegram struct {
		BotToken    string `yaml:"bot_token"`
		AdminChatID int64  `yaml:"admin_chat_id"`
		Debug       bool   `yaml:"debug"`
	} `yaml:"telegram"`

	Database struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Timezone string `yaml:"timezone"`

	Defaults settings.Seed   `yaml:"defaults"`
	Services []ServiceConfig `yaml:"services"`

	Sweeper struct {
		IntervalSeconds int `yaml:"interval_seconds"`
		FirstRunSeconds int `yaml:"first_run_seconds"`
		LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
	} `yaml:"sweeper"`

	Reminders struct {
		Enabled         bool `yaml:"enabled"`
		IntervalSeconds int  `yaml:"interval_seconds"`
		DigestHour      int  `yaml:"digest_hour"`
		DigestMinute    int  `yaml:"digest_minute"`
	} `yaml:"reminders"`

	Notify struct {
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
		MaxRetries    int     `yaml:"max_retries"`
	} `yaml:"notify"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Backup struct {
		Enabled       bool   `yaml:"enabled"`
		IntervalHours int    `yaml:"interval_hours"`
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"`
	} `yaml:"backup"`
}

// ResolvePath picks the flag value, then the environment, then the default.
func ResolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Support ${ENV_VAR} placeholders in YAML config.
	data = []byte(os.ExpandEnv(string(data)))

	cfg := Config{Defaults: settings.DefaultSeed()}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "Europe/Moscow"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if cfg.Database.Driver == "sqlite" {
		if cfg.Database.Path == "" {
			cfg.Database.Path = "data/slotkeeper.db"
		}
		if err = os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver: unknown driver %q", c.Database.Driver)
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if c.Reminders.DigestHour < 0 || c.Reminders.DigestHour > 23 {
		return fmt.Errorf("reminders.digest_hour must be 0-23, got %d", c.Reminders.DigestHour)
	}
	if c.Reminders.DigestMinute < 0 || c.Reminders.DigestMinute > 59 {
		return fmt.Errorf("reminders.digest_minute must be 0-59, got %d", c.Reminders.DigestMinute)
	}

	for i, s := range c.Services {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("services[%d]: name is required", i)
		}
		if s.DurationMin <= 0 {
			return fmt.Errorf("services[%d]: duration_min must be positive", i)
		}
		if s.BufferMin < 0 || s.Price < 0 {
			return fmt.Errorf("services[%d]: buffer_min and price cannot be negative", i)
		}
	}
	return nil
}

// Location returns the calendar timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DefaultServices converts the configured services into model values.
func (c *Config) DefaultServices() []model.Service {
	out := make([]model.Service, 0, len(c.Services))
	for i, s := range c.Services {
		order := s.SortOrder
		if order == 0 {
			order = i + 1
		}
		out = append(out, model.Service{
			Name:      strings.TrimSpace(s.Name),
			Duration:  time.Duration(s.DurationMin) * time.Minute,
			Buffer:    time.Duration(s.BufferMin) * time.Minute,
			Price:     int64(s.Price*100 + 0.5),
			Active:    true,
			SortOrder: order,
		})
	}
	return out
}

func (c *Config) SweepInterval() time.Duration {
	if c.Sweeper.IntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Sweeper.IntervalSeconds) * time.Second
}

func (c *Config) SweepFirstRun() time.Duration {
	if c.Sweeper.FirstRunSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Sweeper.FirstRunSeconds) * time.Second
}

func (c *Config) SweepLeaseTTL() time.Duration {
	if c.Sweeper.LeaseTTLSeconds <= 0 {
		return 2 * c.SweepInterval()
	}
	return time.Duration(c.Sweeper.LeaseTTLSeconds) * time.Second
}

func (c *Config) ReminderInterval() time.Duration {
	if c.Reminders.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Reminders.IntervalSeconds) * time.Second
}

func (c *Config) BackupInterval() time.Duration {
	if c.Backup.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Backup.IntervalHours) * time.Hour
}

func (c *Config) BackupRetention() time.Duration {
	if c.Backup.RetentionDays <= 0 {
		return 14 * 24 * time.Hour
	}
	return time.Duration(c.Backup.RetentionDays) * 24 * time.Hour
}
