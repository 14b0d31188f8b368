package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shohag/outreach/internal/alert"
	"github.com/shohag/outreach/internal/delivery"
	"github.com/shohag/outreach/internal/governor"
	"github.com/shohag/outreach/internal/lock"
	"github.com/shohag/outreach/internal/personalize"
	"github.com/shohag/outreach/internal/policy"
	"github.com/shohag/outreach/internal/transport"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig          `mapstructure:"server"`
	Storage    StorageConfig         `mapstructure:"storage"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Campaign   CampaignConfig        `mapstructure:"campaign"`
	Warmup     WarmupConfig          `mapstructure:"warmup"`
	Safety     SafetyConfig          `mapstructure:"safety"`
	Queue      QueueConfig           `mapstructure:"queue"`
	Delivery   DeliveryConfig        `mapstructure:"delivery"`
	Sender     personalize.Sender    `mapstructure:"sender"`
	Compliance delivery.Compliance   `mapstructure:"compliance"`
	SMTP       transport.SMTPConfig  `mapstructure:"smtp"`
	Gmail      transport.GmailConfig `mapstructure:"gmail"`
	SES        transport.SESConfig   `mapstructure:"ses"`
	Lock       lock.Config           `mapstructure:"lock"`
	Alerting   alert.Config          `mapstructure:"alerting"`
	Schedule   ScheduleConfig        `mapstructure:"schedule"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AdminToken guards the events and report routes.
	AdminToken string `mapstructure:"admin_token"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type CampaignConfig struct {
	// StartDate pins day 1 (YYYY-MM-DD) before the first run records it.
	StartDate   string `mapstructure:"start_date"`
	Timezone    string `mapstructure:"timezone"`
	CatalogPath string `mapstructure:"catalog_path"`
	Transport   string `mapstructure:"transport"`
}

func (c CampaignConfig) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

type WarmupConfig struct {
	Schedule        policy.Schedule `mapstructure:"schedule"`
	WarmupPhaseDays int             `mapstructure:"warmup_phase_days"`
	WarmupDays      []string        `mapstructure:"warmup_days"`
	CruiseDays      []string        `mapstructure:"cruise_days"`
}

func (w WarmupConfig) SendDays() (policy.SendDays, error) {
	warm, err := policy.ParseWeekdays(w.WarmupDays)
	if err != nil {
		return policy.SendDays{}, fmt.Errorf("warmup.warmup_days: %w", err)
	}
	cruise, err := policy.ParseWeekdays(w.CruiseDays)
	if err != nil {
		return policy.SendDays{}, fmt.Errorf("warmup.cruise_days: %w", err)
	}
	return policy.SendDays{WarmupPhaseDays: w.WarmupPhaseDays, Warmup: warm, Cruise: cruise}, nil
}

type SafetyConfig struct {
	governor.Thresholds       `mapstructure:",squash"`
	RestoreConsecutiveBounces bool `mapstructure:"restore_consecutive_bounces"`
}

type QueueConfig struct {
	Distribution    map[string]float64 `mapstructure:"distribution"`
	OverFetchFactor int                `mapstructure:"over_fetch_factor"`
}

func DefaultDistribution() map[string]float64 {
	return map[string]float64{"consultant": 0.4, "vendor": 0.3, "entity": 0.3}
}

type DeliveryConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// Load reads an optional .env file, then the YAML config, then OUTREACH_*
// environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("outreach")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/outreach")
	}

	setDefaults(v)

	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	// Map defaults would be merged key by key into a configured split.
	if len(cfg.Queue.Distribution) == 0 {
		cfg.Queue.Distribution = DefaultDistribution()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Warmup.Schedule.Validate(); err != nil {
		return fmt.Errorf("warmup.schedule: %w", err)
	}
	if _, err := c.Warmup.SendDays(); err != nil {
		return err
	}
	if _, err := c.Campaign.Location(); err != nil {
		return fmt.Errorf("campaign.timezone: %w", err)
	}
	if c.Campaign.StartDate != "" {
		if _, err := policy.ParseDate(c.Campaign.StartDate, time.UTC); err != nil {
			return fmt.Errorf("campaign.start_date: %w", err)
		}
	}
	var sum float64
	for tier, f := range c.Queue.Distribution {
		if f < 0 {
			return fmt.Errorf("queue.distribution.%s: negative fraction", tier)
		}
		sum += f
	}
	if sum > 1.0001 {
		return fmt.Errorf("queue.distribution: fractions sum to %.2f, more than 1", sum)
	}
	if c.Delivery.MaxDelay < c.Delivery.MinDelay {
		return errors.New("delivery.max_delay is shorter than delivery.min_delay")
	}
	switch c.Campaign.Transport {
	case "smtp", "gmail", "ses":
	default:
		return fmt.Errorf("campaign.transport: unknown transport %q", c.Campaign.Transport)
	}
	if err := c.Compliance.Validate(); err != nil {
		return fmt.Errorf("compliance: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.admin_token", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/outreach.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("campaign.start_date", "")
	v.SetDefault("campaign.timezone", "America/Chicago")
	v.SetDefault("campaign.catalog_path", "")
	v.SetDefault("campaign.transport", "smtp")

	v.SetDefault("warmup.schedule", []map[string]interface{}{
		{"from": 1, "to": 3, "limit": 5},
		{"from": 4, "to": 7, "limit": 10},
		{"from": 8, "to": 14, "limit": 20},
		{"from": 15, "to": 21, "limit": 35},
		{"from": 22, "to": 0, "limit": 50},
	})
	v.SetDefault("warmup.warmup_phase_days", 14)
	v.SetDefault("warmup.warmup_days", []string{"mon", "tue", "wed", "thu", "fri"})
	v.SetDefault("warmup.cruise_days", []string{"mon", "tue", "wed", "thu", "fri", "sat"})

	v.SetDefault("safety.max_consecutive_bounces", governor.DefaultThresholds.MaxConsecutiveBounces)
	v.SetDefault("safety.sample_window", governor.DefaultThresholds.SampleWindow)
	v.SetDefault("safety.min_sample", governor.DefaultThresholds.MinSample)
	v.SetDefault("safety.max_bounce_rate", governor.DefaultThresholds.MaxBounceRate)
	v.SetDefault("safety.max_spam_rate", governor.DefaultThresholds.MaxSpamRate)
	v.SetDefault("safety.restore_consecutive_bounces", true)

	v.SetDefault("queue.over_fetch_factor", 3)

	v.SetDefault("delivery.min_delay", 45*time.Second)
	v.SetDefault("delivery.max_delay", 180*time.Second)

	v.SetDefault("sender.name", "")
	v.SetDefault("sender.title", "")
	v.SetDefault("sender.company", "")
	v.SetDefault("sender.email", "")

	v.SetDefault("compliance.company_name", "")
	v.SetDefault("compliance.mailing_address", "")
	v.SetDefault("compliance.unsubscribe_url", "")
	v.SetDefault("compliance.unsubscribe_secret", "")

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.insecure_skip_verify", false)

	v.SetDefault("gmail.client_id", "")
	v.SetDefault("gmail.client_secret", "")
	v.SetDefault("gmail.refresh_token", "")

	v.SetDefault("ses.region", "us-east-1")
	v.SetDefault("ses.access_key_id", "")
	v.SetDefault("ses.secret_access_key", "")
	v.SetDefault("ses.configuration_set", "")

	v.SetDefault("lock.redis_addr", "")
	v.SetDefault("lock.password", "")
	v.SetDefault("lock.db", 0)
	v.SetDefault("lock.ttl", 12*time.Hour)

	v.SetDefault("alerting.sentry_dsn", "")
	v.SetDefault("alerting.environment", "production")

	v.SetDefault("schedule.cron", "0 9 * * *")
}
