package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	PublicBaseURL string `mapstructure:"PUBLIC_BASE_URL"`

	NotifyProvider       string `mapstructure:"NOTIFY_PROVIDER"`
	NotifyWebhookURL     string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken   string `mapstructure:"NOTIFY_WEBHOOK_TOKEN"`
	NotifyTimeoutSeconds int    `mapstructure:"NOTIFY_TIMEOUT_SECONDS"`
	NotifyMaxAttempts    int    `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	TwilioAccountSID     string `mapstructure:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken      string `mapstructure:"TWILIO_AUTH_TOKEN"`
	TwilioFrom           string `mapstructure:"TWILIO_FROM"`
	TwilioChannel        string `mapstructure:"TWILIO_CHANNEL"`

	AccessTokenSecret          string `mapstructure:"ACCESS_TOKEN_SECRET"`
	AccessTokenTTLMinutes      int    `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	RequirePatientVerification bool   `mapstructure:"REQUIRE_PATIENT_VERIFICATION"`

	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst     int `mapstructure:"RATE_LIMIT_BURST"`

	// TrustedProxies is a comma separated list of addresses or CIDR ranges
	// allowed to set X-Forwarded-For.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`

	// DefaultCountryCode turns bare national numbers such as 9876543210
	// into +<code>9876543210. Empty rejects them.
	DefaultCountryCode string `mapstructure:"DEFAULT_COUNTRY_CODE"`

	RedisURL      string `mapstructure:"REDIS_URL"`
	StatsTimezone string `mapstructure:"STATS_TIMEZONE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL",
	"PUBLIC_BASE_URL",
	"NOTIFY_PROVIDER", "NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_TOKEN",
	"NOTIFY_TIMEOUT_SECONDS", "NOTIFY_MAX_ATTEMPTS",
	"TWILIO_ACCOUNT_SID", "TWILIO_AUTH_TOKEN", "TWILIO_FROM", "TWILIO_CHANNEL",
	"ACCESS_TOKEN_SECRET", "ACCESS_TOKEN_TTL_MINUTES", "REQUIRE_PATIENT_VERIFICATION",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "TRUSTED_PROXIES",
	"DEFAULT_COUNTRY_CODE",
	"REDIS_URL", "STATS_TIMEZONE",
}

// Load reads the environment and an optional .env file in the working
// directory. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("SQLITE_PATH", "clinic.db")
	v.SetDefault("NOTIFY_PROVIDER", "mock")
	v.SetDefault("NOTIFY_TIMEOUT_SECONDS", 10)
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 1)
	v.SetDefault("TWILIO_CHANNEL", "sms")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 720)
	v.SetDefault("REQUIRE_PATIENT_VERIFICATION", false)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("STATS_TIMEZONE", "UTC")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.NotifyProvider = strings.ToLower(strings.TrimSpace(cfg.NotifyProvider))
	cfg.TwilioChannel = strings.ToLower(strings.TrimSpace(cfg.TwilioChannel))
	cfg.DefaultCountryCode = strings.TrimPrefix(strings.TrimSpace(cfg.DefaultCountryCode), "+")
	return cfg, nil
}

func (c *Config) TrustedProxyList() []string {
	var proxies []string
	for _, entry := range strings.Split(c.TrustedProxies, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			proxies = append(proxies, entry)
		}
	}
	return proxies
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverSQLite, DriverPostgres, DriverMemory, c.StoreDriver)
	}

	switch c.NotifyProvider {
	case "mock", "log", "noop", "fail":
	case "webhook":
		if c.NotifyWebhookURL == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL is required when NOTIFY_PROVIDER is webhook")
		}
	case "twilio":
		if c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioFrom == "" {
			return fmt.Errorf("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM are required when NOTIFY_PROVIDER is twilio")
		}
		if c.TwilioChannel != "sms" && c.TwilioChannel != "whatsapp" {
			return fmt.Errorf("TWILIO_CHANNEL must be sms or whatsapp, got %q", c.TwilioChannel)
		}
	default:
		return fmt.Errorf("unknown NOTIFY_PROVIDER %q", c.NotifyProvider)
	}

	for _, r := range c.DefaultCountryCode {
		if r < '0' || r > '9' {
			return fmt.Errorf("DEFAULT_COUNTRY_CODE must be digits, got %q", c.DefaultCountryCode)
		}
	}
	if len(c.DefaultCountryCode) > 3 {
		return fmt.Errorf("DEFAULT_COUNTRY_CODE has at most 3 digits, got %q", c.DefaultCountryCode)
	}

	if c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_MAX_ATTEMPTS must be at least 1, got %d", c.NotifyMaxAttempts)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	if c.StatsTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.StatsTimezone)
	if err != nil {
		return nil, fmt.Errorf("STATS_TIMEZONE %q: %w", c.StatsTimezone, err)
	}
	return loc, nil
}

func (c *Config) NotifyTimeout() time.Duration {
	return readDurationSeconds(c.NotifyTimeoutSeconds, 10)
}

func (c *Config) AccessTokenTTL() time.Duration {
	if c.AccessTokenTTLMinutes <= 0 {
		return 12 * time.Hour
	}
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func readDurationSeconds(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}
