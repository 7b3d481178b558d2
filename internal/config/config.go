/**
 * @description
 * This package handles the configuration management for the access service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 * - github.com/shopspring/decimal: money-valued settings.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	LedgerDriverPostgres = "postgres"
	LedgerDriverMemory   = "memory"
)

// Config holds all the configuration variables for the access service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns      int32  `mapstructure:"DATABASE_MAX_CONNS"`
	LedgerDriver          string `mapstructure:"LEDGER_DRIVER"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	CoordinationKeyPrefix string `mapstructure:"COORDINATION_KEY_PREFIX"`
	CoordinationTimeoutMS int    `mapstructure:"COORDINATION_TIMEOUT_MS"`
	LockTTLSeconds        int    `mapstructure:"LOCK_TTL_SECONDS"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange  string `mapstructure:"NOTIFICATION_EXCHANGE"`
	EventsExchange        string `mapstructure:"EVENTS_EXCHANGE"`
	JWTSecret             string `mapstructure:"JWT_SECRET"`
	JWKSURL               string `mapstructure:"JWKS_URL"`
	JWTIssuer             string `mapstructure:"JWT_ISSUER"`
	JWTAudience           string `mapstructure:"JWT_AUDIENCE"`
	CORSAllowedOrigins    string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PaymentAPIBaseURL     string `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentKeyID          string `mapstructure:"PAYMENT_KEY_ID"`
	PaymentKeySecret      string `mapstructure:"PAYMENT_KEY_SECRET"`
	PaymentCurrency       string `mapstructure:"PAYMENT_CURRENCY"`
	SweeperEnabled        bool   `mapstructure:"SWEEPER_ENABLED"`
	SweeperSchedule       string `mapstructure:"SWEEPER_SCHEDULE"`
	SweepTimeoutSeconds   int    `mapstructure:"SWEEP_TIMEOUT_SECONDS"`
	ExpiryWarningMinutes  int    `mapstructure:"EXPIRY_WARNING_MINUTES"`
	LowUsageThreshold     int64  `mapstructure:"LOW_USAGE_THRESHOLD"`
	RateLimitPerMinute    int    `mapstructure:"RATE_LIMIT_PER_MINUTE"`

	// Parsed from REFERRER_BONUS, REFEREE_BONUS and MIN_WITHDRAWAL_AMOUNT.
	ReferrerBonus       decimal.Decimal `mapstructure:"-"`
	RefereeBonus        decimal.Decimal `mapstructure:"-"`
	MinWithdrawalAmount decimal.Decimal `mapstructure:"-"`
}

var (
	defaultReferrerBonus = decimal.NewFromInt(50)
	defaultRefereeBonus  = decimal.NewFromInt(25)
	defaultMinWithdrawal = decimal.NewFromInt(100)
)

// LoadConfig reads configuration from environment variables and an optional .env
// file in path.
func LoadConfig(path string) (*Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_MAX_CONNS", 10)
	viper.SetDefault("LEDGER_DRIVER", LedgerDriverPostgres)
	viper.SetDefault("COORDINATION_KEY_PREFIX", "passwallet")
	viper.SetDefault("COORDINATION_TIMEOUT_MS", 500)
	viper.SetDefault("LOCK_TTL_SECONDS", 12)
	viper.SetDefault("NOTIFICATION_EXCHANGE", "notifications")
	viper.SetDefault("EVENTS_EXCHANGE", "access_events")
	viper.SetDefault("PAYMENT_CURRENCY", "INR")
	viper.SetDefault("SWEEPER_ENABLED", false)
	viper.SetDefault("SWEEPER_SCHEDULE", "* * * * *") // Every minute.
	viper.SetDefault("SWEEP_TIMEOUT_SECONDS", 50)
	viper.SetDefault("EXPIRY_WARNING_MINUTES", 10)
	viper.SetDefault("LOW_USAGE_THRESHOLD", 2)
	viper.SetDefault("RATE_LIMIT_PER_MINUTE", 60)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "DATABASE_URL", "DATABASE_MAX_CONNS", "LEDGER_DRIVER",
		"REDIS_URL", "COORDINATION_KEY_PREFIX", "COORDINATION_TIMEOUT_MS", "LOCK_TTL_SECONDS",
		"RABBITMQ_URL", "NOTIFICATION_EXCHANGE", "EVENTS_EXCHANGE",
		"JWT_SECRET", "JWKS_URL", "JWT_ISSUER", "JWT_AUDIENCE", "CORS_ALLOWED_ORIGINS",
		"PAYMENT_API_BASE_URL", "PAYMENT_KEY_ID", "PAYMENT_KEY_SECRET", "PAYMENT_CURRENCY",
		"REFERRER_BONUS", "REFEREE_BONUS", "MIN_WITHDRAWAL_AMOUNT",
		"SWEEPER_ENABLED", "SWEEPER_SCHEDULE", "SWEEP_TIMEOUT_SECONDS",
		"EXPIRY_WARNING_MINUTES", "LOW_USAGE_THRESHOLD", "RATE_LIMIT_PER_MINUTE",
	} {
		_ = viper.BindEnv(key)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "error", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.LedgerDriver = strings.ToLower(strings.TrimSpace(config.LedgerDriver))
	if config.LedgerDriver != LedgerDriverMemory {
		config.LedgerDriver = LedgerDriverPostgres
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.CoordinationKeyPrefix = strings.TrimSpace(config.CoordinationKeyPrefix)
	config.PaymentCurrency = strings.ToUpper(strings.TrimSpace(config.PaymentCurrency))
	if config.PaymentCurrency == "" {
		config.PaymentCurrency = "INR"
	}

	config.ReferrerBonus = decimalSetting("REFERRER_BONUS", defaultReferrerBonus)
	config.RefereeBonus = decimalSetting("REFEREE_BONUS", defaultRefereeBonus)
	config.MinWithdrawalAmount = decimalSetting("MIN_WITHDRAWAL_AMOUNT", defaultMinWithdrawal)

	if config.DatabaseMaxConns <= 0 {
		config.DatabaseMaxConns = 10
	}
	if config.CoordinationTimeoutMS <= 0 {
		config.CoordinationTimeoutMS = 500
	}
	if config.LockTTLSeconds <= 0 {
		slog.Warn("non-positive lock ttl configured; using default", "component", "config", "value", config.LockTTLSeconds)
		config.LockTTLSeconds = 12
	}
	if config.SweepTimeoutSeconds <= 0 {
		config.SweepTimeoutSeconds = 50
	}
	if config.ExpiryWarningMinutes <= 0 {
		config.ExpiryWarningMinutes = 10
	}
	if config.LowUsageThreshold < 0 {
		config.LowUsageThreshold = 0
	}
	if config.RateLimitPerMinute < 0 {
		config.RateLimitPerMinute = 0
	}

	return &config, nil
}

// decimalSetting parses a money value; a missing, invalid or negative value falls back to def.
func decimalSetting(key string, def decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return def
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("invalid decimal setting; using default", "component", "config", "key", key, "value", raw, "error", err)
		return def
	}
	if v.IsNegative() {
		slog.Warn("negative decimal setting; using default", "component", "config", "key", key, "value", raw)
		return def
	}
	return v
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c *Config) AllowedOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func (c *Config) CoordinationTimeout() time.Duration {
	return time.Duration(c.CoordinationTimeoutMS) * time.Millisecond
}

func (c *Config) SweepTimeout() time.Duration {
	return time.Duration(c.SweepTimeoutSeconds) * time.Second
}

func (c *Config) ExpiryWarning() time.Duration {
	return time.Duration(c.ExpiryWarningMinutes) * time.Minute
}
