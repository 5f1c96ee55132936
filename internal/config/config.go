/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix      = "deposit_review:rate_limit"
	defaultTransitionRateLimit  = 30
	defaultDepositTimeoutSecond = 30
	defaultIdleTTLMinutes       = 30
	defaultSweepSchedule        = "@every 1m"
	defaultEventsExchange       = "deposit_review_events"
)

// Config holds all the configuration variables for the deposit-review-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	LogLevel                     string `mapstructure:"LOG_LEVEL"`
	LogFormat                    string `mapstructure:"LOG_FORMAT"`
	DepositServiceURL            string `mapstructure:"DEPOSIT_SERVICE_URL"`
	DepositServiceAPIKey         string `mapstructure:"DEPOSIT_SERVICE_API_KEY"`
	DepositServiceTimeoutSeconds int    `mapstructure:"DEPOSIT_SERVICE_TIMEOUT_SECONDS"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	TransitionRateLimitPerMinute int    `mapstructure:"TRANSITION_RATE_LIMIT_PER_MINUTE"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	EventsExchange               string `mapstructure:"EVENTS_EXCHANGE"`
	OperatorJWKSURL              string `mapstructure:"OPERATOR_JWKS_URL"`
	OperatorAudience             string `mapstructure:"OPERATOR_AUDIENCE"`
	OperatorIssuer               string `mapstructure:"OPERATOR_ISSUER"`
	CORSAllowedOrigins           string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	SessionIdleTTLMinutes        int    `mapstructure:"SESSION_IDLE_TTL_MINUTES"`
	SessionSweepSchedule         string `mapstructure:"SESSION_SWEEP_SCHEDULE"`
}

// DepositServiceTimeout is the per-call timeout for the deposit-management service.
func (c Config) DepositServiceTimeout() time.Duration {
	return time.Duration(c.DepositServiceTimeoutSeconds) * time.Second
}

// SessionIdleTTL is how long an untouched review session survives.
func (c Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleTTLMinutes) * time.Minute
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("DEPOSIT_SERVICE_TIMEOUT_SECONDS", defaultDepositTimeoutSecond)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("TRANSITION_RATE_LIMIT_PER_MINUTE", defaultTransitionRateLimit)
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("SESSION_IDLE_TTL_MINUTES", defaultIdleTTLMinutes)
	viper.SetDefault("SESSION_SWEEP_SCHEDULE", defaultSweepSchedule)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("DEPOSIT_SERVICE_URL", "DEPOSIT_SERVICE_URL", "SERVER_URL")
	_ = viper.BindEnv("DEPOSIT_SERVICE_API_KEY", "DEPOSIT_SERVICE_API_KEY", "INTERNAL_API_KEY")
	_ = viper.BindEnv("DEPOSIT_SERVICE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("TRANSITION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("OPERATOR_JWKS_URL")
	_ = viper.BindEnv("OPERATOR_AUDIENCE")
	_ = viper.BindEnv("OPERATOR_ISSUER")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("SESSION_IDLE_TTL_MINUTES")
	_ = viper.BindEnv("SESSION_SWEEP_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("failed to read config file; using environment values", "component", "config", "err", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.LogLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	config.LogFormat = strings.ToLower(strings.TrimSpace(config.LogFormat))
	config.DepositServiceURL = strings.TrimRight(strings.TrimSpace(config.DepositServiceURL), "/")
	config.DepositServiceAPIKey = strings.TrimSpace(config.DepositServiceAPIKey)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.OperatorJWKSURL = strings.TrimSpace(config.OperatorJWKSURL)

	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = defaultEventsExchange
	}
	config.SessionSweepSchedule = strings.TrimSpace(config.SessionSweepSchedule)
	if config.SessionSweepSchedule == "" {
		config.SessionSweepSchedule = defaultSweepSchedule
	}

	if config.DepositServiceTimeoutSeconds <= 0 {
		slog.Warn("non-positive deposit service timeout configured; using default", "component", "config", "timeout_seconds", config.DepositServiceTimeoutSeconds)
		config.DepositServiceTimeoutSeconds = defaultDepositTimeoutSecond
	}
	if config.TransitionRateLimitPerMinute <= 0 {
		config.TransitionRateLimitPerMinute = defaultTransitionRateLimit
	}
	if config.SessionIdleTTLMinutes <= 0 {
		config.SessionIdleTTLMinutes = defaultIdleTTLMinutes
	}

	return
}
