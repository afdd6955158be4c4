/**
 * @description
 * This package handles configuration management for the wallet service. It
 * uses the Viper library to read configuration from environment variables
 * (with an optional .env file), providing a centralized way to manage
 * application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the wallet service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	GatewayAPIBaseURL    string `mapstructure:"GATEWAY_API_BASE_URL"`
	GatewayAPIKey        string `mapstructure:"GATEWAY_API_KEY"`
	GatewayWebhookSecret string `mapstructure:"GATEWAY_WEBHOOK_SECRET"`

	JWKSURL        string `mapstructure:"JWKS_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	MandateBatchSchedule     string `mapstructure:"MANDATE_BATCH_SCHEDULE"`
	FundingReconcileSchedule string `mapstructure:"FUNDING_RECONCILE_SCHEDULE"`

	BatchLockPrefix             string `mapstructure:"BATCH_LOCK_PREFIX"`
	BatchLockTTLSeconds         int    `mapstructure:"BATCH_LOCK_TTL_SECONDS"`
	PendingFundingMaxAgeMinutes int    `mapstructure:"PENDING_FUNDING_MAX_AGE_MINUTES"`
	FundingReconcileBatchSize   int    `mapstructure:"FUNDING_RECONCILE_BATCH_SIZE"`
}

// BatchLockTTL is how long a batch lease lives before it expires on its own.
func (c Config) BatchLockTTL() time.Duration {
	return time.Duration(c.BatchLockTTLSeconds) * time.Second
}

// PendingFundingMaxAge is how old a pending funding entry must be before the
// reconciliation sweep checks it against the gateway.
func (c Config) PendingFundingMaxAge() time.Duration {
	return time.Duration(c.PendingFundingMaxAgeMinutes) * time.Minute
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("MANDATE_BATCH_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("FUNDING_RECONCILE_SCHEDULE", "*/15 * * * *")
	viper.SetDefault("BATCH_LOCK_PREFIX", "wallet:batch_lock")
	viper.SetDefault("BATCH_LOCK_TTL_SECONDS", 240)
	viper.SetDefault("PENDING_FUNDING_MAX_AGE_MINUTES", 30)
	viper.SetDefault("FUNDING_RECONCILE_BATCH_SIZE", 100)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("GATEWAY_API_BASE_URL")
	_ = viper.BindEnv("GATEWAY_API_KEY")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("MANDATE_BATCH_SCHEDULE")
	_ = viper.BindEnv("FUNDING_RECONCILE_SCHEDULE")
	_ = viper.BindEnv("BATCH_LOCK_PREFIX")
	_ = viper.BindEnv("BATCH_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("PENDING_FUNDING_MAX_AGE_MINUTES")
	_ = viper.BindEnv("FUNDING_RECONCILE_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	if config.DatabaseURL == "" {
		return config, errors.New("DATABASE_URL must be configured")
	}

	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.GatewayWebhookSecret = strings.TrimSpace(config.GatewayWebhookSecret)
	config.RedisURL = strings.TrimSpace(config.RedisURL)

	if config.BatchLockTTLSeconds <= 0 {
		config.BatchLockTTLSeconds = 240
	}
	if config.PendingFundingMaxAgeMinutes <= 0 {
		config.PendingFundingMaxAgeMinutes = 30
	}
	if config.FundingReconcileBatchSize <= 0 {
		config.FundingReconcileBatchSize = 100
	}

	return
}
