/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Exact parsing of the opening balance.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// DefaultOpeningBalance is the balance credited to new users when no override
// is configured.
const DefaultOpeningBalance = "500.00"

// Config holds all the configuration variables for the policy-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	MongoURI                 string `mapstructure:"MONGO_URI"`
	MongoDatabase            string `mapstructure:"MONGO_DATABASE"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisSettlementPrefix    string `mapstructure:"REDIS_SETTLEMENT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	JWTSecret                string `mapstructure:"JWT_SECRET"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	OpeningBalance           string `mapstructure:"OPENING_BALANCE"`
	CatalogSeed              bool   `mapstructure:"CATALOG_SEED"`
	ExpirySweepSchedule      string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	SettlementIdempotencyTTL int    `mapstructure:"SETTLEMENT_IDEMPOTENCY_TTL_MINUTES"`
}

// OpeningBalanceAmount parses the configured opening balance, falling back to
// the default when the value is missing or malformed.
func (c Config) OpeningBalanceAmount() decimal.Decimal {
	raw := strings.TrimSpace(c.OpeningBalance)
	if raw == "" {
		raw = DefaultOpeningBalance
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil || amount.IsNegative() {
		log.Printf("level=warn component=config msg=\"invalid OPENING_BALANCE; using default\" value=%q", raw)
		amount, _ = decimal.NewFromString(DefaultOpeningBalance)
	}
	return amount
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
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("MONGO_DATABASE", "policy_catalog")
	viper.SetDefault("REDIS_SETTLEMENT_PREFIX", "policy:settlement")
	viper.SetDefault("OPENING_BALANCE", DefaultOpeningBalance)
	viper.SetDefault("CATALOG_SEED", true)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "0 * * * *")
	viper.SetDefault("SETTLEMENT_IDEMPOTENCY_TTL_MINUTES", 1440)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("MONGO_URI")
	_ = viper.BindEnv("MONGO_DATABASE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "POLICY_REDIS_URL")
	_ = viper.BindEnv("REDIS_SETTLEMENT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "POLICY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("OPENING_BALANCE")
	_ = viper.BindEnv("CATALOG_SEED")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SETTLEMENT_IDEMPOTENCY_TTL_MINUTES")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("POLICY_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisSettlementPrefix = strings.TrimSpace(config.RedisSettlementPrefix)
	if config.RedisSettlementPrefix == "" {
		config.RedisSettlementPrefix = "policy:settlement"
	}
	if strings.TrimSpace(config.ExpirySweepSchedule) == "" {
		config.ExpirySweepSchedule = "0 * * * *"
	}
	if config.SettlementIdempotencyTTL <= 0 {
		config.SettlementIdempotencyTTL = 1440
	}

	return
}
