package config

import (
	"fmt"     // Error formatting
	"os"      // For environment variables
	"strconv" // For string to int conversion
	"strings" // String normalization
	"time"    // Durations

	"github.com/joho/godotenv"      // For loading .env files
	"github.com/shopspring/decimal" // Threshold parsing
)

// Defaults applied when the environment leaves a setting empty
const (
	DefaultAppPort           = "8080"
	DefaultLogLevel          = "info"
	DefaultCurrency          = "USD"
	DefaultMinLifetimeEarned = "7.00"
	DefaultReservationTTL    = 15 * time.Minute
	DefaultCacheTTL          = 60 * time.Second
)

// Config holds the application configuration
type Config struct {
	AppPort    string // Application port
	DBUser     string // Database user
	DBPassword string // Database password
	DBHost     string // Database host
	DBPort     string // Database port
	DBName     string // Database name
	JWTSecret  string // JWT secret shared with the auth service
	RedisAddr  string // Redis server address
	RedisPass  string // Redis password
	RedisDB    int    // Redis database number
	IsProd     bool   // Is production environment
	LogLevel   string // logrus level name

	ServiceKeyHash    string          // bcrypt hash of the key internal callers present
	Currency          string          // Currency of newly created balances
	MinLifetimeEarned decimal.Decimal // Lifetime earned must exceed this to spend credits
	ReservationTTL    time.Duration   // Advisory lifetime of a hold
	CacheTTL          time.Duration   // TTL of cached reads
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Load .env file if present
	redisDB, _ := strconv.Atoi(os.Getenv("REDIS_DB"))

	threshold, err := decimal.NewFromString(getEnv("CREDITS_MIN_LIFETIME_EARNED", DefaultMinLifetimeEarned))
	if err != nil {
		return nil, fmt.Errorf("CREDITS_MIN_LIFETIME_EARNED: %w", err)
	}
	reservationTTL, err := getEnvDuration("CREDITS_RESERVATION_TTL", DefaultReservationTTL)
	if err != nil {
		return nil, err
	}
	cacheTTL, err := getEnvDuration("CACHE_TTL", DefaultCacheTTL)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AppPort:           getEnv("APP_PORT", DefaultAppPort),                           // Application port
		DBUser:            os.Getenv("DB_USER"),                                         // Database user
		DBPassword:        os.Getenv("DB_PASSWORD"),                                     // Database password
		DBHost:            os.Getenv("DB_HOST"),                                         // Database host
		DBPort:            os.Getenv("DB_PORT"),                                         // Database port
		DBName:            os.Getenv("DB_NAME"),                                         // Database name
		JWTSecret:         os.Getenv("JWT_SECRET"),                                      // JWT secret key
		RedisAddr:         os.Getenv("REDIS_ADDR"),                                      // Redis server address
		RedisPass:         os.Getenv("REDIS_PASS"),                                      // Redis password
		RedisDB:           redisDB,                                                      // Redis database number
		IsProd:            os.Getenv("IS_PROD") == "true",                               // Is production environment
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),                         // Log level
		ServiceKeyHash:    os.Getenv("SERVICE_KEY_HASH"),                                // Internal caller key hash
		Currency:          strings.ToUpper(getEnv("CREDITS_CURRENCY", DefaultCurrency)), // Balance currency
		MinLifetimeEarned: threshold.Round(2),                                           // Eligibility threshold
		ReservationTTL:    reservationTTL,                                               // Hold lifetime
		CacheTTL:          cacheTTL,                                                     // Cache lifetime
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the service cannot run without
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Currency) != 3 {
		return fmt.Errorf("CREDITS_CURRENCY must be a 3-letter code, got %q", c.Currency)
	}
	if c.MinLifetimeEarned.IsNegative() {
		return fmt.Errorf("CREDITS_MIN_LIFETIME_EARNED must not be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
