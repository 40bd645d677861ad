package main

import (
	"context" // context package is needed for Redis operations
	"time"    // Startup timeouts

	"credit_system/internal/api"     // Custom package for API handlers
	"credit_system/internal/config"  // Custom package for configuration
	"credit_system/internal/credits" // Custom package for the credit engine
	"credit_system/internal/db"      // Custom package for the database

	"github.com/gin-gonic/gin"     // Gin web framework
	"github.com/redis/go-redis/v9" // Redis client
	"github.com/sirupsen/logrus"   // Logrus for structured logging
)

// Main function to set up and run the server
func main() {
	cfg, err := config.LoadConfig() // Load configuration
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}

	// Setup logger
	if cfg.IsProd {
		logrus.SetFormatter(&logrus.JSONFormatter{}) // Machine readable logs in production
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	} else {
		logrus.Warnf("unknown LOG_LEVEL %q, keeping %s", cfg.LogLevel, logrus.GetLevel())
	}

	// Connect to the database
	database, err := db.Open(db.DSN(cfg))
	if err != nil {
		logrus.Fatalf("failed to connect to DB: %v", err) // Fatal error if DB connection fails
	}

	// Setup Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr, // Redis server address
		Password: cfg.RedisPass, // Redis password
		DB:       cfg.RedisDB,   // Redis database number
	})

	// Test Redis connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_, err = redisClient.Ping(ctx).Result()
	cancel()
	if err != nil {
		logrus.Fatalf("failed to connect to Redis: %v", err)
	}

	// Credit engine and the service on top of it
	engine := credits.NewEngine(credits.NewStore(database), credits.Options{
		MinLifetimeEarned: cfg.MinLifetimeEarned, // Eligibility threshold
		Currency:          cfg.Currency,          // Currency of new balances
		Logger:            logrus.StandardLogger(),
	})
	service := credits.NewService(engine, cfg.ReservationTTL)

	// Set Mode to Release if in production
	if cfg.IsProd {
		gin.SetMode(gin.ReleaseMode)
	}

	// Setup Gin
	r := gin.Default() // Gin router instance

	// Set trusted proxies for Gin
	if err := r.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		logrus.Fatalf("failed to set trusted proxies: %v", err)
	}

	if cfg.ServiceKeyHash == "" {
		logrus.Warn("SERVICE_KEY_HASH is empty, internal credit routes will reject every call")
	}

	api.RegisterRoutes(r, service, redisClient, api.RouteConfig{
		JWTSecret:      cfg.JWTSecret,      // Token verification
		ServiceKeyHash: cfg.ServiceKeyHash, // Internal caller verification
		CacheTTL:       cfg.CacheTTL,       // Read cache lifetime
	})

	logrus.WithFields(logrus.Fields{
		"port":      cfg.AppPort,                          // Listening port
		"currency":  cfg.Currency,                         // Balance currency
		"threshold": cfg.MinLifetimeEarned.StringFixed(2), // Eligibility threshold
	}).Info("Credit service running")
	if err := r.Run(":" + cfg.AppPort); err != nil { // Start the server on port cfg.AppPort
		logrus.Fatalf("server stopped: %v", err)
	}
}
