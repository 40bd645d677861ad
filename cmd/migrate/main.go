package main

import (
	"credit_system/internal/config" // Custom import path (Config)
	"credit_system/internal/db"     // Custom import path (Database)

	"github.com/sirupsen/logrus" // Logrus for structured logging
)

// Main entry point for migration
func main() {
	cfg, err := config.LoadConfig() // Load configuration
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	db.Migrate(db.DSN(cfg)) // Create or update the credit tables
}
