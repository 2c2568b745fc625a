package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	DataDir   string
	BaseImage string
	Capacity  string
	LogLevel  string
}

// Load loads configuration from environment variables
// Automatically loads .env file if present
func Load() *Config {
	// Try to load .env file (fail silently if not present)
	_ = godotenv.Load()

	return &Config{
		DataDir:   getEnv("DATA_DIR", "/var/lib/sandbox"),
		BaseImage: getEnv("BASE_IMAGE", "python:3.11-alpine"),
		Capacity:  getEnv("IMAGE_CAPACITY", "1GB"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
