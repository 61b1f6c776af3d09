package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the mailer service
type Config struct {
	Database DatabaseConfig
	JWT      JWTConfig
	Server   ServerConfig
	SMTP     SMTPConfig
	Logger   LoggerConfig
}

// DatabaseConfig holds database configuration. An empty URL selects an
// in-memory SQLite store, which is the normal mode for this service: the
// recipient list only lives for the session.
type DatabaseConfig struct {
	URL string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
}

// SMTPConfig holds the SMTP server defaults taken from the environment.
// These only seed the send form; a batch request may override any of them,
// and full validation happens right before a batch starts.
type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromEmail string
	FromName  string
	TLSMode   string // auto | starttls | ssl | none
	Timeout   time.Duration
}

// LoggerConfig holds logging configuration
type LoggerConfig struct {
	Level       string
	Format      string
	Environment string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	// A missing .env file is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	config := &Config{
		Database: DatabaseConfig{
			URL: os.Getenv("DATABASE_URL"),
		},
		JWT: JWTConfig{
			Secret: os.Getenv("JWT_SECRET"),
		},
		Server: ServerConfig{
			Port: os.Getenv("SERVER_PORT"),
		},
		SMTP: SMTPConfig{
			Host:      os.Getenv("SMTP_HOST"),
			Port:      getEnvInt("SMTP_PORT", 587),
			Username:  os.Getenv("SMTP_USERNAME"),
			Password:  os.Getenv("SMTP_PASSWORD"),
			FromEmail: os.Getenv("SMTP_FROM_EMAIL"),
			FromName:  os.Getenv("SMTP_FROM_NAME"),
			TLSMode:   getEnvDefault("SMTP_TLS_MODE", "auto"),
			Timeout:   getEnvDuration("SMTP_TIMEOUT", 30*time.Second),
		},
		Logger: LoggerConfig{
			Level:       getEnvDefault("LOG_LEVEL", "info"),
			Format:      getEnvDefault("LOG_FORMAT", "text"),
			Environment: getEnvDefault("ENVIRONMENT", "development"),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// validateConfig validates that required configuration fields are present
func validateConfig(config *Config) error {
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080" // Default port
	}

	return nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
