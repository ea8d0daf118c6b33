package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port    string
	DataDir string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	DevelopmentMode bool
	AllowedOrigins  string

	// Session / KDF
	SessionTTL time.Duration
	BcryptCost int
	KDFWorkers int

	// Rate limits (ulule/limiter formatted, e.g. "5-M")
	RateLimitRegister   string
	RateLimitLogin      string
	RateLimitStreamAuth string
	RateLimitWsIP       string

	// Resource caps
	MaxChannels       int
	MaxChannelMembers int
	MaxMessageLength  int
	ChatHistoryLength int
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: DATA_DIR (snapshot directory, must exist or be creatable)
	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		errors = append(errors, "DATA_DIR is required")
	} else if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		errors = append(errors, fmt.Sprintf("DATA_DIR is not usable: %v", err))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			// Default to localhost:6379 if not specified
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Session TTL (defaults to 720h = 30 days)
	cfg.SessionTTL = getDurationOrDefault("SESSION_TTL", 720*time.Hour, &errors)

	// Bcrypt cost, bounded so a misconfigured env cannot stall the KDF pool
	cfg.BcryptCost = getIntOrDefault("BCRYPT_COST", 10, &errors)
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 14 {
		errors = append(errors, fmt.Sprintf("BCRYPT_COST must be between 4 and 14 (got %d)", cfg.BcryptCost))
	}

	cfg.KDFWorkers = getIntOrDefault("KDF_WORKERS", 4, &errors)
	if cfg.KDFWorkers < 1 {
		errors = append(errors, fmt.Sprintf("KDF_WORKERS must be at least 1 (got %d)", cfg.KDFWorkers))
	}

	// Rate limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitRegister = getEnvOrDefault("RATE_LIMIT_REGISTER", "5-M")
	cfg.RateLimitLogin = getEnvOrDefault("RATE_LIMIT_LOGIN", "10-M")
	cfg.RateLimitStreamAuth = getEnvOrDefault("RATE_LIMIT_STREAM_AUTH", "30-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	// Resource caps
	cfg.MaxChannels = getIntOrDefault("MAX_CHANNELS", 200, &errors)
	cfg.MaxChannelMembers = getIntOrDefault("MAX_CHANNEL_MEMBERS", 500, &errors)
	cfg.MaxMessageLength = getIntOrDefault("MAX_MESSAGE_LENGTH", 2000, &errors)
	cfg.ChatHistoryLength = getIntOrDefault("CHAT_HISTORY_LENGTH", 200, &errors)

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	// Validate port is a number
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	// Validate host is not empty
	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"data_dir", cfg.DataDir,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"session_ttl", cfg.SessionTTL,
		"bcrypt_cost", cfg.BcryptCost,
		"max_channels", cfg.MaxChannels,
		"chat_history_length", cfg.ChatHistoryLength,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getIntOrDefault parses an integer environment variable, recording a validation error on bad input
func getIntOrDefault(key string, defaultValue int, errors *[]string) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errors = append(*errors, fmt.Sprintf("%s must be an integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

// getDurationOrDefault parses a duration environment variable, recording a validation error on bad input
func getDurationOrDefault(key string, defaultValue time.Duration, errors *[]string) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errors = append(*errors, fmt.Sprintf("%s must be a duration like '720h' (got '%s')", key, value))
		return defaultValue
	}
	return d
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
