package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port               string
	RateLimitPerMinute int

	// Database
	SQLiteDBPath string
	DataDir      string

	// AMQP
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Ledger policy
	HostelID          string
	DueDay            int
	AdvanceMonthLimit int

	// Workers
	PeriodInterval      time.Duration
	PeriodSchedule      string
	PeriodGenerationDay int
	AuditInterval       time.Duration

	// Client
	LedgerAPIURL   string
	ClientCacheTTL time.Duration
	ClientTimeout  time.Duration

	// Backend selection
	DataBackend string

	LogLevel string
}

func Load() *Config {
	cfg := &Config{
		Port:               getEnv("PORT", "8081"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/feeledger.db"),
		DataDir:      getEnv("DATA_DIR", "data"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "feeledger"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "ledger_audit"),

		HostelID:          getEnv("HOSTEL_ID", ""),
		DueDay:            getEnvInt("DUE_DAY", 5),
		AdvanceMonthLimit: getEnvInt("ADVANCE_MONTH_LIMIT", 12),

		PeriodInterval:      getEnvDuration("PERIOD_INTERVAL", time.Hour),
		PeriodSchedule:      getEnv("PERIOD_SCHEDULE", "daily"),
		PeriodGenerationDay: getEnvInt("PERIOD_GENERATION_DAY", 1),
		AuditInterval:       getEnvDuration("AUDIT_INTERVAL", 15*time.Minute),

		LedgerAPIURL:   getEnv("LEDGER_API_URL", "http://localhost:8081"),
		ClientCacheTTL: getEnvDuration("CLIENT_CACHE_TTL", 0),
		ClientTimeout:  getEnvDuration("CLIENT_TIMEOUT", 15*time.Second),

		DataBackend: getEnv("DATA_BACKEND", "memory"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	validBackends := []string{"memory", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	// Validate SQLite configuration if backend is sqlite
	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			// Check if directory exists or can be created
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if c.DueDay < 1 || c.DueDay > 31 {
		errors = append(errors, fmt.Sprintf("invalid due day %d: must be between 1 and 31", c.DueDay))
	}
	if c.AdvanceMonthLimit < 1 || c.AdvanceMonthLimit > 60 {
		errors = append(errors, fmt.Sprintf("invalid advance month limit %d: must be between 1 and 60", c.AdvanceMonthLimit))
	}
	if c.RateLimitPerMinute < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitPerMinute))
	}

	if c.PeriodInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid period interval %v: must be at least 1 second", c.PeriodInterval))
	} else if c.PeriodInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid period interval %v: must be at most 24 hours", c.PeriodInterval))
	}
	if c.PeriodSchedule != "daily" && c.PeriodSchedule != "monthly" {
		errors = append(errors, fmt.Sprintf("invalid period schedule '%s': must be 'daily' or 'monthly'", c.PeriodSchedule))
	}
	if c.PeriodGenerationDay < 1 || c.PeriodGenerationDay > 28 {
		errors = append(errors, fmt.Sprintf("invalid period generation day %d: must be between 1 and 28", c.PeriodGenerationDay))
	}
	if c.AuditInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid audit interval %v: must be at least 1 second", c.AuditInterval))
	}

	if c.ClientCacheTTL < 0 {
		errors = append(errors, fmt.Sprintf("invalid client cache TTL %v: must not be negative", c.ClientCacheTTL))
	}
	if c.ClientTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("invalid client timeout %v: must be positive", c.ClientTimeout))
	}
	if c.LedgerAPIURL != "" {
		if u, err := url.Parse(c.LedgerAPIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errors = append(errors, fmt.Sprintf("invalid ledger API URL '%s': must be an http(s) URL", c.LedgerAPIURL))
		}
	}

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ParseLogLevel maps LOG_LEVEL values to slog levels.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level '%s': must be one of debug, info, warn, error", s)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
