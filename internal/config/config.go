package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// State backends
const (
	StateBackendBolt  = "bolt"
	StateBackendMongo = "mongo"
)

// Config holds all configuration for the application
type Config struct {
	// MongoDB configuration (stats sink, optionally parser state)
	MongoURI string
	MongoDB  string

	// Parser state storage
	StateBackend string // "bolt" or "mongo"
	StatePath    string // bbolt file for the bolt backend

	// ClickHouse kill archive and progress mirror
	ClickHouseEnabled  bool
	ClickHouseHost     string
	ClickHousePort     int
	ClickHouseDB       string
	ClickHouseUser     string
	ClickHousePassword string
	OffsetMirror       bool // Mirror parser state to ClickHouse

	// Discord
	DiscordToken string

	// SFTP settings
	SFTPTimeout       time.Duration
	KnownHostsFile    string
	MaxConnsPerServer int

	// Scheduler settings
	PollInterval        time.Duration
	MaxParallelServers  int
	BackfillOnNewServer bool

	// Admin tools
	AdminPort int

	// Observability
	LogLevel       string
	LogFile        string
	TracingEnabled bool

	// Guild and server map
	GuildsPath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:  getEnv("MONGO_DB", "emerald_killfeed"),

		StateBackend: getEnv("STATE_BACKEND", StateBackendMongo),
		StatePath:    getEnv("STATE_PATH", "data/parser_state.db"),

		ClickHouseEnabled:  getEnvBool("CLICKHOUSE_ENABLED", false),
		ClickHouseHost:     getEnv("CLICKHOUSE_HOST", "localhost"),
		ClickHousePort:     getEnvInt("CLICKHOUSE_PORT", 9000),
		ClickHouseDB:       getEnv("CLICKHOUSE_DB", "killfeed"),
		ClickHouseUser:     getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePassword: getEnv("CLICKHOUSE_PASSWORD", ""),
		OffsetMirror:       getEnvBool("OFFSET_MIRROR", false),

		DiscordToken: getEnv("DISCORD_TOKEN", ""),

		SFTPTimeout:       getEnvSeconds("SFTP_TIMEOUT", 30*time.Second),
		KnownHostsFile:    getEnv("SFTP_KNOWN_HOSTS", ""),
		MaxConnsPerServer: getEnvInt("MAX_CONNECTIONS_PER_SERVER", 3),

		PollInterval:        getEnvSeconds("POLL_INTERVAL", 300*time.Second),
		MaxParallelServers:  getEnvInt("MAX_PARALLEL_SERVERS", 4),
		BackfillOnNewServer: getEnvBool("BACKFILL_ON_NEW_SERVER", false),

		AdminPort: getEnvInt("ADMIN_PORT", 8080),

		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFile:        getEnv("LOG_FILE", ""),
		TracingEnabled: getEnvBool("TRACING_ENABLED", false),

		GuildsPath: getEnv("GUILDS_PATH", "configs/guilds.yaml"),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("MONGO_URI is required")
	}
	if c.MongoDB == "" {
		return fmt.Errorf("MONGO_DB is required")
	}
	switch c.StateBackend {
	case StateBackendMongo:
	case StateBackendBolt:
		if c.StatePath == "" {
			return fmt.Errorf("STATE_PATH is required for the bolt state backend")
		}
	default:
		return fmt.Errorf("STATE_BACKEND must be %q or %q", StateBackendBolt, StateBackendMongo)
	}
	if c.ClickHouseEnabled || c.OffsetMirror {
		if c.ClickHouseHost == "" {
			return fmt.Errorf("CLICKHOUSE_HOST is required")
		}
		if c.ClickHousePort <= 0 || c.ClickHousePort > 65535 {
			return fmt.Errorf("CLICKHOUSE_PORT must be between 1 and 65535")
		}
		if c.ClickHouseDB == "" {
			return fmt.Errorf("CLICKHOUSE_DB is required")
		}
	}
	if c.SFTPTimeout <= 0 {
		return fmt.Errorf("SFTP_TIMEOUT must be positive")
	}
	if c.MaxConnsPerServer < 1 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_SERVER must be at least 1")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1 second")
	}
	if c.MaxParallelServers < 1 {
		return fmt.Errorf("MAX_PARALLEL_SERVERS must be at least 1")
	}
	if c.AdminPort < 0 || c.AdminPort > 65535 {
		return fmt.Errorf("ADMIN_PORT must be between 0 and 65535")
	}
	if c.GuildsPath == "" {
		return fmt.Errorf("GUILDS_PATH is required")
	}

	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvSeconds reads a duration given either in whole seconds ("300") or
// as a Go duration ("5m")
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
