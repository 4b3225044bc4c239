package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the OTA server
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Update   UpdateConfig   `yaml:"update"`
	Flash    FlashConfig    `yaml:"flash"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// UpdateConfig holds the update endpoint policy
type UpdateConfig struct {
	// URL is the default image location for pull-mode updates. Empty means none.
	URL           string `yaml:"url"`
	CommitTimeout int    `yaml:"commit_timeout"`
	EnablePost    bool   `yaml:"enable_post"`
	// FieldBufferSize bounds non-file multipart field values, in bytes.
	FieldBufferSize int           `yaml:"field_buffer_size"`
	RebootDelay     time.Duration `yaml:"reboot_delay"`
	RevertDelay     time.Duration `yaml:"revert_delay"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	FetchRetries    int           `yaml:"fetch_retries"`
	ActionTimeout   time.Duration `yaml:"action_timeout"`
	// HistoryKeep bounds the number of recorded attempts.
	HistoryKeep int `yaml:"history_keep"`
}

// FlashConfig holds the slot storage settings of the write engine
type FlashConfig struct {
	Path          string   `yaml:"path"`
	MaxImageSize  int64    `yaml:"max_image_size"`
	RebootCommand []string `yaml:"reboot_command"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // sqlite, postgres
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig holds Redis connection settings. Host empty disables status publishing.
type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// AuthConfig holds endpoint authentication settings
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 5*time.Minute),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Minute),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Update: UpdateConfig{
			URL:             getEnv("UPDATE_URL", ""),
			CommitTimeout:   getEnvInt("UPDATE_COMMIT_TIMEOUT", 0),
			EnablePost:      getEnvBool("UPDATE_ENABLE_POST", true),
			FieldBufferSize: getEnvInt("UPDATE_FIELD_BUFFER_SIZE", 49),
			RebootDelay:     getEnvDuration("UPDATE_REBOOT_DELAY", 101*time.Millisecond),
			RevertDelay:     getEnvDuration("UPDATE_REVERT_DELAY", 100*time.Millisecond),
			FetchTimeout:    getEnvDuration("UPDATE_FETCH_TIMEOUT", 10*time.Minute),
			FetchRetries:    getEnvInt("UPDATE_FETCH_RETRIES", 3),
			ActionTimeout:   getEnvDuration("UPDATE_ACTION_TIMEOUT", 5*time.Second),
			HistoryKeep:     getEnvInt("UPDATE_HISTORY_KEEP", 100),
		},
		Flash: FlashConfig{
			Path:          getEnv("FLASH_PATH", "./flash"),
			MaxImageSize:  int64(getEnvInt("FLASH_MAX_IMAGE_SIZE", 64<<20)),
			RebootCommand: strings.Fields(getEnv("REBOOT_COMMAND", "reboot")),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite"),
			Path:     getEnv("DB_PATH", "./flash/ota.db"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "ota"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "ota"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			TTL:      getEnvDuration("REDIS_STATUS_TTL", 24*time.Hour),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}
}

// DatabaseURL returns a PostgreSQL connection string
func (d *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisAddr returns the Redis address
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Enabled reports whether a Redis host is configured
func (r *RedisConfig) Enabled() bool {
	return r.Host != ""
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
