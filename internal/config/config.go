// Package config loads the immutable runtime configuration from the process
// environment. Every recognized variable has a validated default; in
// production mode an invalid value is a startup error, in dev mode it falls
// back to the default with a warning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the validated runtime configuration. It is constructed once at
// startup and passed by value; nothing mutates it afterwards.
type Config struct {
	Production bool

	RedisHost string
	RedisPort int

	DatabasePath  string
	RetentionDays int
	// PostgresDSN enables the optional secondary relational store when set.
	PostgresDSN string

	RadarPort     string
	RadarBaudRate int

	DHT22Pin            int
	DHT22UpdateInterval time.Duration
	// AirportWeatherURL enables the external weather API poller when set.
	AirportWeatherURL string

	APIHost string
	APIPort int

	LogLevel string
	// LogBroadcastLevel is the minimum severity republished on system_log.
	LogBroadcastLevel string
}

// Defaults for each recognized environment variable.
const (
	DefaultRedisHost           = "localhost"
	DefaultRedisPort           = 6379
	DefaultDatabasePath        = "traffic_data.db"
	DefaultRetentionDays       = 90
	DefaultRadarPort           = "/dev/ttyACM0"
	DefaultRadarBaudRate       = 19200
	DefaultDHT22Pin            = 4
	DefaultDHT22UpdateInterval = 600 * time.Second
	DefaultAPIHost             = "0.0.0.0"
	DefaultAPIPort             = 8080
	DefaultLogLevel            = "info"
	DefaultLogBroadcastLevel   = "warn"
)

// LoadEnvFiles loads .env files into the process environment, if present.
// Missing files are not an error; the process environment always wins over
// defaults either way.
func LoadEnvFiles(logger *logrus.Logger) {
	for _, file := range []string{".env", ".env.dev"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil && logger != nil {
			logger.WithError(err).Warnf("failed to load %s", file)
		}
	}
}

// Load reads the environment into a Config. The returned error aggregates
// every invalid value; in dev mode callers may log it and keep the defaults
// that Load substituted, in production mode it is fatal (exit code 2).
func Load() (Config, error) {
	var problems []string

	cfg := Config{
		Production:        strings.EqualFold(os.Getenv("TRAFFICWATCH_ENV"), "production"),
		RedisHost:         getString("REDIS_HOST", DefaultRedisHost),
		DatabasePath:      getString("DATABASE_PATH", DefaultDatabasePath),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		RadarPort:         getString("RADAR_UART_PORT", DefaultRadarPort),
		AirportWeatherURL: os.Getenv("AIRPORT_WEATHER_URL"),
		APIHost:           getString("API_HOST", DefaultAPIHost),
	}

	cfg.RedisPort = getInt("REDIS_PORT", DefaultRedisPort, 1, 65535, &problems)
	cfg.RetentionDays = getInt("RETENTION_DAYS", DefaultRetentionDays, 1, 3650, &problems)
	cfg.RadarBaudRate = getInt("RADAR_BAUD_RATE", DefaultRadarBaudRate, 300, 921600, &problems)
	cfg.DHT22Pin = getInt("DHT22_GPIO_PIN", DefaultDHT22Pin, 0, 63, &problems)
	cfg.APIPort = getInt("API_PORT", DefaultAPIPort, 1, 65535, &problems)

	intervalSecs := getInt("DHT22_UPDATE_INTERVAL", int(DefaultDHT22UpdateInterval/time.Second), 2, 86400, &problems)
	cfg.DHT22UpdateInterval = time.Duration(intervalSecs) * time.Second

	cfg.LogLevel = getLevel("LOG_LEVEL", DefaultLogLevel, &problems)
	cfg.LogBroadcastLevel = getLevel("LOG_BROADCAST_LEVEL", DefaultLogBroadcastLevel, &problems)

	if len(problems) > 0 {
		return cfg, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// RedisAddr returns the host:port address of the Redis backend.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ListenAddr returns the host:port address the HTTP server binds to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback, min, max int, problems *[]string) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s=%q is not an integer", key, raw))
		return fallback
	}
	if v < min || v > max {
		*problems = append(*problems, fmt.Sprintf("%s=%d out of range [%d, %d]", key, v, min, max))
		return fallback
	}
	return v
}

func getLevel(key, fallback string, problems *[]string) string {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "trace", "debug", "info", "warn", "warning", "error":
		return raw
	}
	*problems = append(*problems, fmt.Sprintf("%s=%q is not a log level", key, raw))
	return fallback
}
