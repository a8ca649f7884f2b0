package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every broker setting recognized from the environment.
// There is no persisted configuration file; everything is env-driven.
type Config struct {
	Server  ServerConfig
	Room    RoomConfig
	Metrics MetricsConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// RoomConfig is the immutable per-room configuration.
type RoomConfig struct {
	MaxPeers         int
	HeartbeatTimeout time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
	QueueTTL         time.Duration
	MaxQueuedPerPeer int
	MaxFrameBytes    int64
}

type MetricsConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type LoggingConfig struct {
	Level  string
	Format string
}

func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            getEnv("BROKER_HOST", "0.0.0.0"),
			Port:            getEnvInt("BROKER_PORT", 9000),
			ReadTimeout:     time.Duration(getEnvInt("BROKER_READ_TIMEOUT_MS", 10000)) * time.Millisecond,
			WriteTimeout:    time.Duration(getEnvInt("BROKER_WRITE_TIMEOUT_MS", 10000)) * time.Millisecond,
			ShutdownTimeout: time.Duration(getEnvInt("BROKER_SHUTDOWN_TIMEOUT_MS", 5000)) * time.Millisecond,
			AllowedOrigins:  getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		},
		Room: RoomConfig{
			MaxPeers:         getEnvInt("MAX_PEERS_PER_ROOM", 4),
			HeartbeatTimeout: time.Duration(getEnvInt("HEARTBEAT_TIMEOUT_MS", 5000)) * time.Millisecond,
			RateLimitMax:     getEnvInt("RATE_LIMIT_MAX", 100),
			RateLimitWindow:  time.Duration(getEnvInt("RATE_LIMIT_WINDOW_MS", 1000)) * time.Millisecond,
			QueueTTL:         time.Duration(getEnvInt("QUEUE_TTL_MS", 5000)) * time.Millisecond,
			MaxQueuedPerPeer: getEnvInt("QUEUE_MAX_PER_PEER", 50),
			MaxFrameBytes:    int64(getEnvInt("MAX_FRAME_BYTES", 1048576)),
		},
		Metrics: MetricsConfig{
			RedisAddr:     getEnv("METRICS_REDIS_ADDR", ""),
			RedisPassword: getEnv("METRICS_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("METRICS_REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
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
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
