package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// イベントバスと通知ブローカーの選択肢
const (
	EventBusLocal    = "local"
	EventBusRabbitMQ = "rabbitmq"

	NotifyBrokerLocal = "local"
	NotifyBrokerRedis = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	JWTSecret string
	JWTTTL    time.Duration

	// Logging
	LogLevel string

	// Assignment
	AssignmentTimezone *time.Location
	AssignmentTimeout  time.Duration

	// Realtime
	WSPath       string
	WSSendBuffer int

	// Event bus
	EventBus         string
	RabbitMQURL      string
	RabbitMQExchange string
	RabbitMQQueue    string

	// Notification broker
	NotifyBroker  string
	RedisAddr     string
	RedisPassword string
	RedisChannel  string

	// Worker
	SweepInterval      time.Duration
	SweepMaxConcurrent int
	PendingGrace       time.Duration

	// Rate Limit（req/min）
	RateLimitGeneral int
	RateLimitBooking int

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.EventBus = getEnvString("EVENT_BUS", EventBusLocal)
	cfg.RabbitMQURL = os.Getenv("RABBITMQ_URL")
	if cfg.EventBus == EventBusRabbitMQ && cfg.RabbitMQURL == "" {
		missing = append(missing, "RABBITMQ_URL")
	}

	cfg.NotifyBroker = getEnvString("NOTIFY_BROKER", NotifyBrokerLocal)
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.NotifyBroker == NotifyBrokerRedis && cfg.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.EventBus != EventBusLocal && cfg.EventBus != EventBusRabbitMQ {
		return nil, fmt.Errorf("unsupported EVENT_BUS: %q", cfg.EventBus)
	}
	if cfg.NotifyBroker != NotifyBrokerLocal && cfg.NotifyBroker != NotifyBrokerRedis {
		return nil, fmt.Errorf("unsupported NOTIFY_BROKER: %q", cfg.NotifyBroker)
	}

	loc, err := time.LoadLocation(getEnvString("ASSIGNMENT_TIMEZONE", "Local"))
	if err != nil {
		return nil, fmt.Errorf("invalid ASSIGNMENT_TIMEZONE: %w", err)
	}
	cfg.AssignmentTimezone = loc

	// Optional fields with defaults
	cfg.JWTTTL = getEnvDuration("JWT_TTL", 24*time.Hour)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.AssignmentTimeout = getEnvDuration("ASSIGNMENT_TIMEOUT", 10*time.Second)
	cfg.WSPath = getEnvString("WS_PATH", "/ws")
	cfg.WSSendBuffer = getEnvInt("WS_SEND_BUFFER", 16)
	cfg.RabbitMQExchange = getEnvString("RABBITMQ_EXCHANGE", "cleanbook.events")
	cfg.RabbitMQQueue = getEnvString("RABBITMQ_QUEUE", "cleanbook.assignment")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisChannel = getEnvString("REDIS_CHANNEL", "cleanbook:notifications")
	cfg.SweepInterval = getEnvDuration("SWEEP_INTERVAL", 5*time.Minute)
	cfg.SweepMaxConcurrent = getEnvInt("SWEEP_MAX_CONCURRENT", 4)
	cfg.PendingGrace = getEnvDuration("PENDING_GRACE", 2*time.Minute)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitBooking = getEnvInt("RATE_LIMIT_BOOKING", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
