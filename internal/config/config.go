package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config - структура для хранения конфигурации сервера
type Config struct {
	DatabaseURL    string `env:"DATABASE_URL"`
	DBMaxConns     int    `env:"DB_MAX_CONNS" envDefault:"10"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`
	HTTPPort       string `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel       string `env:"LOG_LEVEL" envDefault:"info"`

	// Redis Config
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPass      string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	RecentCacheTTL time.Duration `env:"RECENT_CACHE_TTL" envDefault:"10m"`

	// Broadcast Config
	SessionBuffer       int           `env:"SESSION_BUFFER" envDefault:"64"`
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	SubstituteRetention int           `env:"SUBSTITUTE_RETENTION" envDefault:"500"`

	// Webhook Config
	WebhookURL        string        `env:"WEBHOOK_URL"`
	WebhookSecret     string        `env:"WEBHOOK_SECRET"`
	WebhookTimeout    time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	WebhookMaxRetries int           `env:"WEBHOOK_MAX_RETRIES" envDefault:"3"`
	WebhookBaseDelay  time.Duration `env:"WEBHOOK_BASE_DELAY" envDefault:"1s"`

	// API Keys for authentication
	APIKeys []string `env:"API_KEYS"`
}

// ObserverConfig - конфигурация наблюдателя (cmd/observer)
type ObserverConfig struct {
	ServerURL      string        `env:"SERVER_URL" envDefault:"http://localhost:8080/api/v1"`
	APIKey         string        `env:"API_KEY"`
	LogLevel       string        `env:"LOG_LEVEL" envDefault:"info"`
	FetchLimit     int           `env:"OBSERVER_FETCH_LIMIT" envDefault:"100"`
	ViewCap        int           `env:"OBSERVER_VIEW_CAP" envDefault:"50"`
	ResyncInterval time.Duration `env:"OBSERVER_RESYNC_INTERVAL" envDefault:"1m"`
	ReconnectDelay time.Duration `env:"OBSERVER_RECONNECT_DELAY" envDefault:"2s"`
	RequestTimeout time.Duration `env:"OBSERVER_REQUEST_TIMEOUT" envDefault:"10s"`

	// StreamIdleTimeout - сколько поток может молчать (включая heartbeat), прежде чем считается потерянным
	StreamIdleTimeout time.Duration `env:"OBSERVER_STREAM_IDLE_TIMEOUT" envDefault:"30s"`
}

// LoadConfig загружает конфигурацию из переменных окружения и .env файла
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		DBMaxConns:          getEnvAsInt("DB_MAX_CONNS", 10),
		MigrationsPath:      getEnv("MIGRATIONS_PATH", "file://migrations"),
		HTTPPort:            getEnv("HTTP_PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		RedisAddr:           getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:             getEnvAsInt("REDIS_DB", 0),
		RecentCacheTTL:      getEnvAsDuration("RECENT_CACHE_TTL", 10*time.Minute),
		SessionBuffer:       getEnvAsInt("SESSION_BUFFER", 64),
		HeartbeatInterval:   getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		SubstituteRetention: getEnvAsInt("SUBSTITUTE_RETENTION", 500),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		WebhookTimeout:      getEnvAsDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		WebhookMaxRetries:   getEnvAsInt("WEBHOOK_MAX_RETRIES", 3),
		WebhookBaseDelay:    getEnvAsDuration("WEBHOOK_BASE_DELAY", time.Second),
		APIKeys:             getEnvAsList("API_KEYS"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if cfg.SessionBuffer < 1 {
		return nil, fmt.Errorf("SESSION_BUFFER must be positive, got %d", cfg.SessionBuffer)
	}

	return cfg, nil
}

// LoadObserverConfig загружает конфигурацию наблюдателя
func LoadObserverConfig() (*ObserverConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &ObserverConfig{
		ServerURL:      strings.TrimRight(getEnv("SERVER_URL", "http://localhost:8080/api/v1"), "/"),
		APIKey:         os.Getenv("API_KEY"),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		FetchLimit:     getEnvAsInt("OBSERVER_FETCH_LIMIT", 100),
		ViewCap:        getEnvAsInt("OBSERVER_VIEW_CAP", 50),
		ResyncInterval: getEnvAsDuration("OBSERVER_RESYNC_INTERVAL", time.Minute),
		ReconnectDelay: getEnvAsDuration("OBSERVER_RECONNECT_DELAY", 2*time.Second),
		RequestTimeout: getEnvAsDuration("OBSERVER_REQUEST_TIMEOUT", 10*time.Second),

		StreamIdleTimeout: getEnvAsDuration("OBSERVER_STREAM_IDLE_TIMEOUT", 30*time.Second),
	}

	if cfg.ViewCap < 1 {
		return nil, fmt.Errorf("OBSERVER_VIEW_CAP must be positive, got %d", cfg.ViewCap)
	}

	return cfg, nil
}

// loadDotEnv загружает переменные окружения из .env файла (если есть)
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ошибка загрузки файла .env: %w", err)
	}
	return nil
}

// getEnv возвращает значение переменной окружения или значение по умолчанию
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvAsInt возвращает значение переменной окружения как int или значение по умолчанию
func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration возвращает значение переменной окружения как time.Duration или значение по умолчанию
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}

// getEnvAsList разбирает список через запятую, пустые элементы отбрасываются
func getEnvAsList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
