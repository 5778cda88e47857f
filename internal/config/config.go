package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQL   = "sql"
	DriverMongo = "mongo"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Port        string
	Environment string
	LogLevel    string
	CORSOrigin  string

	// Storage
	StoreDriver   string
	DatabaseURL   string
	MongoURI      string
	MongoDatabase string

	// Auth
	JWTSecret  string
	AdminToken string

	// OpenAI compatible answer generation
	OpenAIKey     string
	OpenAIBaseURL string
	OpenAIModel   string
	AnswerTTL     time.Duration

	// Listing
	PageSizeDefault int
	PageSizeMax     int

	// 计数对账任务的 cron 表达式，为空则不启动
	ReconcileSchedule string
	// 最近有写入的题目在这段时间内不做修正
	ReconcileGrace time.Duration
}

// Load reads .env (if present) and then the process environment
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigin:  getEnv("CORS_ORIGIN", "*"),

		StoreDriver:   getEnv("STORE_DRIVER", DriverSQL),
		DatabaseURL:   getEnv("DATABASE_URL", "sqlite://homework.db"),
		MongoURI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGODB_DATABASE", "homework_helper"),

		JWTSecret:  os.Getenv("JWT_SECRET"),
		AdminToken: os.Getenv("X_ADMIN_TOKEN"),

		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   getEnv("OPENAI_MODEL", "gpt-3.5-turbo"),
		AnswerTTL:     getEnvDuration("ANSWER_CACHE_TTL", 24*time.Hour),

		PageSizeDefault: getEnvInt("PAGE_SIZE_DEFAULT", 20),
		PageSizeMax:     getEnvInt("PAGE_SIZE_MAX", 100),

		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", "@every 1h"),
		ReconcileGrace:    getEnvDuration("RECONCILE_GRACE", 2*time.Minute),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if c.StoreDriver != DriverSQL && c.StoreDriver != DriverMongo {
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQL, DriverMongo, c.StoreDriver)
	}
	if c.PageSizeMax < 1 {
		return fmt.Errorf("PAGE_SIZE_MAX must be positive")
	}
	if c.PageSizeDefault < 1 || c.PageSizeDefault > c.PageSizeMax {
		return fmt.Errorf("PAGE_SIZE_DEFAULT must be between 1 and PAGE_SIZE_MAX (%d)", c.PageSizeMax)
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
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
