package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	TelegramToken string

	PollInterval time.Duration
	DailyHour    int
	WeeklyDay    time.Weekday
	WeeklyHour   int

	BaseURL     string
	HTTPTimeout time.Duration

	StoreBackend string
	DataDir      string

	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	ServerPort          string
	MaxDigestItems      int
	DispatchConcurrency int
	MaxRetries          int
	RetryBaseDelay      time.Duration

	// SeenRetention bounds how long seen listing IDs are kept. Zero keeps
	// them forever; pruning is opt-in.
	SeenRetention time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	return &Config{
		TelegramToken: getEnv("TELEGRAM_BOT_TOKEN", ""),

		PollInterval: getEnvAsDuration("POLL_INTERVAL", 15*time.Minute),
		DailyHour:    getEnvAsInt("DAILY_HOUR", 9),
		WeeklyDay:    getEnvAsWeekday("WEEKLY_DAY", time.Monday),
		WeeklyHour:   getEnvAsInt("WEEKLY_HOUR", 9),

		BaseURL:     getEnv("BASE_URL", "https://www.kv.ee"),
		HTTPTimeout: getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),

		StoreBackend: getEnv("STORE_BACKEND", "file"),
		DataDir:      getEnv("DATA_DIR", "./data"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "kvbot"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresDB:       getEnv("POSTGRES_DB", "kvbot"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		ServerPort:          getEnv("SERVER_PORT", "8080"),
		MaxDigestItems:      getEnvAsInt("MAX_DIGEST_ITEMS", 10),
		DispatchConcurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 4),
		MaxRetries:          getEnvAsInt("MAX_RETRIES", 3),
		RetryBaseDelay:      getEnvAsDuration("RETRY_BASE_DELAY", 2*time.Second),

		SeenRetention: getEnvAsDuration("SEEN_RETENTION", 0),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsWeekday(key string, defaultValue time.Weekday) time.Weekday {
	value := strings.ToLower(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.ToLower(d.String()) == value {
			return d
		}
	}
	return defaultValue
}
