package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	HTTPPort    string
	LogLevel    string
	LogFormat   string

	JWTSecret string
	JWTTTL    time.Duration

	QueueURL      string
	QueueWorkers  int
	QueueCapacity int

	FirebaseDatabaseURL     string
	FirebaseCredentialsFile string
	BatchSyncLimit          int

	LineChannelSecret string
	LineChannelToken  string

	GeminiAPIKey string
}

var AppConfig Config

// LoadConfig reads .env (if present) and the process environment into AppConfig.
func LoadConfig() error {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://crm.db"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:   strings.ToLower(getEnv("LOG_FORMAT", "text")),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTTTL:    getEnvAsDuration("JWT_TTL", 24*time.Hour),

		QueueURL:      getEnv("QUEUE_URL", "memory://"),
		QueueWorkers:  getEnvAsInt("QUEUE_WORKERS", 4),
		QueueCapacity: getEnvAsInt("QUEUE_CAPACITY", 1000),

		FirebaseDatabaseURL:     getEnv("FIREBASE_DATABASE_URL", ""),
		FirebaseCredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		BatchSyncLimit:          getEnvAsInt("BATCH_SYNC_LIMIT", 50),

		LineChannelSecret: getEnv("LINE_CHANNEL_SECRET", ""),
		LineChannelToken:  getEnv("LINE_CHANNEL_TOKEN", ""),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
	}

	if AppConfig.JWTSecret == "" {
		return errors.New("JWT_SECRET environment variable is required")
	}
	if AppConfig.QueueWorkers <= 0 {
		AppConfig.QueueWorkers = 1
	}
	return nil
}

// SetupLogging applies LogLevel and LogFormat to the default logger.
func SetupLogging(cfg Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn("Unknown LOG_LEVEL, falling back to info", "value", cfg.LogLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)
	if cfg.LogFormat == "json" {
		log.SetFormatter(log.JSONFormatter)
	}
	if level == log.DebugLevel {
		log.SetReportCaller(true)
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
