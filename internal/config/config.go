package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config represents service configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	Addr           string
	DBPath         string
	BackendURL     string
	BackendAPIKey  string
	PollInterval   time.Duration
	GenTimeout     time.Duration
	Concurrency    int
	CommandBacklog int
}

// Load reads configuration from the environment, after loading an optional
// .env file, and applies defaults where needed.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Addr:           getEnv("PROMPTQ_ADDR", "127.0.0.1:8480"),
		DBPath:         os.Getenv("PROMPTQ_DB_PATH"),
		BackendURL:     getEnv("PROMPTQ_BACKEND_URL", "https://api.example.com/v1/generate"),
		BackendAPIKey:  os.Getenv("PROMPTQ_BACKEND_API_KEY"),
		PollInterval:   time.Second * time.Duration(getEnvInt("PROMPTQ_POLL_INTERVAL_SECONDS", 2)),
		GenTimeout:     time.Second * time.Duration(getEnvInt("PROMPTQ_GEN_TIMEOUT_SECONDS", 300)),
		Concurrency:    getEnvInt("PROMPTQ_CONCURRENCY", 1),
		CommandBacklog: getEnvInt("PROMPTQ_COMMAND_BACKLOG", 16),
	}

	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
