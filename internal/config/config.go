// Package config loads the server configuration from the environment.
// A .env file is honored in development via godotenv; in production the
// hosting environment injects the variables directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration. DatabaseURL and
// SessionSecret are required; everything else has a default or degrades
// gracefully when absent (AI, email, Redis).
type Config struct {
	Port        string
	DatabaseURL string

	SessionSecret string
	SessionTTL    time.Duration
	RedisURL      string // optional; in-memory session store when empty

	// AI enrichment. Empty key disables enrichment gracefully.
	AnthropicAPIKey     string
	AIModel             string
	SimilarityThreshold int
	TopKSops            int
	AIConcurrency       int
	AICallTimeout       time.Duration

	// Email relay. Empty key disables email gracefully.
	EmailRelayKey string
	EmailRelayURL string
	EmailFrom     string
	EmailTimeout  time.Duration

	// Scheduler.
	SchedulerTick time.Duration
	TatWarnWindow time.Duration

	// Uploads.
	UploadDir      string
	MaxFileSize    int64
	MaxFilesPerReq int
	ZipMaxBytes    int64
	ZipMaxFiles    int

	AllowedOrigins string
	Env            string
}

// Load reads configuration from the environment, loading .env first if
// present. It fails on missing required options.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absent in production

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		SessionSecret: os.Getenv("SESSION_SECRET"),
		SessionTTL:    getDuration("SESSION_TTL", 24*time.Hour),
		RedisURL:      os.Getenv("REDIS_URL"),

		AnthropicAPIKey:     os.Getenv("ANTHROPIC_API_KEY"),
		AIModel:             getEnv("AI_MODEL", "claude-3-5-haiku-latest"),
		SimilarityThreshold: getInt("SIMILARITY_THRESHOLD", 60),
		TopKSops:            getInt("TOP_K_SOPS", 5),
		AIConcurrency:       getInt("AI_CONCURRENCY", 4),
		AICallTimeout:       getDuration("AI_CALL_TIMEOUT", 30*time.Second),

		EmailRelayKey: os.Getenv("EMAIL_RELAY_KEY"),
		EmailRelayURL: getEnv("EMAIL_RELAY_URL", "https://api.resend.com/emails"),
		EmailFrom:     os.Getenv("EMAIL_FROM"),
		EmailTimeout:  getDuration("EMAIL_TIMEOUT", 10*time.Second),

		SchedulerTick: getDuration("SCHEDULER_TICK", 60*time.Second),
		TatWarnWindow: getDuration("TAT_WARN_WINDOW", 24*time.Hour),

		UploadDir:      getEnv("UPLOAD_DIR", "./uploads"),
		MaxFileSize:    getInt64("MAX_FILE_SIZE", 10<<20), // 10 MB per file
		MaxFilesPerReq: getInt("MAX_FILES_PER_REQUEST", 10),
		ZipMaxBytes:    getInt64("ZIP_MAX_BYTES", 200<<20), // 200 MB per archive
		ZipMaxFiles:    getInt("ZIP_MAX_FILES", 100),

		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
		Env:            getEnv("APP_ENV", "development"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required")
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 100 {
		return fmt.Errorf("SIMILARITY_THRESHOLD must be 0..100, got %d", c.SimilarityThreshold)
	}
	if c.AIConcurrency < 1 {
		c.AIConcurrency = 1
	}
	if c.TopKSops < 1 {
		c.TopKSops = 1
	}
	return nil
}

// AIEnabled reports whether the enrichment provider is configured.
func (c *Config) AIEnabled() bool { return c.AnthropicAPIKey != "" }

// EmailEnabled reports whether the email relay is configured.
func (c *Config) EmailEnabled() bool { return c.EmailRelayKey != "" && c.EmailFrom != "" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
