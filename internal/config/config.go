package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	AppEnv             string // "development" logs to console, anything else logs JSON
	LogLevel           string
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database (empty = render job records are not persisted)
	DatabaseURL string

	// Redis (empty = finished metric snapshots are not kept)
	RedisURL            string
	MetricsHistoryLimit int
	MetricsHistoryTTL   time.Duration

	// Supabase (empty URL or key = finished videos stay on local disk)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// D-ID avatar synthesis
	DIDAPIKey       string
	DIDBaseURL      string
	DIDPresenterURL string
	DIDVoiceID      string
	DIDPollInterval time.Duration
	DIDMaxPolls     int // 0 = poll until the talk settles

	// Rendering
	RenderOutputDir string
	FFmpegPath      string
	FFprobePath     string

	// Script generation; providers without a key are skipped
	OpenAIKey   string
	OpenAIModel string
	GeminiKey   string
	GeminiModel string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "8080"),
		AppEnv:                getEnv("APP_ENV", "development"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		RedisURL:              getEnv("REDIS_URL", ""),
		MetricsHistoryLimit:   getEnvInt("METRICS_HISTORY_LIMIT", 1000),
		MetricsHistoryTTL:     getEnvDuration("METRICS_HISTORY_TTL", 7*24*time.Hour),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "dealreel-videos"),
		DIDAPIKey:             getEnv("DID_API_KEY", ""),
		DIDBaseURL:            getEnv("DID_BASE_URL", "https://api.d-id.com"),
		DIDPresenterURL:       getEnv("DID_PRESENTER_URL", ""),
		DIDVoiceID:            getEnv("DID_VOICE_ID", ""),
		DIDPollInterval:       getEnvDuration("DID_POLL_INTERVAL", time.Second),
		DIDMaxPolls:           getEnvInt("DID_MAX_POLLS", 0),
		RenderOutputDir:       getEnv("RENDER_OUTPUT_DIR", "/tmp/dealreel"),
		FFmpegPath:            getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:           getEnv("FFPROBE_PATH", "ffprobe"),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:           getEnv("OPENAI_MODEL", "gpt-4o"),
		GeminiKey:             getEnv("GEMINI_API_KEY", ""),
		GeminiModel:           getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
	}

	// Validate required fields
	if cfg.DIDAPIKey == "" {
		return nil, fmt.Errorf("DID_API_KEY is required")
	}

	if cfg.DIDPollInterval <= 0 {
		return nil, fmt.Errorf("DID_POLL_INTERVAL must be positive, got %v", cfg.DIDPollInterval)
	}

	if cfg.DIDMaxPolls < 0 {
		return nil, fmt.Errorf("DID_MAX_POLLS must not be negative, got %d", cfg.DIDMaxPolls)
	}

	return cfg, nil
}

// StorageEnabled reports whether finished videos should be uploaded.
func (c *Config) StorageEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms") and bare milliseconds ("1500").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
