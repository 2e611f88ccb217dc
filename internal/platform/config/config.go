package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the runtime configuration of the relay server and CLI.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	JWTSecret string
	WorkDir   string

	FetchConcurrency int
	FetchRetries     int
	FetchTimeout     time.Duration

	FFmpegBinary string

	PresignTTL time.Duration
	S3Endpoint string

	ProgressWSURL     string
	JobTimeout        time.Duration
	MaxConcurrentJobs int

	RedisURL           string
	CORSAllowedOrigins []string
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// FromEnv assembles a Config from the environment, applying defaults for
// anything unset or invalid.
func FromEnv() Config {
	return Config{
		Port:      GetEnv("PORT", "8080"),
		LogLevel:  GetEnv("LOG_LEVEL", "info"),
		LogFormat: GetEnv("LOG_FORMAT", "json"),

		JWTSecret: os.Getenv("JWT_SECRET_KEY"),
		WorkDir:   GetEnv("WORK_DIR", filepath.Join(os.TempDir(), "m3u8-remux")),

		FetchConcurrency: GetEnvInt("FETCH_CONCURRENCY", 16),
		FetchRetries:     GetEnvInt("FETCH_RETRIES", 0),
		FetchTimeout:     GetEnvDuration("FETCH_TIMEOUT", 2*time.Minute),

		FFmpegBinary: GetEnv("FFMPEG_BIN", "ffmpeg"),

		PresignTTL: GetEnvDuration("PRESIGN_TTL", 24*time.Hour),
		S3Endpoint: GetEnv("S3_ENDPOINT", ""),

		ProgressWSURL:     GetEnv("PROGRESS_WS_URL", ""),
		JobTimeout:        GetEnvDuration("JOB_TIMEOUT", 30*time.Minute),
		MaxConcurrentJobs: GetEnvInt("MAX_CONCURRENT_JOBS", 4),

		RedisURL:           GetEnv("REDIS_URL", ""),
		CORSAllowedOrigins: GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
	}
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := strings.TrimSpace(os.Getenv(key)); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration accepts Go duration strings ("90s", "2m") or a bare number of
// seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// GetEnvList splits a comma separated variable, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
