package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	SummarizerOpenAI = "openai"
	SummarizerCLI    = "cli"

	QueueSQLite = "sqlite"
	QueueRedis  = "redis"
)

const defaultLLMBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

var validMirrors = map[string]bool{
	"":         true,
	"sqlite":   true,
	"postgres": true,
	"mysql":    true,
}

type Config struct {
	ListenAddr   string
	APIKeys      []string
	CORSOrigins  []string
	RateLimitRPS float64
	LogLevel     slog.Level

	UploadDir  string
	ResultsDir string
	DBPath     string

	QueueBackend string
	RedisAddr    string
	RedisKey     string

	MirrorDriver string
	MirrorDSN    string

	Concurrency       int
	PollInterval      time.Duration
	MaxAttempts       int
	RetryDelay        time.Duration
	VisibilityTimeout time.Duration
	DeleteAttempts    int
	DeleteDelay       time.Duration

	DownloadTimeout time.Duration
	MaxUploadBytes  int64

	Summarizer     string
	LLMBaseURL     string
	LLMAPIKey      string
	LLMModel       string
	LLMTemperature float64
	LLMTimeout     time.Duration
	CLIPath        string

	Pdftotext string
	Pdfinfo   string
	Pdfimages string

	OrphanTTL     time.Duration
	SweepSchedule string
	HealthAddr    string
}

// Load reads PDFSUM_* variables, after loading .env from the working
// directory when one exists. Variables already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf(".env: %w", err)
	}

	cfg := &Config{
		ListenAddr:    getEnv("PDFSUM_LISTEN_ADDR", ":8080"),
		UploadDir:     getEnv("PDFSUM_UPLOAD_DIR", "temp"),
		ResultsDir:    getEnv("PDFSUM_RESULTS_DIR", "results"),
		DBPath:        getEnv("PDFSUM_DB_PATH", "pdfsum.db"),
		QueueBackend:  getEnv("PDFSUM_QUEUE_BACKEND", QueueSQLite),
		RedisAddr:     getEnv("PDFSUM_REDIS_ADDR", "localhost:6379"),
		RedisKey:      getEnv("PDFSUM_REDIS_KEY", "pdf_jobs"),
		MirrorDriver:  getEnv("PDFSUM_MIRROR_DRIVER", ""),
		MirrorDSN:     getEnv("PDFSUM_MIRROR_DSN", ""),
		Summarizer:    getEnv("PDFSUM_SUMMARIZER", SummarizerOpenAI),
		LLMBaseURL:    getEnv("PDFSUM_LLM_BASE_URL", defaultLLMBaseURL),
		LLMAPIKey:     getEnv("PDFSUM_LLM_API_KEY", os.Getenv("GOOGLE_API_KEY")),
		LLMModel:      getEnv("PDFSUM_LLM_MODEL", "gemini-2.5-flash"),
		CLIPath:       getEnv("PDFSUM_CLI_PATH", "claude"),
		Pdftotext:     getEnv("PDFSUM_PDFTOTEXT", "pdftotext"),
		Pdfinfo:       getEnv("PDFSUM_PDFINFO", "pdfinfo"),
		Pdfimages:     getEnv("PDFSUM_PDFIMAGES", "pdfimages"),
		SweepSchedule: getEnv("PDFSUM_SWEEP_SCHEDULE", "@every 15m"),
		HealthAddr:    getEnv("PDFSUM_HEALTH_ADDR", ""),
	}
	cfg.APIKeys = splitList(getEnv("PDFSUM_API_KEYS", ""))
	cfg.CORSOrigins = splitList(getEnv("PDFSUM_CORS_ORIGINS", "*"))

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("PDFSUM_LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("PDFSUM_LOG_LEVEL: %w", err)
	}

	var err error
	if cfg.RateLimitRPS, err = getEnvFloat("PDFSUM_RATE_LIMIT_RPS", 5); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = getEnvInt("PDFSUM_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("PDFSUM_CONCURRENCY must be > 0")
	}
	if cfg.MaxAttempts, err = getEnvInt("PDFSUM_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts < 1 {
		return nil, errors.New("PDFSUM_MAX_ATTEMPTS must be > 0")
	}
	if cfg.DeleteAttempts, err = getEnvInt("PDFSUM_DELETE_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.DeleteAttempts < 1 {
		return nil, errors.New("PDFSUM_DELETE_ATTEMPTS must be > 0")
	}
	maxMB, err := getEnvInt("PDFSUM_MAX_UPLOAD_MB", 50)
	if err != nil {
		return nil, err
	}
	if maxMB < 1 {
		return nil, errors.New("PDFSUM_MAX_UPLOAD_MB must be > 0")
	}
	cfg.MaxUploadBytes = int64(maxMB) << 20

	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&cfg.PollInterval, "PDFSUM_POLL_INTERVAL", time.Second},
		{&cfg.RetryDelay, "PDFSUM_RETRY_DELAY", 60 * time.Second},
		{&cfg.VisibilityTimeout, "PDFSUM_VISIBILITY_TIMEOUT", 10 * time.Minute},
		{&cfg.DeleteDelay, "PDFSUM_DELETE_DELAY", time.Second},
		{&cfg.DownloadTimeout, "PDFSUM_DOWNLOAD_TIMEOUT", 60 * time.Second},
		{&cfg.LLMTimeout, "PDFSUM_LLM_TIMEOUT", 120 * time.Second},
		{&cfg.OrphanTTL, "PDFSUM_ORPHAN_TTL", 24 * time.Hour},
	}
	for _, d := range durations {
		if *d.dst, err = getEnvDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
		if *d.dst < 0 {
			return nil, fmt.Errorf("%s must not be negative", d.key)
		}
	}
	if cfg.VisibilityTimeout == 0 {
		return nil, errors.New("PDFSUM_VISIBILITY_TIMEOUT must be > 0")
	}

	if cfg.LLMTemperature, err = getEnvFloat("PDFSUM_LLM_TEMPERATURE", 0.1); err != nil {
		return nil, err
	}

	switch cfg.QueueBackend {
	case QueueSQLite, QueueRedis:
	default:
		return nil, fmt.Errorf("PDFSUM_QUEUE_BACKEND %q must be one of: sqlite, redis", cfg.QueueBackend)
	}
	if !validMirrors[cfg.MirrorDriver] {
		return nil, fmt.Errorf("PDFSUM_MIRROR_DRIVER %q must be one of: sqlite, postgres, mysql", cfg.MirrorDriver)
	}
	if cfg.MirrorDriver != "" && cfg.MirrorDSN == "" {
		return nil, errors.New("PDFSUM_MIRROR_DSN is required when PDFSUM_MIRROR_DRIVER is set")
	}
	if cfg.SweepSchedule != "" {
		if _, err := cron.ParseStandard(cfg.SweepSchedule); err != nil {
			return nil, fmt.Errorf("PDFSUM_SWEEP_SCHEDULE: %w", err)
		}
	}

	// Worker and API processes may start from different directories.
	for _, p := range []*string{&cfg.UploadDir, &cfg.ResultsDir} {
		if *p, err = filepath.Abs(*p); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// ValidateSummarizer checks the LLM settings. Only processes that summarize
// call it, so the API runs without a key.
func (c *Config) ValidateSummarizer() error {
	switch c.Summarizer {
	case SummarizerOpenAI:
		if c.LLMAPIKey == "" {
			return errors.New("PDFSUM_LLM_API_KEY (or GOOGLE_API_KEY) must be set")
		}
		if c.LLMModel == "" {
			return errors.New("PDFSUM_LLM_MODEL must not be empty")
		}
	case SummarizerCLI:
		if c.CLIPath == "" {
			return errors.New("PDFSUM_CLI_PATH must not be empty")
		}
	default:
		return fmt.Errorf("PDFSUM_SUMMARIZER %q must be one of: openai, cli", c.Summarizer)
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 2 {
		return fmt.Errorf("PDFSUM_LLM_TEMPERATURE %v must be within [0, 2]", c.LLMTemperature)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}
