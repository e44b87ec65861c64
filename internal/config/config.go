// Package config loads environment-driven settings for the job control
// plane, following the same getenv/clamp style as the teacher's
// configuration loader.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the core control plane recognizes (spec.md
// §6's Configuration table), plus the transport wiring (HTTP port, store
// selection, optional watcher/provider/webhook endpoints).
type Config struct {
	HTTPPort string
	JobStore string // "memory" or "sqlite"
	DBPath   string

	SSEBufferSize              int
	SSEPingInterval            time.Duration
	SSEBackpressureFailTimeout time.Duration
	SSERetryMS                 int
	MaxIterations              int
	MaxWallTime                time.Duration
	IdempotencyTTL             time.Duration
	JobReaperInterval          time.Duration
	JobTTLFinished             time.Duration
	JobTTLFailed               time.Duration
	JobTTLCancelled            time.Duration

	// WatchDir, when set, enables the batch-submission directory watcher:
	// dropping a *.json payload file into it submits a job the same way a
	// POST to /optimize would.
	WatchDir string

	// ObjectivesPath optionally points at a YAML file of named scorer
	// weights consumed by the default optimization driver.
	ObjectivesPath string

	// ProviderURL, when set, points the default driver's Provider at an
	// HTTP endpoint that proposes candidates; left empty, a deterministic
	// in-process stand-in is used instead.
	ProviderURL string

	// WebhookURL, when set, receives a POST for every terminal job event.
	WebhookURL string
}

// Load reads configuration from the environment and an optional .env
// file, applying the same defaults the reference implementation uses.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPPort: getenv("PORT", "8080"),
		JobStore: getenv("JOB_STORE", "memory"),
		DBPath:   getenv("DB_PATH", "./optimizectl.db"),

		SSEBufferSize:              clampInt(getenvInt("SSE_BUFFER_SIZE", 100), 1, 100000),
		SSEPingInterval:            secondsEnv("SSE_PING_INTERVAL_S", 15),
		SSEBackpressureFailTimeout: secondsEnv("SSE_BACKPRESSURE_FAIL_TIMEOUT_S", 2),
		SSERetryMS:                 clampInt(getenvInt("SSE_RETRY_MS", 3000), 100, 60000),
		MaxIterations:              clampInt(getenvInt("MAX_ITERATIONS", 50), 1, 10000),
		MaxWallTime:                secondsEnv("MAX_WALL_TIME_S", 120),
		IdempotencyTTL:             secondsEnv("IDEMPOTENCY_TTL_S", 600),
		JobReaperInterval:          secondsEnv("JOB_REAPER_INTERVAL_S", 60),
		JobTTLFinished:             secondsEnv("JOB_TTL_FINISHED_S", 3600),
		JobTTLFailed:               secondsEnv("JOB_TTL_FAILED_S", 3600),
		JobTTLCancelled:            secondsEnv("JOB_TTL_CANCELLED_S", 1800),

		WatchDir:       getenv("WATCH_DIR", ""),
		ObjectivesPath: getenv("OBJECTIVES_PATH", ""),
		ProviderURL:    getenv("PROVIDER_URL", ""),
		WebhookURL:     getenv("WEBHOOK_URL", ""),
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func secondsEnv(key string, defSeconds float64) time.Duration {
	sec := getenvFloat(key, defSeconds)
	if sec < 0 {
		sec = 0
	}
	return time.Duration(sec * float64(time.Second))
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns the current wall-clock time in UTC, used for job and event
// bookkeeping.
func Now() time.Time {
	return time.Now().UTC()
}
