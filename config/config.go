// ABOUTME: Explicit configuration value object for the sync engine
// ABOUTME: Loads from environment with .env overlay and XDG default paths
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
)

// Config carries every knob the reconciler and its collaborators need. It is
// built once at startup and passed in explicitly; nothing in the engine reads
// the process environment.
type Config struct {
	RegistryBaseURL string
	RegistryToken   string
	CMSBaseURL      string
	CMSToken        string

	// StateDSN selects the state store: memory://, file://path, or a
	// sqlite path (the default).
	StateDSN string

	// Concurrency bounds the upsert worker pool. Network parallelism is
	// still capped at one in-flight call by the rate-limited gateway.
	Concurrency int

	// RateLimit dispatches per RateWindow across all outbound CMS calls.
	RateLimit  int
	RateWindow time.Duration

	PublishEnabled     bool
	PublishMinInterval time.Duration

	// FallbackLookback bounds the incremental window when no baseline
	// timestamp exists yet.
	FallbackLookback time.Duration

	// IncrementalUnpublishScan re-enables the original's full unpublish
	// pass at the end of incremental runs. Off by default: it defeats the
	// point of incremental sync for large directories.
	IncrementalUnpublishScan bool

	RequestTimeout time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

// Load reads configuration from the environment, overlaying a .env file when
// one is present in the working directory.
func Load() (Config, error) {
	// Missing .env is fine; explicit env vars win either way.
	_ = godotenv.Load()

	cfg := Config{
		RegistryBaseURL:          strings.TrimSpace(os.Getenv("MEMBERSYNC_REGISTRY_URL")),
		RegistryToken:            strings.TrimSpace(os.Getenv("MEMBERSYNC_REGISTRY_TOKEN")),
		CMSBaseURL:               strings.TrimSpace(os.Getenv("MEMBERSYNC_CMS_URL")),
		CMSToken:                 strings.TrimSpace(os.Getenv("MEMBERSYNC_CMS_TOKEN")),
		StateDSN:                 strings.TrimSpace(os.Getenv("MEMBERSYNC_STATE_DSN")),
		Concurrency:              intEnv("MEMBERSYNC_CONCURRENCY", 5),
		RateLimit:                intEnv("MEMBERSYNC_RATE_LIMIT", 60),
		RateWindow:               durationEnv("MEMBERSYNC_RATE_WINDOW", time.Minute),
		PublishEnabled:           boolEnv("MEMBERSYNC_PUBLISH_ENABLED", true),
		PublishMinInterval:       durationEnv("MEMBERSYNC_PUBLISH_MIN_INTERVAL", time.Minute),
		FallbackLookback:         durationEnv("MEMBERSYNC_FALLBACK_LOOKBACK", 24*time.Hour),
		IncrementalUnpublishScan: boolEnv("MEMBERSYNC_INCREMENTAL_UNPUBLISH_SCAN", false),
		RequestTimeout:           durationEnv("MEMBERSYNC_REQUEST_TIMEOUT", 15*time.Second),
		MaxRetries:               intEnv("MEMBERSYNC_MAX_RETRIES", 3),
		RetryDelay:               durationEnv("MEMBERSYNC_RETRY_DELAY", 500*time.Millisecond),
	}

	if cfg.StateDSN == "" {
		path, err := DefaultStatePath()
		if err != nil {
			return cfg, fmt.Errorf("failed to resolve default state path: %w", err)
		}
		cfg.StateDSN = path
	}

	return cfg, nil
}

// Validate checks the fields required for talking to real services. The
// state-only subcommands skip it.
func (c Config) Validate() error {
	if c.RegistryBaseURL == "" {
		return fmt.Errorf("MEMBERSYNC_REGISTRY_URL is required")
	}
	if c.CMSBaseURL == "" {
		return fmt.Errorf("MEMBERSYNC_CMS_URL is required")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", c.Concurrency)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("rate limit must be positive, got %d", c.RateLimit)
	}
	return nil
}

// DefaultStatePath returns the XDG data-home location of the sqlite state
// database (~/.local/share/membersync/state.db on Linux).
func DefaultStatePath() (string, error) {
	path, err := xdg.DataFile(filepath.Join("membersync", "state.db"))
	if err != nil {
		return "", err
	}
	return path, nil
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
