// Package config holds the tunables the dashboard core reads, with their
// defaults, and loads them from an optional JSON5 file.
package config

import (
	"os"
	"time"

	"github.com/flynn/json5"
	"go.pulse.build/go/skerr"
)

const (
	// DefaultCacheTTLSeconds is the code review cache TTL. The work item
	// TTL is always derived as twice this value.
	DefaultCacheTTLSeconds = 300

	// DefaultCleanupDays is the age past which cache rows are compacted.
	DefaultCleanupDays = 30

	// DefaultBackgroundTimeoutSeconds bounds background refreshes.
	DefaultBackgroundTimeoutSeconds = 30

	// DefaultBaseRetryDelaySeconds is the backoff after a first failure.
	DefaultBaseRetryDelaySeconds = 30

	// DefaultMaxRetryDelaySeconds caps the backoff.
	DefaultMaxRetryDelaySeconds = 300
)

// CacheConfig configures the durable cache.
type CacheConfig struct {
	// TTLSeconds is the code review TTL.
	TTLSeconds int `json:"ttl_seconds"`

	// CleanupDays is the compaction window.
	CleanupDays int `json:"cleanup_days"`

	// DBPath overrides the cache database location. Empty means the
	// host application's default location.
	DBPath string `json:"db_path"`
}

// SourceHealthConfig configures the failure tracker's backoff.
type SourceHealthConfig struct {
	BaseRetryDelaySeconds int `json:"base_retry_delay_seconds"`
	MaxRetryDelaySeconds  int `json:"max_retry_delay_seconds"`
}

// GitHubConfig configures the GitHub adapter.
type GitHubConfig struct {
	// Token is a personal access token. Empty disables the adapter.
	Token string `json:"token"`

	// Login is the GitHub username whose reviews and issues are fetched.
	Login string `json:"login"`
}

// GitLabConfig configures the GitLab adapter.
type GitLabConfig struct {
	// GlabPath is the glab binary to shell out to. Defaults to "glab",
	// resolved through PATH.
	GlabPath string `json:"glab_path"`
}

// Config is the full configuration surface of the core.
type Config struct {
	Cache                    CacheConfig        `json:"cache"`
	SourceHealth             SourceHealthConfig `json:"source_health"`
	BackgroundTimeoutSeconds int                `json:"background_timeout_seconds"`
	GitHub                   GitHubConfig       `json:"github"`
	GitLab                   GitLabConfig       `json:"gitlab"`
}

// Default returns the Config with every tunable at its default.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			TTLSeconds:  DefaultCacheTTLSeconds,
			CleanupDays: DefaultCleanupDays,
		},
		SourceHealth: SourceHealthConfig{
			BaseRetryDelaySeconds: DefaultBaseRetryDelaySeconds,
			MaxRetryDelaySeconds:  DefaultMaxRetryDelaySeconds,
		},
		BackgroundTimeoutSeconds: DefaultBackgroundTimeoutSeconds,
		GitLab: GitLabConfig{
			GlabPath: "glab",
		},
	}
}

// Load reads the JSON5 config file at path over the defaults. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	ret := Default()
	if path == "" {
		return ret, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ret, skerr.Wrapf(err, "reading config file %s", path)
	}
	if err := json5.Unmarshal(b, &ret); err != nil {
		return ret, skerr.Wrapf(err, "parsing config file %s", path)
	}
	if err := ret.Validate(); err != nil {
		return ret, skerr.Wrapf(err, "validating config file %s", path)
	}
	return ret, nil
}

// Validate returns an error if any tunable is out of range.
func (c Config) Validate() error {
	if c.Cache.TTLSeconds <= 0 {
		return skerr.Fmt("cache.ttl_seconds must be positive, got %d", c.Cache.TTLSeconds)
	}
	if c.Cache.CleanupDays <= 0 {
		return skerr.Fmt("cache.cleanup_days must be positive, got %d", c.Cache.CleanupDays)
	}
	if c.BackgroundTimeoutSeconds <= 0 {
		return skerr.Fmt("background_timeout_seconds must be positive, got %d", c.BackgroundTimeoutSeconds)
	}
	if c.SourceHealth.BaseRetryDelaySeconds <= 0 {
		return skerr.Fmt("source_health.base_retry_delay_seconds must be positive, got %d", c.SourceHealth.BaseRetryDelaySeconds)
	}
	if c.SourceHealth.MaxRetryDelaySeconds < c.SourceHealth.BaseRetryDelaySeconds {
		return skerr.Fmt("source_health.max_retry_delay_seconds must be >= base_retry_delay_seconds")
	}
	return nil
}

// ReviewTTL returns the code review cache TTL.
func (c Config) ReviewTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// WorkItemTTL returns the work item cache TTL, twice the review TTL.
func (c Config) WorkItemTTL() time.Duration {
	return 2 * c.ReviewTTL()
}

// CleanupWindow returns the compaction window.
func (c Config) CleanupWindow() time.Duration {
	return time.Duration(c.Cache.CleanupDays) * 24 * time.Hour
}

// BackgroundTimeout returns the background refresh deadline.
func (c Config) BackgroundTimeout() time.Duration {
	return time.Duration(c.BackgroundTimeoutSeconds) * time.Second
}

// BaseRetryDelay returns the backoff delay after a first failure.
func (c Config) BaseRetryDelay() time.Duration {
	return time.Duration(c.SourceHealth.BaseRetryDelaySeconds) * time.Second
}

// MaxRetryDelay returns the backoff cap.
func (c Config) MaxRetryDelay() time.Duration {
	return time.Duration(c.SourceHealth.MaxRetryDelaySeconds) * time.Second
}
