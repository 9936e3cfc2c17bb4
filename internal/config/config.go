// Package config loads and validates keyboxer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendLocal = "local"
	BackendGCS   = "gcs"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	GitHub    GitHubConfig    `mapstructure:"github"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Store     StoreConfig     `mapstructure:"store"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// GitHubConfig describes the code-search endpoint and raw content host.
type GitHubConfig struct {
	Token      string `mapstructure:"token"`
	APIURL     string `mapstructure:"api_url"`
	WebHost    string `mapstructure:"web_host"`
	RawBaseURL string `mapstructure:"raw_base_url"`
	Query      string `mapstructure:"query"`
	PerPage    int    `mapstructure:"per_page"`
	APIVersion string `mapstructure:"api_version"`
	Extension  string `mapstructure:"extension"`
}

// CacheConfig locates the seen-URL file.
type CacheConfig struct {
	Path string `mapstructure:"path"`
}

// StoreConfig selects where accepted documents are kept.
type StoreConfig struct {
	Backend     string `mapstructure:"backend"`
	Dir         string `mapstructure:"dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// HTTPConfig configures fetch timeouts, retries and pacing.
type HTTPConfig struct {
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	UserAgent        string  `mapstructure:"user_agent"`
	MaxBodyBytes     int     `mapstructure:"max_body_bytes"`
	RateLimitRPS     float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst   int     `mapstructure:"rate_limit_burst"`
}

// ReconcileConfig controls the post-crawl sweep.
type ReconcileConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	AssumeNo bool `mapstructure:"assume_no"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig enables pushing run metrics to a Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// Load builds a Config from defaults, an optional file and the environment.
// Variables use the KEYBOXER_ prefix; GITHUB_TOKEN is also accepted.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KEYBOXER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("github.token", "KEYBOXER_GITHUB_TOKEN", "GITHUB_TOKEN"); err != nil {
		return Config{}, fmt.Errorf("bind token env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("github.token", "")
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.web_host", "github.com")
	v.SetDefault("github.raw_base_url", "https://raw.githubusercontent.com")
	v.SetDefault("github.query", "<AndroidAttestation>")
	v.SetDefault("github.per_page", 100)
	v.SetDefault("github.api_version", "2022-11-28")
	v.SetDefault("github.extension", ".xml")
	v.SetDefault("cache.path", "cache.txt")
	v.SetDefault("store.backend", BackendLocal)
	v.SetDefault("store.dir", "keys")
	v.SetDefault("store.gcs_bucket", "")
	v.SetDefault("store.prefix", "keys")
	v.SetDefault("store.content_type", "application/xml")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 0)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("http.user_agent", "keyboxer/1.0")
	v.SetDefault("http.max_body_bytes", 10<<20)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.assume_no", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "keyboxer")
}

// Validate enforces required values and reasonable limits. The search token
// is checked separately by ValidateCrawl since reconciliation never needs it.
func (c Config) Validate() error {
	if c.Cache.Path == "" {
		return fmt.Errorf("cache.path must be set")
	}
	if c.GitHub.PerPage <= 0 || c.GitHub.PerPage > 100 {
		return fmt.Errorf("github.per_page must be between 1 and 100")
	}
	if !strings.HasPrefix(c.GitHub.Extension, ".") {
		return fmt.Errorf("github.extension must start with a dot")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.RateLimitRPS < 0 {
		return fmt.Errorf("http.rate_limit_rps must be >= 0")
	}
	switch c.Store.Backend {
	case BackendLocal:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Store.GCSBucket == "" {
			return fmt.Errorf("store.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", BackendLocal, BackendGCS, c.Store.Backend)
	}
	if c.Metrics.PushgatewayURL != "" && c.Metrics.Job == "" {
		return fmt.Errorf("metrics.job must be set when metrics.pushgateway_url is set")
	}
	return nil
}

// ValidateCrawl checks what a search traversal additionally requires.
func (c Config) ValidateCrawl() error {
	if c.GitHub.Token == "" {
		return fmt.Errorf("github.token must be set (or GITHUB_TOKEN)")
	}
	return nil
}

// Timeout is the per-request HTTP timeout.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffInitial is the base retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond
}

// BackoffMax caps the retry delay.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}
