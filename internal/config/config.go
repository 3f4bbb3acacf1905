// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // source time zones must resolve on minimal images

	"github.com/spf13/viper"

	"github.com/JakeFAU/event-catalog-crawler/internal/catalog"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Solver    SolverConfig    `mapstructure:"solver"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Blob      BlobConfig      `mapstructure:"blob"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
	APIKey                 string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrowserConfig configures the headless Chrome session.
type BrowserConfig struct {
	Headless             bool   `mapstructure:"headless"`
	Stealth              bool   `mapstructure:"stealth"`
	UserAgent            string `mapstructure:"user_agent"`
	ExecPath             string `mapstructure:"exec_path"`
	MaxTabs              int    `mapstructure:"max_tabs"`
	NavTimeoutSeconds    int    `mapstructure:"nav_timeout_seconds"`
	ActionTimeoutSeconds int    `mapstructure:"action_timeout_seconds"`
	WindowWidth          int    `mapstructure:"window_width"`
	WindowHeight         int    `mapstructure:"window_height"`
}

// ChallengeConfig tunes the challenge resolver loop.
type ChallengeConfig struct {
	MaxIterations      int    `mapstructure:"max_iterations"`
	WaitTimeoutSeconds int    `mapstructure:"wait_timeout_seconds"`
	PollIntervalMs     int    `mapstructure:"poll_interval_ms"`
	SettleDelayMs      int    `mapstructure:"settle_delay_ms"`
	DiagnosticsPrefix  string `mapstructure:"diagnostics_prefix"`
}

// SolverConfig points at the captcha-solving service.
type SolverConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	APIKey              string `mapstructure:"api_key"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	MaxPolls            int    `mapstructure:"max_polls"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
}

// GeminiConfig configures entity extraction.
type GeminiConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RedisConfig configures the run lock and extraction cache. An empty
// address disables both.
type RedisConfig struct {
	Addr           string `mapstructure:"addr"`
	Password       string `mapstructure:"password"`
	DB             int    `mapstructure:"db"`
	LockPrefix     string `mapstructure:"lock_prefix"`
	LockTTLMinutes int    `mapstructure:"lock_ttl_minutes"`
	CachePrefix    string `mapstructure:"cache_prefix"`
	CacheTTLHours  int    `mapstructure:"cache_ttl_hours"`
}

// DatabaseConfig selects and configures the catalog store.
type DatabaseConfig struct {
	Driver             string `mapstructure:"driver"`
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate        bool   `mapstructure:"auto_migrate"`
}

// BlobConfig selects where diagnostic snapshots go.
type BlobConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds the run report topic.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// PipelineConfig governs the ingestion stages.
type PipelineConfig struct {
	RegistryPath             string   `mapstructure:"registry_path"`
	LexiconPath              string   `mapstructure:"lexicon_path"`
	Isolation                string   `mapstructure:"isolation"`
	Timezone                 string   `mapstructure:"timezone"`
	DefaultCity              string   `mapstructure:"default_city"`
	DefaultCategory          string   `mapstructure:"default_category"`
	MinDelayMs               int      `mapstructure:"min_delay_ms"`
	MaxDelayMs               int      `mapstructure:"max_delay_ms"`
	MaxConsecutiveFailures   int      `mapstructure:"max_consecutive_failures"`
	HTTPTimeoutSeconds       int      `mapstructure:"http_timeout_seconds"`
	DetailPageTimeoutSeconds int      `mapstructure:"detail_page_timeout_seconds"`
	DetailConcurrency        int      `mapstructure:"detail_concurrency"`
	CompetitionCategories    []string `mapstructure:"competition_categories"`
	LockRefreshMinutes       int      `mapstructure:"lock_refresh_minutes"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EVENTCRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.max_tabs", 0)
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("browser.action_timeout_seconds", 15)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 900)
	v.SetDefault("challenge.max_iterations", 5)
	v.SetDefault("challenge.wait_timeout_seconds", 30)
	v.SetDefault("challenge.poll_interval_ms", 500)
	v.SetDefault("challenge.settle_delay_ms", 1500)
	v.SetDefault("challenge.diagnostics_prefix", "diagnostics")
	v.SetDefault("solver.base_url", "https://rucaptcha.com")
	v.SetDefault("solver.api_key", "")
	v.SetDefault("solver.poll_interval_seconds", 5)
	v.SetDefault("solver.max_polls", 24)
	v.SetDefault("solver.timeout_seconds", 30)
	v.SetDefault("gemini.enabled", false)
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.timeout_seconds", 20)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.lock_prefix", "eventcrawler:lock")
	v.SetDefault("redis.lock_ttl_minutes", 120)
	v.SetDefault("redis.cache_prefix", "eventcrawler:entities")
	v.SetDefault("redis.cache_ttl_hours", 720)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.local_dir", "var/diagnostics")
	v.SetDefault("blob.gcs_bucket", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("pipeline.registry_path", "configs/sources.yaml")
	v.SetDefault("pipeline.lexicon_path", "")
	v.SetDefault("pipeline.isolation", "batch")
	v.SetDefault("pipeline.timezone", "Europe/Minsk")
	v.SetDefault("pipeline.default_city", "Минск")
	v.SetDefault("pipeline.default_category", "Другое")
	v.SetDefault("pipeline.min_delay_ms", 2000)
	v.SetDefault("pipeline.max_delay_ms", 4000)
	v.SetDefault("pipeline.max_consecutive_failures", 2)
	v.SetDefault("pipeline.http_timeout_seconds", 30)
	v.SetDefault("pipeline.detail_page_timeout_seconds", 90)
	v.SetDefault("pipeline.detail_concurrency", 5)
	v.SetDefault("pipeline.lock_refresh_minutes", 10)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver)
	}
	switch c.Blob.Backend {
	case "memory":
	case "local":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("blob.backend must be memory, local or gcs, got %q", c.Blob.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.Gemini.Enabled && c.Gemini.APIKey == "" {
		return fmt.Errorf("gemini.api_key must be set when gemini is enabled")
	}
	if c.Pipeline.RegistryPath == "" {
		return fmt.Errorf("pipeline.registry_path must be set")
	}
	if _, err := catalog.ParseIsolation(c.Pipeline.Isolation); err != nil {
		return fmt.Errorf("pipeline.isolation: %w", err)
	}
	if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
		return fmt.Errorf("pipeline.timezone: %w", err)
	}
	if c.Pipeline.MinDelayMs < 0 || c.Pipeline.MaxDelayMs < c.Pipeline.MinDelayMs {
		return fmt.Errorf("pipeline.max_delay_ms must be >= pipeline.min_delay_ms >= 0")
	}
	if c.Pipeline.DetailConcurrency < 0 {
		return fmt.Errorf("pipeline.detail_concurrency must be >= 0")
	}
	return nil
}

// Location resolves the pipeline time zone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Pipeline.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ShutdownTimeout bounds graceful server shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// Seconds converts a whole-second knob to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a millisecond knob to a duration.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
