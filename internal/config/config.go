// Package config loads and validates auditor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Lock       LockConfig       `mapstructure:"lock"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	Citation   CitationConfig   `mapstructure:"citation"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to Postgres. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// LockConfig selects the single-flight lock implementation.
type LockConfig struct {
	// Backend is "store" (lock rows in the durable store), "redis", or
	// "none" for unlocked crawl ticks that rely on conditional writes.
	Backend    string `mapstructure:"backend"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// RedisConfig configures the optional Redis lock backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// CrawlConfig governs frontier crawling and seeding.
type CrawlConfig struct {
	MaxPagesDefault     int  `mapstructure:"max_pages_default"`
	MaxPagesLimit       int  `mapstructure:"max_pages_limit"`
	MaxDepth            int  `mapstructure:"max_depth"`
	VisitingTTLSeconds  int  `mapstructure:"visiting_ttl_seconds"`
	SoftDeadlineSeconds int  `mapstructure:"soft_deadline_seconds"`
	MaxChain            int  `mapstructure:"max_chain"`
	SelfChain           bool `mapstructure:"self_chain"`
	SeedLinkLimit       int  `mapstructure:"seed_link_limit"`
	SitemapURLLimit     int  `mapstructure:"sitemap_url_limit"`
	LinkExpansion       bool `mapstructure:"link_expansion"`
	SynthBatchSize      int  `mapstructure:"synth_batch_size"`
}

// FetchConfig configures the page fetcher.
type FetchConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutMs        int    `mapstructure:"timeout_ms"`
	MaxBodyBytes     int    `mapstructure:"max_body_bytes"`
	DetectorMinBytes int    `mapstructure:"detector_min_bytes"`
}

// WatchdogConfig configures stuck detection and alerting.
type WatchdogConfig struct {
	GeneralTimeoutSeconds int      `mapstructure:"general_timeout_seconds"`
	CrawlTimeoutSeconds   int      `mapstructure:"crawl_timeout_seconds"`
	HardCapSeconds        int      `mapstructure:"hard_cap_seconds"`
	MaxAttempts           int      `mapstructure:"max_attempts"`
	FailureWindowMinutes  int      `mapstructure:"failure_window_minutes"`
	FailureThreshold      int      `mapstructure:"failure_threshold"`
	SlowPhases            []string `mapstructure:"slow_phases"`
	SlowP95Seconds        int      `mapstructure:"slow_p95_seconds"`
	SlowWindowMinutes     int      `mapstructure:"slow_window_minutes"`
}

// CitationConfig configures the citation orchestrator.
type CitationConfig struct {
	MaxQueries      int      `mapstructure:"max_queries"`
	MaxConcurrent   int      `mapstructure:"max_concurrent"`
	ChunkDelayMs    int      `mapstructure:"chunk_delay_ms"`
	MaxResults      int      `mapstructure:"max_results"`
	MaxQueryLength  int      `mapstructure:"max_query_length"`
	QueryTemplates  []string `mapstructure:"query_templates"`
	Searchers       []string `mapstructure:"searchers"`
	Summarizer      string   `mapstructure:"summarizer"`
	CallTimeoutSecs int      `mapstructure:"call_timeout_seconds"`
}

// ProvidersConfig holds credentials and models for citation providers.
type ProvidersConfig struct {
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	WebSearch WebSearchConfig `mapstructure:"websearch"`
}

// GeminiConfig configures the Gemini search and summarizer providers.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// AnthropicConfig configures the Claude summarizer.
type AnthropicConfig struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// WebSearchConfig configures the generic JSON web-search API.
type WebSearchConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	APIKey    string `mapstructure:"api_key"`
	KeyHeader string `mapstructure:"key_header"`
}

// RateLimitConfig holds token bucket settings for outbound provider calls.
type RateLimitConfig struct {
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// RetryConfig configures exponential backoff for provider calls.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// StorageConfig selects the report archive backend.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig configures the progress hub.
type ProgressConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	LogEnabled    bool `mapstructure:"log_enabled"`
	BufferSize    int  `mapstructure:"buffer_size"`
	MaxBatch      int  `mapstructure:"max_batch"`
	MaxWaitMs     int  `mapstructure:"max_wait_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
}

// SchedulerConfig configures the in-process trigger.
type SchedulerConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	TickSpec         string `mapstructure:"tick_spec"`
	WatchdogSpec     string `mapstructure:"watchdog_spec"`
	MaxAuditsPerTick int    `mapstructure:"max_audits_per_tick"`
}

// DispatcherConfig configures the tick worker pool.
type DispatcherConfig struct {
	Workers      int `mapstructure:"workers"`
	QueueDepth   int `mapstructure:"queue_depth"`
	ChainDelayMs int `mapstructure:"chain_delay_ms"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUDITOR")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("lock.backend", "store")
	v.SetDefault("lock.ttl_seconds", 20)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "auditor:lock:")
	v.SetDefault("crawl.max_pages_default", 25)
	v.SetDefault("crawl.max_pages_limit", 500)
	v.SetDefault("crawl.max_depth", 2)
	v.SetDefault("crawl.visiting_ttl_seconds", 60)
	v.SetDefault("crawl.soft_deadline_seconds", 18)
	v.SetDefault("crawl.max_chain", 10)
	v.SetDefault("crawl.self_chain", true)
	v.SetDefault("crawl.seed_link_limit", 50)
	v.SetDefault("crawl.sitemap_url_limit", 100)
	v.SetDefault("crawl.link_expansion", true)
	v.SetDefault("crawl.synth_batch_size", 10)
	v.SetDefault("fetch.user_agent", "answerability-auditor/0.1")
	v.SetDefault("fetch.timeout_ms", 5000)
	v.SetDefault("fetch.max_body_bytes", 2<<20)
	v.SetDefault("fetch.detector_min_bytes", 2048)
	v.SetDefault("watchdog.general_timeout_seconds", 300)
	v.SetDefault("watchdog.crawl_timeout_seconds", 90)
	v.SetDefault("watchdog.hard_cap_seconds", 120)
	v.SetDefault("watchdog.max_attempts", 3)
	v.SetDefault("watchdog.failure_window_minutes", 10)
	v.SetDefault("watchdog.failure_threshold", 3)
	v.SetDefault("watchdog.slow_phases", []string{"citations"})
	v.SetDefault("watchdog.slow_p95_seconds", 45)
	v.SetDefault("watchdog.slow_window_minutes", 60)
	v.SetDefault("citation.max_queries", 12)
	v.SetDefault("citation.max_concurrent", 3)
	v.SetDefault("citation.chunk_delay_ms", 500)
	v.SetDefault("citation.max_results", 5)
	v.SetDefault("citation.max_query_length", 300)
	v.SetDefault("citation.query_templates", []string{
		"What is {domain}?",
		"What does {domain} offer?",
		"Is {domain} trustworthy?",
	})
	v.SetDefault("citation.searchers", []string{"gemini", "websearch"})
	v.SetDefault("citation.summarizer", "anthropic")
	v.SetDefault("citation.call_timeout_seconds", 20)
	v.SetDefault("providers.gemini.model", "gemini-2.0-flash")
	v.SetDefault("providers.anthropic.model", "claude-haiku-4-5")
	v.SetDefault("providers.anthropic.max_tokens", 512)
	v.SetDefault("providers.websearch.key_header", "X-Subscription-Token")
	v.SetDefault("rate_limit.default_rps", 2.0)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch", 500)
	v.SetDefault("progress.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick_spec", "@every 5s")
	v.SetDefault("scheduler.watchdog_spec", "@every 30s")
	v.SetDefault("scheduler.max_audits_per_tick", 100)
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.queue_depth", 256)
	v.SetDefault("dispatcher.chain_delay_ms", 250)
	v.SetDefault("telemetry.service_name", "answerability-auditor")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Lock.TTLSeconds <= 0 {
		return fmt.Errorf("lock.ttl_seconds must be > 0")
	}
	switch c.Lock.Backend {
	case "store", "redis", "none":
	default:
		return fmt.Errorf("lock.backend must be store, redis, or none, got %q", c.Lock.Backend)
	}
	if c.Crawl.MaxPagesDefault <= 0 {
		return fmt.Errorf("crawl.max_pages_default must be > 0")
	}
	if c.Crawl.VisitingTTLSeconds <= 0 {
		return fmt.Errorf("crawl.visiting_ttl_seconds must be > 0")
	}
	if c.Fetch.TimeoutMs <= 0 {
		return fmt.Errorf("fetch.timeout_ms must be > 0")
	}
	if c.Watchdog.MaxAttempts <= 0 {
		return fmt.Errorf("watchdog.max_attempts must be > 0")
	}
	if c.Watchdog.HardCapSeconds <= 0 || c.Watchdog.CrawlTimeoutSeconds <= 0 || c.Watchdog.GeneralTimeoutSeconds <= 0 {
		return fmt.Errorf("watchdog timeouts must be > 0")
	}
	for _, p := range c.Watchdog.SlowPhases {
		if !validPhase(p) {
			return fmt.Errorf("watchdog.slow_phases: unknown phase %q", p)
		}
	}
	if c.Citation.MaxConcurrent <= 0 {
		return fmt.Errorf("citation.max_concurrent must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.backend must be memory, local, or gcs, got %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for the gcs backend")
	}
	if c.Storage.Backend == "local" && c.Storage.LocalDir == "" {
		return fmt.Errorf("storage.local_dir must be set for the local backend")
	}
	return nil
}

func validPhase(p string) bool {
	switch p {
	case "init", "discovery", "robots", "sitemap", "probes", "crawl", "citations", "synth", "finalize":
		return true
	}
	return false
}

// LockTTL returns the single-flight lock TTL.
func (c Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSeconds) * time.Second
}

// FetchTimeout returns the per-request fetch budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutMs) * time.Millisecond
}

// ChainDelay returns the pause before a chained tick is re-enqueued.
func (c Config) ChainDelay() time.Duration {
	return time.Duration(c.Dispatcher.ChainDelayMs) * time.Millisecond
}
