// Package config loads and validates pipeline configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/recipe-crawler/internal/llm"
	"github.com/JakeFAU/recipe-crawler/internal/logging"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverNone     = "none"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
	DriverPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logging.Config   `mapstructure:"logging"`
	DB         DBConfig         `mapstructure:"db"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Walker     WalkerConfig     `mapstructure:"walker"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Crawl      PhaseConfig      `mapstructure:"crawl"`
	Extract    PhaseConfig      `mapstructure:"extract"`
	Menu       MenuConfig       `mapstructure:"menu"`
	Export     ExportConfig     `mapstructure:"export"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Publish    PublishConfig    `mapstructure:"publish"`
}

// ServerConfig controls the ops HTTP server. An empty APIKey disables
// authentication on the /v1 routes.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Driver       string        `mapstructure:"driver"`
	DSN          string        `mapstructure:"dsn"`
	Schema       string        `mapstructure:"schema"`
	MaxConns     int32         `mapstructure:"max_conns"`
	MinConns     int32         `mapstructure:"min_conns"`
	ConnLifetime time.Duration `mapstructure:"conn_lifetime"`
}

// ProxyConfig is one entry of the ordered proxy fallback list.
type ProxyConfig struct {
	Label   string `mapstructure:"label"`
	Address string `mapstructure:"address"`
}

// FetchConfig tunes the proxy-fallback fetcher.
type FetchConfig struct {
	UserAgent          string        `mapstructure:"user_agent"`
	Timeout            time.Duration `mapstructure:"timeout"`
	AttemptsPerProxy   int           `mapstructure:"attempts_per_proxy"`
	AttemptDelay       time.Duration `mapstructure:"attempt_delay"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	Proxies            []ProxyConfig `mapstructure:"proxies"`
	HostRPS            float64       `mapstructure:"host_rps"`
	HostBurst          int           `mapstructure:"host_burst"`
	BreakerFailures    uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

// WalkerConfig bounds sitemap traversal.
type WalkerConfig struct {
	MaxDepth     int           `mapstructure:"max_depth"`
	Staleness    time.Duration `mapstructure:"staleness"`
	IdleSleep    time.Duration `mapstructure:"idle_sleep"`
	LeaseTimeout time.Duration `mapstructure:"lease_timeout"`
	DenyDomains  []string      `mapstructure:"deny_domains"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

// ClassifierConfig overrides the recipe heuristic keyword sets. Empty values
// use the built-in defaults.
type ClassifierConfig struct {
	RecipeKeyword      string   `mapstructure:"recipe_keyword"`
	IngredientKeywords []string `mapstructure:"ingredient_keywords"`
	InstructionTerms   []string `mapstructure:"instruction_terms"`
}

// PhaseConfig sizes one status-transition engine.
type PhaseConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	IdleSleep      time.Duration `mapstructure:"idle_sleep"`
	LeaseTimeout   time.Duration `mapstructure:"lease_timeout"`
}

// MenuConfig sizes the menu item extraction engine. Serve runs it only when
// Enabled is set.
type MenuConfig struct {
	PhaseConfig `mapstructure:",squash"`
	Enabled     bool `mapstructure:"enabled"`
}

// ExportConfig tunes the dish table export.
type ExportConfig struct {
	BatchSize int    `mapstructure:"batch_size"`
	Prefix    string `mapstructure:"prefix"`
}

// LLMConfig configures the model client plus prompt and retry tuning.
type LLMConfig struct {
	llm.Config    `mapstructure:",squash"`
	ContentBudget int           `mapstructure:"content_budget"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	BackoffMin    time.Duration `mapstructure:"backoff_min"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

// ArchiveConfig selects where raw page bodies are kept.
type ArchiveConfig struct {
	Driver  string `mapstructure:"driver"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// RedisConfig configures the sitemap cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// PublishConfig selects where DishExtracted events go.
type PublishConfig struct {
	Driver    string `mapstructure:"driver"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECIPE")
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
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", 30*time.Second)

	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	v.SetDefault("db.driver", DriverPostgres)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.schema", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.conn_lifetime", time.Hour)

	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.timeout", 10*time.Second)
	v.SetDefault("fetch.attempts_per_proxy", 2)
	v.SetDefault("fetch.attempt_delay", 2*time.Second)
	v.SetDefault("fetch.insecure_skip_verify", true)
	v.SetDefault("fetch.proxies", []map[string]any{{"label": "direct", "address": "direct://"}})
	v.SetDefault("fetch.host_rps", 2.0)
	v.SetDefault("fetch.host_burst", 2)
	v.SetDefault("fetch.breaker_failures", 5)
	v.SetDefault("fetch.breaker_cooldown", 30*time.Second)

	v.SetDefault("walker.max_depth", 3)
	v.SetDefault("walker.staleness", 720*time.Hour)
	v.SetDefault("walker.idle_sleep", 60*time.Second)
	v.SetDefault("walker.lease_timeout", 30*time.Minute)
	v.SetDefault("walker.deny_domains", []string{})
	v.SetDefault("walker.cache_ttl", time.Hour)

	v.SetDefault("classifier.recipe_keyword", "")

	v.SetDefault("crawl.batch_size", 256)
	v.SetDefault("crawl.max_concurrency", 16)
	v.SetDefault("crawl.idle_sleep", 5*time.Second)
	v.SetDefault("crawl.lease_timeout", 30*time.Minute)

	v.SetDefault("extract.batch_size", 64)
	v.SetDefault("extract.max_concurrency", 16)
	v.SetDefault("extract.idle_sleep", 10*time.Second)
	v.SetDefault("extract.lease_timeout", 30*time.Minute)

	v.SetDefault("menu.enabled", false)
	v.SetDefault("menu.batch_size", 64)
	v.SetDefault("menu.max_concurrency", 16)
	v.SetDefault("menu.idle_sleep", 10*time.Second)
	v.SetDefault("menu.lease_timeout", 30*time.Minute)

	v.SetDefault("export.batch_size", 1000)
	v.SetDefault("export.prefix", "exports")

	v.SetDefault("llm.provider", llm.ProviderAzure)
	v.SetDefault("llm.endpoint", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.api_version", "")
	v.SetDefault("llm.deployment", "")
	v.SetDefault("llm.model", llm.DefaultModel)
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.content_budget", llm.DefaultContentBudget)
	v.SetDefault("llm.max_attempts", 3)
	v.SetDefault("llm.backoff_min", 4*time.Second)
	v.SetDefault("llm.backoff_max", 10*time.Second)

	v.SetDefault("archive.driver", DriverNone)
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "pages")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("publish.driver", DriverNone)
	v.SetDefault("publish.project_id", "")
	v.SetDefault("publish.topic", "dish-extracted")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.AttemptsPerProxy <= 0 {
		return fmt.Errorf("fetch.attempts_per_proxy must be > 0")
	}
	if len(c.Fetch.Proxies) == 0 {
		return fmt.Errorf("fetch.proxies must list at least one route")
	}
	if c.Walker.MaxDepth < 0 {
		return fmt.Errorf("walker.max_depth must be >= 0")
	}
	if err := c.Crawl.validate("crawl"); err != nil {
		return err
	}
	if err := c.Extract.validate("extract"); err != nil {
		return err
	}
	if err := c.Menu.validate("menu"); err != nil {
		return err
	}
	if c.Export.BatchSize <= 0 {
		return fmt.Errorf("export.batch_size must be > 0")
	}
	if err := c.LLM.validate(); err != nil {
		return err
	}
	switch c.Archive.Driver {
	case DriverNone, DriverMemory:
	case DriverLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local driver")
		}
	case DriverGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("archive.driver must be none, memory, local, or gcs, got %q", c.Archive.Driver)
	}
	switch c.Publish.Driver {
	case DriverNone, DriverMemory:
	case DriverPubSub:
		if c.Publish.ProjectID == "" || c.Publish.Topic == "" {
			return fmt.Errorf("publish.project_id and publish.topic are required for the pubsub driver")
		}
	default:
		return fmt.Errorf("publish.driver must be none, memory, or pubsub, got %q", c.Publish.Driver)
	}
	return nil
}

func (p PhaseConfig) validate(name string) error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("%s.batch_size must be > 0", name)
	}
	if p.MaxConcurrency <= 0 {
		return fmt.Errorf("%s.max_concurrency must be > 0", name)
	}
	if p.LeaseTimeout <= 0 {
		return fmt.Errorf("%s.lease_timeout must be > 0", name)
	}
	return nil
}

func (l LLMConfig) validate() error {
	switch l.Provider {
	case llm.ProviderAzure, llm.ProviderOpenAI:
	default:
		return fmt.Errorf("llm.provider must be azure or openai, got %q", l.Provider)
	}
	if l.ContentBudget <= 0 {
		return fmt.Errorf("llm.content_budget must be > 0")
	}
	if l.MaxAttempts <= 0 {
		return fmt.Errorf("llm.max_attempts must be > 0")
	}
	if l.BackoffMin > l.BackoffMax {
		return fmt.Errorf("llm.backoff_min must be <= llm.backoff_max")
	}
	return nil
}
