package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Sheets    SheetsConfig    `yaml:"sheets" mapstructure:"sheets"`
	DocStore  DocStoreConfig  `yaml:"docstore" mapstructure:"docstore"`
	Registry  RegistryConfig  `yaml:"registry" mapstructure:"registry"`
	Rules     RulesConfig     `yaml:"rules" mapstructure:"rules"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Jobs      JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures job persistence.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SheetsConfig configures the tabular store.
type SheetsConfig struct {
	CredentialsFile string  `yaml:"credentials_file" mapstructure:"credentials_file"`
	SpreadsheetID   string  `yaml:"spreadsheet_id" mapstructure:"spreadsheet_id"`
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	RateLimit       float64 `yaml:"rate_limit" mapstructure:"rate_limit"`
	Burst           int     `yaml:"burst" mapstructure:"burst"`
}

// DocStoreConfig configures the document store.
type DocStoreConfig struct {
	Driver      string       `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string       `yaml:"database_url" mapstructure:"database_url"`
	Table       string       `yaml:"table" mapstructure:"table"`
	Notion      NotionConfig `yaml:"notion" mapstructure:"notion"`
}

// NotionConfig holds Notion credentials and one database ID per collection.
type NotionConfig struct {
	Token      string            `yaml:"token" mapstructure:"token"`
	Databases  map[string]string `yaml:"databases" mapstructure:"databases"`
	RateLimit  float64           `yaml:"rate_limit" mapstructure:"rate_limit"`
	MaxRetries int               `yaml:"max_retries" mapstructure:"max_retries"`
}

// RegistryConfig points at the collection registry.
type RegistryConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RulesConfig selects where rule tables are loaded from.
type RulesConfig struct {
	Source        string            `yaml:"source" mapstructure:"source"`
	SpreadsheetID string            `yaml:"spreadsheet_id" mapstructure:"spreadsheet_id"`
	Tabs          map[string]string `yaml:"tabs" mapstructure:"tabs"`
	FilePath      string            `yaml:"file_path" mapstructure:"file_path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// JinaConfig holds Jina Reader settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// ExtractConfig selects the extraction collaborator.
type ExtractConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"`
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// JobsConfig configures the orchestrator and per-record pipeline.
type JobsConfig struct {
	RecordIntervalMS   int `yaml:"record_interval_ms" mapstructure:"record_interval_ms"`
	CallTimeoutSecs    int `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxConcurrent      int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RateLimitBackoffMS int `yaml:"rate_limit_backoff_ms" mapstructure:"rate_limit_backoff_ms"`
	RateLimitRetries   int `yaml:"rate_limit_retries" mapstructure:"rate_limit_retries"`
	BreakerThreshold   int `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs   int `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	DLQMaxRetries      int `yaml:"dlq_max_retries" mapstructure:"dlq_max_retries"`
	DLQBackoffSecs     int `yaml:"dlq_backoff_secs" mapstructure:"dlq_backoff_secs"`
}

// DLQBackoff is the delay before a dead-lettered record is due for retry.
func (j JobsConfig) DLQBackoff() time.Duration {
	return time.Duration(j.DLQBackoffSecs) * time.Second
}

// RecordInterval is the minimum spacing between records sharing the store budget.
func (j JobsConfig) RecordInterval() time.Duration {
	return time.Duration(j.RecordIntervalMS) * time.Millisecond
}

// CallTimeout bounds every collaborator call.
func (j JobsConfig) CallTimeout() time.Duration {
	return time.Duration(j.CallTimeoutSecs) * time.Second
}

// RateLimitBackoff is the fixed wait after a rate-limited store write.
func (j JobsConfig) RateLimitBackoff() time.Duration {
	return time.Duration(j.RateLimitBackoffMS) * time.Millisecond
}

// ReconcileConfig holds reconciliation defaults.
type ReconcileConfig struct {
	SkipConflicts bool `yaml:"skip_conflicts" mapstructure:"skip_conflicts"`
}

// ServerConfig configures the HTTP job control surface.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional .env file, config.yaml and
// CATALOG_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CATALOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "catalog.db")
	v.SetDefault("sheets.base_url", "")
	v.SetDefault("sheets.rate_limit", 1.0)
	v.SetDefault("sheets.burst", 1)
	v.SetDefault("docstore.driver", "sqlite")
	v.SetDefault("docstore.database_url", "catalog.db")
	v.SetDefault("docstore.table", "catalog_documents")
	v.SetDefault("docstore.notion.rate_limit", 3.0)
	v.SetDefault("docstore.notion.max_retries", 3)
	v.SetDefault("registry.path", "collections.yaml")
	v.SetDefault("rules.source", "sheets")
	v.SetDefault("rules.file_path", "rules.yaml")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("extract.mode", "html")
	v.SetDefault("extract.user_agent", "catalog-cli/1.0")
	v.SetDefault("extract.timeout_secs", 30)
	v.SetDefault("jobs.record_interval_ms", 1000)
	v.SetDefault("jobs.call_timeout_secs", 60)
	v.SetDefault("jobs.max_concurrent", 4)
	v.SetDefault("jobs.rate_limit_backoff_ms", 5000)
	v.SetDefault("jobs.rate_limit_retries", 5)
	v.SetDefault("jobs.breaker_threshold", 5)
	v.SetDefault("jobs.breaker_reset_secs", 30)
	v.SetDefault("jobs.dlq_max_retries", 3)
	v.SetDefault("jobs.dlq_backoff_secs", 300)
	v.SetDefault("reconcile.skip_conflicts", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the keys a command mode depends on. Modes: serve, enrich,
// reconcile, exchange, rules.
func (c *Config) Validate(mode string) error {
	var problems []string
	need := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	sheets := func() {
		need(c.Sheets.SpreadsheetID != "", "sheets.spreadsheet_id is required")
		need(c.Sheets.RateLimit > 0, "sheets.rate_limit must be > 0")
	}
	docs := func() {
		switch c.DocStore.Driver {
		case "postgres", "sqlite":
			need(c.DocStore.DatabaseURL != "", "docstore.database_url is required")
		case "notion":
			need(c.DocStore.Notion.Token != "", "docstore.notion.token is required")
			need(len(c.DocStore.Notion.Databases) > 0, "docstore.notion.databases is required")
		case "memory":
		default:
			problems = append(problems, "docstore.driver must be one of postgres, sqlite, notion, memory")
		}
	}
	rules := func() {
		switch c.Rules.Source {
		case "sheets":
			need(c.Rules.SpreadsheetID != "" || c.Sheets.SpreadsheetID != "", "rules.spreadsheet_id is required")
		case "file":
			need(c.Rules.FilePath != "", "rules.file_path is required")
		default:
			problems = append(problems, "rules.source must be sheets or file")
		}
	}
	jobs := func() {
		switch c.Store.Driver {
		case "postgres", "sqlite":
			need(c.Store.DatabaseURL != "", "store.database_url is required")
		case "memory":
		default:
			problems = append(problems, "store.driver must be one of postgres, sqlite, memory")
		}
		need(c.Jobs.MaxConcurrent >= 1 && c.Jobs.MaxConcurrent <= 32, "jobs.max_concurrent must be between 1 and 32")
		need(c.Jobs.CallTimeoutSecs > 0, "jobs.call_timeout_secs must be > 0")
		need(c.Jobs.RecordIntervalMS >= 0, "jobs.record_interval_ms must be >= 0")
		need(c.Jobs.DLQMaxRetries >= 0, "jobs.dlq_max_retries must be >= 0")
		switch c.Extract.Mode {
		case "html", "llm":
		default:
			problems = append(problems, "extract.mode must be html or llm")
		}
		need(c.Anthropic.Key != "", "anthropic.key is required")
	}

	need(c.Registry.Path != "", "registry.path is required")

	switch mode {
	case "serve":
		need(c.Server.Port > 0, "server.port must be > 0")
		sheets()
		docs()
		rules()
		jobs()
	case "enrich":
		sheets()
		docs()
		rules()
		jobs()
	case "reconcile":
		sheets()
		docs()
	case "exchange":
		sheets()
		docs()
	case "rules":
		rules()
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
