package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prospect-cli/internal/cost"
	"github.com/sells-group/prospect-cli/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Output     OutputConfig     `yaml:"output" mapstructure:"output"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	API        APIConfig        `yaml:"api" mapstructure:"api"`
	Runner     RunnerConfig     `yaml:"runner" mapstructure:"runner"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Identity   IdentityConfig   `yaml:"identity" mapstructure:"identity"`
	Filter     FilterConfig     `yaml:"filter" mapstructure:"filter"`
	Pricing    cost.Rates       `yaml:"pricing" mapstructure:"pricing"`
	Serve      ServeConfig      `yaml:"serve" mapstructure:"serve"`
}

// OutputConfig locates the stage stores.
type OutputConfig struct {
	Dir       string `yaml:"dir" mapstructure:"dir"`
	BackupDir string `yaml:"backup_dir" mapstructure:"backup_dir"`
}

// StoreConfig configures the run ledger.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// PerplexityConfig configures the Perplexity client.
type PerplexityConfig struct {
	Key        string `yaml:"key" mapstructure:"key"`
	BaseURL    string `yaml:"base_url" mapstructure:"base_url"`
	Model      string `yaml:"model" mapstructure:"model"`
	TimeoutSec int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig configures the extraction model.
type AnthropicConfig struct {
	Key             string `yaml:"key" mapstructure:"key"`
	Model           string `yaml:"model" mapstructure:"model"`
	MaxTokens       int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxContentChars int    `yaml:"max_content_chars" mapstructure:"max_content_chars"`
}

// JinaConfig configures the Jina Reader renderer.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// GoogleConfig configures the Places URL finder. It is skipped without a key.
type GoogleConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	QueryHint string `yaml:"query_hint" mapstructure:"query_hint"`
}

// FetchConfig configures the fetch strategy.
type FetchConfig struct {
	TimeoutSecs       int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RenderTimeoutSecs int      `yaml:"render_timeout_secs" mapstructure:"render_timeout_secs"`
	MinTextChars      int      `yaml:"min_text_chars" mapstructure:"min_text_chars"`
	MaxTextChars      int      `yaml:"max_text_chars" mapstructure:"max_text_chars"`
	MaxBodyBytes      int      `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	HostDelayMs       int      `yaml:"host_delay_ms" mapstructure:"host_delay_ms"`
	MaxRetries        int      `yaml:"max_retries" mapstructure:"max_retries"`
	Renderer          string   `yaml:"renderer" mapstructure:"renderer"`
	ChromePath        string   `yaml:"chrome_path" mapstructure:"chrome_path"`
	UserAgent         string   `yaml:"user_agent" mapstructure:"user_agent"`
	MaxSecondaryPages int      `yaml:"max_secondary_pages" mapstructure:"max_secondary_pages"`
	ExcludePaths      []string `yaml:"exclude_paths" mapstructure:"exclude_paths"`
}

// APIConfig configures the call policy shared by the search and AI clients.
type APIConfig struct {
	RequestsPerSecond   float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst               int     `yaml:"burst" mapstructure:"burst"`
	MaxRetries          int     `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffMs           int     `yaml:"backoff_ms" mapstructure:"backoff_ms"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// RunnerConfig configures checkpointing and concurrency of every stage.
type RunnerConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
	Workers   int `yaml:"workers" mapstructure:"workers"`
	Limit     int `yaml:"limit" mapstructure:"limit"`
}

// DiscoveryConfig configures the discover stage.
type DiscoveryConfig struct {
	Queries        []string `yaml:"queries" mapstructure:"queries"`
	QueriesFile    string   `yaml:"queries_file" mapstructure:"queries_file"`
	MaxResults     int      `yaml:"max_results" mapstructure:"max_results"`
	ExcludeDomains []string `yaml:"exclude_domains" mapstructure:"exclude_domains"`
}

// IdentityConfig configures duplicate detection.
type IdentityConfig struct {
	NameMatch string `yaml:"name_match" mapstructure:"name_match"`
}

// FilterConfig describes the target region of the filter gates.
type FilterConfig struct {
	Region     string   `yaml:"region" mapstructure:"region"`
	StateCodes []string `yaml:"state_codes" mapstructure:"state_codes"`
	Cities     []string `yaml:"cities" mapstructure:"cities"`
}

// ServeConfig configures the status server.
type ServeConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PROSPECT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("output.dir", "outputs")
	v.SetDefault("output.backup_dir", "outputs/backups")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("perplexity.key", "")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("perplexity.timeout_secs", 60)
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.max_content_chars", 20000)
	v.SetDefault("jina.key", "")
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("google.key", "")
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("google.query_hint", "Colorado")
	v.SetDefault("fetch.timeout_secs", 15)
	v.SetDefault("fetch.render_timeout_secs", 45)
	v.SetDefault("fetch.min_text_chars", 500)
	v.SetDefault("fetch.max_text_chars", 50000)
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.host_delay_ms", 1000)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.renderer", "chromedp")
	v.SetDefault("fetch.chrome_path", "")
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.max_secondary_pages", 3)
	v.SetDefault("fetch.exclude_paths", []string{"/blog/*", "/news/*", "/careers/*", "/jobs/*", "/legal/*", "/privacy*", "/terms*"})
	v.SetDefault("api.requests_per_second", 2.0)
	v.SetDefault("api.burst", 2)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.backoff_ms", 1000)
	v.SetDefault("api.breaker_threshold", 5)
	v.SetDefault("api.breaker_cooldown_secs", 60)
	v.SetDefault("runner.batch_size", 5)
	v.SetDefault("runner.workers", 4)
	v.SetDefault("runner.limit", 0)
	v.SetDefault("discovery.queries", DefaultQueries())
	v.SetDefault("discovery.queries_file", "")
	v.SetDefault("discovery.max_results", 10)
	v.SetDefault("discovery.exclude_domains", []string{
		"wikipedia.org", "youtube.com", "facebook.com", "instagram.com",
		"twitter.com", "x.com", "reddit.com", "linkedin.com", "crunchbase.com",
	})
	v.SetDefault("identity.name_match", "exact")
	v.SetDefault("filter.region", "Colorado")
	v.SetDefault("filter.state_codes", []string{"CO"})
	v.SetDefault("filter.cities", []string{})
	v.SetDefault("serve.port", 8080)

	rates := cost.DefaultRates()
	for model, r := range rates.Anthropic {
		v.SetDefault("pricing.anthropic."+model+".input", r.Input)
		v.SetDefault("pricing.anthropic."+model+".output", r.Output)
		v.SetDefault("pricing.anthropic."+model+".cache_write_mul", r.CacheWriteMul)
		v.SetDefault("pricing.anthropic."+model+".cache_read_mul", r.CacheReadMul)
	}
	v.SetDefault("pricing.jina.per_mtok", rates.Jina.PerMTok)
	v.SetDefault("pricing.perplexity.per_query", rates.Perplexity.PerQuery)
	v.SetDefault("pricing.perplexity.per_mtok", rates.Perplexity.PerMTok)
	v.SetDefault("pricing.google.per_request", rates.Google.PerRequest)
}

// DefaultQueries returns the discovery queries used when none are configured.
func DefaultQueries() []string {
	return []string{
		"Find Colorado tech startups that raised venture capital funding recently",
		"Find Colorado companies with Series A funding rounds in recent years",
		"Find Colorado software companies with venture capital backing",
		"Find emerging Colorado tech companies with venture funding",
		"Find Colorado startups that raised seed funding in the last few years",
		"Find Techstars Boulder alumni companies with venture funding",
		"Find Colorado pre-seed startups founded in 2023 2024 with angel investors",
		"Find Colorado seed stage companies that raised funding in the last 2 years",
		"Find recently funded Colorado startups with headquarters in Denver, Boulder, Fort Collins",
		"Find Colorado startups founded since 2020 with venture capital backing",
		"Find Colorado AI and machine learning startups with funding",
		"Find fast-growing startups in Boulder Colorado with founder names and investors",
		"Find Denver Colorado tech startups founded since 2020 with VC funding",
	}
}

// Queries returns the discovery queries: the queries file when one is set,
// otherwise discovery.queries. Blank and repeated queries are dropped.
func (c *Config) Queries() ([]string, error) {
	queries := c.Discovery.Queries
	if c.Discovery.QueriesFile != "" {
		var err error
		queries, err = LoadQueries(c.Discovery.QueriesFile)
		if err != nil {
			return nil, err
		}
	}
	return uniqueQueries(queries), nil
}

// LoadQueries reads a YAML queries file. The file is either a list of
// queries or a mapping of category to list; categories are read in name
// order.
func LoadQueries(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "config: read queries file %s", path)
	}

	var list []string
	if err := yaml.Unmarshal(data, &list); err == nil {
		return uniqueQueries(list), nil
	}

	var grouped map[string][]string
	if err := yaml.Unmarshal(data, &grouped); err != nil {
		return nil, eris.Wrapf(err, "config: parse queries file %s", path)
	}
	categories := make([]string, 0, len(grouped))
	for k := range grouped {
		categories = append(categories, k)
	}
	sort.Strings(categories)
	for _, k := range categories {
		list = append(list, grouped[k]...)
	}
	return uniqueQueries(list), nil
}

func uniqueQueries(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, q := range in {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		seen[q] = true
		out = append(out, q)
	}
	return out
}

// MissingError lists settings the selected stages cannot run without.
// Stage is the first selected stage that needs one of them.
type MissingError struct {
	Stage   string
	Missing []string
}

func (e *MissingError) Error() string {
	return "config: " + strings.Join(e.Missing, "; ")
}

// Validate checks the configuration required by a command. mode is a stage
// name, "run" (every stage), "serve", "status" or "reset".
func (c *Config) Validate(mode string) error {
	switch mode {
	case "run":
		return c.ValidateStages(stageNames(model.Stages())...)
	case "status", "reset", "serve":
		return c.validateCommon(mode == "serve")
	}
	if _, err := model.ParseStage(mode); err != nil {
		return eris.Errorf("config: unknown mode %q", mode)
	}
	return c.ValidateStages(mode)
}

// ValidateStages checks the shared settings and the credentials each of the
// given stages needs. Missing credentials are reported as a *MissingError
// naming, for every setting, the first stage that requires it.
func (c *Config) ValidateStages(stages ...string) error {
	if err := c.validateCommon(false); err != nil {
		return err
	}

	var miss *MissingError
	seen := make(map[string]bool)
	for _, st := range stages {
		for _, key := range c.missingFor(st) {
			if seen[key] {
				continue
			}
			seen[key] = true
			if miss == nil {
				miss = &MissingError{Stage: st}
			}
			miss.Missing = append(miss.Missing, fmt.Sprintf("%s is required by %s", key, st))
		}
	}
	if miss != nil {
		return miss
	}
	return nil
}

// missingFor returns the settings stage needs that are not configured.
func (c *Config) missingFor(stage string) []string {
	var missing []string
	needsPerplexity := stage == "discover" || stage == "gapfill" || stage == "extract"
	if needsPerplexity && c.Perplexity.Key == "" {
		missing = append(missing, "perplexity.key")
	}
	if stage == "extract" && c.Anthropic.Key == "" {
		missing = append(missing, "anthropic.key")
	}
	if stage == "discover" && len(c.Discovery.Queries) == 0 && c.Discovery.QueriesFile == "" {
		missing = append(missing, "discovery.queries or discovery.queries_file")
	}
	return missing
}

func stageNames(stages []model.StageName) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

// validateCommon checks the settings every command shares.
func (c *Config) validateCommon(serve bool) error {
	var errs []string
	if serve && (c.Serve.Port <= 0 || c.Serve.Port > 65535) {
		errs = append(errs, "serve.port must be between 1 and 65535")
	}

	if c.Output.Dir == "" {
		errs = append(errs, "output.dir is required")
	}
	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (sqlite, postgres)", c.Store.Driver))
	}
	switch c.Fetch.Renderer {
	case "", "chromedp", "jina", "none":
	default:
		errs = append(errs, fmt.Sprintf("fetch.renderer %q is not supported (chromedp, jina, none)", c.Fetch.Renderer))
	}
	switch c.Identity.NameMatch {
	case "", "exact", "compact":
	default:
		errs = append(errs, fmt.Sprintf("identity.name_match %q is not supported (exact, compact)", c.Identity.NameMatch))
	}

	if c.Runner.BatchSize < 1 || c.Runner.BatchSize > 100 {
		errs = append(errs, "runner.batch_size must be between 1 and 100")
	}
	if c.Runner.Workers < 1 || c.Runner.Workers > 32 {
		errs = append(errs, "runner.workers must be between 1 and 32")
	}
	if c.Runner.Limit < 0 {
		errs = append(errs, "runner.limit must be >= 0")
	}
	if c.Fetch.MinTextChars < 0 {
		errs = append(errs, "fetch.min_text_chars must be >= 0")
	}
	if c.API.RequestsPerSecond < 0 {
		errs = append(errs, "api.requests_per_second must be >= 0")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
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
