package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/language"
)

// Config holds the full application configuration.
type Config struct {
	Store          StoreConfig          `yaml:"store" mapstructure:"store"`
	Log            LogConfig            `yaml:"log" mapstructure:"log"`
	Google         GoogleConfig         `yaml:"google" mapstructure:"google"`
	SearchConsole  SearchConsoleConfig  `yaml:"search_console" mapstructure:"search_console"`
	KeywordPlanner KeywordPlannerConfig `yaml:"keyword_planner" mapstructure:"keyword_planner"`
	SERP           SERPConfig           `yaml:"serp" mapstructure:"serp"`
	Validator      ValidatorConfig      `yaml:"validator" mapstructure:"validator"`
	Pipeline       PipelineConfig       `yaml:"pipeline" mapstructure:"pipeline"`
	Detect         DetectConfig         `yaml:"detect" mapstructure:"detect"`
	Report         ReportConfig         `yaml:"report" mapstructure:"report"`
	Server         ServerConfig         `yaml:"server" mapstructure:"server"`
	Monitoring     MonitoringConfig     `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// GoogleConfig holds the OAuth credentials shared by Search Console and the
// keyword planner. A service account file takes precedence over the
// refresh-token flow when both are set.
type GoogleConfig struct {
	ServiceAccountFile string `yaml:"service_account_file" mapstructure:"service_account_file"`
	ClientID           string `yaml:"client_id" mapstructure:"client_id"`
	ClientSecret       string `yaml:"client_secret" mapstructure:"client_secret"`
	RefreshToken       string `yaml:"refresh_token" mapstructure:"refresh_token"`
	TokenURL           string `yaml:"token_url" mapstructure:"token_url"`
}

// SearchConsoleConfig configures seed extraction. When ExportSource is set,
// seeds are read from a Search Console export (file path, http(s) or ftp
// URL) instead of the API.
type SearchConsoleConfig struct {
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	RowLimit      int    `yaml:"row_limit" mapstructure:"row_limit"`
	ExportSource  string `yaml:"export_source" mapstructure:"export_source"`
	ExportTimeout int    `yaml:"export_timeout_secs" mapstructure:"export_timeout_secs"`
}

// KeywordPlannerConfig configures keyword expansion.
type KeywordPlannerConfig struct {
	BaseURL         string `yaml:"base_url" mapstructure:"base_url"`
	DeveloperToken  string `yaml:"developer_token" mapstructure:"developer_token"`
	CustomerID      string `yaml:"customer_id" mapstructure:"customer_id"`
	LoginCustomerID string `yaml:"login_customer_id" mapstructure:"login_customer_id"`
	LanguageID      string `yaml:"language_id" mapstructure:"language_id"`
	GeoTargetID     string `yaml:"geo_target_id" mapstructure:"geo_target_id"`
	SeedLimit       int    `yaml:"seed_limit" mapstructure:"seed_limit"`
}

// SERPConfig configures the search-results probe provider.
type SERPConfig struct {
	Provider   string  `yaml:"provider" mapstructure:"provider"`
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Country    string  `yaml:"country" mapstructure:"country"`
	Language   string  `yaml:"language" mapstructure:"language"`
	CostPer1K  float64 `yaml:"cost_per_1k" mapstructure:"cost_per_1k"`
	TimeoutSec int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ValidatorConfig bounds the validation batch.
type ValidatorConfig struct {
	Concurrency      int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSecond    float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryAttempts    int     `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryDelayMs     int     `yaml:"retry_delay_ms" mapstructure:"retry_delay_ms"`
	ProgressEvery    int     `yaml:"progress_every" mapstructure:"progress_every"`
	BreakerThreshold int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs int     `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	CanaryKeyword    string  `yaml:"canary_keyword" mapstructure:"canary_keyword"`
}

// Timeout is the per-attempt probe budget.
func (c ValidatorConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// RetryDelay is the linear backoff step between probe attempts.
func (c ValidatorConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// BreakerReset is how long the auth breaker stays open before a trial probe.
func (c ValidatorConfig) BreakerReset() time.Duration {
	return time.Duration(c.BreakerResetSecs) * time.Second
}

// StageConfig holds the retry and time budget of one pipeline stage.
type StageConfig struct {
	Retries         int `yaml:"retries" mapstructure:"retries"`
	BackoffSecs     int `yaml:"backoff_secs" mapstructure:"backoff_secs"`
	TimeoutMins     int `yaml:"timeout_mins" mapstructure:"timeout_mins"`
	SoftTimeoutMins int `yaml:"soft_timeout_mins" mapstructure:"soft_timeout_mins"`
}

// Backoff is the linear retry step.
func (c StageConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffSecs) * time.Second
}

// Timeout is the hard wall-clock budget of one attempt.
func (c StageConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMins) * time.Minute
}

// SoftTimeout is when the stage is asked to stop starting new work.
func (c StageConfig) SoftTimeout() time.Duration {
	return time.Duration(c.SoftTimeoutMins) * time.Minute
}

// PipelineConfig configures the per-stage policies.
type PipelineConfig struct {
	Extraction StageConfig `yaml:"extraction" mapstructure:"extraction"`
	Expansion  StageConfig `yaml:"expansion" mapstructure:"expansion"`
	Validation StageConfig `yaml:"validation" mapstructure:"validation"`
	Reporting  StageConfig `yaml:"reporting" mapstructure:"reporting"`
}

// DetectConfig points at an optional rules file replacing the built-in
// overview detection rules.
type DetectConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// ReportConfig configures report rendering.
type ReportConfig struct {
	OutputDir string   `yaml:"output_dir" mapstructure:"output_dir"`
	Formats   []string `yaml:"formats" mapstructure:"formats"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the alert checker run by the server. Alerts
// are only sent when WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL              string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs       int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours     int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold    float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ProbeErrorRateThreshold float64 `yaml:"probe_error_rate_threshold" mapstructure:"probe_error_rate_threshold"`
	CostThresholdUSD        float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	StallMinutes            int     `yaml:"stall_minutes" mapstructure:"stall_minutes"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("AIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

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
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"google.service_account_file", "google.client_id", "google.client_secret", "google.refresh_token",
		"search_console.export_source", "keyword_planner.developer_token", "keyword_planner.customer_id",
		"keyword_planner.login_customer_id", "serp.key", "serp.base_url", "detect.rules_file",
		"monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "aio.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("google.token_url", "https://oauth2.googleapis.com/token")
	v.SetDefault("search_console.base_url", "https://searchconsole.googleapis.com/webmasters/v3")
	v.SetDefault("search_console.row_limit", 5000)
	v.SetDefault("search_console.export_timeout_secs", 60)
	v.SetDefault("keyword_planner.base_url", "https://googleads.googleapis.com/v17")
	v.SetDefault("keyword_planner.language_id", "1001")
	v.SetDefault("keyword_planner.geo_target_id", "1013274")
	v.SetDefault("keyword_planner.seed_limit", 20)
	v.SetDefault("serp.provider", "serper")
	v.SetDefault("serp.country", "us")
	v.SetDefault("serp.language", "en")
	v.SetDefault("serp.cost_per_1k", 0.0)
	v.SetDefault("serp.timeout_secs", 30)
	v.SetDefault("validator.concurrency", 10)
	v.SetDefault("validator.rate_per_second", 1.0)
	v.SetDefault("validator.timeout_secs", 30)
	v.SetDefault("validator.retry_attempts", 3)
	v.SetDefault("validator.retry_delay_ms", 1000)
	v.SetDefault("validator.progress_every", 10)
	v.SetDefault("validator.breaker_threshold", 3)
	v.SetDefault("validator.breaker_reset_secs", 300)
	v.SetDefault("validator.canary_keyword", "test")
	v.SetDefault("pipeline.extraction.retries", 3)
	v.SetDefault("pipeline.extraction.backoff_secs", 60)
	v.SetDefault("pipeline.extraction.timeout_mins", 30)
	v.SetDefault("pipeline.extraction.soft_timeout_mins", 25)
	v.SetDefault("pipeline.expansion.retries", 3)
	v.SetDefault("pipeline.expansion.backoff_secs", 60)
	v.SetDefault("pipeline.expansion.timeout_mins", 30)
	v.SetDefault("pipeline.expansion.soft_timeout_mins", 25)
	v.SetDefault("pipeline.validation.retries", 2)
	v.SetDefault("pipeline.validation.backoff_secs", 120)
	v.SetDefault("pipeline.validation.timeout_mins", 30)
	v.SetDefault("pipeline.validation.soft_timeout_mins", 25)
	v.SetDefault("pipeline.reporting.retries", 0)
	v.SetDefault("pipeline.reporting.timeout_mins", 30)
	v.SetDefault("pipeline.reporting.soft_timeout_mins", 25)
	v.SetDefault("report.output_dir", "reports")
	v.SetDefault("report.formats", []string{"json", "csv", "xlsx"})
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.probe_error_rate_threshold", 0.2)
	v.SetDefault("monitoring.cost_threshold_usd", 50.0)
	v.SetDefault("monitoring.stall_minutes", 90)
}

// Validate checks the settings needed by the given mode: "run" (full
// pipeline), "validate" (probe only), "serve", or "report".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	needProbe := false
	needPipeline := false
	switch mode {
	case "run", "serve":
		needProbe = true
		needPipeline = true
	case "validate":
		needProbe = true
	case "report":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if needProbe {
		errs = append(errs, c.validateProbe()...)
	}
	if needPipeline {
		errs = append(errs, c.validatePipeline()...)
	}
	if mode == "serve" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateProbe() []string {
	var errs []string
	switch c.SERP.Provider {
	case "serper", "serpapi":
	default:
		errs = append(errs, fmt.Sprintf("serp.provider %q must be serper or serpapi", c.SERP.Provider))
	}
	if c.SERP.Key == "" {
		errs = append(errs, "serp.key is required")
	}
	if _, err := language.Parse(c.SERP.Language); err != nil {
		errs = append(errs, fmt.Sprintf("serp.language %q is not a valid language tag", c.SERP.Language))
	}
	if _, err := language.ParseRegion(c.SERP.Country); err != nil {
		errs = append(errs, fmt.Sprintf("serp.country %q is not a valid region", c.SERP.Country))
	}
	if c.Validator.Concurrency < 1 || c.Validator.Concurrency > 100 {
		errs = append(errs, "validator.concurrency must be between 1 and 100")
	}
	if c.Validator.RatePerSecond < 0 {
		errs = append(errs, "validator.rate_per_second must be >= 0")
	}
	if c.Validator.TimeoutSecs <= 0 {
		errs = append(errs, "validator.timeout_secs must be > 0")
	}
	if c.Validator.RetryAttempts < 0 {
		errs = append(errs, "validator.retry_attempts must be >= 0")
	}
	if c.Validator.BreakerResetSecs < 0 {
		errs = append(errs, "validator.breaker_reset_secs must be >= 0")
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	if c.SearchConsole.ExportSource == "" && !c.Google.HasCredentials() {
		errs = append(errs, "google credentials or search_console.export_source are required")
	}
	if c.KeywordPlanner.DeveloperToken == "" {
		errs = append(errs, "keyword_planner.developer_token is required")
	}
	if c.KeywordPlanner.CustomerID == "" {
		errs = append(errs, "keyword_planner.customer_id is required")
	}
	if c.KeywordPlanner.SeedLimit < 1 {
		errs = append(errs, "keyword_planner.seed_limit must be >= 1")
	}
	stages := map[string]StageConfig{
		"extraction": c.Pipeline.Extraction,
		"expansion":  c.Pipeline.Expansion,
		"validation": c.Pipeline.Validation,
		"reporting":  c.Pipeline.Reporting,
	}
	for _, name := range []string{"extraction", "expansion", "validation", "reporting"} {
		s := stages[name]
		if s.Retries < 0 {
			errs = append(errs, fmt.Sprintf("pipeline.%s.retries must be >= 0", name))
		}
		if s.TimeoutMins <= 0 {
			errs = append(errs, fmt.Sprintf("pipeline.%s.timeout_mins must be > 0", name))
		}
		if s.SoftTimeoutMins > s.TimeoutMins {
			errs = append(errs, fmt.Sprintf("pipeline.%s.soft_timeout_mins must not exceed timeout_mins", name))
		}
	}
	return errs
}

// HasCredentials reports whether either Google auth flow is configured.
func (g GoogleConfig) HasCredentials() bool {
	return g.ServiceAccountFile != "" || (g.ClientID != "" && g.ClientSecret != "" && g.RefreshToken != "")
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
