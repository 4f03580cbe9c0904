package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/config"
	"github.com/sells-group/aio-analyzer/internal/cost"
	"github.com/sells-group/aio-analyzer/internal/detect"
	"github.com/sells-group/aio-analyzer/internal/export"
	"github.com/sells-group/aio-analyzer/internal/fetcher"
	"github.com/sells-group/aio-analyzer/internal/metrics"
	"github.com/sells-group/aio-analyzer/internal/pipeline"
	"github.com/sells-group/aio-analyzer/internal/report"
	"github.com/sells-group/aio-analyzer/internal/store"
	"github.com/sells-group/aio-analyzer/internal/validator"
	"github.com/sells-group/aio-analyzer/pkg/googleauth"
	"github.com/sells-group/aio-analyzer/pkg/keywordplanner"
	"github.com/sells-group/aio-analyzer/pkg/searchconsole"
	"github.com/sells-group/aio-analyzer/pkg/serp"
)

// analyzerEnv holds the store, clients and orchestrator needed by the
// run/revalidate/serve commands.
type analyzerEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Validator    *validator.Client
	Registry     *prometheus.Registry
	Metrics      *metrics.Metrics
}

// Close releases resources held by the environment.
func (e *analyzerEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "aio.db"
		}
		st, err = store.NewSQLite(dsn)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// newRegistry returns a registry carrying the process collectors and the
// analyzer metrics.
func newRegistry() (*prometheus.Registry, *metrics.Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.New(reg)
}

func validatorConfig(c config.ValidatorConfig) validator.Config {
	return validator.Config{
		Concurrency:      c.Concurrency,
		RatePerSecond:    c.RatePerSecond,
		Timeout:          c.Timeout(),
		RetryAttempts:    c.RetryAttempts,
		RetryDelay:       c.RetryDelay(),
		ProgressEvery:    c.ProgressEvery,
		BreakerThreshold: c.BreakerThreshold,
		BreakerReset:     c.BreakerReset(),
	}
}

func googleCredentials(g config.GoogleConfig) googleauth.Credentials {
	return googleauth.Credentials{
		ServiceAccountFile: g.ServiceAccountFile,
		ClientID:           g.ClientID,
		ClientSecret:       g.ClientSecret,
		RefreshToken:       g.RefreshToken,
		TokenURL:           g.TokenURL,
	}
}

func initSERP() (serp.Client, error) {
	var opts []serp.Option
	if cfg.SERP.BaseURL != "" {
		opts = append(opts, serp.WithBaseURL(cfg.SERP.BaseURL))
	}
	if cfg.SERP.TimeoutSec > 0 {
		opts = append(opts, serp.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.SERP.TimeoutSec) * time.Second,
		}))
	}
	return serp.New(cfg.SERP.Provider, cfg.SERP.Key, opts...)
}

func initDetector() (*detect.Detector, error) {
	if cfg.Detect.RulesFile == "" {
		return detect.NewDetector(detect.DefaultRules()), nil
	}
	rules, err := detect.LoadRules(cfg.Detect.RulesFile)
	if err != nil {
		return nil, err
	}
	zap.L().Info("detection rules loaded", zap.String("path", cfg.Detect.RulesFile))
	return detect.NewDetector(rules), nil
}

// initValidator builds the probe client for the configured default locale.
// The returned factory builds probers for other locales on the same SERP
// client.
func initValidator(m *metrics.Metrics) (*validator.Client, func(country, language string) validator.Prober, error) {
	client, err := initSERP()
	if err != nil {
		return nil, nil, err
	}
	detector, err := initDetector()
	if err != nil {
		return nil, nil, err
	}
	localize := func(country, language string) validator.Prober {
		return detect.NewProber(client, detector, country, language)
	}
	prober := localize(cfg.SERP.Country, cfg.SERP.Language)
	return validator.New(prober, validatorConfig(cfg.Validator), validator.WithMetrics(m)), localize, nil
}

func initExtractor(ctx context.Context) (pipeline.Extractor, error) {
	if src := cfg.SearchConsole.ExportSource; src != "" {
		timeout := time.Duration(cfg.SearchConsole.ExportTimeout) * time.Second
		router := fetcher.NewRouter(fetcher.HTTPOptions{Timeout: timeout}, fetcher.FTPOptions{Timeout: timeout})
		zap.L().Info("extracting from search console export", zap.String("source", src))
		return pipeline.NewExportExtractor(export.NewReader(router, ""), src, cfg.SearchConsole.RowLimit), nil
	}

	hc, err := googleauth.HTTPClient(ctx, googleCredentials(cfg.Google), googleauth.ScopeSearchConsole)
	if err != nil {
		return nil, eris.Wrap(err, "search console auth")
	}
	client := searchconsole.NewClient(
		searchconsole.WithBaseURL(cfg.SearchConsole.BaseURL),
		searchconsole.WithHTTPClient(hc),
	)
	return pipeline.NewSearchConsoleExtractor(client, cfg.SearchConsole.RowLimit), nil
}

func initExpander(ctx context.Context) (pipeline.Expander, error) {
	hc, err := googleauth.HTTPClient(ctx, googleCredentials(cfg.Google), googleauth.ScopeAds)
	if err != nil {
		return nil, eris.Wrap(err, "keyword planner auth")
	}
	opts := []keywordplanner.Option{
		keywordplanner.WithBaseURL(cfg.KeywordPlanner.BaseURL),
		keywordplanner.WithHTTPClient(hc),
	}
	if cfg.KeywordPlanner.LoginCustomerID != "" {
		opts = append(opts, keywordplanner.WithLoginCustomerID(cfg.KeywordPlanner.LoginCustomerID))
	}
	client := keywordplanner.NewClient(cfg.KeywordPlanner.DeveloperToken, cfg.KeywordPlanner.CustomerID, opts...)
	return pipeline.NewPlannerExpander(client, cfg.KeywordPlanner), nil
}

// initEnv validates the config for mode, opens the store and builds the
// orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*analyzerEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &analyzerEnv{Store: st}
	env.Registry, env.Metrics = newRegistry()

	fail := func(err error) (*analyzerEnv, error) {
		env.Close()
		return nil, err
	}

	v, localize, err := initValidator(env.Metrics)
	if err != nil {
		return fail(err)
	}
	env.Validator = v

	extractor, err := initExtractor(ctx)
	if err != nil {
		return fail(err)
	}
	expander, err := initExpander(ctx)
	if err != nil {
		return fail(err)
	}
	writer, err := report.NewWriter(cfg.Report.OutputDir, cfg.Report.Formats)
	if err != nil {
		return fail(err)
	}

	rates := cost.DefaultRates().WithOverride(cfg.SERP.Provider, cfg.SERP.CostPer1K)
	env.Orchestrator = pipeline.New(cfg, st, extractor, expander, v, writer,
		pipeline.WithMetrics(env.Metrics),
		pipeline.WithLocaleProber(localize),
		pipeline.WithCost(cost.NewCalculator(rates), cfg.SERP.Provider),
	)

	zap.L().Info("analyzer initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("serp_provider", cfg.SERP.Provider),
		zap.Int("concurrency", cfg.Validator.Concurrency),
		zap.Float64("rate_per_second", cfg.Validator.RatePerSecond),
	)
	return env, nil
}
