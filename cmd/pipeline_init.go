package main

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/cost"
	"github.com/sells-group/prospect-cli/internal/db"
	"github.com/sells-group/prospect-cli/internal/gate"
	"github.com/sells-group/prospect-cli/internal/identity"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/ratelimit"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/internal/scrape"
	"github.com/sells-group/prospect-cli/internal/stage"
	"github.com/sells-group/prospect-cli/internal/store"
	anthropicpkg "github.com/sells-group/prospect-cli/pkg/anthropic"
	"github.com/sells-group/prospect-cli/pkg/google"
	"github.com/sells-group/prospect-cli/pkg/jina"
	"github.com/sells-group/prospect-cli/pkg/perplexity"
)

// pipelineEnv holds the ledger, the stage environment and the orchestrator
// needed by the run and stage commands.
type pipelineEnv struct {
	Ledger       store.Ledger
	Env          *pipeline.Env
	Orchestrator *pipeline.Orchestrator
	Tracker      *cost.Tracker
	Breakers     *resilience.ServiceBreakers

	renderer *scrape.ChromedpScraper
}

// Close releases the browser and the ledger connection.
func (pe *pipelineEnv) Close() {
	if pe.renderer != nil {
		pe.renderer.Close()
	}
	if pe.Ledger != nil {
		_ = pe.Ledger.Close()
	}
}

// initPipeline validates the configuration the selected stages need, opens
// the ledger and builds every stage. Callers should defer env.Close().
func initPipeline(ctx context.Context, selected []model.StageName) (*pipelineEnv, error) {
	if err := validateStages(selected); err != nil {
		return nil, err
	}
	var queries []string
	if slices.Contains(selected, model.StageDiscover) {
		var err error
		if queries, err = cfg.Queries(); err != nil {
			return nil, &pipeline.StageError{Stage: model.StageDiscover, Store: string(model.StageDiscover), Err: err}
		}
	}

	ledger, err := initLedger(ctx)
	if err != nil {
		return nil, err
	}

	tracker := cost.NewTracker(cost.NewCalculator(cfg.Pricing))
	deps := apiDeps(tracker)

	pplx := perplexity.NewClient(cfg.Perplexity.Key,
		perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
		perplexity.WithModel(cfg.Perplexity.Model),
		perplexity.WithHTTPClient(&http.Client{Timeout: seconds(cfg.Perplexity.TimeoutSec)}),
	)
	claude := anthropicpkg.NewClient(cfg.Anthropic.Key)

	fetcher, renderer := newFetcher(deps)
	region := filterRegion()
	env := newEnv()

	o := pipeline.NewOrchestrator(env, ledger, tracker,
		pipeline.NewDiscover(
			provider.NewPerplexitySearcher(pplx, deps, cfg.Discovery.MaxResults),
			queries, cfg.Discovery.ExcludeDomains, ledger,
		),
		pipeline.NewDedup(),
		pipeline.NewGapFill(newURLFinder(pplx, deps)),
		pipeline.NewEnrich(fetcher, cfg.Fetch.MaxSecondaryPages, cfg.Fetch.MaxTextChars),
		pipeline.NewExtract(
			provider.NewClaudeExtractor(claude, deps, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, cfg.Anthropic.MaxContentChars),
			provider.NewPerplexityGapSearcher(pplx, deps),
			gate.Lenient(region),
		),
		pipeline.NewFinalFilter(gate.Strict(region)),
	)

	zap.L().Debug("pipeline initialised",
		zap.Int("stages", len(selected)),
		zap.String("output_dir", cfg.Output.Dir),
		zap.String("renderer", cfg.Fetch.Renderer),
		zap.Int("queries", len(queries)),
	)

	return &pipelineEnv{
		Ledger:       ledger,
		Env:          env,
		Orchestrator: o,
		Tracker:      tracker,
		Breakers:     deps.Breakers,
		renderer:     renderer,
	}, nil
}

// validateStages checks the configuration for the selected stages. A missing
// credential is reported against the first stage that needs it.
func validateStages(selected []model.StageName) error {
	names := make([]string, len(selected))
	for i, s := range selected {
		names[i] = string(s)
	}
	err := cfg.ValidateStages(names...)
	var miss *config.MissingError
	if errors.As(err, &miss) {
		st := model.StageName(miss.Stage)
		return &pipeline.StageError{Stage: st, Store: string(pipeline.StoreOf(st)), Err: err}
	}
	return err
}

// initLedger opens and migrates the configured run ledger.
func initLedger(ctx context.Context) (store.Ledger, error) {
	l, err := store.Open(ctx, store.Config{
		Driver:      cfg.Store.Driver,
		DatabaseURL: cfg.Store.DatabaseURL,
		Pool:        &db.PoolConfig{MaxConns: cfg.Store.MaxConns, MinConns: cfg.Store.MinConns},
	}, cfg.Output.Dir)
	if err != nil {
		return nil, eris.Wrap(err, "open ledger")
	}
	return l, nil
}

// newEnv builds the stage environment from the output and runner settings.
func newEnv() *pipeline.Env {
	env := pipeline.NewEnv(newStores(), stage.Options{
		BatchSize: cfg.Runner.BatchSize,
		Workers:   cfg.Runner.Workers,
		Limit:     cfg.Runner.Limit,
	})
	env.Resolver = identity.NewResolver(identity.NameMatch(cfg.Identity.NameMatch))
	return env
}

func newStores() *pipeline.Stores {
	return pipeline.NewStores(cfg.Output.Dir, cfg.Output.BackupDir)
}

// apiDeps builds the call policy shared by every provider adapter.
func apiDeps(tracker *cost.Tracker) provider.Deps {
	return provider.Deps{
		Retry: resilience.FromRetryConfig(cfg.API.MaxRetries, millis(cfg.API.BackoffMs), 0),
		Breakers: resilience.NewServiceBreakers(resilience.FromCircuitConfig(
			cfg.API.BreakerThreshold, seconds(cfg.API.BreakerCooldownSecs),
		)),
		Ceiling: ratelimit.NewCeiling(cfg.API.RequestsPerSecond, cfg.API.Burst),
		Tracker: tracker,
	}
}

// newURLFinder chains Google Places (when a key is configured) ahead of
// Perplexity.
func newURLFinder(pplx perplexity.Client, deps provider.Deps) *provider.FinderChain {
	var finders []provider.URLFinder
	if cfg.Google.Key != "" {
		g := google.NewClient(cfg.Google.Key, google.WithBaseURL(cfg.Google.BaseURL))
		finders = append(finders, provider.NewPlacesFinder(g, deps, cfg.Google.QueryHint))
		zap.L().Info("google places url finder enabled")
	} else {
		zap.L().Debug("PROSPECT_GOOGLE_KEY not set, places lookup disabled")
	}
	finders = append(finders, provider.NewPerplexityFinder(pplx, deps, cfg.Discovery.ExcludeDomains))
	return provider.NewFinderChain(finders...)
}

// newFetcher builds the two-tier fetch strategy. The returned renderer is
// non-nil only for chromedp and must be closed.
func newFetcher(deps provider.Deps) (*scrape.Fetcher, *scrape.ChromedpScraper) {
	light := scrape.NewLightScraper(cfg.Fetch.UserAgent, seconds(cfg.Fetch.TimeoutSecs),
		scrape.WithMaxBodySize(cfg.Fetch.MaxBodyBytes),
	)

	var (
		heavy    scrape.Scraper
		renderer *scrape.ChromedpScraper
	)
	switch cfg.Fetch.Renderer {
	case "", scrape.StrategyChromedp:
		renderer = scrape.NewChromedpScraper(scrape.RenderConfig{
			UserAgent: cfg.Fetch.UserAgent,
			Timeout:   seconds(cfg.Fetch.RenderTimeoutSecs),
			ExecPath:  cfg.Fetch.ChromePath,
		})
		heavy = renderer
		// With a Jina key, Jina Reader covers pages the browser cannot render.
		if cfg.Jina.Key != "" {
			heavy = scrape.NewChain(renderer, newJinaScraper(deps))
		}
	case scrape.StrategyJina:
		heavy = newJinaScraper(deps)
	}

	f := scrape.NewFetcher(light, heavy,
		ratelimit.NewHostLimiter(millis(cfg.Fetch.HostDelayMs)),
		scrape.NewPathMatcher(cfg.Fetch.ExcludePaths),
		scrape.FetcherConfig{
			MinTextChars: cfg.Fetch.MinTextChars,
			MaxTextChars: cfg.Fetch.MaxTextChars,
			Retry:        resilience.FromRetryConfig(cfg.Fetch.MaxRetries, 0, 0),
		},
	)
	return f, renderer
}

func newJinaScraper(deps provider.Deps) *scrape.JinaScraper {
	client := jina.NewClient(cfg.Jina.Key, jina.WithBaseURL(cfg.Jina.BaseURL))
	return scrape.NewJinaScraper(client, deps.Breakers.Get("jina"), deps.Ceiling)
}

// filterRegion overlays the configured region on the default one.
func filterRegion() gate.Region {
	r := gate.DefaultRegion()
	if cfg.Filter.Region != "" {
		r.Name = cfg.Filter.Region
	}
	if len(cfg.Filter.StateCodes) > 0 {
		r.StateCodes = cfg.Filter.StateCodes
	}
	if len(cfg.Filter.Cities) > 0 {
		r.Cities = cfg.Filter.Cities
	}
	return r
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
