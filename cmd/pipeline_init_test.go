//go:build !integration

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/cost"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/pipeline"
)

// useDefaults loads the default configuration rooted in a temp directory.
func useDefaults(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	c, err := config.Load()
	require.NoError(t, err)
	c.Output.Dir = filepath.Join(dir, "outputs")
	c.Output.BackupDir = filepath.Join(dir, "outputs", "backups")
	cfg = c
}

func TestPipelineEnv_Close_Nil(t *testing.T) {
	pe := &pipelineEnv{}
	assert.NotPanics(t, func() {
		pe.Close()
	})
}

func TestInitPipeline_ValidatesSelectedStages(t *testing.T) {
	useDefaults(t)

	env, err := initPipeline(context.Background(), model.Stages())
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "perplexity.key is required by discover")
	assert.Contains(t, err.Error(), "anthropic.key is required by extract")

	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StageDiscover, se.Stage)
	assert.Equal(t, model.StageDiscover, se.Store)
}

func TestInitPipeline_FromEnrichNeedsNoDiscoverySettings(t *testing.T) {
	useDefaults(t)
	cfg.Fetch.Renderer = "none"
	cfg.Discovery.QueriesFile = "missing-queries.yaml"

	selected, err := model.StagesFrom(model.StageEnrich)
	require.NoError(t, err)
	_, err = initPipeline(context.Background(), selected)
	require.Error(t, err)

	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StageExtract, se.Stage, "enrich itself needs no credentials")
	assert.Equal(t, model.StageExtract, se.Store)
	assert.NotContains(t, err.Error(), "discover")
	assert.Contains(t, formatError(err), "stage extract failed")

	cfg.Perplexity.Key = "pplx-test"
	cfg.Anthropic.Key = "sk-ant-test"
	env, err := initPipeline(context.Background(), selected)
	require.NoError(t, err, "the queries file is only read when discover runs")
	env.Close()
}

func TestInitPipeline_SingleStageError(t *testing.T) {
	useDefaults(t)
	cfg.Perplexity.Key = ""

	_, err := initPipeline(context.Background(), []model.StageName{model.StageGapFill})
	var se *pipeline.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StageGapFill, se.Stage)
	assert.Equal(t, model.StageGapFill, se.Store)
}

func TestInitPipeline_BuildsEveryStage(t *testing.T) {
	useDefaults(t)
	cfg.Perplexity.Key = "pplx-test"
	cfg.Anthropic.Key = "sk-ant-test"
	cfg.Fetch.Renderer = "none"

	env, err := initPipeline(context.Background(), model.Stages())
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, model.Stages(), env.Orchestrator.Stages())
	assert.NotNil(t, env.Ledger)
	assert.Nil(t, env.renderer)
	assert.FileExists(t, filepath.Join(cfg.Output.Dir, "prospect.db"))
}

func TestInitPipeline_BadDriver(t *testing.T) {
	useDefaults(t)
	cfg.Store.Driver = "postgres"

	env, err := initPipeline(context.Background(), nil)
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestNewFetcher_Renderer(t *testing.T) {
	useDefaults(t)
	deps := apiDeps(cost.NewTracker(nil))

	cfg.Fetch.Renderer = "chromedp"
	f, r := newFetcher(deps)
	assert.NotNil(t, f)
	require.NotNil(t, r, "chromedp needs a renderer to close")
	r.Close()

	for _, renderer := range []string{"jina", "none"} {
		cfg.Fetch.Renderer = renderer
		f, r := newFetcher(deps)
		assert.NotNil(t, f, renderer)
		assert.Nil(t, r, renderer)
	}
}

func TestFilterRegion(t *testing.T) {
	useDefaults(t)

	r := filterRegion()
	assert.Equal(t, "Colorado", r.Name)
	assert.Equal(t, []string{"CO"}, r.StateCodes)
	assert.Contains(t, r.Cities, "Boulder")

	cfg.Filter = config.FilterConfig{Region: "Utah", StateCodes: []string{"UT"}, Cities: []string{"Provo"}}
	r = filterRegion()
	assert.Equal(t, "Utah", r.Name)
	assert.Equal(t, []string{"UT"}, r.StateCodes)
	assert.Equal(t, []string{"Provo"}, r.Cities)
}

func TestNewEnv_UsesRunnerAndIdentityConfig(t *testing.T) {
	useDefaults(t)
	cfg.Runner.BatchSize = 7
	cfg.Runner.Limit = 3
	cfg.Identity.NameMatch = "compact"

	env := newEnv()
	assert.Equal(t, 7, env.Runner.BatchSize)
	assert.Equal(t, 3, env.Runner.Limit)

	a := model.Record{Name: "Acme Inc", URL: "https://acme.com"}
	b := model.Record{Name: "Acme", URL: "https://acme.io"}
	assert.True(t, env.Resolver.AreDuplicates(&a, &b))
	assert.Equal(t, filepath.Join(cfg.Output.Dir, "discover.json"), env.Stores.For(model.StageDedup).Path())
}
