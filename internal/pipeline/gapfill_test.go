package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

func seedDeduped(t *testing.T, env *Env, records ...model.Record) {
	t.Helper()
	for i := range records {
		records[i].MarkDone(model.StageDiscover, testNow)
		records[i].MarkDone(model.StageDedup, testNow)
	}
	seed(t, env, model.StageDiscover, records...)
}

func TestGapFill_ResolvesSentinelURLs(t *testing.T) {
	env := newTestEnv(t)
	seedDeduped(t, env,
		model.Record{ID: "a", Name: "Acme", URL: "https://acme.com"},
		model.Record{ID: "b", Name: "Bright Wave", URL: model.URLNeeded},
		model.Record{ID: "c", Name: "Cobalt", URL: model.URLNeeded},
	)
	// Not yet deduped: not forwarded.
	pending := model.Record{ID: "p", Name: "Pending", URL: model.URLNeeded}
	pending.MarkDone(model.StageDiscover, testNow)
	records := load(t, env, model.StageDiscover)
	seed(t, env, model.StageDiscover, append(records, pending)...)

	finder := &fakeResolver{urls: map[string]string{"Bright Wave": "https://brightwave.io"}}
	res, err := NewGapFill(finder).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Input)
	assert.Equal(t, 3, res.Processed)
	assert.ElementsMatch(t, []string{"Bright Wave", "Cobalt"}, finder.calls)

	got := byName(load(t, env, model.StageGapFill))
	require.Len(t, got, 3)

	assert.Equal(t, model.Payload{"found": true, "source": SourceDiscovery}, got["Acme"].Payload(model.StageGapFill))
	assert.Equal(t, "https://brightwave.io", got["Bright Wave"].URL)
	assert.Equal(t, "perplexity", got["Bright Wave"].Payload(model.StageGapFill)["source"])
	assert.Equal(t, model.URLNeeded, got["Cobalt"].URL)
	assert.Equal(t, false, got["Cobalt"].Payload(model.StageGapFill)["found"])
	for _, r := range got {
		assert.True(t, r.Done(model.StageGapFill), r.Name)
	}

	// The discover store is never rewritten by gapfill.
	assert.Equal(t, model.URLNeeded, byName(load(t, env, model.StageDiscover))["Bright Wave"].URL)
}

func TestGapFill_TransientFailureIsRetried(t *testing.T) {
	env := newTestEnv(t)
	seedDeduped(t, env, model.Record{ID: "b", Name: "Bright Wave", URL: model.URLNeeded})

	finder := &fakeResolver{errs: map[string]error{"Bright Wave": resilience.NewTransientError(errors.New("busy"), 503)}}
	res, err := NewGapFill(finder).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Terminal)

	rec := load(t, env, model.StageGapFill)[0]
	assert.False(t, rec.Settled(model.StageGapFill))

	finder.errs = nil
	finder.urls = map[string]string{"Bright Wave": "https://brightwave.io"}
	_, err = NewGapFill(finder).Run(context.Background(), env)
	require.NoError(t, err)
	rec = load(t, env, model.StageGapFill)[0]
	assert.True(t, rec.Done(model.StageGapFill))
	assert.Equal(t, "https://brightwave.io", rec.URL)
}

func TestGapFill_MergesRecordsThatResolveToTheSameSite(t *testing.T) {
	env := newTestEnv(t)
	seedDeduped(t, env,
		model.Record{ID: "a", Name: "Acme Robotics", URL: "https://acme.com"},
		model.Record{ID: "d", Name: "Acme Warehouse Robots", URL: model.URLNeeded},
	)

	finder := &fakeResolver{urls: map[string]string{"Acme Warehouse Robots": "https://www.acme.com/"}}
	res, err := NewGapFill(finder).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)

	records := load(t, env, model.StageGapFill)
	require.Len(t, records, 1)
	survivor := records[0]
	assert.Equal(t, "https://acme.com", survivor.URL)
	assert.Len(t, survivor.Aliases, 1)
	assert.True(t, survivor.Done(model.StageGapFill))

	before := readStore(t, env, model.StageGapFill)
	finder.calls = nil
	res, err = NewGapFill(finder).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Empty(t, finder.calls, "merged record is not reprocessed")
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, before, readStore(t, env, model.StageGapFill))
}

func TestGapFill_FatalHaltsStage(t *testing.T) {
	env := newTestEnv(t)
	seedDeduped(t, env, model.Record{ID: "b", Name: "Bright Wave", URL: model.URLNeeded})

	finder := &fakeResolver{errs: map[string]error{"Bright Wave": resilience.NewFatalError(errors.New("invalid key"))}}
	_, err := NewGapFill(finder).Run(context.Background(), env)
	require.Error(t, err)
	assert.True(t, resilience.IsFatal(err))
}
