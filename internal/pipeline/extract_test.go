package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/gate"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

func enriched(id, name string) model.Record {
	r := model.Record{ID: id, Name: name, URL: "https://" + id + ".com"}
	r.SetPayload(model.StageEnrich, model.Payload{"content": name + " home page"})
	r.MarkDone(model.StageEnrich, testNow)
	return r
}

func TestExtract_FieldsGapsAndLenientGate(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, model.StageEnrich,
		enriched("acme", "Acme"),
		enriched("tex", "Texan"),
		enriched("nil", "Nowhere"),
	)

	ex := &fakeExtractor{fields: map[string]provider.Fields{
		"Acme":  {"headquarters": "Denver, CO", "industry": "Robotics"},
		"Texan": {"headquarters": "Austin, TX", "founders": "Sam Roe"},
	}}
	gaps := &fakeGaps{fields: map[string]provider.Fields{
		"Acme": {"funding": "$12M Series A (2023)", "industry": "Ignored"},
	}}

	res, err := NewExtract(ex, gaps, gate.Lenient(gate.DefaultRegion())).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 1, res.Admitted)
	assert.Equal(t, 1, res.Rejected)
	assert.Equal(t, 1, res.Unknown)

	got := byName(load(t, env, model.StageExtract))

	acme := got["Acme"]
	assert.Nil(t, acme.Rejection)
	assert.Equal(t, "Denver, CO", acme.Field("headquarters"))
	assert.Equal(t, "Robotics", acme.Field("industry"), "extracted values win over searched ones")
	assert.Equal(t, "$12M Series A (2023)", acme.Field("funding"))
	assert.NotContains(t, gaps.asked["Acme"], "headquarters")
	assert.Contains(t, gaps.asked["Acme"], "funding")

	require.NotNil(t, got["Texan"].Rejection)
	assert.Equal(t, model.ReasonNonTargetRegion, got["Texan"].Rejection.Reason)
	assert.Equal(t, model.StageExtract, got["Texan"].Rejection.Stage)

	require.NotNil(t, got["Nowhere"].Rejection)
	assert.Equal(t, model.ReasonInsufficientData, got["Nowhere"].Rejection.Reason)

	// Every earlier payload survives.
	assert.Equal(t, "Acme home page", model.FormatValue(acme.Payload(model.StageEnrich)["content"]))
}

func TestExtract_GapSearchFailureIsBestEffort(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, model.StageEnrich, enriched("acme", "Acme"))

	ex := &fakeExtractor{fields: map[string]provider.Fields{"Acme": {"headquarters": "Boulder, Colorado"}}}
	gaps := &fakeGaps{err: resilience.NewPermanentError(errors.New("bad request"), 400)}

	res, err := NewExtract(ex, gaps, gate.Lenient(gate.DefaultRegion())).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	rec := load(t, env, model.StageExtract)[0]
	assert.True(t, rec.Done(model.StageExtract))
	assert.Nil(t, rec.Rejection)
	assert.NotEmpty(t, rec.Payload(model.StageExtract)["missing"])
}

func TestExtract_ExtractorFailureLeavesRecordPending(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env, model.StageEnrich, enriched("acme", "Acme"))

	ex := &fakeExtractor{err: resilience.NewTransientError(errors.New("overloaded"), 529)}
	res, err := NewExtract(ex, nil, gate.Lenient(gate.DefaultRegion())).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, load(t, env, model.StageExtract)[0].Settled(model.StageExtract))
}

func TestExtract_RejectedRecordsAreNotForwarded(t *testing.T) {
	env := newTestEnv(t)
	rejected := enriched("tex", "Texan")
	rejected.Reject(model.StageEnrich, model.ReasonNonTargetRegion, "")
	seed(t, env, model.StageEnrich, enriched("acme", "Acme"), rejected)

	ex := &fakeExtractor{fields: map[string]provider.Fields{"Acme": {"location_state": "CO"}}}
	res, err := NewExtract(ex, nil, gate.Lenient(gate.DefaultRegion())).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Input)
	assert.Equal(t, 1, ex.calls)
}

func TestExtract_NoContentIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	r := model.Record{ID: "x", Name: "Empty", URL: "https://x.com"}
	r.MarkDone(model.StageEnrich, testNow)
	seed(t, env, model.StageEnrich, r)

	res, err := NewExtract(&fakeExtractor{}, nil, gate.Lenient(gate.DefaultRegion())).Run(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Terminal)
}
