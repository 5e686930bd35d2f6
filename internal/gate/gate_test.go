package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/prospect-cli/internal/model"
)

func extracted(fields map[string]any) *model.Record {
	r := &model.Record{ID: "r1", Name: "Acme", URL: "https://acme.com"}
	r.SetPayload(model.StageExtract, model.Payload(fields))
	return r
}

func TestEvaluate_Headquarters(t *testing.T) {
	g := Strict(DefaultRegion())

	admit := g.Evaluate(extracted(map[string]any{"headquarters": "Denver, CO"}))
	assert.True(t, admit.Admit)
	assert.Empty(t, admit.Reason)

	reject := g.Evaluate(extracted(map[string]any{"headquarters": "Austin, TX"}))
	assert.False(t, reject.Admit)
	assert.Equal(t, model.ReasonNonTargetRegion, reject.Reason)
	assert.False(t, reject.Insufficient())
	assert.Contains(t, reject.Detail, "Austin, TX")

	unknown := g.Evaluate(extracted(map[string]any{"headquarters": nil}))
	assert.False(t, unknown.Admit)
	assert.Equal(t, model.ReasonInsufficientData, unknown.Reason)
	assert.True(t, unknown.Insufficient())
}

func TestEvaluate_StrictHeadquarters(t *testing.T) {
	g := Strict(DefaultRegion())
	tests := []struct {
		name  string
		hq    string
		admit bool
	}{
		{"region name in another state", "Colorado City, TX", false},
		{"region name before other state and zip", "Colorado City, TX 79512", false},
		{"region name as a part", "Denver, Colorado 80202", true},
		{"region name inside a city", "Colorado Springs", false},
		{"code then country", "Golden, CO, US", true},
		{"street abbreviation before code", "1600 Market St, Denver, CO", true},
		{"other state after country", "Springfield, IL, USA", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Evaluate(extracted(map[string]any{"headquarters": tt.hq}))
			assert.Equal(t, tt.admit, v.Admit)
			if !tt.admit {
				assert.Equal(t, model.ReasonNonTargetRegion, v.Reason)
			}
		})
	}
}

func TestEvaluate_LenientOtherStateWins(t *testing.T) {
	g := Lenient(DefaultRegion())
	assert.False(t, g.Evaluate(extracted(map[string]any{"headquarters": "Colorado City, TX"})).Admit)
	assert.False(t, g.Evaluate(extracted(map[string]any{"headquarters": "Aurora, IL"})).Admit)
	assert.False(t, g.Evaluate(extracted(map[string]any{"location": "Louisville, KY"})).Admit)
	assert.True(t, g.Evaluate(extracted(map[string]any{"location": "Based in Colorado"})).Admit)
	assert.True(t, g.Evaluate(extracted(map[string]any{"location": "Aurora, CO"})).Admit)
}

func TestEvaluate_NilRecord(t *testing.T) {
	v := Lenient(DefaultRegion()).Evaluate(nil)
	assert.True(t, v.Insufficient())
}

func TestEvaluate_Lenient(t *testing.T) {
	g := Lenient(DefaultRegion())
	tests := []struct {
		name   string
		fields map[string]any
		admit  bool
		reason string
	}{
		{"state code", map[string]any{"location_state": "co"}, true, ""},
		{"state name", map[string]any{"location_state": "Colorado"}, true, ""},
		{"known city", map[string]any{"location_city": "Fort Collins"}, true, ""},
		{"region in location", map[string]any{"location": "Boulder, Colorado, USA"}, true, ""},
		{"zip after code", map[string]any{"headquarters": "1600 Broadway, Denver, CO 80202"}, true, ""},
		{"code then country", map[string]any{"location": "Golden, CO, USA"}, true, ""},
		{"bare city in headquarters", map[string]any{"headquarters": "Boulder"}, true, ""},
		{"other state", map[string]any{"headquarters": "Austin, TX", "location_state": "TX"}, false, model.ReasonNonTargetRegion},
		{"code prefix is not a match", map[string]any{"headquarters": "Coral Gables, FL"}, false, model.ReasonNonTargetRegion},
		{"placeholder values", map[string]any{"headquarters": "Unknown", "location_state": "N/A"}, false, model.ReasonInsufficientData},
		{"empty list", map[string]any{"location_city": []any{}}, false, model.ReasonInsufficientData},
		{"unrelated fields only", map[string]any{"industry": "robotics"}, false, model.ReasonInsufficientData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := g.Evaluate(extracted(tt.fields))
			assert.Equal(t, tt.admit, v.Admit)
			assert.Equal(t, tt.reason, v.Reason)
		})
	}
}

func TestEvaluate_StrictIgnoresLooseMentions(t *testing.T) {
	lenient, strict := Lenient(DefaultRegion()), Strict(DefaultRegion())

	bareCity := extracted(map[string]any{"headquarters": "Boulder"})
	assert.True(t, lenient.Evaluate(bareCity).Admit)
	assert.Equal(t, model.ReasonNonTargetRegion, strict.Evaluate(bareCity).Reason)

	locationOnly := extracted(map[string]any{"location": "Denver, CO"})
	assert.True(t, lenient.Evaluate(locationOnly).Admit)
	assert.Equal(t, model.ReasonInsufficientData, strict.Evaluate(locationOnly).Reason)

	city := extracted(map[string]any{"headquarters": "Remote", "location_city": "Boulder"})
	assert.True(t, strict.Evaluate(city).Admit)
}

func TestEvaluate_LaterStagesWin(t *testing.T) {
	r := extracted(map[string]any{"headquarters": "Austin, TX"})
	r.SetPayload(model.StageFinalFilter, model.Payload{"headquarters": "Denver, CO"})
	assert.True(t, Strict(DefaultRegion()).Evaluate(r).Admit)
}

func TestEvaluate_IsPure(t *testing.T) {
	g := Strict(DefaultRegion())
	r := extracted(map[string]any{"headquarters": "Denver, CO", "location_city": "Denver"})
	before := r.Clone()

	first := g.Evaluate(r)
	second := g.Evaluate(r)
	assert.Equal(t, first, second)
	assert.Equal(t, before, *r)
}

func TestEvaluate_CustomRegion(t *testing.T) {
	g := Strict(Region{Name: "Texas", StateCodes: []string{"TX"}, Cities: []string{"Austin"}})
	assert.True(t, g.Evaluate(extracted(map[string]any{"headquarters": "Austin, TX"})).Admit)
	assert.False(t, g.Evaluate(extracted(map[string]any{"headquarters": "Denver, CO"})).Admit)
	assert.True(t, g.Evaluate(extracted(map[string]any{"location_city": "austin"})).Admit)
}

func TestNew_UnknownModeIsLenient(t *testing.T) {
	g := New("fuzzy", DefaultRegion())
	assert.Equal(t, ModeLenient, g.Mode())
	assert.Len(t, g.Fields(), 4)
	assert.Len(t, Strict(DefaultRegion()).Fields(), 3)
}
