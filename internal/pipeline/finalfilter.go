package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/gate"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// FinalFilter re-validates extracted records with the strict gate, in
// place over the extract store.
type FinalFilter struct {
	gate *gate.Gate
}

// NewFinalFilter creates the final-filter stage.
func NewFinalFilter(g *gate.Gate) *FinalFilter {
	return &FinalFilter{gate: g}
}

// Name implements Stage.
func (f *FinalFilter) Name() model.StageName { return model.StageFinalFilter }

// Requires implements Stage.
func (f *FinalFilter) Requires() model.StageName { return model.StageExtract }

// Run implements Stage. Records rejected by an earlier stage stay rejected;
// every other extracted record is evaluated again, so the pass is safe to
// repeat. The store is rewritten, with a backup, only when a verdict changed.
func (f *FinalFilter) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	start := time.Now()
	st := env.Stores.For(model.StageFinalFilter)
	records, err := st.Load()
	if err != nil {
		return nil, resilience.NewFatalError(eris.Wrap(err, "final-filter: load store"))
	}

	res := &model.StageResult{}
	changed := 0
	now := env.now()
	for i := range records {
		rec := &records[i]
		if !rec.Done(model.StageExtract) {
			continue
		}
		if rec.Rejection != nil && rec.Rejection.Stage != model.StageFinalFilter {
			continue
		}
		res.Input++
		if f.apply(rec, now) {
			changed++
		}
		res.Processed++

		switch {
		case rec.Rejection == nil:
			res.Admitted++
		case rec.Rejection.Reason == model.ReasonInsufficientData:
			res.Unknown++
		default:
			res.Rejected++
		}
	}
	res.Delta = changed

	if changed > 0 {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		backup, err := st.Rewrite(records)
		if err != nil {
			return res, resilience.NewFatalError(eris.Wrap(err, "final-filter: rewrite store"))
		}
		zap.L().Info("final-filter: store rewritten", zap.Int("changed", changed), zap.String("backup", backup))
	}

	res.Duration = time.Since(start).Round(time.Millisecond).String()
	zap.L().Info("final-filter: complete",
		zap.Int("evaluated", res.Processed),
		zap.Int("admitted", res.Admitted),
		zap.Int("non_target_region", res.Rejected),
		zap.Int("insufficient_data", res.Unknown),
	)
	return res, nil
}

// apply sets the verdict on rec and reports whether anything changed.
func (f *FinalFilter) apply(rec *model.Record, now time.Time) bool {
	v := f.gate.Evaluate(rec)
	changed := false

	if v.Admit {
		if rec.Rejection != nil {
			rec.Rejection = nil
			changed = true
		}
	} else {
		want := model.Rejection{Stage: model.StageFinalFilter, Reason: v.Reason, Detail: v.Detail}
		if rec.Rejection == nil || *rec.Rejection != want {
			rec.Reject(want.Stage, want.Reason, want.Detail)
			changed = true
		}
	}

	verdict := "admitted"
	if !v.Admit {
		verdict = v.Reason
	}
	if model.FormatValue(rec.Payload(model.StageFinalFilter)["verdict"]) != verdict {
		rec.SetPayload(model.StageFinalFilter, model.Payload{"verdict": verdict})
		changed = true
	}
	if !rec.Done(model.StageFinalFilter) {
		rec.MarkDone(model.StageFinalFilter, now)
		changed = true
	}
	return changed
}
