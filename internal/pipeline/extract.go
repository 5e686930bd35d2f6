package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/gate"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// ErrNoContent fails extraction when enrichment stored nothing to read.
var ErrNoContent = eris.New("extract: no content")

// Extract pulls structured fields out of the enriched content, searches
// for the fields the page did not answer and applies the lenient gate.
type Extract struct {
	extractor provider.Extractor
	gaps      provider.GapSearcher
	gate      *gate.Gate
	fields    []string
}

// NewExtract creates the extract stage. gaps may be nil.
func NewExtract(extractor provider.Extractor, gaps provider.GapSearcher, g *gate.Gate) *Extract {
	return &Extract{extractor: extractor, gaps: gaps, gate: g, fields: provider.ExtractFields()}
}

// Name implements Stage.
func (e *Extract) Name() model.StageName { return model.StageExtract }

// Stage implements stage.Work.
func (e *Extract) Stage() model.StageName { return model.StageExtract }

// Requires implements Stage.
func (e *Extract) Requires() model.StageName { return model.StageEnrich }

// Run implements Stage.
func (e *Extract) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	return env.runWork(ctx, e, e.Requires())
}

// Process implements stage.Work.
func (e *Extract) Process(ctx context.Context, rec *model.Record) error {
	content := strings.TrimSpace(model.FormatValue(rec.Payload(model.StageEnrich)["content"]))
	if content == "" {
		content = strings.TrimSpace(rec.Description)
	}
	if content == "" {
		return resilience.NewPermanentError(ErrNoContent, 0)
	}

	fields, err := e.extractor.Extract(ctx, rec, content, e.fields)
	if err != nil {
		return err
	}
	if fields == nil {
		fields = provider.Fields{}
	}

	p := model.Payload{}
	missing := provider.Missing(fields, e.fields)
	if e.gaps != nil && len(missing) > 0 {
		found, err := e.gaps.SearchMissing(ctx, rec, missing)
		switch {
		case err == nil:
			for k, v := range found {
				if fields[k] == "" && v != "" {
					fields[k] = v
				}
			}
			p["searched"] = missing
		case ctx.Err() != nil:
			return ctx.Err()
		case resilience.IsFatal(err) || errors.Is(err, resilience.ErrCircuitOpen):
			return err
		default:
			zap.L().Warn("extract: missing-field search failed",
				zap.String("record_id", rec.ID),
				zap.String("name", rec.Name),
				zap.Strings("missing", missing),
				zap.Error(err),
			)
		}
		missing = provider.Missing(fields, e.fields)
	}

	for k, v := range fields.Payload() {
		p[k] = v
	}
	if len(missing) > 0 {
		p["missing"] = missing
	}
	delete(rec.StageData, model.StageExtract)
	rec.SetPayload(model.StageExtract, p)

	if rec.Rejection != nil && rec.Rejection.Stage == model.StageExtract {
		rec.Rejection = nil
	}
	if v := e.gate.Evaluate(rec); !v.Admit {
		rec.Reject(model.StageExtract, v.Reason, v.Detail)
	}
	return nil
}
