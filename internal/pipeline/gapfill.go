package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// SourceDiscovery marks URLs that discovery already supplied.
const SourceDiscovery = "discovery"

// URLResolver finds the website of a record and names the finder that did.
type URLResolver interface {
	Resolve(ctx context.Context, rec *model.Record) (url, source string, err error)
}

// GapFill resolves sentinel URLs left by discovery.
type GapFill struct {
	finder URLResolver
}

// NewGapFill creates the gapfill stage.
func NewGapFill(finder URLResolver) *GapFill {
	return &GapFill{finder: finder}
}

// Name implements Stage.
func (g *GapFill) Name() model.StageName { return model.StageGapFill }

// Stage implements stage.Work.
func (g *GapFill) Stage() model.StageName { return model.StageGapFill }

// Requires implements Stage.
func (g *GapFill) Requires() model.StageName { return model.StageDedup }

// Process implements stage.Work.
func (g *GapFill) Process(ctx context.Context, rec *model.Record) error {
	if rec.HasURL() {
		rec.SetPayload(model.StageGapFill, model.Payload{"found": true, "source": SourceDiscovery})
		return nil
	}

	u, source, err := g.finder.Resolve(ctx, rec)
	if err != nil {
		return err
	}
	if u == "" || u == model.URLNeeded {
		rec.SetPayload(model.StageGapFill, model.Payload{"found": false})
		return nil
	}
	rec.SetURL(u)
	rec.SetPayload(model.StageGapFill, model.Payload{"found": true, "source": source, "url": u})
	zap.L().Debug("gapfill: url resolved", zap.String("record_id", rec.ID), zap.String("name", rec.Name), zap.String("url", u), zap.String("source", source))
	return nil
}

// Run implements Stage. Newly resolved URLs can make two records the same
// entity, so a dedup pass over the gapfill store follows the run.
func (g *GapFill) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	res, err := env.runWork(ctx, g, g.Requires())
	if err != nil {
		return res, err
	}
	pass, err := DedupPass(env.Stores.For(model.StageGapFill), env.Resolver, "", env.now())
	if err != nil {
		return res, resilience.NewFatalError(err)
	}
	res.Merged += pass.Report.Merged()
	return res, nil
}
