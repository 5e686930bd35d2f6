package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/identity"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/internal/snapshot"
)

// DedupResult describes one dedup pass over a store.
type DedupResult struct {
	Store  model.StageName `json:"store"`
	Report identity.Report `json:"report"`
	Marked int             `json:"marked,omitempty"`
	Backup string          `json:"backup,omitempty"`
}

// DedupPass merges duplicates in st in place. When mark is set, every
// surviving record is also marked complete for that stage. The store is
// backed up and rewritten only when the pass changes something.
func DedupPass(st *snapshot.Store, resolver *identity.Resolver, mark model.StageName, now time.Time) (*DedupResult, error) {
	records, err := st.Load()
	if err != nil {
		return nil, err
	}
	out, rep := resolver.Dedup(records)
	res := &DedupResult{Store: st.Name(), Report: rep}

	if mark != "" {
		for i := range out {
			if !out[i].Done(mark) {
				out[i].MarkDone(mark, now)
				res.Marked++
			}
		}
	}
	if !rep.Changed() && res.Marked == 0 {
		return res, nil
	}

	backup, err := st.Rewrite(out)
	if err != nil {
		return res, eris.Wrapf(err, "dedup: rewrite %s", st.Name())
	}
	res.Backup = backup

	zap.L().Info("dedup: store rewritten",
		zap.String("store", string(st.Name())),
		zap.Int("before", rep.Before),
		zap.Int("after", rep.After),
		zap.Int("cleaned", rep.Cleaned),
		zap.Int("normalized", rep.Normalized),
		zap.Int("marked", res.Marked),
		zap.String("backup", backup),
	)
	return res, nil
}

// Dedup is the batch identity pass over the discover store.
type Dedup struct{}

// NewDedup creates the dedup stage.
func NewDedup() *Dedup { return &Dedup{} }

// Name implements Stage.
func (d *Dedup) Name() model.StageName { return model.StageDedup }

// Requires implements Stage.
func (d *Dedup) Requires() model.StageName { return model.StageDiscover }

// Run implements Stage.
func (d *Dedup) Run(_ context.Context, env *Env) (*model.StageResult, error) {
	start := time.Now()
	pass, err := DedupPass(env.Stores.For(model.StageDedup), env.Resolver, model.StageDedup, env.now())
	if err != nil {
		return nil, resilience.NewFatalError(err)
	}
	return &model.StageResult{
		Input:     pass.Report.Before,
		Delta:     pass.Marked,
		Processed: pass.Report.After,
		Merged:    pass.Report.Merged(),
		Duration:  time.Since(start).Round(time.Millisecond).String(),
	}, nil
}
