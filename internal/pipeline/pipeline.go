// Package pipeline implements the prospecting stages and the orchestrator
// that sequences them: discover, dedup, gapfill, enrich, extract and
// final-filter.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/identity"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/internal/snapshot"
	"github.com/sells-group/prospect-cli/internal/stage"
)

// ErrPrecondition is wrapped by a StageError when the predecessor store is
// missing or empty.
var ErrPrecondition = eris.New("pipeline: precondition not met")

// Stage is one step of the pipeline.
type Stage interface {
	Name() model.StageName
	// Requires names the predecessor stage, or "" for a stage that
	// originates records.
	Requires() model.StageName
	Run(ctx context.Context, env *Env) (*model.StageResult, error)
}

// StageError is returned when a stage cannot complete. The stores written
// before it remain valid.
type StageError struct {
	Stage model.StageName
	Store string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed (store %s): %v", e.Stage, e.Store, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StoreOf returns the stage whose store a stage writes. Dedup and the final
// filter rewrite their predecessor's store in place.
func StoreOf(name model.StageName) model.StageName {
	switch name {
	case model.StageDedup:
		return model.StageDiscover
	case model.StageFinalFilter:
		return model.StageExtract
	default:
		return name
	}
}

// Stores hands out one snapshot store per stage store, so every writer of a
// file shares its lock.
type Stores struct {
	dir       string
	backupDir string

	mu     sync.Mutex
	stores map[model.StageName]*snapshot.Store
}

// NewStores creates the store set rooted at dir.
func NewStores(dir, backupDir string) *Stores {
	return &Stores{dir: dir, backupDir: backupDir, stores: make(map[model.StageName]*snapshot.Store)}
}

// For returns the store written by the stage.
func (s *Stores) For(name model.StageName) *snapshot.Store {
	name = StoreOf(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[name]
	if !ok {
		st = snapshot.New(s.dir, s.backupDir, name)
		s.stores[name] = st
	}
	return st
}

// Env is what stages share during a run.
type Env struct {
	Stores   *Stores
	Resolver *identity.Resolver
	Runner   stage.Options
	Now      func() time.Time
}

// NewEnv creates an Env with exact name matching.
func NewEnv(stores *Stores, opts stage.Options) *Env {
	return &Env{
		Stores:   stores,
		Resolver: identity.NewResolver(identity.NameMatchExact),
		Runner:   opts,
		Now:      time.Now,
	}
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Input returns the records a stage consumes: those its predecessor
// completed and no gate rejected.
func (e *Env) Input(pred model.StageName) ([]model.Record, error) {
	records, err := e.Stores.For(pred).Load()
	if err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(records))
	for i := range records {
		if records[i].Done(pred) && !records[i].Rejected() {
			out = append(out, records[i])
		}
	}
	return out, nil
}

// runWork runs a per-record stage through the stage runner over the
// predecessor's forward output.
func (e *Env) runWork(ctx context.Context, work stage.Work, pred model.StageName) (*model.StageResult, error) {
	input, err := e.Input(pred)
	if err != nil {
		return nil, resilience.NewFatalError(eris.Wrapf(err, "pipeline: load %s input", work.Stage()))
	}
	opts := e.Runner
	if opts.Now == nil {
		opts.Now = e.now
	}
	return stage.NewRunner(e.Stores.For(work.Stage()), e.Resolver, opts).Run(ctx, work, input)
}

// checkPrecondition verifies the predecessor's store exists and is not empty.
func (e *Env) checkPrecondition(s Stage) error {
	pred := s.Requires()
	if pred == "" {
		return nil
	}
	st := e.Stores.For(pred)
	if !st.Exists() {
		return eris.Wrapf(ErrPrecondition, "%s store %s does not exist, run %s first", StoreOf(pred), st.Path(), pred)
	}
	records, err := st.Load()
	if err != nil {
		return resilience.NewFatalError(err)
	}
	if len(records) == 0 {
		return eris.Wrapf(ErrPrecondition, "%s store %s is empty", StoreOf(pred), st.Path())
	}
	return nil
}

// logResult logs the stage summary.
func logResult(name model.StageName, res *model.StageResult) {
	if res == nil {
		return
	}
	zap.L().Info("pipeline: stage finished",
		zap.String("stage", string(name)),
		zap.String("summary", stage.Summary(res)),
		zap.Int("merged", res.Merged),
		zap.Float64("cost", res.Cost),
	)
}
