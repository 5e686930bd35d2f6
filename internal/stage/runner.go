// Package stage runs one pipeline stage incrementally over its input: it
// computes the unprocessed delta against the stage's prior output, processes
// it with a bounded worker pool and checkpoints after every batch.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-cli/internal/identity"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// Work is the per-record function of a stage. Process mutates rec, which is
// a private copy of the input record carrying the stage's prior payload. A
// returned error leaves the record at its pre-stage state.
type Work interface {
	Stage() model.StageName
	Process(ctx context.Context, rec *model.Record) error
}

// WorkFunc adapts a function to Work.
type WorkFunc struct {
	Name model.StageName
	Fn   func(ctx context.Context, rec *model.Record) error
}

// Stage implements Work.
func (w WorkFunc) Stage() model.StageName { return w.Name }

// Process implements Work.
func (w WorkFunc) Process(ctx context.Context, rec *model.Record) error { return w.Fn(ctx, rec) }

// Store is the output store a runner owns for the duration of a run.
type Store interface {
	Name() model.StageName
	Load() ([]model.Record, error)
	Save(records []model.Record) error
}

// Checkpoint describes one persisted batch.
type Checkpoint struct {
	Batch     int
	Processed int
	Total     int
}

// Options tunes a Runner.
type Options struct {
	// BatchSize is the number of records processed between checkpoints. Default: 5.
	BatchSize int
	// Workers bounds concurrent Process calls within a batch. Default: 1.
	Workers int
	// Limit caps how many delta records one invocation consumes. Zero means no cap.
	Limit int
	// Now stamps completion marks. Default: time.Now.
	Now func() time.Time
	// OnCheckpoint runs after each successful checkpoint.
	OnCheckpoint func(Checkpoint)
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Limit < 0 {
		o.Limit = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Runner executes a Work over the delta between its input and its store.
type Runner struct {
	store    Store
	resolver *identity.Resolver
	opts     Options
}

// NewRunner creates a Runner writing to store.
func NewRunner(store Store, resolver *identity.Resolver, opts Options) *Runner {
	if resolver == nil {
		resolver = identity.NewResolver(identity.NameMatchExact)
	}
	return &Runner{store: store, resolver: resolver, opts: opts.withDefaults()}
}

// pending is one delta record and where it lands in the output.
type pending struct {
	rec  model.Record
	slot int // index into the output, -1 for records new to the store
	key  string
	err  error
}

// Run processes the delta of input against the store and returns the
// summary. Per-record failures are logged and counted, never returned. A
// returned error is fatal for the stage; everything processed before it
// has been checkpointed. On cancellation the in-flight batch is flushed and
// ctx's error is returned.
func (r *Runner) Run(ctx context.Context, work Work, input []model.Record) (*model.StageResult, error) {
	start := time.Now()
	stage := work.Stage()
	log := zap.L().With(zap.String("stage", string(stage)), zap.String("store", string(r.store.Name())))

	prior, err := r.store.Load()
	if err != nil {
		return nil, resilience.NewFatalError(eris.Wrapf(err, "stage: load %s store", r.store.Name()))
	}

	out := make([]model.Record, len(prior))
	copy(out, prior)
	slots := make(map[string]int, len(out))
	for i := range out {
		slots[out[i].ID] = i
		for _, a := range out[i].Aliases {
			if _, ok := slots[a]; !ok {
				slots[a] = i
			}
		}
	}

	delta := r.delta(stage, input, out, slots)
	res := &model.StageResult{Input: len(input), Delta: len(delta)}
	if r.opts.Limit > 0 && len(delta) > r.opts.Limit {
		delta = delta[:r.opts.Limit]
	}

	log.Info("stage: delta computed",
		zap.Int("input", len(input)),
		zap.Int("prior", len(prior)),
		zap.Int("delta", res.Delta),
		zap.Int("limit", r.opts.Limit),
		zap.Int("queued", len(delta)),
	)

	if prior == nil && len(delta) == 0 {
		if err := r.store.Save(out); err != nil {
			return res, resilience.NewFatalError(eris.Wrapf(err, "stage: write %s store", r.store.Name()))
		}
	}

	batches := (len(delta) + r.opts.BatchSize - 1) / r.opts.BatchSize
	for b := 0; b < batches; b++ {
		if ctx.Err() != nil {
			break
		}
		lo := b * r.opts.BatchSize
		hi := min(lo+r.opts.BatchSize, len(delta))
		batch := delta[lo:hi]

		r.process(ctx, work, batch)
		fatal := r.apply(ctx, stage, batch, &out, slots, res, log)

		if err := r.store.Save(out); err != nil {
			return res, resilience.NewFatalError(eris.Wrapf(err, "stage: checkpoint %s store", r.store.Name()))
		}
		if r.opts.OnCheckpoint != nil {
			r.opts.OnCheckpoint(Checkpoint{Batch: b + 1, Processed: hi, Total: len(delta)})
		}
		log.Debug("stage: checkpoint", zap.Int("batch", b+1), zap.Int("processed", hi), zap.Int("total", len(delta)))

		if fatal != nil {
			res.Duration = time.Since(start).Round(time.Millisecond).String()
			res.Error = fatal.Error()
			return res, fatal
		}
	}

	res.Duration = time.Since(start).Round(time.Millisecond).String()
	if err := ctx.Err(); err != nil {
		log.Warn("stage: interrupted, progress saved", zap.Int("processed", res.Processed))
		return res, err
	}

	log.Info("stage: complete",
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("terminal", res.Terminal),
		zap.Int("rejected", res.Rejected),
		zap.Int("unknown", res.Unknown),
		zap.String("duration", res.Duration),
	)
	return res, nil
}

// delta returns the input records the stage has not settled, each merged
// with its prior output and sorted by identity.
func (r *Runner) delta(stage model.StageName, input, out []model.Record, slots map[string]int) []*pending {
	seen := make(map[string]bool, len(input))
	var delta []*pending
	for i := range input {
		in := &input[i]
		if seen[in.ID] {
			continue
		}
		seen[in.ID] = true

		p := &pending{rec: in.Clone(), slot: -1}
		if j, ok := slots[in.ID]; ok {
			// Records merged away by a dedup pass are represented by
			// their survivor.
			if out[j].ID != in.ID || out[j].Settled(stage) {
				continue
			}
			p.slot = j
			carryStage(&p.rec, &out[j], stage)
		}
		p.key = r.resolver.Of(&p.rec).String()
		delta = append(delta, p)
	}

	sort.SliceStable(delta, func(a, b int) bool {
		if delta[a].key != delta[b].key {
			return delta[a].key < delta[b].key
		}
		return delta[a].rec.ID < delta[b].rec.ID
	})
	return delta
}

// carryStage copies the stage's own payload, mark and merge aliases from the
// prior output onto the fresh input copy.
func carryStage(dst, prior *model.Record, stage model.StageName) {
	for _, a := range prior.Aliases {
		dst.AddAlias(a)
	}
	if p := prior.Payload(stage); len(p) > 0 {
		dst.SetPayload(stage, p)
	}
	if m, ok := prior.Status[stage]; ok {
		if dst.Status == nil {
			dst.Status = make(map[model.StageName]model.StageMark)
		}
		dst.Status[stage] = m
	}
	if prior.Rejection != nil && prior.Rejection.Stage == stage && dst.Rejection == nil {
		rej := *prior.Rejection
		dst.Rejection = &rej
	}
}

// process runs the batch with at most Workers concurrent calls.
func (r *Runner) process(ctx context.Context, work Work, batch []*pending) {
	var g errgroup.Group
	g.SetLimit(r.opts.Workers)
	for _, p := range batch {
		g.Go(func() error {
			if ctx.Err() != nil {
				p.err = ctx.Err()
				return nil
			}
			rec := p.rec.Clone()
			p.err = safeProcess(ctx, work, &rec)
			if p.err == nil {
				p.rec = rec
			}
			return nil
		})
	}
	_ = g.Wait()
}

func safeProcess(ctx context.Context, w Work, rec *model.Record) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = eris.Errorf("stage: panic in %s: %v", w.Stage(), v)
		}
	}()
	return w.Process(ctx, rec)
}

// apply folds processed records into the output and returns the first
// error that must stop the stage.
func (r *Runner) apply(ctx context.Context, stage model.StageName, batch []*pending, out *[]model.Record, slots map[string]int, res *model.StageResult, log *zap.Logger) error {
	var fatal error
	for _, p := range batch {
		rec := &p.rec
		switch {
		case p.err == nil:
			rec.MarkDone(stage, r.opts.Now())
			res.Processed++
			if rec.Rejection != nil && rec.Rejection.Stage == stage {
				switch rec.Rejection.Reason {
				case model.ReasonInsufficientData:
					res.Unknown++
				default:
					res.Rejected++
				}
			} else {
				res.Admitted++
			}

		case ctx.Err() != nil:
			// Abandoned by the interrupt; retried next run.
			continue

		case resilience.IsFatal(p.err) || errors.Is(p.err, resilience.ErrCircuitOpen):
			if fatal == nil {
				fatal = resilience.NewFatalError(eris.Wrapf(p.err, "stage: %s aborted at %s", stage, rec.Name))
			}
			continue

		default:
			terminal := resilience.IsPermanent(p.err)
			rec.MarkFailed(stage, p.err.Error(), terminal)
			res.Failed++
			if terminal {
				res.Terminal++
			}
			log.Warn("stage: record failed",
				zap.String("record_id", rec.ID),
				zap.String("name", rec.Name),
				zap.String("stage", string(stage)),
				zap.String("class", resilience.Classify(p.err)),
				zap.Bool("terminal", terminal),
				zap.Error(p.err),
			)
		}

		if p.slot >= 0 {
			(*out)[p.slot] = *rec
			continue
		}
		p.slot = len(*out)
		slots[rec.ID] = p.slot
		*out = append(*out, *rec)
	}
	return fatal
}

// Summary renders a result for terminal output.
func Summary(res *model.StageResult) string {
	if res == nil {
		return "no result"
	}
	return fmt.Sprintf("input=%d delta=%d processed=%d failed=%d terminal=%d rejected=%d unknown=%d",
		res.Input, res.Delta, res.Processed, res.Failed, res.Terminal, res.Rejected, res.Unknown)
}
