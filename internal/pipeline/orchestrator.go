package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/cost"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/store"
)

// Report is the outcome of one orchestrator invocation.
type Report struct {
	RunID   string                                 `json:"run_id,omitempty"`
	Stages  []model.StageName                      `json:"stages"`
	Results map[model.StageName]*model.StageResult `json:"results"`
}

// Orchestrator sequences stages, enforcing preconditions and halting on
// the first stage that cannot complete.
type Orchestrator struct {
	stages  []Stage
	env     *Env
	ledger  store.Ledger
	tracker *cost.Tracker
}

// NewOrchestrator creates an Orchestrator over stages in execution order.
// ledger and tracker may be nil.
func NewOrchestrator(env *Env, ledger store.Ledger, tracker *cost.Tracker, stages ...Stage) *Orchestrator {
	return &Orchestrator{stages: stages, env: env, ledger: ledger, tracker: tracker}
}

// Stages returns the stage names in execution order.
func (o *Orchestrator) Stages() []model.StageName {
	out := make([]model.StageName, len(o.stages))
	for i, s := range o.stages {
		out[i] = s.Name()
	}
	return out
}

// Run executes the sequence starting at from ("" runs everything).
func (o *Orchestrator) Run(ctx context.Context, from model.StageName) (*Report, error) {
	start := 0
	if from != "" {
		start = -1
		for i, s := range o.stages {
			if s.Name() == from {
				start = i
				break
			}
		}
		if start < 0 {
			return nil, eris.Errorf("pipeline: unknown stage %q", from)
		}
	}
	return o.execute(ctx, o.stages[start:])
}

// RunStage executes a single stage.
func (o *Orchestrator) RunStage(ctx context.Context, name model.StageName) (*model.StageResult, error) {
	for _, s := range o.stages {
		if s.Name() == name {
			rep, err := o.execute(ctx, []Stage{s})
			if rep == nil {
				return nil, err
			}
			return rep.Results[name], err
		}
	}
	return nil, eris.Errorf("pipeline: unknown stage %q", name)
}

func (o *Orchestrator) execute(ctx context.Context, stages []Stage) (*Report, error) {
	rep := &Report{Results: make(map[model.StageName]*model.StageResult, len(stages))}
	runID := o.startRun(ctx)
	rep.RunID = runID

	for _, s := range stages {
		name := s.Name()
		rep.Stages = append(rep.Stages, name)

		if err := o.env.checkPrecondition(s); err != nil {
			serr := o.stageError(s, err)
			o.finishRun(ctx, runID, model.RunStatusFailed, serr)
			return rep, serr
		}

		stageRunID := o.startStage(ctx, runID, name)
		o.tracker.Take()
		started := time.Now()

		zap.L().Info("pipeline: stage starting", zap.String("stage", string(name)), zap.String("run_id", runID))
		res, err := s.Run(ctx, o.env)
		if res == nil {
			res = &model.StageResult{}
		}
		usage := o.tracker.Take()
		res.Tokens += usage.Tokens
		res.Cost += usage.Cost
		if res.Duration == "" {
			res.Duration = time.Since(started).Round(time.Millisecond).String()
		}
		rep.Results[name] = res
		logResult(name, res)

		if err != nil {
			status := model.RunStatusFailed
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				status = model.RunStatusInterrupted
			}
			res.Error = err.Error()
			o.completeStage(ctx, stageRunID, status, res)
			serr := o.stageError(s, err)
			o.finishRun(ctx, runID, status, serr)
			return rep, serr
		}
		o.completeStage(ctx, stageRunID, model.RunStatusComplete, res)
	}

	o.finishRun(ctx, runID, model.RunStatusComplete, nil)
	return rep, nil
}

func (o *Orchestrator) stageError(s Stage, err error) *StageError {
	return &StageError{Stage: s.Name(), Store: o.env.Stores.For(s.Name()).Path(), Err: err}
}

// The ledger is history only: write failures are logged, never fatal.

func (o *Orchestrator) startRun(ctx context.Context) string {
	if o.ledger == nil {
		return ""
	}
	run, err := o.ledger.StartRun(context.WithoutCancel(ctx))
	if err != nil {
		zap.L().Warn("pipeline: ledger start run failed", zap.Error(err))
		return ""
	}
	return run.ID
}

func (o *Orchestrator) finishRun(ctx context.Context, runID string, status model.RunStatus, cause error) {
	if o.ledger == nil || runID == "" {
		return
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := o.ledger.FinishRun(context.WithoutCancel(ctx), runID, status, msg); err != nil {
		zap.L().Warn("pipeline: ledger finish run failed", zap.String("run_id", runID), zap.Error(err))
	}
}

func (o *Orchestrator) startStage(ctx context.Context, runID string, name model.StageName) string {
	if o.ledger == nil || runID == "" {
		return ""
	}
	sr, err := o.ledger.StartStage(context.WithoutCancel(ctx), runID, name)
	if err != nil {
		zap.L().Warn("pipeline: ledger start stage failed", zap.String("stage", string(name)), zap.Error(err))
		return ""
	}
	return sr.ID
}

func (o *Orchestrator) completeStage(ctx context.Context, stageRunID string, status model.RunStatus, res *model.StageResult) {
	if o.ledger == nil || stageRunID == "" {
		return
	}
	if err := o.ledger.CompleteStage(context.WithoutCancel(ctx), stageRunID, status, res); err != nil {
		zap.L().Warn("pipeline: ledger complete stage failed", zap.String("stage_run_id", stageRunID), zap.Error(err))
	}
}
