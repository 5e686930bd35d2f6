package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/db"
	"github.com/sells-group/prospect-cli/internal/model"
)

// PostgresStore implements Ledger on a pgx pool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	now     func() time.Time
}

// NewPostgres connects a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close, now: time.Now}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	result      JSONB,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS discovery_queries (
	query        TEXT PRIMARY KEY,
	candidates   INTEGER NOT NULL DEFAULT 0,
	completed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run_id ON stage_runs(run_id);
`

// Migrate creates the ledger tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) clock() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now().UTC()
}

// StartRun records a new running orchestrator invocation.
func (s *PostgresStore) StartRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := s.clock()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES ($1, $2, $3)`,
		id, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}
	return &model.Run{ID: id, Status: model.RunStatusRunning, StartedAt: now}, nil
}

// FinishRun sets the final status of a run.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, finished_at = $3 WHERE id = $4`,
		string(status), errMsg, s.clock(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

// GetRun returns one run.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, status, error, started_at, finished_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &status, &r.Error, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	r.Status = model.RunStatus(status)
	return &r, nil
}

// ListRuns returns runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, error, started_at, finished_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var status string
		if err := rows.Scan(&r.ID, &status, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		r.Status = model.RunStatus(status)
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// StartStage records a stage execution within a run.
func (s *PostgresStore) StartStage(ctx context.Context, runID string, stage model.StageName) (*model.StageRun, error) {
	id := uuid.New().String()
	now := s.clock()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO stage_runs (id, run_id, stage, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		id, runID, string(stage), string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert stage run for run %s", runID)
	}
	return &model.StageRun{
		ID:        id,
		RunID:     runID,
		Stage:     stage,
		Status:    model.RunStatusRunning,
		StartedAt: now,
	}, nil
}

// CompleteStage stores the outcome of a stage execution.
func (s *PostgresStore) CompleteStage(ctx context.Context, stageRunID string, status model.RunStatus, result *model.StageResult) error {
	var resultJSON []byte
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal stage result")
		}
		resultJSON = data
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE stage_runs SET status = $1, result = $2, finished_at = $3 WHERE id = $4`,
		string(status), resultJSON, s.clock(), stageRunID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete stage %s", stageRunID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("stage run not found: %s", stageRunID)
	}
	return nil
}

// ListStageRuns returns a run's stage executions in start order.
func (s *PostgresStore) ListStageRuns(ctx context.Context, runID string) ([]model.StageRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, stage, status, result, started_at, finished_at
		 FROM stage_runs WHERE run_id = $1 ORDER BY started_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stage runs")
	}
	defer rows.Close()

	var out []model.StageRun
	for rows.Next() {
		var sr model.StageRun
		var stage, status string
		var result []byte
		if err := rows.Scan(&sr.ID, &sr.RunID, &stage, &status, &result, &sr.StartedAt, &sr.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan stage run")
		}
		sr.Stage = model.StageName(stage)
		sr.Status = model.RunStatus(status)
		if len(result) > 0 {
			sr.Result = &model.StageResult{}
			if err := json.Unmarshal(result, sr.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal stage result")
			}
		}
		out = append(out, sr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list stage runs iterate")
}

// QueryDone reports whether a discovery query has been consumed.
func (s *PostgresStore) QueryDone(ctx context.Context, query string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM discovery_queries WHERE query = $1)`, query,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrap(err, "postgres: query done")
	}
	return exists, nil
}

// MarkQueryDone records a consumed discovery query.
func (s *PostgresStore) MarkQueryDone(ctx context.Context, q model.QueryLog) error {
	at := q.CompletedAt
	if at.IsZero() {
		at = s.clock()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO discovery_queries (query, candidates, completed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (query) DO UPDATE SET candidates = EXCLUDED.candidates, completed_at = EXCLUDED.completed_at`,
		q.Query, q.Candidates, at.UTC(),
	)
	return eris.Wrap(err, "postgres: mark query done")
}

// ListQueries returns consumed queries in completion order.
func (s *PostgresStore) ListQueries(ctx context.Context) ([]model.QueryLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT query, candidates, completed_at FROM discovery_queries ORDER BY completed_at, query`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list queries")
	}
	defer rows.Close()

	var out []model.QueryLog
	for rows.Next() {
		var q model.QueryLog
		if err := rows.Scan(&q.Query, &q.Candidates, &q.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan query")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list queries iterate")
}

// ResetQueries forgets every consumed query so discovery runs them again.
func (s *PostgresStore) ResetQueries(ctx context.Context) (int, error) {
	var n int64
	err := db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM discovery_queries`)
		if err != nil {
			return eris.Wrap(err, "postgres: reset queries")
		}
		n = tag.RowsAffected()
		return nil
	})
	return int(n), err
}
