package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospect-cli/internal/model"
)

// SQLiteStore implements Ledger using modernc.org/sqlite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, eris.Wrap(err, "sqlite: create dir")
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS stage_runs (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	stage       TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	result      TEXT,
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS discovery_queries (
	query        TEXT PRIMARY KEY,
	candidates   INTEGER NOT NULL DEFAULT 0,
	completed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_stage_runs_run_id ON stage_runs(run_id);
`

// Migrate creates the ledger tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// StartRun records a new running orchestrator invocation.
func (s *SQLiteStore) StartRun(ctx context.Context) (*model.Run, error) {
	id := uuid.New().String()
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, started_at) VALUES (?, ?, ?)`,
		id, string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}
	return &model.Run{ID: id, Status: model.RunStatusRunning, StartedAt: now}, nil
}

// FinishRun sets the final status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, s.now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// GetRun returns one run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, error, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return r, nil
}

// ListRuns returns runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// StartStage records a stage execution within a run.
func (s *SQLiteStore) StartStage(ctx context.Context, runID string, stage model.StageName) (*model.StageRun, error) {
	id := uuid.New().String()
	now := s.now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_runs (id, run_id, stage, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, runID, string(stage), string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert stage run for run %s", runID)
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
func (s *SQLiteStore) CompleteStage(ctx context.Context, stageRunID string, status model.RunStatus, result *model.StageResult) error {
	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal stage result")
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE stage_runs SET status = ?, result = ?, finished_at = ? WHERE id = ?`,
		string(status), resultJSON, s.now().UTC(), stageRunID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete stage %s", stageRunID)
	}
	return checkRowsAffected(res, "stage run", stageRunID)
}

// ListStageRuns returns a run's stage executions in start order.
func (s *SQLiteStore) ListStageRuns(ctx context.Context, runID string) ([]model.StageRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, stage, status, result, started_at, finished_at
		 FROM stage_runs WHERE run_id = ? ORDER BY started_at, rowid`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stage runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.StageRun
	for rows.Next() {
		var sr model.StageRun
		var result sql.NullString
		var finished sql.NullTime
		if err := rows.Scan(&sr.ID, &sr.RunID, &sr.Stage, &sr.Status, &result, &sr.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan stage run")
		}
		if result.Valid {
			sr.Result = &model.StageResult{}
			if err := json.Unmarshal([]byte(result.String), sr.Result); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal stage result")
			}
		}
		if finished.Valid {
			t := finished.Time
			sr.FinishedAt = &t
		}
		out = append(out, sr)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list stage runs iterate")
}

// QueryDone reports whether a discovery query has been consumed.
func (s *SQLiteStore) QueryDone(ctx context.Context, query string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM discovery_queries WHERE query = ?`, query,
	).Scan(&n)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: query done")
	}
	return n > 0, nil
}

// MarkQueryDone records a consumed discovery query.
func (s *SQLiteStore) MarkQueryDone(ctx context.Context, q model.QueryLog) error {
	at := q.CompletedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO discovery_queries (query, candidates, completed_at) VALUES (?, ?, ?)
		 ON CONFLICT (query) DO UPDATE SET candidates = excluded.candidates, completed_at = excluded.completed_at`,
		q.Query, q.Candidates, at.UTC(),
	)
	return eris.Wrap(err, "sqlite: mark query done")
}

// ListQueries returns consumed queries in completion order.
func (s *SQLiteStore) ListQueries(ctx context.Context) ([]model.QueryLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query, candidates, completed_at FROM discovery_queries ORDER BY completed_at, query`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list queries")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.QueryLog
	for rows.Next() {
		var q model.QueryLog
		if err := rows.Scan(&q.Query, &q.Candidates, &q.CompletedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan query")
		}
		out = append(out, q)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list queries iterate")
}

// ResetQueries forgets every consumed query so discovery runs them again.
func (s *SQLiteStore) ResetQueries(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM discovery_queries`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: reset queries")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var finished sql.NullTime
	if err := row.Scan(&r.ID, &r.Status, &r.Error, &r.StartedAt, &finished); err != nil {
		return nil, err
	}
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}
