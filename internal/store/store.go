// Package store is the run ledger: orchestrator runs, per-stage results and
// consumed discovery queries, kept in SQLite or Postgres.
package store

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/db"
	"github.com/sells-group/prospect-cli/internal/model"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Ledger records what the pipeline did. Snapshots stay the source of truth
// for records; the ledger only holds history.
type Ledger interface {
	// Runs
	StartRun(ctx context.Context) (*model.Run, error)
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Stages
	StartStage(ctx context.Context, runID string, stage model.StageName) (*model.StageRun, error)
	CompleteStage(ctx context.Context, stageRunID string, status model.RunStatus, result *model.StageResult) error
	ListStageRuns(ctx context.Context, runID string) ([]model.StageRun, error)

	// Discovery queries
	QueryDone(ctx context.Context, query string) (bool, error)
	MarkQueryDone(ctx context.Context, q model.QueryLog) error
	ListQueries(ctx context.Context) ([]model.QueryLog, error)
	ResetQueries(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Config selects and tunes the ledger backend.
type Config struct {
	Driver      string         `mapstructure:"driver"`
	DatabaseURL string         `mapstructure:"database_url"`
	Pool        *db.PoolConfig `mapstructure:"pool"`
}

// Open connects to the configured backend and migrates it. An empty SQLite
// URL puts the database next to the stage stores in outputDir.
func Open(ctx context.Context, cfg Config, outputDir string) (Ledger, error) {
	var (
		l   Ledger
		err error
	)
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSQLite:
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = filepath.Join(outputDir, "prospect.db")
		}
		l, err = NewSQLite(dsn)
	case DriverPostgres, "pgx":
		if cfg.DatabaseURL == "" {
			return nil, eris.New("store: postgres requires store.database_url")
		}
		l, err = NewPostgres(ctx, cfg.DatabaseURL, cfg.Pool)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := l.Migrate(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 50
	}
	return n
}
