package model

import "time"

// RunStatus is the state of one orchestrator invocation.
type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

// Run is one orchestrator invocation recorded in the ledger.
type Run struct {
	ID         string     `json:"id"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StageRun is one stage execution within a run.
type StageRun struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	Stage      StageName    `json:"stage"`
	Status     RunStatus    `json:"status"`
	Result     *StageResult `json:"result,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// StageResult summarises what a stage execution did.
type StageResult struct {
	Input     int     `json:"input"`
	Delta     int     `json:"delta"`
	Processed int     `json:"processed"`
	Failed    int     `json:"failed"`
	Terminal  int     `json:"terminal"`
	Admitted  int     `json:"admitted,omitempty"`
	Rejected  int     `json:"rejected,omitempty"`
	Unknown   int     `json:"unknown,omitempty"`
	Merged    int     `json:"merged,omitempty"`
	Tokens    int     `json:"tokens,omitempty"`
	Cost      float64 `json:"cost,omitempty"`
	Duration  string  `json:"duration,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// QueryLog is a discovery query that has been fully consumed.
type QueryLog struct {
	Query       string    `json:"query"`
	Candidates  int       `json:"candidates"`
	CompletedAt time.Time `json:"completed_at"`
}
