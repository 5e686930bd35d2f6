package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// URLNeeded is the sentinel primary URL of a record whose website is not known yet.
const URLNeeded = "URL_NEEDED"

// StageName identifies a pipeline stage and the store it owns.
type StageName string

const (
	StageDiscover    StageName = "discover"
	StageDedup       StageName = "dedup"
	StageGapFill     StageName = "gapfill"
	StageEnrich      StageName = "enrich"
	StageExtract     StageName = "extract"
	StageFinalFilter StageName = "final-filter"
)

// Stages returns every stage in execution order.
func Stages() []StageName {
	return []StageName{
		StageDiscover,
		StageDedup,
		StageGapFill,
		StageEnrich,
		StageExtract,
		StageFinalFilter,
	}
}

// ParseStage converts a CLI argument into a StageName.
func ParseStage(s string) (StageName, error) {
	for _, st := range Stages() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", eris.Errorf("unknown stage %q", s)
}

// StagesFrom returns from and every stage after it. An empty from selects
// every stage.
func StagesFrom(from StageName) ([]StageName, error) {
	stages := Stages()
	if from == "" {
		return stages, nil
	}
	for i, st := range stages {
		if st == from {
			return stages[i:], nil
		}
	}
	return nil, eris.Errorf("unknown stage %q", from)
}

// Rejection reasons recorded by filter gates.
const (
	ReasonNonTargetRegion  = "non-target-region"
	ReasonInsufficientData = "insufficient-data"
)

// Payload is the structured contribution of one stage to a record.
type Payload map[string]any

// StageMark is the per-stage status of a record. A record is complete for a
// stage when Done is set; Failed marks a terminal failure that is not retried.
type StageMark struct {
	Done        bool       `json:"done,omitempty"`
	Failed      bool       `json:"failed,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Rejection records why a filter gate excluded a record.
type Rejection struct {
	Stage  StageName `json:"stage"`
	Reason string    `json:"reason"`
	Detail string    `json:"detail,omitempty"`
}

// Record is one discovered entity at whatever stage of enrichment it has reached.
type Record struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	URL         string                  `json:"url"`
	Description string                  `json:"description,omitempty"`
	Sources     []string                `json:"sources,omitempty"`
	Aliases     []string                `json:"aliases,omitempty"`
	StageData   map[StageName]Payload   `json:"stage_data,omitempty"`
	Status      map[StageName]StageMark `json:"status,omitempty"`
	Rejection   *Rejection              `json:"rejection,omitempty"`
}

// HasURL reports whether the primary URL has been resolved.
func (r *Record) HasURL() bool {
	return r.URL != "" && r.URL != URLNeeded
}

// SetURL updates the primary URL. An empty value or the sentinel never
// replaces a resolved URL. It reports whether the URL changed.
func (r *Record) SetURL(u string) bool {
	if u == "" || u == URLNeeded {
		if r.HasURL() || r.URL == URLNeeded {
			return false
		}
		r.URL = URLNeeded
		return true
	}
	if r.URL == u {
		return false
	}
	r.URL = u
	return true
}

// Done reports whether the record completed the stage.
func (r *Record) Done(stage StageName) bool {
	return r.Status[stage].Done
}

// Failed reports whether the record failed the stage terminally.
func (r *Record) Failed(stage StageName) bool {
	return r.Status[stage].Failed
}

// Settled reports whether the stage has nothing left to do for the record.
func (r *Record) Settled(stage StageName) bool {
	m := r.Status[stage]
	return m.Done || m.Failed
}

// MarkDone sets the completion flag for the stage.
func (r *Record) MarkDone(stage StageName, at time.Time) {
	if r.Status == nil {
		r.Status = make(map[StageName]StageMark)
	}
	m := r.Status[stage]
	m.Done = true
	m.Failed = false
	m.Error = ""
	m.Attempts++
	t := at.UTC()
	m.CompletedAt = &t
	r.Status[stage] = m
}

// MarkFailed records a failed attempt. Terminal failures settle the stage;
// transient ones leave it pending for the next run.
func (r *Record) MarkFailed(stage StageName, cause string, terminal bool) {
	if r.Status == nil {
		r.Status = make(map[StageName]StageMark)
	}
	m := r.Status[stage]
	m.Done = false
	m.Failed = terminal
	m.Error = cause
	m.Attempts++
	r.Status[stage] = m
}

// ClearMark drops the stage status so the record becomes pending again.
func (r *Record) ClearMark(stage StageName) {
	delete(r.Status, stage)
}

// Payload returns the stage's payload, or nil.
func (r *Record) Payload(stage StageName) Payload {
	return r.StageData[stage]
}

// SetPayload merges p into the stage's own payload. Other stages' payloads
// are never touched.
func (r *Record) SetPayload(stage StageName, p Payload) {
	if r.StageData == nil {
		r.StageData = make(map[StageName]Payload)
	}
	cur := r.StageData[stage]
	if cur == nil {
		cur = make(Payload, len(p))
	}
	for k, v := range p {
		cur[k] = v
	}
	r.StageData[stage] = cur
}

// PayloadCount returns how many stage payloads are populated.
func (r *Record) PayloadCount() int {
	n := 0
	for _, p := range r.StageData {
		if len(p) > 0 {
			n++
		}
	}
	return n
}

// Field looks up an attribute across stage payloads, latest stage first.
func (r *Record) Field(name string) string {
	stages := Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		v, ok := r.StageData[stages[i]][name]
		if !ok || v == nil {
			continue
		}
		s := FormatValue(v)
		if s != "" {
			return s
		}
	}
	return ""
}

// Rejected reports whether a gate excluded the record.
func (r *Record) Rejected() bool {
	return r.Rejection != nil
}

// Reject excludes the record from forward propagation.
func (r *Record) Reject(stage StageName, reason, detail string) {
	r.Rejection = &Rejection{Stage: stage, Reason: reason, Detail: detail}
}

// AddSource records the discovery query that produced the record. It
// reports false when the query was already recorded.
func (r *Record) AddSource(query string) bool {
	for _, s := range r.Sources {
		if s == query {
			return false
		}
	}
	r.Sources = append(r.Sources, query)
	sort.Strings(r.Sources)
	return true
}

// AddAlias records the id of a record merged into this one.
func (r *Record) AddAlias(id string) {
	if id == "" || id == r.ID {
		return
	}
	for _, a := range r.Aliases {
		if a == id {
			return
		}
	}
	r.Aliases = append(r.Aliases, id)
	sort.Strings(r.Aliases)
}

// Clone returns a copy whose maps and slices can be mutated independently.
func (r *Record) Clone() Record {
	out := *r
	if r.Sources != nil {
		out.Sources = append([]string(nil), r.Sources...)
	}
	if r.Aliases != nil {
		out.Aliases = append([]string(nil), r.Aliases...)
	}
	if r.StageData != nil {
		out.StageData = make(map[StageName]Payload, len(r.StageData))
		for k, p := range r.StageData {
			cp := make(Payload, len(p))
			for pk, pv := range p {
				cp[pk] = pv
			}
			out.StageData[k] = cp
		}
	}
	if r.Status != nil {
		out.Status = make(map[StageName]StageMark, len(r.Status))
		for k, m := range r.Status {
			out.Status[k] = m
		}
	}
	if r.Rejection != nil {
		rej := *r.Rejection
		out.Rejection = &rej
	}
	return out
}

// FormatValue renders a payload value as display text.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		if len(t) == 0 {
			return ""
		}
		parts := make([]string, 0, len(t))
		for _, e := range t {
			if s := FormatValue(e); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(t)
	}
}
