package pipeline

import (
	"os"
	"time"

	"github.com/sells-group/prospect-cli/internal/model"
)

// StageStatus is the progress of one stage, read from the snapshots.
type StageStatus struct {
	Stage     model.StageName `json:"stage"`
	Store     model.StageName `json:"store"`
	Exists    bool            `json:"exists"`
	Records   int             `json:"records"`
	Done      int             `json:"done"`
	Failed    int             `json:"failed"`
	Retrying  int             `json:"retrying"`
	Rejected  int             `json:"rejected"`
	Unknown   int             `json:"unknown"`
	Pending   int             `json:"pending"`
	UpdatedAt *time.Time      `json:"updated_at,omitempty"`
}

// Status projects per-stage progress from the latest snapshots. It never
// writes.
func Status(stores *Stores) ([]StageStatus, error) {
	loaded := make(map[model.StageName][]model.Record)
	load := func(name model.StageName) ([]model.Record, error) {
		name = StoreOf(name)
		if recs, ok := loaded[name]; ok {
			return recs, nil
		}
		recs, err := stores.For(name).Load()
		if err != nil {
			return nil, err
		}
		loaded[name] = recs
		return recs, nil
	}

	stages := model.Stages()
	out := make([]StageStatus, 0, len(stages))
	for i, name := range stages {
		st := stores.For(name)
		s := StageStatus{Stage: name, Store: StoreOf(name), Exists: st.Exists()}
		if info, err := os.Stat(st.Path()); err == nil {
			t := info.ModTime().UTC()
			s.UpdatedAt = &t
		}

		records, err := load(name)
		if err != nil {
			return nil, err
		}
		s.Records = len(records)
		settled := make(map[string]bool, len(records))
		for j := range records {
			rec := &records[j]
			m, ok := rec.Status[name]
			switch {
			case m.Done:
				s.Done++
			case m.Failed:
				s.Failed++
			case ok && m.Error != "":
				s.Retrying++
			}
			if rec.Settled(name) {
				settled[rec.ID] = true
				for _, a := range rec.Aliases {
					settled[a] = true
				}
			}
			if rec.Rejection != nil && rec.Rejection.Stage == name {
				if rec.Rejection.Reason == model.ReasonInsufficientData {
					s.Unknown++
				} else {
					s.Rejected++
				}
			}
		}

		if i > 0 {
			pred := stages[i-1]
			input, err := load(pred)
			if err != nil {
				return nil, err
			}
			for j := range input {
				rec := &input[j]
				if rec.Done(pred) && !rec.Rejected() && !settled[rec.ID] {
					s.Pending++
				}
			}
		}
		out = append(out, s)
	}
	return out, nil
}
