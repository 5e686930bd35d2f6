package pipeline

import (
	"slices"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
)

// DefaultIncompleteThreshold is how many key fields may be missing before a
// record counts as incomplete.
const DefaultIncompleteThreshold = 3

// KeyFields are the extracted fields that decide whether a record is complete.
func KeyFields() []string {
	return []string{
		provider.FieldFounders,
		provider.FieldFunding,
		provider.FieldHeadquarters,
		provider.FieldLocationCity,
		provider.FieldIndustry,
	}
}

// ResetOptions selects which records a reset clears.
type ResetOptions struct {
	// Failed clears terminal failures instead of incomplete records.
	Failed bool
	// Threshold is the number of missing key fields that makes a record
	// incomplete. Default: DefaultIncompleteThreshold.
	Threshold int
}

// ResetResult describes a reset.
type ResetResult struct {
	Stage   model.StageName `json:"stage"`
	Cleared []string        `json:"cleared,omitempty"`
	Backups []string        `json:"backups,omitempty"`
}

// Incomplete reports whether rec's extract payload misses at least
// threshold key fields. Records extract has not completed are never
// incomplete.
func Incomplete(rec *model.Record, threshold int) bool {
	if !rec.Done(model.StageExtract) {
		return false
	}
	if threshold <= 0 {
		threshold = DefaultIncompleteThreshold
	}
	p := rec.Payload(model.StageExtract)
	missing := 0
	for _, f := range KeyFields() {
		if v, ok := p[f]; !ok || model.FormatValue(v) == "" {
			missing++
		}
	}
	return missing >= threshold
}

// Reset clears stage marks so the next run processes records again.
//
// By default it selects the records whose extract payload is incomplete and
// clears their marks for name and every later stage, in each store those
// stages write, so the records flow through the rest of the pipeline again.
// With opts.Failed it clears the terminal failures of name only. Every
// rewritten store is backed up first.
func Reset(stores *Stores, name model.StageName, opts ResetOptions) (*ResetResult, error) {
	if name == model.StageDiscover {
		return nil, eris.New("pipeline: discover is reset through its query ledger")
	}
	res := &ResetResult{Stage: name}

	if opts.Failed {
		cleared, backup, err := resetStore(stores, StoreOf(name), []model.StageName{name}, func(rec *model.Record) bool {
			return rec.Failed(name)
		})
		if err != nil {
			return res, eris.Wrapf(err, "pipeline: reset %s", name)
		}
		res.Cleared = cleared
		if backup != "" {
			res.Backups = append(res.Backups, backup)
		}
		logReset(res, opts)
		return res, nil
	}

	ids, err := incompleteIDs(stores, opts.Threshold)
	if err != nil {
		return res, eris.Wrapf(err, "pipeline: reset %s", name)
	}
	if len(ids) == 0 {
		return res, nil
	}

	// Group the stages to clear by the store they write, keeping pipeline order.
	var order []model.StageName
	byStore := make(map[model.StageName][]model.StageName)
	for _, s := range downstream(name) {
		st := StoreOf(s)
		if _, ok := byStore[st]; !ok {
			order = append(order, st)
		}
		byStore[st] = append(byStore[st], s)
	}

	seen := make(map[string]bool)
	for _, st := range order {
		if !stores.For(st).Exists() {
			continue
		}
		cleared, backup, err := resetStore(stores, st, byStore[st], func(rec *model.Record) bool {
			return ids[rec.ID]
		})
		if err != nil {
			return res, eris.Wrapf(err, "pipeline: reset %s", name)
		}
		for _, id := range cleared {
			if !seen[id] {
				seen[id] = true
				res.Cleared = append(res.Cleared, id)
			}
		}
		if backup != "" {
			res.Backups = append(res.Backups, backup)
		}
	}
	slices.Sort(res.Cleared)
	logReset(res, opts)
	return res, nil
}

// incompleteIDs returns the ids of records in the extract store whose
// extracted profile is incomplete. Without an extract store nothing is
// known to be incomplete.
func incompleteIDs(stores *Stores, threshold int) (map[string]bool, error) {
	st := stores.For(model.StageExtract)
	if !st.Exists() {
		return nil, nil
	}
	records, err := st.Load()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for i := range records {
		if Incomplete(&records[i], threshold) {
			ids[records[i].ID] = true
		}
	}
	return ids, nil
}

// downstream returns name and every stage after it.
func downstream(name model.StageName) []model.StageName {
	stages := model.Stages()
	i := slices.Index(stages, name)
	if i < 0 {
		return nil
	}
	return stages[i:]
}

// resetStore clears the marks of stages on every record of store st that
// match, along with rejections those stages recorded. The store is only
// rewritten when something changed.
func resetStore(stores *Stores, st model.StageName, stages []model.StageName, match func(*model.Record) bool) ([]string, string, error) {
	s := stores.For(st)
	records, err := s.Load()
	if err != nil {
		return nil, "", err
	}

	var cleared []string
	for i := range records {
		rec := &records[i]
		if !match(rec) {
			continue
		}
		changed := false
		for _, stage := range stages {
			if _, ok := rec.Status[stage]; ok {
				rec.ClearMark(stage)
				changed = true
			}
			if rec.Rejection != nil && rec.Rejection.Stage == stage {
				rec.Rejection = nil
				changed = true
			}
		}
		if changed {
			cleared = append(cleared, rec.ID)
		}
	}
	if len(cleared) == 0 {
		return nil, "", nil
	}

	backup, err := s.Rewrite(records)
	if err != nil {
		return nil, "", err
	}
	return cleared, backup, nil
}

func logReset(res *ResetResult, opts ResetOptions) {
	if len(res.Cleared) == 0 {
		return
	}
	zap.L().Info("pipeline: stage reset",
		zap.String("stage", string(res.Stage)),
		zap.Bool("failed", opts.Failed),
		zap.Int("cleared", len(res.Cleared)),
		zap.Strings("backups", res.Backups),
	)
}
