package snapshot

import (
	"encoding/csv"
	"io"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
)

// maxCellChars caps long payload values (page text) in the projection.
const maxCellChars = 1000

var baseColumns = []string{
	"id", "name", "url", "description", "sources",
	"done", "failed", "rejection_stage", "rejection_reason", "rejection_detail",
}

// WriteCSV flattens records into one row per record: identity columns, stage
// status, rejection, then one "stage.key" column per payload field.
func WriteCSV(w io.Writer, records []model.Record) error {
	payloadCols := payloadColumns(records)

	cw := csv.NewWriter(w)
	header := append(append([]string(nil), baseColumns...), payloadCols...)
	if err := cw.Write(header); err != nil {
		return eris.Wrap(err, "snapshot: write csv header")
	}

	for i := range records {
		r := &records[i]
		row := []string{
			r.ID,
			r.Name,
			r.URL,
			r.Description,
			strconv.Itoa(len(r.Sources)),
			strings.Join(stagesWhere(r, func(m model.StageMark) bool { return m.Done }), ";"),
			strings.Join(stagesWhere(r, func(m model.StageMark) bool { return m.Failed }), ";"),
		}
		if r.Rejection != nil {
			row = append(row, string(r.Rejection.Stage), r.Rejection.Reason, r.Rejection.Detail)
		} else {
			row = append(row, "", "", "")
		}
		for _, col := range payloadCols {
			stage, key, _ := strings.Cut(col, ".")
			row = append(row, truncate(model.FormatValue(r.StageData[model.StageName(stage)][key])))
		}
		if err := cw.Write(row); err != nil {
			return eris.Wrap(err, "snapshot: write csv row")
		}
	}

	cw.Flush()
	return eris.Wrap(cw.Error(), "snapshot: flush csv")
}

func payloadColumns(records []model.Record) []string {
	seen := make(map[model.StageName]map[string]bool)
	for i := range records {
		for stage, p := range records[i].StageData {
			if seen[stage] == nil {
				seen[stage] = make(map[string]bool)
			}
			for k := range p {
				seen[stage][k] = true
			}
		}
	}

	var cols []string
	for _, stage := range model.Stages() {
		keys := make([]string, 0, len(seen[stage]))
		for k := range seen[stage] {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			cols = append(cols, string(stage)+"."+k)
		}
	}
	return cols
}

func stagesWhere(r *model.Record, pred func(model.StageMark) bool) []string {
	var out []string
	for _, stage := range model.Stages() {
		if m, ok := r.Status[stage]; ok && pred(m) {
			out = append(out, string(stage))
		}
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxCellChars {
		return s
	}
	cut := maxCellChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
