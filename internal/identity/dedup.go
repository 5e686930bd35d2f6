package identity

import (
	"sort"

	"github.com/sells-group/prospect-cli/internal/model"
)

// Group is one set of records collapsed into a single survivor.
type Group struct {
	Winner string   `json:"winner"`
	Losers []string `json:"losers"`
}

// Report summarises a dedup pass.
type Report struct {
	Before     int     `json:"before"`
	After      int     `json:"after"`
	Cleaned    int     `json:"cleaned"`
	Normalized int     `json:"normalized"`
	Groups     []Group `json:"groups,omitempty"`
}

// Changed reports whether the pass rewrote anything.
func (r Report) Changed() bool {
	return r.Before != r.After || r.Cleaned > 0 || r.Normalized > 0
}

// Merged returns how many records were folded into survivors.
func (r Report) Merged() int {
	return r.Before - r.After
}

// Dedup runs the cleaning pass and merges every duplicate group into one
// survivor. records must be in insertion order; survivors take the position
// of the earliest member of their group. Duplicate chains are transitive.
func (r *Resolver) Dedup(records []model.Record) ([]model.Record, Report) {
	rep := Report{Before: len(records)}

	cleaned := make([]model.Record, len(records))
	for i := range records {
		rec := records[i].Clone()
		if name := cleanForStore(&rec); name != rec.Name {
			rec.Name = name
			rep.Cleaned++
		}
		if rec.HasURL() {
			if c := CleanURL(rec.URL); c != "" && c != rec.URL {
				rec.URL = c
				rep.Normalized++
			}
		}
		cleaned[i] = rec
	}

	uf := newUnionFind(len(cleaned))
	byURL := make(map[string]int)
	byName := make(map[string]int)
	for i := range cleaned {
		k := r.Of(&cleaned[i])
		if k.URL != "" {
			if j, ok := byURL[k.URL]; ok {
				uf.union(j, i)
			} else {
				byURL[k.URL] = i
			}
		}
		if k.Name != "" {
			if j, ok := byName[k.Name]; ok {
				uf.union(j, i)
			} else {
				byName[k.Name] = i
			}
		}
	}

	members := make(map[int][]int)
	var roots []int
	for i := range cleaned {
		root := uf.find(i)
		if _, ok := members[root]; !ok {
			roots = append(roots, root)
		}
		members[root] = append(members[root], i)
	}

	out := make([]model.Record, 0, len(roots))
	for _, root := range roots {
		idx := members[root]
		if len(idx) == 1 {
			out = append(out, cleaned[idx[0]])
			continue
		}

		ranked := append([]int(nil), idx...)
		sort.SliceStable(ranked, func(a, b int) bool {
			return preferred(&cleaned[ranked[a]], ranked[a], &cleaned[ranked[b]], ranked[b])
		})

		winner := cleaned[ranked[0]].Clone()
		g := Group{Winner: winner.ID}
		for _, li := range ranked[1:] {
			mergeInto(&winner, &cleaned[li])
			g.Losers = append(g.Losers, cleaned[li].ID)
		}
		rep.Groups = append(rep.Groups, g)
		out = append(out, winner)
	}

	rep.After = len(out)
	return out, rep
}

// preferred is the merge tie-break: a resolved URL first, then more populated
// stage payloads, then earlier insertion.
func preferred(a *model.Record, ai int, b *model.Record, bi int) bool {
	if a.HasURL() != b.HasURL() {
		return a.HasURL()
	}
	if pa, pb := a.PayloadCount(), b.PayloadCount(); pa != pb {
		return pa > pb
	}
	return ai < bi
}

// mergeInto folds loser into winner. Stage payloads and marks the winner
// lacks are taken from the loser; the winner's own entries always stand.
func mergeInto(winner, loser *model.Record) {
	for stage, p := range loser.StageData {
		if len(winner.StageData[stage]) > 0 {
			continue
		}
		winner.SetPayload(stage, p)
	}
	for stage, m := range loser.Status {
		if winner.Done(stage) {
			continue
		}
		if _, ok := winner.Status[stage]; ok && !m.Done {
			continue
		}
		if winner.Status == nil {
			winner.Status = make(map[model.StageName]model.StageMark)
		}
		winner.Status[stage] = m
	}
	for _, s := range loser.Sources {
		winner.AddSource(s)
	}
	winner.AddAlias(loser.ID)
	for _, a := range loser.Aliases {
		winner.AddAlias(a)
	}
	if winner.Description == "" {
		winner.Description = loser.Description
	}
	if !winner.HasURL() && loser.HasURL() {
		winner.SetURL(loser.URL)
	}
}

func cleanForStore(rec *model.Record) string {
	if name := CleanName(rec.Name); name != "" {
		return name
	}
	if rec.Name != "" {
		return rec.Name
	}
	if h := Host(rec.URL); h != "" {
		return h
	}
	return rec.ID
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union keeps the lower index as root so group order follows insertion order.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}
