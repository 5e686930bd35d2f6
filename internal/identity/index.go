package identity

import "github.com/sells-group/prospect-cli/internal/model"

// Index finds records by canonical URL or canonical name. It is used for
// merge-by-identity when new candidates arrive.
type Index struct {
	res    *Resolver
	byURL  map[string]int
	byName map[string]int
}

// NewIndex indexes records by position.
func (r *Resolver) NewIndex(records []model.Record) *Index {
	idx := &Index{
		res:    r,
		byURL:  make(map[string]int, len(records)),
		byName: make(map[string]int, len(records)),
	}
	for i := range records {
		idx.Add(i, &records[i])
	}
	return idx
}

// Add indexes the record at position i. Existing entries win.
func (x *Index) Add(i int, rec *model.Record) {
	k := x.res.Of(rec)
	if k.URL != "" {
		if _, ok := x.byURL[k.URL]; !ok {
			x.byURL[k.URL] = i
		}
	}
	if k.Name != "" {
		if _, ok := x.byName[k.Name]; !ok {
			x.byName[k.Name] = i
		}
	}
}

// Find returns the position of a record that is a duplicate of rec.
func (x *Index) Find(rec *model.Record) (int, bool) {
	k := x.res.Of(rec)
	if k.URL != "" {
		if i, ok := x.byURL[k.URL]; ok {
			return i, true
		}
	}
	if k.Name != "" {
		if i, ok := x.byName[k.Name]; ok {
			return i, true
		}
	}
	return 0, false
}
