package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/identity"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// QueryLedger remembers which discovery queries have been consumed.
type QueryLedger interface {
	QueryDone(ctx context.Context, query string) (bool, error)
	MarkQueryDone(ctx context.Context, q model.QueryLog) error
}

// Discover runs the configured queries through the discovery collaborator
// and merges the candidates into the discover store by identity.
type Discover struct {
	searcher provider.Searcher
	queries  []string
	exclude  []string
	ledger   QueryLedger
}

// NewDiscover creates the discover stage. A nil ledger keeps the consumed
// queries in memory for the life of the process.
func NewDiscover(searcher provider.Searcher, queries, excludeDomains []string, ledger QueryLedger) *Discover {
	if ledger == nil {
		ledger = &memoryQueries{done: make(map[string]bool)}
	}
	return &Discover{searcher: searcher, queries: queries, exclude: excludeDomains, ledger: ledger}
}

// Name implements Stage.
func (d *Discover) Name() model.StageName { return model.StageDiscover }

// Requires implements Stage.
func (d *Discover) Requires() model.StageName { return "" }

// Run implements Stage. Queries are the unit of work: a checkpoint is
// written every batch of queries and only then are they marked consumed.
func (d *Discover) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	start := time.Now()
	st := env.Stores.For(model.StageDiscover)
	log := zap.L().With(zap.String("stage", string(model.StageDiscover)))

	records, err := st.Load()
	if err != nil {
		return nil, resilience.NewFatalError(eris.Wrap(err, "discover: load store"))
	}
	m := newMerger(env.Resolver, d.exclude, records)

	res := &model.StageResult{Input: len(d.queries)}
	var pending []string
	for _, q := range d.queries {
		done, err := d.ledger.QueryDone(ctx, q)
		if err != nil {
			return res, resilience.NewFatalError(eris.Wrap(err, "discover: read query ledger"))
		}
		if !done {
			pending = append(pending, q)
		}
	}
	res.Delta = len(pending)
	if limit := env.Runner.Limit; limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}
	log.Info("discover: queries pending", zap.Int("total", len(d.queries)), zap.Int("pending", res.Delta), zap.Int("queued", len(pending)))

	batchSize := env.Runner.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	var consumed []model.QueryLog
	checkpoint := func() error {
		if !m.changed && len(consumed) == 0 && st.Exists() {
			return nil
		}
		if err := st.Save(m.records); err != nil {
			return resilience.NewFatalError(eris.Wrap(err, "discover: checkpoint"))
		}
		m.changed = false
		for _, q := range consumed {
			if err := d.ledger.MarkQueryDone(context.WithoutCancel(ctx), q); err != nil {
				return resilience.NewFatalError(eris.Wrap(err, "discover: write query ledger"))
			}
		}
		consumed = consumed[:0]
		return nil
	}

	var halt error
	for i, q := range pending {
		if ctx.Err() != nil {
			break
		}
		cands, err := d.searcher.Search(ctx, q)
		switch {
		case err == nil:
			added, merged := m.add(q, cands, env.now())
			res.Processed++
			res.Admitted += added
			res.Merged += merged
			consumed = append(consumed, model.QueryLog{Query: q, Candidates: len(cands), CompletedAt: env.now().UTC()})
			log.Debug("discover: query consumed", zap.String("query", q), zap.Int("candidates", len(cands)), zap.Int("new", added), zap.Int("merged", merged))
		case ctx.Err() != nil:
		case resilience.IsFatal(err) || errors.Is(err, resilience.ErrCircuitOpen):
			halt = resilience.NewFatalError(eris.Wrapf(err, "discover: aborted at query %q", q))
		default:
			res.Failed++
			log.Warn("discover: query failed", zap.String("query", q), zap.String("class", resilience.Classify(err)), zap.Error(err))
		}

		if halt != nil || (i+1)%batchSize == 0 {
			if err := checkpoint(); err != nil {
				return res, err
			}
		}
		if halt != nil {
			res.Duration = time.Since(start).Round(time.Millisecond).String()
			return res, halt
		}
	}

	if err := checkpoint(); err != nil {
		return res, err
	}
	res.Duration = time.Since(start).Round(time.Millisecond).String()
	if err := ctx.Err(); err != nil {
		log.Warn("discover: interrupted, progress saved", zap.Int("queries", res.Processed))
		return res, err
	}
	log.Info("discover: complete",
		zap.Int("queries", res.Processed),
		zap.Int("failed", res.Failed),
		zap.Int("new", res.Admitted),
		zap.Int("merged", res.Merged),
		zap.Int("records", len(m.records)),
	)
	return res, nil
}

// merger folds discovery candidates into the store by identity.
type merger struct {
	resolver *identity.Resolver
	exclude  []string
	records  []model.Record
	index    *identity.Index
	ids      map[string]int
	changed  bool
}

func newMerger(resolver *identity.Resolver, exclude []string, records []model.Record) *merger {
	m := &merger{
		resolver: resolver,
		exclude:  exclude,
		records:  records,
		index:    resolver.NewIndex(records),
		ids:      make(map[string]int, len(records)),
	}
	for i := range records {
		m.ids[records[i].ID] = i
		for _, a := range records[i].Aliases {
			if _, ok := m.ids[a]; !ok {
				m.ids[a] = i
			}
		}
	}
	return m
}

// candidate runs the cleaning pass over a raw candidate. It returns false
// for names that are template filler.
func (m *merger) candidate(c provider.Candidate) (model.Record, bool) {
	name := identity.CleanName(c.Name)
	if name == "" || identity.IsPlaceholder(name) {
		return model.Record{}, false
	}
	u := identity.NormalizeURL(c.URL)
	if u != model.URLNeeded && identity.ExcludedDomain(u, m.exclude) {
		u = model.URLNeeded
	}
	return model.Record{Name: name, URL: u, Description: strings.TrimSpace(c.Description)}, true
}

// add merges the candidates of one query and returns how many records were
// created and how many candidates joined an existing record.
func (m *merger) add(query string, cands []provider.Candidate, now time.Time) (added, merged int) {
	for _, c := range cands {
		rec, ok := m.candidate(c)
		if !ok {
			continue
		}

		i, found := m.index.Find(&rec)
		if !found {
			rec.ID = identity.NewID(m.resolver.Of(&rec))
			i, found = m.ids[rec.ID]
		}
		if found {
			if m.update(i, &rec, query) {
				merged++
			}
			continue
		}

		rec.AddSource(query)
		rec.SetPayload(model.StageDiscover, model.Payload{"found_count": 1})
		rec.MarkDone(model.StageDiscover, now)
		m.records = append(m.records, rec)
		i = len(m.records) - 1
		m.index.Add(i, &m.records[i])
		m.ids[rec.ID] = i
		m.changed = true
		added++
	}
	return added, merged
}

// update merges a candidate into the record at i: the query joins its
// sources, a sentinel URL is upgraded and an empty description filled.
func (m *merger) update(i int, cand *model.Record, query string) bool {
	rec := &m.records[i]
	changed := false
	if rec.AddSource(query) {
		rec.SetPayload(model.StageDiscover, model.Payload{"found_count": len(rec.Sources)})
		changed = true
	}
	if !rec.HasURL() && cand.HasURL() {
		rec.SetURL(cand.URL)
		m.index.Add(i, rec)
		changed = true
	}
	if rec.Description == "" && cand.Description != "" {
		rec.Description = cand.Description
		changed = true
	}
	if changed {
		m.changed = true
	}
	return changed
}

type memoryQueries struct {
	mu   sync.Mutex
	done map[string]bool
}

func (q *memoryQueries) QueryDone(_ context.Context, query string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done[query], nil
}

func (q *memoryQueries) MarkQueryDone(_ context.Context, l model.QueryLog) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.done[l.Query] = true
	return nil
}
