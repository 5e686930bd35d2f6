package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/provider"
	"github.com/sells-group/prospect-cli/internal/scrape"
	"github.com/sells-group/prospect-cli/internal/stage"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	dir := t.TempDir()
	env := NewEnv(NewStores(filepath.Join(dir, "outputs"), filepath.Join(dir, "backups")), stage.Options{BatchSize: 2, Workers: 1})
	env.Now = func() time.Time { return testNow }
	return env
}

// seed writes records into a stage store.
func seed(t *testing.T, env *Env, name model.StageName, records ...model.Record) {
	t.Helper()
	require.NoError(t, env.Stores.For(name).Save(records))
}

func load(t *testing.T, env *Env, name model.StageName) []model.Record {
	t.Helper()
	records, err := env.Stores.For(name).Load()
	require.NoError(t, err)
	return records
}

func readStore(t *testing.T, env *Env, name model.StageName) []byte {
	t.Helper()
	data, err := os.ReadFile(env.Stores.For(name).Path())
	require.NoError(t, err)
	return data
}

func backups(t *testing.T, env *Env) int {
	t.Helper()
	entries, err := os.ReadDir(env.Stores.backupDir)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func byName(records []model.Record) map[string]*model.Record {
	out := make(map[string]*model.Record, len(records))
	for i := range records {
		out[records[i].Name] = &records[i]
	}
	return out
}

// done returns a record already complete for the given stages.
func done(id, name, url string, stages ...model.StageName) model.Record {
	r := model.Record{ID: id, Name: name, URL: url}
	for _, s := range stages {
		r.MarkDone(s, testNow)
	}
	return r
}

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]provider.Candidate
	errs    map[string]error
	calls   []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]provider.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, query)
	if err := f.errs[query]; err != nil {
		return nil, err
	}
	return f.results[query], nil
}

type fakeLedger struct {
	mu   sync.Mutex
	done map[string]model.QueryLog
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{done: make(map[string]model.QueryLog)}
}

func (f *fakeLedger) QueryDone(_ context.Context, query string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.done[query]
	return ok, nil
}

func (f *fakeLedger) MarkQueryDone(_ context.Context, q model.QueryLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done[q.Query] = q
	return nil
}

type fakeResolver struct {
	mu    sync.Mutex
	urls  map[string]string
	errs  map[string]error
	calls []string
}

func (f *fakeResolver) Resolve(_ context.Context, rec *model.Record) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, rec.Name)
	if err := f.errs[rec.Name]; err != nil {
		return "", "", err
	}
	u := f.urls[rec.Name]
	if u == "" {
		return "", "", nil
	}
	return u, "perplexity", nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]*scrape.Page
	errs      map[string]error
	secondary map[string][]string
	calls     []string
	onFetch   func(url string)
}

func (f *fakeFetcher) Fetch(_ context.Context, targetURL string) (*scrape.Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, targetURL)
	hook := f.onFetch
	err := f.errs[targetURL]
	page := f.pages[targetURL]
	f.mu.Unlock()

	if hook != nil {
		hook(targetURL)
	}
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &scrape.Page{URL: targetURL, Text: "Welcome to " + targetURL, StatusCode: 200, Strategy: scrape.StrategyLight}, nil
	}
	return page, nil
}

func (f *fakeFetcher) SecondaryTargets(page *scrape.Page, limit int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.secondary[page.URL]
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

type fakeExtractor struct {
	mu     sync.Mutex
	fields map[string]provider.Fields
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, rec *model.Record, _ string, _ []string) (provider.Fields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := provider.Fields{}
	for k, v := range f.fields[rec.Name] {
		out[k] = v
	}
	return out, nil
}

type fakeGaps struct {
	mu     sync.Mutex
	fields map[string]provider.Fields
	err    error
	asked  map[string][]string
}

func (f *fakeGaps) SearchMissing(_ context.Context, rec *model.Record, missing []string) (provider.Fields, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.asked == nil {
		f.asked = make(map[string][]string)
	}
	f.asked[rec.Name] = missing
	if f.err != nil {
		return nil, f.err
	}
	return f.fields[rec.Name], nil
}
