package scrape

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/prospect-cli/pkg/jina"
)

// fakeScraper returns canned results and counts calls.
type fakeScraper struct {
	name     string
	unsupp   bool
	results  []*Result
	errs     []error
	calls    atomic.Int32
	lastURLs []string
}

func (f *fakeScraper) Name() string           { return f.name }
func (f *fakeScraper) Supports(_ string) bool { return !f.unsupp }

func (f *fakeScraper) Scrape(_ context.Context, u string) (*Result, error) {
	i := int(f.calls.Add(1)) - 1
	f.lastURLs = append(f.lastURLs, u)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[min(i, len(f.errs)-1)]
	}
	if err != nil {
		return nil, err
	}
	if len(f.results) == 0 {
		return nil, nil
	}
	r := *f.results[min(i, len(f.results)-1)]
	return &r, nil
}

func htmlResult(source, body string) *Result {
	return &Result{StatusCode: 200, HTML: []byte(body), Source: source}
}

// pageHTML builds a document whose body has n characters of visible text.
func pageHTML(n int) string {
	return "<html><head><title>Acme</title></head><body><p>" + strings.Repeat("a", n) + "</p></body></html>"
}

type mockJinaClient struct {
	mock.Mock
}

func (m *mockJinaClient) Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error) {
	args := m.Called(ctx, targetURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.ReadResponse), args.Error(1)
}
