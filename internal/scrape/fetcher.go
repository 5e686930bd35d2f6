package scrape

import (
	"context"
	"errors"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/ratelimit"
	"github.com/sells-group/prospect-cli/internal/resilience"
)

// FetcherConfig tunes the fetch strategy.
type FetcherConfig struct {
	// MinTextChars is the visible text length below which the light result
	// is insufficient. Default: 500.
	MinTextChars int
	// MaxTextChars caps the stored text. Default: 50000.
	MaxTextChars int
	// Retry is applied to each strategy independently.
	Retry resilience.RetryConfig
}

// Fetcher implements the two-tier fetch: light first, heavy at most once.
// Every request, primary or secondary, goes through the per-host limiter.
type Fetcher struct {
	light   Scraper
	heavy   Scraper
	hosts   *ratelimit.HostLimiter
	matcher *PathMatcher
	cfg     FetcherConfig
}

// NewFetcher creates a Fetcher. heavy may be nil, in which case thin light
// results are returned as they are.
func NewFetcher(light, heavy Scraper, hosts *ratelimit.HostLimiter, matcher *PathMatcher, cfg FetcherConfig) *Fetcher {
	if cfg.MinTextChars <= 0 {
		cfg.MinTextChars = 500
	}
	if cfg.MaxTextChars <= 0 {
		cfg.MaxTextChars = 50000
	}
	if hosts == nil {
		hosts = ratelimit.NewHostLimiter(0)
	}
	if matcher == nil {
		matcher = NewPathMatcher(nil)
	}
	return &Fetcher{light: light, heavy: heavy, hosts: hosts, matcher: matcher, cfg: cfg}
}

// Fetch retrieves targetURL. It escalates to the heavy scraper exactly once
// when the light fetch fails or yields insufficient text. Failures return a
// *FetchError whose class tells whether the URL is terminally unreachable.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*Page, error) {
	lightPage, lightErr := f.attempt(ctx, f.light, targetURL)
	if lightErr == nil && f.sufficient(lightPage) {
		return lightPage, nil
	}
	if ctx.Err() != nil {
		return nil, &FetchError{URL: targetURL, Strategy: StrategyLight, Err: ctx.Err()}
	}

	if f.heavy == nil || !f.heavy.Supports(targetURL) {
		if lightErr != nil {
			return nil, asFetchError(targetURL, StrategyLight, lightErr)
		}
		return lightPage, nil
	}

	zap.L().Debug("fetch: escalating to heavy strategy",
		zap.String("url", targetURL),
		zap.String("heavy", f.heavy.Name()),
		zap.Bool("light_failed", lightErr != nil),
	)

	heavyPage, heavyErr := f.attempt(ctx, f.heavy, targetURL)
	if heavyErr == nil {
		heavyPage.Escalated = true
		if lightErr == nil && textLen(lightPage.Text) > textLen(heavyPage.Text) && lightPage.Blocked == BlockNone {
			lightPage.Escalated = true
			return lightPage, nil
		}
		return heavyPage, nil
	}

	zap.L().Debug("fetch: heavy strategy failed",
		zap.String("url", targetURL),
		zap.Error(heavyErr),
	)
	if lightErr != nil {
		return nil, asFetchError(targetURL, StrategyLight, lightErr)
	}
	lightPage.Escalated = true
	return lightPage, nil
}

// SecondaryTargets picks up to limit same-site about and investor pages from
// page, priority links first, skipping excluded paths and the page itself.
func (f *Fetcher) SecondaryTargets(page *Page, limit int) []string {
	if page == nil || limit <= 0 {
		return nil
	}
	seen := map[string]bool{page.URL: true, page.FinalURL: true}
	var out []string
	add := func(links []Link, priorityOnly bool) {
		for _, l := range links {
			if len(out) >= limit {
				return
			}
			if priorityOnly != l.Priority || seen[l.URL] || f.matcher.IsExcluded(l.URL) {
				continue
			}
			seen[l.URL] = true
			out = append(out, l.URL)
		}
	}
	add(page.Links.About, true)
	add(page.Links.Investor, true)
	add(page.Links.About, false)
	add(page.Links.Investor, false)
	return out
}

// attempt runs one strategy with retry, holding the host slot per try.
func (f *Fetcher) attempt(ctx context.Context, s Scraper, targetURL string) (*Page, error) {
	retry := f.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("fetch", s.Name())
	}
	res, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Result, error) {
		var res *Result
		err := f.hosts.Do(ctx, targetURL, func(ctx context.Context) error {
			var err error
			res, err = s.Scrape(ctx, targetURL)
			return err
		})
		return res, err
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, newFetchError(targetURL, s.Name(), 0, eris.New("empty result"))
	}
	if res.URL == "" {
		res.URL = targetURL
	}
	if res.Source == "" {
		res.Source = s.Name()
	}
	return f.normalize(res)
}

func (f *Fetcher) normalize(res *Result) (*Page, error) {
	page := &Page{
		URL:        res.URL,
		FinalURL:   res.FinalURL,
		StatusCode: res.StatusCode,
		Strategy:   res.Source,
		Blocked:    res.Blocked,
		Title:      res.Title,
	}
	base := res.FinalURL
	if base == "" {
		base = res.URL
	}
	if len(res.HTML) > 0 {
		title, text, links, err := ParseHTML(res.HTML, base)
		if err != nil {
			return nil, newFetchError(res.URL, res.Source, res.StatusCode, err)
		}
		if page.Title == "" {
			page.Title = title
		}
		page.Text = text
		page.Links = links
	} else {
		title, text, links := ParseMarkdown(res.Markdown, base)
		if page.Title == "" {
			page.Title = title
		}
		page.Text = text
		page.Links = links
	}
	page.Text = truncateText(page.Text, f.cfg.MaxTextChars)
	return page, nil
}

func (f *Fetcher) sufficient(p *Page) bool {
	return p != nil && p.Blocked == BlockNone && textLen(p.Text) >= f.cfg.MinTextChars
}

func textLen(s string) int { return utf8.RuneCountInString(s) }

func asFetchError(targetURL, strategy string, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	return &FetchError{URL: targetURL, Strategy: strategy, Err: err}
}
