package scrape

import (
	"context"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rotisserie/eris"
)

// DefaultUserAgent is sent by the light and heavy strategies.
const DefaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// LightScraper fetches raw HTML with a plain GET through colly. It never runs
// JavaScript.
type LightScraper struct {
	userAgent string
	timeout   time.Duration
	maxBody   int
	transport http.RoundTripper
}

// LightOption configures a LightScraper.
type LightOption func(*LightScraper)

// WithTransport sets the round tripper used by the collector.
func WithTransport(rt http.RoundTripper) LightOption {
	return func(l *LightScraper) { l.transport = rt }
}

// WithMaxBodySize caps the number of body bytes read.
func WithMaxBodySize(n int) LightOption {
	return func(l *LightScraper) { l.maxBody = n }
}

// NewLightScraper creates a LightScraper.
func NewLightScraper(userAgent string, timeout time.Duration, opts ...LightOption) *LightScraper {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := &LightScraper{userAgent: userAgent, timeout: timeout, maxBody: 2 << 20}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name implements Scraper.
func (l *LightScraper) Name() string { return StrategyLight }

// Supports implements Scraper.
func (l *LightScraper) Supports(_ string) bool { return true }

// Scrape fetches targetURL once. Non-2xx responses and network failures
// return a *FetchError; a 2xx block page returns a Result with Blocked set.
func (l *LightScraper) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	c := colly.NewCollector(
		colly.UserAgent(l.userAgent),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(l.maxBody),
	)
	c.SetRequestTimeout(l.timeout)
	if l.transport != nil {
		c.WithTransport(l.transport)
	}

	var (
		res       *Result
		status    int
		header    http.Header
		body      []byte
		remoteErr error
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		body = r.Body
		if r.Headers != nil {
			header = *r.Headers
		}
		res = &Result{
			URL:        targetURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			HTML:       r.Body,
			Source:     StrategyLight,
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		remoteErr = err
		if r != nil {
			status = r.StatusCode
			body = r.Body
			if r.Headers != nil {
				header = *r.Headers
			}
		}
	})

	done := make(chan error, 1)
	go func() { done <- c.Visit(targetURL) }()

	var visitErr error
	select {
	case <-ctx.Done():
		return nil, &FetchError{URL: targetURL, Strategy: StrategyLight, Err: ctx.Err()}
	case visitErr = <-done:
	}

	if visitErr == nil {
		visitErr = remoteErr
	}
	if visitErr != nil || res == nil {
		if visitErr == nil {
			visitErr = eris.New("no response")
		}
		if bt := DetectBlock(status, header, body); bt != BlockNone {
			visitErr = eris.Wrapf(visitErr, "blocked (%s)", bt)
		}
		return nil, newFetchError(targetURL, StrategyLight, status, visitErr)
	}

	if header == nil {
		header = http.Header{}
	}
	res.Blocked = DetectBlock(status, header, body)
	return res, nil
}
