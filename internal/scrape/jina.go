package scrape

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/ratelimit"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/jina"
)

// JinaScraper renders pages through the Jina Reader API. It is an
// alternative to local headless Chrome.
type JinaScraper struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
	ceiling *ratelimit.Ceiling
}

// NewJinaScraper wraps a Jina client. breaker and ceiling may be nil.
func NewJinaScraper(client jina.Client, breaker *resilience.CircuitBreaker, ceiling *ratelimit.Ceiling) *JinaScraper {
	return &JinaScraper{client: client, breaker: breaker, ceiling: ceiling}
}

// Name implements Scraper.
func (j *JinaScraper) Name() string { return StrategyJina }

// Supports returns false while the Jina circuit is open so a chain moves on.
func (j *JinaScraper) Supports(_ string) bool {
	return j.breaker == nil || j.breaker.State() != resilience.CircuitOpen
}

// Scrape reads targetURL through Jina.
func (j *JinaScraper) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	if err := j.ceiling.Wait(ctx, StrategyJina); err != nil {
		return nil, &FetchError{URL: targetURL, Strategy: StrategyJina, Err: err}
	}

	read := func(ctx context.Context) (*jina.ReadResponse, error) {
		resp, err := j.client.Read(ctx, targetURL)
		var apiErr *jina.APIError
		if errors.As(err, &apiErr) {
			return nil, resilience.FromStatus(err, apiErr.StatusCode)
		}
		return resp, err
	}

	var (
		resp *jina.ReadResponse
		err  error
	)
	if j.breaker != nil {
		resp, err = resilience.ExecuteVal(ctx, j.breaker, read)
	} else {
		resp, err = read(ctx)
	}
	if err != nil {
		return nil, &FetchError{URL: targetURL, Strategy: StrategyJina, Err: err}
	}
	if resp == nil {
		return nil, newFetchError(targetURL, StrategyJina, 0, eris.New("jina: empty response"))
	}
	if resp.Code != 0 && resp.Code != 200 {
		return nil, newFetchError(targetURL, StrategyJina, resp.Code, eris.Errorf("jina: response code %d", resp.Code))
	}

	content := strings.TrimSpace(resp.Data.Content)
	finalURL := resp.Data.URL
	if finalURL == "" {
		finalURL = targetURL
	}
	return &Result{
		URL:        targetURL,
		FinalURL:   finalURL,
		StatusCode: 200,
		Markdown:   content,
		Title:      resp.Data.Title,
		Blocked:    detectTextBlock(content),
		Source:     StrategyJina,
	}, nil
}
