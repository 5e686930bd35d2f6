// Package scrape implements the fetch strategy: a light colly fetch first,
// escalating once to a rendering scraper when the light result is thin.
package scrape

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Chain tries scrapers in priority order, returning the first success.
type Chain struct {
	scrapers []Scraper
}

// NewChain creates a Chain. Scrapers are tried in order.
func NewChain(scrapers ...Scraper) *Chain {
	return &Chain{scrapers: scrapers}
}

// Name implements Scraper. It is the name of the first scraper.
func (c *Chain) Name() string {
	if len(c.scrapers) == 0 {
		return "chain"
	}
	return c.scrapers[0].Name()
}

// Supports reports whether any scraper in the chain supports url.
func (c *Chain) Supports(url string) bool {
	for _, s := range c.scrapers {
		if s.Supports(url) {
			return true
		}
	}
	return false
}

// Len returns the number of scrapers.
func (c *Chain) Len() int { return len(c.scrapers) }

// Scrape tries each supporting scraper for targetURL. A scraper result with
// a detected block counts as a failure while another scraper remains.
func (c *Chain) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	var (
		lastErr error
		blocked *Result
	)
	for _, s := range c.scrapers {
		if !s.Supports(targetURL) {
			continue
		}
		result, err := s.Scrape(ctx, targetURL)
		if err == nil && result != nil {
			if result.Blocked == BlockNone {
				return result, nil
			}
			blocked = result
			continue
		}
		if err != nil {
			zap.L().Debug("scrape: scraper failed, trying next",
				zap.String("scraper", s.Name()),
				zap.String("url", targetURL),
				zap.Error(err),
			)
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if blocked != nil {
		return blocked, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, eris.Errorf("scrape: no suitable scraper for url: %s", targetURL)
}
