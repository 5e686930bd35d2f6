package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/identity"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/google"
	"github.com/sells-group/prospect-cli/pkg/perplexity"
)

// PlacesFinder resolves websites through Google Places text search.
type PlacesFinder struct {
	client google.Client
	deps   Deps
	hint   string
}

// NewPlacesFinder creates a finder. hint is appended to every query, usually
// the target region ("Colorado").
func NewPlacesFinder(client google.Client, deps Deps, hint string) *PlacesFinder {
	return &PlacesFinder{client: client, deps: deps, hint: hint}
}

// Name implements URLFinder.
func (f *PlacesFinder) Name() string { return ServiceGoogle }

// FindURL implements URLFinder. The first place whose display name matches
// the record and that lists a website wins.
func (f *PlacesFinder) FindURL(ctx context.Context, rec *model.Record) (string, error) {
	query := strings.TrimSpace(rec.Name + " " + f.hint)
	resp, err := call(ctx, f.deps, ServiceGoogle, "text_search", func(ctx context.Context) (*google.TextSearchResponse, error) {
		return f.client.TextSearch(ctx, query)
	})
	if err != nil {
		return "", eris.Wrap(err, "provider: places search")
	}
	f.deps.Tracker.Google()

	want := identity.CompactName(rec.Name)
	for _, p := range resp.Places {
		if p.WebsiteURI == "" || identity.CompactName(p.DisplayName.Text) != want {
			continue
		}
		if u := identity.NormalizeURL(p.WebsiteURI); u != model.URLNeeded {
			return u, nil
		}
	}
	return "", nil
}

const urlFinderSystemPrompt = `You are a research assistant finding company websites.

Respond with ONLY the official website URL, for example:
https://www.example.com

If you cannot find a reliable website URL, respond with only:
NOT_FOUND`

const urlFinderUserPrompt = `Find the official website URL for: %s

Context: %s`

// PerplexityFinder asks Perplexity for a record's official website.
type PerplexityFinder struct {
	client  perplexity.Client
	deps    Deps
	exclude []string
}

// NewPerplexityFinder creates a finder. Answers on excluded domains count
// as not found.
func NewPerplexityFinder(client perplexity.Client, deps Deps, exclude []string) *PerplexityFinder {
	return &PerplexityFinder{client: client, deps: deps, exclude: exclude}
}

// Name implements URLFinder.
func (f *PerplexityFinder) Name() string { return ServicePerplexity }

// FindURL implements URLFinder.
func (f *PerplexityFinder) FindURL(ctx context.Context, rec *model.Record) (string, error) {
	about := rec.Description
	if r := []rune(about); len(r) > 200 {
		about = string(r[:200])
	}
	if about == "" {
		about = "No additional context"
	}

	temp := 0.1
	maxTokens := 100
	resp, err := call(ctx, f.deps, ServicePerplexity, "find_url", func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return f.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages: []perplexity.Message{
				{Role: "system", Content: urlFinderSystemPrompt},
				{Role: "user", Content: fmt.Sprintf(urlFinderUserPrompt, rec.Name, about)},
			},
			Temperature: &temp,
			MaxTokens:   &maxTokens,
		})
	})
	if err != nil {
		return "", eris.Wrap(err, "provider: perplexity url search")
	}
	f.deps.Tracker.Perplexity(resp.Usage.Total())

	content := strings.TrimSpace(resp.Content())
	u := bareURLRe.FindString(content)
	if u == "" {
		return "", nil
	}
	u = identity.NormalizeURL(strings.TrimRight(u, ".,;:"))
	if u == model.URLNeeded || identity.ExcludedDomain(u, f.exclude) {
		return "", nil
	}
	return u, nil
}

// FinderChain tries finders in order until one resolves a URL. A finder
// that errors is skipped unless the error is fatal; the chain reports the
// last error only when nothing resolved and every finder failed.
type FinderChain struct {
	finders []URLFinder
}

// NewFinderChain creates a chain over the given finders.
func NewFinderChain(finders ...URLFinder) *FinderChain {
	return &FinderChain{finders: finders}
}

// Name implements URLFinder.
func (c *FinderChain) Name() string {
	names := make([]string, len(c.finders))
	for i, f := range c.finders {
		names[i] = f.Name()
	}
	return strings.Join(names, "+")
}

// Resolve returns the URL and the name of the finder that produced it.
func (c *FinderChain) Resolve(ctx context.Context, rec *model.Record) (string, string, error) {
	var lastErr error
	failed := 0
	for _, f := range c.finders {
		u, err := f.FindURL(ctx, rec)
		if err != nil {
			if resilience.IsFatal(err) || ctx.Err() != nil {
				return "", "", err
			}
			zap.L().Debug("provider: url finder failed",
				zap.String("finder", f.Name()),
				zap.String("name", rec.Name),
				zap.Error(err),
			)
			lastErr = err
			failed++
			continue
		}
		if u != "" {
			return u, f.Name(), nil
		}
	}
	if failed == len(c.finders) && lastErr != nil {
		return "", "", lastErr
	}
	return "", "", nil
}

// FindURL implements URLFinder.
func (c *FinderChain) FindURL(ctx context.Context, rec *model.Record) (string, error) {
	u, _, err := c.Resolve(ctx, rec)
	return u, err
}
