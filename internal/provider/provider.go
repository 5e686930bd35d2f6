// Package provider adapts the search and AI clients in pkg/ to the narrow
// collaborator interfaces the pipeline stages consume.
package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/sells-group/prospect-cli/internal/cost"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/ratelimit"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/pkg/anthropic"
	"github.com/sells-group/prospect-cli/pkg/google"
	"github.com/sells-group/prospect-cli/pkg/perplexity"
)

// Service names used for breakers, ceilings and cost accounting.
const (
	ServicePerplexity = "perplexity"
	ServiceAnthropic  = "anthropic"
	ServiceGoogle     = "google"
)

// Candidate is one raw discovery result.
type Candidate struct {
	Name        string
	URL         string
	Description string
}

// Fields holds extracted attribute values keyed by field name.
type Fields map[string]string

// Payload converts non-empty fields into a stage payload.
func (f Fields) Payload() model.Payload {
	p := make(model.Payload, len(f))
	for k, v := range f {
		if v != "" {
			p[k] = v
		}
	}
	return p
}

// Searcher returns candidates for a discovery query.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Candidate, error)
}

// URLFinder looks up the website of a record whose URL is unknown. An empty
// URL with a nil error means the lookup found nothing.
type URLFinder interface {
	Name() string
	FindURL(ctx context.Context, rec *model.Record) (string, error)
}

// Extractor turns page content into structured fields.
type Extractor interface {
	Extract(ctx context.Context, rec *model.Record, content string, fields []string) (Fields, error)
}

// GapSearcher looks up the given fields for a record from outside sources.
type GapSearcher interface {
	SearchMissing(ctx context.Context, rec *model.Record, missing []string) (Fields, error)
}

// Deps are the shared call policies of every adapter. All fields are optional.
type Deps struct {
	Retry    resilience.RetryConfig
	Breakers *resilience.ServiceBreakers
	Ceiling  *ratelimit.Ceiling
	Tracker  *cost.Tracker
}

// call runs fn under the service's ceiling, breaker and retry policy.
func call[T any](ctx context.Context, d Deps, service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := d.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger(service, op)
	}

	attempt := func(ctx context.Context) (T, error) {
		if err := d.Ceiling.Wait(ctx, service); err != nil {
			var zero T
			return zero, err
		}
		v, err := fn(ctx)
		return v, classify(err)
	}

	return resilience.DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		if d.Breakers == nil {
			return attempt(ctx)
		}
		return resilience.ExecuteVal(ctx, d.Breakers.Get(service), attempt)
	})
}

// classify maps client status errors onto the resilience taxonomy. A
// rejected credential halts the stage; other statuses follow FromStatus.
func classify(err error) error {
	if err == nil {
		return nil
	}
	status := statusOf(err)
	switch {
	case status == 0:
		return err
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return resilience.NewFatalError(err)
	default:
		return resilience.FromStatus(err, status)
	}
}

func statusOf(err error) int {
	var pe *perplexity.APIError
	if errors.As(err, &pe) {
		return pe.StatusCode
	}
	var ae *anthropic.APIError
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var ge *google.APIError
	if errors.As(err, &ge) {
		return ge.StatusCode
	}
	return 0
}
