package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/resilience"
	"github.com/sells-group/prospect-cli/internal/scrape"
)

// ErrNoWebsite fails enrichment of a record whose URL never resolved.
var ErrNoWebsite = eris.New("enrich: no website")

// PageFetcher is the fetch strategy as seen by enrichment.
type PageFetcher interface {
	Fetch(ctx context.Context, targetURL string) (*scrape.Page, error)
	SecondaryTargets(page *scrape.Page, limit int) []string
}

// Enrich fetches each record's website plus a few about and investor pages.
type Enrich struct {
	fetcher      PageFetcher
	maxSecondary int
	maxChars     int
}

// NewEnrich creates the enrich stage. maxChars caps the stored content
// (default 50000).
func NewEnrich(fetcher PageFetcher, maxSecondary, maxChars int) *Enrich {
	if maxSecondary < 0 {
		maxSecondary = 0
	}
	if maxChars <= 0 {
		maxChars = 50000
	}
	return &Enrich{fetcher: fetcher, maxSecondary: maxSecondary, maxChars: maxChars}
}

// Name implements Stage.
func (e *Enrich) Name() model.StageName { return model.StageEnrich }

// Stage implements stage.Work.
func (e *Enrich) Stage() model.StageName { return model.StageEnrich }

// Requires implements Stage.
func (e *Enrich) Requires() model.StageName { return model.StageGapFill }

// Run implements Stage.
func (e *Enrich) Run(ctx context.Context, env *Env) (*model.StageResult, error) {
	return env.runWork(ctx, e, e.Requires())
}

// Process implements stage.Work.
func (e *Enrich) Process(ctx context.Context, rec *model.Record) error {
	if !rec.HasURL() {
		return resilience.NewPermanentError(ErrNoWebsite, 0)
	}

	page, err := e.fetcher.Fetch(ctx, rec.URL)
	if err != nil {
		return err
	}

	var sections []string
	if page.Text != "" {
		sections = append(sections, page.Text)
	}
	var secondary []map[string]any
	for _, target := range e.fetcher.SecondaryTargets(page, e.maxSecondary) {
		sub, err := e.fetcher.Fetch(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			zap.L().Debug("enrich: secondary page failed", zap.String("record_id", rec.ID), zap.String("url", target), zap.Error(err))
			continue
		}
		if sub.Text == "" {
			continue
		}
		sections = append(sections, "## "+target+"\n"+sub.Text)
		secondary = append(secondary, map[string]any{"url": target, "strategy": sub.Strategy, "chars": utf8.RuneCountInString(sub.Text)})
	}

	content := capRunes(strings.Join(sections, "\n\n"), e.maxChars)
	p := model.Payload{
		"url":         firstNonEmpty(page.FinalURL, page.URL, rec.URL),
		"strategy":    page.Strategy,
		"escalated":   page.Escalated,
		"status_code": page.StatusCode,
		"content":     content,
		"chars":       utf8.RuneCountInString(content),
	}
	if page.Title != "" {
		p["title"] = page.Title
	}
	if page.Blocked != scrape.BlockNone {
		p["blocked"] = string(page.Blocked)
	}
	if len(secondary) > 0 {
		p["pages"] = secondary
	}
	if pdfs := linkURLs(page.Links.PDFs); len(pdfs) > 0 {
		p["pdf_links"] = pdfs
	}
	if len(page.Links.Social) > 0 {
		p["social"] = page.Links.Social
	}
	delete(rec.StageData, model.StageEnrich)
	rec.SetPayload(model.StageEnrich, p)
	return nil
}

func linkURLs(links []scrape.Link) []string {
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.URL)
	}
	return out
}

func capRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
