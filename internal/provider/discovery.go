package provider

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/identity"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/pkg/perplexity"
)

const discoverySystemPrompt = `You are a research assistant finding real, specific companies and startups.

For each company you find, provide:
1. The real company name (never a placeholder such as "[Company 1]" or "Company Name")
2. The official website URL, or URL_NEEDED when you do not know it
3. A brief description including location, industry and funding if available

Format each company on one line exactly as:
Company Name | https://www.example.com | Brief description

Return fewer results rather than inventing names. Include companies even when the website is unknown.`

const discoveryUserPrompt = `Find up to %d real companies matching this search: %s

One company per line as: Company Name | Website URL or URL_NEEDED | Description`

var (
	bareURLRe     = regexp.MustCompile(`https?://[^\s)|\]>"]+`)
	domainLikeRe  = regexp.MustCompile(`^(?:https?://)?(?:www\.)?[a-zA-Z0-9][-a-zA-Z0-9]{0,62}(?:\.[a-zA-Z0-9][-a-zA-Z0-9]{0,62})*\.[a-zA-Z]{2,}`)
	markdownURLRe = regexp.MustCompile(`^\[([^\]]*)\]\(([^)]*)\)$`)
)

// PerplexitySearcher runs discovery queries through Perplexity.
type PerplexitySearcher struct {
	client     perplexity.Client
	deps       Deps
	maxResults int
}

// NewPerplexitySearcher creates a Searcher asking for up to maxResults
// companies per query.
func NewPerplexitySearcher(client perplexity.Client, deps Deps, maxResults int) *PerplexitySearcher {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &PerplexitySearcher{client: client, deps: deps, maxResults: maxResults}
}

// Search implements Searcher.
func (s *PerplexitySearcher) Search(ctx context.Context, query string) ([]Candidate, error) {
	temp := 0.2
	maxTokens := 2000
	resp, err := call(ctx, s.deps, ServicePerplexity, "discovery_search", func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return s.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages: []perplexity.Message{
				{Role: "system", Content: discoverySystemPrompt},
				{Role: "user", Content: fmt.Sprintf(discoveryUserPrompt, s.maxResults, query)},
			},
			Temperature: &temp,
			MaxTokens:   &maxTokens,
		})
	})
	if err != nil {
		return nil, eris.Wrapf(err, "provider: discovery search %q", query)
	}
	s.deps.Tracker.Perplexity(resp.Usage.Total())

	candidates := ParseCandidates(resp.Content())
	zap.L().Debug("provider: discovery search",
		zap.String("query", query),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

// ParseCandidates reads "Name | URL | Description" lines. Lines without the
// pipe format still yield a candidate when they carry a bare URL.
func ParseCandidates(content string) []Candidate {
	var out []Candidate
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || isTableRule(line) {
			continue
		}

		if strings.Contains(line, "|") {
			parts := strings.Split(strings.Trim(line, "|"), "|")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			if len(parts) >= 2 {
				name := identity.CleanName(parts[0])
				if name == "" || strings.EqualFold(name, "company name") {
					continue
				}
				c := Candidate{Name: name, URL: candidateURL(parts[1])}
				if len(parts) > 2 {
					c.Description = strings.Join(parts[2:], " | ")
				}
				out = append(out, c)
				continue
			}
		}

		if u := bareURLRe.FindString(line); u != "" {
			name := line[:strings.Index(line, u)]
			name = identity.CleanName(strings.TrimRight(strings.TrimSpace(name), ":-–("))
			if name == "" {
				continue
			}
			out = append(out, Candidate{Name: name, URL: strings.TrimRight(u, ".,;:")})
		}
	}
	return out
}

// candidateURL returns the URL cell as a URL, or the sentinel when the cell
// is a placeholder or does not look like a domain.
func candidateURL(cell string) string {
	cell = strings.Trim(strings.TrimSpace(cell), "<>`*")
	if m := markdownURLRe.FindStringSubmatch(cell); m != nil {
		cell = m[2]
	}
	if !domainLikeRe.MatchString(cell) {
		return model.URLNeeded
	}
	cell = strings.TrimRight(cell, ".,;:")
	if !strings.HasPrefix(cell, "http://") && !strings.HasPrefix(cell, "https://") {
		cell = "https://" + cell
	}
	return cell
}

func isTableRule(line string) bool {
	return strings.Trim(line, "|-: ") == ""
}
