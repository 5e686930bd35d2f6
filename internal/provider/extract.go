package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/pkg/anthropic"
	"github.com/sells-group/prospect-cli/pkg/perplexity"
)

// Extracted field names.
const (
	FieldHeadquarters  = "headquarters"
	FieldLocationCity  = "location_city"
	FieldLocationState = "location_state"
	FieldFoundedYear   = "founded_year"
	FieldFounders      = "founders"
	FieldFunding       = "funding"
	FieldIndustry      = "industry"
	FieldEmployeeCount = "employee_count"
	FieldDescription   = "description"
)

// ExtractFields returns every field the extract stage asks for, in prompt order.
func ExtractFields() []string {
	return []string{
		FieldHeadquarters,
		FieldLocationCity,
		FieldLocationState,
		FieldFoundedYear,
		FieldFounders,
		FieldFunding,
		FieldIndustry,
		FieldEmployeeCount,
		FieldDescription,
	}
}

var fieldHints = map[string]string{
	FieldHeadquarters:  "headquarters address, or City, State (e.g. Denver, CO)",
	FieldLocationCity:  "headquarters city",
	FieldLocationState: "headquarters state or province as a two-letter code where one exists",
	FieldFoundedYear:   "four-digit year the company was founded",
	FieldFounders:      "full names of founders or co-founders, comma-separated",
	FieldFunding:       "funding rounds, amounts, lead investors and years",
	FieldIndustry:      "primary industry or sector",
	FieldEmployeeCount: "employee count or range (e.g. 11-50)",
	FieldDescription:   "one-sentence description of what the company does",
}

// notFound are answers that mean the model found nothing.
var notFound = map[string]bool{
	"":              true,
	"n/a":           true,
	"na":            true,
	"none":          true,
	"null":          true,
	"unknown":       true,
	"not found":     true,
	"not available": true,
	"not provided":  true,
	"not specified": true,
}

const extractSystemPrompt = `You are a data extraction expert. Extract factual information about one company from the material provided and return valid JSON only. Use an empty string for anything the material does not state. Never guess.`

const extractUserPrompt = `Company: %s
Website: %s
Known description: %s

Return a JSON object with exactly these keys:
%s

Material:
%s`

// ClaudeExtractor extracts fields from page content with Claude.
type ClaudeExtractor struct {
	client     anthropic.Client
	deps       Deps
	model      string
	maxTokens  int64
	maxContent int
}

// NewClaudeExtractor creates an Extractor. maxContent caps the characters of
// page content sent per record.
func NewClaudeExtractor(client anthropic.Client, deps Deps, modelName string, maxTokens int64, maxContent int) *ClaudeExtractor {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	if maxContent <= 0 {
		maxContent = 20000
	}
	return &ClaudeExtractor{client: client, deps: deps, model: modelName, maxTokens: maxTokens, maxContent: maxContent}
}

// Extract implements Extractor.
func (e *ClaudeExtractor) Extract(ctx context.Context, rec *model.Record, content string, fields []string) (Fields, error) {
	if len(fields) == 0 {
		return Fields{}, nil
	}
	if r := []rune(content); len(r) > e.maxContent {
		content = string(r[:e.maxContent])
	}

	prompt := fmt.Sprintf(extractUserPrompt, rec.Name, rec.URL, orNone(rec.Description), fieldList(fields), content)
	temp := 0.0
	resp, err := call(ctx, e.deps, ServiceAnthropic, "extract", func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return e.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:       e.model,
			MaxTokens:   e.maxTokens,
			System:      anthropic.BuildCachedSystemBlocks(extractSystemPrompt),
			Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
			Temperature: &temp,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "provider: extract")
	}
	u := resp.Usage
	e.deps.Tracker.Claude(e.model, int(u.InputTokens), int(u.OutputTokens), int(u.CacheCreationInputTokens), int(u.CacheReadInputTokens))

	return ParseFields(resp.Text(), fields)
}

const gapSystemPrompt = `You are a research assistant. Search the web for the requested facts about one company and answer with valid JSON only. Use an empty string for anything you cannot confirm.`

const gapUserPrompt = `Company: %s
Website: %s
Known description: %s

Find the following and return a JSON object with exactly these keys:
%s`

// PerplexityGapSearcher fills missing fields through Perplexity web search.
type PerplexityGapSearcher struct {
	client perplexity.Client
	deps   Deps
}

// NewPerplexityGapSearcher creates a GapSearcher.
func NewPerplexityGapSearcher(client perplexity.Client, deps Deps) *PerplexityGapSearcher {
	return &PerplexityGapSearcher{client: client, deps: deps}
}

// SearchMissing implements GapSearcher.
func (g *PerplexityGapSearcher) SearchMissing(ctx context.Context, rec *model.Record, missing []string) (Fields, error) {
	if len(missing) == 0 {
		return Fields{}, nil
	}

	temp := 0.1
	maxTokens := 1000
	resp, err := call(ctx, g.deps, ServicePerplexity, "search_missing", func(ctx context.Context) (*perplexity.ChatCompletionResponse, error) {
		return g.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
			Messages: []perplexity.Message{
				{Role: "system", Content: gapSystemPrompt},
				{Role: "user", Content: fmt.Sprintf(gapUserPrompt, rec.Name, rec.URL, orNone(rec.Description), fieldList(missing))},
			},
			Temperature: &temp,
			MaxTokens:   &maxTokens,
		})
	})
	if err != nil {
		return nil, eris.Wrap(err, "provider: search missing")
	}
	g.deps.Tracker.Perplexity(resp.Usage.Total())

	return ParseFields(resp.Content(), missing)
}

// ParseFields decodes a JSON object from a model answer and keeps the wanted
// fields with a real value. Lists are joined with ", ".
func ParseFields(text string, wanted []string) (Fields, error) {
	raw := map[string]any{}
	if err := json.Unmarshal([]byte(cleanJSON(text)), &raw); err != nil {
		return nil, eris.Wrap(err, "provider: parse fields json")
	}

	out := make(Fields, len(wanted))
	for _, f := range wanted {
		v := strings.TrimSpace(model.FormatValue(raw[f]))
		if notFound[strings.ToLower(v)] {
			continue
		}
		out[f] = v
	}
	return out, nil
}

// Missing returns the fields of want that have no value in have, sorted.
func Missing(have Fields, want []string) []string {
	var out []string
	for _, f := range want {
		if have[f] == "" {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func fieldList(fields []string) string {
	var sb strings.Builder
	for _, f := range fields {
		hint := fieldHints[f]
		if hint == "" {
			hint = strings.ReplaceAll(f, "_", " ")
		}
		fmt.Fprintf(&sb, "- %s: %s\n", f, hint)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "none"
	}
	return s
}

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
