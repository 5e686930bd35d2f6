// Package cost prices API usage and accumulates it per stage run.
package cost

import "sync"

// Rates holds per-provider pricing configuration.
type Rates struct {
	Anthropic  map[string]ModelRate `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaRate             `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityRate       `yaml:"perplexity" mapstructure:"perplexity"`
	Google     GoogleRate           `yaml:"google" mapstructure:"google"`
}

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// JinaRate holds Jina Reader pricing.
type JinaRate struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// PerplexityRate holds Perplexity pricing.
type PerplexityRate struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
	PerMTok  float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// GoogleRate holds Places text search pricing.
type GoogleRate struct {
	PerRequest float64 `yaml:"per_request" mapstructure:"per_request"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// Claude computes the cost for a Claude API call.
func (c *Calculator) Claude(model string, input, output, cacheWrite, cacheRead int) float64 {
	rate, ok := c.rates.Anthropic[model]
	if !ok {
		return 0
	}

	inCost := (float64(input) / 1e6) * rate.Input
	outCost := (float64(output) / 1e6) * rate.Output
	cwCost := (float64(cacheWrite) / 1e6) * rate.Input * rate.CacheWriteMul
	crCost := (float64(cacheRead) / 1e6) * rate.Input * rate.CacheReadMul

	return inCost + outCost + cwCost + crCost
}

// Jina computes the cost for Jina Reader token usage.
func (c *Calculator) Jina(tokens int) float64 {
	return (float64(tokens) / 1e6) * c.rates.Jina.PerMTok
}

// Perplexity returns the cost of one query: the flat request fee plus tokens.
func (c *Calculator) Perplexity(tokens int) float64 {
	return c.rates.Perplexity.PerQuery + (float64(tokens)/1e6)*c.rates.Perplexity.PerMTok
}

// Google returns the cost of one Places request.
func (c *Calculator) Google() float64 {
	return c.rates.Google.PerRequest
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		Anthropic: map[string]ModelRate{
			"claude-haiku-4-5-20251001": {
				Input: 0.80, Output: 4.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
			"claude-sonnet-4-5-20250929": {
				Input: 3.00, Output: 15.00,
				CacheWriteMul: 1.25, CacheReadMul: 0.1,
			},
		},
		Jina:       JinaRate{PerMTok: 0.02},
		Perplexity: PerplexityRate{PerQuery: 0.005, PerMTok: 1.00},
		Google:     GoogleRate{PerRequest: 0.032},
	}
}

// Usage is the accumulated API usage of one stage run.
type Usage struct {
	Calls  map[string]int `json:"calls,omitempty"`
	Tokens int            `json:"tokens"`
	Cost   float64        `json:"cost"`
}

// Tracker accumulates usage across concurrent workers.
type Tracker struct {
	calc *Calculator

	mu    sync.Mutex
	usage Usage
}

// NewTracker creates a Tracker pricing with calc. A nil calc counts calls
// and tokens only.
func NewTracker(calc *Calculator) *Tracker {
	return &Tracker{calc: calc}
}

// Claude records one Claude call.
func (t *Tracker) Claude(model string, input, output, cacheWrite, cacheRead int) {
	if t == nil {
		return
	}
	var c float64
	if t.calc != nil {
		c = t.calc.Claude(model, input, output, cacheWrite, cacheRead)
	}
	t.add("anthropic", input+output+cacheWrite+cacheRead, c)
}

// Perplexity records one Perplexity query.
func (t *Tracker) Perplexity(tokens int) {
	if t == nil {
		return
	}
	var c float64
	if t.calc != nil {
		c = t.calc.Perplexity(tokens)
	}
	t.add("perplexity", tokens, c)
}

// Jina records one Jina Reader call.
func (t *Tracker) Jina(tokens int) {
	if t == nil {
		return
	}
	var c float64
	if t.calc != nil {
		c = t.calc.Jina(tokens)
	}
	t.add("jina", tokens, c)
}

// Google records one Places request.
func (t *Tracker) Google() {
	if t == nil {
		return
	}
	var c float64
	if t.calc != nil {
		c = t.calc.Google()
	}
	t.add("google", 0, c)
}

func (t *Tracker) add(service string, tokens int, c float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.usage.Calls == nil {
		t.usage.Calls = make(map[string]int)
	}
	t.usage.Calls[service]++
	t.usage.Tokens += tokens
	t.usage.Cost += c
}

// Take returns the usage accumulated since the last Take and resets it.
func (t *Tracker) Take() Usage {
	if t == nil {
		return Usage{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.usage
	t.usage = Usage{}
	return u
}
