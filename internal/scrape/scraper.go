package scrape

import (
	"context"
)

// Strategy names recorded on fetched pages.
const (
	StrategyLight    = "light"
	StrategyChromedp = "chromedp"
	StrategyJina     = "jina"
)

// Link is a discovered sub-resource.
type Link struct {
	URL      string `json:"url"`
	Text     string `json:"text,omitempty"`
	Priority bool   `json:"priority,omitempty"`
}

// Links groups the sub-resources a page points at.
type Links struct {
	PDFs     []Link            `json:"pdfs,omitempty"`
	Investor []Link            `json:"investor,omitempty"`
	About    []Link            `json:"about,omitempty"`
	Social   map[string]string `json:"social,omitempty"`
}

// Page is the normalized result of a fetch.
type Page struct {
	URL        string    `json:"url"`
	FinalURL   string    `json:"final_url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Text       string    `json:"text"`
	StatusCode int       `json:"status_code"`
	Strategy   string    `json:"strategy"`
	Escalated  bool      `json:"escalated,omitempty"`
	Blocked    BlockType `json:"blocked,omitempty"`
	Links      Links     `json:"links"`
}

// Result holds raw content returned by a scraper before normalization.
// HTML is set by scrapers that return markup; Markdown by readers that
// return text.
type Result struct {
	URL        string
	FinalURL   string
	StatusCode int
	HTML       []byte
	Markdown   string
	Title      string
	Blocked    BlockType
	Source     string
}

// Scraper fetches a single URL and returns its content.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*Result, error)
	Name() string
	Supports(url string) bool
}
