package scrape

import (
	"bytes"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
)

const maxLinksPerKind = 15

var (
	aboutKeywords = []string{
		"about", "mission", "history", "our story", "who we are",
		"our team", "leadership", "founders", "company",
	}
	investorKeywords = []string{
		"investor", "funding", "founder", "team", "press", "news", "newsroom",
		"media", "partner", "series a", "series b", "series c", "venture",
		"capital", "investment", "backed by", "portfolio", "raise",
	}
	investorPriority = []string{"investor", "funding", "founder", "team", "press", "news"}
	pdfPriority      = []string{"investor", "pitch", "deck", "funding", "overview"}

	socialPlatforms = []struct{ host, name string }{
		{"facebook.com", "facebook"},
		{"twitter.com", "twitter"},
		{"x.com", "twitter"},
		{"instagram.com", "instagram"},
		{"linkedin.com", "linkedin"},
		{"youtube.com", "youtube"},
		{"crunchbase.com", "crunchbase"},
	}

	blockTags = map[string]bool{
		"p": true, "div": true, "br": true, "li": true, "tr": true, "td": true, "th": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"section": true, "article": true, "header": true, "main": true, "aside": true,
		"blockquote": true, "dd": true, "dt": true, "table": true, "ul": true, "ol": true,
	}
	noiseTags   = "script, style, nav, footer, noscript, svg, iframe, template, form"
	spaceRe     = regexp.MustCompile(`\s+`)
	mdLinkRe    = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^)\s]+)\)`)
	mdHeadingRe = regexp.MustCompile(`(?m)^#\s+(.+)$`)
)

// ParseHTML extracts the title, visible text and classified links from an
// HTML document. base resolves relative links.
func ParseHTML(body []byte, base string) (title, text string, links Links, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", "", Links{}, eris.Wrap(err, "scrape: parse html")
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	links = extractLinks(doc, base)

	doc.Find(noiseTags).Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	var sb strings.Builder
	for _, n := range root.Nodes {
		writeText(&sb, n)
	}
	return title, normalizeText(sb.String()), links, nil
}

// writeText renders the text of n, breaking lines at block elements.
func writeText(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	}
	block := n.Type == html.ElementNode && blockTags[n.Data]
	if block {
		sb.WriteByte('\n')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(sb, c)
	}
	if block {
		sb.WriteByte('\n')
	}
}

// ParseMarkdown extracts the title, text and classified links from reader
// output.
func ParseMarkdown(md, base string) (title, text string, links Links) {
	if m := mdHeadingRe.FindStringSubmatch(md); m != nil {
		title = strings.TrimSpace(m[1])
	}
	c := newLinkCollector(base)
	for _, m := range mdLinkRe.FindAllStringSubmatch(md, -1) {
		c.add(m[2], m[1])
	}
	return title, normalizeText(md), c.links()
}

// normalizeText trims every line, collapses inner whitespace and drops
// empty lines.
func normalizeText(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(spaceRe.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// truncateText cuts s to at most n runes.
func truncateText(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func extractLinks(doc *goquery.Document, base string) Links {
	c := newLinkCollector(base)
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		c.add(href, strings.TrimSpace(spaceRe.ReplaceAllString(s.Text(), " ")))
	})
	return c.links()
}

type linkCollector struct {
	base     *url.URL
	seen     map[string]bool
	pdfs     []Link
	investor []Link
	about    []Link
	social   map[string]string
}

func newLinkCollector(base string) *linkCollector {
	u, err := url.Parse(base)
	if err != nil {
		u = &url.URL{}
	}
	return &linkCollector{base: u, seen: make(map[string]bool), social: make(map[string]string)}
}

func (c *linkCollector) add(href, text string) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return
	}
	ref, err := url.Parse(href)
	if err != nil {
		return
	}
	abs := c.base.ResolveReference(ref)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return
	}
	abs.Fragment = ""
	full := abs.String()

	host := strings.TrimPrefix(strings.ToLower(abs.Hostname()), "www.")
	lowerHref := strings.ToLower(full)
	lowerText := strings.ToLower(text)

	for _, p := range socialPlatforms {
		if host == p.host || strings.HasSuffix(host, "."+p.host) {
			if _, ok := c.social[p.name]; !ok {
				c.social[p.name] = full
			}
			return
		}
	}

	if c.seen[full] {
		return
	}

	if strings.Contains(strings.ToLower(abs.Path), ".pdf") || host == "issuu.com" {
		c.seen[full] = true
		c.pdfs = append(c.pdfs, Link{URL: full, Text: text, Priority: containsAny(lowerText, lowerHref, pdfPriority)})
		return
	}

	if !c.sameSite(abs) || abs.Path == "" || abs.Path == "/" {
		return
	}

	switch {
	case containsAny(lowerText, strings.ToLower(abs.Path), aboutKeywords):
		c.seen[full] = true
		c.about = append(c.about, Link{URL: full, Text: text, Priority: true})
	case containsAny(lowerText, strings.ToLower(abs.Path), investorKeywords):
		c.seen[full] = true
		c.investor = append(c.investor, Link{URL: full, Text: text, Priority: containsAny(lowerText, lowerHref, investorPriority)})
	}
}

func (c *linkCollector) sameSite(u *url.URL) bool {
	a := strings.TrimPrefix(strings.ToLower(c.base.Hostname()), "www.")
	b := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return a != "" && a == b
}

func (c *linkCollector) links() Links {
	out := Links{
		PDFs:     byPriority(c.pdfs),
		Investor: byPriority(c.investor),
		About:    byPriority(c.about),
	}
	if len(c.social) > 0 {
		out.Social = c.social
	}
	return out
}

func byPriority(links []Link) []Link {
	sort.SliceStable(links, func(i, j int) bool {
		return links[i].Priority && !links[j].Priority
	})
	if len(links) > maxLinksPerKind {
		links = links[:maxLinksPerKind]
	}
	return links
}

func containsAny(text, href string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) || strings.Contains(href, kw) {
			return true
		}
	}
	return false
}
