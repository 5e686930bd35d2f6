package scrape

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acmeHome = `<html><head><title> Acme Robotics </title><style>.x{color:red}</style></head>
<body>
<nav><a href="/about">About</a> Menu</nav>
<h1>Welcome to   Acme</h1>
<p>We build warehouse robots.<br>Headquartered in Denver.</p>
<script>var tracking = 1;</script>
<ul><li>Fast</li><li>Safe</li></ul>
<a href="/investors">Investor Relations</a>
<a href="https://acme.com/team#leaders">Team</a>
<a href="/docs/pitch-deck.pdf">Our deck</a>
<a href="/docs/brochure.pdf">Brochure</a>
<a href="https://www.linkedin.com/company/acme">LinkedIn</a>
<a href="https://twitter.com/acme">Twitter</a>
<a href="https://x.com/acme2">X</a>
<a href="https://other.com/about">Other about</a>
<a href="mailto:hi@acme.com">Email</a>
<a href="#top">Top</a>
<footer>Copyright 2025 Acme</footer>
</body></html>`

func TestParseHTML_Text(t *testing.T) {
	title, text, _, err := ParseHTML([]byte(acmeHome), "https://acme.com/")
	require.NoError(t, err)

	assert.Equal(t, "Acme Robotics", title)
	assert.Contains(t, text, "Welcome to Acme")
	assert.Contains(t, text, "We build warehouse robots.\nHeadquartered in Denver.")
	assert.Contains(t, text, "Fast\nSafe")
	assert.NotContains(t, text, "Menu")
	assert.NotContains(t, text, "tracking")
	assert.NotContains(t, text, "Copyright")
	assert.NotContains(t, text, "color:red")
	for _, line := range strings.Split(text, "\n") {
		assert.Equal(t, strings.TrimSpace(line), line)
		assert.NotEmpty(t, line)
	}
}

func TestParseHTML_Links(t *testing.T) {
	_, _, links, err := ParseHTML([]byte(acmeHome), "https://acme.com/")
	require.NoError(t, err)

	var about []string
	for _, l := range links.About {
		about = append(about, l.URL)
	}
	assert.Equal(t, []string{"https://acme.com/about"}, about, "nav links count, other sites do not")

	var investor []string
	for _, l := range links.Investor {
		investor = append(investor, l.URL)
	}
	assert.ElementsMatch(t, []string{"https://acme.com/investors", "https://acme.com/team"}, investor)

	require.Len(t, links.PDFs, 2)
	assert.Equal(t, "https://acme.com/docs/pitch-deck.pdf", links.PDFs[0].URL)
	assert.True(t, links.PDFs[0].Priority)
	assert.False(t, links.PDFs[1].Priority)

	assert.Equal(t, "https://www.linkedin.com/company/acme", links.Social["linkedin"])
	assert.Equal(t, "https://twitter.com/acme", links.Social["twitter"], "first twitter link wins")
}

func TestParseHTML_NoBody(t *testing.T) {
	_, text, links, err := ParseHTML([]byte("just text"), "https://acme.com")
	require.NoError(t, err)
	assert.Equal(t, "just text", text)
	assert.Empty(t, links.About)
	assert.Nil(t, links.Social)
}

func TestParseHTML_LinkLimit(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 30; i++ {
		b.WriteString(`<a href="/files/report-` + strings.Repeat("x", i) + `.pdf">r</a>`)
	}
	b.WriteString("</body></html>")

	_, _, links, err := ParseHTML([]byte(b.String()), "https://acme.com")
	require.NoError(t, err)
	assert.Len(t, links.PDFs, maxLinksPerKind)
}

func TestParseMarkdown(t *testing.T) {
	md := "Intro line\n# Acme Robotics\n\n[Meet the founders](https://acme.com/founders)  \n[Series B news](https://acme.com/press/series-b)\n[Elsewhere](https://example.org/about)"
	title, text, links := ParseMarkdown(md, "https://acme.com")

	assert.Equal(t, "Acme Robotics", title)
	assert.True(t, strings.HasPrefix(text, "Intro line\n# Acme Robotics\n[Meet the founders]"))
	require.Len(t, links.About, 1)
	assert.Equal(t, "https://acme.com/founders", links.About[0].URL)
	require.Len(t, links.Investor, 1)
	assert.True(t, links.Investor[0].Priority)
}

func TestTruncateText(t *testing.T) {
	assert.Equal(t, "héll", truncateText("héllo", 4))
	assert.Equal(t, "héllo", truncateText("héllo", 10))
	assert.Equal(t, "héllo", truncateText("héllo", 0))
}
