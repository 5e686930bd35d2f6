package identity

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	mdLinkRe      = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdBoldRe      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	mdItalicRe    = regexp.MustCompile(`\*(.+?)\*`)
	mdUnderRe     = regexp.MustCompile(`(^|\s)__?([^_]+?)__?(\s|$)`)
	enumPrefixRe  = regexp.MustCompile(`^(?:\d+[.)]\s*|[-*+•·>]\s*|#+\s+)`)
	placeholderRe = regexp.MustCompile(`^(?:company|startup|business)\s*(?:\d+|[a-z])$`)
)

// legalSuffixes are dropped by compact name matching.
var legalSuffixes = []string{
	"incorporated", "inc", "corporation", "corp", "llc", "ltd", "limited",
	"company", "co", "pbc", "pllc", "lp", "llp",
}

// CleanName removes list markers, markdown emphasis and links from a
// collaborator-supplied name and collapses whitespace. Case is preserved.
func CleanName(name string) string {
	s := mdLinkRe.ReplaceAllString(name, "$1")
	s = mdBoldRe.ReplaceAllString(s, "$1")
	s = mdItalicRe.ReplaceAllString(s, "$1")
	s = mdUnderRe.ReplaceAllString(s, "$1$2$3")
	s = strings.NewReplacer("*", "", "`", "").Replace(s)
	s = strings.Join(strings.Fields(s), " ")

	for {
		trimmed := enumPrefixRe.ReplaceAllString(s, "")
		if trimmed == s {
			break
		}
		s = trimmed
	}

	return strings.Trim(s, "-•·:| ")
}

// CanonicalName is the comparison form of a name: cleaned, accent and case
// folded, punctuation removed and whitespace collapsed.
func CanonicalName(name string) string {
	s := strings.ToLower(FoldAccents(CleanName(name)))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// FoldAccents strips combining marks, so "Café" becomes "Cafe". On a
// transform error s is returned unchanged.
func FoldAccents(s string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		return s
	}
	return folded
}

// CompactName drops trailing legal suffixes and all spaces from the
// canonical name, so "Bright Wave Inc" and "BrightWave" compare equal.
func CompactName(name string) string {
	words := strings.Fields(CanonicalName(name))
	for len(words) > 1 && isLegalSuffix(words[len(words)-1]) {
		words = words[:len(words)-1]
	}
	return strings.Join(words, "")
}

func isLegalSuffix(w string) bool {
	for _, s := range legalSuffixes {
		if w == s {
			return true
		}
	}
	return false
}

// IsPlaceholder reports whether a cleaned name is template filler rather
// than a real entity name.
func IsPlaceholder(name string) bool {
	trimmed := strings.TrimSpace(name)
	if len([]rune(trimmed)) < 2 {
		return true
	}
	switch trimmed[0] {
	case '[', '(', '`', '<', '{':
		return true
	}

	lower := strings.ToLower(trimmed)
	if placeholderRe.MatchString(lower) {
		return true
	}
	for _, p := range []string{"company name", "company xyz", "example", "your company", "[company", "\"company", "'company"} {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	switch lower {
	case "company", "startup", "business", "firm", "corp", "inc", "llc",
		"n/a", "na", "none", "unknown", "tbd", "name", "not provided":
		return true
	}

	hasLetter := false
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	return !hasLetter
}
