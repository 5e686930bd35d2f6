package identity

import (
	"net"
	"net/url"
	"strings"

	"github.com/sells-group/prospect-cli/internal/model"
)

// trackingParams are query parameters that never change the page served.
var trackingParams = map[string]bool{
	"gclid":   true,
	"fbclid":  true,
	"msclkid": true,
	"yclid":   true,
	"mc_cid":  true,
	"mc_eid":  true,
	"igshid":  true,
	"_ga":     true,
	"_gl":     true,
	"ref":     true,
	"ref_src": true,
	"source":  true,
	"trk":     true,
	"hsa_acc": true,
	"hsa_cam": true,
	"hsa_grp": true,
	"hsa_ad":  true,
	"hsa_src": true,
	"hsa_net": true,
	"hsa_ver": true,
	"hsa_kw":  true,
	"hsa_tgt": true,
	"hsa_mt":  true,
	"_hsenc":  true,
	"_hsmi":   true,
	"mkt_tok": true,
}

// sentinelAliases are values collaborators use when they have no website.
var sentinelAliases = map[string]bool{
	"":             true,
	"URL_NEEDED":   true,
	"N/A":          true,
	"NA":           true,
	"NONE":         true,
	"NULL":         true,
	"NOT PROVIDED": true,
	"NOT FOUND":    true,
	"UNKNOWN":      true,
	"TBD":          true,
}

// CanonicalURL returns the comparison form of a website URL: https scheme,
// lower-case host without "www." or a default port, no trailing slash, no
// fragment and no tracking parameters. It returns "" for the sentinel and
// for anything that does not parse as a web URL.
func CanonicalURL(raw string) string {
	return cleanURL(raw, false)
}

// CleanURL is CanonicalURL without the scheme rewrite: an http site stays
// http. It is the form stored as a record's primary URL.
func CleanURL(raw string) string {
	return cleanURL(raw, true)
}

func cleanURL(raw string, keepScheme bool) string {
	s := strings.TrimSpace(raw)
	if sentinelAliases[strings.ToUpper(s)] {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return ""
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return ""
	}

	host := strings.ToLower(u.Hostname())
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	if host == "" || !strings.Contains(host, ".") {
		return ""
	}
	if port := u.Port(); port != "" && !defaultPort(scheme, port, keepScheme) {
		host = net.JoinHostPort(host, port)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")

	var query string
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			lk := strings.ToLower(k)
			if trackingParams[lk] || strings.HasPrefix(lk, "utm_") {
				q.Del(k)
			}
		}
		query = q.Encode()
	}

	if !keepScheme {
		scheme = "https"
	}
	out := scheme + "://" + host + path
	if query != "" {
		out += "?" + query
	}
	return out
}

func defaultPort(scheme, port string, keepScheme bool) bool {
	if !keepScheme {
		return port == "80" || port == "443"
	}
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}

// NormalizeURL cleans a URL as returned by a collaborator (markdown
// wrapping, trailing punctuation, missing scheme) and returns its CleanURL
// form, or model.URLNeeded when there is no usable website.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "<>[]()`*\"' .,;:")
	if c := CleanURL(s); c != "" {
		return c
	}
	return model.URLNeeded
}

// Host returns the lower-case host of a URL without "www.", or "".
func Host(raw string) string {
	c := CanonicalURL(raw)
	if c == "" {
		return ""
	}
	u, err := url.Parse(c)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// ExcludedDomain reports whether the URL's host is, or is a subdomain of,
// one of the given domains.
func ExcludedDomain(raw string, domains []string) bool {
	host := Host(raw)
	if host == "" {
		return false
	}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(d), "www."))
		if d == "" {
			continue
		}
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
