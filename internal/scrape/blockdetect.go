package scrape

import (
	"net/http"
	"strings"
)

// BlockType describes the kind of block detected.
type BlockType string

// Block types.
const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"just a moment",
	"attention required",
}

// DetectBlock checks a response for signs of anti-bot protection or a page
// that only renders with JavaScript.
func DetectBlock(status int, header http.Header, body []byte) BlockType {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" ||
			strings.EqualFold(header.Get("server"), "cloudflare") {
			return BlockCloudflare
		}
	}

	lower := strings.ToLower(string(body))

	if strings.Contains(lower, "checking your browser") ||
		strings.Contains(lower, "cf-browser-verification") ||
		strings.Contains(lower, "cloudflare") && strings.Contains(lower, "challenge") {
		return BlockCloudflare
	}

	if strings.Contains(lower, "captcha") {
		return BlockCaptcha
	}

	if len(body) < 2000 {
		if strings.Contains(lower, "<noscript") && strings.Contains(lower, "javascript") {
			return BlockJSShell
		}
		if strings.Contains(lower, `meta http-equiv="refresh"`) {
			return BlockJSShell
		}
	}
	return BlockNone
}

// detectTextBlock applies the challenge signatures to reader output, which
// has no headers or markup. Long documents that merely mention a signature
// are not blocks.
func detectTextBlock(text string) BlockType {
	if len(text) >= 1000 {
		return BlockNone
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "captcha") {
		return BlockCaptcha
	}
	for _, sig := range challengeSignatures {
		if strings.Contains(lower, sig) {
			return BlockCloudflare
		}
	}
	return BlockNone
}
