// Package enrich rewrites raw message text: it wraps the first URL in an
// anchor and, in the background, upgrades known video links to embedded
// players.
package enrich

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`https?://\S+`)

// FindFirstURL returns the first http(s) URL in text.
func FindFirstURL(text string) (string, bool) {
	u := urlPattern.FindString(text)
	return u, u != ""
}

// WrapAsLink replaces the first occurrence of url in text with an anchor
// pointing at it. It is not idempotent: wrapping already wrapped text nests
// the anchor, so call it at most once per raw message.
func WrapAsLink(text, url string) string {
	return strings.Replace(text, url, `<a href="`+url+`">`+url+`</a>`, 1)
}

// Enrich wraps the first URL of text and returns the rewritten text along
// with that URL. Text without a URL is returned unchanged with an empty URL.
func Enrich(text string) (string, string) {
	u, ok := FindFirstURL(text)
	if !ok {
		return text, ""
	}
	return WrapAsLink(text, u), u
}
