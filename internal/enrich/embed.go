package enrich

import (
	"fmt"
	"regexp"
)

// videoPatterns capture the 11-character YouTube video ID.
var videoPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^https?://(?:www\.|m\.)?youtube\.com/watch\?(?:[^#\s]*&)?v=([A-Za-z0-9_-]{11})`),
	regexp.MustCompile(`^https?://youtu\.be/([A-Za-z0-9_-]{11})`),
	regexp.MustCompile(`^https?://(?:www\.)?youtube\.com/(?:embed|shorts)/([A-Za-z0-9_-]{11})`),
}

const embedTemplate = `<iframe width="560" height="315" src="https://www.youtube.com/embed/%s" frameborder="0" allowfullscreen></iframe>`

// EmbedFragment returns the player markup for a known video URL.
func EmbedFragment(url string) (string, bool) {
	for _, p := range videoPatterns {
		if m := p.FindStringSubmatch(url); m != nil {
			return fmt.Sprintf(embedTemplate, m[1]), true
		}
	}
	return "", false
}
