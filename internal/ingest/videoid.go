package ingest

import (
	"regexp"
	"strings"
)

var (
	videoURLRe = regexp.MustCompile(`(?i)^(?:https?://)?(?:www\.|m\.)?youtu(?:be\.com/(?:watch\?(?:[^#]*&)?v=|live/|shorts/|embed/)|\.be/)([\w-]+)`)
	bareIDRe   = regexp.MustCompile(`^[\w-]+$`)
)

// ExtractVideoID returns the stream id from a watch URL, a short link, a
// live URL or a bare id.
func ExtractVideoID(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if m := videoURLRe.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if bareIDRe.MatchString(s) {
		return s, true
	}
	return "", false
}
