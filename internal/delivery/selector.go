// Package delivery picks how a canonical source URL is delivered to the viewer:
// as an embed from a third-party video host, or through the adaptive engine.
package delivery

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Mode is the delivery strategy for a source
type Mode string

// Delivery modes
const (
	ModeAdaptive Mode = "adaptive"
	ModeEmbedded Mode = "embedded"
)

// ProviderYouTube identifies the YouTube embed provider
const ProviderYouTube = "youtube"

// Decision is the result of Select. Provider and ContentID are only set in embedded mode.
type Decision struct {
	Mode      Mode   `json:"mode"`
	Provider  string `json:"provider,omitempty"`
	ContentID string `json:"content_id,omitempty"`
}

// IsEmbedded reports whether the decision bypasses the adaptive engine
func (d Decision) IsEmbedded() bool {
	return d.Mode == ModeEmbedded
}

var (
	youtubeHost    = regexp.MustCompile(`(?i)youtube\.com|youtu\.be`)
	youtuBePath    = regexp.MustCompile(`(?i)youtu\.be/([^?&/#]+)`)
	youtubeQueryV  = regexp.MustCompile(`[?&]v=([^?&#]+)`)
	youtubeSubPath = regexp.MustCompile(`(?i)youtube\.com/(?:embed|live|shorts)/([^?&/#]+)`)
)

// Select inspects canonicalURL and picks a delivery mode.
// The decision is made once per load and is not re-evaluated mid-session.
func Select(canonicalURL string) Decision {
	if youtubeHost.MatchString(canonicalURL) {
		return Decision{
			Mode:      ModeEmbedded,
			Provider:  ProviderYouTube,
			ContentID: extractYouTubeID(canonicalURL),
		}
	}
	return Decision{Mode: ModeAdaptive}
}

// extractYouTubeID falls back to the raw input when no id pattern matches
func extractYouTubeID(raw string) string {
	for _, re := range []*regexp.Regexp{youtuBePath, youtubeQueryV, youtubeSubPath} {
		if m := re.FindStringSubmatch(raw); len(m) == 2 {
			return m[1]
		}
	}
	return raw
}

// EmbedURL builds the iframe source for an embedded decision
func EmbedURL(d Decision, autoplay, muted bool) (string, error) {
	if !d.IsEmbedded() {
		return "", fmt.Errorf("embed url requested for %s mode", d.Mode)
	}
	if d.Provider != ProviderYouTube {
		return "", fmt.Errorf("unsupported embed provider: %s", d.Provider)
	}

	q := url.Values{}
	q.Set("rel", "0")
	q.Set("modestbranding", "1")
	q.Set("autoplay", boolFlag(autoplay))
	q.Set("mute", boolFlag(muted))

	return "https://www.youtube.com/embed/" + url.PathEscape(d.ContentID) + "?" + q.Encode(), nil
}

// ParseFlag interprets loosely-typed boolean attributes ("true", "1", "yes", "on").
// An empty value yields def.
func ParseFlag(value string, def bool) bool {
	if value == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
