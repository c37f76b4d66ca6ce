package pipeline

import (
	"net/url"
	"strings"
)

// isHTTPTransport reports whether rawURL should be fetched with a plain
// HTTP(S) GET rather than handed to the aria2-backed transport downloader.
// Metalink/torrent documents keep their native suffix even under an
// http(s) scheme (spec "direct HTTP(S), metalink, magnet, and .torrent
// transport transparently") and need aria2's own parsing, not a raw GET.
func isHTTPTransport(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		lower := strings.ToLower(u.Path)
		return !strings.HasSuffix(lower, ".torrent") &&
			!strings.HasSuffix(lower, ".metalink") &&
			!strings.HasSuffix(lower, ".meta4")
	default:
		return false
	}
}
