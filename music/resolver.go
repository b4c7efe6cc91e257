package music

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

// Metadata is the display information for a query.
type Metadata struct {
	Title    string
	URL      string
	Duration time.Duration
}

// Resolver turns a search text or URL into something playable. Both methods
// may take seconds and must honour ctx. Failures wrap errs.Unresolvable.
type Resolver interface {
	// Lookup fetches display metadata only.
	Lookup(ctx context.Context, query string) (Metadata, error)
	// Resolve produces a fresh stream for immediate playback.
	Resolve(ctx context.Context, query string) (storage.StreamRef, error)
}

func splitProviderPrefix(q string) (provider string, term string) {
	lower := strings.ToLower(strings.TrimSpace(q))
	for _, p := range []string{"yt:", "sc:", "bc:"} {
		if strings.HasPrefix(lower, p) {
			return strings.TrimSuffix(p, ":"), strings.TrimSpace(strings.TrimSpace(q)[len(p):])
		}
	}
	return "", strings.TrimSpace(q)
}

func isHTTPURL(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func looksLikeDirectAudioURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".mp3", ".m4a", ".aac", ".ogg", ".opus", ".flac", ".wav", ".webm", ".m3u8", ".pls", ".m3u", ".mpd":
		return true
	}
	low := strings.ToLower(raw)
	return strings.Contains(low, "icecast") || strings.Contains(low, "/stream")
}

func deriveTitleFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "Direct stream"
	}
	base := strings.TrimSpace(path.Base(u.Path))
	if base == "" || base == "/" || base == "." {
		return "Direct stream"
	}
	return base
}

// FormatDuration renders d as m:ss, or h:mm:ss past an hour. Unknown is "?".
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "?"
	}
	s := int(d.Round(time.Second) / time.Second)
	h, m, sec := s/3600, (s%3600)/60, s%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%d:%02d", m, sec)
}
