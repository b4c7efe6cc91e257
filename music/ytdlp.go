package music

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

// YTDLPResolver resolves queries by running yt-dlp.
type YTDLPResolver struct {
	path string
	log  *zap.Logger
}

func NewYTDLPResolver(path string, log *zap.Logger) (*YTDLPResolver, error) {
	if _, err := exec.LookPath(path); err != nil {
		return nil, errs.E(errs.ResourceUnavailable, "music.NewYTDLPResolver", path, err)
	}
	return &YTDLPResolver{path: path, log: log.Named("ytdlp")}, nil
}

type ytdlpInfo struct {
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
	WebPage  string  `json:"webpage_url"`
}

func (y *YTDLPResolver) Lookup(ctx context.Context, query string) (Metadata, error) {
	q := strings.TrimSpace(query)
	if isHTTPURL(q) && looksLikeDirectAudioURL(q) {
		return Metadata{Title: deriveTitleFromURL(q), URL: q}, nil
	}
	info, err := y.run(ctx, "music.Lookup", q)
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{Title: info.Title, URL: info.WebPage, Duration: seconds(info.Duration)}, nil
}

func (y *YTDLPResolver) Resolve(ctx context.Context, query string) (storage.StreamRef, error) {
	q := strings.TrimSpace(query)
	if isHTTPURL(q) && looksLikeDirectAudioURL(q) {
		return storage.StreamRef{Source: q, Title: deriveTitleFromURL(q), URL: q}, nil
	}
	info, err := y.run(ctx, "music.Resolve", q)
	if err != nil {
		return storage.StreamRef{}, err
	}
	return storage.StreamRef{
		Source:   info.URL,
		Title:    info.Title,
		URL:      info.WebPage,
		Duration: seconds(info.Duration),
	}, nil
}

func (y *YTDLPResolver) run(ctx context.Context, op, query string) (ytdlpInfo, error) {
	candidates, err := searchCandidates(query)
	if err != nil {
		return ytdlpInfo{}, errs.E(errs.Unresolvable, op, query, err)
	}

	var lastErr error
	for _, cand := range candidates {
		info, err := y.exec(ctx, cand)
		if err == nil {
			return info, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		y.log.Debug("candidate failed", zap.String("candidate", cand), zap.Error(err))
	}
	return ytdlpInfo{}, errs.E(errs.Unresolvable, op, query, lastErr)
}

// searchCandidates maps a query to the yt-dlp inputs to try, in order.
// Plain text searches YouTube first and falls back to SoundCloud.
func searchCandidates(query string) ([]string, error) {
	if query == "" {
		return nil, errors.New("empty query")
	}
	if isHTTPURL(query) {
		return []string{query}, nil
	}

	provider, term := splitProviderPrefix(query)
	if provider == "bc" {
		if !isHTTPURL(term) {
			return nil, errors.New("bc: expects a Bandcamp URL")
		}
		return []string{term}, nil
	}
	if term == "" {
		return nil, errors.New("missing search query")
	}
	if isHTTPURL(term) {
		return []string{term}, nil
	}

	switch provider {
	case "yt":
		return []string{"ytsearch1:" + term}, nil
	case "sc":
		return []string{"scsearch5:" + term}, nil
	default:
		return []string{"ytsearch1:" + term, "scsearch5:" + term}, nil
	}
}

func (y *YTDLPResolver) exec(ctx context.Context, input string) (ytdlpInfo, error) {
	args := []string{
		"--no-playlist",
		"--dump-json",
		"--no-warnings",
		"--no-check-certificates",
	}
	if strings.HasPrefix(input, "scsearch") || strings.Contains(input, "soundcloud.com") {
		args = append(args, "-f", "http_mp3_128/http_mp3_64/bestaudio/best")
	} else {
		args = append(args,
			"-f", "bestaudio/best",
			"--format-sort", "proto:https,ext:m4a:mp3:opus:ogg,aext:m4a:mp3:opus:ogg,acodec:opus:aac",
		)
	}
	args = append(args, input)

	cmd := exec.CommandContext(ctx, y.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ytdlpInfo{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return ytdlpInfo{}, fmt.Errorf("yt-dlp failed: %s", msg)
	}
	return parseYTDLPOutput(stdout.Bytes())
}

// parseYTDLPOutput picks the first usable entry from yt-dlp's line-delimited
// JSON. SoundCloud previews are skipped.
func parseYTDLPOutput(out []byte) (ytdlpInfo, error) {
	if len(bytes.TrimSpace(out)) == 0 {
		return ytdlpInfo{}, errors.New("yt-dlp returned no results")
	}

	var lastErr error
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var info ytdlpInfo
		if err := json.Unmarshal(line, &info); err != nil {
			lastErr = fmt.Errorf("yt-dlp JSON parse error: %w", err)
			continue
		}
		if info.URL == "" {
			lastErr = errors.New("yt-dlp returned no stream url")
			continue
		}
		if isPreviewStream(info) {
			lastErr = fmt.Errorf("soundcloud returned a preview stream (%ds)", int(info.Duration))
			continue
		}
		return info, nil
	}
	if err := sc.Err(); err != nil {
		return ytdlpInfo{}, err
	}
	return ytdlpInfo{}, lastErr
}

func isPreviewStream(info ytdlpInfo) bool {
	if strings.Contains(strings.ToLower(info.URL), "cf-preview-media.sndcdn.com") {
		return true
	}
	return strings.Contains(strings.ToLower(info.WebPage), "soundcloud.com") && info.Duration > 0 && info.Duration < 45
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
