package music

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
	"github.com/VeridonNetzwerk/discord-universal-bot/pool"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

const lavalinkClientName = "discord-universal-bot"

// LavalinkBackend plays through a Lavalink v4 node. It also resolves queries
// with the node's loadtracks endpoint. Player updates for a guild are sent in
// order on a per-guild queue.
type LavalinkBackend struct {
	base     string
	wsURL    string
	password string
	userID   string
	voice    *VoiceRegistry
	client   *http.Client
	log      *zap.Logger

	wsMu      sync.RWMutex
	ws        *websocket.Conn
	sessionID string

	mu      sync.Mutex
	players map[string]*lavalinkPlayer

	ops       *pool.KeyedQueue
	closed    chan struct{}
	closeOnce sync.Once
}

type lavalinkPlayer struct {
	encoded string
	done    TrackEndFunc
	lastErr error
}

type lavalinkTrack struct {
	Encoded string `json:"encoded"`
	Info    struct {
		Title  string `json:"title"`
		Length int64  `json:"length"`
		URI    string `json:"uri"`
	} `json:"info"`
}

func (t lavalinkTrack) stream() storage.StreamRef {
	return storage.StreamRef{
		Source:   t.Encoded,
		Title:    t.Info.Title,
		URL:      t.Info.URI,
		Duration: time.Duration(t.Info.Length) * time.Millisecond,
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("lavalink returned %d: %s", e.code, e.body)
}

// NewLavalinkBackend waits for the node to answer and opens the event socket.
func NewLavalinkBackend(ctx context.Context, cfg *config.LavalinkMusicConfig, userID string, voice *VoiceRegistry, log *zap.Logger) (*LavalinkBackend, error) {
	const op = "music.NewLavalinkBackend"
	l := newLavalink(cfg, userID, voice, log)

	var pingErr error
	for attempt := 1; attempt <= 15; attempt++ {
		if pingErr = l.ping(ctx); pingErr == nil {
			break
		}
		l.log.Info("waiting for lavalink", zap.String("addr", l.base), zap.Int("attempt", attempt), zap.Error(pingErr))
		select {
		case <-ctx.Done():
			return nil, errs.E(errs.ResourceUnavailable, op, l.base, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if pingErr != nil {
		return nil, errs.E(errs.ResourceUnavailable, op, l.base, pingErr)
	}
	if err := l.connectWS(ctx); err != nil {
		return nil, errs.E(errs.ResourceUnavailable, op, l.base, err)
	}
	return l, nil
}

func newLavalink(cfg *config.LavalinkMusicConfig, userID string, voice *VoiceRegistry, log *zap.Logger) *LavalinkBackend {
	scheme, wsScheme := "http", "ws"
	if cfg.Secure {
		scheme, wsScheme = "https", "wss"
	}
	return &LavalinkBackend{
		base:     fmt.Sprintf("%s://%s:%d", scheme, cfg.Host, cfg.Port),
		wsURL:    fmt.Sprintf("%s://%s:%d/v4/websocket", wsScheme, cfg.Host, cfg.Port),
		password: cfg.Password,
		userID:   userID,
		voice:    voice,
		client:   &http.Client{Timeout: 15 * time.Second},
		log:      log.Named("lavalink"),
		players:  make(map[string]*lavalinkPlayer),
		ops:      pool.NewKeyedQueue(),
		closed:   make(chan struct{}),
	}
}

func (l *LavalinkBackend) Name() string { return "lavalink" }

func (l *LavalinkBackend) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, l.base+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", l.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (l *LavalinkBackend) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return l.do(ctx, http.MethodGet, "/version", nil, nil)
}

func (l *LavalinkBackend) connectWS(ctx context.Context) error {
	headers := http.Header{}
	headers.Set("Authorization", l.password)
	headers.Set("User-Id", l.userID)
	headers.Set("Client-Name", lavalinkClientName)

	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := d.DialContext(ctx, l.wsURL, headers)
	if err != nil {
		return fmt.Errorf("ws dial %s: %w", l.wsURL, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	var ready struct {
		Op        string `json:"op"`
		SessionID string `json:"sessionId"`
	}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("ws read: %w", err)
		}
		if json.Unmarshal(msg, &ready) == nil && strings.EqualFold(ready.Op, "ready") && ready.SessionID != "" {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	l.wsMu.Lock()
	old := l.ws
	l.ws = conn
	l.sessionID = ready.SessionID
	l.wsMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	l.log.Info("websocket connected", zap.String("session", ready.SessionID))
	go l.readLoop(conn)
	return nil
}

func (l *LavalinkBackend) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			l.handleEvent(msg)
			continue
		}

		l.wsMu.Lock()
		current := l.ws == conn
		if current {
			l.ws = nil
			l.sessionID = ""
		}
		l.wsMu.Unlock()
		_ = conn.Close()
		if !current {
			return
		}

		select {
		case <-l.closed:
			return
		default:
		}
		l.log.Warn("websocket disconnected", zap.Error(err))

		for attempt := 1; attempt <= 10; attempt++ {
			select {
			case <-l.closed:
				return
			case <-time.After(time.Duration(attempt) * time.Second):
			}
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			err := l.connectWS(ctx)
			cancel()
			if err == nil {
				return
			}
			l.log.Warn("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		l.log.Error("gave up reconnecting to lavalink")
		return
	}
}

type lavalinkEvent struct {
	Op      string `json:"op"`
	Type    string `json:"type"`
	GuildID string `json:"guildId"`
	Track   *struct {
		Encoded string `json:"encoded"`
		Info    struct {
			Title string `json:"title"`
		} `json:"info"`
	} `json:"track"`
	Exception *struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
		Cause    string `json:"cause"`
	} `json:"exception"`
	Reason      string `json:"reason"`
	ThresholdMs int64  `json:"thresholdMs"`
	Code        int    `json:"code"`
	ByRemote    bool   `json:"byRemote"`
}

func (l *LavalinkBackend) handleEvent(msg []byte) {
	var ev lavalinkEvent
	if err := json.Unmarshal(msg, &ev); err != nil || ev.Op != "event" {
		return
	}
	encoded, title := "", ""
	if ev.Track != nil {
		encoded, title = ev.Track.Encoded, ev.Track.Info.Title
	}
	log := l.log.With(zap.String("guild", ev.GuildID), zap.String("title", title))

	switch ev.Type {
	case "TrackStartEvent":
		log.Debug("track start")
	case "TrackEndEvent":
		log.Debug("track end", zap.String("reason", ev.Reason))
		switch ev.Reason {
		case "finished":
			l.deliver(ev.GuildID, encoded, nil)
		case "loadFailed":
			l.deliver(ev.GuildID, encoded, errors.New("load failed"))
		}
	case "TrackExceptionEvent":
		var cause error = errors.New("track exception")
		if ev.Exception != nil {
			cause = errors.New(ev.Exception.Message)
			log.Warn("track exception", zap.String("severity", ev.Exception.Severity), zap.String("cause", ev.Exception.Cause))
		}
		l.mu.Lock()
		if p := l.players[ev.GuildID]; p != nil && p.encoded == encoded {
			p.lastErr = cause
		}
		l.mu.Unlock()
	case "TrackStuckEvent":
		log.Warn("track stuck", zap.Int64("threshold_ms", ev.ThresholdMs))
		l.deliver(ev.GuildID, encoded, fmt.Errorf("track stuck for %dms", ev.ThresholdMs))
	case "WebSocketClosedEvent":
		log.Warn("voice websocket closed", zap.Int("code", ev.Code), zap.Bool("by_remote", ev.ByRemote))
	}
}

// deliver reports the end of encoded to its player. Events for a track the
// guild no longer plays are dropped.
func (l *LavalinkBackend) deliver(guildID, encoded string, err error) {
	l.mu.Lock()
	p := l.players[guildID]
	if p == nil || p.encoded != encoded {
		l.mu.Unlock()
		return
	}
	delete(l.players, guildID)
	if err != nil && p.lastErr != nil {
		err = p.lastErr
	}
	l.mu.Unlock()
	p.done(err)
}

func (l *LavalinkBackend) finish(guildID string, p *lavalinkPlayer, err error) {
	l.mu.Lock()
	if l.players[guildID] != p {
		l.mu.Unlock()
		return
	}
	delete(l.players, guildID)
	l.mu.Unlock()
	p.done(err)
}

func (l *LavalinkBackend) current(guildID string, p *lavalinkPlayer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.players[guildID] == p
}

func (l *LavalinkBackend) session() string {
	l.wsMu.RLock()
	defer l.wsMu.RUnlock()
	return l.sessionID
}

func (l *LavalinkBackend) ensureSession(ctx context.Context) (string, error) {
	if sid := l.session(); sid != "" {
		return sid, nil
	}
	if err := l.connectWS(ctx); err != nil {
		return "", err
	}
	if sid := l.session(); sid != "" {
		return sid, nil
	}
	return "", errors.New("no lavalink session after reconnect")
}

func playerPath(sessionID, guildID string) string {
	return fmt.Sprintf("/v4/sessions/%s/players/%s", sessionID, guildID)
}

func (l *LavalinkBackend) updateVoice(ctx context.Context, sessionID, guildID string) error {
	wctx, cancel := context.WithTimeout(ctx, 8*time.Second)
	token, endpoint, voiceSession, err := l.voice.Wait(wctx, guildID)
	cancel()
	if err != nil {
		return fmt.Errorf("voice not ready: %w", err)
	}

	body := map[string]any{"voice": map[string]any{
		"token":     token,
		"endpoint":  endpoint,
		"sessionId": voiceSession,
	}}
	err = l.do(ctx, http.MethodPatch, playerPath(sessionID, guildID), body, nil)
	var se *statusError
	if !errors.As(err, &se) || se.code != http.StatusNotFound {
		return err
	}

	l.log.Info("lavalink session stale, reconnecting")
	if err := l.connectWS(ctx); err != nil {
		return fmt.Errorf("voice update failed and reconnect failed: %w", err)
	}
	sid := l.session()
	if sid == "" {
		return errors.New("no lavalink session after reconnect")
	}
	return l.do(ctx, http.MethodPatch, playerPath(sid, guildID), body, nil)
}

func (l *LavalinkBackend) start(ctx context.Context, guildID, encoded string, volume int) error {
	sid, err := l.ensureSession(ctx)
	if err != nil {
		return err
	}
	if err := l.updateVoice(ctx, sid, guildID); err != nil {
		return err
	}
	if sid = l.session(); sid == "" {
		return errors.New("lavalink session lost")
	}
	return l.do(ctx, http.MethodPatch, playerPath(sid, guildID), map[string]any{
		"track":  map[string]any{"encoded": encoded},
		"volume": volume,
		"paused": false,
	}, nil)
}

func (l *LavalinkBackend) Play(guildID string, stream storage.StreamRef, volume int, done TrackEndFunc) error {
	if stream.Source == "" {
		return errors.New("empty encoded track")
	}
	p := &lavalinkPlayer{encoded: stream.Source, done: done}
	l.mu.Lock()
	l.players[guildID] = p
	l.mu.Unlock()

	l.ops.Do(guildID, func() {
		if !l.current(guildID, p) {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := l.start(ctx, guildID, stream.Source, volume); err != nil {
			l.log.Warn("player start failed", zap.String("guild", guildID), zap.Error(err))
			l.finish(guildID, p, err)
			return
		}
		l.log.Info("track sent", zap.String("guild", guildID), zap.String("title", stream.Title))
	})
	return nil
}

// update sends a partial player update in guild order.
func (l *LavalinkBackend) update(guildID string, body map[string]any) {
	l.ops.Do(guildID, func() {
		sid := l.session()
		if sid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		if err := l.do(ctx, http.MethodPatch, playerPath(sid, guildID), body, nil); err != nil {
			l.log.Warn("player update failed", zap.String("guild", guildID), zap.Error(err))
		}
	})
}

func (l *LavalinkBackend) Stop(guildID string) {
	l.mu.Lock()
	_, had := l.players[guildID]
	delete(l.players, guildID)
	l.mu.Unlock()
	if had {
		l.update(guildID, map[string]any{"track": map[string]any{"encoded": nil}})
	}
}

func (l *LavalinkBackend) SetPaused(guildID string, paused bool) {
	l.update(guildID, map[string]any{"paused": paused})
}

func (l *LavalinkBackend) SetVolume(guildID string, volume int) {
	l.update(guildID, map[string]any{"volume": volume})
}

func (l *LavalinkBackend) Release(guildID string) {
	l.mu.Lock()
	delete(l.players, guildID)
	l.mu.Unlock()
	l.ops.Do(guildID, func() {
		sid := l.session()
		if sid == "" {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		if err := l.do(ctx, http.MethodDelete, playerPath(sid, guildID), nil, nil); err != nil {
			l.log.Debug("destroy player failed", zap.String("guild", guildID), zap.Error(err))
		}
	})
}

func (l *LavalinkBackend) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.ops.Wait()
		l.wsMu.Lock()
		if l.ws != nil {
			_ = l.ws.Close()
			l.ws = nil
		}
		l.sessionID = ""
		l.wsMu.Unlock()
	})
}

func lavalinkIdentifier(query string) (string, error) {
	q := strings.TrimSpace(query)
	if isHTTPURL(q) {
		return q, nil
	}
	provider, term := splitProviderPrefix(q)
	if term == "" {
		return "", errors.New("missing search query")
	}
	switch provider {
	case "":
		return "ytsearch:" + term, nil
	case "yt":
		return "ytsearch:" + term, nil
	case "sc":
		return "scsearch:" + term, nil
	case "bc":
		if !isHTTPURL(term) {
			return "", errors.New("bc: expects a Bandcamp URL")
		}
		return term, nil
	}
	return "", fmt.Errorf("unknown provider %q", provider)
}

func (l *LavalinkBackend) loadTrack(ctx context.Context, query string) (lavalinkTrack, error) {
	id, err := lavalinkIdentifier(query)
	if err != nil {
		return lavalinkTrack{}, err
	}

	var result struct {
		LoadType string          `json:"loadType"`
		Data     json.RawMessage `json:"data"`
	}
	if err := l.do(ctx, http.MethodGet, "/v4/loadtracks?identifier="+url.QueryEscape(id), nil, &result); err != nil {
		return lavalinkTrack{}, err
	}

	switch result.LoadType {
	case "track":
		var t lavalinkTrack
		if err := json.Unmarshal(result.Data, &t); err != nil {
			return lavalinkTrack{}, err
		}
		return t, nil
	case "search":
		var tracks []lavalinkTrack
		if err := json.Unmarshal(result.Data, &tracks); err != nil {
			return lavalinkTrack{}, err
		}
		if len(tracks) == 0 {
			return lavalinkTrack{}, errors.New("no results")
		}
		return tracks[0], nil
	case "playlist":
		var pl struct {
			Tracks []lavalinkTrack `json:"tracks"`
		}
		if err := json.Unmarshal(result.Data, &pl); err != nil {
			return lavalinkTrack{}, err
		}
		if len(pl.Tracks) == 0 {
			return lavalinkTrack{}, errors.New("empty playlist")
		}
		return pl.Tracks[0], nil
	case "empty":
		return lavalinkTrack{}, errors.New("no results")
	case "error":
		var ex struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(result.Data, &ex)
		if ex.Message == "" {
			ex.Message = "load failed"
		}
		return lavalinkTrack{}, errors.New(ex.Message)
	}
	return lavalinkTrack{}, fmt.Errorf("unknown loadType %q", result.LoadType)
}

func (l *LavalinkBackend) Lookup(ctx context.Context, query string) (Metadata, error) {
	t, err := l.loadTrack(ctx, query)
	if err != nil {
		return Metadata{}, errs.E(errs.Unresolvable, "lavalink.Lookup", query, err)
	}
	s := t.stream()
	return Metadata{Title: s.Title, URL: s.URL, Duration: s.Duration}, nil
}

func (l *LavalinkBackend) Resolve(ctx context.Context, query string) (storage.StreamRef, error) {
	t, err := l.loadTrack(ctx, query)
	if err != nil {
		return storage.StreamRef{}, errs.E(errs.Unresolvable, "lavalink.Resolve", query, err)
	}
	return t.stream(), nil
}
