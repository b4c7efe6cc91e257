package music

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
	"github.com/VeridonNetzwerk/discord-universal-bot/pool"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

type Settings struct {
	MaxQueueSize    int
	DefaultVolume   int
	IdleTimeout     time.Duration
	MetadataTimeout time.Duration
	ResolveTimeout  time.Duration
	StrictMetadata  bool
}

func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		MaxQueueSize:    cfg.Music.MaxQueueSize,
		DefaultVolume:   cfg.Music.DefaultVolume,
		IdleTimeout:     cfg.IdleTimeout(),
		MetadataTimeout: cfg.MetadataTimeout(),
		ResolveTimeout:  cfg.ResolveTimeout(),
		StrictMetadata:  cfg.Music.MetadataPolicy == config.MetadataStrict,
	}
}

// Dispatcher runs fn in the guild's serialized event order.
type Dispatcher func(guildID string, fn func(ctx context.Context))

// Snapshot is a copy of a guild's playback state.
type Snapshot struct {
	GuildID      string
	VoiceChannel string
	Status       storage.PlayerStatus
	NowPlaying   *storage.Track
	Loading      *storage.Track
	Position     time.Duration
	Queue        []storage.Track
	Volume       int
}

// Engine runs one playback state machine per guild on top of storage.Store.
// Stream resolution happens outside the guild lock; its result is only
// committed if the player generation did not move in the meantime.
type Engine struct {
	store    *storage.Store
	resolver Resolver
	backend  Backend
	voice    Voice
	notify   Notifier
	log      *zap.Logger

	settings atomic.Pointer[Settings]
	dispatch atomic.Pointer[Dispatcher]
	inflight sync.WaitGroup
	now      func() time.Time
}

type attempt struct {
	guildID string
	gen     uint64
	track   *storage.Track
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewEngine(store *storage.Store, resolver Resolver, backend Backend, voice Voice, notify Notifier, s Settings, log *zap.Logger) *Engine {
	if notify == nil {
		notify = NopNotifier{}
	}
	e := &Engine{
		store:    store,
		resolver: resolver,
		backend:  backend,
		voice:    voice,
		notify:   notify,
		log:      log.Named("music"),
		now:      time.Now,
	}
	e.SetSettings(s)
	e.SetDispatcher(func(_ string, fn func(ctx context.Context)) { go fn(context.Background()) })
	return e
}

func (e *Engine) SetSettings(s Settings) {
	if s.MaxQueueSize <= 0 {
		s.MaxQueueSize = 100
	}
	if s.DefaultVolume <= 0 {
		s.DefaultVolume = 50
	}
	e.settings.Store(&s)
}

// SetDispatcher routes timer and backend callbacks through d.
func (e *Engine) SetDispatcher(d Dispatcher) { e.dispatch.Store(&d) }

func (e *Engine) BackendName() string { return e.backend.Name() }

func (e *Engine) cfg() Settings { return *e.settings.Load() }

func (e *Engine) post(guildID string, fn func(ctx context.Context)) {
	(*e.dispatch.Load())(guildID, fn)
}

func (e *Engine) hasPlayer(guildID string) bool {
	found := false
	e.store.View(guildID, func(gs *storage.GuildState) { found = gs.Player != nil })
	return found
}

// Join connects to channelID. A failed join leaves no player behind.
func (e *Engine) Join(ctx context.Context, guildID, channelID string) error {
	const op = "music.Join"

	same := false
	e.store.View(guildID, func(gs *storage.GuildState) {
		same = gs.Player != nil && gs.Player.VoiceChannel == channelID
	})
	if same {
		return nil
	}

	var err error
	pool.Blocking(ctx, func() { err = e.voice.Join(ctx, guildID, channelID) })
	if err != nil {
		return errs.E(errs.ResourceUnavailable, op, channelID, err)
	}

	s := e.cfg()
	return e.store.With(guildID, func(gs *storage.GuildState) error {
		if gs.Player == nil {
			gs.Player = storage.NewPlayerState(channelID, s.DefaultVolume)
			e.armIdle(guildID, gs.Player, s)
			e.log.Info("joined voice", zap.String("guild", guildID), zap.String("channel", channelID))
			return nil
		}
		gs.Player.VoiceChannel = channelID
		return nil
	})
}

// Enqueue appends query to the queue. Metadata is looked up eagerly; the
// stream is not resolved until the track is about to play. The returned
// position is 0 when the track starts loading right away.
func (e *Engine) Enqueue(ctx context.Context, guildID, query, requestedBy, requestChannel string) (storage.Track, int, error) {
	const op = "music.Enqueue"

	query = strings.TrimSpace(query)
	if query == "" {
		return storage.Track{}, 0, errs.E(errs.InvalidState, op, "", errors.New("empty query"))
	}
	if !e.hasPlayer(guildID) {
		return storage.Track{}, 0, errs.E(errs.NotFound, op, guildID, errors.New("not connected to voice"))
	}

	s := e.cfg()
	t := &storage.Track{
		ID:             uuid.NewString(),
		Query:          query,
		RequestedBy:    requestedBy,
		RequestChannel: requestChannel,
		QueuedAt:       e.now(),
	}

	var (
		meta Metadata
		err  error
	)
	pool.Blocking(ctx, func() {
		lctx, cancel := context.WithTimeout(ctx, s.MetadataTimeout)
		defer cancel()
		meta, err = e.resolver.Lookup(lctx, query)
	})
	if err != nil {
		if s.StrictMetadata {
			return storage.Track{}, 0, errs.E(errs.Unresolvable, op, query, err)
		}
		e.log.Debug("metadata lookup failed", zap.String("guild", guildID), zap.String("query", query), zap.Error(err))
	} else {
		t.Title, t.URL, t.Duration = meta.Title, meta.URL, meta.Duration
	}

	var (
		out  storage.Track
		pos  int
		next *attempt
	)
	err = e.store.With(guildID, func(gs *storage.GuildState) error {
		p := gs.Player
		if p == nil {
			return errs.E(errs.NotFound, op, guildID, errors.New("not connected to voice"))
		}
		if len(p.Queue) >= s.MaxQueueSize {
			return errs.E(errs.InvalidState, op, t.DisplayTitle(), fmt.Errorf("queue is full (%d/%d)", len(p.Queue), s.MaxQueueSize))
		}
		p.Queue = append(p.Queue, t)
		p.StopIdle()
		pos = len(p.Queue)
		if p.Loading == nil && (p.Status == storage.PlayerIdle || p.Status == storage.PlayerStopped) {
			var notes []func()
			next = e.advanceLocked(gs, s, &notes)
			pos = 0
		}
		out = *t
		return nil
	})
	if err != nil {
		return storage.Track{}, 0, err
	}
	e.launch(next)
	return out, pos, nil
}

// advanceLocked pops the queue head and prepares its playback attempt.
// An empty queue stops the player and arms the idle timer.
func (e *Engine) advanceLocked(gs *storage.GuildState, s Settings, notes *[]func()) *attempt {
	p := gs.Player
	guildID := gs.GuildID
	p.StopIdle()

	if len(p.Queue) == 0 {
		p.Invalidate()
		p.Halt(storage.PlayerStopped)
		e.armIdle(guildID, p, s)
		*notes = append(*notes, func() { e.notify.QueueFinished(guildID) })
		return nil
	}

	t := p.Queue[0]
	p.Queue[0] = nil
	p.Queue = p.Queue[1:]

	gen := p.Invalidate()
	p.Halt(storage.PlayerIdle)

	ctx, cancel := context.WithCancel(context.Background())
	if s.ResolveTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), s.ResolveTimeout)
	}
	p.Loading = t
	p.Cancel = cancel
	return &attempt{guildID: guildID, gen: gen, track: t, ctx: ctx, cancel: cancel}
}

func (e *Engine) launch(a *attempt) {
	if a == nil {
		return
	}
	e.inflight.Add(1)
	go e.run(a)
}

// run resolves the attempt's stream, then commits it if still current.
// Failures skip to the next queued track.
func (e *Engine) run(a *attempt) {
	defer e.inflight.Done()

	stream, err := e.resolver.Resolve(a.ctx, a.track.Query)
	a.cancel()

	var (
		notes []func()
		next  *attempt
	)
	_, _ = e.store.Update(a.guildID, func(gs *storage.GuildState) error {
		p := gs.Player
		if p == nil || p.Generation != a.gen {
			return nil
		}
		if err == nil {
			err = e.startLocked(a.guildID, p, a.track, stream)
		}
		if err != nil {
			failed, cause := *a.track, err
			e.log.Warn("track failed", zap.String("guild", a.guildID), zap.String("query", failed.Query), zap.Error(cause))
			notes = append(notes, func() { e.notify.TrackFailed(a.guildID, failed, cause) })
			next = e.advanceLocked(gs, e.cfg(), &notes)
			return nil
		}
		started := *a.track
		notes = append(notes, func() { e.notify.TrackStarted(a.guildID, started) })
		return nil
	})

	for _, n := range notes {
		n()
	}
	e.launch(next)
}

func (e *Engine) startLocked(guildID string, p *storage.PlayerState, t *storage.Track, stream storage.StreamRef) error {
	p.Cancel = nil
	p.Loading = nil
	if t.Title == "" {
		t.Title = stream.Title
	}
	if t.URL == "" {
		t.URL = stream.URL
	}
	if t.Duration == 0 {
		t.Duration = stream.Duration
	}

	gen := p.Generation
	done := func(err error) {
		e.post(guildID, func(ctx context.Context) { e.TrackEnded(guildID, gen, err) })
	}
	if err := e.backend.Play(guildID, stream, p.Volume, done); err != nil {
		return errs.E(errs.ResourceUnavailable, "music.play", t.DisplayTitle(), err)
	}
	t.Stream = &stream
	p.Start(t, e.now())
	e.log.Info("track started", zap.String("guild", guildID), zap.String("title", t.DisplayTitle()), zap.Uint64("generation", gen))
	return nil
}

// TrackEnded handles the end of the stream started at generation. Stale
// generations are ignored.
func (e *Engine) TrackEnded(guildID string, generation uint64, cause error) {
	var (
		notes []func()
		next  *attempt
	)
	_, _ = e.store.Update(guildID, func(gs *storage.GuildState) error {
		p := gs.Player
		if p == nil || p.Generation != generation || p.NowPlaying == nil {
			return nil
		}
		if cause != nil {
			failed := *p.NowPlaying
			err := errs.E(errs.Unresolvable, "music.stream", failed.DisplayTitle(), cause)
			notes = append(notes, func() { e.notify.TrackFailed(guildID, failed, err) })
		}
		next = e.advanceLocked(gs, e.cfg(), &notes)
		return nil
	})
	for _, n := range notes {
		n()
	}
	e.launch(next)
}

// Skip stops the current track and advances.
func (e *Engine) Skip(ctx context.Context, guildID string) (storage.Track, error) {
	const op = "music.Skip"

	var (
		skipped storage.Track
		notes   []func()
		next    *attempt
	)
	err := e.store.With(guildID, func(gs *storage.GuildState) error {
		p := gs.Player
		if p == nil {
			return errs.E(errs.NotFound, op, guildID, errors.New("not connected to voice"))
		}
		if p.Status != storage.PlayerPlaying && p.Status != storage.PlayerPaused {
			return errs.E(errs.InvalidState, op, string(p.Status), errors.New("nothing is playing"))
		}
		skipped = *p.NowPlaying
		e.backend.Stop(guildID)
		next = e.advanceLocked(gs, e.cfg(), &notes)
		return nil
	})
	if err != nil {
		return storage.Track{}, err
	}
	for _, n := range notes {
		n()
	}
	e.launch(next)
	return skipped, nil
}

func (e *Engine) Pause(ctx context.Context, guildID string) error {
	const op = "music.Pause"
	return e.store.With(guildID, func(gs *storage.GuildState) error {
		p := gs.Player
		if p == nil {
			return errs.E(errs.NotFound, op, guildID, errors.New("not connected to voice"))
		}
		if p.Status != storage.PlayerPlaying {
			return errs.E(errs.InvalidState, op, string(p.Status), errors.New("nothing is playing"))
		}
		p.Pause(e.now())
		e.backend.SetPaused(guildID, true)
		return nil
	})
}

// Resume continues the paused track with its already resolved stream.
func (e *Engine) Resume(ctx context.Context, guildID string) error {
	const op = "music.Resume"
	return e.store.With(guildID, func(gs *storage.GuildState) error {
		p := gs.Player
		if p == nil {
			return errs.E(errs.NotFound, op, guildID, errors.New("not connected to voice"))
		}
		if p.Status != storage.PlayerPaused {
			return errs.E(errs.InvalidState, op, string(p.Status), errors.New("playback is not paused"))
		}
		p.Resume(e.now())
		e.backend.SetPaused(guildID, false)
		return nil
	})
}

// Stop clears the queue, aborts any resolution and stops the stream. The
// player stays in voice until the idle timeout.
func (e *Engine) Stop(ctx context.Context, guildID string) error {
	const op = "music.Stop"
	return e.store.With(guildID, func(gs *storage.GuildState) error {
		p := gs.Player
		if p == nil {
			return errs.E(errs.NotFound, op, guildID, errors.New("not connected to voice"))
		}
		for i := range p.Queue {
			p.Queue[i] = nil
		}
		p.Queue = nil
		p.Invalidate()
		e.backend.Stop(guildID)
		p.Halt(storage.PlayerStopped)
		e.armIdle(guildID, p, e.cfg())
		return nil
	})
}

// Leave stops playback, disconnects from voice and drops the player.
func (e *Engine) Leave(ctx context.Context, guildID string) error {
	const op = "music.Leave"
	err := e.store.With(guildID, func(gs *storage.GuildState) error {
		if gs.Player == nil {
			return errs.E(errs.NotFound, op, guildID, errors.New("not connected to voice"))
		}
		e.dropLocked(gs)
		return nil
	})
	if err != nil {
		return err
	}
	e.disconnect(ctx, guildID)
	return nil
}

// VoiceDisconnected drops the player after the bot lost its voice channel or
// was left alone in it.
func (e *Engine) VoiceDisconnected(ctx context.Context, guildID string) {
	had := false
	_, _ = e.store.Update(guildID, func(gs *storage.GuildState) error {
		if gs.Player != nil {
			e.dropLocked(gs)
			had = true
		}
		return nil
	})
	if had {
		e.disconnect(ctx, guildID)
	}
}

func (e *Engine) dropLocked(gs *storage.GuildState) {
	p := gs.Player
	p.Invalidate()
	p.StopIdle()
	e.backend.Release(gs.GuildID)
	gs.Player = nil
}

func (e *Engine) disconnect(ctx context.Context, guildID string) {
	var err error
	pool.Blocking(ctx, func() { err = e.voice.Leave(ctx, guildID) })
	if err != nil {
		e.log.Warn("voice leave failed", zap.String("guild", guildID), zap.Error(err))
		return
	}
	e.log.Info("left voice", zap.String("guild", guildID))
}

func (e *Engine) armIdle(guildID string, p *storage.PlayerState, s Settings) {
	p.StopIdle()
	if s.IdleTimeout <= 0 {
		return
	}
	gen := p.Generation
	p.IdleTimer = time.AfterFunc(s.IdleTimeout, func() {
		e.post(guildID, func(ctx context.Context) { e.idleExpired(ctx, guildID, gen) })
	})
}

func (e *Engine) idleExpired(ctx context.Context, guildID string, generation uint64) {
	left := false
	_, _ = e.store.Update(guildID, func(gs *storage.GuildState) error {
		p := gs.Player
		if p == nil || p.Generation != generation || p.Loading != nil || len(p.Queue) > 0 {
			return nil
		}
		if p.Status == storage.PlayerPlaying || p.Status == storage.PlayerPaused {
			return nil
		}
		e.dropLocked(gs)
		left = true
		return nil
	})
	if !left {
		return
	}
	e.disconnect(ctx, guildID)
	e.notify.IdleLeft(guildID)
}

// SetVolume clamps level to 0..100 and applies it.
func (e *Engine) SetVolume(ctx context.Context, guildID string, level int) (int, error) {
	const op = "music.SetVolume"
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	err := e.store.With(guildID, func(gs *storage.GuildState) error {
		if gs.Player == nil {
			return errs.E(errs.NotFound, op, guildID, errors.New("not connected to voice"))
		}
		gs.Player.Volume = level
		e.backend.SetVolume(guildID, level)
		return nil
	})
	return level, err
}

// CurrentState returns a copy of the guild's playback state.
func (e *Engine) CurrentState(guildID string) (Snapshot, bool) {
	var (
		snap Snapshot
		ok   bool
	)
	e.store.View(guildID, func(gs *storage.GuildState) {
		p := gs.Player
		if p == nil {
			return
		}
		ok = true
		snap = Snapshot{
			GuildID:      guildID,
			VoiceChannel: p.VoiceChannel,
			Status:       p.Status,
			Position:     p.Position(e.now()),
			Volume:       p.Volume,
			Queue:        make([]storage.Track, 0, len(p.Queue)),
		}
		if p.NowPlaying != nil {
			np := *p.NowPlaying
			snap.NowPlaying = &np
		}
		if p.Loading != nil {
			l := *p.Loading
			snap.Loading = &l
		}
		for _, t := range p.Queue {
			snap.Queue = append(snap.Queue, *t)
		}
	})
	return snap, ok
}

// Wait blocks until no playback attempt is resolving.
func (e *Engine) Wait() { e.inflight.Wait() }

// Shutdown leaves every guild and waits for in-flight attempts or ctx.
func (e *Engine) Shutdown(ctx context.Context) {
	for _, guildID := range e.store.Guilds() {
		if err := e.Leave(ctx, guildID); err != nil && !errors.Is(err, errs.NotFound) {
			e.log.Warn("leave on shutdown failed", zap.String("guild", guildID), zap.Error(err))
		}
	}
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	e.backend.Close()
}
