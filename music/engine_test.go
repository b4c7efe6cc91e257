package music

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

const guild = "g1"

type fakeResolver struct {
	mu        sync.Mutex
	fail      map[string]bool
	gates     map[string]chan struct{}
	lookupErr error
	resolves  map[string]int
	started   chan string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		fail:     map[string]bool{},
		gates:    map[string]chan struct{}{},
		resolves: map[string]int{},
		started:  make(chan string, 16),
	}
}

func (r *fakeResolver) gate(query string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.gates[query] = ch
	return ch
}

func (r *fakeResolver) Lookup(ctx context.Context, query string) (Metadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupErr != nil {
		return Metadata{}, r.lookupErr
	}
	return Metadata{Title: "Title " + query, URL: "https://example.com/" + query}, nil
}

func (r *fakeResolver) Resolve(ctx context.Context, query string) (storage.StreamRef, error) {
	r.mu.Lock()
	r.resolves[query]++
	gate := r.gates[query]
	fail := r.fail[query]
	r.mu.Unlock()

	select {
	case r.started <- query:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return storage.StreamRef{}, ctx.Err()
		}
	}
	if fail {
		return storage.StreamRef{}, errs.E(errs.Unresolvable, "fake.Resolve", query, errors.New("no such track"))
	}
	return storage.StreamRef{Source: "src:" + query, Title: "Title " + query}, nil
}

func (r *fakeResolver) resolveCount(query string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolves[query]
}

type fakeBackend struct {
	mu      sync.Mutex
	plays   []string
	stops   int
	paused  []bool
	volumes []int
	done    TrackEndFunc
	playErr error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Play(guildID string, stream storage.StreamRef, volume int, done TrackEndFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.playErr != nil {
		return b.playErr
	}
	b.plays = append(b.plays, stream.Source)
	b.done = done
	return nil
}

func (b *fakeBackend) Stop(string) {
	b.mu.Lock()
	b.stops++
	b.done = nil
	b.mu.Unlock()
}

func (b *fakeBackend) SetPaused(_ string, paused bool) {
	b.mu.Lock()
	b.paused = append(b.paused, paused)
	b.mu.Unlock()
}

func (b *fakeBackend) SetVolume(_ string, v int) {
	b.mu.Lock()
	b.volumes = append(b.volumes, v)
	b.mu.Unlock()
}

func (b *fakeBackend) Release(g string) { b.Stop(g) }
func (b *fakeBackend) Close()           {}

// finish ends the current stream as if it ran out.
func (b *fakeBackend) finish(err error) {
	b.mu.Lock()
	done := b.done
	b.done = nil
	b.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (b *fakeBackend) played() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.plays...)
}

type fakeVoice struct {
	mu      sync.Mutex
	joinErr error
	joins   int
	leaves  int
}

func (v *fakeVoice) Join(context.Context, string, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.joinErr != nil {
		return v.joinErr
	}
	v.joins++
	return nil
}

func (v *fakeVoice) Leave(context.Context, string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.leaves++
	return nil
}

func (v *fakeVoice) leaveCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.leaves
}

type recordingNotifier struct {
	mu       sync.Mutex
	started  []string
	failed   []string
	finished int
	idle     int
}

func (n *recordingNotifier) TrackStarted(_ string, t storage.Track) {
	n.mu.Lock()
	n.started = append(n.started, t.Query)
	n.mu.Unlock()
}

func (n *recordingNotifier) TrackFailed(_ string, t storage.Track, _ error) {
	n.mu.Lock()
	n.failed = append(n.failed, t.Query)
	n.mu.Unlock()
}

func (n *recordingNotifier) QueueFinished(string) {
	n.mu.Lock()
	n.finished++
	n.mu.Unlock()
}

func (n *recordingNotifier) IdleLeft(string) {
	n.mu.Lock()
	n.idle++
	n.mu.Unlock()
}

func (n *recordingNotifier) snapshot() recordingNotifier {
	n.mu.Lock()
	defer n.mu.Unlock()
	return recordingNotifier{
		started:  append([]string(nil), n.started...),
		failed:   append([]string(nil), n.failed...),
		finished: n.finished,
		idle:     n.idle,
	}
}

type harness struct {
	store    *storage.Store
	engine   *Engine
	resolver *fakeResolver
	backend  *fakeBackend
	voice    *fakeVoice
	notes    *recordingNotifier
}

func newHarness(t *testing.T, s Settings) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewStore(),
		resolver: newFakeResolver(),
		backend:  &fakeBackend{},
		voice:    &fakeVoice{},
		notes:    &recordingNotifier{},
	}
	if s.MaxQueueSize == 0 {
		s.MaxQueueSize = 10
	}
	if s.MetadataTimeout == 0 {
		s.MetadataTimeout = time.Second
	}
	if s.ResolveTimeout == 0 {
		s.ResolveTimeout = 5 * time.Second
	}
	h.engine = NewEngine(h.store, h.resolver, h.backend, h.voice, h.notes, s, zaptest.NewLogger(t))
	h.engine.SetDispatcher(func(_ string, fn func(ctx context.Context)) { fn(context.Background()) })
	t.Cleanup(h.engine.Wait)
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Join(context.Background(), guild, "voice-1"))
}

func (h *harness) enqueue(t *testing.T, query string) int {
	t.Helper()
	_, pos, err := h.engine.Enqueue(context.Background(), guild, query, "user", "text")
	require.NoError(t, err)
	return pos
}

func (h *harness) state(t *testing.T) Snapshot {
	t.Helper()
	snap, ok := h.engine.CurrentState(guild)
	require.True(t, ok)
	return snap
}

func TestEnqueueRequiresPlayer(t *testing.T) {
	h := newHarness(t, Settings{})

	_, _, err := h.engine.Enqueue(context.Background(), guild, "song", "user", "text")
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestEnqueueRejectsEmptyQuery(t *testing.T) {
	h := newHarness(t, Settings{})
	h.join(t)

	_, _, err := h.engine.Enqueue(context.Background(), guild, "   ", "user", "text")
	assert.ErrorIs(t, err, errs.InvalidState)
}

func TestJoinFailureLeavesNoPlayer(t *testing.T) {
	h := newHarness(t, Settings{})
	h.voice.joinErr = errors.New("missing permission")

	err := h.engine.Join(context.Background(), guild, "voice-1")
	assert.ErrorIs(t, err, errs.ResourceUnavailable)

	_, ok := h.engine.CurrentState(guild)
	assert.False(t, ok)
}

func TestPlaysInFIFOOrder(t *testing.T) {
	h := newHarness(t, Settings{})
	h.join(t)

	assert.Equal(t, 0, h.enqueue(t, "a"))
	assert.Equal(t, 1, h.enqueue(t, "b"))
	assert.Equal(t, 2, h.enqueue(t, "c"))
	h.engine.Wait()

	snap := h.state(t)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "a", snap.NowPlaying.Query)
	assert.Equal(t, "Title a", snap.NowPlaying.Title)
	assert.Equal(t, storage.PlayerPlaying, snap.Status)
	require.Len(t, snap.Queue, 2)
	assert.Equal(t, "b", snap.Queue[0].Query)

	h.backend.finish(nil)
	h.engine.Wait()
	h.backend.finish(nil)
	h.engine.Wait()
	h.backend.finish(nil)
	h.engine.Wait()

	assert.Equal(t, []string{"src:a", "src:b", "src:c"}, h.backend.played())
	snap = h.state(t)
	assert.Equal(t, storage.PlayerStopped, snap.Status)
	assert.Nil(t, snap.NowPlaying)
	assert.Empty(t, snap.Queue)

	notes := h.notes.snapshot()
	assert.Equal(t, []string{"a", "b", "c"}, notes.started)
	assert.Equal(t, 1, notes.finished)
}

func TestUnresolvableTrackIsSkipped(t *testing.T) {
	h := newHarness(t, Settings{})
	h.resolver.fail["broken"] = true
	h.join(t)

	h.enqueue(t, "broken")
	h.enqueue(t, "good")
	h.engine.Wait()

	snap := h.state(t)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "good", snap.NowPlaying.Query)
	assert.Equal(t, []string{"src:good"}, h.backend.played())
	assert.Equal(t, []string{"broken"}, h.notes.snapshot().failed)
}

func TestBackendFailureIsSkipped(t *testing.T) {
	h := newHarness(t, Settings{})
	h.backend.playErr = errors.New("no voice connection")
	h.join(t)

	h.enqueue(t, "a")
	h.engine.Wait()

	snap := h.state(t)
	assert.Equal(t, storage.PlayerStopped, snap.Status)
	assert.Equal(t, []string{"a"}, h.notes.snapshot().failed)
}

func TestStreamErrorAdvances(t *testing.T) {
	h := newHarness(t, Settings{})
	h.join(t)
	h.enqueue(t, "a")
	h.enqueue(t, "b")
	h.engine.Wait()

	h.backend.finish(errors.New("ffmpeg: exit status 1"))
	h.engine.Wait()

	snap := h.state(t)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "b", snap.NowPlaying.Query)
	assert.Equal(t, []string{"a"}, h.notes.snapshot().failed)
}

func TestPauseResumeKeepsStream(t *testing.T) {
	h := newHarness(t, Settings{})
	h.join(t)
	h.enqueue(t, "a")
	h.engine.Wait()

	require.NoError(t, h.engine.Pause(context.Background(), guild))
	assert.Equal(t, storage.PlayerPaused, h.state(t).Status)
	assert.ErrorIs(t, h.engine.Pause(context.Background(), guild), errs.InvalidState)

	require.NoError(t, h.engine.Resume(context.Background(), guild))
	assert.Equal(t, storage.PlayerPlaying, h.state(t).Status)
	assert.ErrorIs(t, h.engine.Resume(context.Background(), guild), errs.InvalidState)

	assert.Equal(t, 1, h.resolver.resolveCount("a"))
	assert.Equal(t, []string{"src:a"}, h.backend.played())
	assert.Equal(t, []bool{true, false}, h.backend.paused)
}

func TestSkip(t *testing.T) {
	h := newHarness(t, Settings{})
	h.join(t)

	_, err := h.engine.Skip(context.Background(), guild)
	assert.ErrorIs(t, err, errs.InvalidState)

	h.enqueue(t, "a")
	h.enqueue(t, "b")
	h.engine.Wait()

	skipped, err := h.engine.Skip(context.Background(), guild)
	require.NoError(t, err)
	assert.Equal(t, "a", skipped.Query)
	h.engine.Wait()

	snap := h.state(t)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "b", snap.NowPlaying.Query)
}

func TestStaleTrackEndIsIgnored(t *testing.T) {
	h := newHarness(t, Settings{})
	h.join(t)
	h.enqueue(t, "a")
	h.enqueue(t, "b")
	h.engine.Wait()

	h.backend.mu.Lock()
	staleDone := h.backend.done
	h.backend.mu.Unlock()

	_, err := h.engine.Skip(context.Background(), guild)
	require.NoError(t, err)
	h.engine.Wait()

	staleDone(nil)
	h.engine.Wait()

	snap := h.state(t)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "b", snap.NowPlaying.Query)
	assert.Equal(t, storage.PlayerPlaying, snap.Status)
}

func TestStopInterruptsResolution(t *testing.T) {
	h := newHarness(t, Settings{})
	h.resolver.gate("slow")
	h.join(t)

	h.enqueue(t, "slow")
	h.enqueue(t, "next")
	assert.Equal(t, "slow", <-h.resolver.started)

	require.NoError(t, h.engine.Stop(context.Background(), guild))
	h.engine.Wait()

	snap := h.state(t)
	assert.Equal(t, storage.PlayerStopped, snap.Status)
	assert.Nil(t, snap.Loading)
	assert.Empty(t, snap.Queue)
	assert.Empty(t, h.backend.played())
	assert.Empty(t, h.notes.snapshot().failed)
}

func TestLeaveThenEnqueueStartsFresh(t *testing.T) {
	h := newHarness(t, Settings{})
	h.resolver.gate("old")
	h.join(t)

	h.enqueue(t, "old")
	<-h.resolver.started

	require.NoError(t, h.engine.Leave(context.Background(), guild))
	_, ok := h.engine.CurrentState(guild)
	assert.False(t, ok)
	assert.ErrorIs(t, h.engine.Leave(context.Background(), guild), errs.NotFound)

	h.join(t)
	h.enqueue(t, "new")
	h.engine.Wait()

	assert.Equal(t, []string{"src:new"}, h.backend.played())
	snap := h.state(t)
	require.NotNil(t, snap.NowPlaying)
	assert.Equal(t, "new", snap.NowPlaying.Query)
}

func TestQueueFull(t *testing.T) {
	h := newHarness(t, Settings{MaxQueueSize: 2})
	h.join(t)

	h.enqueue(t, "playing")
	h.engine.Wait()
	h.enqueue(t, "q1")
	h.enqueue(t, "q2")

	_, _, err := h.engine.Enqueue(context.Background(), guild, "q3", "user", "text")
	assert.ErrorIs(t, err, errs.InvalidState)
	assert.Len(t, h.state(t).Queue, 2)
}

func TestMetadataPolicy(t *testing.T) {
	t.Run("tolerate", func(t *testing.T) {
		h := newHarness(t, Settings{})
		h.resolver.lookupErr = errors.New("timeout")
		h.join(t)

		track, _, err := h.engine.Enqueue(context.Background(), guild, "song", "user", "text")
		require.NoError(t, err)
		assert.Empty(t, track.Title)
		assert.Equal(t, "song", track.DisplayTitle())
	})
	t.Run("strict", func(t *testing.T) {
		h := newHarness(t, Settings{StrictMetadata: true})
		h.resolver.lookupErr = errors.New("timeout")
		h.join(t)

		_, _, err := h.engine.Enqueue(context.Background(), guild, "song", "user", "text")
		assert.ErrorIs(t, err, errs.Unresolvable)
		assert.Empty(t, h.state(t).Queue)
	})
}

func TestSetVolumeClamps(t *testing.T) {
	h := newHarness(t, Settings{DefaultVolume: 40})
	h.join(t)
	assert.Equal(t, 40, h.state(t).Volume)

	level, err := h.engine.SetVolume(context.Background(), guild, 150)
	require.NoError(t, err)
	assert.Equal(t, 100, level)

	level, err = h.engine.SetVolume(context.Background(), guild, -5)
	require.NoError(t, err)
	assert.Equal(t, 0, level)
	assert.Equal(t, 0, h.state(t).Volume)
}

func TestIdleTimeoutLeaves(t *testing.T) {
	h := newHarness(t, Settings{IdleTimeout: 100 * time.Millisecond})
	h.join(t)
	h.enqueue(t, "a")
	h.engine.Wait()
	h.backend.finish(nil)
	h.engine.Wait()

	assert.Eventually(t, func() bool {
		_, ok := h.engine.CurrentState(guild)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.voice.leaveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.notes.snapshot().idle == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueCancelsIdleTimer(t *testing.T) {
	h := newHarness(t, Settings{IdleTimeout: 100 * time.Millisecond})
	h.join(t)
	h.enqueue(t, "a")
	h.engine.Wait()

	time.Sleep(250 * time.Millisecond)

	snap := h.state(t)
	assert.Equal(t, storage.PlayerPlaying, snap.Status)
	assert.Equal(t, 0, h.voice.leaveCount())
}

func TestVoiceDisconnectedDropsPlayer(t *testing.T) {
	h := newHarness(t, Settings{})
	h.join(t)
	h.enqueue(t, "a")
	h.engine.Wait()

	h.engine.VoiceDisconnected(context.Background(), guild)

	_, ok := h.engine.CurrentState(guild)
	assert.False(t, ok)
	h.backend.finish(nil)
	h.engine.Wait()
	_, ok = h.engine.CurrentState(guild)
	assert.False(t, ok)
}

func TestOperationsWithoutPlayer(t *testing.T) {
	h := newHarness(t, Settings{})
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.Pause(ctx, guild), errs.NotFound)
	assert.ErrorIs(t, h.engine.Resume(ctx, guild), errs.NotFound)
	assert.ErrorIs(t, h.engine.Stop(ctx, guild), errs.NotFound)
	_, err := h.engine.Skip(ctx, guild)
	assert.ErrorIs(t, err, errs.NotFound)
	_, err = h.engine.SetVolume(ctx, guild, 10)
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestCallbacksAfterGuildRemovalDoNotRecreateIt(t *testing.T) {
	h := newHarness(t, Settings{IdleTimeout: 50 * time.Millisecond})
	h.join(t)
	h.enqueue(t, "a")
	h.engine.Wait()
	h.enqueue(t, "b")

	require.True(t, h.store.Remove(guild))

	h.backend.finish(nil)
	h.engine.Wait()
	time.Sleep(150 * time.Millisecond)

	assert.Empty(t, h.store.Guilds())
	_, ok := h.engine.CurrentState(guild)
	assert.False(t, ok)
	assert.Equal(t, 0, h.voice.leaveCount())
	assert.Equal(t, 0, h.resolver.resolveCount("b"))
}

func TestIdleExpiryAfterGuildRemoval(t *testing.T) {
	h := newHarness(t, Settings{IdleTimeout: 30 * time.Millisecond})
	h.join(t)
	require.True(t, h.store.Remove(guild))

	time.Sleep(120 * time.Millisecond)

	assert.Empty(t, h.store.Guilds())
	assert.Equal(t, 0, h.notes.snapshot().idle)
}

func TestResolutionFinishingAfterRemoval(t *testing.T) {
	h := newHarness(t, Settings{})
	gate := h.resolver.gate("slow")
	h.join(t)
	h.enqueue(t, "slow")
	assert.Equal(t, "slow", <-h.resolver.started)

	require.True(t, h.store.Remove(guild))
	close(gate)
	h.engine.Wait()

	assert.Empty(t, h.store.Guilds())
	assert.Empty(t, h.backend.played())
}
