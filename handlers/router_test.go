package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/VeridonNetzwerk/discord-universal-bot/pool"
)

func TestRouterKeepsGuildOrder(t *testing.T) {
	r := NewRouter(4, zaptest.NewLogger(t))

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 200; i++ {
		i := i
		require.True(t, r.Submit(Event{GuildID: "a", Name: "n", Run: func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}}))
	}
	r.Close()

	require.Len(t, got, 200)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRouterRunsGuildsInParallel(t *testing.T) {
	r := NewRouter(2, zaptest.NewLogger(t))
	defer r.Close()

	release := make(chan struct{})
	otherRan := make(chan struct{})

	r.Submit(Event{GuildID: "a", Run: func(context.Context) { <-release }})
	r.Submit(Event{GuildID: "b", Run: func(context.Context) { close(otherRan) }})

	select {
	case <-otherRan:
	case <-time.After(2 * time.Second):
		t.Fatal("guild b was blocked by guild a")
	}
	close(release)
}

func TestRouterBlockedGuildQueuesItsOwnEvents(t *testing.T) {
	r := NewRouter(4, zaptest.NewLogger(t))

	release := make(chan struct{})
	started := make(chan struct{})
	r.Submit(Event{GuildID: "a", Run: func(context.Context) {
		close(started)
		<-release
	}})
	<-started

	ran := make(chan struct{})
	r.Submit(Event{GuildID: "a", Run: func(context.Context) { close(ran) }})
	assert.Equal(t, 1, r.Pending("a"))

	select {
	case <-ran:
		t.Fatal("second event ran before the first finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	r.Close()

	select {
	case <-ran:
	default:
		t.Fatal("queued event was not run before Close returned")
	}
	assert.Equal(t, 0, r.Pending("a"))
}

func TestRouterRecoversPanics(t *testing.T) {
	r := NewRouter(1, zaptest.NewLogger(t))

	ran := false
	r.Submit(Event{GuildID: "a", Name: "boom", Run: func(context.Context) { panic("boom") }})
	r.Submit(Event{GuildID: "a", Name: "after", Run: func(context.Context) { ran = true }})
	r.Close()

	assert.True(t, ran)
}

func TestRouterRejectsAfterClose(t *testing.T) {
	r := NewRouter(1, zaptest.NewLogger(t))

	var ctx context.Context
	r.Submit(Event{GuildID: "a", Run: func(c context.Context) { ctx = c }})
	r.Close()

	assert.False(t, r.Submit(Event{GuildID: "a", Run: func(context.Context) {}}))
	require.NotNil(t, ctx)
	assert.Error(t, ctx.Err(), "event context is cancelled once the router is closed")
}

func TestRouterSlowGuildsDoNotStarveOthers(t *testing.T) {
	r := NewRouter(2, zaptest.NewLogger(t))
	defer r.Close()

	release := make(chan struct{})
	var waiting sync.WaitGroup
	for _, g := range []string{"a", "b"} {
		waiting.Add(1)
		r.Submit(Event{GuildID: g, Name: "join", Run: func(ctx context.Context) {
			pool.Blocking(ctx, func() {
				waiting.Done()
				<-release
			})
		}})
	}
	waiting.Wait()

	ran := make(chan struct{})
	r.Submit(Event{GuildID: "c", Name: "queue", Run: func(context.Context) { close(ran) }})
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("guild c waited for the slow voice joins of a and b")
	}
	close(release)
}

func TestRouterLimitsRunningEvents(t *testing.T) {
	r := NewRouter(1, zaptest.NewLogger(t))

	release := make(chan struct{})
	started := make(chan struct{})
	r.Submit(Event{GuildID: "a", Run: func(context.Context) {
		close(started)
		<-release
	}})
	<-started

	ran := make(chan struct{})
	r.Submit(Event{GuildID: "b", Run: func(context.Context) { close(ran) }})
	select {
	case <-ran:
		t.Fatal("second guild ran while the only worker slot was busy")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	r.Close()

	select {
	case <-ran:
	default:
		t.Fatal("guild b never ran")
	}
}
