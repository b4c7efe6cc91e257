package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlayerPosition(t *testing.T) {
	p := NewPlayerState("vc", 50)
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	p.Start(&Track{Query: "a"}, start)
	assert.Equal(t, 10*time.Second, p.Position(start.Add(10*time.Second)))

	p.Pause(start.Add(10 * time.Second))
	assert.Equal(t, 10*time.Second, p.Position(start.Add(time.Hour)))

	p.Resume(start.Add(time.Minute))
	assert.Equal(t, 15*time.Second, p.Position(start.Add(time.Minute+5*time.Second)))

	p.Halt(PlayerStopped)
	assert.Nil(t, p.NowPlaying)
	assert.Equal(t, time.Duration(0), p.Position(start))
}

func TestPlayerInvalidateCancels(t *testing.T) {
	p := NewPlayerState("vc", 50)
	ctx, cancel := context.WithCancel(context.Background())
	p.Cancel = cancel
	p.Loading = &Track{Query: "a"}

	before := p.Generation
	gen := p.Invalidate()

	assert.NotEqual(t, before, gen)
	assert.Equal(t, gen, p.Generation)
	assert.Error(t, ctx.Err())
	assert.Nil(t, p.Loading)
	assert.Nil(t, p.Cancel)
}

func TestDisplayTitle(t *testing.T) {
	assert.Equal(t, "query", (&Track{Query: "query"}).DisplayTitle())
	assert.Equal(t, "Title", (&Track{Query: "query", Title: "Title"}).DisplayTitle())
}

func TestGenerationsAreUniqueAcrossPlayers(t *testing.T) {
	a := NewPlayerState("vc", 50)
	genA := a.Invalidate()
	b := NewPlayerState("vc", 50)
	genB := b.Invalidate()

	assert.NotEqual(t, genA, genB)
	assert.NotEqual(t, a.Generation, b.Generation)
}
