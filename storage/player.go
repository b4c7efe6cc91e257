package storage

import (
	"context"
	"sync/atomic"
	"time"
)

type PlayerStatus string

const (
	PlayerIdle    PlayerStatus = "idle"
	PlayerPlaying PlayerStatus = "playing"
	PlayerPaused  PlayerStatus = "paused"
	PlayerStopped PlayerStatus = "stopped"
)

// StreamRef is a playable stream. Source is a media URL for the direct
// backend or an encoded track for Lavalink.
type StreamRef struct {
	Source   string
	Title    string
	URL      string
	Duration time.Duration
}

type Track struct {
	ID             string
	Query          string
	Title          string
	URL            string
	Duration       time.Duration
	RequestedBy    string
	RequestChannel string
	QueuedAt       time.Time
	// Stream is only set once the track is about to play.
	Stream *StreamRef
}

// DisplayTitle falls back to the query when no metadata is known.
func (t *Track) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	return t.Query
}

// PlayerState is a guild's playback state while the bot is in voice.
// NowPlaying is set iff Status is playing or paused.
type PlayerState struct {
	VoiceChannel string
	Queue        []*Track
	NowPlaying   *Track
	Status       PlayerStatus
	Volume       int

	// Generation changes on every transition that invalidates in-flight work.
	// Values are unique across all players of the process, so a new player
	// never reuses the generation of one that was dropped.
	Generation uint64
	// Loading is the track whose stream is being resolved.
	Loading *Track
	// Cancel aborts the in-flight resolution, if any.
	Cancel    context.CancelFunc
	IdleTimer *time.Timer

	startedAt time.Time
	pausedAt  time.Time
	offset    time.Duration
}

var generations atomic.Uint64

func NewPlayerState(voiceChannel string, volume int) *PlayerState {
	return &PlayerState{
		VoiceChannel: voiceChannel,
		Status:       PlayerIdle,
		Volume:       volume,
		Generation:   generations.Add(1),
	}
}

// Invalidate cancels any in-flight attempt and moves to a new generation.
func (p *PlayerState) Invalidate() uint64 {
	if p.Cancel != nil {
		p.Cancel()
		p.Cancel = nil
	}
	p.Loading = nil
	p.Generation = generations.Add(1)
	return p.Generation
}

func (p *PlayerState) StopIdle() {
	if p.IdleTimer != nil {
		p.IdleTimer.Stop()
		p.IdleTimer = nil
	}
}

func (p *PlayerState) Start(t *Track, now time.Time) {
	p.NowPlaying = t
	p.Status = PlayerPlaying
	p.startedAt = now
	p.pausedAt = time.Time{}
	p.offset = 0
}

func (p *PlayerState) Pause(now time.Time) {
	p.offset += now.Sub(p.startedAt)
	p.pausedAt = now
	p.Status = PlayerPaused
}

func (p *PlayerState) Resume(now time.Time) {
	p.startedAt = now
	p.pausedAt = time.Time{}
	p.Status = PlayerPlaying
}

// Halt clears the current track and moves to status.
func (p *PlayerState) Halt(status PlayerStatus) {
	p.NowPlaying = nil
	p.Status = status
	p.offset = 0
	p.startedAt = time.Time{}
	p.pausedAt = time.Time{}
}

// Position is the playback offset of the current track.
func (p *PlayerState) Position(now time.Time) time.Duration {
	switch p.Status {
	case PlayerPlaying:
		return p.offset + now.Sub(p.startedAt)
	case PlayerPaused:
		return p.offset
	}
	return 0
}
