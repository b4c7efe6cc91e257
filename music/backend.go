package music

import (
	"context"

	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

// TrackEndFunc reports that a stream ended by itself. err is nil for a normal end.
type TrackEndFunc func(err error)

// Backend streams audio into a guild's voice connection. All methods return
// quickly; stream I/O happens in the background.
type Backend interface {
	Name() string
	// Play replaces whatever the guild is playing. done is called at most once,
	// and never after Stop or Release for the same guild.
	Play(guildID string, stream storage.StreamRef, volume int, done TrackEndFunc) error
	Stop(guildID string)
	SetPaused(guildID string, paused bool)
	SetVolume(guildID string, volume int)
	// Release stops playback and frees per-guild backend resources.
	Release(guildID string)
	Close()
}

// Voice manages the bot's voice channel membership.
type Voice interface {
	Join(ctx context.Context, guildID, channelID string) error
	Leave(ctx context.Context, guildID string) error
}

// Notifier receives user-visible playback events. Calls are made without any
// guild lock held.
type Notifier interface {
	TrackStarted(guildID string, t storage.Track)
	TrackFailed(guildID string, t storage.Track, err error)
	QueueFinished(guildID string)
	IdleLeft(guildID string)
}

type NopNotifier struct{}

func (NopNotifier) TrackStarted(string, storage.Track)       {}
func (NopNotifier) TrackFailed(string, storage.Track, error) {}
func (NopNotifier) QueueFinished(string)                     {}
func (NopNotifier) IdleLeft(string)                          {}
