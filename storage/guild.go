package storage

import "sync"

// GuildState is the per-guild record. Fields are guarded by the guild lock and
// must only be touched inside Store.With or Store.View.
type GuildState struct {
	mu      sync.Mutex
	removed bool

	GuildID string
	// Tickets is nil until the guild's tickets are loaded.
	Tickets *TicketSet
	// Player is nil unless the bot is in a voice channel of this guild.
	Player *PlayerState
}
