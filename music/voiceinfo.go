package music

import (
	"context"
	"sync"
	"time"
)

type voiceInfo struct {
	sessionID string
	token     string
	endpoint  string
	updatedAt time.Time
}

func (v *voiceInfo) complete() bool {
	return v.sessionID != "" && v.token != "" && v.endpoint != ""
}

// VoiceRegistry collects the voice session and server credentials Discord
// sends for the bot, which Lavalink needs to open its own voice connection.
type VoiceRegistry struct {
	mu     sync.RWMutex
	guilds map[string]*voiceInfo
}

func NewVoiceRegistry() *VoiceRegistry {
	return &VoiceRegistry{guilds: make(map[string]*voiceInfo)}
}

func (r *VoiceRegistry) entry(guildID string) *voiceInfo {
	v := r.guilds[guildID]
	if v == nil {
		v = &voiceInfo{}
		r.guilds[guildID] = v
	}
	return v
}

func (r *VoiceRegistry) UpdateState(guildID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.entry(guildID)
	v.sessionID = sessionID
	v.updatedAt = time.Now()
}

func (r *VoiceRegistry) UpdateServer(guildID, token, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.entry(guildID)
	v.token = token
	v.endpoint = endpoint
	v.updatedAt = time.Now()
}

func (r *VoiceRegistry) Clear(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guilds, guildID)
}

// Get returns the credentials and whether all three are known.
func (r *VoiceRegistry) Get(guildID string) (token, endpoint, sessionID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := r.guilds[guildID]
	if v == nil {
		return "", "", "", false
	}
	return v.token, v.endpoint, v.sessionID, v.complete()
}

// Wait polls until the guild's credentials are complete or ctx is done.
func (r *VoiceRegistry) Wait(ctx context.Context, guildID string) (token, endpoint, sessionID string, err error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if token, endpoint, sessionID, ok := r.Get(guildID); ok {
			return token, endpoint, sessionID, nil
		}
		select {
		case <-ctx.Done():
			return "", "", "", ctx.Err()
		case <-ticker.C:
		}
	}
}
