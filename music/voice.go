package music

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordVoice joins and leaves voice channels through the gateway session.
// With detach set, the discordgo voice websocket is closed after joining so
// an external node (Lavalink) can own the voice connection.
type DiscordVoice struct {
	session *discordgo.Session
	detach  bool
	log     *zap.Logger

	mu    sync.Mutex
	conns map[string]*discordgo.VoiceConnection
}

func NewDiscordVoice(s *discordgo.Session, detach bool, log *zap.Logger) *DiscordVoice {
	return &DiscordVoice{
		session: s,
		detach:  detach,
		log:     log.Named("voice"),
		conns:   make(map[string]*discordgo.VoiceConnection),
	}
}

func (v *DiscordVoice) Join(ctx context.Context, guildID, channelID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	v.mu.Lock()
	old := v.conns[guildID]
	v.mu.Unlock()
	if old != nil && old.ChannelID == channelID && (v.detach || old.Ready) {
		return nil
	}

	vc, err := v.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return err
	}

	if v.detach {
		// Give Discord time to send VOICE_SERVER_UPDATE before dropping the socket.
		time.Sleep(500 * time.Millisecond)
		vc.Close()
	}

	v.mu.Lock()
	v.conns[guildID] = vc
	v.mu.Unlock()
	v.log.Debug("voice joined", zap.String("guild", guildID), zap.String("channel", channelID), zap.Bool("detached", v.detach))
	return nil
}

func (v *DiscordVoice) Leave(ctx context.Context, guildID string) error {
	v.mu.Lock()
	vc := v.conns[guildID]
	delete(v.conns, guildID)
	v.mu.Unlock()

	if vc != nil {
		vc.Disconnect()
		return nil
	}
	// Not tracked locally, e.g. after a restart; tell the gateway anyway.
	return v.session.ChannelVoiceJoinManual(guildID, "", false, false)
}

// Connection returns the live voice connection, or nil.
func (v *DiscordVoice) Connection(guildID string) *discordgo.VoiceConnection {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.conns[guildID]
}
