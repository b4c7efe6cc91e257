package handlers

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

func (h *Handler) onVoiceServerUpdate(s *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	if h.Voice != nil {
		h.Voice.UpdateServer(v.GuildID, v.Token, v.Endpoint)
	}
}

// onVoiceStateUpdate tracks the bot's own voice session and drops the player
// when the bot was disconnected or left alone in its channel.
func (h *Handler) onVoiceStateUpdate(s *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if h.Music == nil || s.State == nil || s.State.User == nil {
		return
	}
	botID := s.State.User.ID

	if v.UserID == botID {
		if h.Voice != nil {
			h.Voice.UpdateState(v.GuildID, v.SessionID)
		}
		if v.ChannelID != "" {
			return
		}
		h.Router.Submit(Event{GuildID: v.GuildID, Name: "voice_disconnect", Run: func(ctx context.Context) {
			if botVoiceChannel(s, v.GuildID, botID) != "" {
				return
			}
			if h.Voice != nil {
				h.Voice.Clear(v.GuildID)
			}
			h.Music.VoiceDisconnected(ctx, v.GuildID)
		}})
		return
	}

	h.Router.Submit(Event{GuildID: v.GuildID, Name: "voice_alone_check", Run: func(ctx context.Context) {
		channel := botVoiceChannel(s, v.GuildID, botID)
		if channel == "" || !alone(s, v.GuildID, channel, botID) {
			return
		}
		if _, ok := h.Music.CurrentState(v.GuildID); !ok {
			return
		}
		h.Log.Info("alone in voice, leaving", zap.String("guild", v.GuildID), zap.String("channel", channel))
		h.Music.VoiceDisconnected(ctx, v.GuildID)
	}})
}

func botVoiceChannel(s *discordgo.Session, guildID, botID string) string {
	vs, err := s.State.VoiceState(guildID, botID)
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

// alone reports whether no other human is in channelID. An unknown guild
// never counts as alone.
func alone(s *discordgo.Session, guildID, channelID, botID string) bool {
	g, err := s.State.Guild(guildID)
	if err != nil {
		return false
	}
	s.State.RLock()
	defer s.State.RUnlock()
	for _, vs := range g.VoiceStates {
		if vs.ChannelID != channelID || vs.UserID == botID {
			continue
		}
		if vs.Member != nil && vs.Member.User != nil && vs.Member.User.Bot {
			continue
		}
		return false
	}
	return true
}
