package handlers

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
)

func TestCustomIDRoundTrip(t *testing.T) {
	tests := []struct {
		id   string
		kind ComponentKind
		arg  string
	}{
		{"ticket_open", TicketOpen, ""},
		{"ticket_claim:0d3c", TicketClaim, "0d3c"},
		{"ticket_close:a:b", TicketClose, "a:b"},
		{"giveaway_enter:1", ComponentKind("giveaway_enter"), "1"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			kind, arg := parseCustomID(tt.id)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.arg, arg)
			assert.Equal(t, tt.id, customID(kind, arg))
		})
	}
}

func TestComponentTableIsClosed(t *testing.T) {
	table := (&Handler{}).componentTable()

	for _, kind := range []ComponentKind{
		TicketOpen, TicketClaim, TicketClose,
		MusicJoin, MusicLeave, MusicSkip, MusicPause, MusicResume, MusicStop,
		MusicRequest, MusicRequestM,
	} {
		assert.Contains(t, table, kind)
	}
	assert.Len(t, table, 11)

	unknown, _ := parseCustomID("giveaway_enter:1")
	assert.NotContains(t, table, unknown)

	for kind := range deferredComponents {
		assert.Contains(t, table, kind)
	}
	assert.NotContains(t, deferredComponents, MusicRequest, "modals cannot follow a deferred ack")
}

func TestEveryRegisteredCommandHasHandler(t *testing.T) {
	h := New(Deps{Log: zap.NewNop()})
	cfg := config.Default()
	cfg.Tickets.Enabled = true
	cfg.Music.Enabled = true

	names := map[string]bool{}
	for _, cmd := range Commands(cfg) {
		names[cmd.Name] = true
		assert.Contains(t, h.commands, cmd.Name)
	}
	for name := range h.commands {
		assert.True(t, names[name], "handler %q has no registered command", name)
	}
	for name := range deferredCommands {
		assert.Contains(t, h.commands, name)
	}
}

func TestCommandsFollowEnabledFeatures(t *testing.T) {
	cfg := config.Default()
	cfg.Tickets.Enabled = false
	cfg.Music.Enabled = false

	cmds := Commands(cfg)
	require.Len(t, cmds, 1)
	assert.Equal(t, "config", cmds[0].Name)
}

func TestModalValue(t *testing.T) {
	comps := []discordgo.MessageComponent{
		&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			&discordgo.TextInput{CustomID: "other", Value: "x"},
		}},
		&discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			&discordgo.TextInput{CustomID: "query", Value: "  never gonna  "},
		}},
	}
	assert.Equal(t, "never gonna", modalValue(comps, "query"))
	assert.Equal(t, "", modalValue(comps, "missing"))
}
