package handlers

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
)

func subcommand(name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: name, Type: discordgo.ApplicationCommandOptionSubCommand, Options: opts,
	}
}

func option(name string, typ discordgo.ApplicationCommandOptionType, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: typ, Value: value}
}

func testHolder(t *testing.T) (*config.Holder, string) {
	t.Helper()
	t.Setenv("DISCORD_TOKEN", "")
	t.Setenv("MUSIC_LOG_CHANNEL_ID", "")
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"discord": {"token": "abc"}}`), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return config.NewHolder(path, cfg), path
}

func TestConfigChangeSetChannel(t *testing.T) {
	h, path := testHolder(t)

	mutate, done, ok := configChange(subcommand("setchannel",
		option("target", discordgo.ApplicationCommandOptionString, "music_log"),
		option("channel", discordgo.ApplicationCommandOptionChannel, "555"),
	))
	require.True(t, ok)
	assert.Contains(t, done, "555")

	cfg, err := h.Update(mutate)
	require.NoError(t, err)
	assert.Equal(t, "555", cfg.Music.LogChannel)
	assert.Equal(t, "555", h.Snapshot().Music.LogChannel)

	onDisk, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "555", onDisk.Music.LogChannel)
}

func TestConfigChangeSetRoleAndValue(t *testing.T) {
	h, _ := testHolder(t)

	mutate, _, ok := configChange(subcommand("setrole",
		option("target", discordgo.ApplicationCommandOptionString, "dj"),
		option("role", discordgo.ApplicationCommandOptionRole, "r9"),
	))
	require.True(t, ok)
	_, err := h.Update(mutate)
	require.NoError(t, err)

	mutate, _, ok = configChange(subcommand("setvalue",
		option("key", discordgo.ApplicationCommandOptionString, "music.default_volume"),
		option("value", discordgo.ApplicationCommandOptionString, "80"),
	))
	require.True(t, ok)
	cfg, err := h.Update(mutate)
	require.NoError(t, err)

	assert.Equal(t, []string{"r9"}, cfg.Permissions.DJRoles)
	assert.Equal(t, 80, cfg.Music.DefaultVolume)
}

func TestConfigChangeRejectsBadInput(t *testing.T) {
	h, _ := testHolder(t)
	before := h.Snapshot()

	mutate, _, ok := configChange(subcommand("setvalue",
		option("key", discordgo.ApplicationCommandOptionString, "discord.token"),
		option("value", discordgo.ApplicationCommandOptionString, "stolen"),
	))
	require.True(t, ok)
	_, err := h.Update(mutate)
	assert.ErrorIs(t, err, config.ErrUnknownSetting)

	mutate, _, _ = configChange(subcommand("setvalue",
		option("key", discordgo.ApplicationCommandOptionString, "music.max_queue_size"),
		option("value", discordgo.ApplicationCommandOptionString, "-3"),
	))
	_, err = h.Update(mutate)
	assert.ErrorIs(t, err, config.ErrInvalidValue)
	assert.Same(t, before, h.Snapshot())

	_, _, ok = configChange(subcommand("setchannel", option("target", discordgo.ApplicationCommandOptionString, "music")))
	assert.False(t, ok, "missing channel")
	_, _, ok = configChange(subcommand("explode"))
	assert.False(t, ok)
}

func TestConfigCommandListsEveryTarget(t *testing.T) {
	cmd := configCommands()[0]
	subs := map[string]*discordgo.ApplicationCommandOption{}
	for _, o := range cmd.Options {
		subs[o.Name] = o
	}
	for _, name := range []string{"show", "reload", "setchannel", "setrole", "setvalue", "reset"} {
		assert.Contains(t, subs, name)
	}
	assert.Len(t, subs["setchannel"].Options[0].Choices, len(config.ChannelTargets))
	assert.Len(t, subs["setrole"].Options[0].Choices, len(config.RoleTargets))
	assert.Len(t, subs["setvalue"].Options[0].Choices, len(config.ValueKeys()))
}

func TestDebugMode(t *testing.T) {
	assert.True(t, debugMode(false, "on"))
	assert.True(t, debugMode(true, "on"))
	assert.False(t, debugMode(true, "off"))
	assert.True(t, debugMode(false, "toggle"))
	assert.False(t, debugMode(true, "toggle"))
	assert.True(t, debugMode(false, ""))
}

func TestMusicCallsAreTracedOnce(t *testing.T) {
	sender := &recordingSender{}
	n := testNotifier(t, sender)
	n.SetDebug("g", true)

	c := callAs(&discordgo.Member{User: &discordgo.User{ID: "u1"}}, nil)
	c.h = &Handler{Deps: Deps{Notifier: n}}
	c.name = "skip"

	c.trace("ignored, not a music call")
	c.music = true
	c.trace("no track playing")
	c.trace("second outcome")
	n.Wait()

	got := sender.messages()
	require.Len(t, got, 1)
	assert.Equal(t, "music-log", got[0].channel)
	assert.Contains(t, got[0].content, "skip")
	assert.Contains(t, got[0].content, "no track playing")
}
