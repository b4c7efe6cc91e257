package handlers

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/lang"
	"github.com/VeridonNetzwerk/discord-universal-bot/music"
)

func configCommands() []*discordgo.ApplicationCommand {
	channelTypes := []discordgo.ChannelType{discordgo.ChannelTypeGuildText}
	valueChoices := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(config.ValueKeys()))
	for _, k := range config.ValueKeys() {
		valueChoices = append(valueChoices, &discordgo.ApplicationCommandOptionChoice{Name: k, Value: k})
	}
	return []*discordgo.ApplicationCommand{{
		Name:                     "config",
		Description:              "Bot configuration",
		DefaultMemberPermissions: &adminPerm,
		Options: []*discordgo.ApplicationCommandOption{
			{Name: "show", Description: "Show the active configuration", Type: discordgo.ApplicationCommandOptionSubCommand},
			{Name: "reload", Description: "Reload the configuration file", Type: discordgo.ApplicationCommandOptionSubCommand},
			{
				Name: "setchannel", Description: "Set a target channel", Type: discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "target", Description: "Which channel", Required: true, Choices: targetChoices(config.ChannelTargets)},
					{Type: discordgo.ApplicationCommandOptionChannel, Name: "channel", Description: "Text channel", Required: true, ChannelTypes: channelTypes},
				},
			},
			{
				Name: "setrole", Description: "Set a role", Type: discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "target", Description: "Which role", Required: true, Choices: targetChoices(config.RoleTargets)},
					{Type: discordgo.ApplicationCommandOptionRole, Name: "role", Description: "Role", Required: true},
				},
			},
			{
				Name: "setvalue", Description: "Set a general value", Type: discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandOption{
					{Type: discordgo.ApplicationCommandOptionString, Name: "key", Description: "Setting", Required: true, Choices: valueChoices},
					{Type: discordgo.ApplicationCommandOptionString, Name: "value", Description: "New value", Required: true},
				},
			},
			{Name: "reset", Description: "Reset all settings to their defaults", Type: discordgo.ApplicationCommandOptionSubCommand},
		},
	}}
}

func targetChoices[V any](targets map[string]V) []*discordgo.ApplicationCommandOptionChoice {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*discordgo.ApplicationCommandOptionChoice, 0, len(names))
	for _, name := range names {
		out = append(out, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: name})
	}
	return out
}

func (h *Handler) configCommand(c *call) {
	if !c.isAdmin() {
		c.reply(lang.T("config_admin_only"), true)
		return
	}
	data := c.i.ApplicationCommandData()
	if len(data.Options) == 0 {
		c.reply(lang.T("cmd_unknown"), true)
		return
	}
	sub := data.Options[0]
	switch sub.Name {
	case "show":
		c.replyEmbed(configEmbed(c), true)
	case "reload":
		h.reloadConfig(c)
	case "reset":
		h.updateConfig(c, "reset", lang.T("config_reset"), nil)
	default:
		mutate, done, ok := configChange(sub)
		if !ok {
			c.reply(lang.T("cmd_unknown"), true)
			return
		}
		h.updateConfig(c, sub.Name, done, mutate)
	}
}

// configChange turns a setchannel, setrole or setvalue subcommand into the
// config mutation and its confirmation.
func configChange(sub *discordgo.ApplicationCommandInteractionDataOption) (func(*config.Config) error, string, bool) {
	opts := optionMap(sub.Options)
	switch sub.Name {
	case "setchannel":
		target, ch := optStr(opts, "target", ""), opts["channel"]
		if ch == nil {
			return nil, "", false
		}
		id := ch.ChannelValue(nil).ID
		return func(cfg *config.Config) error { return config.SetChannel(cfg, target, id) },
			lang.T("config_channel_set", "target", target, "channel", id), true
	case "setrole":
		target, role := optStr(opts, "target", ""), opts["role"]
		if role == nil {
			return nil, "", false
		}
		id := role.RoleValue(nil, "").ID
		return func(cfg *config.Config) error { return config.SetRole(cfg, target, id) },
			lang.T("config_role_set", "target", target, "role", id), true
	case "setvalue":
		key, value := optStr(opts, "key", ""), optStr(opts, "value", "")
		return func(cfg *config.Config) error { return config.SetValue(cfg, key, value) },
			lang.T("config_value_set", "key", key), true
	}
	return nil, "", false
}

// updateConfig writes a change to the config file and applies the new
// snapshot. A nil mutate resets the settings.
func (h *Handler) updateConfig(c *call, what, done string, mutate func(*config.Config) error) {
	var (
		cfg *config.Config
		err error
	)
	if mutate == nil {
		cfg, err = h.Config.Reset()
	} else {
		cfg, err = h.Config.Update(mutate)
	}
	switch {
	case errors.Is(err, config.ErrUnknownSetting):
		c.reply(lang.T("config_unknown_setting", "keys", strings.Join(config.ValueKeys(), ", ")), true)
		return
	case errors.Is(err, config.ErrInvalidValue):
		c.reply(lang.T("config_invalid_value", "reason", err.Error()), true)
		return
	case err != nil:
		h.Log.Warn("config update failed", zap.String("change", what), zap.Error(err))
		c.reply(lang.T("config_update_failed", "reason", err.Error()), true)
		return
	}
	h.applyConfig(cfg)
	h.Log.Info("config updated", zap.String("change", what), zap.String("by", c.userID()))
	c.reply(done, true)
}

// applyConfig pushes the parts of cfg that take effect without a restart.
// Backend and database changes need a restart.
func (h *Handler) applyConfig(cfg *config.Config) {
	if h.Music != nil {
		h.Music.SetSettings(music.SettingsFrom(cfg))
	}
}

func (h *Handler) reloadConfig(c *call) {
	cfg, err := h.Config.Reload()
	if err != nil {
		h.Log.Warn("config reload failed", zap.Error(err))
		c.reply(lang.T("config_reload_failed", "reason", err.Error()), true)
		return
	}
	h.applyConfig(cfg)
	if err := lang.Load(cfg.LangFile, h.Log); err != nil {
		h.Log.Warn("language reload failed, using defaults", zap.Error(err))
	}
	h.Log.Info("config reloaded", zap.String("by", c.userID()))
	c.reply(lang.T("config_reloaded"), true)
}

func configEmbed(c *call) *discordgo.MessageEmbed {
	cfg := c.cfg
	backend := "disabled"
	if c.h.Music != nil {
		backend = c.h.Music.BackendName()
	}
	channel := func(id string) string {
		if id == "" {
			return "-"
		}
		return "<#" + id + ">"
	}
	roles := func(ids []string) string {
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if id != "" {
				out = append(out, "<@&"+id+">")
			}
		}
		if len(out) == 0 {
			return "-"
		}
		return strings.Join(out, " ")
	}

	return &discordgo.MessageEmbed{
		Title: "Configuration",
		Color: 0x5865F2,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Music", Inline: true, Value: fmt.Sprintf(
				"enabled: %t\nbackend: %s\nqueue limit: %d\nvolume: %d\nidle timeout: %s\nmetadata: %s\nchannel: %s\nlog: %s",
				cfg.Music.Enabled, backend, cfg.Music.MaxQueueSize, cfg.Music.DefaultVolume,
				cfg.IdleTimeout(), cfg.Music.MetadataPolicy, channel(cfg.Music.Channel), channel(cfg.Music.LogChannel),
			)},
			{Name: "Tickets", Inline: true, Value: fmt.Sprintf(
				"enabled: %t\nthreads: %s\nqueue: %s\nstaff: %s",
				cfg.Tickets.Enabled, channel(cfg.Tickets.ThreadChannel),
				channel(cfg.Tickets.QueueChannel), roles([]string{cfg.Tickets.StaffRole}),
			)},
			{Name: "Permissions", Value: fmt.Sprintf(
				"admin: %s\nDJ: %s", roles(cfg.Permissions.AdminRoles), roles(cfg.Permissions.DJRoles),
			)},
			{Name: "Storage", Inline: true, Value: fmt.Sprintf(
				"database: %s\nevents: %s", cfg.Database.Driver, cfg.Events.Driver,
			)},
		},
	}
}
