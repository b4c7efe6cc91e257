package handlers

import (
	"context"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/lang"
	"github.com/VeridonNetzwerk/discord-universal-bot/music"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
	"github.com/VeridonNetzwerk/discord-universal-bot/tickets"
)

var adminPerm int64 = discordgo.PermissionAdministrator

// Deps are the collaborators of the interaction layer. Music is nil when
// playback is disabled or failed to start.
type Deps struct {
	Config   *config.Holder
	Store    *storage.Store
	Tickets  *tickets.Engine
	Music    *music.Engine
	Notifier *Notifier
	Voice    *music.VoiceRegistry
	Router   *Router
	Log      *zap.Logger
}

type Handler struct {
	Deps
	commands   map[string]commandHandler
	components map[ComponentKind]componentHandler
}

type commandHandler func(c *call)

type ackMode int

const (
	ackNone ackMode = iota
	ackPublic
	ackEphemeral
)

// deferredCommands are acknowledged at intake because their handlers do
// voice or thread I/O before replying.
var deferredCommands = map[string]ackMode{
	"play":        ackPublic,
	"join":        ackPublic,
	"ticketclose": ackPublic,
}

func New(d Deps) *Handler {
	h := &Handler{Deps: d}
	h.Log = d.Log.Named("handlers")
	h.commands = map[string]commandHandler{
		"ticket":      h.ticketCommand,
		"ticketclose": h.ticketCloseCommand,
		"play":        h.playCommand,
		"skip":        h.skipCommand,
		"stop":        h.stopCommand,
		"pause":       h.pauseCommand,
		"resume":      h.resumeCommand,
		"queue":       h.queueCommand,
		"nowplaying":  h.nowPlayingCommand,
		"volume":      h.volumeCommand,
		"join":        h.joinCommand,
		"leave":       h.leaveCommand,
		"musicpanel":  h.musicPanelCommand,
		"musicdebug":  h.musicDebugCommand,
		"config":      h.configCommand,
	}
	h.components = h.componentTable()
	return h
}

// Commands lists the slash commands for the enabled features.
func Commands(cfg *config.Config) []*discordgo.ApplicationCommand {
	cmds := make([]*discordgo.ApplicationCommand, 0)
	if cfg.Tickets.Enabled {
		cmds = append(cmds, ticketCommands()...)
	}
	if cfg.Music.Enabled {
		cmds = append(cmds, musicCommands()...)
	}
	cmds = append(cmds, configCommands()...)
	return cmds
}

// Register wires the gateway events into the router.
func (h *Handler) Register(s *discordgo.Session) {
	s.AddHandler(h.onInteraction)
	s.AddHandler(h.onVoiceStateUpdate)
	s.AddHandler(h.onVoiceServerUpdate)
	s.AddHandler(h.onGuildDelete)
}

func (h *Handler) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	c := &call{h: h, s: s, i: i, log: h.Log}
	if i.GuildID == "" {
		c.reply(lang.T("guild_only"), true)
		return
	}

	var (
		name string
		run  func(c *call)
		mode ackMode
	)
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name = i.ApplicationCommandData().Name
		cmd, ok := h.commands[name]
		if !ok {
			h.Log.Warn("unknown command", zap.String("command", name))
			c.reply(lang.T("cmd_unknown"), true)
			return
		}
		run, mode = cmd, deferredCommands[name]
	case discordgo.InteractionMessageComponent, discordgo.InteractionModalSubmit:
		var id string
		if i.Type == discordgo.InteractionModalSubmit {
			id = i.ModalSubmitData().CustomID
		} else {
			id = i.MessageComponentData().CustomID
		}
		kind, arg := parseCustomID(id)
		fn, ok := h.components[kind]
		if !ok {
			h.Log.Warn("unknown component", zap.String("custom_id", id))
			c.reply(lang.T("component_unknown"), true)
			return
		}
		name = string(kind)
		run = func(c *call) { fn(c, arg) }
		mode = deferredComponents[kind]
	default:
		return
	}

	c.name = name
	if mode != ackNone {
		c.ack(mode == ackEphemeral)
	}
	ok := h.Router.Submit(Event{GuildID: i.GuildID, Name: name, Run: func(ctx context.Context) {
		c.ctx = ctx
		c.cfg = h.Config.Snapshot()
		run(c)
	}})
	if !ok {
		c.reply(lang.T("shutting_down"), true)
	}
}

func (h *Handler) onGuildDelete(s *discordgo.Session, g *discordgo.GuildDelete) {
	if g.Unavailable {
		return
	}
	h.Router.Submit(Event{GuildID: g.ID, Name: "guild_delete", Run: func(ctx context.Context) {
		if h.Music != nil {
			h.Music.VoiceDisconnected(ctx, g.ID)
		}
		if h.Voice != nil {
			h.Voice.Clear(g.ID)
		}
		h.Store.Remove(g.ID)
		h.Log.Info("guild removed", zap.String("guild", g.ID))
	}})
}

// call is one routed interaction.
type call struct {
	h        *Handler
	s        *discordgo.Session
	i        *discordgo.InteractionCreate
	ctx      context.Context
	cfg      *config.Config
	log      *zap.Logger
	name     string
	deferred bool
	// music marks calls whose outcome goes to the music debug channel.
	music  bool
	traced bool
}

func (c *call) guildID() string { return c.i.GuildID }

func (c *call) userID() string {
	if c.i.Member != nil && c.i.Member.User != nil {
		return c.i.Member.User.ID
	}
	if c.i.User != nil {
		return c.i.User.ID
	}
	return ""
}

func (c *call) ack(ephemeral bool) {
	data := &discordgo.InteractionResponseData{}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := c.s.InteractionRespond(c.i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		c.log.Warn("failed to acknowledge interaction", zap.Error(err))
		return
	}
	c.deferred = true
}

func (c *call) reply(content string, ephemeral bool) {
	c.send(&discordgo.InteractionResponseData{Content: content}, ephemeral)
}

func (c *call) replyEmbed(embed *discordgo.MessageEmbed, ephemeral bool) {
	c.send(&discordgo.InteractionResponseData{Embeds: []*discordgo.MessageEmbed{embed}}, ephemeral)
}

func (c *call) send(data *discordgo.InteractionResponseData, ephemeral bool) {
	var err error
	if c.deferred {
		edit := &discordgo.WebhookEdit{}
		if data.Content != "" {
			edit.Content = &data.Content
		}
		if len(data.Embeds) > 0 {
			edit.Embeds = &data.Embeds
		}
		if data.Components != nil {
			edit.Components = &data.Components
		}
		_, err = c.s.InteractionResponseEdit(c.i.Interaction, edit)
	} else {
		if ephemeral {
			data.Flags = discordgo.MessageFlagsEphemeral
		}
		err = c.s.InteractionRespond(c.i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: data,
		})
	}
	if err != nil {
		c.log.Warn("failed to respond", zap.String("guild", c.guildID()), zap.Error(err))
	}
	result := data.Content
	if result == "" && len(data.Embeds) > 0 {
		result = data.Embeds[0].Title
	}
	c.trace(result)
}

// fail renders err through the message catalogue.
func (c *call) fail(err error) {
	c.log.Debug("operation rejected", zap.String("guild", c.guildID()), zap.Error(err))
	c.trace(err.Error())
	c.reply(lang.Error(err), true)
}

// trace reports the outcome of a music call to the guild's debug channel.
// Only the first outcome of a call is reported.
func (c *call) trace(result string) {
	if !c.music || c.traced || c.h.Notifier == nil {
		return
	}
	c.traced = true
	c.h.Notifier.Debug(c.guildID(), lang.T("music_debug_command",
		"user", c.userID(),
		"command", c.name,
		"result", result,
	))
}

func (c *call) options() map[string]*discordgo.ApplicationCommandInteractionDataOption {
	return optionMap(c.i.ApplicationCommandData().Options)
}

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	m := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, opt := range opts {
		m[opt.Name] = opt
	}
	return m
}

func optStr(m map[string]*discordgo.ApplicationCommandInteractionDataOption, key, def string) string {
	if o, ok := m[key]; ok {
		return o.StringValue()
	}
	return def
}

func optInt(m map[string]*discordgo.ApplicationCommandInteractionDataOption, key string, def int64) int64 {
	if o, ok := m[key]; ok {
		return o.IntValue()
	}
	return def
}

func hasAnyRole(member *discordgo.Member, roleIDs []string) bool {
	if member == nil {
		return false
	}
	for _, want := range roleIDs {
		if want == "" {
			continue
		}
		for _, have := range member.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (c *call) isAdmin() bool {
	m := c.i.Member
	if m == nil {
		return false
	}
	if m.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	return hasAnyRole(m, c.cfg.Permissions.AdminRoles)
}

func (c *call) isStaff() bool {
	if c.isAdmin() {
		return true
	}
	return hasAnyRole(c.i.Member, []string{c.cfg.Tickets.StaffRole})
}

// isDJ allows everyone when no DJ role is configured.
func (c *call) isDJ() bool {
	if len(c.cfg.Permissions.DJRoles) == 0 || c.isAdmin() {
		return true
	}
	return hasAnyRole(c.i.Member, c.cfg.Permissions.DJRoles)
}
