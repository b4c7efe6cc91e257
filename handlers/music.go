package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
	"github.com/VeridonNetzwerk/discord-universal-bot/lang"
	"github.com/VeridonNetzwerk/discord-universal-bot/music"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

const queuePageSize = 10

func musicCommands() []*discordgo.ApplicationCommand {
	minVol, maxVol := 0.0, 100.0
	return []*discordgo.ApplicationCommand{
		{
			Name: "play", Description: "Play a song or add it to the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "query", Description: "Search text, URL or yt:/sc:/bc: prefix", Required: true},
			},
		},
		{Name: "skip", Description: "Skip the current song"},
		{Name: "stop", Description: "Stop playback and clear the queue"},
		{Name: "pause", Description: "Pause playback"},
		{Name: "resume", Description: "Resume playback"},
		{Name: "queue", Description: "Show the current song queue"},
		{Name: "nowplaying", Description: "Show the currently playing song"},
		{
			Name: "volume", Description: "Set the playback volume",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionInteger, Name: "level", Description: "Volume 0-100", Required: true, MinValue: &minVol, MaxValue: maxVol},
			},
		},
		{Name: "join", Description: "Join your voice channel"},
		{Name: "leave", Description: "Leave the voice channel"},
		{Name: "musicpanel", Description: "Post the music control panel", DefaultMemberPermissions: &adminPerm},
		{
			Name: "musicdebug", Description: "Send music debug notices to the music log channel",
			DefaultMemberPermissions: &adminPerm,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type: discordgo.ApplicationCommandOptionString, Name: "mode", Description: "on, off or toggle",
					Choices: []*discordgo.ApplicationCommandOptionChoice{
						{Name: "on", Value: "on"},
						{Name: "off", Value: "off"},
						{Name: "toggle", Value: "toggle"},
					},
				},
			},
		},
	}
}

// musicReady rejects the call unless playback is available and the call
// comes from the music channel or one of its threads.
func (c *call) musicReady() bool {
	c.music = true
	if !c.cfg.Music.Enabled {
		c.reply(lang.T("music_disabled"), true)
		return false
	}
	if c.h.Music == nil {
		c.reply(lang.T("music_init_failed"), true)
		return false
	}
	want := c.cfg.Music.Channel
	if want == "" || c.i.ChannelID == want {
		return true
	}
	if ch, err := c.s.State.Channel(c.i.ChannelID); err == nil && ch.IsThread() && ch.ParentID == want {
		return true
	}
	c.reply(lang.T("music_wrong_channel", "channel", want), true)
	return false
}

func (c *call) requireDJ() bool {
	if c.isDJ() {
		return true
	}
	c.reply(lang.T("music_dj_required"), true)
	return false
}

// userVoiceChannel is the voice channel the caller is connected to, if any.
func (c *call) userVoiceChannel() string {
	vs, err := c.s.State.VoiceState(c.guildID(), c.userID())
	if err != nil || vs == nil {
		return ""
	}
	return vs.ChannelID
}

func (h *Handler) playCommand(c *call) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	h.requestTrack(c, optStr(c.options(), "query", ""))
}

// requestTrack joins the caller's voice channel when needed and queues query.
func (h *Handler) requestTrack(c *call, query string) {
	channel := c.userVoiceChannel()
	if channel == "" {
		c.reply(lang.T("music_not_in_vc"), true)
		return
	}
	if snap, ok := h.Music.CurrentState(c.guildID()); !ok || snap.VoiceChannel == "" {
		if err := h.Music.Join(c.ctx, c.guildID(), channel); err != nil {
			c.fail(err)
			return
		}
	}

	t, pos, err := h.Music.Enqueue(c.ctx, c.guildID(), query, c.userID(), c.i.ChannelID)
	if err != nil {
		c.fail(err)
		return
	}
	if pos == 0 {
		c.reply(lang.T("music_starting", "title", t.DisplayTitle()), false)
		return
	}
	c.reply(lang.T("music_queued", "title", t.DisplayTitle(), "position", strconv.Itoa(pos)), false)
}

func (h *Handler) joinCommand(c *call) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	channel := c.userVoiceChannel()
	if channel == "" {
		c.reply(lang.T("music_not_in_vc"), true)
		return
	}
	if err := h.Music.Join(c.ctx, c.guildID(), channel); err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("music_joined", "channel", channel), false)
}

func (h *Handler) leaveCommand(c *call) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	if err := h.Music.Leave(c.ctx, c.guildID()); err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("music_left"), false)
}

func (h *Handler) skipCommand(c *call) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	t, err := h.Music.Skip(c.ctx, c.guildID())
	if err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("music_skipped", "title", t.DisplayTitle()), false)
}

func (h *Handler) stopCommand(c *call) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	if err := h.Music.Stop(c.ctx, c.guildID()); err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("music_stopped"), false)
}

func (h *Handler) pauseCommand(c *call) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	if err := h.Music.Pause(c.ctx, c.guildID()); err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("music_paused"), false)
}

func (h *Handler) resumeCommand(c *call) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	if err := h.Music.Resume(c.ctx, c.guildID()); err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("music_resumed"), false)
}

func (h *Handler) volumeCommand(c *call) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	level, err := h.Music.SetVolume(c.ctx, c.guildID(), int(optInt(c.options(), "level", 50)))
	if err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("music_volume_set", "level", strconv.Itoa(level)), false)
}

func (h *Handler) queueCommand(c *call) {
	if !c.musicReady() {
		return
	}
	snap, ok := h.Music.CurrentState(c.guildID())
	if !ok {
		c.reply(lang.T("music_nothing_playing"), true)
		return
	}
	c.replyEmbed(queueEmbed(snap), false)
}

func (h *Handler) nowPlayingCommand(c *call) {
	if !c.musicReady() {
		return
	}
	snap, ok := h.Music.CurrentState(c.guildID())
	if !ok || snap.NowPlaying == nil {
		c.reply(lang.T("music_nothing_playing"), true)
		return
	}
	c.replyEmbed(nowPlayingEmbed(*snap.NowPlaying), false)
}

// debugMode resolves the /musicdebug mode against the current state.
func debugMode(current bool, mode string) bool {
	switch mode {
	case "on":
		return true
	case "off":
		return false
	default:
		return !current
	}
}

func (h *Handler) musicDebugCommand(c *call) {
	if !c.isAdmin() {
		c.reply(lang.T("config_admin_only"), true)
		return
	}
	if h.Notifier == nil {
		c.reply(lang.T("music_init_failed"), true)
		return
	}
	mode := optStr(c.options(), "mode", "toggle")
	on := debugMode(h.Notifier.DebugEnabled(c.guildID()), mode)
	h.Notifier.SetDebug(c.guildID(), on)
	h.Log.Info("music debug switched", zap.String("guild", c.guildID()), zap.Bool("on", on), zap.String("by", c.userID()))

	if !on {
		c.reply(lang.T("music_debug_off"), true)
		return
	}
	msg := lang.T("music_debug_on")
	if c.cfg.Music.LogChannel == "" {
		msg += " " + lang.T("music_debug_no_channel")
	}
	c.reply(msg, true)
	h.Notifier.Debug(c.guildID(), lang.T("music_debug_enabled_by", "user", c.userID(), "mode", mode))
}

func queueEmbed(snap music.Snapshot) *discordgo.MessageEmbed {
	var sb strings.Builder
	if np := snap.NowPlaying; np != nil {
		sb.WriteString(lang.T("music_queue_now_playing",
			"title", np.DisplayTitle(),
			"position", music.FormatDuration(snap.Position),
			"duration", music.FormatDuration(np.Duration),
			"status", string(snap.Status),
		))
	} else if l := snap.Loading; l != nil {
		sb.WriteString(lang.T("music_starting", "title", l.DisplayTitle()) + "\n\n")
	} else {
		sb.WriteString(lang.T("music_queue_nothing"))
	}

	if len(snap.Queue) == 0 {
		sb.WriteString(lang.T("music_queue_empty"))
	}
	for i, t := range snap.Queue {
		if i == queuePageSize {
			sb.WriteString(lang.T("music_queue_more", "count", strconv.Itoa(len(snap.Queue)-queuePageSize)))
			break
		}
		sb.WriteString(lang.T("music_queue_entry",
			"pos", strconv.Itoa(i+1),
			"title", t.DisplayTitle(),
			"duration", music.FormatDuration(t.Duration),
			"requested_by", t.RequestedBy,
		))
	}
	sb.WriteString(lang.T("music_queue_footer", "volume", strconv.Itoa(snap.Volume)))

	return &discordgo.MessageEmbed{
		Title:       lang.T("music_queue_embed_title"),
		Description: sb.String(),
		Color:       0x5865F2,
	}
}

func nowPlayingEmbed(t storage.Track) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: lang.T("music_now_playing_title"),
		URL:   t.URL,
		Description: lang.T("music_now_playing_desc",
			"title", t.DisplayTitle(),
			"duration", music.FormatDuration(t.Duration),
			"requested_by", t.RequestedBy,
		),
		Color: 0x1DB954,
	}
}

func (h *Handler) musicPanelCommand(c *call) {
	if !c.musicReady() {
		return
	}
	if !c.isAdmin() {
		c.reply(lang.T("config_admin_only"), true)
		return
	}
	channel := c.cfg.Music.Channel
	if channel == "" {
		channel = c.i.ChannelID
	}
	_, err := c.s.ChannelMessageSendComplex(channel, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       lang.T("music_panel_title"),
			Description: lang.T("music_panel_desc"),
			Color:       0x1DB954,
		}},
		Components: musicPanelRows(),
	}, discordgo.WithContext(c.ctx))
	if err != nil {
		c.fail(errs.E(errs.ResourceUnavailable, "music.panel", channel, err))
		return
	}
	c.reply(lang.T("music_panel_posted", "channel", channel), true)
}

func musicPanelRows() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			button("Request", discordgo.SuccessButton, MusicRequest, ""),
			button("Join", discordgo.SecondaryButton, MusicJoin, ""),
			button("Leave", discordgo.SecondaryButton, MusicLeave, ""),
		}},
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			button("Pause", discordgo.PrimaryButton, MusicPause, ""),
			button("Resume", discordgo.PrimaryButton, MusicResume, ""),
			button("Skip", discordgo.PrimaryButton, MusicSkip, ""),
			button("Stop", discordgo.DangerButton, MusicStop, ""),
		}},
	}
}

// Panel buttons share the slash command paths; replies are ephemeral so the
// panel channel stays clean.

func (h *Handler) musicJoinButton(c *call, _ string) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	channel := c.userVoiceChannel()
	if channel == "" {
		c.reply(lang.T("music_not_in_vc"), true)
		return
	}
	if err := h.Music.Join(c.ctx, c.guildID(), channel); err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("music_joined", "channel", channel), true)
}

func (h *Handler) musicLeaveButton(c *call, _ string) {
	h.musicControl(c, func() (string, error) {
		return lang.T("music_left"), h.Music.Leave(c.ctx, c.guildID())
	})
}

func (h *Handler) musicSkipButton(c *call, _ string) {
	h.musicControl(c, func() (string, error) {
		t, err := h.Music.Skip(c.ctx, c.guildID())
		return lang.T("music_skipped", "title", t.DisplayTitle()), err
	})
}

func (h *Handler) musicPauseButton(c *call, _ string) {
	h.musicControl(c, func() (string, error) {
		return lang.T("music_paused"), h.Music.Pause(c.ctx, c.guildID())
	})
}

func (h *Handler) musicResumeButton(c *call, _ string) {
	h.musicControl(c, func() (string, error) {
		return lang.T("music_resumed"), h.Music.Resume(c.ctx, c.guildID())
	})
}

func (h *Handler) musicStopButton(c *call, _ string) {
	h.musicControl(c, func() (string, error) {
		return lang.T("music_stopped"), h.Music.Stop(c.ctx, c.guildID())
	})
}

func (h *Handler) musicControl(c *call, op func() (string, error)) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	msg, err := op()
	if err != nil {
		c.fail(err)
		return
	}
	c.reply(msg, true)
}

func (h *Handler) musicRequestButton(c *call, _ string) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	err := c.s.InteractionRespond(c.i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: customID(MusicRequestM, ""),
			Title:    lang.T("music_request_title"),
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID:  "query",
						Label:     lang.T("music_request_label"),
						Style:     discordgo.TextInputShort,
						Required:  true,
						MaxLength: 200,
					},
				}},
			},
		},
	})
	if err != nil {
		c.log.Warn("failed to open request modal", zap.Error(err))
	}
}

func (h *Handler) musicRequestSubmit(c *call, _ string) {
	if !c.musicReady() || !c.requireDJ() {
		return
	}
	query := modalValue(c.i.ModalSubmitData().Components, "query")
	if query == "" {
		c.fail(errs.E(errs.InvalidState, "music.request", "", errors.New("empty query")))
		return
	}
	h.requestTrack(c, query)
}

// modalValue finds the text input named id in a submitted modal.
func modalValue(components []discordgo.MessageComponent, id string) string {
	for _, comp := range components {
		switch v := comp.(type) {
		case *discordgo.ActionsRow:
			if s := modalValue(v.Components, id); s != "" {
				return s
			}
		case *discordgo.TextInput:
			if v.CustomID == id {
				return strings.TrimSpace(v.Value)
			}
		}
	}
	return ""
}
