package handlers

import (
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/lang"
	"github.com/VeridonNetzwerk/discord-universal-bot/pool"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

// debugLimit keeps debug notices below Discord's message size limit.
const debugLimit = 1900

type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier posts playback events to the channel the track was requested
// from, falling back to the configured music log channel. Notices of one
// guild are sent in the order they were raised.
type Notifier struct {
	session messageSender
	config  *config.Holder
	log     *zap.Logger
	queue   *pool.KeyedQueue

	mu    sync.Mutex
	last  map[string]string
	debug map[string]bool
}

func NewNotifier(s *discordgo.Session, cfg *config.Holder, log *zap.Logger) *Notifier {
	return newNotifier(s, cfg, log)
}

func newNotifier(s messageSender, cfg *config.Holder, log *zap.Logger) *Notifier {
	return &Notifier{
		session: s,
		config:  cfg,
		log:     log.Named("notifier"),
		queue:   pool.NewKeyedQueue(),
		last:    make(map[string]string),
		debug:   make(map[string]bool),
	}
}

func (n *Notifier) TrackStarted(guildID string, t storage.Track) {
	ch := n.channel(guildID, t.RequestChannel)
	n.post(guildID, ch, &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{nowPlayingEmbed(t)}})
	n.Debug(guildID, lang.T("music_debug_started", "title", t.DisplayTitle()))
}

func (n *Notifier) TrackFailed(guildID string, t storage.Track, err error) {
	ch := n.channel(guildID, t.RequestChannel)
	n.post(guildID, ch, &discordgo.MessageSend{
		Content: lang.T("music_track_failed", "title", t.DisplayTitle(), "reason", lang.Error(err)),
	})
	n.Debug(guildID, lang.T("music_debug_failed", "query", t.Query, "error", err.Error()))
}

func (n *Notifier) QueueFinished(guildID string) {
	n.post(guildID, n.channel(guildID, ""), &discordgo.MessageSend{Content: lang.T("music_queue_finished")})
}

func (n *Notifier) IdleLeft(guildID string) {
	ch := n.channel(guildID, "")
	n.mu.Lock()
	delete(n.last, guildID)
	n.mu.Unlock()
	n.post(guildID, ch, &discordgo.MessageSend{Content: lang.T("music_idle_left")})
}

// SetDebug switches debug notices for guildID.
func (n *Notifier) SetDebug(guildID string, on bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if on {
		n.debug[guildID] = true
		return
	}
	delete(n.debug, guildID)
}

func (n *Notifier) DebugEnabled(guildID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.debug[guildID]
}

// Debug posts msg to the music log channel when debugging is on for guildID.
func (n *Notifier) Debug(guildID, msg string) {
	if !n.DebugEnabled(guildID) {
		return
	}
	if len(msg) > debugLimit {
		cut := debugLimit
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	n.post(guildID, n.config.Snapshot().Music.LogChannel, &discordgo.MessageSend{Content: msg})
}

// Wait blocks until every queued notice has been sent.
func (n *Notifier) Wait() { n.queue.Wait() }

// channel picks the destination for guildID and remembers requested ones for
// events that carry no track.
func (n *Notifier) channel(guildID, requested string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if requested != "" {
		n.last[guildID] = requested
		return requested
	}
	if ch := n.last[guildID]; ch != "" {
		return ch
	}
	return n.config.Snapshot().Music.LogChannel
}

func (n *Notifier) post(guildID, channelID string, msg *discordgo.MessageSend) {
	if channelID == "" {
		return
	}
	n.queue.Do(guildID, func() {
		if _, err := n.session.ChannelMessageSendComplex(channelID, msg); err != nil {
			n.log.Debug("playback notice failed",
				zap.String("guild", guildID),
				zap.String("channel", channelID),
				zap.Error(err),
			)
		}
	})
}
