package bot

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
)

type Bot struct {
	Session *discordgo.Session
	guildID string
	log     *zap.Logger
	ready   chan struct{}
}

func New(cfg *config.Config, log *zap.Logger) (*Bot, error) {
	s, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages
	s.StateEnabled = true
	return &Bot{
		Session: s,
		guildID: cfg.Discord.GuildID,
		log:     log.Named("bot"),
		ready:   make(chan struct{}),
	}, nil
}

func (b *Bot) Start() error {
	b.Session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		b.log.Info("bot is online", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))
		select {
		case <-b.ready:
		default:
			close(b.ready)
		}
	})
	return b.Session.Open()
}

// WaitReady blocks until the gateway sent READY or ctx ends.
func (b *Bot) WaitReady(ctx context.Context) error {
	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return errors.New("timed out waiting for gateway ready")
	}
}

func (b *Bot) UserID() string {
	if b.Session.State == nil || b.Session.State.User == nil {
		return ""
	}
	return b.Session.State.User.ID
}

func (b *Bot) Stop() {
	if err := b.Session.Close(); err != nil {
		b.log.Warn("closing gateway session failed", zap.Error(err))
	}
}

// RegisterCommands overwrites the application commands, guild-scoped when a
// guild ID is configured.
func (b *Bot) RegisterCommands(cmds []*discordgo.ApplicationCommand) []*discordgo.ApplicationCommand {
	<-b.ready

	appID := b.UserID()
	b.log.Info("registering commands",
		zap.Int("count", len(cmds)),
		zap.String("app", appID),
		zap.String("guild", b.guildID),
	)

	registered, err := b.Session.ApplicationCommandBulkOverwrite(appID, b.guildID, cmds)
	if err != nil {
		b.log.Error("failed to bulk-overwrite commands", zap.Error(err))
		return nil
	}
	b.log.Info("registered slash commands", zap.Int("count", len(registered)))
	return registered
}

func (b *Bot) CleanupCommands() {
	<-b.ready
	if _, err := b.Session.ApplicationCommandBulkOverwrite(b.UserID(), b.guildID, []*discordgo.ApplicationCommand{}); err != nil {
		b.log.Warn("failed to clean up commands", zap.Error(err))
		return
	}
	b.log.Info("cleaned up slash commands")
}
