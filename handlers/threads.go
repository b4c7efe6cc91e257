package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
	"github.com/VeridonNetzwerk/discord-universal-bot/lang"
)

// threadAPI is the part of *discordgo.Session that ticket threads use.
type threadAPI interface {
	ThreadStartComplex(channelID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ThreadMemberAdd(threadID, memberID string, options ...discordgo.RequestOption) error
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelEditComplex(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

// DiscordThreads backs tickets with private threads under the configured
// ticket channel.
type DiscordThreads struct {
	session threadAPI
	config  *config.Holder
}

func NewDiscordThreads(s *discordgo.Session, cfg *config.Holder) *DiscordThreads {
	return &DiscordThreads{session: s, config: cfg}
}

func (d *DiscordThreads) CreateTicketThread(ctx context.Context, guildID, ownerID string, number int) (string, error) {
	parent := d.config.Snapshot().Tickets.ThreadChannel
	if parent == "" {
		return "", errors.New("tickets.thread_channel is not configured")
	}
	th, err := d.session.ThreadStartComplex(parent, &discordgo.ThreadStart{
		Name:                fmt.Sprintf("ticket-%04d", number),
		AutoArchiveDuration: 10080,
		Type:                discordgo.ChannelTypeGuildPrivateThread,
		Invitable:           false,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("start thread: %w", err)
	}
	if err := d.session.ThreadMemberAdd(th.ID, ownerID, discordgo.WithContext(ctx)); err != nil {
		_, _ = d.session.ChannelDelete(th.ID, discordgo.WithContext(ctx))
		return "", fmt.Errorf("add owner to thread: %w", err)
	}
	return th.ID, nil
}

// CloseTicketThread posts the closing notice, then archives and locks the
// thread. A failed notice does not keep the thread open.
func (d *DiscordThreads) CloseTicketThread(ctx context.Context, guildID, threadRef, reason string) error {
	var noticeErr, archiveErr error
	if _, err := d.session.ChannelMessageSend(threadRef, lang.T("ticket_thread_closed", "reason", reason), discordgo.WithContext(ctx)); err != nil {
		noticeErr = fmt.Errorf("closing notice: %w", err)
	}
	archived, locked := true, true
	if _, err := d.session.ChannelEditComplex(threadRef, &discordgo.ChannelEdit{
		Archived: &archived,
		Locked:   &locked,
	}, discordgo.WithContext(ctx)); err != nil {
		archiveErr = fmt.Errorf("archive thread: %w", err)
	}
	return errors.Join(noticeErr, archiveErr)
}
