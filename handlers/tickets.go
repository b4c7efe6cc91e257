package handlers

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
	"github.com/VeridonNetzwerk/discord-universal-bot/lang"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

func ticketCommands() []*discordgo.ApplicationCommand {
	minLimit := 1.0
	return []*discordgo.ApplicationCommand{
		{
			Name:        "ticket",
			Description: "Ticket system",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "panel", Description: "Post the ticket panel", Type: discordgo.ApplicationCommandOptionSubCommand},
				{Name: "list", Description: "List active tickets", Type: discordgo.ApplicationCommandOptionSubCommand},
				{
					Name: "history", Description: "Show recently closed tickets",
					Type: discordgo.ApplicationCommandOptionSubCommand,
					Options: []*discordgo.ApplicationCommandOption{
						{Type: discordgo.ApplicationCommandOptionInteger, Name: "limit", Description: "How many (default 10)", MinValue: &minLimit, MaxValue: 50},
					},
				},
			},
		},
		{
			Name: "ticketclose", Description: "Close the ticket of this thread",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionString, Name: "reason", Description: "Why the ticket is closed"},
			},
		},
	}
}

func (c *call) ticketsEnabled() bool {
	if !c.cfg.Tickets.Enabled || c.h.Tickets == nil {
		c.reply(lang.T("ticket_disabled"), true)
		return false
	}
	return true
}

func (h *Handler) ticketCommand(c *call) {
	if !c.ticketsEnabled() {
		return
	}
	data := c.i.ApplicationCommandData()
	if len(data.Options) == 0 {
		c.reply(lang.T("cmd_unknown"), true)
		return
	}
	sub := data.Options[0]
	switch sub.Name {
	case "panel":
		h.ticketPanel(c)
	case "list":
		h.ticketList(c)
	case "history":
		h.ticketHistory(c, int(optInt(optionMap(sub.Options), "limit", 10)))
	default:
		c.reply(lang.T("cmd_unknown"), true)
	}
}

func (h *Handler) ticketPanel(c *call) {
	if !c.isAdmin() {
		c.reply(lang.T("config_admin_only"), true)
		return
	}
	channel := c.cfg.Tickets.PanelChannel
	if channel == "" {
		channel = c.i.ChannelID
	}

	_, err := c.s.ChannelMessageSendComplex(channel, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       lang.T("ticket_panel_title"),
			Description: lang.T("ticket_panel_desc"),
			Color:       0x5865F2,
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				button(lang.T("ticket_panel_button"), discordgo.PrimaryButton, TicketOpen, ""),
			}},
		},
	}, discordgo.WithContext(c.ctx))
	if err != nil {
		c.fail(errs.E(errs.ResourceUnavailable, "ticket.panel", channel, err))
		return
	}
	c.reply(lang.T("ticket_panel_posted", "channel", channel), true)
}

func (h *Handler) ticketList(c *call) {
	if !c.isStaff() {
		c.reply(lang.T("ticket_staff_only"), true)
		return
	}
	list, err := h.Tickets.ListActive(c.ctx, c.guildID())
	if err != nil {
		c.fail(err)
		return
	}
	if len(list) == 0 {
		c.reply(lang.T("ticket_list_empty"), true)
		return
	}
	var sb strings.Builder
	sb.WriteString(lang.T("ticket_list_header", "count", strconv.Itoa(len(list))))
	for _, t := range list {
		claimed := ""
		if t.ClaimedBy != "" {
			claimed = fmt.Sprintf(" <@%s>", t.ClaimedBy)
		}
		sb.WriteString(lang.T("ticket_list_entry",
			"ticket", t.ID,
			"thread", t.ThreadRef,
			"owner", t.OwnerID,
			"status", string(t.Status),
			"claimed", claimed,
		))
	}
	c.reply(sb.String(), true)
}

func (h *Handler) ticketHistory(c *call, limit int) {
	if !c.isStaff() {
		c.reply(lang.T("ticket_staff_only"), true)
		return
	}
	list, err := h.Tickets.History(c.ctx, c.guildID(), limit)
	if err != nil {
		c.fail(err)
		return
	}
	if len(list) == 0 {
		c.reply(lang.T("ticket_history_empty"), true)
		return
	}
	var sb strings.Builder
	sb.WriteString(lang.T("ticket_history_header", "count", strconv.Itoa(len(list))))
	for _, t := range list {
		sb.WriteString(lang.T("ticket_history_entry",
			"ticket", t.ID,
			"owner", t.OwnerID,
			"closed_at", fmt.Sprintf("<t:%d:R>", t.ClosedAt.Unix()),
			"reason", t.ClosedReason,
		))
	}
	c.reply(sb.String(), true)
}

func (h *Handler) ticketCloseCommand(c *call) {
	if !c.ticketsEnabled() {
		return
	}
	t, err := h.Tickets.ByThread(c.ctx, c.guildID(), c.i.ChannelID)
	if errors.Is(err, errs.NotFound) {
		c.reply(lang.T("ticket_not_a_ticket"), true)
		return
	}
	if err != nil {
		c.fail(err)
		return
	}
	h.closeTicket(c, t, optStr(c.options(), "reason", c.cfg.Tickets.DefaultCloseReason))
}

func (h *Handler) closeTicket(c *call, t storage.Ticket, reason string) {
	if t.OwnerID != c.userID() && !c.isStaff() {
		c.reply(lang.T("ticket_close_denied"), true)
		return
	}
	closed, err := h.Tickets.Close(c.ctx, c.guildID(), t.ID, c.userID(), reason)
	if err != nil {
		c.fail(err)
		return
	}
	c.reply(lang.T("ticket_closed", "ticket", closed.ID, "actor", c.userID(), "reason", closed.ClosedReason), false)
}

func (h *Handler) ticketOpenButton(c *call, _ string) {
	if !c.ticketsEnabled() {
		return
	}
	t, err := h.Tickets.Open(c.ctx, c.guildID(), c.userID())
	if err != nil {
		c.fail(err)
		return
	}

	welcome := lang.T("ticket_welcome", "owner", t.OwnerID)
	if role := c.cfg.Tickets.StaffRole; role != "" {
		welcome += fmt.Sprintf("\n<@&%s>", role)
	}
	_, err = c.s.ChannelMessageSendComplex(t.ThreadRef, &discordgo.MessageSend{
		Content: welcome,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				button(lang.T("ticket_close_button"), discordgo.DangerButton, TicketClose, t.ID),
			}},
		},
	}, discordgo.WithContext(c.ctx))
	if err != nil {
		c.log.Warn("ticket welcome failed", zap.String("ticket", t.ID), zap.Error(err))
	}

	if queue := c.cfg.Tickets.QueueChannel; queue != "" {
		_, err = c.s.ChannelMessageSendComplex(queue, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{{
				Title:       lang.T("ticket_queue_title", "ticket", t.ID),
				Description: lang.T("ticket_queue_desc", "owner", t.OwnerID, "thread", t.ThreadRef),
				Color:       0xFEE75C,
			}},
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					button(lang.T("ticket_claim_button"), discordgo.SuccessButton, TicketClaim, t.ID),
				}},
			},
		}, discordgo.WithContext(c.ctx))
		if err != nil {
			c.log.Warn("ticket queue notice failed", zap.String("ticket", t.ID), zap.Error(err))
		}
	}

	c.reply(lang.T("ticket_opened", "thread", t.ThreadRef), true)
}

func (h *Handler) ticketClaimButton(c *call, ticketID string) {
	if !c.ticketsEnabled() {
		return
	}
	if !c.isStaff() {
		c.reply(lang.T("ticket_staff_only"), true)
		return
	}
	t, err := h.Tickets.Claim(c.ctx, c.guildID(), ticketID, c.userID())
	if err != nil {
		c.fail(err)
		return
	}
	msg := lang.T("ticket_claimed", "staff", t.ClaimedBy, "ticket", t.ID)
	if _, err := c.s.ChannelMessageSend(t.ThreadRef, msg, discordgo.WithContext(c.ctx)); err != nil {
		c.log.Debug("claim notice in thread failed", zap.String("ticket", t.ID), zap.Error(err))
	}
	c.reply(msg, false)
}

func (h *Handler) ticketCloseButton(c *call, ticketID string) {
	if !c.ticketsEnabled() {
		return
	}
	t, err := h.Tickets.ByThread(c.ctx, c.guildID(), c.i.ChannelID)
	if err != nil && !errors.Is(err, errs.NotFound) {
		c.fail(err)
		return
	}
	if err != nil || t.ID != ticketID {
		c.fail(errs.E(errs.NotFound, "ticket.close", ticketID, nil))
		return
	}
	h.closeTicket(c, t, c.cfg.Tickets.DefaultCloseReason)
}
