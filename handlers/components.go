package handlers

import (
	"strings"

	"github.com/bwmarrin/discordgo"
)

// ComponentKind is the prefix of a component custom ID. The set is closed;
// presses with any other prefix are rejected.
type ComponentKind string

const (
	TicketOpen    ComponentKind = "ticket_open"
	TicketClaim   ComponentKind = "ticket_claim"
	TicketClose   ComponentKind = "ticket_close"
	MusicJoin     ComponentKind = "music_join"
	MusicLeave    ComponentKind = "music_leave"
	MusicSkip     ComponentKind = "music_skip"
	MusicPause    ComponentKind = "music_pause"
	MusicResume   ComponentKind = "music_resume"
	MusicStop     ComponentKind = "music_stop"
	MusicRequest  ComponentKind = "music_request"
	MusicRequestM ComponentKind = "music_request_modal"
)

const customIDSep = ":"

// customID builds "kind" or "kind:arg".
func customID(kind ComponentKind, arg string) string {
	if arg == "" {
		return string(kind)
	}
	return string(kind) + customIDSep + arg
}

func parseCustomID(id string) (ComponentKind, string) {
	kind, arg, _ := strings.Cut(id, customIDSep)
	return ComponentKind(kind), arg
}

type componentHandler func(c *call, arg string)

func (h *Handler) componentTable() map[ComponentKind]componentHandler {
	return map[ComponentKind]componentHandler{
		TicketOpen:    h.ticketOpenButton,
		TicketClaim:   h.ticketClaimButton,
		TicketClose:   h.ticketCloseButton,
		MusicJoin:     h.musicJoinButton,
		MusicLeave:    h.musicLeaveButton,
		MusicSkip:     h.musicSkipButton,
		MusicPause:    h.musicPauseButton,
		MusicResume:   h.musicResumeButton,
		MusicStop:     h.musicStopButton,
		MusicRequest:  h.musicRequestButton,
		MusicRequestM: h.musicRequestSubmit,
	}
}

// deferredComponents are acknowledged at intake because their handlers do
// slow I/O before replying.
var deferredComponents = map[ComponentKind]ackMode{
	TicketOpen:    ackEphemeral,
	TicketClose:   ackPublic,
	MusicJoin:     ackEphemeral,
	MusicRequestM: ackEphemeral,
}

func button(label string, style discordgo.ButtonStyle, kind ComponentKind, arg string) discordgo.Button {
	return discordgo.Button{Label: label, Style: style, CustomID: customID(kind, arg)}
}
