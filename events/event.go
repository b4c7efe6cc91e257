package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TicketOpened  Type = "ticket.opened"
	TicketClaimed Type = "ticket.claimed"
	TicketClosed  Type = "ticket.closed"
)

// Event is a ticket lifecycle notification published after a state change commits.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	GuildID   string    `json:"guild_id"`
	TicketID  string    `json:"ticket_id"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

func New(typ Type, guildID, ticketID, actor string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      typ,
		GuildID:   guildID,
		TicketID:  ticketID,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

type OpenedPayload struct {
	OwnerID   string `json:"owner_id"`
	ThreadRef string `json:"thread_ref"`
	Number    int    `json:"number"`
}

type ClosedPayload struct {
	Reason    string `json:"reason"`
	ClaimedBy string `json:"claimed_by,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}
