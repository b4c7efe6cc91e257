package storage

import (
	"fmt"
	"sort"
	"time"
)

type TicketStatus string

const (
	TicketOpen    TicketStatus = "open"
	TicketClaimed TicketStatus = "claimed"
	TicketClosed  TicketStatus = "closed"
)

type Ticket struct {
	ID           string       `json:"id" bson:"ticket_id"`
	Number       int          `json:"number" bson:"number"`
	GuildID      string       `json:"guild_id" bson:"guild_id"`
	OwnerID      string       `json:"owner_id" bson:"owner_id"`
	ThreadRef    string       `json:"thread_ref" bson:"thread_ref"`
	ClaimedBy    string       `json:"claimed_by,omitempty" bson:"claimed_by,omitempty"`
	Status       TicketStatus `json:"status" bson:"status"`
	CreatedAt    time.Time    `json:"created_at" bson:"created_at"`
	ClaimedAt    time.Time    `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
	ClosedAt     time.Time    `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
	ClosedBy     string       `json:"closed_by,omitempty" bson:"closed_by,omitempty"`
	ClosedReason string       `json:"closed_reason,omitempty" bson:"closed_reason,omitempty"`
}

func TicketID(number int) string { return fmt.Sprintf("ticket-%04d", number) }

func (t *Ticket) Active() bool { return t.Status == TicketOpen || t.Status == TicketClaimed }

// closedRetention bounds how many closed tickets a guild remembers in memory.
const closedRetention = 256

// TicketSet indexes a guild's tickets. Not safe for concurrent use; the owning
// GuildState lock guards it.
type TicketSet struct {
	counter  int
	active   map[string]*Ticket
	byOwner  map[string]string
	byThread map[string]string
	// reserved holds owners whose ticket thread is still being created.
	reserved    map[string]struct{}
	closed      map[string]*Ticket
	closedOrder []string
}

func NewTicketSet() *TicketSet {
	return &TicketSet{
		active:   make(map[string]*Ticket),
		byOwner:  make(map[string]string),
		byThread: make(map[string]string),
		reserved: make(map[string]struct{}),
		closed:   make(map[string]*Ticket),
	}
}

// ActiveFor returns the active ticket of owner, if any.
func (s *TicketSet) ActiveFor(ownerID string) (*Ticket, bool) {
	id, ok := s.byOwner[ownerID]
	if !ok {
		return nil, false
	}
	return s.active[id], true
}

func (s *TicketSet) Reserved(ownerID string) bool {
	_, ok := s.reserved[ownerID]
	return ok
}

// Reserve holds the owner slot and allocates the next ticket number.
func (s *TicketSet) Reserve(ownerID string) int {
	s.reserved[ownerID] = struct{}{}
	s.counter++
	return s.counter
}

// Restore seeds the set from persisted state: numbering continues after last
// and the active tickets are indexed again.
func (s *TicketSet) Restore(last int, active []Ticket) {
	if last > s.counter {
		s.counter = last
	}
	for i := range active {
		t := active[i]
		if t.Number > s.counter {
			s.counter = t.Number
		}
		s.Insert(&t)
	}
}

func (s *TicketSet) Release(ownerID string) { delete(s.reserved, ownerID) }

// Insert adds an active ticket and clears the owner's reservation.
func (s *TicketSet) Insert(t *Ticket) {
	delete(s.reserved, t.OwnerID)
	s.active[t.ID] = t
	s.byOwner[t.OwnerID] = t.ID
	if t.ThreadRef != "" {
		s.byThread[t.ThreadRef] = t.ID
	}
}

// Active returns the active ticket with id.
func (s *TicketSet) Active(id string) (*Ticket, bool) {
	t, ok := s.active[id]
	return t, ok
}

// Closed returns a remembered closed ticket with id.
func (s *TicketSet) Closed(id string) (*Ticket, bool) {
	t, ok := s.closed[id]
	return t, ok
}

func (s *TicketSet) ByThread(threadRef string) (*Ticket, bool) {
	id, ok := s.byThread[threadRef]
	if !ok {
		return nil, false
	}
	return s.active[id], true
}

// Archive moves a ticket out of the active indexes. The caller sets the
// closed fields first.
func (s *TicketSet) Archive(id string) {
	t, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)
	if s.byOwner[t.OwnerID] == id {
		delete(s.byOwner, t.OwnerID)
	}
	delete(s.byThread, t.ThreadRef)

	s.closed[id] = t
	s.closedOrder = append(s.closedOrder, id)
	if len(s.closedOrder) > closedRetention {
		drop := s.closedOrder[0]
		s.closedOrder = s.closedOrder[1:]
		delete(s.closed, drop)
	}
}

// List returns copies of the active tickets, oldest first.
func (s *TicketSet) List() []Ticket {
	out := make([]Ticket, 0, len(s.active))
	for _, t := range s.active {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out
}

func (s *TicketSet) Len() int { return len(s.active) }
