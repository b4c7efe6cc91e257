// Package tickets implements the support ticket lifecycle:
// open -> claimed -> closed, or open -> closed.
package tickets

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/errs"
	"github.com/VeridonNetzwerk/discord-universal-bot/events"
	"github.com/VeridonNetzwerk/discord-universal-bot/pool"
	"github.com/VeridonNetzwerk/discord-universal-bot/storage"
)

const DefaultCloseReason = "resolved"

// Threads creates and closes the private conversation behind a ticket.
type Threads interface {
	CreateTicketThread(ctx context.Context, guildID, ownerID string, number int) (string, error)
	CloseTicketThread(ctx context.Context, guildID, threadRef, reason string) error
}

// Engine owns the ticket lifecycle. A guild's tickets are loaded from the
// database on first use and every state change is written back, so numbering
// and active tickets survive restarts.
type Engine struct {
	store   *storage.Store
	threads Threads
	db      storage.Database
	events  events.Publisher
	log     *zap.Logger
	now     func() time.Time
}

func NewEngine(store *storage.Store, threads Threads, db storage.Database, pub events.Publisher, log *zap.Logger) *Engine {
	if db == nil {
		db = storage.NopDatabase{}
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{
		store:   store,
		threads: threads,
		db:      db,
		events:  pub,
		log:     log.Named("tickets"),
		now:     time.Now,
	}
}

// Open creates a ticket for ownerID. The owner slot is reserved while the
// thread is created so a second press cannot open a duplicate.
func (e *Engine) Open(ctx context.Context, guildID, ownerID string) (storage.Ticket, error) {
	const op = "tickets.Open"

	var number int
	err := e.withTickets(ctx, guildID, func(set *storage.TicketSet) error {
		if t, ok := set.ActiveFor(ownerID); ok {
			return errs.E(errs.DuplicateTicket, op, t.ID, nil)
		}
		if set.Reserved(ownerID) {
			return errs.E(errs.DuplicateTicket, op, ownerID, fmt.Errorf("ticket creation in progress"))
		}
		number = set.Reserve(ownerID)
		return nil
	})
	if err != nil {
		return storage.Ticket{}, err
	}

	id := storage.TicketID(number)
	var thread string
	pool.Blocking(ctx, func() { thread, err = e.threads.CreateTicketThread(ctx, guildID, ownerID, number) })
	if err != nil {
		_ = e.withTickets(ctx, guildID, func(set *storage.TicketSet) error {
			set.Release(ownerID)
			return nil
		})
		return storage.Ticket{}, errs.E(errs.ResourceUnavailable, op, id, err)
	}

	out := storage.Ticket{
		ID:        id,
		Number:    number,
		GuildID:   guildID,
		OwnerID:   ownerID,
		ThreadRef: thread,
		Status:    storage.TicketOpen,
		CreatedAt: e.now(),
	}
	_ = e.withTickets(ctx, guildID, func(set *storage.TicketSet) error {
		t := out
		set.Insert(&t)
		return nil
	})
	e.save(ctx, out)

	e.log.Info("ticket opened", zap.String("guild", guildID), zap.String("ticket", id), zap.String("owner", ownerID))
	e.publish(ctx, events.New(events.TicketOpened, guildID, id, ownerID, events.OpenedPayload{
		OwnerID: ownerID, ThreadRef: thread, Number: number,
	}))
	return out, nil
}

// Claim assigns the ticket to staffID. Claiming again as the same staff member
// succeeds without changes.
func (e *Engine) Claim(ctx context.Context, guildID, ticketID, staffID string) (storage.Ticket, error) {
	const op = "tickets.Claim"

	var (
		out     storage.Ticket
		changed bool
	)
	err := e.withTickets(ctx, guildID, func(set *storage.TicketSet) error {
		t, ok := set.Active(ticketID)
		if !ok {
			if _, closed := set.Closed(ticketID); closed {
				return errs.E(errs.AlreadyClosed, op, ticketID, nil)
			}
			return errs.E(errs.NotFound, op, ticketID, nil)
		}
		switch t.Status {
		case storage.TicketClaimed:
			if t.ClaimedBy != staffID {
				return errs.E(errs.AlreadyClaimed, op, ticketID, fmt.Errorf("claimed by %s", t.ClaimedBy))
			}
		case storage.TicketOpen:
			t.Status = storage.TicketClaimed
			t.ClaimedBy = staffID
			t.ClaimedAt = e.now()
			changed = true
		}
		out = *t
		return nil
	})
	if err != nil {
		return storage.Ticket{}, err
	}

	if changed {
		e.save(ctx, out)
		e.log.Info("ticket claimed", zap.String("guild", guildID), zap.String("ticket", ticketID), zap.String("staff", staffID))
		e.publish(ctx, events.New(events.TicketClaimed, guildID, ticketID, staffID, nil))
	}
	return out, nil
}

// Close ends an open or claimed ticket. The thread is closed and the row
// written after the ticket has left the active set.
func (e *Engine) Close(ctx context.Context, guildID, ticketID, actorID, reason string) (storage.Ticket, error) {
	const op = "tickets.Close"
	if reason == "" {
		reason = DefaultCloseReason
	}

	var out storage.Ticket
	err := e.withTickets(ctx, guildID, func(set *storage.TicketSet) error {
		t, ok := set.Active(ticketID)
		if !ok {
			return errs.E(errs.NotFound, op, ticketID, nil)
		}
		t.Status = storage.TicketClosed
		t.ClosedAt = e.now()
		t.ClosedBy = actorID
		t.ClosedReason = reason
		set.Archive(ticketID)
		out = *t
		return nil
	})
	if err != nil {
		return storage.Ticket{}, err
	}

	fields := []zap.Field{zap.String("guild", guildID), zap.String("ticket", ticketID)}
	pool.Blocking(ctx, func() { err = e.threads.CloseTicketThread(ctx, guildID, out.ThreadRef, reason) })
	if err != nil {
		e.log.Warn("closing ticket thread failed", append(fields, zap.Error(err))...)
	}
	e.save(ctx, out)
	e.log.Info("ticket closed", append(fields, zap.String("actor", actorID), zap.String("reason", reason))...)
	e.publish(ctx, events.New(events.TicketClosed, guildID, ticketID, actorID, events.ClosedPayload{
		Reason: reason, ClaimedBy: out.ClaimedBy,
	}))
	return out, nil
}

// Load reads the guild's tickets from the database unless they are already
// in memory.
func (e *Engine) Load(ctx context.Context, guildID string) error {
	return e.withTickets(ctx, guildID, func(*storage.TicketSet) error { return nil })
}

// ListActive returns the guild's open and claimed tickets, oldest first.
func (e *Engine) ListActive(ctx context.Context, guildID string) ([]storage.Ticket, error) {
	var out []storage.Ticket
	err := e.withTickets(ctx, guildID, func(set *storage.TicketSet) error {
		out = set.List()
		return nil
	})
	return out, err
}

// ByThread returns the active ticket whose conversation is threadRef.
func (e *Engine) ByThread(ctx context.Context, guildID, threadRef string) (storage.Ticket, error) {
	var (
		out   storage.Ticket
		found bool
	)
	err := e.withTickets(ctx, guildID, func(set *storage.TicketSet) error {
		if t, ok := set.ByThread(threadRef); ok {
			out, found = *t, true
		}
		return nil
	})
	if err != nil {
		return storage.Ticket{}, err
	}
	if !found {
		return storage.Ticket{}, errs.E(errs.NotFound, "tickets.ByThread", threadRef, nil)
	}
	return out, nil
}

// History returns archived tickets, most recently closed first.
func (e *Engine) History(ctx context.Context, guildID string, limit int) ([]storage.Ticket, error) {
	if limit <= 0 {
		limit = 10
	}
	var (
		list []storage.Ticket
		err  error
	)
	pool.Blocking(ctx, func() { list, err = e.db.ClosedTickets(ctx, guildID, limit) })
	if err != nil {
		return nil, errs.E(errs.ResourceUnavailable, "tickets.History", "database", err)
	}
	return list, nil
}

// withTickets runs fn under the guild lock with the guild's ticket set,
// loading it from the database first when the guild has none in memory.
func (e *Engine) withTickets(ctx context.Context, guildID string, fn func(set *storage.TicketSet) error) error {
	for {
		loaded := false
		err := e.store.With(guildID, func(gs *storage.GuildState) error {
			if gs.Tickets == nil {
				return nil
			}
			loaded = true
			return fn(gs.Tickets)
		})
		if err != nil || loaded {
			return err
		}
		if err := e.load(ctx, guildID); err != nil {
			return err
		}
	}
}

func (e *Engine) load(ctx context.Context, guildID string) error {
	var (
		last   int
		active []storage.Ticket
		err    error
	)
	pool.Blocking(ctx, func() {
		last, err = e.db.LastTicketNumber(ctx, guildID)
		if err == nil {
			active, err = e.db.ActiveTickets(ctx, guildID)
		}
	})
	if err != nil {
		return errs.E(errs.ResourceUnavailable, "tickets.load", guildID, err)
	}

	return e.store.With(guildID, func(gs *storage.GuildState) error {
		if gs.Tickets != nil {
			return nil
		}
		set := storage.NewTicketSet()
		set.Restore(last, active)
		gs.Tickets = set
		e.log.Debug("tickets loaded", zap.String("guild", guildID), zap.Int("active", len(active)), zap.Int("last", last))
		return nil
	})
}

func (e *Engine) save(ctx context.Context, t storage.Ticket) {
	var err error
	pool.Blocking(ctx, func() { err = e.db.SaveTicket(ctx, t) })
	if err != nil {
		e.log.Error("saving ticket failed", zap.String("guild", t.GuildID), zap.String("ticket", t.ID), zap.String("status", string(t.Status)), zap.Error(err))
	}
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Warn("publishing event failed", zap.String("type", string(ev.Type)), zap.Error(err))
	}
}
