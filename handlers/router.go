package handlers

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/VeridonNetzwerk/discord-universal-bot/pool"
)

// Event is one unit of guild work: an interaction, a voice update or an
// engine callback.
type Event struct {
	GuildID string
	Name    string
	Run     func(ctx context.Context)
}

// Router serializes events per guild. Each guild has a FIFO mailbox drained
// by one goroutine, so events of one guild run in arrival order while
// different guilds run in parallel. A running event holds one of workers
// slots; it hands the slot back while it waits inside pool.Blocking.
type Router struct {
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	slots  *semaphore.Weighted

	mu        sync.Mutex
	mailboxes map[string][]Event
	closed    bool
	active    sync.WaitGroup
}

func NewRouter(workers int, log *zap.Logger) *Router {
	if workers <= 0 {
		workers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		log:       log.Named("router"),
		ctx:       ctx,
		cancel:    cancel,
		slots:     semaphore.NewWeighted(int64(workers)),
		mailboxes: make(map[string][]Event),
	}
}

// Submit queues ev behind the guild's pending events. It never blocks and
// reports false once the router is closed.
func (r *Router) Submit(ev Event) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	pending, busy := r.mailboxes[ev.GuildID]
	r.mailboxes[ev.GuildID] = append(pending, ev)
	if !busy {
		r.active.Add(1)
	}
	r.mu.Unlock()

	if !busy {
		go func() {
			defer r.active.Done()
			r.drain(ev.GuildID)
		}()
	}
	return true
}

func (r *Router) drain(guildID string) {
	for {
		r.mu.Lock()
		pending := r.mailboxes[guildID]
		if len(pending) == 0 {
			delete(r.mailboxes, guildID)
			r.mu.Unlock()
			return
		}
		ev := pending[0]
		pending[0] = Event{}
		r.mailboxes[guildID] = pending[1:]
		r.mu.Unlock()

		r.run(ev)
	}
}

type routerSlot struct{ sem *semaphore.Weighted }

func (s routerSlot) Acquire() { _ = s.sem.Acquire(context.Background(), 1) }
func (s routerSlot) Release() { s.sem.Release(1) }

func (r *Router) run(ev Event) {
	slot := routerSlot{sem: r.slots}
	slot.Acquire()
	defer slot.Release()
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("event panicked", zap.String("guild", ev.GuildID), zap.String("event", ev.Name), zap.Any("panic", rec))
		}
	}()
	ev.Run(pool.WithSlot(r.ctx, slot))
}

// Pending reports how many events wait in guildID's mailbox.
func (r *Router) Pending(guildID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mailboxes[guildID])
}

// Close stops accepting events and finishes the queued ones.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.active.Wait()
	r.cancel()
}
