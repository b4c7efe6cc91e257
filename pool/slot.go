// Package pool holds the small scheduling helpers shared by the router, the
// playback engine and the Lavalink client.
package pool

import "context"

// Slot is a worker slot of a bounded pool, held by the task that runs on it.
type Slot interface {
	Release()
	Acquire()
}

type slotKey struct{}

// WithSlot attaches the running task's slot to ctx.
func WithSlot(ctx context.Context, s Slot) context.Context {
	return context.WithValue(ctx, slotKey{}, s)
}

// Blocking runs fn with the caller's worker slot handed back to the pool, so
// slow network I/O of one task does not starve the others. The slot is taken
// again before Blocking returns. Without a slot in ctx fn simply runs.
func Blocking(ctx context.Context, fn func()) {
	s, ok := ctx.Value(slotKey{}).(Slot)
	if !ok {
		fn()
		return
	}
	s.Release()
	defer s.Acquire()
	fn()
}
