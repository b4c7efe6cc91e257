package pool

import "sync"

// KeyedQueue runs functions one at a time per key, in submission order.
// Different keys run concurrently.
type KeyedQueue struct {
	mu      sync.Mutex
	pending map[string][]func()
	wg      sync.WaitGroup
}

func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{pending: make(map[string][]func())}
}

func (q *KeyedQueue) Do(key string, fn func()) {
	q.mu.Lock()
	list, busy := q.pending[key]
	q.pending[key] = append(list, fn)
	if !busy {
		q.wg.Add(1)
	}
	q.mu.Unlock()
	if !busy {
		go q.drain(key)
	}
}

func (q *KeyedQueue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		list := q.pending[key]
		if len(list) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		fn := list[0]
		list[0] = nil
		q.pending[key] = list[1:]
		q.mu.Unlock()
		fn()
	}
}

// Wait blocks until every queued function has run.
func (q *KeyedQueue) Wait() { q.wg.Wait() }
