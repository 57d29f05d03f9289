package routing

import "sync"

// inbox is an unbounded FIFO drained by a single goroutine. Producers never
// block, so a node that is busy sending cannot deadlock another node that is
// sending back to it.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

func newInbox() *inbox {
	q := &inbox{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *inbox) push(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

func (q *inbox) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
	}
}

// close stops the pump. Pending items are discarded.
func (q *inbox) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
}
