package vault

import (
	"time"

	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

// pendingOp is a cross-node request awaiting its reply.
type pendingOp struct {
	id        string
	typ       protocol.MessageType
	sentAt    time.Time
	timer     *time.Timer
	onReply   func(*protocol.Message)
	onTimeout func()
}

// pendingTable tracks outstanding requests by correlation id. It is owned by
// the event loop; timers only post the expiry back into the loop.
type pendingTable struct {
	ops  map[string]*pendingOp
	post func(func()) bool
	max  int
}

func newPendingTable(post func(func()) bool, limit int) *pendingTable {
	return &pendingTable{
		ops:  make(map[string]*pendingOp),
		post: post,
		max:  limit,
	}
}

// add registers a request. It returns false when the table is full.
func (t *pendingTable) add(id string, typ protocol.MessageType, timeout time.Duration, onReply func(*protocol.Message), onTimeout func()) bool {
	if t.max > 0 && len(t.ops) >= t.max {
		return false
	}
	op := &pendingOp{
		id:        id,
		typ:       typ,
		sentAt:    time.Now(),
		onReply:   onReply,
		onTimeout: onTimeout,
	}
	op.timer = time.AfterFunc(timeout, func() {
		t.post(func() { t.expire(id) })
	})
	t.ops[id] = op
	return true
}

// resolve hands a reply to its request. Replies for unknown or already
// expired requests are reported as not resolved and must be ignored.
func (t *pendingTable) resolve(reply *protocol.Message) bool {
	op, ok := t.ops[reply.CorrelationID]
	if !ok {
		return false
	}
	op.timer.Stop()
	delete(t.ops, op.id)
	op.onReply(reply)
	return true
}

func (t *pendingTable) expire(id string) {
	op, ok := t.ops[id]
	if !ok {
		return
	}
	delete(t.ops, id)
	op.onTimeout()
}

// cancel drops a request without invoking its callbacks.
func (t *pendingTable) cancel(id string) {
	if op, ok := t.ops[id]; ok {
		op.timer.Stop()
		delete(t.ops, id)
	}
}

func (t *pendingTable) stopAll() {
	for id, op := range t.ops {
		op.timer.Stop()
		delete(t.ops, id)
	}
}

func (t *pendingTable) len() int {
	return len(t.ops)
}
