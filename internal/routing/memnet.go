package routing

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

// MemNetwork is an in-process overlay. Every member has a consistent view of
// membership, and each router delivers inbound messages and churn events in
// order on its own goroutine. It backs the simulator and multi-node tests.
type MemNetwork struct {
	mu        sync.RWMutex
	groupSize int
	routers   map[identity.ID]*MemRouter
	silenced  map[identity.ID]bool

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewMemNetwork returns an empty network with the given close group size.
func NewMemNetwork(groupSize int) *MemNetwork {
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}
	return &MemNetwork{
		groupSize: groupSize,
		routers:   make(map[identity.ID]*MemRouter),
		silenced:  make(map[identity.ID]bool),
	}
}

// Join adds a node and notifies existing members. Messages addressed to the
// new router queue until a handler is registered with OnMessage.
func (n *MemNetwork) Join(id identity.ID) *MemRouter {
	n.mu.Lock()
	defer n.mu.Unlock()

	if r, ok := n.routers[id]; ok {
		return r
	}

	r := &MemRouter{
		net:   n,
		id:    id,
		table: NewTable(id, n.groupSize),
		inbox: newInbox(),
	}
	for other, or := range n.routers {
		r.table.Add(other)
		if added := or.table.Add(id); len(added) > 0 {
			or.notify(Churn{Joined: added})
		}
	}
	n.routers[id] = r
	return r
}

// Leave removes a node, stops its delivery goroutine and notifies the
// remaining members.
func (n *MemNetwork) Leave(id identity.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()

	r, ok := n.routers[id]
	if !ok {
		return
	}
	delete(n.routers, id)
	delete(n.silenced, id)
	r.inbox.close()

	for _, or := range n.routers {
		if removed := or.table.Remove(id); len(removed) > 0 {
			or.notify(Churn{Left: removed})
		}
	}
}

// Silence makes a member drop every inbound message without leaving the
// membership, as an unresponsive peer would.
func (n *MemNetwork) Silence(id identity.ID, silent bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if silent {
		n.silenced[id] = true
	} else {
		delete(n.silenced, id)
	}
}

// Members returns the current membership.
func (n *MemNetwork) Members() []identity.ID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]identity.ID, 0, len(n.routers))
	for id := range n.routers {
		out = append(out, id)
	}
	return out
}

// Stats returns the number of messages delivered and dropped so far.
func (n *MemNetwork) Stats() (delivered, dropped uint64) {
	return n.delivered.Load(), n.dropped.Load()
}

func (n *MemNetwork) deliver(target identity.ID, msg *protocol.Message) error {
	n.mu.RLock()
	dst, ok := n.routers[target]
	silent := n.silenced[target]
	n.mu.RUnlock()

	if !ok {
		n.dropped.Add(1)
		return ErrUnknownNode
	}
	if silent {
		n.dropped.Add(1)
		return nil
	}

	m := msg.Clone()
	if dst.inbox.push(func() { dst.dispatch(m) }) {
		n.delivered.Add(1)
	} else {
		n.dropped.Add(1)
	}
	return nil
}

// MemRouter is one member's Router on a MemNetwork.
type MemRouter struct {
	net   *MemNetwork
	id    identity.ID
	table *Table
	inbox *inbox

	mu            sync.RWMutex
	handler       Handler
	churnHandlers []ChurnHandler
	start         sync.Once
}

var _ Router = (*MemRouter)(nil)

func (r *MemRouter) ID() identity.ID {
	return r.id
}

func (r *MemRouter) SendToNode(ctx context.Context, target identity.ID, msg *protocol.Message) error {
	return r.net.deliver(target, msg)
}

func (r *MemRouter) SendToGroup(ctx context.Context, target identity.ID, msg *protocol.Message) error {
	for _, id := range r.table.CloseGroup(target) {
		_ = r.net.deliver(id, msg)
	}
	return nil
}

func (r *MemRouter) CloseGroup(target identity.ID) []identity.ID {
	return r.table.CloseGroup(target)
}

func (r *MemRouter) IsResponsibleFor(addr identity.ID) bool {
	return r.table.IsResponsibleFor(addr)
}

// OnMessage registers the inbound handler and starts delivery.
func (r *MemRouter) OnMessage(h Handler) {
	r.mu.Lock()
	r.handler = h
	r.mu.Unlock()
	r.start.Do(func() { go r.inbox.run() })
}

func (r *MemRouter) OnMembershipChange(h ChurnHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.churnHandlers = append(r.churnHandlers, h)
}

// Members returns this router's membership view.
func (r *MemRouter) Members() []identity.ID {
	return r.table.Members()
}

func (r *MemRouter) dispatch(msg *protocol.Message) {
	r.mu.RLock()
	h := r.handler
	r.mu.RUnlock()
	if h != nil {
		h(msg)
	}
}

func (r *MemRouter) notify(c Churn) {
	r.inbox.push(func() {
		r.mu.RLock()
		handlers := append([]ChurnHandler(nil), r.churnHandlers...)
		r.mu.RUnlock()
		for _, h := range handlers {
			h(c)
		}
	})
}
