package routing

import (
	"sync"

	"github.com/vaultmesh/vaultmesh/internal/identity"
)

// DefaultGroupSize is the close group size used when none is configured.
const DefaultGroupSize = 8

// Table is one node's view of network membership.
type Table struct {
	mu        sync.RWMutex
	self      identity.ID
	groupSize int
	members   map[identity.ID]struct{}
}

// NewTable returns a table containing only self.
func NewTable(self identity.ID, groupSize int) *Table {
	if groupSize <= 0 {
		groupSize = DefaultGroupSize
	}
	return &Table{
		self:      self,
		groupSize: groupSize,
		members:   map[identity.ID]struct{}{self: {}},
	}
}

// Self returns the owning node's identity.
func (t *Table) Self() identity.ID {
	return t.self
}

// GroupSize returns the configured close group size.
func (t *Table) GroupSize() int {
	return t.groupSize
}

// Add inserts ids and returns those that were not already present.
func (t *Table) Add(ids ...identity.ID) []identity.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var added []identity.ID
	for _, id := range ids {
		if _, ok := t.members[id]; ok {
			continue
		}
		t.members[id] = struct{}{}
		added = append(added, id)
	}
	return added
}

// Remove deletes ids and returns those that were present. Self is never removed.
func (t *Table) Remove(ids ...identity.ID) []identity.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []identity.ID
	for _, id := range ids {
		if id == t.self {
			continue
		}
		if _, ok := t.members[id]; !ok {
			continue
		}
		delete(t.members, id)
		removed = append(removed, id)
	}
	return removed
}

// Has reports whether id is a member.
func (t *Table) Has(id identity.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.members[id]
	return ok
}

// Len returns the number of members, self included.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Members returns every member.
func (t *Table) Members() []identity.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]identity.ID, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	return out
}

// CloseGroup returns the members nearest to target, closest first.
func (t *Table) CloseGroup(target identity.ID) []identity.ID {
	return identity.Closest(target, t.Members(), t.groupSize)
}

// IsResponsibleFor reports whether self is the member closest to addr.
func (t *Table) IsResponsibleFor(addr identity.ID) bool {
	group := identity.Closest(addr, t.Members(), 1)
	return len(group) == 1 && group[0] == t.self
}
