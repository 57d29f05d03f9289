// Package ledger tracks per-identity storage budgets with a reserve-then-commit
// discipline. MaidManager uses it for client quotas and PmidManager for
// custodian capacity.
//
// A Ledger is not safe for concurrent use. The vault event loop owns it.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/store"
)

var (
	ErrNoAccount      = errors.New("account does not exist")
	ErrLimitExceeded  = errors.New("limit exceeded")
	ErrAlreadyHeld    = errors.New("item already charged to account")
	ErrPending        = errors.New("item reservation already pending")
	ErrNotHeld        = errors.New("item not charged to account")
	ErrNoReservation  = errors.New("no reservation for item")
	ErrInvalidAccount = errors.New("invalid account")
)

// Account is the persisted budget for one identity. Used never exceeds Limit:
// every charge goes through Reserve first, and Reserve checks
// Used+Reserved+size against Limit.
type Account struct {
	ID    identity.ID           `json:"id"`
	Limit int64                 `json:"limit"`
	Used  int64                 `json:"used"`
	Items map[identity.ID]int64 `json:"items"`
	Seq   uint64                `json:"seq"`

	reserved map[identity.ID]int64
}

// Reserved returns the bytes held by in-flight reservations.
func (a *Account) Reserved() int64 {
	var total int64
	for _, n := range a.reserved {
		total += n
	}
	return total
}

// Available returns the bytes that can still be reserved.
func (a *Account) Available() int64 {
	avail := a.Limit - a.Used - a.Reserved()
	if avail < 0 {
		return 0
	}
	return avail
}

// Holds reports whether item is committed to the account.
func (a *Account) Holds(item identity.ID) bool {
	_, ok := a.Items[item]
	return ok
}

// Pending reports whether item has an in-flight reservation.
func (a *Account) Pending(item identity.ID) bool {
	_, ok := a.reserved[item]
	return ok
}

// clone returns a deep copy of the persisted fields.
func (a *Account) clone() Account {
	out := Account{ID: a.ID, Limit: a.Limit, Used: a.Used, Seq: a.Seq, Items: make(map[identity.ID]int64, len(a.Items))}
	for k, v := range a.Items {
		out.Items[k] = v
	}
	return out
}

// Ledger is an in-memory account map written through to a store bucket.
type Ledger struct {
	accounts map[identity.ID]*Account
	bucket   *store.Bucket
}

// New returns a ledger persisting into bucket. A nil bucket keeps the ledger
// in memory only.
func New(bucket *store.Bucket) *Ledger {
	return &Ledger{
		accounts: make(map[identity.ID]*Account),
		bucket:   bucket,
	}
}

// Load restores every persisted account.
func (l *Ledger) Load(ctx context.Context) error {
	if l.bucket == nil {
		return nil
	}
	return l.bucket.ForEach(ctx, func(key string, data []byte) error {
		var acct Account
		if err := json.Unmarshal(data, &acct); err != nil {
			return fmt.Errorf("decode account %s: %w", key, err)
		}
		if acct.Items == nil {
			acct.Items = make(map[identity.ID]int64)
		}
		acct.reserved = make(map[identity.ID]int64)
		l.accounts[acct.ID] = &acct
		return nil
	})
}

// Create opens an account with the given limit. It returns false if the
// account already existed, in which case it is left unchanged.
func (l *Ledger) Create(ctx context.Context, id identity.ID, limit int64) (bool, error) {
	if id.IsZero() || limit < 0 {
		return false, ErrInvalidAccount
	}
	if _, ok := l.accounts[id]; ok {
		return false, nil
	}
	acct := &Account{
		ID:       id,
		Limit:    limit,
		Items:    make(map[identity.ID]int64),
		Seq:      1,
		reserved: make(map[identity.ID]int64),
	}
	l.accounts[id] = acct
	return true, l.save(ctx, acct)
}

// SetLimit changes an account's limit. Lowering the limit below current usage
// is allowed; it only blocks new reservations.
func (l *Ledger) SetLimit(ctx context.Context, id identity.ID, limit int64) error {
	acct, ok := l.accounts[id]
	if !ok {
		return ErrNoAccount
	}
	if acct.Limit == limit {
		return nil
	}
	acct.Limit = limit
	acct.Seq++
	return l.save(ctx, acct)
}

// Get returns a copy of the account.
func (l *Ledger) Get(id identity.ID) (Account, bool) {
	acct, ok := l.accounts[id]
	if !ok {
		return Account{}, false
	}
	out := acct.clone()
	out.reserved = make(map[identity.ID]int64, len(acct.reserved))
	for k, v := range acct.reserved {
		out.reserved[k] = v
	}
	return out, true
}

// Has reports whether the account exists.
func (l *Ledger) Has(id identity.ID) bool {
	_, ok := l.accounts[id]
	return ok
}

// Reserve tentatively charges size bytes for item.
func (l *Ledger) Reserve(id, item identity.ID, size int64) error {
	acct, ok := l.accounts[id]
	if !ok {
		return ErrNoAccount
	}
	if acct.Holds(item) {
		return ErrAlreadyHeld
	}
	if acct.Pending(item) {
		return ErrPending
	}
	if acct.Used+acct.Reserved()+size > acct.Limit {
		return fmt.Errorf("%w: used %d + reserved %d + %d > %d",
			ErrLimitExceeded, acct.Used, acct.Reserved(), size, acct.Limit)
	}
	acct.reserved[item] = size
	return nil
}

// Commit turns the reservation for item into usage.
func (l *Ledger) Commit(ctx context.Context, id, item identity.ID) error {
	acct, ok := l.accounts[id]
	if !ok {
		return ErrNoAccount
	}
	size, ok := acct.reserved[item]
	if !ok {
		return ErrNoReservation
	}
	delete(acct.reserved, item)
	acct.Items[item] = size
	acct.Used += size
	acct.Seq++
	return l.save(ctx, acct)
}

// Release drops the reservation for item without charging.
func (l *Ledger) Release(id, item identity.ID) {
	if acct, ok := l.accounts[id]; ok {
		delete(acct.reserved, item)
	}
}

// Remove refunds a committed item and returns the refunded size.
func (l *Ledger) Remove(ctx context.Context, id, item identity.ID) (int64, error) {
	acct, ok := l.accounts[id]
	if !ok {
		return 0, ErrNoAccount
	}
	size, ok := acct.Items[item]
	if !ok {
		return 0, ErrNotHeld
	}
	delete(acct.Items, item)
	acct.Used -= size
	if acct.Used < 0 {
		acct.Used = 0
	}
	acct.Seq++
	return size, l.save(ctx, acct)
}

// HasPending reports whether the account has any in-flight reservation.
func (l *Ledger) HasPending(id identity.ID) bool {
	acct, ok := l.accounts[id]
	return ok && len(acct.reserved) > 0
}

// Export returns the persisted form of an account for transfer.
func (l *Ledger) Export(id identity.ID) (Account, bool) {
	acct, ok := l.accounts[id]
	if !ok {
		return Account{}, false
	}
	return acct.clone(), true
}

// Merge applies a transferred account. The incoming copy wins only when its
// sequence number is newer, so applying the same record twice is a no-op.
// Local reservations are preserved.
func (l *Ledger) Merge(ctx context.Context, incoming Account) (bool, error) {
	if incoming.ID.IsZero() {
		return false, ErrInvalidAccount
	}
	existing, ok := l.accounts[incoming.ID]
	if ok && existing.Seq >= incoming.Seq {
		return false, nil
	}

	acct := incoming.clone()
	if ok {
		acct.reserved = existing.reserved
	} else {
		acct.reserved = make(map[identity.ID]int64)
	}
	l.accounts[acct.ID] = &acct
	return true, l.save(ctx, &acct)
}

// Drop forgets an account locally, used once a transfer has been acknowledged
// or the identity has left the network.
func (l *Ledger) Drop(ctx context.Context, id identity.ID) error {
	if _, ok := l.accounts[id]; !ok {
		return nil
	}
	delete(l.accounts, id)
	if l.bucket == nil {
		return nil
	}
	return l.bucket.Delete(ctx, id.String())
}

// IDs returns every account identity in a stable order.
func (l *Ledger) IDs() []identity.ID {
	ids := make([]identity.ID, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Len returns the number of accounts.
func (l *Ledger) Len() int {
	return len(l.accounts)
}

// Totals sums limits and usage over all accounts.
func (l *Ledger) Totals() (limit, used int64) {
	for _, acct := range l.accounts {
		limit += acct.Limit
		used += acct.Used
	}
	return limit, used
}

func (l *Ledger) save(ctx context.Context, acct *Account) error {
	if l.bucket == nil {
		return nil
	}
	return l.bucket.Put(ctx, acct.ID.String(), acct)
}
