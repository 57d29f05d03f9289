package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

// accountHolder is a persona whose records are keyed by an identity and must
// live with that identity's current owner.
type accountHolder interface {
	persona
	recordKeys() []identity.ID
	owner(key identity.ID) identity.ID
	// busy reports whether key has local work in flight that the record
	// does not reflect yet. Busy records are neither pushed nor dropped.
	busy(key identity.ID) bool
	// export returns the record and its sequence number.
	export(key identity.ID) (uint64, any, bool)
	// merge applies a transferred record. Applying the same record twice
	// must leave the same state.
	merge(ctx context.Context, key identity.ID, record json.RawMessage) (bool, error)
	drop(ctx context.Context, key identity.ID) error
}

// TransferState is a persona's position in the churn cycle.
type TransferState int

const (
	Stable TransferState = iota
	Transferring
)

func (s TransferState) String() string {
	if s == Transferring {
		return "transferring"
	}
	return "stable"
}

type transferKey struct {
	persona protocol.Persona
	key     identity.ID
}

// churnCoordinator pushes records this node no longer owns to their new
// owner and drops them once the transfer is acknowledged.
type churnCoordinator struct {
	v        *Vault
	holders  []accountHolder
	byKind   map[protocol.Persona]accountHolder
	inflight map[transferKey]int // attempt number
}

func newChurnCoordinator(v *Vault, holders ...accountHolder) *churnCoordinator {
	c := &churnCoordinator{
		v:        v,
		holders:  holders,
		byKind:   make(map[protocol.Persona]accountHolder),
		inflight: make(map[transferKey]int),
	}
	for _, h := range holders {
		c.byKind[h.kind()] = h
	}
	return c
}

// The coordinator is also the node-level persona answering sync requests.

func (c *churnCoordinator) kind() protocol.Persona {
	return protocol.Node
}

func (c *churnCoordinator) accepts(msg *protocol.Message) bool {
	return msg.Target == c.v.id
}

func (c *churnCoordinator) handle(msg *protocol.Message) {
	if msg.Type != protocol.MessageTypeSyncRequest {
		c.v.reply(msg, fmt.Errorf("%w: %s not handled by %s", ErrInvalidRequest, msg.Type, c.kind()), nil)
		return
	}
	c.rebalance("sync request from " + msg.From.Short())
}

// requestSync asks the rest of this node's close group to rerun their
// transfer pass, so a restarted node picks up the records it owns.
func (c *churnCoordinator) requestSync() {
	for _, id := range c.v.router.CloseGroup(c.v.id) {
		if id == c.v.id {
			continue
		}
		c.v.notify(protocol.MessageTypeSyncRequest, protocol.Node, id, protocol.SyncRequestPayload{})
	}
}

// rebalance starts a transfer for every record whose owner is another node.
func (c *churnCoordinator) rebalance(reason string) {
	started := 0
	for _, h := range c.holders {
		for _, key := range h.recordKeys() {
			owner := h.owner(key)
			if owner.IsZero() || owner == c.v.id || h.busy(key) {
				continue
			}
			if c.push(h, key, 0) {
				started++
			}
		}
	}
	if started > 0 {
		c.v.logger.Info().Str("reason", reason).Int("transfers", started).Msg("transferring records to new owners")
	}
}

func (c *churnCoordinator) push(h accountHolder, key identity.ID, attempt int) bool {
	tk := transferKey{persona: h.kind(), key: key}
	if _, busy := c.inflight[tk]; busy && attempt == 0 {
		return false
	}
	seq, rec, ok := h.export(key)
	if !ok {
		delete(c.inflight, tk)
		return false
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		c.v.logger.Error().Err(err).Str("persona", string(tk.persona)).Str("key", key.Short()).Msg("failed to encode record for transfer")
		delete(c.inflight, tk)
		return false
	}
	c.inflight[tk] = attempt
	c.v.metrics.Transfers.WithLabelValues(string(tk.persona), "sent").Inc()

	c.v.send(request{
		typ:     protocol.MessageTypeTransfer,
		persona: h.kind(),
		target:  key,
		payload: protocol.TransferPayload{Persona: h.kind(), Key: key, Seq: seq, Record: raw},
		timeout: 2 * c.v.config.HopTimeout,
	}, func(r *protocol.ReplyPayload) {
		if !r.OK() {
			c.failed(h, key, attempt, replyError(r))
			return
		}
		c.acked(h, key, seq)
	}, func(err error) {
		c.failed(h, key, attempt, err)
	})
	return true
}

func (c *churnCoordinator) acked(h accountHolder, key identity.ID, seq uint64) {
	tk := transferKey{persona: h.kind(), key: key}
	delete(c.inflight, tk)
	c.v.metrics.Transfers.WithLabelValues(string(tk.persona), "acked").Inc()

	owner := h.owner(key)
	if owner.IsZero() || owner == c.v.id {
		return
	}
	if h.busy(key) {
		// handoff pushes the settled record once the work completes.
		return
	}
	cur, _, ok := h.export(key)
	if !ok {
		return
	}
	if cur != seq {
		// Changed while in flight; send the newer copy.
		c.push(h, key, 0)
		return
	}
	if err := h.drop(c.v.ctx, key); err != nil {
		c.v.logger.Error().Err(err).Str("persona", string(tk.persona)).Str("key", key.Short()).Msg("failed to drop transferred record")
	}
}

// handoff pushes key to its owner once local work on it has settled, if this
// node no longer owns it.
func (c *churnCoordinator) handoff(h accountHolder, key identity.ID) {
	owner := h.owner(key)
	if owner.IsZero() || owner == c.v.id || h.busy(key) {
		return
	}
	c.push(h, key, 0)
}

func (c *churnCoordinator) failed(h accountHolder, key identity.ID, attempt int, err error) {
	tk := transferKey{persona: h.kind(), key: key}
	if attempt+1 >= c.v.config.TransferRetries {
		delete(c.inflight, tk)
		c.v.metrics.Transfers.WithLabelValues(string(tk.persona), "failed").Inc()
		c.v.logger.Error().Err(fmt.Errorf("%w: %v", ErrTransferFailure, err)).
			Str("persona", string(tk.persona)).Str("key", key.Short()).Int("attempts", attempt+1).
			Msg("giving up on record transfer")
		return
	}

	delay := c.v.config.TransferBackoff << attempt
	c.inflight[tk] = attempt + 1
	time.AfterFunc(delay, func() {
		c.v.post(func() { c.retry(h, key, attempt+1) })
	})
}

func (c *churnCoordinator) retry(h accountHolder, key identity.ID, attempt int) {
	tk := transferKey{persona: h.kind(), key: key}
	owner := h.owner(key)
	if owner.IsZero() || owner == c.v.id {
		delete(c.inflight, tk)
		return
	}
	if !c.push(h, key, attempt) {
		delete(c.inflight, tk)
	}
}

// receive merges a transferred record addressed to this node.
func (c *churnCoordinator) receive(h accountHolder, msg *protocol.Message) {
	var p protocol.TransferPayload
	if err := msg.Decode(protocol.MessageTypeTransfer, &p); err != nil {
		c.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	if p.Persona != h.kind() || p.Key != msg.Target {
		c.v.reply(msg, fmt.Errorf("%w: transfer envelope does not match record", ErrInvalidRequest), nil)
		return
	}

	applied, err := h.merge(c.v.ctx, p.Key, p.Record)
	if err != nil {
		c.v.logger.Warn().Err(err).Str("persona", string(p.Persona)).Str("key", p.Key.Short()).Msg("rejected transferred record")
		c.v.reply(msg, err, nil)
		return
	}
	if applied {
		c.v.metrics.Transfers.WithLabelValues(string(p.Persona), "merged").Inc()
		c.v.logger.Debug().Str("persona", string(p.Persona)).Str("key", p.Key.Short()).Uint64("seq", p.Seq).
			Str("from", msg.From.Short()).Msg("merged transferred record")
	}
	c.v.reply(msg, nil, nil)
}

func (c *churnCoordinator) stateOf(p protocol.Persona) TransferState {
	for tk := range c.inflight {
		if tk.persona == p {
			return Transferring
		}
	}
	return Stable
}
