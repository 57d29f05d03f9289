package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/ledger"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
	"github.com/vaultmesh/vaultmesh/internal/routing"
)

// pmidManager keeps custodian accounts: the capacity a node offers and the
// chunks charged against it. A node's account is managed by the closest other
// member of its close group, never by the node itself.
type pmidManager struct {
	v        *Vault
	accounts *ledger.Ledger
	inflight map[chargeKey][]*protocol.Message
}

func (m *pmidManager) kind() protocol.Persona {
	return protocol.PmidManager
}

func (m *pmidManager) accepts(msg *protocol.Message) bool {
	return m.v.pmidOwner(msg.Target) == m.v.id
}

func (m *pmidManager) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypePmidRegister:
		m.handleRegister(msg)
	case protocol.MessageTypePmidStore:
		m.handleStore(msg)
	case protocol.MessageTypePmidRetrieve:
		m.handleRetrieve(msg)
	case protocol.MessageTypePmidRemove:
		m.handleRemove(msg)
	default:
		m.v.reply(msg, fmt.Errorf("%w: %s not handled by %s", ErrInvalidRequest, msg.Type, m.kind()), nil)
	}
}

func (m *pmidManager) handleRegister(msg *protocol.Message) {
	var p protocol.PmidRegisterPayload
	if err := msg.Decode(protocol.MessageTypePmidRegister, &p); err != nil || p.Capacity <= 0 {
		m.v.reply(msg, fmt.Errorf("%w: bad registration", ErrInvalidRequest), nil)
		return
	}
	if msg.From != msg.Target {
		m.v.reply(msg, fmt.Errorf("%w: node %s cannot register for %s", ErrInvalidRequest, msg.From.Short(), msg.Target.Short()), nil)
		return
	}

	created, err := m.accounts.Create(m.v.ctx, msg.Target, p.Capacity)
	if err == nil && !created {
		err = m.accounts.SetLimit(m.v.ctx, msg.Target, p.Capacity)
	}
	if err != nil {
		m.v.reply(msg, err, nil)
		return
	}
	m.v.logger.Debug().Str("custodian", msg.Target.Short()).Int64("capacity", p.Capacity).Bool("new", created).Msg("custodian registered")
	m.v.reply(msg, nil, nil)
}

func (m *pmidManager) handleStore(msg *protocol.Message) {
	var p protocol.PmidStorePayload
	if err := msg.Decode(protocol.MessageTypePmidStore, &p); err != nil {
		m.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	if p.Node != msg.Target {
		m.v.reply(msg, fmt.Errorf("%w: payload node does not match target", ErrInvalidRequest), nil)
		return
	}
	if !p.ChunkID.Verify(p.Data) {
		m.v.reply(msg, fmt.Errorf("%w: data does not hash to %s", ErrHashMismatch, p.ChunkID.Short()), nil)
		return
	}
	if !m.accounts.Has(p.Node) {
		if _, err := m.accounts.Create(m.v.ctx, p.Node, m.v.config.Capacity); err != nil {
			m.v.reply(msg, err, nil)
			return
		}
	}

	key := chargeKey{account: p.Node, item: p.ChunkID}
	if waiters, ok := m.inflight[key]; ok {
		m.inflight[key] = append(waiters, msg)
		return
	}

	err := m.accounts.Reserve(p.Node, p.ChunkID, int64(len(p.Data)))
	switch {
	case errors.Is(err, ledger.ErrAlreadyHeld):
		m.v.reply(msg, nil, nil)
		return
	case errors.Is(err, ledger.ErrLimitExceeded):
		m.v.reply(msg, fmt.Errorf("%w: custodian %s: %v", ErrCapacityExceeded, p.Node.Short(), err), nil)
		return
	case err != nil:
		m.v.reply(msg, err, nil)
		return
	}
	m.inflight[key] = []*protocol.Message{msg}

	m.v.send(request{
		typ:     protocol.MessageTypeChunkPut,
		persona: protocol.PmidNode,
		target:  p.Node,
		node:    p.Node,
		payload: protocol.ChunkPutPayload{ChunkID: p.ChunkID, Data: p.Data},
		timeout: m.v.config.HopTimeout,
	}, func(r *protocol.ReplyPayload) {
		if !r.OK() {
			m.accounts.Release(key.account, key.item)
			m.finishStore(key, replyError(r))
			return
		}
		m.finishStore(key, m.accounts.Commit(m.v.ctx, key.account, key.item))
	}, func(err error) {
		m.accounts.Release(key.account, key.item)
		m.finishStore(key, err)
	})
}

func (m *pmidManager) finishStore(key chargeKey, err error) {
	waiters := m.inflight[key]
	delete(m.inflight, key)
	for _, w := range waiters {
		m.v.reply(w, err, nil)
	}
	m.v.churn.handoff(m, key.account)
}

func (m *pmidManager) handleRetrieve(msg *protocol.Message) {
	var p protocol.PmidChunkPayload
	if err := msg.Decode(protocol.MessageTypePmidRetrieve, &p); err != nil || p.Node != msg.Target {
		m.v.reply(msg, fmt.Errorf("%w: bad retrieve", ErrInvalidRequest), nil)
		return
	}
	// The custodian is asked even when the account does not list the chunk:
	// an account rebuilt after its manager left starts empty.
	m.v.send(request{
		typ:     protocol.MessageTypeChunkGet,
		persona: protocol.PmidNode,
		target:  p.Node,
		node:    p.Node,
		payload: protocol.ChunkRefPayload{ChunkID: p.ChunkID},
		timeout: m.v.config.HopTimeout,
	}, func(r *protocol.ReplyPayload) {
		if !r.OK() {
			m.v.reply(msg, replyError(r), nil)
			return
		}
		var body protocol.ChunkBody
		if err := r.DecodeBody(&body); err == nil && p.ChunkID.Verify(body.Data) {
			m.adopt(p.Node, p.ChunkID, int64(len(body.Data)))
		}
		m.v.reply(msg, nil, r.Body)
	}, func(err error) {
		m.v.reply(msg, err, nil)
	})
}

// adopt charges a chunk found on a custodian to its account if the account
// does not already list it.
func (m *pmidManager) adopt(node, chunk identity.ID, size int64) {
	if !m.accounts.Has(node) {
		if _, err := m.accounts.Create(m.v.ctx, node, m.v.config.Capacity); err != nil {
			return
		}
	}
	if acct, _ := m.accounts.Get(node); acct.Holds(chunk) || acct.Pending(chunk) {
		return
	}
	if err := m.accounts.Reserve(node, chunk, size); err != nil {
		m.v.logger.Debug().Err(err).Str("custodian", node.Short()).Str("chunk", chunk.Short()).Msg("cannot adopt chunk into account")
		return
	}
	if err := m.accounts.Commit(m.v.ctx, node, chunk); err != nil {
		m.v.logger.Error().Err(err).Str("custodian", node.Short()).Msg("failed to persist adopted chunk")
	}
}

func (m *pmidManager) handleRemove(msg *protocol.Message) {
	var p protocol.PmidChunkPayload
	if err := msg.Decode(protocol.MessageTypePmidRemove, &p); err != nil || p.Node != msg.Target {
		m.v.reply(msg, fmt.Errorf("%w: bad remove", ErrInvalidRequest), nil)
		return
	}
	if m.accounts.Has(p.Node) {
		if _, err := m.accounts.Remove(m.v.ctx, p.Node, p.ChunkID); err != nil && !errors.Is(err, ledger.ErrNotHeld) {
			m.v.reply(msg, err, nil)
			return
		}
	}
	m.v.send(request{
		typ:     protocol.MessageTypeChunkDelete,
		persona: protocol.PmidNode,
		target:  p.Node,
		node:    p.Node,
		payload: protocol.ChunkRefPayload{ChunkID: p.ChunkID},
		timeout: m.v.config.HopTimeout,
	}, nil, nil)
	m.v.reply(msg, nil, nil)
}

// onChurn forgets custodians that left. DataManager re-replicates what they
// held.
func (m *pmidManager) onChurn(c routing.Churn) {
	for _, left := range c.Left {
		if !m.accounts.Has(left) {
			continue
		}
		if err := m.accounts.Drop(m.v.ctx, left); err != nil {
			m.v.logger.Error().Err(err).Str("custodian", left.Short()).Msg("failed to drop custodian account")
			continue
		}
		m.v.logger.Info().Str("custodian", left.Short()).Msg("custodian left, account dropped")
	}
}

// accountHolder

func (m *pmidManager) recordKeys() []identity.ID {
	return m.accounts.IDs()
}

func (m *pmidManager) busy(key identity.ID) bool {
	return m.accounts.HasPending(key)
}

func (m *pmidManager) owner(key identity.ID) identity.ID {
	return m.v.pmidOwner(key)
}

func (m *pmidManager) export(key identity.ID) (uint64, any, bool) {
	acct, ok := m.accounts.Export(key)
	if !ok {
		return 0, nil, false
	}
	return acct.Seq, acct, true
}

func (m *pmidManager) merge(ctx context.Context, key identity.ID, record json.RawMessage) (bool, error) {
	var acct ledger.Account
	if err := json.Unmarshal(record, &acct); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if acct.ID != key {
		return false, fmt.Errorf("%w: account %s transferred under key %s", ErrInvalidRequest, acct.ID.Short(), key.Short())
	}
	return m.accounts.Merge(ctx, acct)
}

func (m *pmidManager) drop(ctx context.Context, key identity.ID) error {
	return m.accounts.Drop(ctx, key)
}
