package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/ledger"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

// chargeKey identifies one item charged to one account.
type chargeKey struct {
	account identity.ID
	item    identity.ID
}

// maidManager keeps client accounts: quota, usage and the chunks each client
// has stored. It lives in the close group of the client identity.
type maidManager struct {
	v        *Vault
	accounts *ledger.Ledger
	// puts forwarded to DataManager, with every request waiting on them
	inflight map[chargeKey][]*protocol.Message
}

func (m *maidManager) kind() protocol.Persona {
	return protocol.MaidManager
}

func (m *maidManager) accepts(msg *protocol.Message) bool {
	return m.v.owns(msg.Target)
}

func (m *maidManager) handle(msg *protocol.Message) {
	if msg.Client != msg.Target {
		m.v.reply(msg, fmt.Errorf("%w: client %s does not own account %s", ErrInvalidRequest, msg.Client.Short(), msg.Target.Short()), nil)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeCreateAccount:
		m.handleCreateAccount(msg)
	case protocol.MessageTypeAccountInfo:
		m.handleAccountInfo(msg)
	case protocol.MessageTypePut:
		m.handlePut(msg)
	case protocol.MessageTypeDelete:
		m.handleDelete(msg)
	default:
		m.v.reply(msg, fmt.Errorf("%w: %s not handled by %s", ErrInvalidRequest, msg.Type, m.kind()), nil)
	}
}

func (m *maidManager) info(client identity.ID) protocol.AccountInfo {
	acct, _ := m.accounts.Get(client)
	return protocol.AccountInfo{
		Client:   client,
		Quota:    acct.Limit,
		Used:     acct.Used,
		Reserved: acct.Reserved(),
		Chunks:   len(acct.Items),
	}
}

func (m *maidManager) handleCreateAccount(msg *protocol.Message) {
	var p protocol.CreateAccountPayload
	if err := msg.Decode(protocol.MessageTypeCreateAccount, &p); err != nil {
		m.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	quota := p.Quota
	if quota <= 0 {
		quota = m.v.config.DefaultQuota
	}
	if quota > m.v.config.MaxQuota {
		quota = m.v.config.MaxQuota
	}

	created, err := m.accounts.Create(m.v.ctx, msg.Client, quota)
	if err != nil {
		m.v.reply(msg, err, nil)
		return
	}
	if created {
		m.v.logger.Info().Str("client", msg.Client.Short()).Int64("quota", quota).Msg("account created")
	}
	m.v.reply(msg, nil, m.info(msg.Client))
}

func (m *maidManager) handleAccountInfo(msg *protocol.Message) {
	if !m.accounts.Has(msg.Client) {
		m.v.reply(msg, ErrNoAccount, nil)
		return
	}
	m.v.reply(msg, nil, m.info(msg.Client))
}

// ensureAccount returns an error when client has no account and one cannot
// be opened implicitly.
func (m *maidManager) ensureAccount(client identity.ID) error {
	if m.accounts.Has(client) {
		return nil
	}
	if m.v.config.RequireAccount {
		return ErrNoAccount
	}
	_, err := m.accounts.Create(m.v.ctx, client, m.v.config.DefaultQuota)
	return err
}

func (m *maidManager) handlePut(msg *protocol.Message) {
	var p protocol.PutPayload
	if err := msg.Decode(protocol.MessageTypePut, &p); err != nil {
		m.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	if len(p.Data) == 0 {
		m.v.reply(msg, fmt.Errorf("%w: empty chunk", ErrInvalidRequest), nil)
		return
	}
	if !p.ChunkID.Verify(p.Data) {
		m.v.reply(msg, fmt.Errorf("%w: data does not hash to %s", ErrHashMismatch, p.ChunkID.Short()), nil)
		return
	}
	if err := m.ensureAccount(msg.Client); err != nil {
		m.v.reply(msg, err, nil)
		return
	}

	key := chargeKey{account: msg.Client, item: p.ChunkID}
	if waiters, ok := m.inflight[key]; ok {
		m.inflight[key] = append(waiters, msg)
		return
	}

	err := m.accounts.Reserve(msg.Client, p.ChunkID, int64(len(p.Data)))
	switch {
	case errors.Is(err, ledger.ErrAlreadyHeld):
		m.v.reply(msg, nil, m.info(msg.Client))
		return
	case errors.Is(err, ledger.ErrLimitExceeded):
		m.v.reply(msg, fmt.Errorf("%w: %v", ErrQuotaExceeded, err), nil)
		return
	case err != nil:
		m.v.reply(msg, err, nil)
		return
	}
	m.inflight[key] = []*protocol.Message{msg}

	m.v.send(request{
		typ:     protocol.MessageTypeDataPut,
		persona: protocol.DataManager,
		target:  p.ChunkID,
		client:  msg.Client,
		payload: protocol.DataPutPayload{ChunkID: p.ChunkID, Data: p.Data},
		timeout: m.v.placementTimeout(),
	}, func(r *protocol.ReplyPayload) {
		if !r.OK() {
			m.accounts.Release(key.account, key.item)
			m.finishPut(key, replyError(r))
			return
		}
		if err := m.accounts.Commit(m.v.ctx, key.account, key.item); err != nil {
			m.finishPut(key, err)
			return
		}
		var res protocol.DataPutResult
		if err := r.DecodeBody(&res); err != nil {
			m.v.logger.Debug().Err(err).Str("chunk", key.item.Short()).Msg("undecodable placement result")
		}
		m.v.logger.Debug().Str("client", key.account.Short()).Str("chunk", key.item.Short()).
			Bool("duplicate", res.Duplicate).Int("holders", res.Holders).Msg("put committed")
		m.finishPut(key, nil)
	}, func(err error) {
		m.accounts.Release(key.account, key.item)
		m.finishPut(key, fmt.Errorf("%w: %v", ErrRejected, err))
	})
}

func (m *maidManager) finishPut(key chargeKey, err error) {
	waiters := m.inflight[key]
	delete(m.inflight, key)
	var body any
	if err == nil {
		body = m.info(key.account)
	}
	for _, w := range waiters {
		m.v.reply(w, err, body)
	}
	m.v.churn.handoff(m, key.account)
}

func (m *maidManager) handleDelete(msg *protocol.Message) {
	var p protocol.DeletePayload
	if err := msg.Decode(protocol.MessageTypeDelete, &p); err != nil {
		m.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	if !m.accounts.Has(msg.Client) {
		m.v.reply(msg, ErrNoAccount, nil)
		return
	}

	size, err := m.accounts.Remove(m.v.ctx, msg.Client, p.ChunkID)
	if errors.Is(err, ledger.ErrNotHeld) {
		m.v.reply(msg, fmt.Errorf("%w: chunk %s not stored by client", ErrNotFound, p.ChunkID.Short()), nil)
		return
	}
	if err != nil {
		m.v.reply(msg, err, nil)
		return
	}

	m.v.send(request{
		typ:     protocol.MessageTypeDataUnsubscribe,
		persona: protocol.DataManager,
		target:  p.ChunkID,
		client:  msg.Client,
		payload: protocol.DataUnsubscribePayload{ChunkID: p.ChunkID},
		timeout: 2 * m.v.config.HopTimeout,
		retries: m.v.config.RetryBudget,
	}, nil, func(err error) {
		m.v.logger.Warn().Err(err).Str("chunk", p.ChunkID.Short()).Msg("unsubscribe not acknowledged")
	})

	m.v.logger.Debug().Str("client", msg.Client.Short()).Str("chunk", p.ChunkID.Short()).Int64("refund", size).Msg("chunk deleted")
	m.v.reply(msg, nil, m.info(msg.Client))
}

// accountHolder

func (m *maidManager) recordKeys() []identity.ID {
	return m.accounts.IDs()
}

func (m *maidManager) busy(key identity.ID) bool {
	return m.accounts.HasPending(key)
}

func (m *maidManager) owner(key identity.ID) identity.ID {
	if group := m.v.router.CloseGroup(key); len(group) > 0 {
		return group[0]
	}
	return identity.Zero
}

func (m *maidManager) export(key identity.ID) (uint64, any, bool) {
	acct, ok := m.accounts.Export(key)
	if !ok {
		return 0, nil, false
	}
	return acct.Seq, acct, true
}

func (m *maidManager) merge(ctx context.Context, key identity.ID, record json.RawMessage) (bool, error) {
	var acct ledger.Account
	if err := json.Unmarshal(record, &acct); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if acct.ID != key {
		return false, fmt.Errorf("%w: account %s transferred under key %s", ErrInvalidRequest, acct.ID.Short(), key.Short())
	}
	return m.accounts.Merge(ctx, acct)
}

func (m *maidManager) drop(ctx context.Context, key identity.ID) error {
	return m.accounts.Drop(ctx, key)
}
