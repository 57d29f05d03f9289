package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
	"github.com/vaultmesh/vaultmesh/internal/routing"
	"github.com/vaultmesh/vaultmesh/internal/store"
)

// MaxMessageBody bounds a single client message.
const MaxMessageBody = 64 << 10

// outboxRemoval is an outbox cleanup the sender's manager has not yet
// acknowledged.
type outboxRemoval struct {
	MessageID string      `json:"message_id"`
	Sender    identity.ID `json:"sender"`
}

// mailbox is one client's messaging state, held by the client's MpidManager.
type mailbox struct {
	Owner       identity.ID            `json:"owner"`
	Inbox       []protocol.MailMessage `json:"inbox"`
	Outbox      []protocol.OutboxEntry `json:"outbox"`
	Removals    []outboxRemoval        `json:"removals,omitempty"`
	NextArrival uint64                 `json:"next_arrival"`
	Seq         uint64                 `json:"seq"`
}

func (b *mailbox) clone() mailbox {
	out := *b
	out.Inbox = append([]protocol.MailMessage(nil), b.Inbox...)
	out.Outbox = append([]protocol.OutboxEntry(nil), b.Outbox...)
	out.Removals = append([]outboxRemoval(nil), b.Removals...)
	return out
}

func (b *mailbox) inboxIndex(id string) int {
	for i, m := range b.Inbox {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (b *mailbox) outboxIndex(id string) int {
	for i, e := range b.Outbox {
		if e.Message.ID == id {
			return i
		}
	}
	return -1
}

type mpidManager struct {
	v      *Vault
	bucket *store.Bucket
	boxes  map[identity.ID]*mailbox
	// message ids with a delivery or outbox removal in flight
	delivering map[string]bool
	removing   map[string]bool
}

func newMpidManager(v *Vault, bucket *store.Bucket) *mpidManager {
	return &mpidManager{
		v:          v,
		bucket:     bucket,
		boxes:      make(map[identity.ID]*mailbox),
		delivering: make(map[string]bool),
		removing:   make(map[string]bool),
	}
}

func (m *mpidManager) load(ctx context.Context) error {
	return m.bucket.ForEach(ctx, func(key string, data []byte) error {
		var box mailbox
		if err := json.Unmarshal(data, &box); err != nil {
			return fmt.Errorf("decode mailbox %s: %w", key, err)
		}
		m.boxes[box.Owner] = &box
		return nil
	})
}

func (m *mpidManager) box(owner identity.ID) *mailbox {
	b, ok := m.boxes[owner]
	if !ok {
		b = &mailbox{Owner: owner}
		m.boxes[owner] = b
	}
	return b
}

func (m *mpidManager) save(b *mailbox) {
	b.Seq++
	if err := m.bucket.Put(m.v.ctx, b.Owner.String(), b); err != nil {
		m.v.logger.Error().Err(err).Str("owner", b.Owner.Short()).Msg("failed to persist mailbox")
	}
}

func (m *mpidManager) kind() protocol.Persona {
	return protocol.MpidManager
}

func (m *mpidManager) accepts(msg *protocol.Message) bool {
	return m.v.owns(msg.Target)
}

func (m *mpidManager) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeMpidDeliver:
		m.handleDeliver(msg)
		return
	case protocol.MessageTypeMpidRemoveOutbox:
		m.handleRemoveOutbox(msg)
		return
	}

	// The rest are client operations on the client's own mailbox.
	if msg.Client != msg.Target {
		m.v.reply(msg, fmt.Errorf("%w: client %s does not own mailbox %s", ErrInvalidRequest, msg.Client.Short(), msg.Target.Short()), nil)
		return
	}
	switch msg.Type {
	case protocol.MessageTypeMpidSend:
		m.handleSend(msg)
	case protocol.MessageTypeMpidPoll:
		var inbox []protocol.MailMessage
		if b, ok := m.boxes[msg.Target]; ok {
			inbox = append(inbox, b.Inbox...)
		}
		m.v.reply(msg, nil, protocol.MpidPollResult{Messages: inbox})
	case protocol.MessageTypeMpidPollOutbox:
		var outbox []protocol.OutboxEntry
		if b, ok := m.boxes[msg.Target]; ok {
			outbox = append(outbox, b.Outbox...)
		}
		m.v.reply(msg, nil, protocol.MpidOutboxResult{Entries: outbox})
	case protocol.MessageTypeMpidDelete:
		m.handleDelete(msg)
	default:
		m.v.reply(msg, fmt.Errorf("%w: %s not handled by %s", ErrInvalidRequest, msg.Type, m.kind()), nil)
	}
}

func (m *mpidManager) handleSend(msg *protocol.Message) {
	var p protocol.MpidSendPayload
	if err := msg.Decode(protocol.MessageTypeMpidSend, &p); err != nil {
		m.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	if p.Recipient.IsZero() || len(p.Body) > MaxMessageBody {
		m.v.reply(msg, fmt.Errorf("%w: recipient required and body at most %d bytes", ErrInvalidRequest, MaxMessageBody), nil)
		return
	}

	mail := protocol.MailMessage{
		ID:        protocol.NewID(),
		Sender:    msg.Client,
		Recipient: p.Recipient,
		Body:      p.Body,
		SentAt:    time.Now().UTC(),
	}
	b := m.box(msg.Client)
	b.Outbox = append(b.Outbox, protocol.OutboxEntry{Message: mail})
	m.save(b)

	m.v.reply(msg, nil, protocol.MpidSendResult{MessageID: mail.ID})
	m.deliver(mail)
}

// deliver pushes mail to the recipient's manager until it is acknowledged.
func (m *mpidManager) deliver(mail protocol.MailMessage) {
	if m.delivering[mail.ID] {
		return
	}
	m.delivering[mail.ID] = true

	m.v.send(request{
		typ:     protocol.MessageTypeMpidDeliver,
		persona: protocol.MpidManager,
		target:  mail.Recipient,
		client:  mail.Sender,
		payload: protocol.MpidDeliverPayload{Message: mail},
		timeout: 2 * m.v.config.HopTimeout,
		retries: m.v.config.RetryBudget,
	}, func(r *protocol.ReplyPayload) {
		delete(m.delivering, mail.ID)
		if !r.OK() {
			m.v.logger.Warn().Err(replyError(r)).Str("message", mail.ID).Msg("delivery refused")
			return
		}
		b, ok := m.boxes[mail.Sender]
		if !ok {
			return
		}
		if i := b.outboxIndex(mail.ID); i >= 0 && !b.Outbox[i].Delivered {
			b.Outbox[i].Delivered = true
			m.save(b)
		}
	}, func(err error) {
		delete(m.delivering, mail.ID)
		m.v.logger.Debug().Err(err).Str("message", mail.ID).Msg("delivery not acknowledged, will retry")
	})
}

func (m *mpidManager) handleDeliver(msg *protocol.Message) {
	var p protocol.MpidDeliverPayload
	if err := msg.Decode(protocol.MessageTypeMpidDeliver, &p); err != nil || p.Message.Recipient != msg.Target || p.Message.ID == "" {
		m.v.reply(msg, fmt.Errorf("%w: bad delivery", ErrInvalidRequest), nil)
		return
	}
	b := m.box(p.Message.Recipient)
	if b.inboxIndex(p.Message.ID) >= 0 {
		m.v.reply(msg, nil, nil)
		return
	}
	b.NextArrival++
	mail := p.Message
	mail.Arrival = b.NextArrival
	b.Inbox = append(b.Inbox, mail)
	m.save(b)
	m.v.reply(msg, nil, nil)
}

func (m *mpidManager) handleDelete(msg *protocol.Message) {
	var p protocol.MpidMessageRefPayload
	if err := msg.Decode(protocol.MessageTypeMpidDelete, &p); err != nil {
		m.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	b, ok := m.boxes[msg.Target]
	i := -1
	if ok {
		i = b.inboxIndex(p.MessageID)
	}
	if i < 0 {
		m.v.reply(msg, fmt.Errorf("%w: message %s", ErrNotFound, p.MessageID), nil)
		return
	}

	mail := b.Inbox[i]
	b.Inbox = append(b.Inbox[:i], b.Inbox[i+1:]...)
	removal := outboxRemoval{MessageID: mail.ID, Sender: mail.Sender}
	b.Removals = append(b.Removals, removal)
	m.save(b)
	m.v.reply(msg, nil, nil)
	m.removeOutbox(b.Owner, removal)
}

// removeOutbox tells the sender's manager a message was consumed. The removal
// stays queued in the recipient's mailbox until acknowledged.
func (m *mpidManager) removeOutbox(recipient identity.ID, r outboxRemoval) {
	if m.removing[r.MessageID] {
		return
	}
	m.removing[r.MessageID] = true

	m.v.send(request{
		typ:     protocol.MessageTypeMpidRemoveOutbox,
		persona: protocol.MpidManager,
		target:  r.Sender,
		client:  recipient,
		payload: protocol.MpidMessageRefPayload{MessageID: r.MessageID},
		timeout: 2 * m.v.config.HopTimeout,
		retries: m.v.config.RetryBudget,
	}, func(reply *protocol.ReplyPayload) {
		delete(m.removing, r.MessageID)
		if !reply.OK() {
			m.v.logger.Warn().Err(replyError(reply)).Str("message", r.MessageID).Msg("outbox removal refused")
			return
		}
		b, ok := m.boxes[recipient]
		if !ok {
			return
		}
		for i, q := range b.Removals {
			if q.MessageID == r.MessageID {
				b.Removals = append(b.Removals[:i], b.Removals[i+1:]...)
				m.save(b)
				break
			}
		}
	}, func(err error) {
		delete(m.removing, r.MessageID)
		m.v.logger.Debug().Err(err).Str("message", r.MessageID).Msg("outbox removal not acknowledged, will retry")
	})
}

func (m *mpidManager) handleRemoveOutbox(msg *protocol.Message) {
	var p protocol.MpidMessageRefPayload
	if err := msg.Decode(protocol.MessageTypeMpidRemoveOutbox, &p); err != nil {
		m.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	if b, ok := m.boxes[msg.Target]; ok {
		if i := b.outboxIndex(p.MessageID); i >= 0 && b.Outbox[i].Message.Recipient == msg.Client {
			b.Outbox = append(b.Outbox[:i], b.Outbox[i+1:]...)
			m.save(b)
		}
	}
	m.v.reply(msg, nil, nil)
}

// redeliver retries undelivered outbox entries and unacknowledged outbox
// removals for every mailbox this node owns.
func (m *mpidManager) redeliver() {
	for owner, b := range m.boxes {
		if !m.v.owns(owner) {
			continue
		}
		for _, e := range b.Outbox {
			if !e.Delivered {
				m.deliver(e.Message)
			}
		}
		for _, r := range b.Removals {
			m.removeOutbox(owner, r)
		}
	}
}

func (m *mpidManager) onChurn(routing.Churn) {
	m.redeliver()
}

// accountHolder

func (m *mpidManager) recordKeys() []identity.ID {
	keys := make([]identity.ID, 0, len(m.boxes))
	for owner := range m.boxes {
		keys = append(keys, owner)
	}
	return keys
}

func (m *mpidManager) busy(identity.ID) bool {
	return false
}

func (m *mpidManager) owner(key identity.ID) identity.ID {
	if group := m.v.router.CloseGroup(key); len(group) > 0 {
		return group[0]
	}
	return identity.Zero
}

func (m *mpidManager) export(key identity.ID) (uint64, any, bool) {
	b, ok := m.boxes[key]
	if !ok {
		return 0, nil, false
	}
	return b.Seq, b.clone(), true
}

// merge unions the transferred mailbox into the local one by message id.
// Transferred inbox messages not yet seen here are appended in their original
// order, after anything delivered locally. Pending deliveries and removals
// from either copy are then retried.
func (m *mpidManager) merge(ctx context.Context, key identity.ID, record json.RawMessage) (bool, error) {
	var in mailbox
	if err := json.Unmarshal(record, &in); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if in.Owner != key {
		return false, fmt.Errorf("%w: mailbox %s transferred under key %s", ErrInvalidRequest, in.Owner.Short(), key.Short())
	}
	sort.SliceStable(in.Inbox, func(i, j int) bool { return in.Inbox[i].Arrival < in.Inbox[j].Arrival })

	cur, ok := m.boxes[key]
	if !ok {
		cur = &mailbox{Owner: key}
	}
	if !unionMailbox(cur, &in) {
		return false, nil
	}
	m.boxes[key] = cur
	if cur.Seq < in.Seq {
		cur.Seq = in.Seq
	}
	cur.Seq++
	if err := m.bucket.Put(ctx, key.String(), cur); err != nil {
		return false, err
	}

	for _, e := range cur.Outbox {
		if !e.Delivered {
			m.deliver(e.Message)
		}
	}
	for _, r := range cur.Removals {
		m.removeOutbox(key, r)
	}
	return true, nil
}

// unionMailbox folds in into b and reports whether b changed. A message
// removed from either inbox stays removed.
func unionMailbox(b, in *mailbox) bool {
	changed := false
	removed := make(map[string]bool, len(b.Removals)+len(in.Removals))
	for _, r := range b.Removals {
		removed[r.MessageID] = true
	}
	for _, r := range in.Removals {
		if !removed[r.MessageID] {
			removed[r.MessageID] = true
			b.Removals = append(b.Removals, r)
			changed = true
		}
	}

	kept := b.Inbox[:0]
	for _, mail := range b.Inbox {
		if removed[mail.ID] {
			changed = true
			continue
		}
		kept = append(kept, mail)
	}
	b.Inbox = kept
	for _, mail := range in.Inbox {
		if removed[mail.ID] || b.inboxIndex(mail.ID) >= 0 {
			continue
		}
		b.NextArrival++
		mail.Arrival = b.NextArrival
		b.Inbox = append(b.Inbox, mail)
		changed = true
	}

	for _, e := range in.Outbox {
		i := b.outboxIndex(e.Message.ID)
		switch {
		case i < 0:
			b.Outbox = append(b.Outbox, e)
			changed = true
		case e.Delivered && !b.Outbox[i].Delivered:
			b.Outbox[i].Delivered = true
			changed = true
		}
	}
	if in.NextArrival > b.NextArrival {
		b.NextArrival = in.NextArrival
	}
	return changed
}

func (m *mpidManager) drop(ctx context.Context, key identity.ID) error {
	delete(m.boxes, key)
	return m.bucket.Delete(ctx, key.String())
}
