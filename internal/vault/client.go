package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

// Types returned by the client API.
type (
	AccountInfo   = protocol.AccountInfo
	VersionRecord = protocol.VersionRecord
	MailMessage   = protocol.MailMessage
	OutboxEntry   = protocol.OutboxEntry
)

type callResult struct {
	reply *protocol.ReplyPayload
	err   error
}

// roundTrip issues req from the event loop and waits for its outcome. A
// non-OK reply is returned as the matching error.
func (v *Vault) roundTrip(ctx context.Context, op string, req request) (*protocol.ReplyPayload, error) {
	start := time.Now()
	if req.timeout == 0 {
		req.timeout = v.config.ClientTimeout
	}

	reply, err := v.await(ctx, req)
	if err == nil && !reply.OK() {
		err = replyError(reply)
	}

	v.metrics.ClientRequests.WithLabelValues(op, string(codeOf(err))).Inc()
	v.metrics.ClientDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		v.logger.Debug().Err(err).Str("operation", op).Str("target", req.target.Short()).Msg("client request failed")
		return nil, err
	}
	return reply, nil
}

func (v *Vault) await(ctx context.Context, req request) (*protocol.ReplyPayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := make(chan callResult, 1)
	posted := v.post(func() {
		v.send(req, func(r *protocol.ReplyPayload) {
			result <- callResult{reply: r}
		}, func(err error) {
			result <- callResult{err: err}
		})
	})
	if !posted {
		return nil, ErrStopped
	}

	select {
	case res := <-result:
		return res.reply, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-v.ctx.Done():
		return nil, ErrStopped
	}
}

// CreateAccount opens an account for client with quota bytes. A quota of zero
// uses the default. Creating an existing account returns it unchanged.
func (v *Vault) CreateAccount(ctx context.Context, client identity.ID, quota int64) (AccountInfo, error) {
	var info AccountInfo
	reply, err := v.roundTrip(ctx, "create_account", request{
		typ:     protocol.MessageTypeCreateAccount,
		persona: protocol.MaidManager,
		target:  client,
		client:  client,
		payload: protocol.CreateAccountPayload{Quota: quota},
	})
	if err != nil {
		return info, err
	}
	return info, reply.DecodeBody(&info)
}

// Account returns client's quota and usage.
func (v *Vault) Account(ctx context.Context, client identity.ID) (AccountInfo, error) {
	var info AccountInfo
	reply, err := v.roundTrip(ctx, "account_info", request{
		typ:     protocol.MessageTypeAccountInfo,
		persona: protocol.MaidManager,
		target:  client,
		client:  client,
		payload: struct{}{},
	})
	if err != nil {
		return info, err
	}
	return info, reply.DecodeBody(&info)
}

// Put stores data for client and returns its content address. Storing a
// chunk the client already stored is not charged again.
func (v *Vault) Put(ctx context.Context, client identity.ID, data []byte) (identity.ID, error) {
	if len(data) == 0 {
		return identity.Zero, fmt.Errorf("%w: empty chunk", ErrInvalidRequest)
	}
	id := identity.FromContent(data)
	_, err := v.roundTrip(ctx, "put", request{
		typ:     protocol.MessageTypePut,
		persona: protocol.MaidManager,
		target:  client,
		client:  client,
		payload: protocol.PutPayload{ChunkID: id, Data: data},
	})
	if err != nil {
		return identity.Zero, err
	}
	return id, nil
}

// Get returns the chunk stored under id. The bytes are verified against id.
func (v *Vault) Get(ctx context.Context, client, id identity.ID) ([]byte, error) {
	reply, err := v.roundTrip(ctx, "get", request{
		typ:     protocol.MessageTypeDataGet,
		persona: protocol.DataManager,
		target:  id,
		client:  client,
		payload: protocol.DataGetPayload{ChunkID: id},
	})
	if err != nil {
		return nil, err
	}
	var body protocol.ChunkBody
	if err := reply.DecodeBody(&body); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	if !id.Verify(body.Data) {
		return nil, fmt.Errorf("%w: chunk %s", ErrHashMismatch, id.Short())
	}
	return body.Data, nil
}

// Delete removes client's subscription to id and refunds its quota.
func (v *Vault) Delete(ctx context.Context, client, id identity.ID) error {
	_, err := v.roundTrip(ctx, "delete", request{
		typ:     protocol.MessageTypeDelete,
		persona: protocol.MaidManager,
		target:  client,
		client:  client,
		payload: protocol.DeletePayload{ChunkID: id},
	})
	return err
}

// GetVersion returns the current version of name.
func (v *Vault) GetVersion(ctx context.Context, client, name identity.ID) (VersionRecord, error) {
	var rec VersionRecord
	reply, err := v.roundTrip(ctx, "version_get", request{
		typ:     protocol.MessageTypeVersionGet,
		persona: protocol.VersionHandler,
		target:  name,
		client:  client,
		payload: protocol.VersionGetPayload{Name: name},
	})
	if err != nil {
		return rec, err
	}
	return rec, reply.DecodeBody(&rec)
}

// Post moves name from expected to next. A zero expected creates the name.
// On ErrConflict the returned record holds the current version.
func (v *Vault) Post(ctx context.Context, client, name, expected, next identity.ID) (VersionRecord, error) {
	var rec VersionRecord
	if next.IsZero() {
		return rec, fmt.Errorf("%w: new version must be set", ErrInvalidRequest)
	}
	req := request{
		typ:     protocol.MessageTypeVersionPost,
		persona: protocol.VersionHandler,
		target:  name,
		client:  client,
		payload: protocol.VersionPostPayload{Name: name, Expected: expected, New: next},
		timeout: v.config.ClientTimeout,
	}

	start := time.Now()
	reply, err := v.await(ctx, req)
	if err == nil {
		if decodeErr := reply.DecodeBody(&rec); decodeErr != nil && reply.OK() {
			err = decodeErr
		}
		if !reply.OK() {
			err = replyError(reply)
		}
	}
	v.metrics.ClientRequests.WithLabelValues("version_post", string(codeOf(err))).Inc()
	v.metrics.ClientDuration.WithLabelValues("version_post").Observe(time.Since(start).Seconds())
	return rec, err
}

// SendMessage queues body for recipient and returns the message id. Delivery
// is asynchronous and retried until the recipient's manager accepts it.
func (v *Vault) SendMessage(ctx context.Context, sender, recipient identity.ID, body []byte) (string, error) {
	reply, err := v.roundTrip(ctx, "mpid_send", request{
		typ:     protocol.MessageTypeMpidSend,
		persona: protocol.MpidManager,
		target:  sender,
		client:  sender,
		payload: protocol.MpidSendPayload{Recipient: recipient, Body: body},
	})
	if err != nil {
		return "", err
	}
	var res protocol.MpidSendResult
	if err := reply.DecodeBody(&res); err != nil {
		return "", err
	}
	return res.MessageID, nil
}

// PollMessages returns client's inbox in arrival order.
func (v *Vault) PollMessages(ctx context.Context, client identity.ID) ([]MailMessage, error) {
	reply, err := v.roundTrip(ctx, "mpid_poll", request{
		typ:     protocol.MessageTypeMpidPoll,
		persona: protocol.MpidManager,
		target:  client,
		client:  client,
		payload: struct{}{},
	})
	if err != nil {
		return nil, err
	}
	var res protocol.MpidPollResult
	if err := reply.DecodeBody(&res); err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// PollOutbox returns messages client sent that the recipient has not deleted.
func (v *Vault) PollOutbox(ctx context.Context, client identity.ID) ([]OutboxEntry, error) {
	reply, err := v.roundTrip(ctx, "mpid_poll_outbox", request{
		typ:     protocol.MessageTypeMpidPollOutbox,
		persona: protocol.MpidManager,
		target:  client,
		client:  client,
		payload: struct{}{},
	})
	if err != nil {
		return nil, err
	}
	var res protocol.MpidOutboxResult
	if err := reply.DecodeBody(&res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// DeleteMessage removes a message from client's inbox.
func (v *Vault) DeleteMessage(ctx context.Context, client identity.ID, messageID string) error {
	if messageID == "" {
		return fmt.Errorf("%w: message id required", ErrInvalidRequest)
	}
	_, err := v.roundTrip(ctx, "mpid_delete", request{
		typ:     protocol.MessageTypeMpidDelete,
		persona: protocol.MpidManager,
		target:  client,
		client:  client,
		payload: protocol.MpidMessageRefPayload{MessageID: messageID},
	})
	return err
}

// IsRetryable reports whether err may succeed if the operation is repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPeerTimeout) || errors.Is(err, ErrRejected) || errors.Is(err, context.DeadlineExceeded)
}
