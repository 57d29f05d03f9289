// Package protocol defines the messages vault personas exchange: a versioned
// JSON envelope addressed to a persona, typed payloads for every request, and
// a uniform reply carrying an error code and an optional body.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultmesh/vaultmesh/internal/identity"
)

// ProtocolVersion is the current vault protocol version.
const ProtocolVersion = 1

// Persona names the vault role a message is addressed to.
type Persona string

const (
	MaidManager    Persona = "maid_manager"
	DataManager    Persona = "data_manager"
	PmidManager    Persona = "pmid_manager"
	PmidNode       Persona = "pmid_node"
	VersionHandler Persona = "version_handler"
	MpidManager    Persona = "mpid_manager"
	// Node is used for node-level control messages such as sync requests.
	Node Persona = "node"
)

// MessageType identifies a request or reply.
type MessageType string

const (
	// MessageTypeReply answers any request; CorrelationID names the request.
	MessageTypeReply MessageType = "reply"

	// MaidManager
	MessageTypeCreateAccount MessageType = "create_account"
	MessageTypeAccountInfo   MessageType = "account_info"
	MessageTypePut           MessageType = "put"
	MessageTypeDelete        MessageType = "delete"

	// DataManager
	MessageTypeDataPut         MessageType = "data_put"
	MessageTypeDataGet         MessageType = "data_get"
	MessageTypeDataUnsubscribe MessageType = "data_unsubscribe"

	// PmidManager
	MessageTypePmidRegister MessageType = "pmid_register"
	MessageTypePmidStore    MessageType = "pmid_store"
	MessageTypePmidRetrieve MessageType = "pmid_retrieve"
	MessageTypePmidRemove   MessageType = "pmid_remove"

	// PmidNode (always sent to a single node)
	MessageTypeChunkPut    MessageType = "chunk_put"
	MessageTypeChunkGet    MessageType = "chunk_get"
	MessageTypeChunkHas    MessageType = "chunk_has"
	MessageTypeChunkDelete MessageType = "chunk_delete"

	// VersionHandler
	MessageTypeVersionGet  MessageType = "version_get"
	MessageTypeVersionPost MessageType = "version_post"

	// MpidManager
	MessageTypeMpidSend         MessageType = "mpid_send"
	MessageTypeMpidDeliver      MessageType = "mpid_deliver"
	MessageTypeMpidPoll         MessageType = "mpid_poll"
	MessageTypeMpidPollOutbox   MessageType = "mpid_poll_outbox"
	MessageTypeMpidDelete       MessageType = "mpid_delete"
	MessageTypeMpidRemoveOutbox MessageType = "mpid_remove_outbox"

	// Churn
	MessageTypeTransfer    MessageType = "transfer"
	MessageTypeSyncRequest MessageType = "sync_request"
)

// Message is the envelope for every vault message.
type Message struct {
	Version       int             `json:"version"`
	Type          MessageType     `json:"type"`
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	From          identity.ID     `json:"from"`
	Persona       Persona         `json:"persona,omitempty"`
	Target        identity.ID     `json:"target"`
	Client        identity.ID     `json:"client"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// NewRequest builds a request addressed to persona at target.
func NewRequest(typ MessageType, from identity.ID, persona Persona, target identity.ID, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return &Message{
		Version: ProtocolVersion,
		Type:    typ,
		ID:      NewID(),
		From:    from,
		Persona: persona,
		Target:  target,
		Payload: data,
	}, nil
}

// NewReply builds the reply to req. A nil body is allowed.
func NewReply(req *Message, from identity.ID, code ErrorCode, detail string, body any) (*Message, error) {
	reply := ReplyPayload{Code: code, Error: detail}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s reply body: %w", req.Type, err)
		}
		reply.Body = data
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	return &Message{
		Version:       ProtocolVersion,
		Type:          MessageTypeReply,
		ID:            NewID(),
		CorrelationID: req.ID,
		From:          from,
		Target:        req.From,
		Client:        req.Client,
		Payload:       data,
	}, nil
}

// Decode unmarshals the payload of m into v after checking its type.
func (m *Message) Decode(want MessageType, v any) error {
	if m.Type != want {
		return fmt.Errorf("message type is %s, not %s", m.Type, want)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", m.Type, err)
	}
	return nil
}

// Reply decodes a reply message.
func (m *Message) Reply() (*ReplyPayload, error) {
	var r ReplyPayload
	if err := m.Decode(MessageTypeReply, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload != nil {
		c.Payload = append(json.RawMessage(nil), m.Payload...)
	}
	return &c
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage deserializes a message from JSON and checks its version.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Version != ProtocolVersion {
		return nil, fmt.Errorf("incompatible protocol version: got %d, expected %d", msg.Version, ProtocolVersion)
	}
	return &msg, nil
}
