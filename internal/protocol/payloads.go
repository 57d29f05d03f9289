package protocol

import (
	"encoding/json"
	"time"

	"github.com/vaultmesh/vaultmesh/internal/identity"
)

// ErrorCode carries a failure across the wire. The empty code means success.
type ErrorCode string

const (
	CodeOK               ErrorCode = ""
	CodeQuotaExceeded    ErrorCode = "quota_exceeded"
	CodeCapacityExceeded ErrorCode = "capacity_exceeded"
	CodeHashMismatch     ErrorCode = "hash_mismatch"
	CodeNotFound         ErrorCode = "not_found"
	CodeConflict         ErrorCode = "conflict"
	CodePeerTimeout      ErrorCode = "peer_timeout"
	CodeTransferFailure  ErrorCode = "transfer_failure"
	CodeRejected         ErrorCode = "rejected"
	CodeInvalidRequest   ErrorCode = "invalid_request"
	CodeNoAccount        ErrorCode = "no_account"
)

// ReplyPayload is the body of every reply.
type ReplyPayload struct {
	Code  ErrorCode       `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// OK reports whether the reply signals success.
func (r *ReplyPayload) OK() bool {
	return r.Code == CodeOK
}

// DecodeBody unmarshals the reply body into v.
func (r *ReplyPayload) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// MaidManager payloads.

type CreateAccountPayload struct {
	Quota int64 `json:"quota"`
}

type AccountInfo struct {
	Client   identity.ID `json:"client"`
	Quota    int64       `json:"quota"`
	Used     int64       `json:"used"`
	Reserved int64       `json:"reserved"`
	Chunks   int         `json:"chunks"`
}

type PutPayload struct {
	ChunkID identity.ID `json:"chunk_id"`
	Data    []byte      `json:"data"`
}

type DeletePayload struct {
	ChunkID identity.ID `json:"chunk_id"`
}

// DataManager payloads.

type DataPutPayload struct {
	ChunkID identity.ID `json:"chunk_id"`
	Data    []byte      `json:"data"`
}

type DataPutResult struct {
	Duplicate bool `json:"duplicate"`
	Holders   int  `json:"holders"`
}

type DataGetPayload struct {
	ChunkID identity.ID `json:"chunk_id"`
}

type ChunkBody struct {
	ChunkID identity.ID `json:"chunk_id"`
	Data    []byte      `json:"data"`
}

type DataUnsubscribePayload struct {
	ChunkID identity.ID `json:"chunk_id"`
}

// PmidManager payloads. Target on the envelope is the custodian node.

type PmidRegisterPayload struct {
	Capacity int64 `json:"capacity"`
}

type PmidStorePayload struct {
	Node    identity.ID `json:"node"`
	ChunkID identity.ID `json:"chunk_id"`
	Data    []byte      `json:"data"`
}

type PmidChunkPayload struct {
	Node    identity.ID `json:"node"`
	ChunkID identity.ID `json:"chunk_id"`
}

// PmidNode payloads.

type ChunkPutPayload struct {
	ChunkID identity.ID `json:"chunk_id"`
	Data    []byte      `json:"data"`
}

type ChunkRefPayload struct {
	ChunkID identity.ID `json:"chunk_id"`
}

type ChunkHasResult struct {
	Has bool `json:"has"`
}

// VersionHandler payloads.

type VersionGetPayload struct {
	Name identity.ID `json:"name"`
}

type VersionPostPayload struct {
	Name     identity.ID `json:"name"`
	Expected identity.ID `json:"expected"`
	New      identity.ID `json:"new"`
}

// VersionRecord is the current version of a mutable data name.
type VersionRecord struct {
	Name    identity.ID   `json:"name"`
	Current identity.ID   `json:"current"`
	Seq     uint64        `json:"seq"`
	History []identity.ID `json:"history,omitempty"`
}

// MpidManager payloads.

// MailMessage is a single client-to-client message.
type MailMessage struct {
	ID        string      `json:"id"`
	Sender    identity.ID `json:"sender"`
	Recipient identity.ID `json:"recipient"`
	Body      []byte      `json:"body"`
	SentAt    time.Time   `json:"sent_at"`
	Arrival   uint64      `json:"arrival,omitempty"`
}

type MpidSendPayload struct {
	Recipient identity.ID `json:"recipient"`
	Body      []byte      `json:"body"`
}

type MpidSendResult struct {
	MessageID string `json:"message_id"`
}

type MpidDeliverPayload struct {
	Message MailMessage `json:"message"`
}

type MpidMessageRefPayload struct {
	MessageID string `json:"message_id"`
}

type MpidPollResult struct {
	Messages []MailMessage `json:"messages"`
}

// OutboxEntry is a sent message awaiting deletion by its recipient.
type OutboxEntry struct {
	Message   MailMessage `json:"message"`
	Delivered bool        `json:"delivered"`
}

type MpidOutboxResult struct {
	Entries []OutboxEntry `json:"entries"`
}

// Churn payloads.

// TransferPayload carries one full record to its new owner.
type TransferPayload struct {
	Persona Persona         `json:"persona"`
	Key     identity.ID     `json:"key"`
	Seq     uint64          `json:"seq"`
	Record  json.RawMessage `json:"record"`
}

type SyncRequestPayload struct{}
