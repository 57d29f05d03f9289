// Package proto defines the JSON messages of the vaultmesh client HTTP API.
// Identities are lowercase hex strings.
package proto

import "time"

// CreateAccountRequest opens an account for the authenticated client.
type CreateAccountRequest struct {
	Quota int64 `json:"quota,omitempty"` // bytes; zero uses the node default
}

// AccountResponse reports a client's quota and usage.
type AccountResponse struct {
	Client   string `json:"client"`
	Quota    int64  `json:"quota"`
	Used     int64  `json:"used"`
	Reserved int64  `json:"reserved"`
	Chunks   int    `json:"chunks"`
}

// PutResponse is returned after a chunk is stored.
type PutResponse struct {
	ID   string `json:"id"`
	Size int    `json:"size"`
}

// VersionPostRequest moves a name from Expected to New. An empty Expected
// creates the name.
type VersionPostRequest struct {
	Expected string `json:"expected,omitempty"`
	New      string `json:"new"`
}

// VersionResponse is the current version of a mutable data name.
type VersionResponse struct {
	Name    string   `json:"name"`
	Current string   `json:"current"`
	Seq     uint64   `json:"seq"`
	History []string `json:"history,omitempty"`
}

// SendMessageResponse is returned once a message is queued.
type SendMessageResponse struct {
	ID string `json:"id"`
}

// Message is one client-to-client message.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Body      []byte    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// InboxResponse lists a client's inbox in arrival order.
type InboxResponse struct {
	Messages []Message `json:"messages"`
}

// OutboxEntry is a sent message its recipient has not deleted yet.
type OutboxEntry struct {
	Message   Message `json:"message"`
	Delivered bool    `json:"delivered"`
}

// OutboxResponse lists a client's outbox.
type OutboxResponse struct {
	Entries []OutboxEntry `json:"entries"`
}

// TokenResponse carries a bearer token minted for a client identity.
type TokenResponse struct {
	Token     string    `json:"token"`
	Client    string    `json:"client"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"` // vault error code, e.g. "quota_exceeded"
}
