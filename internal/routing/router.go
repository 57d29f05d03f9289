// Package routing is the overlay collaborator the vault personas consume: it
// delivers messages to single nodes or to the close group around an address,
// answers ownership questions, and reports membership churn.
package routing

import (
	"context"
	"errors"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

var (
	// ErrUnknownNode is returned when sending to a node that is not a member.
	ErrUnknownNode = errors.New("unknown node")
	// ErrClosed is returned after the router has been shut down.
	ErrClosed = errors.New("router closed")
)

// Churn describes a membership change as seen by one node.
type Churn struct {
	Joined []identity.ID
	Left   []identity.ID
}

// Empty reports whether the change carries no membership delta.
func (c Churn) Empty() bool {
	return len(c.Joined) == 0 && len(c.Left) == 0
}

// Handler receives inbound messages. Calls are sequential per router.
type Handler func(msg *protocol.Message)

// ChurnHandler receives membership changes, ordered with inbound messages.
type ChurnHandler func(Churn)

// Router is the routing surface a vault node depends on. Sends are
// fire-and-forget: a nil error means the message was handed off, not that it
// arrived.
type Router interface {
	ID() identity.ID
	SendToNode(ctx context.Context, target identity.ID, msg *protocol.Message) error
	SendToGroup(ctx context.Context, target identity.ID, msg *protocol.Message) error
	// CloseGroup returns the current close group of target ordered from
	// closest to farthest.
	CloseGroup(target identity.ID) []identity.ID
	IsResponsibleFor(addr identity.ID) bool
	OnMessage(h Handler)
	OnMembershipChange(h ChurnHandler)
}
