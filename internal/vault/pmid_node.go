package vault

import (
	"errors"
	"fmt"

	"github.com/vaultmesh/vaultmesh/internal/chunkstore"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
	"github.com/vaultmesh/vaultmesh/internal/routing"
)

// pmidNode serves the chunks this node custodies. It only answers messages
// addressed to this node directly.
type pmidNode struct {
	v      *Vault
	chunks *chunkstore.Store
}

func (n *pmidNode) kind() protocol.Persona {
	return protocol.PmidNode
}

func (n *pmidNode) accepts(msg *protocol.Message) bool {
	return msg.Target == n.v.id
}

func (n *pmidNode) handle(msg *protocol.Message) {
	var p protocol.ChunkRefPayload
	switch msg.Type {
	case protocol.MessageTypeChunkPut:
		n.handlePut(msg)
		return
	case protocol.MessageTypeChunkGet, protocol.MessageTypeChunkHas, protocol.MessageTypeChunkDelete:
		if err := msg.Decode(msg.Type, &p); err != nil {
			n.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
			return
		}
	default:
		n.v.reply(msg, fmt.Errorf("%w: %s not handled by %s", ErrInvalidRequest, msg.Type, n.kind()), nil)
		return
	}

	switch msg.Type {
	case protocol.MessageTypeChunkGet:
		data, err := n.chunks.Get(n.v.ctx, p.ChunkID)
		if err != nil {
			n.v.reply(msg, chunkError(err), nil)
			return
		}
		n.v.metrics.BytesRetrieved.Add(float64(len(data)))
		n.v.reply(msg, nil, protocol.ChunkBody{ChunkID: p.ChunkID, Data: data})
	case protocol.MessageTypeChunkHas:
		n.v.reply(msg, nil, protocol.ChunkHasResult{Has: n.chunks.Has(p.ChunkID)})
	case protocol.MessageTypeChunkDelete:
		if err := n.chunks.Delete(n.v.ctx, p.ChunkID); err != nil {
			n.v.reply(msg, err, nil)
			return
		}
		n.v.reply(msg, nil, nil)
	}
}

func (n *pmidNode) handlePut(msg *protocol.Message) {
	var p protocol.ChunkPutPayload
	if err := msg.Decode(protocol.MessageTypeChunkPut, &p); err != nil {
		n.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	if err := n.chunks.Put(n.v.ctx, p.ChunkID, p.Data); err != nil {
		n.v.logger.Warn().Err(err).Str("chunk", p.ChunkID.Short()).Msg("chunk write failed")
		n.v.reply(msg, chunkError(err), nil)
		return
	}
	n.v.metrics.BytesStored.Add(float64(len(p.Data)))
	n.v.reply(msg, nil, nil)
}

// register announces this node's capacity to its PmidManager.
func (n *pmidNode) register() {
	if n.v.pmidOwner(n.v.id).IsZero() {
		return
	}
	n.v.send(request{
		typ:     protocol.MessageTypePmidRegister,
		persona: protocol.PmidManager,
		target:  n.v.id,
		payload: protocol.PmidRegisterPayload{Capacity: n.capacity()},
		timeout: 2 * n.v.config.HopTimeout,
		retries: n.v.config.RetryBudget,
	}, func(r *protocol.ReplyPayload) {
		if !r.OK() {
			n.v.logger.Warn().Err(replyError(r)).Msg("capacity registration refused")
		}
	}, func(err error) {
		n.v.logger.Debug().Err(err).Msg("capacity registration not acknowledged")
	})
}

// capacity is the configured capacity, capped by the free space of the
// volume holding the chunk store.
func (n *pmidNode) capacity() int64 {
	offered := n.chunks.EffectiveCapacity(n.v.ctx, n.v.config.Capacity)
	if offered < n.v.config.Capacity {
		n.v.logger.Warn().Int64("configured", n.v.config.Capacity).Int64("offered", offered).
			Msg("volume has less free space than configured capacity")
	}
	return offered
}

// onChurn re-registers, since the PmidManager for this node may have moved.
func (n *pmidNode) onChurn(routing.Churn) {
	n.register()
}

func chunkError(err error) error {
	switch {
	case errors.Is(err, chunkstore.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, chunkstore.ErrHashMismatch):
		return fmt.Errorf("%w: %v", ErrHashMismatch, err)
	default:
		return err
	}
}
