package vault

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
	"github.com/vaultmesh/vaultmesh/internal/store"
)

// versionHandler holds the current version of mutable data names and moves
// them forward by compare-and-swap.
type versionHandler struct {
	v       *Vault
	bucket  *store.Bucket
	records map[identity.ID]*protocol.VersionRecord
}

func (h *versionHandler) load(ctx context.Context) error {
	return h.bucket.ForEach(ctx, func(key string, data []byte) error {
		var rec protocol.VersionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode version record %s: %w", key, err)
		}
		h.records[rec.Name] = &rec
		return nil
	})
}

func (h *versionHandler) save(rec *protocol.VersionRecord) error {
	return h.bucket.Put(h.v.ctx, rec.Name.String(), rec)
}

func (h *versionHandler) kind() protocol.Persona {
	return protocol.VersionHandler
}

func (h *versionHandler) accepts(msg *protocol.Message) bool {
	return h.v.owns(msg.Target)
}

func (h *versionHandler) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeVersionGet:
		var p protocol.VersionGetPayload
		if err := msg.Decode(msg.Type, &p); err != nil || p.Name != msg.Target {
			h.v.reply(msg, fmt.Errorf("%w: bad version get", ErrInvalidRequest), nil)
			return
		}
		rec, ok := h.records[p.Name]
		if !ok {
			h.v.reply(msg, fmt.Errorf("%w: name %s", ErrNotFound, p.Name.Short()), nil)
			return
		}
		h.v.reply(msg, nil, copyVersion(rec))
	case protocol.MessageTypeVersionPost:
		var p protocol.VersionPostPayload
		if err := msg.Decode(msg.Type, &p); err != nil || p.Name != msg.Target || p.New.IsZero() {
			h.v.reply(msg, fmt.Errorf("%w: bad version post", ErrInvalidRequest), nil)
			return
		}
		rec, err := h.post(p)
		if err != nil {
			var body any
			if rec != nil {
				body = copyVersion(rec)
			}
			h.v.reply(msg, err, body)
			return
		}
		h.v.reply(msg, nil, copyVersion(rec))
	default:
		h.v.reply(msg, fmt.Errorf("%w: %s not handled by %s", ErrInvalidRequest, msg.Type, h.kind()), nil)
	}
}

// post applies a compare-and-swap. A missing name is created only when the
// expected version is zero. On conflict the current record is returned with
// the error.
func (h *versionHandler) post(p protocol.VersionPostPayload) (*protocol.VersionRecord, error) {
	rec, ok := h.records[p.Name]
	if !ok {
		if !p.Expected.IsZero() {
			return nil, fmt.Errorf("%w: name %s", ErrNotFound, p.Name.Short())
		}
		rec = &protocol.VersionRecord{Name: p.Name, Current: p.New, Seq: 1, History: []identity.ID{p.New}}
		if err := h.save(rec); err != nil {
			return nil, err
		}
		h.records[p.Name] = rec
		return rec, nil
	}

	if rec.Current != p.Expected {
		return rec, fmt.Errorf("%w: expected %s, current is %s", ErrConflict, p.Expected.Short(), rec.Current.Short())
	}
	rec.Current = p.New
	rec.Seq++
	rec.History = append(rec.History, p.New)
	if limit := h.v.config.MaxVersionHistory; len(rec.History) > limit {
		rec.History = append([]identity.ID(nil), rec.History[len(rec.History)-limit:]...)
	}
	if err := h.save(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func copyVersion(rec *protocol.VersionRecord) protocol.VersionRecord {
	out := *rec
	out.History = append([]identity.ID(nil), rec.History...)
	return out
}

// accountHolder

func (h *versionHandler) recordKeys() []identity.ID {
	keys := make([]identity.ID, 0, len(h.records))
	for name := range h.records {
		keys = append(keys, name)
	}
	return keys
}

func (h *versionHandler) busy(identity.ID) bool {
	return false
}

func (h *versionHandler) owner(key identity.ID) identity.ID {
	if group := h.v.router.CloseGroup(key); len(group) > 0 {
		return group[0]
	}
	return identity.Zero
}

func (h *versionHandler) export(key identity.ID) (uint64, any, bool) {
	rec, ok := h.records[key]
	if !ok {
		return 0, nil, false
	}
	return rec.Seq, copyVersion(rec), true
}

// merge keeps whichever copy has the higher sequence number.
func (h *versionHandler) merge(ctx context.Context, key identity.ID, record json.RawMessage) (bool, error) {
	var in protocol.VersionRecord
	if err := json.Unmarshal(record, &in); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if in.Name != key {
		return false, fmt.Errorf("%w: version record %s transferred under key %s", ErrInvalidRequest, in.Name.Short(), key.Short())
	}
	if cur, ok := h.records[key]; ok && cur.Seq >= in.Seq {
		return false, nil
	}
	if err := h.bucket.Put(ctx, key.String(), &in); err != nil {
		return false, err
	}
	h.records[key] = &in
	return true, nil
}

func (h *versionHandler) drop(ctx context.Context, key identity.ID) error {
	delete(h.records, key)
	return h.bucket.Delete(ctx, key.String())
}
