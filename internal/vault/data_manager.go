package vault

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
	"github.com/vaultmesh/vaultmesh/internal/routing"
	"github.com/vaultmesh/vaultmesh/internal/store"
)

// ChunkRecord is DataManager's view of one chunk: which custodians hold it
// and which clients keep it alive. A record exists only while it has at
// least one holder or a placement is in flight.
type ChunkRecord struct {
	ID          identity.ID   `json:"id"`
	Size        int64         `json:"size"`
	K           int           `json:"k"`
	Holders     []identity.ID `json:"holders"`
	Subscribers []identity.ID `json:"subscribers"`
	Seq         uint64        `json:"seq"`
}

// subscribe adds client to the record and reports whether it was new.
func (r *ChunkRecord) subscribe(client identity.ID) bool {
	if identity.Contains(r.Subscribers, client) {
		return false
	}
	r.Subscribers = append(r.Subscribers, client)
	return true
}

// placement is an in-flight attempt to bring a chunk up to K holders.
type placement struct {
	chunk    identity.ID
	data     []byte
	inflight map[identity.ID]bool
	tried    map[identity.ID]bool
	waiters  []*protocol.Message
}

// fetch is an in-flight retrieve fanned out to every holder.
type fetch struct {
	remaining int
	data      []byte
	faulty    []identity.ID
	callbacks []func([]byte, error)
}

type dataManager struct {
	v          *Vault
	bucket     *store.Bucket
	records    map[identity.ID]*ChunkRecord
	placements map[identity.ID]*placement
	fetches    map[identity.ID]*fetch
	// holders proposed by a transfer and being probed
	probing map[identity.ID]map[identity.ID]bool
}

func newDataManager(v *Vault, bucket *store.Bucket) *dataManager {
	return &dataManager{
		v:          v,
		bucket:     bucket,
		records:    make(map[identity.ID]*ChunkRecord),
		placements: make(map[identity.ID]*placement),
		fetches:    make(map[identity.ID]*fetch),
		probing:    make(map[identity.ID]map[identity.ID]bool),
	}
}

func (d *dataManager) load(ctx context.Context) error {
	return d.bucket.ForEach(ctx, func(key string, data []byte) error {
		var rec ChunkRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decode chunk record %s: %w", key, err)
		}
		d.records[rec.ID] = &rec
		return nil
	})
}

func (d *dataManager) save(rec *ChunkRecord) {
	if err := d.bucket.Put(d.v.ctx, rec.ID.String(), rec); err != nil {
		d.v.logger.Error().Err(err).Str("chunk", rec.ID.Short()).Msg("failed to persist chunk record")
	}
}

func (d *dataManager) forget(chunk identity.ID) {
	delete(d.records, chunk)
	if err := d.bucket.Delete(d.v.ctx, chunk.String()); err != nil {
		d.v.logger.Error().Err(err).Str("chunk", chunk.Short()).Msg("failed to delete chunk record")
	}
}

func (d *dataManager) kind() protocol.Persona {
	return protocol.DataManager
}

func (d *dataManager) accepts(msg *protocol.Message) bool {
	return d.v.owns(msg.Target)
}

func (d *dataManager) handle(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MessageTypeDataPut:
		d.handlePut(msg)
	case protocol.MessageTypeDataGet:
		d.handleGet(msg)
	case protocol.MessageTypeDataUnsubscribe:
		d.handleUnsubscribe(msg)
	default:
		d.v.reply(msg, fmt.Errorf("%w: %s not handled by %s", ErrInvalidRequest, msg.Type, d.kind()), nil)
	}
}

func (d *dataManager) handlePut(msg *protocol.Message) {
	var p protocol.DataPutPayload
	if err := msg.Decode(protocol.MessageTypeDataPut, &p); err != nil {
		d.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	if p.ChunkID != msg.Target || !p.ChunkID.Verify(p.Data) {
		d.v.reply(msg, fmt.Errorf("%w: data does not hash to %s", ErrHashMismatch, msg.Target.Short()), nil)
		return
	}

	if pl, ok := d.placements[p.ChunkID]; ok {
		pl.waiters = append(pl.waiters, msg)
		return
	}

	rec, ok := d.records[p.ChunkID]
	if ok && len(rec.Holders) > 0 {
		if rec.subscribe(msg.Client) {
			rec.Seq++
			d.save(rec)
		}
		d.v.reply(msg, nil, protocol.DataPutResult{Duplicate: true, Holders: len(rec.Holders)})
		return
	}
	if !ok {
		rec = &ChunkRecord{ID: p.ChunkID, Size: int64(len(p.Data)), K: d.v.config.ReplicaCount, Seq: 1}
		d.records[p.ChunkID] = rec
	}

	pl := d.startPlacement(p.ChunkID, p.Data)
	pl.waiters = append(pl.waiters, msg)
	d.fill(pl)
}

func (d *dataManager) startPlacement(chunk identity.ID, data []byte) *placement {
	pl := &placement{
		chunk:    chunk,
		data:     data,
		inflight: make(map[identity.ID]bool),
		tried:    make(map[identity.ID]bool),
	}
	d.placements[chunk] = pl
	return pl
}

// candidates returns close group members of chunk not yet holding or tried,
// closest first.
func (d *dataManager) candidates(rec *ChunkRecord, pl *placement) []identity.ID {
	var out []identity.ID
	for _, id := range d.v.router.CloseGroup(rec.ID) {
		if identity.Contains(rec.Holders, id) {
			continue
		}
		if pl != nil && (pl.inflight[id] || pl.tried[id]) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// fill sends stores until holders plus in-flight stores reach K, and finishes
// the placement once nothing is in flight.
func (d *dataManager) fill(pl *placement) {
	rec, ok := d.records[pl.chunk]
	if !ok {
		d.finishPlacement(pl)
		return
	}
	need := rec.K - len(rec.Holders) - len(pl.inflight)
	for _, node := range d.candidates(rec, pl) {
		if need <= 0 {
			break
		}
		d.store(pl, node)
		need--
	}
	if len(pl.inflight) == 0 {
		d.finishPlacement(pl)
	}
}

func (d *dataManager) store(pl *placement, node identity.ID) {
	pl.inflight[node] = true
	d.v.send(request{
		typ:     protocol.MessageTypePmidStore,
		persona: protocol.PmidManager,
		target:  node,
		payload: protocol.PmidStorePayload{Node: node, ChunkID: pl.chunk, Data: pl.data},
		timeout: 2 * d.v.config.HopTimeout,
		retries: d.v.config.RetryBudget,
	}, func(r *protocol.ReplyPayload) {
		delete(pl.inflight, node)
		if r.OK() {
			if rec, ok := d.records[pl.chunk]; ok {
				d.addHolder(rec, node)
			}
		} else {
			pl.tried[node] = true
			d.v.logger.Debug().Str("chunk", pl.chunk.Short()).Str("node", node.Short()).
				Str("code", string(r.Code)).Msg("custodian declined chunk")
		}
		d.fill(pl)
	}, func(err error) {
		delete(pl.inflight, node)
		pl.tried[node] = true
		d.v.logger.Debug().Err(err).Str("chunk", pl.chunk.Short()).Str("node", node.Short()).Msg("custodian did not acknowledge chunk")
		// The store may still land; release whatever it charged.
		d.removeFrom(pl.chunk, node)
		d.fill(pl)
	})
}

func (d *dataManager) addHolder(rec *ChunkRecord, node identity.ID) {
	if identity.Contains(rec.Holders, node) {
		return
	}
	if len(rec.Holders) >= rec.K {
		d.removeFrom(rec.ID, node)
		return
	}
	rec.Holders = append(rec.Holders, node)
	rec.Seq++
	d.save(rec)
}

// removeFrom asks node's PmidManager to drop chunk and refund its capacity.
func (d *dataManager) removeFrom(chunk, node identity.ID) {
	d.v.send(request{
		typ:     protocol.MessageTypePmidRemove,
		persona: protocol.PmidManager,
		target:  node,
		payload: protocol.PmidChunkPayload{Node: node, ChunkID: chunk},
		timeout: 2 * d.v.config.HopTimeout,
		retries: d.v.config.RetryBudget,
	}, nil, nil)
}

func (d *dataManager) finishPlacement(pl *placement) {
	delete(d.placements, pl.chunk)
	rec, ok := d.records[pl.chunk]
	if !ok || len(rec.Holders) == 0 {
		if ok {
			d.forget(pl.chunk)
		}
		d.v.metrics.Placements.WithLabelValues("rejected").Inc()
		d.v.logger.Warn().Str("chunk", pl.chunk.Short()).Int("tried", len(pl.tried)).Msg("no custodian accepted chunk")
		for _, w := range pl.waiters {
			d.v.reply(w, fmt.Errorf("%w: no custodian accepted chunk %s", ErrRejected, pl.chunk.Short()), nil)
		}
		return
	}

	result := "complete"
	if len(rec.Holders) < rec.K {
		result = "partial"
	}
	d.v.metrics.Placements.WithLabelValues(result).Inc()

	subscribed := false
	for _, w := range pl.waiters {
		if rec.subscribe(w.Client) {
			subscribed = true
		}
	}
	if subscribed {
		rec.Seq++
	}
	d.save(rec)
	for _, w := range pl.waiters {
		d.v.reply(w, nil, protocol.DataPutResult{Holders: len(rec.Holders)})
	}
	d.v.churn.handoff(d, pl.chunk)
}

func (d *dataManager) handleGet(msg *protocol.Message) {
	var p protocol.DataGetPayload
	if err := msg.Decode(protocol.MessageTypeDataGet, &p); err != nil {
		d.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	d.retrieve(p.ChunkID, func(data []byte, err error) {
		if err != nil {
			d.v.reply(msg, err, nil)
			return
		}
		d.v.reply(msg, nil, protocol.ChunkBody{ChunkID: p.ChunkID, Data: data})
	})
}

// retrieve asks every holder for chunk and calls cb with the first copy that
// verifies. Holders that answer with a bad copy, NotFound or nothing at all
// are removed once every answer is in, and the chunk is re-replicated.
func (d *dataManager) retrieve(chunk identity.ID, cb func([]byte, error)) {
	rec, ok := d.records[chunk]
	if !ok || len(rec.Holders) == 0 {
		d.v.deferred(func() { cb(nil, fmt.Errorf("%w: chunk %s", ErrNotFound, chunk.Short())) })
		return
	}
	if f, ok := d.fetches[chunk]; ok {
		if f.data != nil {
			data := f.data
			d.v.deferred(func() { cb(data, nil) })
		} else {
			f.callbacks = append(f.callbacks, cb)
		}
		return
	}

	f := &fetch{callbacks: []func([]byte, error){cb}}
	d.fetches[chunk] = f
	holders := identity.Closest(chunk, rec.Holders, -1)
	f.remaining = len(holders)

	for _, holder := range holders {
		node := holder
		d.v.send(request{
			typ:     protocol.MessageTypePmidRetrieve,
			persona: protocol.PmidManager,
			target:  node,
			payload: protocol.PmidChunkPayload{Node: node, ChunkID: chunk},
			timeout: 2 * d.v.config.HopTimeout,
		}, func(r *protocol.ReplyPayload) {
			f.remaining--
			var body protocol.ChunkBody
			if r.OK() && r.DecodeBody(&body) == nil && chunk.Verify(body.Data) {
				if f.data == nil {
					f.data = body.Data
					for _, cb := range f.callbacks {
						cb(body.Data, nil)
					}
					f.callbacks = nil
				}
			} else {
				f.faulty = append(f.faulty, node)
			}
			d.settle(chunk, f)
		}, func(err error) {
			f.remaining--
			f.faulty = append(f.faulty, node)
			d.settle(chunk, f)
		})
	}
}

func (d *dataManager) settle(chunk identity.ID, f *fetch) {
	if f.remaining > 0 {
		return
	}
	delete(d.fetches, chunk)

	// Without one good copy there is nothing to compare against or
	// re-replicate from, so holders are kept.
	if f.data == nil {
		for _, cb := range f.callbacks {
			cb(nil, fmt.Errorf("%w: no holder returned chunk %s", ErrNotFound, chunk.Short()))
		}
		return
	}

	rec, ok := d.records[chunk]
	if !ok || len(f.faulty) == 0 {
		return
	}
	for _, node := range f.faulty {
		if !identity.Contains(rec.Holders, node) {
			continue
		}
		rec.Holders = identity.Remove(rec.Holders, node)
		d.v.metrics.HolderFaults.Inc()
		d.v.logger.Warn().Str("chunk", chunk.Short()).Str("node", node.Short()).Msg("removing faulty holder")
		d.removeFrom(chunk, node)
	}
	rec.Seq++
	d.save(rec)
	d.replicateWith(chunk, f.data, f.faulty...)
}

// replicate brings an owned chunk back up to K holders, fetching the bytes
// from an existing holder first.
func (d *dataManager) replicate(chunk identity.ID) {
	rec, ok := d.records[chunk]
	if !ok || len(rec.Holders) >= rec.K || len(rec.Holders) == 0 {
		return
	}
	if _, busy := d.placements[chunk]; busy {
		return
	}
	if _, busy := d.fetches[chunk]; busy {
		return
	}
	if len(d.candidates(rec, nil)) == 0 {
		return
	}
	d.retrieve(chunk, func(data []byte, err error) {
		if err != nil {
			d.v.logger.Warn().Err(err).Str("chunk", chunk.Short()).Msg("re-replication fetch failed")
			return
		}
		d.replicateWith(chunk, data)
	})
}

// replicateWith places data on new holders, skipping the nodes in exclude.
func (d *dataManager) replicateWith(chunk identity.ID, data []byte, exclude ...identity.ID) {
	rec, ok := d.records[chunk]
	if !ok || len(rec.Holders) >= rec.K {
		return
	}
	if _, busy := d.placements[chunk]; busy {
		return
	}
	if !d.v.owns(chunk) || len(d.candidates(rec, nil)) == 0 {
		return
	}
	d.v.metrics.Replications.Inc()
	d.v.logger.Info().Str("chunk", chunk.Short()).Int("holders", len(rec.Holders)).Int("k", rec.K).Msg("re-replicating chunk")
	pl := d.startPlacement(chunk, data)
	for _, node := range exclude {
		pl.tried[node] = true
	}
	d.fill(pl)
}

// repairOwned re-replicates every owned, under-replicated chunk.
func (d *dataManager) repairOwned() {
	for chunk, rec := range d.records {
		if len(rec.Holders) < rec.K && d.v.owns(chunk) {
			d.replicate(chunk)
		}
	}
}

func (d *dataManager) handleUnsubscribe(msg *protocol.Message) {
	var p protocol.DataUnsubscribePayload
	if err := msg.Decode(protocol.MessageTypeDataUnsubscribe, &p); err != nil {
		d.v.reply(msg, fmt.Errorf("%w: %v", ErrInvalidRequest, err), nil)
		return
	}
	rec, ok := d.records[p.ChunkID]
	if !ok || !identity.Contains(rec.Subscribers, msg.Client) {
		d.v.reply(msg, nil, nil)
		return
	}

	rec.Subscribers = identity.Remove(rec.Subscribers, msg.Client)
	rec.Seq++
	if len(rec.Subscribers) > 0 {
		d.save(rec)
		d.v.reply(msg, nil, nil)
		return
	}
	if _, busy := d.placements[p.ChunkID]; busy {
		d.save(rec)
		d.v.reply(msg, nil, nil)
		return
	}

	for _, node := range rec.Holders {
		d.removeFrom(p.ChunkID, node)
	}
	d.forget(p.ChunkID)
	d.v.logger.Debug().Str("chunk", p.ChunkID.Short()).Msg("last subscriber gone, chunk removed")
	d.v.reply(msg, nil, nil)
}

func (d *dataManager) onChurn(c routing.Churn) {
	for _, rec := range d.records {
		changed := false
		for _, left := range c.Left {
			if identity.Contains(rec.Holders, left) {
				rec.Holders = identity.Remove(rec.Holders, left)
				changed = true
			}
		}
		if !changed {
			continue
		}
		rec.Seq++
		if len(rec.Holders) == 0 {
			if _, busy := d.placements[rec.ID]; !busy {
				d.v.logger.Error().Str("chunk", rec.ID.Short()).Msg("chunk lost: every holder left")
				d.forget(rec.ID)
			}
			continue
		}
		d.save(rec)
	}
	d.repairOwned()
}

// accountHolder

func (d *dataManager) recordKeys() []identity.ID {
	keys := make([]identity.ID, 0, len(d.records))
	for id := range d.records {
		if _, busy := d.placements[id]; busy {
			continue
		}
		keys = append(keys, id)
	}
	return keys
}

func (d *dataManager) busy(key identity.ID) bool {
	_, placing := d.placements[key]
	return placing
}

func (d *dataManager) owner(key identity.ID) identity.ID {
	if group := d.v.router.CloseGroup(key); len(group) > 0 {
		return group[0]
	}
	return identity.Zero
}

func (d *dataManager) export(key identity.ID) (uint64, any, bool) {
	rec, ok := d.records[key]
	if !ok {
		return 0, nil, false
	}
	out := *rec
	out.Holders = append([]identity.ID(nil), rec.Holders...)
	out.Subscribers = append([]identity.ID(nil), rec.Subscribers...)
	return rec.Seq, out, true
}

// merge unions holder sets, trusting a proposed holder only after it confirms
// it has the chunk. Subscriber sets are unioned.
func (d *dataManager) merge(ctx context.Context, key identity.ID, record json.RawMessage) (bool, error) {
	var in ChunkRecord
	if err := json.Unmarshal(record, &in); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if in.ID != key {
		return false, fmt.Errorf("%w: chunk record %s transferred under key %s", ErrInvalidRequest, in.ID.Short(), key.Short())
	}
	if in.K <= 0 {
		in.K = d.v.config.ReplicaCount
	}

	rec, ok := d.records[key]
	changed := false
	if !ok {
		rec = &ChunkRecord{ID: key, Size: in.Size, K: in.K, Subscribers: in.Subscribers, Seq: in.Seq}
		d.records[key] = rec
		changed = true
	} else {
		for _, client := range in.Subscribers {
			if rec.subscribe(client) {
				changed = true
			}
		}
		if in.K > rec.K {
			rec.K = in.K
			changed = true
		}
		if in.Seq > rec.Seq {
			rec.Seq = in.Seq
		}
	}

	probing := d.probing[key]
	if probing == nil {
		probing = make(map[identity.ID]bool)
		d.probing[key] = probing
	}
	for _, node := range in.Holders {
		if identity.Contains(rec.Holders, node) || probing[node] {
			continue
		}
		probing[node] = true
		changed = true
		d.probe(key, node)
	}
	if len(probing) == 0 {
		delete(d.probing, key)
		if len(rec.Holders) == 0 {
			d.forget(key)
			return changed, nil
		}
	}
	if changed {
		rec.Seq++
		d.save(rec)
	}
	return changed, nil
}

// probe confirms node holds chunk before recording it as a holder.
func (d *dataManager) probe(chunk, node identity.ID) {
	done := func(has bool) {
		probing := d.probing[chunk]
		delete(probing, node)
		rec, ok := d.records[chunk]
		if !ok {
			return
		}
		if has {
			d.addHolder(rec, node)
		}
		if len(probing) > 0 {
			return
		}
		delete(d.probing, chunk)
		if len(rec.Holders) == 0 {
			if _, busy := d.placements[chunk]; !busy {
				d.v.logger.Warn().Str("chunk", chunk.Short()).Msg("transferred chunk has no confirmed holder")
				d.forget(chunk)
			}
			return
		}
		if len(rec.Holders) < rec.K && d.v.owns(chunk) {
			d.replicate(chunk)
		}
	}

	d.v.send(request{
		typ:     protocol.MessageTypeChunkHas,
		persona: protocol.PmidNode,
		target:  node,
		node:    node,
		payload: protocol.ChunkRefPayload{ChunkID: chunk},
		timeout: d.v.config.HopTimeout,
		retries: 1,
	}, func(r *protocol.ReplyPayload) {
		var res protocol.ChunkHasResult
		done(r.OK() && r.DecodeBody(&res) == nil && res.Has)
	}, func(error) {
		done(false)
	})
}

func (d *dataManager) drop(ctx context.Context, key identity.ID) error {
	if _, busy := d.placements[key]; busy {
		return nil
	}
	delete(d.records, key)
	return d.bucket.Delete(ctx, key.String())
}
