// Package vault implements the storage personas a node runs: MaidManager
// (client quotas), DataManager (chunk placement), PmidManager (custodian
// capacity), PmidNode (local chunks), VersionHandler (mutable names) and
// MpidManager (client messaging), plus the churn coordinator that moves
// account records between nodes as the close groups change.
//
// All persona state is owned by a single event loop. Inbound messages, churn
// notifications, reply timeouts and client calls are posted into the loop as
// closures, so personas never lock.
package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vaultmesh/vaultmesh/internal/chunkstore"
	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/ledger"
	"github.com/vaultmesh/vaultmesh/internal/metrics"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
	"github.com/vaultmesh/vaultmesh/internal/routing"
	"github.com/vaultmesh/vaultmesh/internal/store"
)

// Config contains configuration for a vault.
type Config struct {
	Router  routing.Router
	Store   *store.Store      // record persistence (nil = in memory)
	Chunks  *chunkstore.Store // required
	Logger  zerolog.Logger
	Metrics *metrics.VaultMetrics // nil = private registry

	ReplicaCount      int           // K, holders per chunk (default: 3)
	RetryBudget       int           // Resends per holder before it is replaced (default: 2)
	HopTimeout        time.Duration // Single overlay hop (default: 5s)
	ClientTimeout     time.Duration // Client round trip (default: 60s)
	TransferRetries   int           // Transfer attempts before TransferFailure (default: 5)
	TransferBackoff   time.Duration // Base backoff between transfer attempts (default: 500ms)
	RedeliverInterval time.Duration // Maintenance tick: redelivery and repair (default: 30s)
	MaxVersionHistory int           // Versions kept per name (default: 32)
	DefaultQuota      int64         // Quota for implicitly created accounts (default: 1 GiB)
	MaxQuota          int64         // Largest quota a client may request (default: DefaultQuota)
	RequireAccount    bool          // Reject puts from clients without an account
	Capacity          int64         // Bytes this node offers as a custodian (default: 10 GiB)
	MaxPending        int           // Outstanding cross-node requests (default: 10000)
	RateLimit         int           // Inbound messages per second (default: 5000)
	RateBurst         int           // Inbound burst (default: 500)
	Context           context.Context
}

func (c *Config) applyDefaults() {
	if c.ReplicaCount == 0 {
		c.ReplicaCount = 3
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = 2
	}
	if c.HopTimeout == 0 {
		c.HopTimeout = 5 * time.Second
	}
	if c.ClientTimeout == 0 {
		c.ClientTimeout = 60 * time.Second
	}
	if c.TransferRetries == 0 {
		c.TransferRetries = 5
	}
	if c.TransferBackoff == 0 {
		c.TransferBackoff = 500 * time.Millisecond
	}
	if c.RedeliverInterval == 0 {
		c.RedeliverInterval = 30 * time.Second
	}
	if c.MaxVersionHistory == 0 {
		c.MaxVersionHistory = 32
	}
	if c.DefaultQuota == 0 {
		c.DefaultQuota = 1 << 30
	}
	if c.MaxQuota == 0 {
		c.MaxQuota = c.DefaultQuota
	}
	if c.Capacity == 0 {
		c.Capacity = 10 << 30
	}
	if c.MaxPending == 0 {
		c.MaxPending = 10000
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5000
	}
	if c.RateBurst == 0 {
		c.RateBurst = 500
	}
	if c.Context == nil {
		c.Context = context.Background()
	}
}

// persona is one vault role. accepts decides whether this node is the member
// of the target's group that acts on msg.
type persona interface {
	kind() protocol.Persona
	accepts(msg *protocol.Message) bool
	handle(msg *protocol.Message)
}

// churnAware personas react to membership changes before records move.
type churnAware interface {
	onChurn(c routing.Churn)
}

// Vault is a running set of personas on one node.
type Vault struct {
	id      identity.ID
	config  Config
	router  routing.Router
	store   *store.Store
	chunks  *chunkstore.Store
	metrics *metrics.VaultMetrics
	logger  zerolog.Logger

	rateLimiter *rate.Limiter

	events  chan func()
	later   []func()
	pending *pendingTable

	maid    *maidManager
	data    *dataManager
	pmid    *pmidManager
	node    *pmidNode
	version *versionHandler
	mpid    *mpidManager
	churn   *churnCoordinator

	personas map[protocol.Persona]persona

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a vault. Start must be called before it handles traffic.
func New(config Config) (*Vault, error) {
	if config.Router == nil {
		return nil, errors.New("vault: router is required")
	}
	if config.Chunks == nil {
		return nil, errors.New("vault: chunk store is required")
	}
	config.applyDefaults()
	if config.Store == nil {
		config.Store = store.NewMemory()
	}

	id := config.Router.ID()
	if config.Metrics == nil {
		config.Metrics = metrics.New(prometheus.NewRegistry(), id.Short())
	}

	ctx, cancel := context.WithCancel(config.Context)
	v := &Vault{
		id:          id,
		config:      config,
		router:      config.Router,
		store:       config.Store,
		chunks:      config.Chunks,
		metrics:     config.Metrics,
		logger:      config.Logger.With().Str("component", "vault").Str("node", id.Short()).Logger(),
		rateLimiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		events:      make(chan func(), 1024),
		ctx:         ctx,
		cancel:      cancel,
	}
	v.pending = newPendingTable(v.post, config.MaxPending)

	v.maid = &maidManager{
		v:        v,
		accounts: ledger.New(config.Store.Bucket("maid")),
		inflight: make(map[chargeKey][]*protocol.Message),
	}
	v.data = newDataManager(v, config.Store.Bucket("data"))
	v.pmid = &pmidManager{
		v:        v,
		accounts: ledger.New(config.Store.Bucket("pmid")),
		inflight: make(map[chargeKey][]*protocol.Message),
	}
	v.node = &pmidNode{v: v, chunks: config.Chunks}
	v.version = &versionHandler{
		v:       v,
		bucket:  config.Store.Bucket("versions"),
		records: make(map[identity.ID]*protocol.VersionRecord),
	}
	v.mpid = newMpidManager(v, config.Store.Bucket("mpid"))
	v.churn = newChurnCoordinator(v, v.maid, v.data, v.pmid, v.version, v.mpid)

	v.personas = make(map[protocol.Persona]persona)
	for _, p := range []persona{v.maid, v.data, v.pmid, v.node, v.version, v.mpid, v.churn} {
		v.personas[p.kind()] = p
	}

	return v, nil
}

// ID returns the node identity.
func (v *Vault) ID() identity.ID {
	return v.id
}

// Start restores persisted records, subscribes to the router and starts the
// event loop.
func (v *Vault) Start(ctx context.Context) error {
	if err := v.maid.accounts.Load(ctx); err != nil {
		return fmt.Errorf("load maid accounts: %w", err)
	}
	if err := v.pmid.accounts.Load(ctx); err != nil {
		return fmt.Errorf("load pmid accounts: %w", err)
	}
	if err := v.data.load(ctx); err != nil {
		return fmt.Errorf("load chunk records: %w", err)
	}
	if err := v.version.load(ctx); err != nil {
		return fmt.Errorf("load version records: %w", err)
	}
	if err := v.mpid.load(ctx); err != nil {
		return fmt.Errorf("load mailboxes: %w", err)
	}

	v.logger.Info().
		Int("maid_accounts", v.maid.accounts.Len()).
		Int("pmid_accounts", v.pmid.accounts.Len()).
		Int("chunk_records", len(v.data.records)).
		Msg("Starting vault")

	v.wg.Add(2)
	go v.run()
	go v.maintain()

	v.router.OnMembershipChange(v.onChurn)
	v.router.OnMessage(v.onMessage)

	v.post(func() {
		v.node.register()
		v.churn.requestSync()
		v.churn.rebalance("start")
	})
	return nil
}

// Stop terminates the event loop and waits for it to exit.
func (v *Vault) Stop() {
	v.stopOnce.Do(func() {
		v.logger.Info().Msg("Stopping vault")
		v.cancel()
		v.wg.Wait()
		if err := v.store.Sync(context.Background()); err != nil {
			v.logger.Warn().Err(err).Msg("failed to sync record store")
		}
	})
}

func (v *Vault) run() {
	defer v.wg.Done()
	for {
		select {
		case <-v.ctx.Done():
			v.pending.stopAll()
			return
		case fn := <-v.events:
			fn()
			v.drainLater()
		}
	}
}

func (v *Vault) drainLater() {
	for len(v.later) > 0 {
		fn := v.later[0]
		v.later = v.later[1:]
		fn()
	}
}

// deferred runs fn in the loop after the current event finishes.
func (v *Vault) deferred(fn func()) {
	v.later = append(v.later, fn)
}

// post queues fn for the event loop. It must not be called from the loop.
func (v *Vault) post(fn func()) bool {
	select {
	case <-v.ctx.Done():
		return false
	default:
	}
	select {
	case v.events <- fn:
		return true
	case <-v.ctx.Done():
		return false
	}
}

// do runs fn in the loop and waits for it.
func (v *Vault) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !v.post(func() { fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-v.ctx.Done():
		return ErrStopped
	}
}

func (v *Vault) maintain() {
	defer v.wg.Done()
	ticker := time.NewTicker(v.config.RedeliverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-v.ctx.Done():
			return
		case <-ticker.C:
			v.post(func() {
				v.mpid.redeliver()
				v.data.repairOwned()
			})
		}
	}
}

// onMessage runs on the router's delivery goroutine.
func (v *Vault) onMessage(msg *protocol.Message) {
	if err := v.rateLimiter.Wait(v.ctx); err != nil {
		return
	}
	v.post(func() { v.dispatch(msg) })
}

func (v *Vault) onChurn(c routing.Churn) {
	v.post(func() { v.handleChurn(c) })
}

func (v *Vault) dispatch(msg *protocol.Message) {
	if msg.Type == protocol.MessageTypeReply {
		if !v.pending.resolve(msg) {
			v.logger.Debug().Str("correlation_id", msg.CorrelationID).Str("from", msg.From.Short()).Msg("ignoring late reply")
		}
		return
	}

	p, ok := v.personas[msg.Persona]
	if !ok {
		v.logger.Warn().Str("persona", string(msg.Persona)).Str("type", string(msg.Type)).Msg("message for unknown persona")
		return
	}
	if !p.accepts(msg) {
		v.metrics.MessagesIgnored.Inc()
		return
	}
	v.metrics.MessagesTotal.WithLabelValues(string(msg.Persona), string(msg.Type)).Inc()

	if msg.Type == protocol.MessageTypeTransfer {
		if h, ok := p.(accountHolder); ok {
			v.churn.receive(h, msg)
			return
		}
	}
	p.handle(msg)
}

func (v *Vault) handleChurn(c routing.Churn) {
	if c.Empty() {
		return
	}
	v.metrics.ChurnEvents.Inc()
	v.logger.Info().Int("joined", len(c.Joined)).Int("left", len(c.Left)).Msg("membership changed")

	for _, p := range []churnAware{v.data, v.pmid, v.node, v.mpid} {
		p.onChurn(c)
	}
	v.churn.rebalance("churn")
}

// request describes a cross-node call made by a persona.
type request struct {
	typ     protocol.MessageType
	persona protocol.Persona
	target  identity.ID // group address
	node    identity.ID // when set, sent to this node only
	client  identity.ID
	payload any
	timeout time.Duration
	retries int // resends after a timeout
}

// send issues req and calls exactly one of onReply or onFail from the loop.
// Either callback may be nil.
func (v *Vault) send(req request, onReply func(*protocol.ReplyPayload), onFail func(error)) {
	if onReply == nil {
		onReply = func(*protocol.ReplyPayload) {}
	}
	if onFail == nil {
		onFail = func(err error) {
			v.logger.Debug().Err(err).Str("type", string(req.typ)).Str("target", req.target.Short()).Msg("request failed")
		}
	}
	v.attempt(req, 0, onReply, onFail)
}

func (v *Vault) attempt(req request, n int, onReply func(*protocol.ReplyPayload), onFail func(error)) {
	fail := func(err error) { v.deferred(func() { onFail(err) }) }

	msg, err := protocol.NewRequest(req.typ, v.id, req.persona, req.target, req.payload)
	if err != nil {
		fail(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
		return
	}
	msg.Client = req.client

	added := v.pending.add(msg.ID, req.typ, req.timeout,
		func(reply *protocol.Message) {
			r, err := reply.Reply()
			if err != nil {
				onFail(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
				return
			}
			onReply(r)
		},
		func() {
			v.metrics.PeerTimeouts.WithLabelValues(string(req.typ)).Inc()
			if n < req.retries {
				v.attempt(req, n+1, onReply, onFail)
				return
			}
			onFail(fmt.Errorf("%w: %s to %s", ErrPeerTimeout, req.typ, req.target.Short()))
		})
	if !added {
		fail(fmt.Errorf("%w: too many pending operations", ErrRejected))
		return
	}

	if !req.node.IsZero() {
		err = v.router.SendToNode(v.ctx, req.node, msg)
	} else {
		err = v.router.SendToGroup(v.ctx, req.target, msg)
	}
	if err != nil {
		v.pending.cancel(msg.ID)
		fail(fmt.Errorf("%w: %v", ErrPeerTimeout, err))
	}
}

// notify sends a message that expects no reply.
func (v *Vault) notify(typ protocol.MessageType, persona protocol.Persona, node identity.ID, payload any) {
	msg, err := protocol.NewRequest(typ, v.id, persona, node, payload)
	if err != nil {
		v.logger.Error().Err(err).Str("type", string(typ)).Msg("failed to build message")
		return
	}
	if err := v.router.SendToNode(v.ctx, node, msg); err != nil {
		v.logger.Debug().Err(err).Str("type", string(typ)).Str("node", node.Short()).Msg("notify failed")
	}
}

// reply answers req with err's code (nil for success) and an optional body.
func (v *Vault) reply(req *protocol.Message, err error, body any) {
	code := codeOf(err)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	msg, buildErr := protocol.NewReply(req, v.id, code, detail, body)
	if buildErr != nil {
		v.logger.Error().Err(buildErr).Str("type", string(req.Type)).Msg("failed to build reply")
		return
	}
	v.metrics.RepliesTotal.WithLabelValues(string(req.Type), string(code)).Inc()
	if err := v.router.SendToNode(v.ctx, req.From, msg); err != nil {
		v.logger.Debug().Err(err).Str("to", req.From.Short()).Msg("failed to send reply")
	}
}

// placementTimeout bounds how long MaidManager waits on DataManager. It
// covers at least two rounds of custodian stores with their retries.
func (v *Vault) placementTimeout() time.Duration {
	timeout := v.config.ClientTimeout - v.config.HopTimeout
	if floor := 2 * time.Duration(v.config.RetryBudget+1) * 2 * v.config.HopTimeout; timeout < floor {
		timeout = floor
	}
	return timeout
}

// owns reports whether this node is the closest member to addr.
func (v *Vault) owns(addr identity.ID) bool {
	return v.router.IsResponsibleFor(addr)
}

// pmidOwner returns the node managing custodian node's account: the closest
// member to node other than node itself.
func (v *Vault) pmidOwner(node identity.ID) identity.ID {
	for _, id := range v.router.CloseGroup(node) {
		if id != node {
			return id
		}
	}
	return identity.Zero
}

// Snapshot implements metrics.Source.
func (v *Vault) Snapshot(ctx context.Context) (metrics.Snapshot, error) {
	var snap metrics.Snapshot
	err := v.do(ctx, func() {
		_, quotaUsed := v.maid.accounts.Totals()
		_, capacityUsed := v.pmid.accounts.Totals()
		snap = metrics.Snapshot{
			Records: map[string]int{
				string(protocol.MaidManager):    v.maid.accounts.Len(),
				string(protocol.DataManager):    len(v.data.records),
				string(protocol.PmidManager):    v.pmid.accounts.Len(),
				string(protocol.VersionHandler): len(v.version.records),
				string(protocol.MpidManager):    len(v.mpid.boxes),
			},
			PendingOps:   v.pending.len(),
			Members:      len(v.router.CloseGroup(v.id)),
			QuotaUsed:    quotaUsed,
			CapacityUsed: capacityUsed,
		}
	})
	if err != nil {
		return snap, err
	}
	stats, err := v.chunks.Stats(ctx)
	if err != nil {
		return snap, err
	}
	snap.StoredChunks = stats.Chunks
	snap.StoredBytes = stats.Bytes
	return snap, nil
}

// ChunkHolders returns the custodians this node's DataManager records for
// chunk. Only the chunk's DataManager has an answer.
func (v *Vault) ChunkHolders(ctx context.Context, chunk identity.ID) ([]identity.ID, error) {
	var holders []identity.ID
	found := false
	err := v.do(ctx, func() {
		if rec, ok := v.data.records[chunk]; ok {
			holders = append(holders, rec.Holders...)
			found = true
		}
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return holders, nil
}

// TransferState reports whether persona p has transfers in flight.
func (v *Vault) TransferState(ctx context.Context, p protocol.Persona) (TransferState, error) {
	var st TransferState
	err := v.do(ctx, func() { st = v.churn.stateOf(p) })
	return st, err
}
