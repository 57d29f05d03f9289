// Package benchmark runs an in-process vault network under client load and
// membership churn, and reports throughput, latency and data integrity.
package benchmark

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vaultmesh/vaultmesh/internal/chunkstore"
	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/routing"
	"github.com/vaultmesh/vaultmesh/internal/vault"
)

// Options configures a simulation run.
type Options struct {
	Nodes       int           // vaults at start (default: 8)
	GroupSize   int           // close group size (default: 8)
	Replicas    int           // holders per chunk (default: 3)
	Chunks      int           // chunks to put (default: 50)
	ChunkSize   int           // bytes per chunk (default: 4096)
	Concurrency int           // parallel clients (default: 8)
	Joins       int           // vaults added after the puts
	Departures  int           // vaults that leave abruptly after the puts
	Silence     int           // vaults that stop answering after the puts
	HopTimeout  time.Duration // default: 200ms
	Settle      time.Duration // wait for repair before reading back (default: 2s)
	Logger      zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.Nodes == 0 {
		o.Nodes = 8
	}
	if o.GroupSize == 0 {
		o.GroupSize = 8
	}
	if o.Replicas == 0 {
		o.Replicas = 3
	}
	if o.Chunks == 0 {
		o.Chunks = 50
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = 4096
	}
	if o.Concurrency == 0 {
		o.Concurrency = 8
	}
	if o.HopTimeout == 0 {
		o.HopTimeout = 200 * time.Millisecond
	}
	if o.Settle == 0 {
		o.Settle = 2 * time.Second
	}
}

// Validate rejects option sets that leave too few live vaults.
func (o *Options) Validate() error {
	if o.Nodes < 2 {
		return errors.New("at least 2 nodes are required")
	}
	if o.Replicas < 1 || o.Replicas >= o.GroupSize {
		return fmt.Errorf("replicas must be between 1 and %d", o.GroupSize-1)
	}
	if o.Joins < 0 || o.Departures < 0 || o.Silence < 0 {
		return errors.New("churn counts must not be negative")
	}
	if o.Departures+o.Silence >= o.Nodes {
		return errors.New("departures plus silence must leave at least one vault")
	}
	if o.ChunkSize < 1 {
		return errors.New("chunk size must be positive")
	}
	return nil
}

// Latency summarizes a set of operation durations.
type Latency struct {
	Min time.Duration `json:"min"`
	P50 time.Duration `json:"p50"`
	P99 time.Duration `json:"p99"`
	Max time.Duration `json:"max"`
}

// Result is the outcome of a simulation run.
type Result struct {
	Nodes      int           `json:"nodes"`
	Puts       int           `json:"puts"`
	PutErrors  int           `json:"put_errors"`
	Gets       int           `json:"gets"`
	GetErrors  int           `json:"get_errors"`
	Corrupt    int           `json:"corrupt"`
	Joined     int           `json:"joined"`
	Departed   int           `json:"departed"`
	Silenced   int           `json:"silenced"`
	PutLatency Latency       `json:"put_latency"`
	GetLatency Latency       `json:"get_latency"`
	Delivered  uint64        `json:"messages_delivered"`
	Dropped    uint64        `json:"messages_dropped"`
	Duration   time.Duration `json:"duration"`
	// UnderReplicated counts chunks whose owner lists fewer than the
	// configured holders at the end of the run.
	UnderReplicated int `json:"under_replicated"`
}

// Simulation is an in-process vault network.
type Simulation struct {
	opts   Options
	net    *routing.MemNetwork
	dir    string
	mu     sync.Mutex
	vaults map[identity.ID]*vault.Vault
}

// New creates a simulation. Vaults are started by Run.
func New(opts Options) (*Simulation, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "vaultmesh-sim-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Simulation{
		opts:   opts,
		net:    routing.NewMemNetwork(opts.GroupSize),
		dir:    dir,
		vaults: make(map[identity.ID]*vault.Vault),
	}, nil
}

// Close stops every vault and removes scratch data.
func (s *Simulation) Close() error {
	s.mu.Lock()
	for id, v := range s.vaults {
		v.Stop()
		delete(s.vaults, id)
	}
	s.mu.Unlock()
	return os.RemoveAll(s.dir)
}

func (s *Simulation) join(ctx context.Context) (*vault.Vault, error) {
	id := identity.Random()
	chunks, err := chunkstore.Open(fmt.Sprintf("%s/%s", s.dir, id.Short()), chunkstore.Options{})
	if err != nil {
		return nil, err
	}
	v, err := vault.New(vault.Config{
		Router:            s.net.Join(id),
		Chunks:            chunks,
		Logger:            s.opts.Logger,
		ReplicaCount:      s.opts.Replicas,
		HopTimeout:        s.opts.HopTimeout,
		ClientTimeout:     30 * s.opts.HopTimeout,
		TransferBackoff:   s.opts.HopTimeout / 4,
		RedeliverInterval: s.opts.Settle / 4,
	})
	if err != nil {
		return nil, err
	}
	if err := v.Start(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.vaults[id] = v
	s.mu.Unlock()
	return v, nil
}

func (s *Simulation) leave(id identity.ID) {
	s.mu.Lock()
	v := s.vaults[id]
	delete(s.vaults, id)
	s.mu.Unlock()
	s.net.Leave(id)
	if v != nil {
		v.Stop()
	}
}

// live returns the vaults in a stable order, skipping excluded ones.
func (s *Simulation) live(exclude map[identity.ID]bool) []*vault.Vault {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]identity.ID, 0, len(s.vaults))
	for id := range s.vaults {
		if !exclude[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make([]*vault.Vault, len(ids))
	for i, id := range ids {
		out[i] = s.vaults[id]
	}
	return out
}

// owner returns the vault closest to id, the one holding its chunk record.
func (s *Simulation) owner(id identity.ID) *vault.Vault {
	members := s.net.Members()
	if len(members) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vaults[identity.Closest(id, members, 1)[0]]
}

// Run puts chunks through random vaults, applies churn, then reads every
// stored chunk back through a different vault.
func (s *Simulation) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	for i := 0; i < s.opts.Nodes; i++ {
		if _, err := s.join(ctx); err != nil {
			return nil, fmt.Errorf("start vault %d: %w", i, err)
		}
	}
	logger := s.opts.Logger.With().Str("component", "simulation").Logger()
	logger.Info().Int("nodes", s.opts.Nodes).Int("chunks", s.opts.Chunks).Msg("Starting simulation")

	res := &Result{Nodes: s.opts.Nodes}
	client := identity.Random()
	payloads := make([][]byte, s.opts.Chunks)
	for i := range payloads {
		payloads[i] = make([]byte, s.opts.ChunkSize)
		if _, err := rand.Read(payloads[i]); err != nil {
			return nil, err
		}
	}

	stored := make([]identity.ID, s.opts.Chunks)
	putTimes := make([]time.Duration, s.opts.Chunks)
	var putErrors atomic.Int64
	vaults := s.live(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range payloads {
		g.Go(func() error {
			v := vaults[i%len(vaults)]
			t0 := time.Now()
			id, err := v.Put(gctx, client, payloads[i])
			putTimes[i] = time.Since(t0)
			if err != nil {
				putErrors.Add(1)
				logger.Debug().Err(err).Int("chunk", i).Msg("put failed")
				return nil
			}
			stored[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Puts = s.opts.Chunks
	res.PutErrors = int(putErrors.Load())
	res.PutLatency = summarize(putTimes)

	silenced := make(map[identity.ID]bool)
	if s.opts.Joins > 0 || s.opts.Departures > 0 || s.opts.Silence > 0 {
		victims := s.live(nil)
		for i := 0; i < s.opts.Departures; i++ {
			s.leave(victims[i].ID())
			res.Departed++
		}
		for i := s.opts.Departures; i < s.opts.Departures+s.opts.Silence; i++ {
			id := victims[i].ID()
			s.net.Silence(id, true)
			silenced[id] = true
			res.Silenced++
		}
		for i := 0; i < s.opts.Joins; i++ {
			if _, err := s.join(ctx); err != nil {
				return nil, fmt.Errorf("join vault: %w", err)
			}
			res.Joined++
		}
		logger.Info().Int("joined", res.Joined).Int("departed", res.Departed).Int("silenced", res.Silenced).Msg("applied churn")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.opts.Settle):
		}
	}

	readers := s.live(silenced)
	getTimes := make([]time.Duration, 0, len(stored))
	for i, id := range stored {
		if id.IsZero() {
			continue
		}
		v := readers[(i+1)%len(readers)]
		t0 := time.Now()
		data, err := v.Get(ctx, client, id)
		getTimes = append(getTimes, time.Since(t0))
		res.Gets++
		switch {
		case err != nil:
			res.GetErrors++
			logger.Debug().Err(err).Str("chunk", id.Short()).Msg("get failed")
		case !id.Verify(data):
			res.Corrupt++
		}

		owner := s.owner(id)
		if owner == nil || silenced[owner.ID()] {
			continue
		}
		holders, err := owner.ChunkHolders(ctx, id)
		if err != nil && !errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if len(holders) < s.opts.Replicas && len(readers) > s.opts.Replicas {
			res.UnderReplicated++
		}
	}
	res.GetLatency = summarize(getTimes)
	res.Delivered, res.Dropped = s.net.Stats()
	res.Duration = time.Since(start)
	return res, nil
}

func summarize(ds []time.Duration) Latency {
	if len(ds) == 0 {
		return Latency{}
	}
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(q float64) time.Duration {
		return sorted[int(q*float64(len(sorted)-1))]
	}
	return Latency{Min: sorted[0], P50: at(0.50), P99: at(0.99), Max: sorted[len(sorted)-1]}
}
