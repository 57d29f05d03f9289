package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vaultmesh/vaultmesh/internal/identity"
	"github.com/vaultmesh/vaultmesh/internal/protocol"
)

const (
	messagePath = "/api/vault/message"
	pingPath    = "/api/vault/ping"

	maxMessageBytes = 64 << 20
)

// Peer is a statically configured vault address.
type Peer struct {
	ID      identity.ID
	Address string // host:port
}

// MeshOptions tunes a MeshRouter.
type MeshOptions struct {
	GroupSize     int
	ProbeInterval time.Duration
	// FailureThreshold is the number of consecutive failed probes before a
	// peer is considered gone.
	FailureThreshold int
	SendTimeout      time.Duration
	Scheme           string
}

// MeshRouter is a Router over HTTP between statically configured peers.
// Membership follows liveness: a peer joins once it answers a probe and
// leaves after FailureThreshold consecutive failures.
type MeshRouter struct {
	self       identity.ID
	table      *Table
	opts       MeshOptions
	httpClient *http.Client
	inbox      *inbox
	logger     zerolog.Logger

	mu            sync.RWMutex
	peers         []Peer
	addrs         map[identity.ID]string
	failures      map[string]int
	handler       Handler
	churnHandlers []ChurnHandler
	start         sync.Once
}

var _ Router = (*MeshRouter)(nil)

// NewMeshRouter returns a router for self. Peers are probed once Run starts.
func NewMeshRouter(self identity.ID, peers []Peer, opts MeshOptions, logger zerolog.Logger) *MeshRouter {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 5 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}

	return &MeshRouter{
		self:  self,
		table: NewTable(self, opts.GroupSize),
		opts:  opts,
		httpClient: &http.Client{
			Timeout: opts.SendTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		inbox:    newInbox(),
		logger:   logger.With().Str("component", "mesh-router").Logger(),
		peers:    append([]Peer(nil), peers...),
		addrs:    make(map[identity.ID]string),
		failures: make(map[string]int),
	}
}

func (m *MeshRouter) ID() identity.ID {
	return m.self
}

func (m *MeshRouter) CloseGroup(target identity.ID) []identity.ID {
	return m.table.CloseGroup(target)
}

func (m *MeshRouter) IsResponsibleFor(addr identity.ID) bool {
	return m.table.IsResponsibleFor(addr)
}

// OnMessage registers the inbound handler and starts local delivery.
func (m *MeshRouter) OnMessage(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
	m.start.Do(func() { go m.inbox.run() })
}

func (m *MeshRouter) OnMembershipChange(h ChurnHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.churnHandlers = append(m.churnHandlers, h)
}

// SendToNode posts msg to target in the background.
func (m *MeshRouter) SendToNode(ctx context.Context, target identity.ID, msg *protocol.Message) error {
	if target == m.self {
		m.enqueue(msg.Clone())
		return nil
	}

	m.mu.RLock()
	addr, ok := m.addrs[target]
	m.mu.RUnlock()
	if !ok || !m.table.Has(target) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, target.Short())
	}

	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
		defer cancel()
		if err := m.post(sendCtx, addr, data); err != nil {
			m.logger.Debug().Err(err).Str("peer", target.Short()).Str("type", string(msg.Type)).Msg("send failed")
		}
	}()
	return nil
}

func (m *MeshRouter) SendToGroup(ctx context.Context, target identity.ID, msg *protocol.Message) error {
	for _, id := range m.table.CloseGroup(target) {
		if err := m.SendToNode(ctx, id, msg); err != nil {
			m.logger.Debug().Err(err).Str("peer", id.Short()).Msg("group send skipped member")
		}
	}
	return nil
}

// AddPeer registers another address to probe.
func (m *MeshRouter) AddPeer(p Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers = append(m.peers, p)
}

// Members returns the live membership.
func (m *MeshRouter) Members() []identity.ID {
	return m.table.Members()
}

// Handler returns the HTTP handler serving the vault wire endpoints.
func (m *MeshRouter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(messagePath, m.handleMessage)
	mux.HandleFunc(pingPath, m.handlePing)
	return mux
}

// Run probes peers until ctx is done.
func (m *MeshRouter) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()
	defer m.inbox.close()

	m.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

type pingResponse struct {
	ID identity.ID `json:"id"`
}

func (m *MeshRouter) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pingResponse{ID: m.self})
}

func (m *MeshRouter) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msg, err := protocol.UnmarshalMessage(data)
	if err != nil {
		m.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected inbound message")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.enqueue(msg)
	w.WriteHeader(http.StatusAccepted)
}

func (m *MeshRouter) enqueue(msg *protocol.Message) {
	m.inbox.push(func() {
		m.mu.RLock()
		h := m.handler
		m.mu.RUnlock()
		if h != nil {
			h(msg)
		}
	})
}

func (m *MeshRouter) notify(c Churn) {
	m.inbox.push(func() {
		m.mu.RLock()
		handlers := append([]ChurnHandler(nil), m.churnHandlers...)
		m.mu.RUnlock()
		for _, h := range handlers {
			h(c)
		}
	})
}

func (m *MeshRouter) post(ctx context.Context, addr string, data []byte) error {
	url := fmt.Sprintf("%s://%s%s", m.opts.Scheme, addr, messagePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vault-Protocol", fmt.Sprintf("v%d", protocol.ProtocolVersion))

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

func (m *MeshRouter) ping(ctx context.Context, addr string) (identity.ID, error) {
	url := fmt.Sprintf("%s://%s%s", m.opts.Scheme, addr, pingPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return identity.Zero, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return identity.Zero, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return identity.Zero, fmt.Errorf("ping status %d", resp.StatusCode)
	}
	var pr pingResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return identity.Zero, fmt.Errorf("decode ping: %w", err)
	}
	return pr.ID, nil
}

func (m *MeshRouter) probeAll(ctx context.Context) {
	m.mu.RLock()
	peers := append([]Peer(nil), m.peers...)
	m.mu.RUnlock()

	var churn Churn
	for _, p := range peers {
		probeCtx, cancel := context.WithTimeout(ctx, m.opts.SendTimeout)
		id, err := m.ping(probeCtx, p.Address)
		cancel()

		m.mu.Lock()
		if err != nil {
			m.failures[p.Address]++
			failed := m.failures[p.Address]
			known := p.ID
			if known.IsZero() {
				for nid, a := range m.addrs {
					if a == p.Address {
						known = nid
					}
				}
			}
			m.mu.Unlock()
			if failed >= m.opts.FailureThreshold && !known.IsZero() {
				churn.Left = append(churn.Left, m.table.Remove(known)...)
			}
			continue
		}
		if !p.ID.IsZero() && p.ID != id {
			m.mu.Unlock()
			m.logger.Warn().Str("address", p.Address).Str("expected", p.ID.Short()).Str("got", id.Short()).Msg("peer identity mismatch")
			continue
		}
		m.failures[p.Address] = 0
		m.addrs[id] = p.Address
		m.mu.Unlock()
		churn.Joined = append(churn.Joined, m.table.Add(id)...)
	}

	if !churn.Empty() {
		m.logger.Info().Int("joined", len(churn.Joined)).Int("left", len(churn.Left)).Int("members", m.table.Len()).Msg("membership changed")
		m.notify(churn)
	}
}
