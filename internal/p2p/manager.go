package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/bt2c/bt2c-core/internal/logging"
	"github.com/bt2c/bt2c-core/internal/metrics"
)

// Handler processes one dispatched message from a peer.
type Handler func(m *Manager, peer *Peer, env Envelope)

// MaxOutboundDialers bounds concurrent outbound connection attempts, per
// spec.md §4.7 ("gated by a semaphore, default 10 concurrent attempts").
const MaxOutboundDialers = 10

// MaintenanceInterval is how often the manager replenishes connections
// and prunes idle/dead peers, per spec.md §4.7.
const MaintenanceInterval = time.Minute

// MaxDialsPerRound bounds how many new outbound peers one maintenance
// round attempts, per spec.md §4.7.
const MaxDialsPerRound = 5

// Config configures a Manager.
type Config struct {
	Network   string
	NodeID    string
	ListenAddr string
	Port      int
	NodeType  string
	Features  []string
	MaxPeers  int
}

// Manager owns the TCP listener, the active peer table, and the
// message-type dispatcher, per spec.md §4.7. Its struct shape (mutex
// around shared state, *log.Logger, ctx/cancel/wg lifecycle) is grounded
// on pkg/consensus/health_monitor.go's ConsensusHealthMonitor.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	peers map[string]*Peer // keyed by address

	dispatchMu sync.RWMutex
	dispatch   map[MessageType][]Handler

	dialSem chan struct{}

	discovery *Discovery

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool

	startedAt time.Time
	logger    *log.Logger
	metrics   *metrics.Registry
}

// SetMetrics attaches a metrics.Registry the manager reports through;
// nil (the default) disables instrumentation entirely.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// NewManager constructs a Manager and registers the built-in handlers for
// HELLO, PING, GET_PEERS, and GET_STATUS, per spec.md §4.7.
func NewManager(cfg Config, discovery *Discovery) *Manager {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 50
	}
	m := &Manager{
		cfg:       cfg,
		peers:     make(map[string]*Peer),
		dispatch:  make(map[MessageType][]Handler),
		dialSem:   make(chan struct{}, MaxOutboundDialers),
		discovery: discovery,
		logger:    logging.New("P2P"),
	}
	m.RegisterHandler(MsgHello, handleHello)
	m.RegisterHandler(MsgPing, handlePing)
	m.RegisterHandler(MsgGetPeers, handleGetPeers)
	m.RegisterHandler(MsgGetStatus, handleGetStatus)
	if discovery != nil {
		discovery.ConnectedCount = func() int { return len(m.Peers()) }
	}
	return m
}

// RegisterHandler adds a handler for msgType, appended after any built-ins.
func (m *Manager) RegisterHandler(msgType MessageType, h Handler) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.dispatch[msgType] = append(m.dispatch[msgType], h)
}

// Start binds the TCP listener and launches the accept and maintenance
// loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("p2p: manager already running")
	}
	m.running = true
	m.startedAt = time.Now()
	m.mu.Unlock()

	ln, err := net.Listen("tcp", m.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("p2p: listen: %w", err)
	}
	m.listener = ln

	m.ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(2)
	go m.acceptLoop()
	go m.maintenanceLoop()
	m.logger.Printf("listening on %s", m.cfg.ListenAddr)
	return nil
}

// Stop cancels every task (maintenance, every peer's send/receive loops)
// and awaits them, per spec.md §5's cancellation contract.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	ln := m.listener
	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ln != nil {
		ln.Close()
	}
	for _, p := range peers {
		p.Stop()
	}
	m.wg.Wait()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
				m.logger.Printf("accept error: %v", err)
				return
			}
		}
		go m.handleInbound(conn)
	}
}

func (m *Manager) handleInbound(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	env, err := ReadMessage(conn)
	if err != nil || env.Type != MsgHello {
		conn.Close()
		return
	}
	var hello HelloPayload
	if !decodePayload(env, &hello) || env.Network != m.cfg.Network {
		conn.Close()
		return
	}
	if hello.NodeID == m.cfg.NodeID {
		conn.Close()
		return
	}

	m.mu.Lock()
	if _, dup := m.peerByNodeID(hello.NodeID); dup {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.mu.Unlock()

	conn.SetDeadline(time.Time{})
	replyHello := NewEnvelope(m.cfg.Network, MsgHello, helloPayloadMap(m.cfg))
	if err := WriteMessage(conn, replyHello); err != nil {
		conn.Close()
		return
	}

	addr := conn.RemoteAddr().String()
	peer := NewPeer(hello.NodeID, addr, conn)
	peer.setState(StateActive)
	m.registerPeer(peer)
	peer.Start(m.ctx, m.dispatchToPeer, m.removePeer)
}

func (m *Manager) peerByNodeID(nodeID string) (*Peer, bool) {
	for _, p := range m.peers {
		if p.NodeID == nodeID {
			return p, true
		}
	}
	return nil, false
}

// Connect dials address, gated by the outbound semaphore, per spec.md
// §4.7. Refuses self-connection, duplicates, banned peers, and
// connections beyond max_peers.
func (m *Manager) Connect(address string) error {
	m.mu.RLock()
	if len(m.peers) >= m.cfg.MaxPeers {
		m.mu.RUnlock()
		return fmt.Errorf("p2p: at max_peers (%d)", m.cfg.MaxPeers)
	}
	if _, exists := m.peers[address]; exists {
		m.mu.RUnlock()
		return fmt.Errorf("p2p: already connected to %s", address)
	}
	m.mu.RUnlock()

	select {
	case m.dialSem <- struct{}{}:
	default:
		return fmt.Errorf("p2p: outbound dial semaphore saturated")
	}
	defer func() { <-m.dialSem }()

	conn, err := net.DialTimeout("tcp", address, ConnectTimeout)
	if err != nil {
		return fmt.Errorf("p2p: dial %s: %w", address, err)
	}

	conn.SetDeadline(time.Now().Add(HandshakeTimeout))
	hello := NewEnvelope(m.cfg.Network, MsgHello, helloPayloadMap(m.cfg))
	if err := WriteMessage(conn, hello); err != nil {
		conn.Close()
		return err
	}
	env, err := ReadMessage(conn)
	if err != nil || env.Type != MsgHello || env.Network != m.cfg.Network {
		conn.Close()
		return fmt.Errorf("p2p: handshake with %s failed", address)
	}
	var remoteHello HelloPayload
	if !decodePayload(env, &remoteHello) {
		conn.Close()
		return fmt.Errorf("p2p: malformed hello from %s", address)
	}
	if remoteHello.NodeID == m.cfg.NodeID {
		conn.Close()
		return fmt.Errorf("p2p: refusing self-connection to %s", address)
	}
	if m.discovery != nil && m.discovery.IsBanned(remoteHello.NodeID, time.Now()) {
		conn.Close()
		return fmt.Errorf("p2p: peer %s is banned", remoteHello.NodeID)
	}
	conn.SetDeadline(time.Time{})

	peer := NewPeer(remoteHello.NodeID, address, conn)
	peer.setState(StateActive)
	m.registerPeer(peer)
	peer.Start(m.ctx, m.dispatchToPeer, m.removePeer)
	return nil
}

func (m *Manager) registerPeer(p *Peer) {
	m.mu.Lock()
	m.peers[p.Address] = p
	count := len(m.peers)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ConnectedPeers.Set(float64(count))
	}
}

// BanPeer transitions p to BANNED for duration, disconnects it, and
// records the ban in discovery so reconnect attempts are rejected.
func (m *Manager) BanPeer(p *Peer, now time.Time, duration time.Duration) {
	p.Ban(now, duration)
	if m.discovery != nil {
		m.discovery.Ban(p.NodeID, now.Add(duration))
	}
	if m.metrics != nil {
		m.metrics.PeersBanned.Inc()
	}
	p.Stop()
	m.removePeer(p)
}

func (m *Manager) removePeer(p *Peer) {
	m.mu.Lock()
	delete(m.peers, p.Address)
	count := len(m.peers)
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ConnectedPeers.Set(float64(count))
	}
}

func (m *Manager) dispatchToPeer(p *Peer, env Envelope) {
	if m.metrics != nil {
		m.metrics.MessagesRecv.WithLabelValues(string(env.Type)).Inc()
	}
	m.dispatchMu.RLock()
	handlers := append([]Handler(nil), m.dispatch[env.Type]...)
	m.dispatchMu.RUnlock()
	for _, h := range handlers {
		h(m, p, env)
	}
}

// Peers returns a snapshot of the current peer table.
func (m *Manager) Peers() []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

// PeersByReputation returns the active peer snapshot sorted by reputation
// descending, per spec.md §4.8's chunk-assignment input.
func (m *Manager) PeersByReputation() []*Peer {
	peers := m.Peers()
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Reputation > peers[j].Reputation
	})
	return peers
}

// Broadcast enqueues env on every ACTIVE peer.
func (m *Manager) Broadcast(env Envelope) {
	for _, p := range m.Peers() {
		if p.State() == StateActive {
			m.send(p, env)
		}
	}
}

// SendTo enqueues env on p, for callers outside this package (e.g. the
// sync engine's chunk fetcher) that need to address a specific peer
// rather than broadcast.
func (m *Manager) SendTo(p *Peer, env Envelope) bool {
	return m.send(p, env)
}

// send enqueues env on p and records it for metrics, the single choke
// point every outbound message (built-in handlers and Broadcast) funnels
// through.
func (m *Manager) send(p *Peer, env Envelope) bool {
	ok := p.Enqueue(env)
	if ok && m.metrics != nil {
		m.metrics.MessagesSent.WithLabelValues(string(env.Type)).Inc()
	}
	return ok
}

func (m *Manager) maintenanceLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.runMaintenance()
		}
	}
}

func (m *Manager) runMaintenance() {
	now := time.Now()
	var toDrop []*Peer
	for _, p := range m.Peers() {
		idle := p.IdleFor(now)
		switch {
		case idle >= HardDropTimeout:
			toDrop = append(toDrop, p)
		case idle >= IdleTimeout:
			m.send(p, NewEnvelope(m.cfg.Network, MsgPing, map[string]interface{}{"ping_time": now.Unix()}))
		}
	}
	for _, p := range toDrop {
		p.Stop()
		m.removePeer(p)
	}

	if m.discovery == nil {
		return
	}
	m.mu.RLock()
	count := len(m.peers)
	snapshot := make(map[string]*Peer, len(m.peers))
	for addr, p := range m.peers {
		snapshot[addr] = p
	}
	m.mu.RUnlock()
	if count >= m.cfg.MaxPeers {
		return
	}
	candidates := m.discovery.Candidates(MaxDialsPerRound, snapshot)
	for _, addr := range candidates {
		go func(addr string) {
			if err := m.Connect(addr); err != nil {
				m.logger.Printf("maintenance dial %s failed: %v", addr, err)
			}
		}(addr)
	}
}

func helloPayloadMap(cfg Config) map[string]interface{} {
	return map[string]interface{}{
		"version":   "1",
		"port":      cfg.Port,
		"node_type": cfg.NodeType,
		"features":  cfg.Features,
		"node_id":   cfg.NodeID,
	}
}

func decodePayload(env Envelope, out interface{}) bool {
	raw, err := json.Marshal(env.Payload)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// --- built-in handlers, per spec.md §4.7 ---

func handleHello(m *Manager, p *Peer, env Envelope) {
	p.setState(StateActive)
}

func handlePing(m *Manager, p *Peer, env Envelope) {
	m.send(p, NewEnvelope(m.cfg.Network, MsgPong, map[string]interface{}{
		"ping_time": env.Payload["ping_time"],
		"pong_time": time.Now().Unix(),
	}))
}

func handleGetPeers(m *Manager, p *Peer, env Envelope) {
	max := MaxPeersReturned
	if v, ok := env.Payload["max"].(float64); ok && int(v) < max {
		max = int(v)
	}
	var infos []PeerInfo
	for _, other := range m.Peers() {
		if other == p || !other.ShareableAddr {
			continue
		}
		infos = append(infos, PeerInfo{NodeID: other.NodeID, Port: m.cfg.Port, LastSeen: time.Now().Unix()})
		if len(infos) >= max {
			break
		}
	}
	m.send(p, NewEnvelope(m.cfg.Network, MsgPeers, map[string]interface{}{"peers": infos}))
}

func handleGetStatus(m *Manager, p *Peer, env Envelope) {
	status := StatusPayload{
		Version:     "1",
		NodeType:    m.cfg.NodeType,
		Features:    m.cfg.Features,
		Connections: len(m.Peers()),
		Uptime:      int64(time.Since(m.startedAt).Seconds()),
		PeerCount:   len(m.Peers()),
	}
	raw, _ := json.Marshal(status)
	var payload map[string]interface{}
	json.Unmarshal(raw, &payload)
	m.send(p, NewEnvelope(m.cfg.Network, MsgStatus, payload))
}
