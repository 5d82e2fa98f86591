package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bt2c/bt2c-core/internal/logging"
)

// DiscoveryPort is the default UDP discovery port, per spec.md §4.7.
const DiscoveryPort = 26657

// FlushEvery coalesces known_peers.json writes, per spec.md §4.7.
const FlushEvery = 5

// AnnounceIntervalMin/Max bound the dynamic announce interval, per
// spec.md §4.7 ("widens from 60s to 5 minutes as connected-peer count
// grows past 20").
const (
	AnnounceIntervalMin = 60 * time.Second
	AnnounceIntervalMax = 5 * time.Minute
)

// KnownPeerEntry is one entry in known_peers.json's peers map, per
// spec.md §6.
type KnownPeerEntry struct {
	NodeID         string `json:"node_id"`
	State          string `json:"state"`
	LastSeen       int64  `json:"last_seen"`
	FailedAttempts int    `json:"failed_attempts"`
}

type knownPeersFile struct {
	Peers       map[string]KnownPeerEntry `json:"peers"`
	BannedPeers map[string]int64          `json:"banned_peers"`
	LastUpdated int64                     `json:"last_updated"`
}

// Discovery persists known peers to disk and runs the UDP announce
// protocol, per spec.md §4.7.
type Discovery struct {
	mu           sync.Mutex
	path         string
	data         knownPeersFile
	pendingAdds  int
	network      string
	nodeID       string
	port         int
	discoveryPort int

	// ConnectedCount reports the manager's current active-peer count, used
	// to widen the announce interval; nil is treated as zero.
	ConnectedCount func() int

	conn   *net.UDPConn
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewDiscovery constructs a Discovery backed by path (known_peers.json),
// loading any existing state.
func NewDiscovery(path, network, nodeID string, port int) (*Discovery, error) {
	d := &Discovery{
		path:          path,
		network:       network,
		nodeID:        nodeID,
		port:          port,
		discoveryPort: DiscoveryPort,
		data: knownPeersFile{
			Peers:       make(map[string]KnownPeerEntry),
			BannedPeers: make(map[string]int64),
		},
		logger: logging.New("Discovery"),
	}
	if err := d.load(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Discovery) load() error {
	raw, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("p2p: read known_peers.json: %w", err)
	}
	var data knownPeersFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("p2p: parse known_peers.json: %w", err)
	}
	if data.Peers == nil {
		data.Peers = make(map[string]KnownPeerEntry)
	}
	if data.BannedPeers == nil {
		data.BannedPeers = make(map[string]int64)
	}
	d.mu.Lock()
	d.data = data
	d.mu.Unlock()
	return nil
}

func (d *Discovery) flushLocked() {
	d.data.LastUpdated = time.Now().Unix()
	raw, err := json.MarshalIndent(d.data, "", "  ")
	if err != nil {
		d.logger.Printf("marshal known_peers.json: %v", err)
		return
	}
	if err := os.WriteFile(d.path, raw, 0o644); err != nil {
		d.logger.Printf("write known_peers.json: %v", err)
	}
}

// Flush forces a write of the current state to disk.
func (d *Discovery) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushLocked()
	d.pendingAdds = 0
}

// AddPeer records a peer observation, flushing every FlushEvery additions.
func (d *Discovery) AddPeer(addr string, nodeID string, state State, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data.Peers[addr] = KnownPeerEntry{NodeID: nodeID, State: string(state), LastSeen: now.Unix()}
	d.pendingAdds++
	if d.pendingAdds >= FlushEvery {
		d.flushLocked()
		d.pendingAdds = 0
	}
}

// RecordFailure increments a peer's failed-attempt counter.
func (d *Discovery) RecordFailure(addr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.data.Peers[addr]
	entry.FailedAttempts++
	d.data.Peers[addr] = entry
}

// Ban records node_id as banned until expiry.
func (d *Discovery) Ban(nodeID string, expiry time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data.BannedPeers[nodeID] = expiry.Unix()
	d.flushLocked()
}

// IsBanned reports whether nodeID is currently banned.
func (d *Discovery) IsBanned(nodeID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	expiry, ok := d.data.BannedPeers[nodeID]
	return ok && now.Unix() < expiry
}

// Candidates returns up to max known peer addresses not already connected
// (per connected) and not banned, for the maintenance loop to dial.
func (d *Discovery) Candidates(max int, connected map[string]*Peer) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	var out []string
	for addr, entry := range d.data.Peers {
		if _, already := connected[addr]; already {
			continue
		}
		if d.isBannedLocked(entry.NodeID, now) {
			continue
		}
		out = append(out, addr)
		if len(out) >= max {
			break
		}
	}
	return out
}

func (d *Discovery) isBannedLocked(nodeID string, now time.Time) bool {
	expiry, ok := d.data.BannedPeers[nodeID]
	return ok && now.Unix() < expiry
}

// udpPacket is the discovery datagram shape, per spec.md §6.
type udpPacket struct {
	Type      string     `json:"type"` // announce | get_peers | peers
	NodeID    string     `json:"node_id,omitempty"`
	Port      int        `json:"port,omitempty"`
	Network   string     `json:"network,omitempty"`
	Timestamp int64      `json:"timestamp,omitempty"`
	Peers     []PeerInfo `json:"peers,omitempty"`
}

// Start binds the UDP discovery socket and launches the listener and
// broadcaster tasks, per spec.md §4.7.
func (d *Discovery) Start(ctx context.Context) error {
	addr := &net.UDPAddr{Port: d.discoveryPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("p2p: bind discovery udp: %w", err)
	}
	d.conn = conn
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(2)
	go d.listenLoop()
	go d.broadcastLoop()
	return nil
}

// Stop cancels the UDP tasks, closes the socket, and flushes known peers
// to disk.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
	d.Flush()
}

func (d *Discovery) listenLoop() {
	defer d.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, remote, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		var pkt udpPacket
		if err := json.Unmarshal(buf[:n], &pkt); err != nil {
			continue
		}
		if pkt.Network != "" && pkt.Network != d.network {
			continue
		}
		d.handlePacket(pkt, remote)
	}
}

func (d *Discovery) handlePacket(pkt udpPacket, remote *net.UDPAddr) {
	switch pkt.Type {
	case "announce":
		addr := fmt.Sprintf("%s:%d", remote.IP.String(), pkt.Port)
		d.AddPeer(addr, pkt.NodeID, StateNew, time.Now())
	case "get_peers":
		d.mu.Lock()
		var infos []PeerInfo
		for addr, entry := range d.data.Peers {
			host, port := splitHostPort(addr)
			infos = append(infos, PeerInfo{NodeID: entry.NodeID, IP: host, Port: port, LastSeen: entry.LastSeen})
			if len(infos) >= MaxPeersReturned {
				break
			}
		}
		d.mu.Unlock()
		reply := udpPacket{Type: "peers", Network: d.network, Peers: infos}
		raw, err := json.Marshal(reply)
		if err == nil {
			d.conn.WriteToUDP(raw, remote)
		}
	case "peers":
		for _, info := range pkt.Peers {
			addr := fmt.Sprintf("%s:%d", info.IP, info.Port)
			d.AddPeer(addr, info.NodeID, StateNew, time.Now())
		}
	}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func (d *Discovery) broadcastLoop() {
	defer d.wg.Done()
	for {
		interval := d.currentInterval()
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(interval):
			d.announce()
		}
	}
}

func (d *Discovery) currentInterval() time.Duration {
	connected := 0
	if d.ConnectedCount != nil {
		connected = d.ConnectedCount()
	}
	if connected <= 20 {
		return AnnounceIntervalMin
	}
	return AnnounceIntervalMax
}

func (d *Discovery) announce() {
	pkt := udpPacket{Type: "announce", NodeID: d.nodeID, Port: d.port, Network: d.network, Timestamp: time.Now().Unix()}
	raw, err := json.Marshal(pkt)
	if err != nil {
		return
	}
	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: d.discoveryPort}
	d.conn.WriteToUDP(raw, broadcastAddr)
}
