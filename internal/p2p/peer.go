package p2p

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// State is a peer connection's position in spec.md §4.6's state machine.
type State string

const (
	StateNew          State = "NEW"
	StateConnecting    State = "CONNECTING"
	StateConnected     State = "CONNECTED"
	StateActive        State = "ACTIVE"
	StateDisconnected  State = "DISCONNECTED"
	StateBanned        State = "BANNED"
)

// Tunables, per spec.md §4.6/§4.7.
const (
	ConnectTimeout     = 5 * time.Second
	HandshakeTimeout   = 10 * time.Second
	IdleTimeout        = 60 * time.Second
	HardDropTimeout    = 5 * time.Minute
	PingTimeout        = 5 * time.Second
	OutboundQueueSize  = 100
)

// ErrQueueFull names the saturated-outbound-queue condition; Enqueue
// itself reports it by returning false rather than blocking.
var ErrQueueFull = errors.New("p2p: outbound queue full")

// Peer is one TCP connection to a remote node, per spec.md §4.6.
type Peer struct {
	mu sync.Mutex

	NodeID      string
	Address     string // "ip:port"
	BlockHeight int64
	Reputation  float64
	ShareableAddr bool

	state       State
	bannedUntil time.Time
	lastContact time.Time
	pingTime    time.Time
	failures    int

	conn    net.Conn
	outbound chan []byte

	sendMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPeer constructs a Peer wrapping conn, in the NEW state.
func NewPeer(nodeID, address string, conn net.Conn) *Peer {
	return &Peer{
		NodeID:        nodeID,
		Address:       address,
		Reputation:    1.0,
		ShareableAddr: true,
		state:         StateNew,
		lastContact:   time.Now(),
		conn:          conn,
		outbound:      make(chan []byte, OutboundQueueSize),
	}
}

// State returns the peer's current state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// setState transitions the peer's state under lock.
func (p *Peer) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Activate transitions the peer to ACTIVE, e.g. once a STATUS exchange
// completes the handshake per spec.md §4.6.
func (p *Peer) Activate() {
	p.setState(StateActive)
}

// Touch records contact with the peer (any successful read or write).
func (p *Peer) Touch(now time.Time) {
	p.mu.Lock()
	p.lastContact = now
	p.mu.Unlock()
}

// IdleFor reports how long since the peer was last heard from.
func (p *Peer) IdleFor(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastContact)
}

// Ban transitions the peer to BANNED for duration, per spec.md §4.6.
func (p *Peer) Ban(now time.Time, duration time.Duration) {
	p.mu.Lock()
	p.state = StateBanned
	p.bannedUntil = now.Add(duration)
	p.mu.Unlock()
}

// BanExpired reports whether a BANNED peer's ban has lapsed.
func (p *Peer) BanExpired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateBanned && !now.Before(p.bannedUntil)
}

// RecordSuccess applies the reputation-on-success update, per spec.md §4.8
// ("reputation multiplied by 1.1, capped at 1.0").
func (p *Peer) RecordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = 0
	p.Reputation *= 1.1
	if p.Reputation > 1.0 {
		p.Reputation = 1.0
	}
}

// RecordFailure applies the reputation-on-failure update, marking the peer
// INACTIVE (here: disconnected) after three consecutive failures, per
// spec.md §4.8.
func (p *Peer) RecordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Reputation *= 0.8
	p.failures++
	if p.failures >= 3 {
		p.state = StateDisconnected
	}
}

// Enqueue frames and queues a message for the sender task; returns false
// without blocking if the queue is saturated, per spec.md §4.6.
func (p *Peer) Enqueue(env Envelope) bool {
	body, err := encodeFrame(env)
	if err != nil {
		return false
	}
	select {
	case p.outbound <- body:
		return true
	default:
		return false
	}
}

// Start launches the per-peer sender and receiver tasks, per spec.md §5's
// "one receive task per peer, one send task per peer".
func (p *Peer) Start(ctx context.Context, dispatch func(*Peer, Envelope), onDisconnect func(*Peer)) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(2)
	go p.senderLoop(ctx)
	go p.receiverLoop(ctx, dispatch, onDisconnect)
}

// Stop cancels the peer's tasks and waits for them to exit.
func (p *Peer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	conn := p.conn
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	p.wg.Wait()
}

func (p *Peer) senderLoop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-p.outbound:
			if !ok {
				return
			}
			p.sendMu.Lock()
			p.mu.Lock()
			conn := p.conn
			p.mu.Unlock()
			_, err := conn.Write(body)
			p.sendMu.Unlock()
			if err != nil {
				p.setState(StateDisconnected)
				return
			}
		}
	}
}

func (p *Peer) receiverLoop(ctx context.Context, dispatch func(*Peer, Envelope), onDisconnect func(*Peer)) {
	defer p.wg.Done()
	defer func() {
		p.setState(StateDisconnected)
		if onDisconnect != nil {
			onDisconnect(p)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		env, err := ReadMessage(p.conn)
		if err != nil {
			return
		}
		p.Touch(time.Now())
		if dispatch != nil {
			dispatch(p, env)
		}
	}
}

// encodeFrame renders env to the exact bytes WriteMessage would write, so
// Enqueue can hand the sender loop a pre-framed buffer.
func encodeFrame(env Envelope) ([]byte, error) {
	var buf writeBuffer
	if err := WriteMessage(&buf, env); err != nil {
		return nil, err
	}
	return buf.data, nil
}

type writeBuffer struct {
	data []byte
}

func (b *writeBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
