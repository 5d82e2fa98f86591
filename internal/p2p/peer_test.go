package p2p

import (
	"net"
	"testing"
	"time"
)

func TestPeer_EnqueueReturnsFalseWhenQueueFull(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := NewPeer("peer-1", "127.0.0.1:1", server)
	env := NewEnvelope("bt2c-test", MsgPing, map[string]interface{}{"ping_time": float64(1)})

	ok := true
	count := 0
	for ok && count < OutboundQueueSize+1 {
		ok = p.Enqueue(env)
		count++
	}
	if ok {
		t.Errorf("expected Enqueue to return false once the outbound queue saturates")
	}
}

func TestPeer_BanSetsStateAndExpiry(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := NewPeer("peer-1", "127.0.0.1:1", server)
	now := time.Now()
	p.Ban(now, time.Minute)

	if p.State() != StateBanned {
		t.Errorf("expected BANNED state, got %s", p.State())
	}
	if p.BanExpired(now) {
		t.Errorf("expected ban not yet expired")
	}
	if !p.BanExpired(now.Add(2 * time.Minute)) {
		t.Errorf("expected ban expired after duration elapses")
	}
}

func TestPeer_ReputationUpdates(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	p := NewPeer("peer-1", "127.0.0.1:1", server)
	p.Reputation = 0.5
	p.RecordSuccess()
	if p.Reputation <= 0.5 {
		t.Errorf("expected reputation to increase on success, got %v", p.Reputation)
	}

	p.Reputation = 1.0
	for i := 0; i < 3; i++ {
		p.RecordFailure()
	}
	if p.State() != StateDisconnected {
		t.Errorf("expected peer disconnected after three consecutive failures")
	}
}
