package sync

import (
	"context"
	"fmt"
	"net"
	stdsync "sync"
	"testing"

	"github.com/bt2c/bt2c-core/internal/chain"
	"github.com/bt2c/bt2c-core/internal/p2p"
)

func fixturePeer(t *testing.T, addr string) *p2p.Peer {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	p := p2p.NewPeer("node-"+addr, addr, server)
	return p
}

func blockAt(index int64) *chain.Block {
	b := &chain.Block{Index: index, Network: "bt2c-test"}
	if err := b.RecomputeMerkleRoot(); err != nil {
		panic(err)
	}
	return b
}

func TestSync_FetchesAndAppliesAllChunks(t *testing.T) {
	peerA := fixturePeer(t, "a")
	peerB := fixturePeer(t, "b")

	var mu stdsync.Mutex
	applied := make(map[int64]bool)

	fetch := func(ctx context.Context, peer *p2p.Peer, start, end int64) ([]*chain.Block, error) {
		var blocks []*chain.Block
		for i := start; i <= end; i++ {
			blocks = append(blocks, blockAt(i))
		}
		return blocks, nil
	}
	apply := func(b *chain.Block) error {
		mu.Lock()
		applied[b.Index] = true
		mu.Unlock()
		return nil
	}

	e := NewEngine(fetch, apply)
	if err := e.Sync(context.Background(), []*p2p.Peer{peerA, peerB}, 0, 250); err != nil {
		t.Fatalf("sync: %v", err)
	}

	for i := int64(1); i <= 250; i++ {
		if !applied[i] {
			t.Fatalf("expected block %d to have been applied", i)
		}
	}
}

func TestSync_SkipsFailingChunkAndPenalizesPeer(t *testing.T) {
	peerA := fixturePeer(t, "a")

	fetch := func(ctx context.Context, peer *p2p.Peer, start, end int64) ([]*chain.Block, error) {
		return nil, fmt.Errorf("simulated network failure")
	}
	apply := func(b *chain.Block) error { return nil }

	e := NewEngine(fetch, apply)
	peerA.Reputation = 1.0
	if err := e.Sync(context.Background(), []*p2p.Peer{peerA}, 0, 10); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if peerA.Reputation >= 1.0 {
		t.Errorf("expected reputation to decrease after a fetch failure, got %v", peerA.Reputation)
	}
}

func TestSync_NoopWhenAlreadyAtTarget(t *testing.T) {
	fetchCalled := false
	fetch := func(ctx context.Context, peer *p2p.Peer, start, end int64) ([]*chain.Block, error) {
		fetchCalled = true
		return nil, nil
	}
	apply := func(b *chain.Block) error { return nil }

	e := NewEngine(fetch, apply)
	if err := e.Sync(context.Background(), []*p2p.Peer{fixturePeer(t, "a")}, 10, 10); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if fetchCalled {
		t.Errorf("expected no fetch when already at target height")
	}
}

func TestShouldSync_DistinguishesTipExtensionFromGap(t *testing.T) {
	if ShouldSync(11, 10) {
		t.Errorf("expected tip extension (11 after 10) to not require a sync")
	}
	if !ShouldSync(20, 10) {
		t.Errorf("expected a large gap to require a sync")
	}
}

func TestTargetHeight_UsesOnlyActivePeers(t *testing.T) {
	active := fixturePeer(t, "a")
	active.BlockHeight = 100
	inactive := fixturePeer(t, "b")
	inactive.BlockHeight = 200

	if _, err := TargetHeight([]*p2p.Peer{active, inactive}); err == nil {
		t.Errorf("expected an error when no peer is ACTIVE (fixture peers start NEW)")
	}

	active.Activate()
	height, err := TargetHeight([]*p2p.Peer{active, inactive})
	if err != nil {
		t.Fatalf("target height: %v", err)
	}
	if height != 100 {
		t.Errorf("expected 100 from the one active peer, got %d", height)
	}
}
