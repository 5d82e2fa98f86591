package pos

import (
	"math/rand"
	"testing"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
)

func fixedSeed(b byte) func() []byte {
	return func() []byte {
		seed := make([]byte, 32)
		for i := range seed {
			seed[i] = b
		}
		return seed
	}
}

func pubkeyFor(addr bt2ccrypto.Address) []byte {
	return addr[:]
}

func TestSelect_EmptySetReturnsFalse(t *testing.T) {
	s := NewSelector(fixedSeed(1))
	_, ok := s.Select(map[bt2ccrypto.Address]chain.Satoshi{}, pubkeyFor)
	if ok {
		t.Errorf("expected no selection from an empty validator set")
	}
}

func TestSelect_ZeroTotalStakeReturnsFalse(t *testing.T) {
	s := NewSelector(fixedSeed(1))
	stakes := map[bt2ccrypto.Address]chain.Satoshi{{0x01}: 0, {0x02}: 0}
	_, ok := s.Select(stakes, pubkeyFor)
	if ok {
		t.Errorf("expected no selection when total stake is zero")
	}
}

func TestSelect_IsDeterministicForFixedSeed(t *testing.T) {
	stakes := map[bt2ccrypto.Address]chain.Satoshi{
		{0x01}: chain.NewSatoshi(10),
		{0x02}: chain.NewSatoshi(20),
		{0x03}: chain.NewSatoshi(30),
	}
	s1 := NewSelector(fixedSeed(7))
	s2 := NewSelector(fixedSeed(7))
	a1, _ := s1.Select(stakes, pubkeyFor)
	a2, _ := s2.Select(stakes, pubkeyFor)
	if a1 != a2 {
		t.Errorf("expected identical seeds to produce identical selections")
	}
}

// TestSelect_ConvergesToStakeWeight exercises spec.md §8's chi-square style
// property at a coarse tolerance: over many rounds, a validator with much
// larger stake should win noticeably more often than one with tiny stake.
func TestSelect_ConvergesToStakeWeight(t *testing.T) {
	big := bt2ccrypto.Address{0x10}
	small := bt2ccrypto.Address{0x20}
	stakes := map[bt2ccrypto.Address]chain.Satoshi{
		big:   chain.NewSatoshi(900),
		small: chain.NewSatoshi(100),
	}

	wins := map[bt2ccrypto.Address]int{}
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		seedByte := byte(r.Intn(256))
		s := NewSelector(fixedSeed(seedByte))
		winner, ok := s.Select(stakes, pubkeyFor)
		if !ok {
			t.Fatalf("expected a selection")
		}
		wins[winner]++
	}

	if wins[big] <= wins[small] {
		t.Errorf("expected higher-stake validator to win more often: big=%d small=%d", wins[big], wins[small])
	}
}

func TestSelect_LargeSetUsesStreamingPath(t *testing.T) {
	stakes := make(map[bt2ccrypto.Address]chain.Satoshi, linearScanThreshold+1)
	for i := 0; i <= linearScanThreshold; i++ {
		var addr bt2ccrypto.Address
		addr[0] = byte(i)
		addr[1] = byte(i >> 8)
		stakes[addr] = chain.NewSatoshi(1)
	}
	s := NewSelector(fixedSeed(3))
	_, ok := s.Select(stakes, pubkeyFor)
	if !ok {
		t.Errorf("expected a selection from a large validator set")
	}
}
