package slashing

import (
	"sync"
	"testing"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
	"github.com/bt2c/bt2c-core/internal/validator"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemKV() *memKV { return &memKV{data: make(map[string][]byte)} }

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)], nil
}
func (m *memKV) Set(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = append([]byte(nil), value...)
	return nil
}
func (m *memKV) Has(key []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[string(key)]
	return ok, nil
}
func (m *memKV) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

func newTestRegistry(t *testing.T, addr bt2ccrypto.Address, stake chain.Satoshi) *validator.Registry {
	t.Helper()
	r := validator.NewRegistry(newMemKV(), chain.NewSatoshi(1))
	if err := r.Register(addr, addr[:], stake, time.Now()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return r
}

func TestApply_DoubleSigningTombstonesAndZeroesStake(t *testing.T) {
	addr := bt2ccrypto.Address{0x01}
	r := newTestRegistry(t, addr, chain.NewSatoshi(100))
	m := NewManager(r)

	rec, err := m.Apply(addr, ReasonDoubleSigning, time.Now())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if rec.Percentage != 100 {
		t.Errorf("expected 100%% penalty, got %v", rec.Percentage)
	}
	v, _ := r.Get(addr)
	if v.Status != validator.StatusTombstoned || v.Stake != 0 {
		t.Errorf("expected tombstoned with zero stake, got status=%s stake=%s", v.Status, v.Stake)
	}
}

func TestApply_ByzantineJailsWithHalfStake(t *testing.T) {
	addr := bt2ccrypto.Address{0x02}
	r := newTestRegistry(t, addr, chain.NewSatoshi(100))
	m := NewManager(r)

	if _, err := m.Apply(addr, ReasonByzantine, time.Now()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	v, _ := r.Get(addr)
	if v.Status != validator.StatusJailed {
		t.Errorf("expected jailed, got %s", v.Status)
	}
	if v.Stake != chain.NewSatoshi(50) {
		t.Errorf("expected half stake remaining, got %s", v.Stake)
	}
}

func TestApply_PostSlashBelowMinStakeForcesTombstone(t *testing.T) {
	addr := bt2ccrypto.Address{0x03}
	r := newTestRegistry(t, addr, chain.NewSatoshi(1))
	m := NewManager(r)

	// Downtime removes 20% of a stake already at the registry floor,
	// which must force TOMBSTONED instead of leaving it JAILED.
	if _, err := m.Apply(addr, ReasonDowntime, time.Now()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	v, _ := r.Get(addr)
	if v.Status != validator.StatusTombstoned || v.Stake != 0 {
		t.Errorf("expected forced tombstone below min stake, got status=%s stake=%s", v.Status, v.Stake)
	}
}

func TestCheckJailRelease_ReleasesExpiredJails(t *testing.T) {
	addr := bt2ccrypto.Address{0x04}
	r := newTestRegistry(t, addr, chain.NewSatoshi(100))
	m := NewManager(r)
	m.SetParams(Params{ByzantineThreshold: 0.3, DowntimeThreshold: 50, JailTime: time.Minute})

	now := time.Now()
	if _, err := m.Apply(addr, ReasonByzantine, now); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if released := m.CheckJailRelease(now); len(released) != 0 {
		t.Errorf("expected no release before jail time elapses, got %v", released)
	}
	released := m.CheckJailRelease(now.Add(2 * time.Minute))
	if len(released) != 1 || released[0] != addr {
		t.Errorf("expected %s to be released, got %v", bt2ccrypto.AddressString(addr), released)
	}
	v, _ := r.Get(addr)
	if v.Status != validator.StatusActive {
		t.Errorf("expected validator active after release, got %s", v.Status)
	}
}

func TestDetectDoubleSigning_FlagsConflictingHashesAtSameHeight(t *testing.T) {
	addr := bt2ccrypto.Address{0x05}
	r := newTestRegistry(t, addr, chain.NewSatoshi(100))
	m := NewManager(r)

	b1 := &chain.Block{Index: 10, Validator: addr, Network: "bt2c-test", Nonce: 1}
	b1.RecomputeMerkleRoot()
	b2 := &chain.Block{Index: 10, Validator: addr, Network: "bt2c-test", Nonce: 2}
	b2.RecomputeMerkleRoot()

	ev := m.DetectDoubleSigning([]*chain.Block{b1, b2})
	if len(ev) != 1 {
		t.Fatalf("expected one double-sign evidence pair, got %d", len(ev))
	}
	if ev[0].Validator != addr || ev[0].Height != 10 {
		t.Errorf("unexpected evidence: %+v", ev[0])
	}
}

func TestObserveBlock_IncrementsOtherValidatorsMissCount(t *testing.T) {
	addrA := bt2ccrypto.Address{0x06}
	addrB := bt2ccrypto.Address{0x07}
	r := newTestRegistry(t, addrA, chain.NewSatoshi(100))
	r.Register(addrB, addrB[:], chain.NewSatoshi(100), time.Now())
	m := NewManager(r)
	m.SetParams(Params{ByzantineThreshold: 0.3, DowntimeThreshold: 3, JailTime: time.Hour})

	active := []bt2ccrypto.Address{addrA, addrB}
	for i := int64(0); i < 3; i++ {
		b := &chain.Block{Index: i, Validator: addrA, Network: "bt2c-test"}
		b.RecomputeMerkleRoot()
		m.ObserveBlock(b, active)
	}

	violators := m.DowntimeViolators()
	if len(violators) != 1 || violators[0] != addrB {
		t.Errorf("expected addrB flagged for downtime, got %v", violators)
	}
}
