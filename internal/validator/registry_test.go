package validator

import (
	"sync"
	"testing"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
)

// memKV is a trivial in-memory KV used only by tests, grounded on the
// registry's KV interface.
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

func TestRegistryRegisterEnforcesMinStake(t *testing.T) {
	r := NewRegistry(newMemKV(), chain.NewSatoshi(1))
	addr := bt2ccrypto.Address{0x01}
	if err := r.Register(addr, addr[:], chain.NewSatoshi(1)/2, time.Now()); err != ErrBelowMinStake {
		t.Errorf("expected ErrBelowMinStake, got %v", err)
	}
	if err := r.Register(addr, addr[:], chain.NewSatoshi(1), time.Now()); err != nil {
		t.Fatalf("expected registration to succeed, got %v", err)
	}
	if err := r.Register(addr, addr[:], chain.NewSatoshi(1), time.Now()); err != ErrAlreadyRegistered {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestRegistryTombstonedIsTerminal(t *testing.T) {
	r := NewRegistry(newMemKV(), chain.NewSatoshi(1))
	addr := bt2ccrypto.Address{0x02}
	if err := r.Register(addr, addr[:], chain.NewSatoshi(10), time.Now()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.UpdateStatus(addr, StatusTombstoned); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if err := r.UpdateStatus(addr, StatusActive); err != ErrTombstoned {
		t.Errorf("expected ErrTombstoned, got %v", err)
	}
}

func TestRegistryPostSlashForcesTombstone(t *testing.T) {
	r := NewRegistry(newMemKV(), chain.NewSatoshi(1))
	addr := bt2ccrypto.Address{0x03}
	if err := r.Register(addr, addr[:], chain.NewSatoshi(10), time.Now()); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.UpdateStake(addr, -chain.NewSatoshi(10)); err != nil {
		t.Fatalf("update stake failed: %v", err)
	}
	if err := r.UpdateStatus(addr, StatusInactive); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	v, err := r.Get(addr)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v.Status != StatusTombstoned || v.Stake != 0 {
		t.Errorf("expected forced tombstone with zero stake, got status=%s stake=%s", v.Status, v.Stake)
	}
}

func TestActiveStakesExcludesIneligible(t *testing.T) {
	r := NewRegistry(newMemKV(), chain.NewSatoshi(1))
	active := bt2ccrypto.Address{0x04}
	jailed := bt2ccrypto.Address{0x05}
	r.Register(active, active[:], chain.NewSatoshi(10), time.Now())
	r.Register(jailed, jailed[:], chain.NewSatoshi(10), time.Now())
	r.UpdateStatus(jailed, StatusJailed)

	stakes := r.ActiveStakes()
	if _, ok := stakes[active]; !ok {
		t.Errorf("expected active validator in ActiveStakes")
	}
	if _, ok := stakes[jailed]; ok {
		t.Errorf("expected jailed validator excluded from ActiveStakes")
	}
}
