package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
)

// KV is the persistence dependency the registry needs, grounded on
// pkg/ledger/store.go's KV interface, extended with Has/Delete; the
// registry itself calls only Get and Set.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Has(key []byte) (bool, error)
	Delete(key []byte) error
}

var keyValidatorPrefix = []byte("validator:")

func validatorKey(addr bt2ccrypto.Address) []byte {
	return append(append([]byte(nil), keyValidatorPrefix...), addr[:]...)
}

// Sentinel errors, grounded on pkg/ledger/errors.go's style.
var (
	ErrNotFound           = errors.New("validator: not found")
	ErrAlreadyRegistered  = errors.New("validator: already registered")
	ErrBelowMinStake      = errors.New("validator: stake below minimum")
	ErrTombstoned         = errors.New("validator: tombstoned, cannot transition")
)

// Registry is the single-owner store of validator state, per spec.md §4.2.
// An in-memory index mirrors the KV store for fast reads/iteration; all
// mutations go through persist, which rolls back the in-memory change on
// a KV failure (spec.md §7 "Persistence ... triggers rollback").
type Registry struct {
	mu        sync.RWMutex
	kv        KV
	byAddress map[bt2ccrypto.Address]*Validator
	minStake  chain.Satoshi
}

// NewRegistry constructs a Registry backed by kv, loading any
// previously-persisted validators is left to callers (LoadOne) so startup
// ordering stays explicit rather than implicit in the constructor.
func NewRegistry(kv KV, minStake chain.Satoshi) *Registry {
	return &Registry{
		kv:        kv,
		byAddress: make(map[bt2ccrypto.Address]*Validator),
		minStake:  minStake,
	}
}

// persist writes v to the KV store; on failure the in-memory map is rolled
// back to before the in-place mutation by restoring a copy taken by the
// caller.
func (r *Registry) persist(v *Validator) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("validator: marshal: %w", err)
	}
	if err := r.kv.Set(validatorKey(v.Address), raw); err != nil {
		return fmt.Errorf("validator: persist: %w", err)
	}
	return nil
}

// Register admits a new validator, enforcing min_stake on admission per
// spec.md §4.2.
func (r *Registry) Register(addr bt2ccrypto.Address, pubkey []byte, stake chain.Satoshi, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byAddress[addr]; ok {
		return ErrAlreadyRegistered
	}
	if stake < r.minStake {
		return ErrBelowMinStake
	}

	v := NewValidator(addr, pubkey, stake, now)
	if err := r.persist(v); err != nil {
		return err
	}
	r.byAddress[addr] = v
	return nil
}

// UpdateStake adjusts a validator's stake by delta (positive or negative),
// rolling back on persistence failure.
func (r *Registry) UpdateStake(addr bt2ccrypto.Address, delta chain.Satoshi) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byAddress[addr]
	if !ok {
		return ErrNotFound
	}
	before := *v
	v.Stake += delta
	if err := r.persist(v); err != nil {
		*v = before
		return err
	}
	return nil
}

// UpdateStatus transitions a validator's status, enforcing that
// TOMBSTONED is terminal and that post-slash demotions below min_stake
// force TOMBSTONED, per spec.md §3/§4.2.
func (r *Registry) UpdateStatus(addr bt2ccrypto.Address, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.byAddress[addr]
	if !ok {
		return ErrNotFound
	}
	if v.Status == StatusTombstoned {
		return ErrTombstoned
	}
	before := *v
	v.Status = status
	// Any demotion that leaves stake below min_stake is forced to
	// TOMBSTONED with stake zeroed, per spec.md §4.5's post-slash rule —
	// this applies to JAILED as much as INACTIVE/TOMBSTONED, since a
	// slashing penalty can push stake below the floor independently of
	// which status the penalty itself requests.
	if status != StatusActive && v.Stake < r.minStake {
		v.Status = StatusTombstoned
		v.Stake = 0
	}
	if err := r.persist(v); err != nil {
		*v = before
		return err
	}
	return nil
}

// Get returns a copy of the validator at addr.
func (r *Registry) Get(addr bt2ccrypto.Address) (*Validator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byAddress[addr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// Iterate walks every validator in address order, stopping early if fn
// returns false. Address order makes iteration deterministic across nodes,
// which matters for the deterministic tie-break VRF selection relies on.
func (r *Registry) Iterate(fn func(*Validator) bool) {
	r.mu.RLock()
	addrs := make([]bt2ccrypto.Address, 0, len(r.byAddress))
	for a := range r.byAddress {
		addrs = append(addrs, a)
	}
	r.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool {
		for k := 0; k < len(addrs[i]); k++ {
			if addrs[i][k] != addrs[j][k] {
				return addrs[i][k] < addrs[j][k]
			}
		}
		return false
	})

	for _, a := range addrs {
		r.mu.RLock()
		v, ok := r.byAddress[a]
		var cp Validator
		if ok {
			cp = *v
		}
		r.mu.RUnlock()
		if !ok {
			continue
		}
		if !fn(&cp) {
			return
		}
	}
}

// ActiveStakes returns the eligible set as spec.md §4.3 needs it: address
// → stake, for ACTIVE validators with stake >= min_stake.
func (r *Registry) ActiveStakes() map[bt2ccrypto.Address]chain.Satoshi {
	out := make(map[bt2ccrypto.Address]chain.Satoshi)
	r.Iterate(func(v *Validator) bool {
		if v.IsEligible(r.minStake) {
			out[v.Address] = v.Stake
		}
		return true
	})
	return out
}

// PublicKeyOf returns the stored public key for addr, or nil if unknown.
// It is shaped to satisfy pos.PubKeyLookup directly.
func (r *Registry) PublicKeyOf(addr bt2ccrypto.Address) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byAddress[addr]
	if !ok {
		return nil
	}
	return v.PublicKey
}

// LoadOne reloads a single validator's in-memory entry from the KV store,
// used after an external process (e.g. genesis import) writes directly to
// the backing store.
func (r *Registry) LoadOne(addr bt2ccrypto.Address) error {
	raw, err := r.kv.Get(validatorKey(addr))
	if err != nil {
		return fmt.Errorf("validator: load: %w", err)
	}
	if raw == nil {
		return ErrNotFound
	}
	var v Validator
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("validator: unmarshal: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddress[addr] = &v
	return nil
}
