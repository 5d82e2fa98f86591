// Package slashing detects validator misbehavior (double-signing,
// Byzantine block production, liveness failures) and applies the
// corresponding stake penalties, per spec.md §4.5. Its sentinel-error
// style is grounded on pkg/ledger/errors.go; its persist-then-rollback
// discipline is grounded on the single-writer concurrency comment on
// pkg/ledger/store.go's LedgerStore.
package slashing

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
	"github.com/bt2c/bt2c-core/internal/logging"
	"github.com/bt2c/bt2c-core/internal/metrics"
	"github.com/bt2c/bt2c-core/internal/validator"
)

// ErrInvalidParam is returned by SetParams when a field is out of range.
var ErrInvalidParam = errors.New("slashing: parameter out of range")

// Params are the tunable thresholds spec.md §4.5 names, updated only
// through SetParams's typed, range-checked setter.
type Params struct {
	ByzantineThreshold float64       // default 0.30
	DowntimeThreshold  int64         // default 50
	JailTime           time.Duration // default 7 days
}

// DefaultParams returns spec.md §4.5's stated defaults.
func DefaultParams() Params {
	return Params{
		ByzantineThreshold: 0.30,
		DowntimeThreshold:  50,
		JailTime:           7 * 24 * time.Hour,
	}
}

// Penalty percentages, expressed as basis points of current stake (10000
// = 100%) to keep amount arithmetic exact, per spec.md §4.5.
const (
	bpDoubleSigning = 10000
	bpByzantine     = 5000
	bpDowntime      = 2000
)

// Manager is the single owner of slashing evidence and jail state, per
// spec.md §4.5. It mutates validator stake/status directly through a
// *validator.Registry rather than a callback, since penalty application is
// inherently a registry write, not a pluggable policy.
type Manager struct {
	mu sync.Mutex

	registry *validator.Registry
	params   Params

	doubleSignEvidence map[bt2ccrypto.Address][]DoubleSignEvidence
	byzantineBlocks    map[bt2ccrypto.Address][]int64
	liveness           map[bt2ccrypto.Address]*livenessState
	jailedUntil        map[bt2ccrypto.Address]time.Time
	history            []HistoryRecord

	logger  *log.Logger
	metrics *metrics.Registry
}

// SetMetrics attaches a metrics.Registry the manager reports through;
// nil (the default) disables instrumentation entirely.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// NewManager constructs a Manager over registry with spec.md §4.5's
// default parameters.
func NewManager(registry *validator.Registry) *Manager {
	return &Manager{
		registry:           registry,
		params:             DefaultParams(),
		doubleSignEvidence: make(map[bt2ccrypto.Address][]DoubleSignEvidence),
		byzantineBlocks:    make(map[bt2ccrypto.Address][]int64),
		liveness:           make(map[bt2ccrypto.Address]*livenessState),
		jailedUntil:        make(map[bt2ccrypto.Address]time.Time),
		logger:             logging.New("Slashing"),
	}
}

// SetParams validates and replaces the manager's parameters. Out-of-range
// values are rejected entirely rather than clamped, per spec.md §4.5's
// "typed setter that rejects out-of-range values".
func (m *Manager) SetParams(p Params) error {
	if p.ByzantineThreshold <= 0 || p.ByzantineThreshold > 1 {
		return fmt.Errorf("%w: byzantine_threshold must be in (0,1]", ErrInvalidParam)
	}
	if p.DowntimeThreshold <= 0 {
		return fmt.Errorf("%w: downtime_threshold must be positive", ErrInvalidParam)
	}
	if p.JailTime <= 0 {
		return fmt.Errorf("%w: jail_time must be positive", ErrInvalidParam)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.params = p
	return nil
}

// History returns a copy of the slashing_history log accumulated so far.
func (m *Manager) History() []HistoryRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryRecord, len(m.history))
	copy(out, m.history)
	return out
}

type blockKey struct {
	height    int64
	validator bt2ccrypto.Address
}

// DetectDoubleSigning scans blocks for two distinct hashes at the same
// (height, validator) key, recording an evidence pair and a WARN log for
// each, per spec.md §4.5.
func (m *Manager) DetectDoubleSigning(blocks []*chain.Block) []DoubleSignEvidence {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[blockKey]bt2ccrypto.Hash256, len(blocks))
	var found []DoubleSignEvidence
	for _, b := range blocks {
		h, err := b.Hash()
		if err != nil {
			continue
		}
		key := blockKey{b.Index, b.Validator}
		prior, ok := seen[key]
		if !ok {
			seen[key] = h
			continue
		}
		if prior == h {
			continue
		}
		ev := DoubleSignEvidence{Validator: b.Validator, Height: b.Index, HashA: prior, HashB: h}
		m.doubleSignEvidence[b.Validator] = append(m.doubleSignEvidence[b.Validator], ev)
		found = append(found, ev)
		m.logger.Printf("WARN double-sign evidence: validator=%s height=%d", bt2ccrypto.AddressString(b.Validator), b.Index)
	}
	return found
}

// DetectByzantine groups blocks by producer and flags a validator as
// Byzantine when the fraction of its blocks whose invalid-transaction
// ratio exceeds ByzantineThreshold itself exceeds ByzantineThreshold, per
// spec.md §4.5. txValidate checks a single transaction's double-spend,
// replay, signature, and format validity.
func (m *Manager) DetectByzantine(blocks []*chain.Block, txValidate chain.TxValidateFunc) []bt2ccrypto.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	byValidator := make(map[bt2ccrypto.Address][]*chain.Block)
	for _, b := range blocks {
		byValidator[b.Validator] = append(byValidator[b.Validator], b)
	}

	var byzantine []bt2ccrypto.Address
	for addr, produced := range byValidator {
		flagged := 0
		for _, b := range produced {
			if len(b.Transactions) == 0 {
				continue
			}
			invalid := 0
			for _, tx := range b.Transactions {
				if txValidate != nil && txValidate(tx) != nil {
					invalid++
				}
			}
			ratio := float64(invalid) / float64(len(b.Transactions))
			if ratio > m.params.ByzantineThreshold {
				flagged++
				m.byzantineBlocks[addr] = append(m.byzantineBlocks[addr], b.Index)
			}
		}
		if float64(flagged)/float64(len(produced)) > m.params.ByzantineThreshold {
			byzantine = append(byzantine, addr)
		}
	}
	return byzantine
}

// ObserveBlock updates liveness bookkeeping: the producer's consecutive
// miss count resets to zero, and every other known active validator's
// count increments by one, per spec.md §4.5.
func (m *Manager) ObserveBlock(block *chain.Block, activeValidators []bt2ccrypto.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	producerState := m.liveness[block.Validator]
	if producerState == nil {
		producerState = &livenessState{}
		m.liveness[block.Validator] = producerState
	}
	producerState.LastHeight = block.Index
	producerState.ConsecutiveMissed = 0

	for _, addr := range activeValidators {
		if addr == block.Validator {
			continue
		}
		st := m.liveness[addr]
		if st == nil {
			st = &livenessState{LastHeight: block.Index}
			m.liveness[addr] = st
		}
		st.ConsecutiveMissed++
	}
}

// DowntimeViolators returns validators whose consecutive-missed count has
// reached DowntimeThreshold.
func (m *Manager) DowntimeViolators() []bt2ccrypto.Address {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []bt2ccrypto.Address
	for addr, st := range m.liveness {
		if st.ConsecutiveMissed >= m.params.DowntimeThreshold {
			out = append(out, addr)
		}
	}
	return out
}

// Apply penalizes addr for reason, updating stake and status on the
// registry and emitting a slashing_history record, per spec.md §4.5. On
// any persistence failure the stake change is reverted and the error
// surfaces without a history record.
func (m *Manager) Apply(addr bt2ccrypto.Address, reason Reason, now time.Time) (HistoryRecord, error) {
	m.mu.Lock()
	params := m.params
	m.mu.Unlock()

	v, err := m.registry.Get(addr)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("slashing: lookup %s: %w", bt2ccrypto.AddressString(addr), err)
	}

	var bp int64
	var newStatus validator.Status
	switch reason {
	case ReasonDoubleSigning:
		bp, newStatus = bpDoubleSigning, validator.StatusTombstoned
	case ReasonByzantine:
		bp, newStatus = bpByzantine, validator.StatusJailed
	case ReasonDowntime:
		bp, newStatus = bpDowntime, validator.StatusJailed
	default:
		return HistoryRecord{}, fmt.Errorf("slashing: unknown reason %q", reason)
	}

	amount := chain.Satoshi(int64(v.Stake) * bp / 10000)
	if err := m.registry.UpdateStake(addr, -amount); err != nil {
		return HistoryRecord{}, fmt.Errorf("slashing: update stake: %w", err)
	}
	if err := m.registry.UpdateStatus(addr, newStatus); err != nil {
		// Roll back the stake change so the two writes stay atomic from
		// the caller's perspective.
		_ = m.registry.UpdateStake(addr, amount)
		return HistoryRecord{}, fmt.Errorf("slashing: update status: %w", err)
	}

	if newStatus == validator.StatusJailed {
		m.mu.Lock()
		m.jailedUntil[addr] = now.Add(params.JailTime)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.JailedCurrently.Inc()
		}
	}
	if m.metrics != nil {
		m.metrics.SlashingEvents.WithLabelValues(string(reason)).Inc()
	}

	after, err := m.registry.Get(addr)
	finalStatus := string(newStatus)
	if err == nil {
		finalStatus = string(after.Status)
	}

	record := HistoryRecord{
		Validator:  addr,
		Reason:     reason,
		Percentage: float64(bp) / 100,
		Amount:     amount,
		NewStatus:  finalStatus,
		Timestamp:  now.Unix(),
	}
	m.mu.Lock()
	m.history = append(m.history, record)
	m.mu.Unlock()

	return record, nil
}

// CheckJailRelease releases every validator whose jail term has expired
// and who is still JAILED, transitioning it back to ACTIVE, per spec.md
// §4.5's check_jail_release().
func (m *Manager) CheckJailRelease(now time.Time) []bt2ccrypto.Address {
	m.mu.Lock()
	candidates := make(map[bt2ccrypto.Address]time.Time, len(m.jailedUntil))
	for addr, release := range m.jailedUntil {
		candidates[addr] = release
	}
	m.mu.Unlock()

	var released []bt2ccrypto.Address
	for addr, release := range candidates {
		if now.Before(release) {
			continue
		}
		v, err := m.registry.Get(addr)
		if err != nil || v.Status != validator.StatusJailed {
			m.mu.Lock()
			delete(m.jailedUntil, addr)
			m.mu.Unlock()
			continue
		}
		if err := m.registry.UpdateStatus(addr, validator.StatusActive); err != nil {
			continue
		}
		m.mu.Lock()
		delete(m.jailedUntil, addr)
		m.mu.Unlock()
		if m.metrics != nil {
			m.metrics.JailedCurrently.Dec()
		}
		released = append(released, addr)
	}
	return released
}

// CheckAndApplySlashing composes the three detectors over blocks and
// activeValidators, applying penalties and returning every slashed
// address, per spec.md §4.5's check_and_apply_slashing().
func (m *Manager) CheckAndApplySlashing(blocks []*chain.Block, activeValidators []bt2ccrypto.Address, txValidate chain.TxValidateFunc, now time.Time) []bt2ccrypto.Address {
	doubleSigners := m.DetectDoubleSigning(blocks)
	byzantine := m.DetectByzantine(blocks, txValidate)
	for _, b := range blocks {
		m.ObserveBlock(b, activeValidators)
	}
	downtime := m.DowntimeViolators()

	slashed := make(map[bt2ccrypto.Address]bool)
	var out []bt2ccrypto.Address
	apply := func(addr bt2ccrypto.Address, reason Reason) {
		if slashed[addr] {
			return
		}
		if _, err := m.Apply(addr, reason, now); err != nil {
			m.logger.Printf("slash %s for %s failed: %v", bt2ccrypto.AddressString(addr), reason, err)
			return
		}
		slashed[addr] = true
		out = append(out, addr)
	}

	for _, ev := range doubleSigners {
		apply(ev.Validator, ReasonDoubleSigning)
	}
	for _, addr := range byzantine {
		apply(addr, ReasonByzantine)
	}
	for _, addr := range downtime {
		apply(addr, ReasonDowntime)
	}
	return out
}
