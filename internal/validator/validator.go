// Package validator implements the validator registry: stake, status, and
// performance metrics per validator, persisted through a KV store.
package validator

import (
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
)

// Status enumerates a validator's participation state, per spec.md §3.
type Status string

const (
	StatusActive     Status = "ACTIVE"
	StatusInactive   Status = "INACTIVE"
	StatusJailed     Status = "JAILED"
	StatusTombstoned Status = "TOMBSTONED"
	StatusUnstaking  Status = "UNSTAKING"
)

// Validator holds everything the consensus, slashing, and sync components
// need about one participant, per spec.md §3.
type Validator struct {
	Address             bt2ccrypto.Address `json:"address"`
	PublicKey           []byte             `json:"public_key"`
	Stake               chain.Satoshi      `json:"stake"`
	Status              Status             `json:"status"`
	LastBlockTime       int64              `json:"last_block_time"`
	TotalBlocks         uint64             `json:"total_blocks"`
	RewardsEarned       chain.Satoshi      `json:"rewards_earned"`
	CommissionRate      float64            `json:"commission_rate"`
	JoinedAt            int64              `json:"joined_at"`
	Uptime              float64            `json:"uptime"`
	ResponseTime        float64            `json:"response_time_ms"`
	ValidationAccuracy  float64            `json:"validation_accuracy"`
	ParticipationDuration int64            `json:"participation_duration"`
	Throughput          float64            `json:"throughput"`

	// Unstake exit-queue fields. spec.md §9 leaves queue mechanics
	// unspecified; UNSTAKING validators are simply ineligible for
	// selection (see IsEligible and Registry.ActiveStakes).
	UnstakeRequestedAt int64         `json:"unstake_requested_at,omitempty"`
	UnstakeAmount      chain.Satoshi `json:"unstake_amount,omitempty"`
}

// IsEligible reports whether v may be selected to propose a block, per
// spec.md §3: "eligible for selection iff status = ACTIVE and stake >=
// min_stake".
func (v *Validator) IsEligible(minStake chain.Satoshi) bool {
	return v.Status == StatusActive && v.Stake >= minStake
}

// NewValidator constructs a freshly-joined validator record. pubkey is the
// Ed25519 public key the address was derived from; the registry keeps it
// around because ProofOfScale's VRF is computed over the stable pubkey
// rather than the address (see pos.PubKeyLookup).
func NewValidator(addr bt2ccrypto.Address, pubkey []byte, stake chain.Satoshi, now time.Time) *Validator {
	return &Validator{
		Address:   addr,
		PublicKey: append([]byte(nil), pubkey...),
		Stake:     stake,
		Status:    StatusActive,
		JoinedAt:  now.Unix(),
	}
}
