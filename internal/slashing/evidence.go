package slashing

import (
	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
)

// Reason names the misbehavior a slashing_history record attributes a
// penalty to, per spec.md §4.5.
type Reason string

const (
	ReasonDoubleSigning Reason = "double_signing"
	ReasonByzantine     Reason = "byzantine_behavior"
	ReasonDowntime      Reason = "downtime"
)

// DoubleSignEvidence records two distinct block hashes a validator
// produced at the same height.
type DoubleSignEvidence struct {
	Validator bt2ccrypto.Address `json:"validator"`
	Height    int64               `json:"height"`
	HashA     bt2ccrypto.Hash256  `json:"hash_a"`
	HashB     bt2ccrypto.Hash256  `json:"hash_b"`
}

// livenessState is the per-validator liveness counter spec.md §4.5 names
// as "(last_height, consecutive_missed)".
type livenessState struct {
	LastHeight       int64
	ConsecutiveMissed int64
}

// HistoryRecord is the single slashing_history entry spec.md §4.5 requires
// per penalty application.
type HistoryRecord struct {
	Validator  bt2ccrypto.Address `json:"validator"`
	Reason     Reason             `json:"reason"`
	Percentage float64            `json:"percentage"`
	Amount     chain.Satoshi      `json:"amount"`
	NewStatus  string             `json:"new_status"`
	Timestamp  int64              `json:"timestamp"`
}
