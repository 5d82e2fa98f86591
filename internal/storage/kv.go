// Package storage adapts general-purpose key-value engines to the KV
// interface the validator registry depends on.
package storage

import (
	dbm "github.com/cometbft/cometbft-db"
)

// KVAdapter wraps a cometbft-db dbm.DB, grounded on the teacher's
// pkg/kvdb/adapter.go (KVAdapter wrapping dbm.DB for ledger.KV).
type KVAdapter struct {
	db dbm.DB
}

// NewKVAdapter constructs a KVAdapter over db.
func NewKVAdapter(db dbm.DB) *KVAdapter {
	return &KVAdapter{db: db}
}

// Get implements the validator.KV contract.
func (a *KVAdapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Set durably writes key/value, using SetSync so state survives a crash
// immediately after a block commit.
func (a *KVAdapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.SetSync(key, value)
}

// Has reports whether key is present.
func (a *KVAdapter) Has(key []byte) (bool, error) {
	if a.db == nil {
		return false, nil
	}
	return a.db.Has(key)
}

// Delete removes key.
func (a *KVAdapter) Delete(key []byte) error {
	if a.db == nil {
		return nil
	}
	return a.db.DeleteSync(key)
}
