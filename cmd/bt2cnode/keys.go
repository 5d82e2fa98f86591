package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/bt2c/bt2c-core/internal/config"
)

// loadOrGenerateEd25519Key loads the node's signing key from
// cfg.Ed25519KeyPath, generating and persisting a fresh one on first run.
// The key is never derived from the node ID or any other predictable
// value.
func loadOrGenerateEd25519Key(cfg *config.Config, logger *log.Logger) (ed25519.PrivateKey, error) {
	keyPath := cfg.Ed25519KeyPath
	if keyPath == "" {
		dataDir := cfg.DataDir
		if dataDir == "" {
			dataDir = "./data"
		}
		keyPath = filepath.Join(dataDir, "ed25519_key.hex")
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		logger.Printf("generating new ed25519 key at %s", keyPath)
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ed25519 key: %w", err)
		}
		if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(priv)), 0600); err != nil {
			return nil, fmt.Errorf("save ed25519 key to %s: %w", keyPath, err)
		}
		return priv, nil
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read ed25519 key from %s: %w", keyPath, err)
	}
	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 key from %s: %w", keyPath, err)
	}
	if len(keyBytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key size: expected %d, got %d", ed25519.PrivateKeySize, len(keyBytes))
	}
	return ed25519.PrivateKey(keyBytes), nil
}

func randomSeed() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}
