package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	os.Unsetenv("BT2C_NETWORK")
	os.Unsetenv("BT2C_MIN_STAKE_SATOSHI")

	cfg := Load()
	if cfg.NetworkTag != "devnet" {
		t.Errorf("expected default network devnet, got %s", cfg.NetworkTag)
	}
	if cfg.MinStake != 100_000_000 {
		t.Errorf("expected default min stake 100000000, got %d", cfg.MinStake)
	}
	if cfg.SyncChunkSize != 100 {
		t.Errorf("expected default sync chunk size 100, got %d", cfg.SyncChunkSize)
	}
}

func TestLoad_ReadsEnvOverrides(t *testing.T) {
	os.Setenv("BT2C_NETWORK", "mainnet")
	os.Setenv("BT2C_MIN_STAKE_SATOSHI", "500000000")
	defer os.Unsetenv("BT2C_NETWORK")
	defer os.Unsetenv("BT2C_MIN_STAKE_SATOSHI")

	cfg := Load()
	if cfg.NetworkTag != "mainnet" {
		t.Errorf("expected mainnet, got %s", cfg.NetworkTag)
	}
	if cfg.MinStake != 500_000_000 {
		t.Errorf("expected overridden min stake, got %d", cfg.MinStake)
	}
}

func TestValidate_RejectsMissingNodeID(t *testing.T) {
	cfg := Load()
	cfg.NodeID = ""
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected validation error for missing node id")
	}
}

func TestValidate_RejectsUnknownNetworkTag(t *testing.T) {
	cfg := Load()
	cfg.NodeID = "node-1"
	cfg.NetworkTag = "not-a-real-network"
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected validation error for unknown network tag")
	}
}

func TestLoadProfile_SubstitutesEnvVars(t *testing.T) {
	os.Setenv("TEST_BT2C_NODE_ID", "profile-node-1")
	defer os.Unsetenv("TEST_BT2C_NODE_ID")

	path := filepath.Join(t.TempDir(), "profile.yaml")
	contents := `
network: testnet
node_id: ${TEST_BT2C_NODE_ID}
p2p:
  listen_addr: 0.0.0.0:27000
  discovery_port: 27001
consensus:
  clock_skew: 15s
  min_stake_satoshi: 200000000
slashing:
  jail_time: 48h
sync:
  interval: ${TEST_BT2C_SYNC_INTERVAL:-10m}
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	profile, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load profile: %v", err)
	}
	if profile.NodeID != "profile-node-1" {
		t.Errorf("expected substituted node id, got %q", profile.NodeID)
	}
	if profile.Consensus.ClockSkew.Duration() != 15*time.Second {
		t.Errorf("expected 15s clock skew, got %v", profile.Consensus.ClockSkew.Duration())
	}
	if profile.Sync.Interval.Duration() != 10*time.Minute {
		t.Errorf("expected default-substituted 10m sync interval, got %v", profile.Sync.Interval.Duration())
	}

	base := Load()
	merged := profile.ToConfig(base)
	if merged.NetworkTag != "testnet" {
		t.Errorf("expected profile network to override base, got %s", merged.NetworkTag)
	}
	if merged.DiscoveryPort != 27001 {
		t.Errorf("expected profile discovery port to override base, got %d", merged.DiscoveryPort)
	}
	if merged.JailTime != 48*time.Hour {
		t.Errorf("expected profile jail time to override base, got %v", merged.JailTime)
	}
}
