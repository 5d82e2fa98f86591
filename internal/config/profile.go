package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a named node configuration loaded from a YAML file, for
// operators running more than one node from shared profile templates
// (e.g. "validator-mainnet.yaml", "seed-testnet.yaml").
type Profile struct {
	Network   string          `yaml:"network"`
	NodeID    string          `yaml:"node_id"`
	DataDir   string          `yaml:"data_dir"`
	P2P       P2PProfile      `yaml:"p2p"`
	Consensus ConsensusProfile `yaml:"consensus"`
	Slashing  SlashingProfile `yaml:"slashing"`
	Sync      SyncProfile     `yaml:"sync"`
	Storage   StorageProfile  `yaml:"storage"`
}

type P2PProfile struct {
	ListenAddr      string   `yaml:"listen_addr"`
	DiscoveryPort   int      `yaml:"discovery_port"`
	SeedPeers       []string `yaml:"seed_peers"`
	MaxPeers        int      `yaml:"max_peers"`
}

type ConsensusProfile struct {
	ClockSkew Duration `yaml:"clock_skew"`
	MinStake  int64    `yaml:"min_stake_satoshi"`
}

type SlashingProfile struct {
	ByzantineThreshold float64  `yaml:"byzantine_threshold"`
	DowntimeThreshold  int      `yaml:"downtime_threshold"`
	JailTime           Duration `yaml:"jail_time"`
}

type SyncProfile struct {
	ChunkSize int      `yaml:"chunk_size"`
	Interval  Duration `yaml:"interval"`
}

type StorageProfile struct {
	DatabaseURL string `yaml:"database_url"`
}

// Duration wraps time.Duration so YAML profiles can use Go duration
// strings ("5m", "10s") directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// envVarPattern matches ${VAR_NAME} or ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(groups[1]); value != "" {
			return value
		}
		return defaultValue
	})
}

// LoadProfile reads a YAML node profile from path, substituting
// ${VAR_NAME} / ${VAR_NAME:-default} references against the process
// environment before parsing.
func LoadProfile(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profile %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(raw))

	var p Profile
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	return &p, nil
}

// ToConfig overlays the profile's values onto base, returning a new
// Config (base is left unmodified). Zero-valued profile fields leave
// base's value in place.
func (p *Profile) ToConfig(base *Config) *Config {
	out := *base
	if p.Network != "" {
		out.NetworkTag = p.Network
	}
	if p.NodeID != "" {
		out.NodeID = p.NodeID
	}
	if p.DataDir != "" {
		out.DataDir = p.DataDir
	}
	if p.P2P.ListenAddr != "" {
		out.ListenAddr = p.P2P.ListenAddr
	}
	if p.P2P.DiscoveryPort != 0 {
		out.DiscoveryPort = p.P2P.DiscoveryPort
	}
	if p.P2P.MaxPeers != 0 {
		out.MaxConnectedPeers = p.P2P.MaxPeers
	}
	if p.Consensus.ClockSkew != 0 {
		out.ClockSkewTolerance = p.Consensus.ClockSkew.Duration()
	}
	if p.Consensus.MinStake != 0 {
		out.MinStake = p.Consensus.MinStake
	}
	if p.Slashing.ByzantineThreshold != 0 {
		out.ByzantineThreshold = p.Slashing.ByzantineThreshold
	}
	if p.Slashing.DowntimeThreshold != 0 {
		out.DowntimeThreshold = p.Slashing.DowntimeThreshold
	}
	if p.Slashing.JailTime != 0 {
		out.JailTime = p.Slashing.JailTime.Duration()
	}
	if p.Sync.ChunkSize != 0 {
		out.SyncChunkSize = p.Sync.ChunkSize
	}
	if p.Sync.Interval != 0 {
		out.PeriodicSyncEvery = p.Sync.Interval.Duration()
	}
	if p.Storage.DatabaseURL != "" {
		out.DatabaseURL = p.Storage.DatabaseURL
	}
	return &out
}
