// Package config loads enrd's runtime configuration from flags,
// environment variables, and an optional config file, the way the
// teacher's node layer binds spf13/cobra flags through spf13/viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the unified runtime configuration for an enrd node, covering
// every tunable named in spec.md §5/§6.
type Config struct {
	Region           string   `mapstructure:"region"`
	InitialCredits   uint64   `mapstructure:"initial_credits"`
	EnableConsensus  bool     `mapstructure:"enable_consensus"`
	BridgeSerial     string   `mapstructure:"bridge_serial"`
	BridgeTCP        string   `mapstructure:"bridge_tcp"`
	BridgeBLE        string   `mapstructure:"bridge_ble"`
	MaxHops          int      `mapstructure:"max_hops"`
	MeshBootstrap    []string `mapstructure:"mesh_bootstrap"`
	ListenPort       int      `mapstructure:"listen_port"`
	KeyPath          string   `mapstructure:"key_path"`
	StatusAddr       string   `mapstructure:"status_addr"`
	SnapshotPath     string   `mapstructure:"snapshot_path"`
	LedgerStorePath  string   `mapstructure:"ledger_store_path"`
	IPFSAPI          string   `mapstructure:"ipfs_api"`
	LogLevel         string   `mapstructure:"log_level"`
	BandwidthMbps    float64  `mapstructure:"bandwidth_mbps"`

	GradientInterval time.Duration `mapstructure:"gradient_interval"`
	CandidacyDelay   time.Duration `mapstructure:"candidacy_delay"`
	VoteDelay        time.Duration `mapstructure:"vote_delay"`
	FinalizeDelay    time.Duration `mapstructure:"finalize_delay"`
	MinBandwidthMbps float64       `mapstructure:"min_bandwidth_mbps"`

	DedupCacheSize    int           `mapstructure:"dedup_cache_size"`
	DedupTTL          time.Duration `mapstructure:"dedup_ttl"`
	ReassemblyTimeout time.Duration `mapstructure:"reassembly_timeout"`
	ReconnectCeiling  time.Duration `mapstructure:"reconnect_ceiling"`

	SnapshotInterval uint64 `mapstructure:"snapshot_interval"`
	SnapshotRetain   int    `mapstructure:"snapshot_retain"`
	// BalanceSnapshotPeriod is the wall-clock cadence for writing
	// --snapshot-path when consensus is disabled (no raft log index to
	// key a snapshot boundary off of).
	BalanceSnapshotPeriod time.Duration `mapstructure:"balance_snapshot_period"`
}

// Defaults matches spec.md's stated defaults (bridge hop limit 7, LoRa
// ceiling handled in pkg/bridge, dedup cache 10k, election phase timers)
// plus this implementation's own additions.
func Defaults() Config {
	return Config{
		Region:            "default",
		InitialCredits:    1000,
		MaxHops:           7,
		ListenPort:        4001,
		KeyPath:           "enr-node.key",
		StatusAddr:        ":8080",
		SnapshotPath:      "enr-snapshot.bin",
		LedgerStorePath:   "enr-ledger.db",
		IPFSAPI:           "localhost:5001",
		LogLevel:          "info",
		BandwidthMbps:     10,
		GradientInterval:  30 * time.Second,
		CandidacyDelay:    5 * time.Second,
		VoteDelay:         10 * time.Second,
		FinalizeDelay:     20 * time.Second,
		MinBandwidthMbps:  1,
		DedupCacheSize:    10000,
		DedupTTL:          5 * time.Minute,
		ReassemblyTimeout: 30 * time.Second,
		ReconnectCeiling:  1 * time.Minute,
		SnapshotInterval:      1000,
		SnapshotRetain:        3,
		BalanceSnapshotPeriod: 5 * time.Minute,
	}
}

// ErrConfig is returned by Validate for configuration errors, mapped by
// cmd/enrd to exit code 2 (spec.md §6).
type ErrConfig struct{ Reason string }

func (e *ErrConfig) Error() string { return fmt.Sprintf("config: %s", e.Reason) }

// Validate checks the cross-field invariants the CLI surface implies:
// exactly one bridge transport may be configured.
func (c Config) Validate() error {
	set := 0
	if c.BridgeSerial != "" {
		set++
	}
	if c.BridgeTCP != "" {
		set++
	}
	if c.BridgeBLE != "" {
		set++
	}
	if set > 1 {
		return &ErrConfig{Reason: "at most one of --bridge-serial, --bridge-tcp, --bridge-ble may be set"}
	}
	if c.MaxHops <= 0 {
		return &ErrConfig{Reason: "--max-hops must be positive"}
	}
	return nil
}

// BindFlags registers the core CLI surface (spec.md §6) on cmd and binds
// each flag through viper so ENR_* environment variables and a
// config file can override it.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	d := Defaults()

	flags := cmd.Flags()
	flags.String("region", d.Region, "nexus election region identifier")
	flags.Uint64("initial-credits", d.InitialCredits, "starting credit balance for a new node")
	flags.Bool("enable-consensus", false, "route transfers through the replicated command log")
	flags.String("bridge-serial", "", "LoRa bridge serial device path")
	flags.String("bridge-tcp", "", "LoRa bridge TCP radio address")
	flags.String("bridge-ble", "", "LoRa bridge BLE device name")
	flags.Int("max-hops", d.MaxHops, "maximum relay hop count for bridged frames")
	flags.StringSlice("mesh-bootstrap", nil, "bootstrap multiaddrs for mesh peer discovery")
	flags.Int("listen-port", d.ListenPort, "libp2p host listen port")
	flags.String("key-path", d.KeyPath, "path to this node's persisted identity key")
	flags.String("status-addr", d.StatusAddr, "status API listen address")
	flags.String("snapshot-path", d.SnapshotPath, "ledger snapshot file path")
	flags.String("ledger-store-path", d.LedgerStorePath, "sqlite transfer audit log path")
	flags.String("ipfs-api", d.IPFSAPI, "IPFS HTTP API address for content pinning")
	flags.String("log-level", d.LogLevel, "log level (debug, info, warn, error)")
	flags.Float64("bandwidth-mbps", d.BandwidthMbps, "configured uplink capacity reported in resource gradients")

	for _, name := range []string{
		"region", "initial-credits", "enable-consensus", "bridge-serial", "bridge-tcp", "bridge-ble",
		"max-hops", "mesh-bootstrap", "listen-port", "key-path", "status-addr", "snapshot-path", "ledger-store-path",
		"ipfs-api", "log-level", "bandwidth-mbps",
	} {
		if err := v.BindPFlag(mapstructureKey(name), flags.Lookup(name)); err != nil {
			return fmt.Errorf("config: bind flag %s: %w", name, err)
		}
	}
	return nil
}

func mapstructureKey(flagName string) string {
	key := make([]byte, 0, len(flagName))
	for _, r := range flagName {
		if r == '-' {
			key = append(key, '_')
			continue
		}
		key = append(key, byte(r))
	}
	return string(key)
}

// Load merges viper's bound flags/env/file state into a Config seeded
// with Defaults.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("ENR")
	v.AutomaticEnv()

	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
