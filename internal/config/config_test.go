package config

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestValidateRejectsMultipleBridgeTransports(t *testing.T) {
	cfg := Defaults()
	cfg.BridgeSerial = "/dev/ttyUSB0"
	cfg.BridgeTCP = "127.0.0.1:9000"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject two configured bridge transports")
	}
}

func TestValidateAcceptsSingleBridgeTransport(t *testing.T) {
	cfg := Defaults()
	cfg.BridgeTCP = "127.0.0.1:9000"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsNonPositiveMaxHops(t *testing.T) {
	cfg := Defaults()
	cfg.MaxHops = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected Validate to reject a zero max-hops")
	}
}

func TestBindFlagsAndLoadRoundTrip(t *testing.T) {
	cmd := &cobra.Command{Use: "enrd"}
	v := viper.New()
	if err := BindFlags(cmd, v); err != nil {
		t.Fatalf("bind flags: %v", err)
	}
	if err := cmd.Flags().Set("region", "west-1"); err != nil {
		t.Fatalf("set region flag: %v", err)
	}
	if err := cmd.Flags().Set("max-hops", "3"); err != nil {
		t.Fatalf("set max-hops flag: %v", err)
	}

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Region != "west-1" {
		t.Fatalf("Region = %q, want west-1", cfg.Region)
	}
	if cfg.MaxHops != 3 {
		t.Fatalf("MaxHops = %d, want 3", cfg.MaxHops)
	}
	// Untouched tunables should retain their defaults.
	if cfg.SnapshotInterval != Defaults().SnapshotInterval {
		t.Fatalf("SnapshotInterval = %d, want default %d", cfg.SnapshotInterval, Defaults().SnapshotInterval)
	}
}

func TestDefaultsPassValidation(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
}
