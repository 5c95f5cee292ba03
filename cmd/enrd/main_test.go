package main

import (
	"testing"

	"github.com/vudo/enr/internal/config"
	"github.com/vudo/enr/internal/logger"
	"github.com/vudo/enr/pkg/bridge"
)

func TestBuildRadioPicksConfiguredTransport(t *testing.T) {
	log := logger.NewLogger("error")

	if r := buildRadio(config.Defaults(), log); r != nil {
		t.Fatalf("expected no radio when no bridge transport is configured")
	}

	cfg := config.Defaults()
	cfg.BridgeTCP = "127.0.0.1:9001"
	if r := buildRadio(cfg, log); r == nil {
		t.Fatalf("expected a radio interface for --bridge-tcp")
	}

	cfg = config.Defaults()
	cfg.BridgeSerial = "/dev/ttyUSB0"
	if r := buildRadio(cfg, log); r == nil {
		t.Fatalf("expected a radio interface for --bridge-serial")
	}

	cfg = config.Defaults()
	cfg.BridgeBLE = "meshtastic-1234"
	if r := buildRadio(cfg, log); r == nil {
		t.Fatalf("expected a radio interface for --bridge-ble")
	}
}

func TestDefaultChannelMappingsCoverEveryCoreTopicWithinChannelRange(t *testing.T) {
	mappings := defaultChannelMappings()
	if _, err := bridge.NewTopicMapper(mappings); err != nil {
		t.Fatalf("default channel mappings rejected: %v", err)
	}
	if len(mappings) == 0 {
		t.Fatalf("expected at least one default mapping")
	}
	seen := make(map[uint8]bool)
	for _, m := range mappings {
		if m.Channel > 7 {
			t.Fatalf("channel %d out of Meshtastic's 0..7 range", m.Channel)
		}
		if seen[m.Channel] {
			t.Fatalf("channel %d mapped twice", m.Channel)
		}
		seen[m.Channel] = true
	}
}
