package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.GroupID != "reticulum" {
		t.Fatalf("group_id default = %q", cfg.GroupID)
	}
	if cfg.AnnounceInterval != 1600*time.Millisecond {
		t.Fatalf("announce_interval default = %v", cfg.AnnounceInterval)
	}
	if cfg.PeeringTimeout != 22*time.Second {
		t.Fatalf("peering_timeout default = %v", cfg.PeeringTimeout)
	}
	if cfg.MulticastEchoTimeout != 6500*time.Millisecond {
		t.Fatalf("mcast_echo_timeout default = %v", cfg.MulticastEchoTimeout)
	}
	if cfg.MaxPeersBLE != 7 {
		t.Fatalf("max_peers_ble default = %d", cfg.MaxPeersBLE)
	}
	if cfg.BLEReassemblyTimeout != 30*time.Second {
		t.Fatalf("ble_reassembly_timeout default = %v", cfg.BLEReassemblyTimeout)
	}
}

func TestLoadOverridesOnlySpecifiedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rnsd.toml")
	contents := `
group_id = "myapp"
max_peers_ble = 3

[[interface]]
type = "autointerface"
name = "wlan0"
`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GroupID != "myapp" {
		t.Fatalf("group_id = %q", cfg.GroupID)
	}
	if cfg.MaxPeersBLE != 3 {
		t.Fatalf("max_peers_ble = %d", cfg.MaxPeersBLE)
	}
	// Untouched keys keep their defaults.
	if cfg.PeeringTimeout != 22*time.Second {
		t.Fatalf("peering_timeout should remain default, got %v", cfg.PeeringTimeout)
	}
	if len(cfg.Interfaces) != 1 || cfg.Interfaces[0].Name != "wlan0" {
		t.Fatalf("unexpected interfaces: %+v", cfg.Interfaces)
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/rnsd.toml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
