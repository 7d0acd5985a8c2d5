// Package config loads node configuration from a TOML file (spec.md §6),
// the way a standalone daemon is configured rather than the library-level
// functional options the core packages otherwise use.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds every spec.md §6 configuration key, with the documented
// defaults applied by Default.
type Config struct {
	GroupID string `toml:"group_id"`

	AnnounceInterval  time.Duration `toml:"-"`
	PeeringTimeout    time.Duration `toml:"-"`
	MulticastEchoTimeout time.Duration `toml:"-"`
	PeerJobInterval   time.Duration `toml:"-"`
	RatchetInterval   time.Duration `toml:"-"`
	BLEKeepalive      time.Duration `toml:"-"`
	BLEReassemblyTimeout time.Duration `toml:"-"`

	AnnounceIntervalSeconds     float64 `toml:"announce_interval"`
	PeeringTimeoutSeconds       float64 `toml:"peering_timeout"`
	MulticastEchoTimeoutSeconds float64 `toml:"mcast_echo_timeout"`
	PeerJobIntervalSeconds      float64 `toml:"peer_job_interval"`
	RatchetIntervalSeconds      float64 `toml:"ratchet_interval"`
	BLEKeepaliveSeconds         float64 `toml:"ble_keepalive"`
	BLEReassemblyTimeoutSeconds float64 `toml:"ble_reassembly_timeout"`

	MaxPeersBLE int `toml:"max_peers_ble"`

	TransitEnabled bool `toml:"transit_enabled"`

	// PropagationNode is the optional pinned LXMF propagation-node hash,
	// hex-encoded; empty means Auto selection.
	PropagationNode string `toml:"propagation_node"`

	// StorageDir and ControlAddr are ambient daemon settings the spec
	// leaves to the adapter/IPC layers rather than enumerating in §6.
	StorageDir  string `toml:"storage_dir"`
	ControlAddr string `toml:"control_addr"`
	Interfaces  []InterfaceConfig `toml:"interface"`
}

// InterfaceConfig selects and configures one network interface entry.
type InterfaceConfig struct {
	Type string `toml:"type"` // "autointerface" or "ble"
	Name string `toml:"name"` // OS interface name, for autointerface
}

// Default returns a Config populated with every spec.md §6 default.
func Default() Config {
	cfg := Config{
		GroupID:                     "reticulum",
		AnnounceIntervalSeconds:     1.6,
		PeeringTimeoutSeconds:       22.0,
		MulticastEchoTimeoutSeconds: 6.5,
		PeerJobIntervalSeconds:      4.0,
		RatchetIntervalSeconds:      1800,
		MaxPeersBLE:                 7,
		BLEKeepaliveSeconds:         15.0,
		BLEReassemblyTimeoutSeconds: 30.0,
		TransitEnabled:              false,
		StorageDir:                  "",
		ControlAddr:                 "127.0.0.1:37428",
	}
	cfg.resolveDurations()
	return cfg
}

// Load reads a TOML file at path on top of Default(), so an incomplete
// file still yields sane values for every omitted key.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	cfg.resolveDurations()
	return cfg, nil
}

// resolveDurations converts the TOML-facing *Seconds float fields into
// the time.Duration fields the rest of the node consumes.
func (c *Config) resolveDurations() {
	c.AnnounceInterval = secondsToDuration(c.AnnounceIntervalSeconds)
	c.PeeringTimeout = secondsToDuration(c.PeeringTimeoutSeconds)
	c.MulticastEchoTimeout = secondsToDuration(c.MulticastEchoTimeoutSeconds)
	c.PeerJobInterval = secondsToDuration(c.PeerJobIntervalSeconds)
	c.RatchetInterval = secondsToDuration(c.RatchetIntervalSeconds)
	c.BLEKeepalive = secondsToDuration(c.BLEKeepaliveSeconds)
	c.BLEReassemblyTimeout = secondsToDuration(c.BLEReassemblyTimeoutSeconds)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
