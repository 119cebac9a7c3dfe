// Package config loads the tunable constants recognized by the RUDP
// engine (spec §6) from an optional TOML file, the way
// dtn7-go/cmd/dtnd/configuration.go layers a tomlConfig struct over
// compiled-in defaults.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/YFL/ztrudp/wire"
)

// Config holds every tunable the engine recognizes.
type Config struct {
	// Window is the sliding-window depth.
	Window int
	// MaxPayload is the per-packet payload cap.
	MaxPayload int
	// MaxRetrans is the per-packet retransmission cap before TIMEOUT.
	MaxRetrans int
	// RetransTimeout is the retransmission delay.
	RetransTimeout time.Duration
	// Drop is the debug-only loss probability: a sent packet is
	// dropped with probability 1/Drop. Zero disables loss injection.
	Drop int
	// LogLevel is the logrus level name ("trace", "debug", "info", ...).
	LogLevel string
}

// Default returns the engine's compiled-in tunables.
func Default() Config {
	return Config{
		Window:         3,
		MaxPayload:     1000,
		MaxRetrans:     6,
		RetransTimeout: 500 * time.Millisecond,
		Drop:           0,
		LogLevel:       "info",
	}
}

// tomlConfig mirrors the on-disk shape; fields absent from the file
// keep their Default() value.
type tomlConfig struct {
	Window         int    `toml:"window"`
	MaxPayload     int    `toml:"max-payload"`
	MaxRetrans     int    `toml:"max-retrans"`
	RetransTimeoutMs int  `toml:"retrans-timeout-ms"`
	Drop           int    `toml:"drop"`
	LogLevel       string `toml:"log-level"`
}

// Load reads a TOML file at path and overlays any fields it sets onto
// the compiled-in defaults. A missing or empty field keeps its default.
func Load(path string) (Config, error) {
	cfg := Default()
	var raw tomlConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return Config{}, errors.Wrapf(err, "config: decode %s", path)
	}
	if raw.Window != 0 {
		cfg.Window = raw.Window
	}
	if raw.MaxPayload != 0 {
		cfg.MaxPayload = raw.MaxPayload
	}
	if raw.MaxRetrans != 0 {
		cfg.MaxRetrans = raw.MaxRetrans
	}
	if raw.RetransTimeoutMs != 0 {
		cfg.RetransTimeout = time.Duration(raw.RetransTimeoutMs) * time.Millisecond
	}
	if raw.Drop != 0 {
		cfg.Drop = raw.Drop
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports whether the tunables are usable.
func (c Config) Validate() error {
	if c.Window < 1 {
		return errors.Errorf("config: window must be >= 1, got %d", c.Window)
	}
	if c.MaxPayload < 1 {
		return errors.Errorf("config: max-payload must be >= 1, got %d", c.MaxPayload)
	}
	if c.MaxPayload > wire.MaxPayload {
		return errors.Errorf("config: max-payload %d exceeds wire format cap %d", c.MaxPayload, wire.MaxPayload)
	}
	if c.MaxRetrans < 1 {
		return errors.Errorf("config: max-retrans must be >= 1, got %d", c.MaxRetrans)
	}
	if c.RetransTimeout <= 0 {
		return errors.Errorf("config: retrans-timeout-ms must be > 0, got %v", c.RetransTimeout)
	}
	if c.Drop < 0 {
		return errors.Errorf("config: drop must be >= 0, got %d", c.Drop)
	}
	return nil
}
