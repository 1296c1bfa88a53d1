// Package config provides JSON-file configuration loading and saving,
// following the same DefaultConfig/Load/Save shape as the teacher's
// internal/config/config.go, with fields narrowed from a network server's
// settings (address, max clients, TLS) to the options an embedded mmap
// store takes: where its data directory lives, whether it's shared across
// processes, and its encryption key. cmd/vaultkv-cli and cmd/vaultkv-bench
// do not use this package; they read flags and environment variables.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// Config holds settings for opening a store, as read from or written to a
// JSON file.
type Config struct {
	// RootDir is the directory the data and meta files live under.
	RootDir string `json:"root_dir"`
	// ID names the store within RootDir; the data file is RootDir/ID and the
	// meta sidecar is RootDir/ID.crc.
	ID string `json:"id"`

	// MultiProcess enables the process exclusive/shared file lock protocol
	// (spec.md §4.5) for stores shared across more than one process.
	MultiProcess bool `json:"multi_process"`
	// ReadOnly opens the store without ever appending or compacting.
	ReadOnly bool `json:"read_only"`

	// Logging
	LogLevel string `json:"log_level"`

	// EncryptionKeyHex, if non-empty, is hex-decoded into the AES-128-CFB
	// key passed to the crypter (spec.md §4.2). Empty means no encryption.
	EncryptionKeyHex string `json:"encryption_key_hex,omitempty"`

	// ExpectedCapacity sizes the initial mmap region before any record is
	// written, in bytes. Zero means "one page."
	ExpectedCapacity int `json:"expected_capacity"`

	// SyncOnWrite records whether Sync(true) should follow every mutating
	// command; no code in this module reads it.
	SyncOnWrite bool `json:"sync_on_write"`

	// CommandTimeout records a bound on waiting for a contended process
	// lock; no code in this module reads it.
	CommandTimeout time.Duration `json:"command_timeout"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RootDir:          "data",
		ID:               "vaultkv",
		MultiProcess:     false,
		ReadOnly:         false,
		LogLevel:         "info",
		ExpectedCapacity: 0,
		SyncOnWrite:      false,
		CommandTimeout:   5 * time.Second,
	}
}

// Load loads configuration from a JSON file, falling back to
// DefaultConfig's values for any field the file omits, and returning the
// defaults unchanged if path doesn't exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
