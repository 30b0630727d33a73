// Package config loads the node's tuning profile. Secrets and
// deployment-specific values come from environment variables (a .env
// file is honored for local development); protocol tuning knobs live
// in an optional YAML profile file with env overrides on top.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries every recognized option. Durations are expressed in
// seconds in the YAML profile, except tick_interval_ms (milliseconds).
type Config struct {
	// Sync tuning.
	MaxSyncAge          uint64 `yaml:"max_sync_age"`
	PeersPerSide        int    `yaml:"peers_per_side"`
	PeerRefreshInterval int    `yaml:"peer_refresh_interval"`
	CommitBlocksPerTick int    `yaml:"commit_blocks_per_tick"`
	TxBlocksPerTick     int    `yaml:"tx_blocks_per_tick"`
	SyncStallTimeout    int    `yaml:"sync_stall_timeout"`

	// Peer table.
	MaxConnections int `yaml:"max_connections"`

	// Fraud evidence.
	FraudLogRetention int `yaml:"fraud_log_retention"`

	// Identity proof-of-work.
	DifficultyBits int    `yaml:"difficulty_bits"`
	ArgonMemoryKiB uint32 `yaml:"argon_memory_kib"`
	ArgonTimeCost  uint32 `yaml:"argon_time_cost"`

	// SignatureChunks is fixed at 10 for interop; a profile asking
	// for anything else is refused at load.
	SignatureChunks int `yaml:"signature_chunks"`

	// Node loop.
	TickIntervalMs int    `yaml:"tick_interval_ms"`
	SpillDir       string `yaml:"spill_dir"`
}

// Default returns the stock tuning profile.
func Default() Config {
	return Config{
		MaxSyncAge:          100_000,
		PeersPerSide:        2,
		PeerRefreshInterval: 60,
		CommitBlocksPerTick: 10,
		TxBlocksPerTick:     50,
		SyncStallTimeout:    120,
		MaxConnections:      64,
		FraudLogRetention:   7 * 24 * 3600,
		DifficultyBits:      24,
		ArgonMemoryKiB:      4096,
		ArgonTimeCost:       1,
		SignatureChunks:     10,
		TickIntervalMs:      250,
		SpillDir:            "data/spill",
	}
}

// Load reads the YAML profile at path (optional), applies env
// overrides, and validates.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if cfg.SignatureChunks != 10 {
		return cfg, fmt.Errorf("signature_chunks is protocol-fixed at 10, got %d", cfg.SignatureChunks)
	}
	if cfg.PeersPerSide < 1 {
		return cfg, fmt.Errorf("peers_per_side must be ≥ 1, got %d", cfg.PeersPerSide)
	}
	return cfg, nil
}

// applyEnv lets the environment override any profile value.
func (c *Config) applyEnv() {
	c.MaxSyncAge = envUint64("MAX_SYNC_AGE", c.MaxSyncAge)
	c.PeersPerSide = EnvOrDefaultInt("PEERS_PER_SIDE", c.PeersPerSide)
	c.PeerRefreshInterval = EnvOrDefaultInt("PEER_REFRESH_INTERVAL", c.PeerRefreshInterval)
	c.CommitBlocksPerTick = EnvOrDefaultInt("COMMIT_BLOCKS_PER_TICK", c.CommitBlocksPerTick)
	c.TxBlocksPerTick = EnvOrDefaultInt("TX_BLOCKS_PER_TICK", c.TxBlocksPerTick)
	c.SyncStallTimeout = EnvOrDefaultInt("SYNC_STALL_TIMEOUT", c.SyncStallTimeout)
	c.MaxConnections = EnvOrDefaultInt("MAX_CONNECTIONS", c.MaxConnections)
	c.FraudLogRetention = EnvOrDefaultInt("FRAUD_LOG_RETENTION", c.FraudLogRetention)
	c.DifficultyBits = EnvOrDefaultInt("DIFFICULTY_BITS", c.DifficultyBits)
	c.ArgonMemoryKiB = uint32(EnvOrDefaultInt("ARGON_MEMORY_KIB", int(c.ArgonMemoryKiB)))
	c.ArgonTimeCost = uint32(EnvOrDefaultInt("ARGON_TIME_COST", int(c.ArgonTimeCost)))
	c.TickIntervalMs = EnvOrDefaultInt("TICK_INTERVAL_MS", c.TickIntervalMs)
	c.SpillDir = EnvOrDefault("SPILL_DIR", c.SpillDir)
}

// Durations derived from the integer profile fields (milliseconds for
// the tick interval, seconds for the rest).

func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.PeerRefreshInterval) * time.Second
}

func (c Config) StallTimeout() time.Duration {
	return time.Duration(c.SyncStallTimeout) * time.Second
}

func (c Config) FraudRetention() time.Duration {
	return time.Duration(c.FraudLogRetention) * time.Second
}

// EnvOrDefault returns the environment value for key or fallback when
// unset or empty.
func EnvOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

// EnvOrDefaultInt parses an integer environment override, keeping the
// fallback on absence or parse failure.
func EnvOrDefaultInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envUint64(key string, fallback uint64) uint64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
