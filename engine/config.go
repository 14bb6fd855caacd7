package engine

import (
	"time"

	"github.com/blockdb/blockdb/wal"
)

// Default resource bounds, per spec.md §6's configuration surface.
const (
	DefaultMemtableSizeLimit   = 4 * 1024 * 1024 // 4 MiB
	DefaultCompactionThreshold = 4
	DefaultBlockchainBatchSize = 100
	DefaultMaxValueSize        = 16 * 1024 * 1024 // 16 MiB
	DefaultMaxKeySize          = 64 * 1024        // 64 KiB
	DefaultSyncInterval        = 200 * time.Millisecond
)

// Config holds one engine's tunables, set via ConfigOption functions
// mirroring the teacher's functional-options idiom (config.go).
type Config struct {
	MemtableSizeLimit   int
	WalSyncMode         wal.SyncMode
	CompactionThreshold int
	BlockchainBatchSize int
	MaxValueSize        int
	MaxKeySize          int
}

// defaultConfig returns the engine's configuration before any options are
// applied.
func defaultConfig() Config {
	return Config{
		MemtableSizeLimit:   DefaultMemtableSizeLimit,
		WalSyncMode:         wal.IntervalMode(DefaultSyncInterval),
		CompactionThreshold: DefaultCompactionThreshold,
		BlockchainBatchSize: DefaultBlockchainBatchSize,
		MaxValueSize:        DefaultMaxValueSize,
		MaxKeySize:          DefaultMaxKeySize,
	}
}

// ConfigOption changes one engine setting.
type ConfigOption func(*Config)

// WithMemtableSizeLimit sets the byte threshold that triggers a flush.
func WithMemtableSizeLimit(n int) ConfigOption {
	return func(c *Config) { c.MemtableSizeLimit = n }
}

// WithWalSyncMode sets the WAL's acknowledgment durability mode.
func WithWalSyncMode(mode wal.SyncMode) ConfigOption {
	return func(c *Config) { c.WalSyncMode = mode }
}

// WithCompactionThreshold sets how many SSTables accumulate at a level
// before they are merged into the next level.
func WithCompactionThreshold(n int) ConfigOption {
	return func(c *Config) { c.CompactionThreshold = n }
}

// WithBlockchainBatchSize sets how many records are folded into each chain
// block.
func WithBlockchainBatchSize(n int) ConfigOption {
	return func(c *Config) { c.BlockchainBatchSize = n }
}

// WithMaxValueSize bounds the largest value accepted by Put.
func WithMaxValueSize(n int) ConfigOption {
	return func(c *Config) { c.MaxValueSize = n }
}
