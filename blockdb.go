// Package blockdb is the facade described in spec.md §6: a single entry
// point over the Collection Manager, wiring together the engine, wal,
// sstable, chain and metrics packages the way the teacher's top-level
// hastydb.go wires one DB's components, generalized to many collections
// per node.
package blockdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/blockdb/blockdb/clock"
	"github.com/blockdb/blockdb/collection"
	"github.com/blockdb/blockdb/engine"
	"github.com/blockdb/blockdb/metrics"
	"github.com/blockdb/blockdb/wal"
)

// Config is the node-level configuration surface of spec.md §6. It holds
// the data root plus the per-engine defaults applied to every collection
// created or recovered under it.
type Config struct {
	DataDir             string
	MemtableSizeLimit   int
	WalSyncMode         wal.SyncMode
	CompactionThreshold int
	BlockchainBatchSize int
	MaxValueSize        int

	Logger   *zap.Logger
	Registry *prometheus.Registry
	Clock    clock.Clock
}

// Option configures a DB before Open.
type Option func(*Config)

// WithMemtableSizeLimit sets the per-collection MemTable flush threshold.
func WithMemtableSizeLimit(n int) Option { return func(c *Config) { c.MemtableSizeLimit = n } }

// WithWalSyncMode sets the per-collection WAL acknowledgment mode.
func WithWalSyncMode(mode wal.SyncMode) Option { return func(c *Config) { c.WalSyncMode = mode } }

// WithCompactionThreshold sets how many SSTables per level trigger a merge.
func WithCompactionThreshold(n int) Option {
	return func(c *Config) { c.CompactionThreshold = n }
}

// WithBlockchainBatchSize sets how many records are folded into each chain
// block.
func WithBlockchainBatchSize(n int) Option {
	return func(c *Config) { c.BlockchainBatchSize = n }
}

// WithMaxValueSize bounds the largest value accepted by Put.
func WithMaxValueSize(n int) Option { return func(c *Config) { c.MaxValueSize = n } }

// WithLogger sets the structured logger every component logs through.
func WithLogger(log *zap.Logger) Option { return func(c *Config) { c.Logger = log } }

// WithPrometheusRegistry sets the registry instrumentation is registered
// against. A private registry is created if this is never called.
func WithPrometheusRegistry(reg *prometheus.Registry) Option {
	return func(c *Config) { c.Registry = reg }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(c clock.Clock) Option { return func(cfg *Config) { cfg.Clock = c } }

func defaultConfig(dataDir string) Config {
	return Config{
		DataDir:             dataDir,
		MemtableSizeLimit:   engine.DefaultMemtableSizeLimit,
		WalSyncMode:         wal.IntervalMode(engine.DefaultSyncInterval),
		CompactionThreshold: engine.DefaultCompactionThreshold,
		BlockchainBatchSize: engine.DefaultBlockchainBatchSize,
		MaxValueSize:        engine.DefaultMaxValueSize,
	}
}

// DB is a node: the Collection Manager plus the node-level configuration
// every collection inherits.
type DB struct {
	cfg     Config
	manager *collection.Manager
}

// Open opens or creates a node rooted at dataDir, recovering every
// collection beneath it, per spec.md §4.6.
func Open(dataDir string, opts ...Option) (*DB, error) {
	cfg := defaultConfig(dataDir)
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	reg := metrics.New(cfg.Registry)

	engineOpts := []engine.ConfigOption{
		engine.WithMemtableSizeLimit(cfg.MemtableSizeLimit),
		engine.WithWalSyncMode(cfg.WalSyncMode),
		engine.WithCompactionThreshold(cfg.CompactionThreshold),
		engine.WithBlockchainBatchSize(cfg.BlockchainBatchSize),
		engine.WithMaxValueSize(cfg.MaxValueSize),
	}

	mgr, err := collection.Open(dataDir, engineOpts, cfg.Clock, cfg.Logger, reg)
	if err != nil {
		return nil, err
	}

	return &DB{cfg: cfg, manager: mgr}, nil
}

// CreateCollection allocates a new collection, per spec.md §4.6's create.
func (db *DB) CreateCollection(name string, schema, settings []byte) (string, error) {
	return db.manager.Create(name, "", schema, settings)
}

// DropCollection closes and removes a collection.
func (db *DB) DropCollection(id string) error {
	return db.manager.Drop(id)
}

// ListCollections returns every known collection's metadata.
func (db *DB) ListCollections() []collection.Metadata {
	return db.manager.List()
}

// CreateIndex and DropIndex record index intent against a collection's
// metadata; the engine never consults them for reads (spec.md §4.6).
func (db *DB) CreateIndex(collectionID, indexName string, descriptor []byte) error {
	return db.manager.CreateIndex(collectionID, indexName, descriptor)
}

func (db *DB) DropIndex(collectionID, indexName string) error {
	return db.manager.DropIndex(collectionID, indexName)
}

// Put writes key/value into the named collection, per spec.md §6's
// put(collection_id, key, value).
func (db *DB) Put(collectionID string, key, value []byte) error {
	h, err := db.manager.GetByID(collectionID)
	if err != nil {
		return err
	}
	return h.Engine.Put(key, value)
}

// Get reads key from the named collection.
func (db *DB) Get(collectionID string, key []byte) (value []byte, found bool, err error) {
	h, err := db.manager.GetByID(collectionID)
	if err != nil {
		return nil, false, err
	}
	return h.Engine.Get(key)
}

// Flush forces the collection's active MemTable to an SSTable.
func (db *DB) Flush(collectionID string) error {
	h, err := db.manager.GetByID(collectionID)
	if err != nil {
		return err
	}
	return h.Engine.Flush()
}

// FlushAll drops the collection's data, resetting it to empty.
func (db *DB) FlushAll(collectionID string) error {
	h, err := db.manager.GetByID(collectionID)
	if err != nil {
		return err
	}
	return h.Engine.FlushAll()
}

// Verify recomputes the collection's hash chain and reports whether it is
// intact.
func (db *DB) Verify(collectionID string) (bool, error) {
	h, err := db.manager.GetByID(collectionID)
	if err != nil {
		return false, err
	}
	return h.Engine.VerifyIntegrity(), nil
}

// Stats reports the collection's current size and position.
func (db *DB) Stats(collectionID string) (engine.Stats, error) {
	h, err := db.manager.GetByID(collectionID)
	if err != nil {
		return engine.Stats{}, err
	}
	return h.Engine.Stats(), nil
}

// Close closes every collection's engine.
func (db *DB) Close() error {
	return db.manager.Close()
}
