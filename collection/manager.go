// Package collection implements the Collection Manager of spec.md §4.6: it
// owns the lifecycle of N independent engines keyed by collection id, their
// persisted metadata, and the name→id registry. It generalizes the
// teacher's single flat hastydb.DB into a directory of many, following the
// same open/close/data-path shape the teacher uses for one.
package collection

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/blockdb/blockdb/clock"
	"github.com/blockdb/blockdb/engine"
	"github.com/blockdb/blockdb/errs"
	"github.com/blockdb/blockdb/metrics"
)

const collectionsDirName = "collections"

// Handle bundles a collection's engine with its metadata.
type Handle struct {
	Meta   Metadata
	Engine *engine.Engine
}

// Manager owns every collection's engine and metadata under one data_dir.
// Creation and drop are serialized by mu; reads (List, Get, GetByName,
// GetByID) take only a read lock, per spec.md §5's "collection
// creation/drop is serialized globally, reads are lock-free" (lock-free at
// the data-path level — routing itself still takes a short read lock).
type Manager struct {
	dataDir   string
	collDir   string
	engineOpt []engine.ConfigOption
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Registry

	mu       sync.RWMutex
	byID     map[string]*Handle
	nameToID map[string]string
}

// Open scans dataDir/collections for valid collections, reconciling the
// registry against the directory (directory wins, per spec.md §4.6), and
// opens an engine for each.
func Open(dataDir string, engineOpts []engine.ConfigOption, c clock.Clock, log *zap.Logger, reg *metrics.Registry) (*Manager, error) {
	if c == nil {
		c = clock.System{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	collDir := filepath.Join(dataDir, collectionsDirName)
	if err := os.MkdirAll(collDir, 0o755); err != nil {
		return nil, errs.IO("collection.Open", err)
	}

	m := &Manager{
		dataDir:   dataDir,
		collDir:   collDir,
		engineOpt: engineOpts,
		clock:     c,
		log:       log.Named("collection"),
		metrics:   reg,
		byID:      make(map[string]*Handle),
		nameToID:  make(map[string]string),
	}

	entries, err := os.ReadDir(collDir)
	if err != nil {
		return nil, errs.IO("collection.Open", err)
	}

	staleRegistry, err := loadRegistry(dataDir)
	if err != nil {
		m.log.Warn("ignoring unreadable registry file", zap.Error(err))
	}

	var registryEntries []registryEntry
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		id := ent.Name()
		metaPath := filepath.Join(collDir, id, "metadata")
		meta, err := readMetadataFile(metaPath, id)
		if err != nil {
			m.log.Warn("skipping collection directory with invalid metadata", zap.String("id", id), zap.Error(err))
			continue
		}
		indexes, err := readIndexesFile(filepath.Join(collDir, id, indexesFileName))
		if err != nil {
			m.log.Warn("ignoring unreadable index sidecar", zap.String("id", id), zap.Error(err))
		} else {
			meta.Indexes = indexes
		}

		eng, err := engine.Open(filepath.Join(collDir, id), meta.Name, engineOpts, c, log, reg)
		if err != nil {
			m.log.Warn("skipping collection whose engine failed to open", zap.String("id", id), zap.Error(err))
			continue
		}

		m.byID[id] = &Handle{Meta: meta, Engine: eng}
		m.nameToID[meta.Name] = id
		registryEntries = append(registryEntries, registryEntry{id: id, name: meta.Name})
	}

	// The directory is authoritative; a registry entry with no matching
	// directory is stale (e.g. a drop that crashed after removing the
	// directory but before the registry rewrite) and is only ever logged,
	// never trusted to resurrect a collection.
	for _, e := range staleRegistry {
		if _, ok := m.byID[e.id]; !ok {
			m.log.Warn("stale registry entry has no backing collection directory",
				zap.String("id", e.id), zap.String("name", e.name))
		}
	}

	// The directory is authoritative; always rewrite the registry to match
	// whatever was actually loaded, per spec.md §4.6.
	if err := rewriteRegistry(dataDir, registryEntries); err != nil {
		return nil, err
	}

	return m, nil
}

// Create allocates a new collection id, persists its metadata, and opens
// its engine. Fails with DuplicateName if name is already in use.
func (m *Manager) Create(name string, createdBy string, schema, settings []byte) (string, error) {
	if name == "" {
		return "", errs.New("collection.Create", errs.KindInvalidArg, fmt.Errorf("empty name"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.nameToID[name]; exists {
		return "", errs.New("collection.Create", errs.KindDuplicateName, nil)
	}

	id := uuid.New().String()
	dir := filepath.Join(m.collDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.IO("collection.Create", err)
	}

	now := m.clock.NowMillis()
	meta := newMetadata(id, name, createdBy, schema, settings, msToTime(now))
	if err := writeMetadataFile(filepath.Join(dir, "metadata"), meta); err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	eng, err := engine.Open(dir, name, m.engineOpt, m.clock, m.log, m.metrics)
	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}

	m.byID[id] = &Handle{Meta: meta, Engine: eng}
	m.nameToID[name] = id

	if err := m.rewriteRegistryLocked(); err != nil {
		return "", err
	}

	return id, nil
}

// Drop closes the collection's engine and removes its directory tree.
// Fails NotFound if id is unknown. The identifier is never reused even
// though the name becomes available again, per spec.md §3.
func (m *Manager) Drop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.byID[id]
	if !ok {
		return errs.New("collection.Drop", errs.KindNotFound, nil)
	}

	if err := h.Engine.Close(); err != nil {
		m.log.Warn("error closing engine during drop", zap.String("id", id), zap.Error(err))
	}
	if err := os.RemoveAll(filepath.Join(m.collDir, id)); err != nil {
		return errs.IO("collection.Drop", err)
	}

	delete(m.byID, id)
	delete(m.nameToID, h.Meta.Name)

	return m.rewriteRegistryLocked()
}

// List returns the metadata of every known collection.
func (m *Manager) List() []Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Metadata, 0, len(m.byID))
	for _, h := range m.byID {
		out = append(out, h.Meta)
	}
	return out
}

// GetByID returns the handle for id, or NotFound.
func (m *Manager) GetByID(id string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.byID[id]
	if !ok {
		return nil, errs.New("collection.GetByID", errs.KindNotFound, nil)
	}
	return h, nil
}

// GetByName returns the handle for name, or NotFound.
func (m *Manager) GetByName(name string) (*Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.nameToID[name]
	if !ok {
		return nil, errs.New("collection.GetByName", errs.KindNotFound, nil)
	}
	return m.byID[id], nil
}

// CreateIndex and DropIndex are metadata-only: the core engine never
// consults indexes for reads (spec.md §4.6). They exist so a higher layer
// can record intent to maintain one; maintaining it is that layer's job.
func (m *Manager) CreateIndex(id, indexName string, descriptor []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byID[id]
	if !ok {
		return errs.New("collection.CreateIndex", errs.KindNotFound, nil)
	}
	h.Meta.Indexes = append(h.Meta.Indexes, IndexDescriptor{Name: indexName, Descriptor: descriptor})
	return writeIndexesFile(filepath.Join(m.collDir, id, indexesFileName), h.Meta.Indexes)
}

func (m *Manager) DropIndex(id, indexName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.byID[id]
	if !ok {
		return errs.New("collection.DropIndex", errs.KindNotFound, nil)
	}
	kept := h.Meta.Indexes[:0]
	for _, idx := range h.Meta.Indexes {
		if idx.Name != indexName {
			kept = append(kept, idx)
		}
	}
	h.Meta.Indexes = kept
	return writeIndexesFile(filepath.Join(m.collDir, id, indexesFileName), h.Meta.Indexes)
}

// Close closes every collection's engine.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first error
	for _, h := range m.byID {
		if err := h.Engine.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m *Manager) rewriteRegistryLocked() error {
	entries := make([]registryEntry, 0, len(m.byID))
	for id, h := range m.byID {
		entries = append(entries, registryEntry{id: id, name: h.Meta.Name})
	}
	return rewriteRegistry(m.dataDir, entries)
}
