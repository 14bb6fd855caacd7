// Package memtable implements the in-memory ordered staging buffer described
// in spec.md §4.2: a skip-list-backed map from key to (sequence, value),
// bounded in bytes, with active/immutable state transitions the storage
// engine drives during flush.
package memtable

import (
	"math/rand"
	"sync"
	"time"

	"github.com/blockdb/blockdb/errs"
)

// perEntryOverhead approximates bookkeeping cost (skip-list forward
// pointers, node header) on top of raw key+value bytes, so
// ApproximateBytes tracks real memory pressure rather than just payload
// size.
const perEntryOverhead = 48

// Entry is one ordered MemTable record, returned by IterOrdered for flush.
type Entry struct {
	Key      []byte
	Sequence uint64
	Value    []byte
}

// MemTable is an ordered in-memory buffer of recently appended records. It
// is safe for concurrent use: Insert takes a write lock briefly, Get and
// IterOrdered take a read lock (spec.md §5).
type MemTable struct {
	mu    sync.RWMutex
	sl    *skipList
	bytes int
}

// New creates an empty, active MemTable.
func New() *MemTable {
	return &MemTable{sl: newSkipList(rand.New(rand.NewSource(time.Now().UnixNano())))}
}

// Insert adds key bound to (sequence, value). It fails with ErrDuplicateKey
// if the key is already present in this MemTable — append-only enforcement
// here is advisory per spec.md §4.2; the engine separately consults
// SSTables to decide the authoritative answer.
func (m *MemTable) Insert(key []byte, sequence uint64, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sl.put(key, sequence, value) {
		return errs.New("memtable.Insert", errs.KindDuplicateKey, nil)
	}
	m.bytes += len(key) + len(value) + perEntryOverhead
	return nil
}

// Get returns the value bound to key, if any.
func (m *MemTable) Get(key []byte) (value []byte, seq uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seq, value, ok = m.sl.get(key)
	return value, seq, ok
}

// IterOrdered returns every entry in ascending key order, used by flush to
// build an SSTable.
func (m *MemTable) IterOrdered() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sl.entries()
}

// ApproximateBytes sums key+value lengths plus a per-entry overhead
// estimate, used to decide when to trigger a flush.
func (m *MemTable) ApproximateBytes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

// Len reports the number of distinct keys held.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sl.size
}

// Clear resets the MemTable to empty. Used only by flush_all.
func (m *MemTable) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sl = newSkipList(rand.New(rand.NewSource(time.Now().UnixNano())))
	m.bytes = 0
}
