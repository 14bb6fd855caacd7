package engine

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/blockdb/blockdb/memtable"
	"github.com/blockdb/blockdb/sstable"
)

// notifyFlush wakes the flush actor. A full channel means a flush is
// already pending, so the notification is dropped rather than blocking the
// writer — generalizing the teacher's sstableWriter.Notify.
func (e *Engine) notifyFlush() {
	select {
	case e.flushNotify <- struct{}{}:
	default:
	}
}

// runFlushActor is the background worker that performs flushes, launched
// under the engine's errgroup. It mirrors the teacher's sstableWriter.Run:
// an actor gated by a weighted semaphore of 1 so at most one flush runs at
// a time, stopped cleanly by context cancellation.
func (e *Engine) runFlushActor(ctx context.Context) error {
	for {
		select {
		case <-e.flushNotify:
			if !e.flushSem.TryAcquire(1) {
				continue
			}
			if err := e.Flush(); err != nil {
				e.log.Error("background flush failed", zap.Error(err))
			}
			e.flushSem.Release(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush seals the active MemTable, writes an SSTable, truncates the WAL
// prefix made redundant by the flush, and seals any pending chain batch,
// per spec.md §4.5. It is safe to call directly (e.g. at shutdown) or from
// the background flush actor.
func (e *Engine) Flush() error {
	e.writeMu.Lock()

	e.memMu.Lock()
	if e.active.Len() == 0 {
		e.memMu.Unlock()
		e.writeMu.Unlock()
		return nil
	}
	sealed := e.active
	e.immutable = sealed
	e.active = memtable.New()
	e.memMu.Unlock()

	if err := e.wal.Rotate(); err != nil {
		e.writeMu.Unlock()
		return err
	}
	truncateBoundary := e.wal.ActiveBaseOffset()

	if err := e.chain.SealPending(); err != nil {
		e.writeMu.Unlock()
		return err
	}
	e.writeMu.Unlock()

	// Bulk I/O runs outside writeMu: new puts accumulate in the fresh
	// active MemTable concurrently (spec.md §5).
	entries := sealed.IterOrdered()
	records := make([]sstable.Record, len(entries))
	for i, en := range entries {
		records[i] = sstable.Record{Key: en.Key, Sequence: en.Sequence, Value: en.Value}
	}

	creationSeq := e.nextCreationSeq.Add(1)
	path := filepath.Join(e.sstDir, sstable.FileName(0, creationSeq))
	tbl, err := sstable.CreateFrom(path, 0, creationSeq, records, 0)
	if err != nil {
		// The sealed data is still safe in the WAL (not yet truncated) and
		// still answers reads as the immutable MemTable, so this is a
		// local, retryable failure rather than a quiesce condition.
		return err
	}

	e.sstMu.Lock()
	e.tables = append(e.tables, tbl)
	e.sstMu.Unlock()

	e.memMu.Lock()
	e.immutable = nil
	e.memMu.Unlock()

	if err := e.wal.TruncateBefore(truncateBoundary); err != nil {
		return err
	}

	e.sstMu.RLock()
	tableCount := len(e.tables)
	e.sstMu.RUnlock()

	e.metrics.IncFlushes()
	e.metrics.SetSSTableCount(e.name, tableCount)
	e.notifyCompact()
	return nil
}

// FlushAll clears the MemTable, deletes all SSTables, clears the WAL, and
// resets the chain to genesis. Safety of this destructive operation is the
// caller's concern, per spec.md §4.5.
func (e *Engine) FlushAll() error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.memMu.Lock()
	e.active.Clear()
	e.immutable = nil
	e.memMu.Unlock()

	e.sstMu.Lock()
	for _, t := range e.tables {
		path := t.Path()
		t.Close()
		os.Remove(path)
	}
	e.tables = nil
	e.sstMu.Unlock()

	if err := e.wal.Clear(); err != nil {
		return err
	}
	if err := e.chain.ResetToGenesis(); err != nil {
		return err
	}
	e.metrics.SetMemtableBytes(e.name, 0)
	e.metrics.SetSSTableCount(e.name, 0)
	return nil
}
