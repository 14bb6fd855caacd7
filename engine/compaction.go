package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/blockdb/blockdb/sstable"
)

// notifyCompact wakes the compaction actor to re-examine every level.
func (e *Engine) notifyCompact() {
	select {
	case e.compactNotify <- struct{}{}:
	default:
	}
}

// runCompactionActor is the background worker that merges SSTables,
// generalizing the teacher's segmentMerger.Run (merge.go): a weighted
// semaphore of 1 so at most one compaction runs at a time per engine, a
// buffered notify channel so a busy actor simply ignores repeat wakeups.
func (e *Engine) runCompactionActor(ctx context.Context) error {
	for {
		select {
		case <-e.compactNotify:
			if !e.compactSem.TryAcquire(1) {
				continue
			}
			if err := e.compactOnePass(); err != nil {
				e.log.Error("background compaction failed", zap.Error(err))
			}
			e.compactSem.Release(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// compactOnePass finds the lowest level whose SSTable count has reached
// compaction_threshold and merges its oldest tables into the next level,
// per spec.md §4.5's size-tiered compaction policy.
func (e *Engine) compactOnePass() error {
	e.sstMu.RLock()
	byLevel := make(map[uint64][]*sstable.Table)
	for _, t := range e.tables {
		byLevel[t.Level()] = append(byLevel[t.Level()], t)
	}
	e.sstMu.RUnlock()

	var levels []uint64
	for lvl := range byLevel {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })

	for _, lvl := range levels {
		tables := byLevel[lvl]
		if len(tables) < e.cfg.CompactionThreshold {
			continue
		}
		sort.Slice(tables, func(i, j int) bool { return tables[i].CreationSeq() < tables[j].CreationSeq() })
		inputs := tables[:e.cfg.CompactionThreshold]
		if err := e.compactInputs(lvl, inputs); err != nil {
			return err
		}
		// Re-examine in case the merge output itself fills the next level.
		e.notifyCompact()
		return nil
	}
	return nil
}

// compactInputs merges inputs (all at level lvl) into one new SSTable at
// lvl+1 via an ordered multi-way merge, then atomically swaps the SSTable
// set and removes the superseded files. Since records are append-only, no
// input key can repeat across inputs (I1), so the merge never resolves
// conflicting values — it is a simple interleaving (spec.md §4.5).
func (e *Engine) compactInputs(lvl uint64, inputs []*sstable.Table) error {
	merged, err := mergeTables(inputs)
	if err != nil {
		return err
	}
	if len(merged) == 0 {
		return nil
	}

	creationSeq := e.nextCreationSeq.Add(1)
	path := filepath.Join(e.sstDir, sstable.FileName(lvl+1, creationSeq))
	out, err := sstable.CreateFrom(path, lvl+1, creationSeq, merged, 0)
	if err != nil {
		return err
	}

	e.sstMu.Lock()
	kept := e.tables[:0:0]
	inputSet := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		inputSet[in.Path()] = true
	}
	for _, t := range e.tables {
		if inputSet[t.Path()] {
			continue
		}
		kept = append(kept, t)
	}
	e.tables = append(kept, out)
	e.sstMu.Unlock()

	for _, in := range inputs {
		path := in.Path()
		in.Close()
		os.Remove(path)
	}

	e.metrics.IncCompactions()
	e.metrics.SetSSTableCount(e.name, len(e.tables))
	return nil
}

// mergeTables performs a k-way ordered merge of every input table's full
// range, returning one strictly-ascending slice of records. Grounded on the
// teacher's indexMinHeap (merge.go), generalized from string keys with a
// "last write wins" rule to byte-slice keys with no conflict resolution at
// all, since append-only semantics guarantee each key appears in at most
// one input.
func mergeTables(inputs []*sstable.Table) ([]sstable.Record, error) {
	iters := make([]*sstable.Iterator, len(inputs))
	for i, t := range inputs {
		it, err := t.IterRange(nil, nil)
		if err != nil {
			return nil, err
		}
		iters[i] = it
	}

	h := newRecordHeap(len(iters))
	for i, it := range iters {
		if it.Valid() {
			h.push(i, recordOf(it))
		}
	}

	var out []sstable.Record
	for h.size() > 0 {
		i, rec := h.pop()
		out = append(out, rec)

		if err := iters[i].Next(); err != nil {
			return nil, err
		}
		if iters[i].Valid() {
			h.push(i, recordOf(iters[i]))
		}
	}
	return out, nil
}

func recordOf(it *sstable.Iterator) sstable.Record {
	return sstable.Record{Key: it.Key(), Sequence: it.Sequence(), Value: it.Value()}
}
