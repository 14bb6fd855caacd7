// Package sstable implements the immutable, durable, ordered on-disk run
// described in spec.md §4.3: a header, a data region of length-prefixed
// records in ascending key order, and a footer holding a sparse key→offset
// index plus integrity checksums. The on-disk layout matches spec.md §6
// bit-exactly.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/blockdb/blockdb/errs"
)

// magic identifies a BlockDB SSTable file: ASCII "BLKD".
const magic uint32 = 0x424C4B44

const formatVersion uint32 = 1

// defaultIndexInterval controls how many records separate consecutive
// sparse index entries. Spec.md §4.3 targets "one entry per ~4 KiB block";
// for typical small records that is well approximated by a fixed record
// count rather than tracking byte offsets directly.
const defaultIndexInterval = 16

// Record is one (key, sequence, value) triple as stored in a table.
type Record struct {
	Key      []byte
	Sequence uint64
	Value    []byte
}

// FileName encodes (level, creationSeq) into the on-disk filename per
// spec.md §6: sst/<level>-<creation_seq>.sst.
func FileName(level, creationSeq uint64) string {
	return fmt.Sprintf("%d-%d.sst", level, creationSeq)
}

type indexEntry struct {
	key    []byte
	offset uint64
}

// Table is an opened, immutable SSTable: header and sparse index are loaded
// into memory; record data is read from disk on demand.
type Table struct {
	path        string
	f           *os.File
	level       uint64
	creationSeq uint64
	recordCount uint64
	minKey      []byte
	maxKey      []byte
	index       []indexEntry
	sizeBytes   int64
	maxSeq      uint64
}

// CreateFrom writes a brand-new SSTable at path from records, which MUST
// already be in strictly ascending key order (the MemTable and merge
// iterators both guarantee this). It fsyncs the file and its parent
// directory before returning, satisfying the durability half of flush and
// compaction (spec.md §4.5).
func CreateFrom(path string, level, creationSeq uint64, records []Record, indexInterval int) (*Table, error) {
	if indexInterval <= 0 {
		indexInterval = defaultIndexInterval
	}
	if len(records) == 0 {
		return nil, errs.New("sstable.CreateFrom", errs.KindInvalidArg, fmt.Errorf("no records"))
	}
	for i := 1; i < len(records); i++ {
		if bytes.Compare(records[i-1].Key, records[i].Key) >= 0 {
			return nil, errs.New("sstable.CreateFrom", errs.KindInvalidArg,
				fmt.Errorf("records not strictly ascending at %d", i))
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	minKey, maxKey := records[0].Key, records[len(records)-1].Key
	if err := writeHeader(w, uint64(len(records)), minKey, maxKey); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}

	dataStart := int64(headerSize(minKey, maxKey))
	offsets := make([]int64, len(records))
	pos := dataStart
	for i, rec := range records {
		offsets[i] = pos
		n, err := writeDataRecord(w, rec)
		if err != nil {
			return nil, errs.IO("sstable.CreateFrom", err)
		}
		pos += int64(n)
	}

	var entries []indexEntry
	for i := 0; i < len(records); i += indexInterval {
		entries = append(entries, indexEntry{key: records[i].Key, offset: uint64(offsets[i])})
	}

	indexOffset := pos
	var idxBuf bytes.Buffer
	if err := writeIndex(&idxBuf, entries); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}
	if _, err := w.Write(idxBuf.Bytes()); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}
	indexCRC := crc32.ChecksumIEEE(idxBuf.Bytes())

	if err := w.Flush(); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}

	// footer_crc32 covers every byte written so far (header+data+index) plus
	// index_offset/index_crc32, so flipping any earlier byte is detectable
	// without re-walking the sparse index (spec.md P5).
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}
	bodyHash := crc32.NewIEEE()
	if _, err := io.Copy(bodyHash, f); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}
	footerPrefix := make([]byte, 8+4)
	binary.LittleEndian.PutUint64(footerPrefix[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint32(footerPrefix[8:12], indexCRC)
	bodyHash.Write(footerPrefix)
	footerCRC := bodyHash.Sum32()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}
	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint32(footer[8:12], indexCRC)
	binary.LittleEndian.PutUint32(footer[12:16], footerCRC)
	if _, err := f.Write(footer); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}

	if err := f.Sync(); err != nil {
		return nil, errs.IO("sstable.CreateFrom", err)
	}
	if dirf, err := os.Open(filepath.Dir(path)); err == nil {
		dirf.Sync()
		dirf.Close()
	}

	return Open(path)
}

const footerSize = 8 + 4 + 4

func headerSize(minKey, maxKey []byte) int {
	return 4 + 4 + 8 + 4 + len(minKey) + 4 + len(maxKey)
}

func writeHeader(w io.Writer, recordCount uint64, minKey, maxKey []byte) error {
	buf := make([]byte, 4+4+8)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], recordCount)
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if err := writeLenPrefixed(w, minKey); err != nil {
		return err
	}
	return writeLenPrefixed(w, maxKey)
}

func writeLenPrefixed(w io.Writer, b []byte) error {
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(b)))
	if _, err := w.Write(lenBuf); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// writeDataRecord writes key_len|key|value_len|value|sequence and returns
// the number of bytes written.
func writeDataRecord(w io.Writer, rec Record) (int, error) {
	n := 0
	if err := writeLenPrefixed(w, rec.Key); err != nil {
		return n, err
	}
	n += 4 + len(rec.Key)
	if err := writeLenPrefixed(w, rec.Value); err != nil {
		return n, err
	}
	n += 4 + len(rec.Value)
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, rec.Sequence)
	if _, err := w.Write(seqBuf); err != nil {
		return n, err
	}
	n += 8
	return n, nil
}

func writeIndex(w io.Writer, entries []indexEntry) error {
	countBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(countBuf, uint32(len(entries)))
	if _, err := w.Write(countBuf); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeLenPrefixed(w, e.key); err != nil {
			return err
		}
		offBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(offBuf, e.offset)
		if _, err := w.Write(offBuf); err != nil {
			return err
		}
	}
	return nil
}

// Open loads an existing SSTable's header, footer and sparse index into
// memory, verifying the footer checksum. A file that fails verification is
// reported as ErrCorruptFrame so the caller (engine recovery) can quarantine
// it rather than trusting a torn or tampered table.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.IO("sstable.Open", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.IO("sstable.Open", err)
	}
	size := fi.Size()
	if size < int64(footerSize) {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, fmt.Errorf("file too small"))
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, size-int64(footerSize)); err != nil {
		f.Close()
		return nil, errs.IO("sstable.Open", err)
	}
	indexOffset := binary.LittleEndian.Uint64(footer[0:8])
	indexCRC := binary.LittleEndian.Uint32(footer[8:12])
	footerCRC := binary.LittleEndian.Uint32(footer[12:16])

	bodyHash := crc32.NewIEEE()
	bodyR := io.NewSectionReader(f, 0, size-int64(footerSize)+12)
	if _, err := io.Copy(bodyHash, bodyR); err != nil {
		f.Close()
		return nil, errs.IO("sstable.Open", err)
	}
	if bodyHash.Sum32() != footerCRC {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, fmt.Errorf("footer checksum mismatch"))
	}

	hdr := make([]byte, 16)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, errs.IO("sstable.Open", err)
	}
	if binary.LittleEndian.Uint32(hdr[0:4]) != magic {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, fmt.Errorf("bad magic"))
	}
	recordCount := binary.LittleEndian.Uint64(hdr[8:16])

	r := io.NewSectionReader(f, 16, size)
	minKey, err := readLenPrefixed(r)
	if err != nil {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, err)
	}
	maxKey, err := readLenPrefixed(r)
	if err != nil {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, err)
	}

	indexLen := size - int64(footerSize) - int64(indexOffset)
	if indexLen < 4 {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, fmt.Errorf("bad index offset"))
	}
	idxBuf := make([]byte, indexLen)
	if _, err := f.ReadAt(idxBuf, int64(indexOffset)); err != nil {
		f.Close()
		return nil, errs.IO("sstable.Open", err)
	}
	if crc32.ChecksumIEEE(idxBuf) != indexCRC {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, fmt.Errorf("index checksum mismatch"))
	}
	index, err := decodeIndex(idxBuf)
	if err != nil {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, err)
	}

	level, creationSeq := parseFileName(filepath.Base(path))

	t := &Table{
		path:        path,
		f:           f,
		level:       level,
		creationSeq: creationSeq,
		recordCount: recordCount,
		minKey:      minKey,
		maxKey:      maxKey,
		index:       index,
		sizeBytes:   size,
	}

	// Records are stored in key order, not sequence order, so the maximum
	// sequence in the table can only be found by scanning every record
	// once. Recovery needs this to derive next_sequence without trusting
	// the WAL alone (spec.md §4.5 step 4).
	maxSeq, err := scanMaxSequence(t)
	if err != nil {
		f.Close()
		return nil, errs.New("sstable.Open", errs.KindCorruptFrame, err)
	}
	t.maxSeq = maxSeq

	return t, nil
}

func scanMaxSequence(t *Table) (uint64, error) {
	it, err := t.IterRange(nil, nil)
	if err != nil {
		return 0, err
	}
	var max uint64
	for it.Valid() {
		if s := it.Sequence(); s > max {
			max = s
		}
		if err := it.Next(); err != nil {
			return 0, err
		}
	}
	return max, nil
}

func parseFileName(name string) (level, creationSeq uint64) {
	name = name[:len(name)-len(filepath.Ext(name))]
	fmt.Sscanf(name, "%d-%d", &level, &creationSeq)
	return level, creationSeq
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf)
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func decodeIndex(buf []byte) ([]indexEntry, error) {
	r := bytes.NewReader(buf)
	countBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, countBuf); err != nil {
		return nil, err
	}
	count := binary.LittleEndian.Uint32(countBuf)
	entries := make([]indexEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		key, err := readLenPrefixed(r)
		if err != nil {
			return nil, err
		}
		offBuf := make([]byte, 8)
		if _, err := io.ReadFull(r, offBuf); err != nil {
			return nil, err
		}
		entries = append(entries, indexEntry{key: key, offset: binary.LittleEndian.Uint64(offBuf)})
	}
	return entries, nil
}

// Close releases the underlying file handle.
func (t *Table) Close() error {
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	if err != nil {
		return errs.IO("sstable.Close", err)
	}
	return nil
}

// Path returns the file path this table was opened from.
func (t *Table) Path() string { return t.path }

// Level returns the compaction level encoded in the filename.
func (t *Table) Level() uint64 { return t.level }

// CreationSeq returns the creation sequence encoded in the filename.
func (t *Table) CreationSeq() uint64 { return t.creationSeq }

// MinKey returns the smallest key in the table.
func (t *Table) MinKey() []byte { return t.minKey }

// MaxKey returns the largest key in the table.
func (t *Table) MaxKey() []byte { return t.maxKey }

// RecordCount returns the number of records in the table.
func (t *Table) RecordCount() uint64 { return t.recordCount }

// SizeBytes returns the file size in bytes.
func (t *Table) SizeBytes() int64 { return t.sizeBytes }

// MaxSequence returns the largest sequence number stored in this table.
func (t *Table) MaxSequence() uint64 { return t.maxSeq }

// Get binary-searches the sparse index for the block that may contain key,
// then linearly scans that block until key is found, exceeded, or the next
// indexed boundary is reached (spec.md §4.3).
func (t *Table) Get(key []byte) (sequence uint64, value []byte, found bool, err error) {
	if bytes.Compare(key, t.minKey) < 0 || bytes.Compare(key, t.maxKey) > 0 {
		return 0, nil, false, nil
	}

	blockStart, blockEnd := t.blockBounds(key)

	pos := blockStart
	for pos < blockEnd {
		rec, n, rerr := t.readRecordAt(pos)
		if rerr != nil {
			return 0, nil, false, errs.New("sstable.Get", errs.KindCorruptFrame, rerr)
		}
		cmp := bytes.Compare(rec.Key, key)
		if cmp == 0 {
			return rec.Sequence, rec.Value, true, nil
		}
		if cmp > 0 {
			return 0, nil, false, nil
		}
		pos += n
	}
	return 0, nil, false, nil
}

// blockBounds returns [start, end) file offsets for the data block that
// would contain key, per the sparse index.
func (t *Table) blockBounds(key []byte) (start, end int64) {
	i := sort.Search(len(t.index), func(i int) bool {
		return bytes.Compare(t.index[i].key, key) > 0
	})
	// i is the first entry strictly greater than key; the containing block
	// starts at the entry before it.
	if i == 0 {
		start = int64(headerSize(t.minKey, t.maxKey))
	} else {
		start = int64(t.index[i-1].offset)
	}
	if i < len(t.index) {
		end = int64(t.index[i].offset)
	} else {
		end = t.indexRegionOffset()
	}
	return start, end
}

func (t *Table) indexRegionOffset() int64 {
	footer := make([]byte, footerSize)
	t.f.ReadAt(footer, t.sizeBytes-int64(footerSize))
	return int64(binary.LittleEndian.Uint64(footer[0:8]))
}

func (t *Table) readRecordAt(pos int64) (Record, int64, error) {
	r := io.NewSectionReader(t.f, pos, t.sizeBytes-pos)
	key, err := readLenPrefixed(r)
	if err != nil {
		return Record{}, 0, err
	}
	value, err := readLenPrefixed(r)
	if err != nil {
		return Record{}, 0, err
	}
	seqBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, seqBuf); err != nil {
		return Record{}, 0, err
	}
	n := int64(4 + len(key) + 4 + len(value) + 8)
	return Record{Key: key, Value: value, Sequence: binary.LittleEndian.Uint64(seqBuf)}, n, nil
}

// Iterator performs an ordered forward scan over a table's data region.
type Iterator struct {
	t     *Table
	pos   int64
	end   int64
	cur   Record
	done  bool
	err   error
	upper []byte
}

// IterRange returns an iterator over [lower, upper) (either bound may be
// nil to mean unbounded), used by compaction and full scans.
func (t *Table) IterRange(lower, upper []byte) (*Iterator, error) {
	start := int64(headerSize(t.minKey, t.maxKey))
	if lower != nil {
		start, _ = t.blockBounds(lower)
	}
	it := &Iterator{t: t, pos: start, end: t.indexRegionOffset()}
	if err := it.advance(); err != nil {
		return nil, err
	}
	for it.Valid() && lower != nil && bytes.Compare(it.Key(), lower) < 0 {
		if err := it.Next(); err != nil {
			return nil, err
		}
	}
	if upper != nil && it.Valid() && bytes.Compare(it.Key(), upper) >= 0 {
		it.done = true
	}
	it.upper = upper
	return it, nil
}

func (it *Iterator) advance() error {
	if it.pos >= it.end {
		it.done = true
		return nil
	}
	rec, n, err := it.t.readRecordAt(it.pos)
	if err != nil {
		it.err = err
		it.done = true
		return errs.New("sstable.Iterator", errs.KindCorruptFrame, err)
	}
	it.cur = rec
	it.pos += n
	return nil
}

// Valid reports whether the iterator currently points at a record.
func (it *Iterator) Valid() bool { return !it.done }

// Key returns the current record's key.
func (it *Iterator) Key() []byte { return it.cur.Key }

// Value returns the current record's value.
func (it *Iterator) Value() []byte { return it.cur.Value }

// Sequence returns the current record's sequence number.
func (it *Iterator) Sequence() uint64 { return it.cur.Sequence }

// Err returns the first error encountered during iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Next advances the iterator.
func (it *Iterator) Next() error {
	if it.done {
		return nil
	}
	if err := it.advance(); err != nil {
		return err
	}
	if it.upper != nil && it.Valid() && bytes.Compare(it.Key(), it.upper) >= 0 {
		it.done = true
	}
	return nil
}
