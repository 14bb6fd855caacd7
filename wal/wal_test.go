package wal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blockdb/blockdb/clock"
	"github.com/blockdb/blockdb/errs"
)

func mustOpen(t *testing.T, dir string, mode SyncMode) *WAL {
	t.Helper()
	w, err := Open(dir, mode, clock.NewFixed(1000))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAndIterate(t *testing.T) {
	tests := map[string]struct {
		records []Record
	}{
		"single record": {
			records: []Record{{Sequence: 1, Key: []byte("a"), Value: []byte("A"), TimestampMs: 1000}},
		},
		"multiple records": {
			records: []Record{
				{Sequence: 1, Key: []byte("a"), Value: []byte("A"), TimestampMs: 1000},
				{Sequence: 2, Key: []byte("b"), Value: []byte("B"), TimestampMs: 1001},
				{Sequence: 3, Key: []byte("c"), Value: []byte(""), TimestampMs: 1002},
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			w := mustOpen(t, dir, DurableMode())

			for _, rec := range tc.records {
				if _, err := w.Append(rec); err != nil {
					t.Fatalf("Append: %v", err)
				}
			}

			got, err := w.IterateFrom(0)
			if err != nil {
				t.Fatalf("IterateFrom: %v", err)
			}
			if len(got) != len(tc.records) {
				t.Fatalf("expected %d frames, got %d", len(tc.records), len(got))
			}
			for i, f := range got {
				if diff := cmp.Diff(tc.records[i], f.Record); diff != "" {
					t.Errorf("frame %d mismatch (-want +got):\n%s", i, diff)
				}
			}
		})
	}
}

func TestIterateFrom_stopsOnTornTail(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, DurableMode())

	records := []Record{
		{Sequence: 1, Key: []byte("a"), Value: []byte("A"), TimestampMs: 1000},
		{Sequence: 2, Key: []byte("b"), Value: []byte("B"), TimestampMs: 1001},
	}
	for _, rec := range records {
		if _, err := w.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// Simulate a torn write: truncate the active segment mid-frame.
	path := w.segments[len(w.segments)-1].path
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, fi.Size()-3); err != nil {
		t.Fatal(err)
	}

	w2, err := Open(dir, DurableMode(), clock.NewFixed(1000))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	got, err := w2.IterateFrom(0)
	if err != nil {
		t.Fatalf("IterateFrom: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 recovered frame, got %d", len(got))
	}
	if got[0].Sequence != 1 {
		t.Errorf("expected recovered sequence 1, got %d", got[0].Sequence)
	}
}

func TestTruncateBefore_neverPartial(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, DurableMode())

	if _, err := w.Append(Record{Sequence: 1, Key: []byte("a"), Value: []byte("A"), TimestampMs: 1000}); err != nil {
		t.Fatal(err)
	}
	firstSegmentEnd, err := w.Append(Record{Sequence: 2, Key: []byte("b"), Value: []byte("B"), TimestampMs: 1000})
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Rotate(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Append(Record{Sequence: 3, Key: []byte("c"), Value: []byte("C"), TimestampMs: 1000}); err != nil {
		t.Fatal(err)
	}

	if err := w.TruncateBefore(firstSegmentEnd); err != nil {
		t.Fatal(err)
	}

	got, err := w.IterateFrom(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Sequence != 3 {
		t.Fatalf("expected only sequence 3 to survive truncation, got %+v", got)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one segment file on disk, got %d: %v", len(entries), entries)
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, DurableMode())

	if _, err := w.Append(Record{Sequence: 1, Key: []byte("a"), Value: []byte("A"), TimestampMs: 1000}); err != nil {
		t.Fatal(err)
	}
	if err := w.Clear(); err != nil {
		t.Fatal(err)
	}

	got, err := w.IterateFrom(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty log after Clear, got %d frames", len(got))
	}
}

func TestAppend_quiescesAfterIOFailure(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, DurableMode())

	active := w.segments[len(w.segments)-1]
	active.f.Close()

	if _, err := w.Append(Record{Sequence: 1, Key: []byte("a"), Value: []byte("A"), TimestampMs: 1000}); err == nil {
		t.Fatal("expected append to fail once the underlying file is closed")
	}

	_, err := w.Append(Record{Sequence: 2, Key: []byte("b"), Value: []byte("B"), TimestampMs: 1000})
	if !errors.Is(err, errs.ErrIO) {
		t.Errorf("expected subsequent appends to stay quiesced with ErrIO, got %v", err)
	}
}

func TestWalFull_whenSegmentsExhausted(t *testing.T) {
	dir := t.TempDir()
	w := mustOpen(t, dir, DurableMode())
	w.WithSegmentBound(1, 1)

	if _, err := w.Append(Record{Sequence: 1, Key: []byte("a"), Value: []byte("A"), TimestampMs: 1000}); err != nil {
		t.Fatalf("first append: %v", err)
	}

	_, err := w.Append(Record{Sequence: 2, Key: []byte("b"), Value: []byte("B"), TimestampMs: 1000})
	if !errors.Is(err, errs.ErrWalFull) {
		t.Errorf("expected ErrWalFull once the single segment bound is exceeded, got %v", err)
	}
}

func TestSegmentPath(t *testing.T) {
	got := segmentPath("/tmp/wal", 7)
	want := filepath.Join("/tmp/wal", "7.log")
	if got != want {
		t.Errorf("segmentPath() = %q, want %q", got, want)
	}
}
