package sstable

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blockdb/blockdb/errs"
)

func recs(kvs ...string) []Record {
	out := make([]Record, 0, len(kvs))
	for i, kv := range kvs {
		out = append(out, Record{Key: []byte(kv), Sequence: uint64(i + 1), Value: []byte(kv + "-val")})
	}
	return out
}

func TestCreateFromAndGet(t *testing.T) {
	tests := map[string]struct {
		keys          []string
		indexInterval int
	}{
		"dense index, few keys":   {[]string{"a", "b", "c", "d", "e"}, 1},
		"sparse index, many keys": {[]string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}, 3},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, FileName(0, 1))

			tbl, err := CreateFrom(path, 0, 1, recs(tc.keys...), tc.indexInterval)
			if err != nil {
				t.Fatalf("CreateFrom: %v", err)
			}
			defer tbl.Close()

			for i, k := range tc.keys {
				seq, val, found, err := tbl.Get([]byte(k))
				if err != nil {
					t.Fatalf("Get(%q): %v", k, err)
				}
				if !found {
					t.Fatalf("Get(%q): not found", k)
				}
				if seq != uint64(i+1) {
					t.Errorf("Get(%q) seq = %d, want %d", k, seq, i+1)
				}
				if string(val) != k+"-val" {
					t.Errorf("Get(%q) = %q, want %q", k, val, k+"-val")
				}
			}

			if _, _, found, _ := tbl.Get([]byte("zzz-missing")); found {
				t.Error("expected miss for key outside range")
			}
			if string(tbl.MinKey()) != tc.keys[0] {
				t.Errorf("MinKey() = %q, want %q", tbl.MinKey(), tc.keys[0])
			}
			if string(tbl.MaxKey()) != tc.keys[len(tc.keys)-1] {
				t.Errorf("MaxKey() = %q, want %q", tbl.MaxKey(), tc.keys[len(tc.keys)-1])
			}
			if tbl.RecordCount() != uint64(len(tc.keys)) {
				t.Errorf("RecordCount() = %d, want %d", tbl.RecordCount(), len(tc.keys))
			}
		})
	}
}

func TestCreateFrom_rejectsUnsortedInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1))
	_, err := CreateFrom(path, 0, 1, recs("b", "a"), 1)
	if !errors.Is(err, errs.ErrInvalidArg) {
		t.Fatalf("expected ErrInvalidArg for unsorted records, got %v", err)
	}
}

func TestIterRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1))
	keys := []string{"a", "b", "c", "d", "e"}
	tbl, err := CreateFrom(path, 0, 1, recs(keys...), 2)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	it, err := tbl.IterRange([]byte("b"), []byte("d"))
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for it.Valid() {
		got = append(got, string(it.Key()))
		if err := it.Next(); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"b", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("IterRange mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_detectsFooterCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(0, 1))
	tbl, err := CreateFrom(path, 0, 1, recs("a", "b", "c"), 1)
	if err != nil {
		t.Fatal(err)
	}
	tbl.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte in the middle of the data region.
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err = Open(path)
	if !errors.Is(err, errs.ErrCorruptFrame) {
		t.Fatalf("expected ErrCorruptFrame after bit flip, got %v", err)
	}
}

func TestFileName(t *testing.T) {
	tests := map[string]struct {
		level, seq uint64
		want       string
	}{
		"level 0":    {0, 1, "0-1.sst"},
		"level 2 hi": {2, 9999, "2-9999.sst"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := FileName(tc.level, tc.seq); got != tc.want {
				t.Errorf("FileName(%d, %d) = %q, want %q", tc.level, tc.seq, got, tc.want)
			}
		})
	}
}

func TestOpen_roundTripsLevelAndCreationSeq(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName(3, 42))
	tbl, err := CreateFrom(path, 3, 42, recs("a"), 1)
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	if tbl.Level() != 3 {
		t.Errorf("Level() = %d, want 3", tbl.Level())
	}
	if tbl.CreationSeq() != 42 {
		t.Errorf("CreationSeq() = %d, want 42", tbl.CreationSeq())
	}
}
