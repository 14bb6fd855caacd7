package memtable

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/blockdb/blockdb/errs"
)

func TestInsertAndGet(t *testing.T) {
	tests := map[string]struct {
		key   string
		seq   uint64
		value string
	}{
		"simple":      {"a", 1, "A"},
		"empty value": {"b", 2, ""},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			m := New()
			if err := m.Insert([]byte(tc.key), tc.seq, []byte(tc.value)); err != nil {
				t.Fatalf("Insert: %v", err)
			}

			got, seq, ok := m.Get([]byte(tc.key))
			if !ok {
				t.Fatalf("Get(%q): not found", tc.key)
			}
			if seq != tc.seq {
				t.Errorf("Get(%q) seq = %d, want %d", tc.key, seq, tc.seq)
			}
			if string(got) != tc.value {
				t.Errorf("Get(%q) = %q, want %q", tc.key, got, tc.value)
			}
		})
	}
}

func TestInsert_duplicateKeyRejected(t *testing.T) {
	m := New()
	if err := m.Insert([]byte("counter"), 1, []byte("1")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := m.Insert([]byte("counter"), 2, []byte("2"))
	if !errors.Is(err, errs.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}

	got, seq, ok := m.Get([]byte("counter"))
	if !ok || seq != 1 || string(got) != "1" {
		t.Errorf("expected original (1, %q) to survive the rejected overwrite, got (%d, %q)", "1", seq, got)
	}
}

func TestIterOrdered(t *testing.T) {
	m := New()
	for _, kv := range []struct {
		key, val string
		seq      uint64
	}{
		{"c", "3", 3}, {"a", "1", 1}, {"b", "2", 2},
	} {
		if err := m.Insert([]byte(kv.key), kv.seq, []byte(kv.val)); err != nil {
			t.Fatal(err)
		}
	}

	got := m.IterOrdered()
	want := []Entry{
		{Key: []byte("a"), Sequence: 1, Value: []byte("1")},
		{Key: []byte("b"), Sequence: 2, Value: []byte("2")},
		{Key: []byte("c"), Sequence: 3, Value: []byte("3")},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("IterOrdered mismatch (-want +got):\n%s", diff)
	}
}

func TestApproximateBytesGrows(t *testing.T) {
	m := New()
	before := m.ApproximateBytes()
	if err := m.Insert([]byte("key"), 1, []byte("value")); err != nil {
		t.Fatal(err)
	}
	after := m.ApproximateBytes()
	if after <= before {
		t.Errorf("expected ApproximateBytes to grow after insert, before=%d after=%d", before, after)
	}
}

func TestClear(t *testing.T) {
	m := New()
	if err := m.Insert([]byte("key"), 1, []byte("value")); err != nil {
		t.Fatal(err)
	}
	m.Clear()

	if m.Len() != 0 {
		t.Errorf("expected Len() == 0 after Clear, got %d", m.Len())
	}
	if m.ApproximateBytes() != 0 {
		t.Errorf("expected ApproximateBytes() == 0 after Clear, got %d", m.ApproximateBytes())
	}
	if _, _, ok := m.Get([]byte("key")); ok {
		t.Error("expected Get to miss after Clear")
	}
}
