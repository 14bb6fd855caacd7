package memtable

import (
	"math/rand"
	"testing"
)

func TestSkipList_putRejectsDuplicate(t *testing.T) {
	sl := newSkipList(rand.New(rand.NewSource(1)))

	if ok := sl.put([]byte("a"), 1, []byte("A")); !ok {
		t.Fatal("expected first put to succeed")
	}
	if ok := sl.put([]byte("a"), 2, []byte("B")); ok {
		t.Fatal("expected duplicate put to be rejected")
	}

	seq, val, ok := sl.get([]byte("a"))
	if !ok || seq != 1 || string(val) != "A" {
		t.Errorf("expected original entry to survive, got seq=%d val=%q ok=%v", seq, val, ok)
	}
}

func TestSkipList_entriesAreSorted(t *testing.T) {
	sl := newSkipList(rand.New(rand.NewSource(42)))
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for i, k := range keys {
		sl.put([]byte(k), uint64(i+1), []byte(k))
	}

	entries := sl.entries()
	if len(entries) != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if string(entries[i-1].Key) >= string(entries[i].Key) {
			t.Errorf("entries not strictly ascending at %d: %q >= %q", i, entries[i-1].Key, entries[i].Key)
		}
	}
}
