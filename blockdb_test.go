package blockdb

import (
	"testing"

	"github.com/blockdb/blockdb/clock"
)

func openTestDB(t *testing.T, dir string) *DB {
	t.Helper()
	db, err := Open(dir, WithClock(clock.NewFixed(1000)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEndToEnd_createPutGetFlushVerify(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	id, err := db.CreateCollection("users", nil, nil)
	if err != nil {
		t.Fatalf("CreateCollection: %v", err)
	}

	if err := db.Put(id, []byte("user:1"), []byte("Alice")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, found, err := db.Get(id, []byte("user:1"))
	if err != nil || !found || string(v) != "Alice" {
		t.Fatalf("Get = %q found=%v err=%v", v, found, err)
	}

	if err := db.Flush(id); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	v, found, err = db.Get(id, []byte("user:1"))
	if err != nil || !found || string(v) != "Alice" {
		t.Fatalf("Get after flush = %q found=%v err=%v", v, found, err)
	}

	ok, err := db.Verify(id)
	if err != nil || !ok {
		t.Fatalf("Verify = %v, err=%v", ok, err)
	}

	stats, err := db.Stats(id)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.SSTableCount != 1 {
		t.Errorf("Stats.SSTableCount = %d, want 1", stats.SSTableCount)
	}
}

func TestListCollections_andDrop(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	id1, _ := db.CreateCollection("a", nil, nil)
	_, _ = db.CreateCollection("b", nil, nil)

	if len(db.ListCollections()) != 2 {
		t.Fatalf("ListCollections = %d, want 2", len(db.ListCollections()))
	}

	if err := db.DropCollection(id1); err != nil {
		t.Fatalf("DropCollection: %v", err)
	}
	if len(db.ListCollections()) != 1 {
		t.Fatalf("ListCollections after drop = %d, want 1", len(db.ListCollections()))
	}
}

func TestDropCollection_doesNotAffectOthers(t *testing.T) {
	db := openTestDB(t, t.TempDir())

	idA, err := db.CreateCollection("a", nil, nil)
	if err != nil {
		t.Fatalf("CreateCollection a: %v", err)
	}
	idB, err := db.CreateCollection("b", nil, nil)
	if err != nil {
		t.Fatalf("CreateCollection b: %v", err)
	}

	if err := db.Put(idA, []byte("k1"), []byte("from-a")); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := db.Put(idB, []byte("k1"), []byte("from-b")); err != nil {
		t.Fatalf("Put b: %v", err)
	}

	if err := db.DropCollection(idA); err != nil {
		t.Fatalf("DropCollection a: %v", err)
	}

	if _, _, err := db.Get(idA, []byte("k1")); err == nil {
		t.Fatal("Get on dropped collection a should fail")
	}

	v, found, err := db.Get(idB, []byte("k1"))
	if err != nil || !found || string(v) != "from-b" {
		t.Fatalf("Get b after dropping a = %q found=%v err=%v, want from-b", v, found, err)
	}

	ok, err := db.Verify(idB)
	if err != nil || !ok {
		t.Fatalf("Verify b after dropping a = %v, err=%v", ok, err)
	}

	if len(db.ListCollections()) != 1 {
		t.Fatalf("ListCollections after drop = %d, want 1", len(db.ListCollections()))
	}
}

func TestCreateIndex_andDropIndex(t *testing.T) {
	db := openTestDB(t, t.TempDir())
	id, _ := db.CreateCollection("users", nil, nil)

	if err := db.CreateIndex(id, "by_email", []byte("email")); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := db.DropIndex(id, "by_email"); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
}
