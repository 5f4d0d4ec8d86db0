package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type item struct {
	Name string `json:"name"`
	N    int    `json:"n"`
}

func TestPutGetDelete(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "kv.json"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	if err := db.Put(ctx, "item/a", item{Name: "a", N: 1}); err != nil {
		t.Fatalf("put: %v", err)
	}
	var got item
	ok, err := db.Get("item/a", &got)
	if err != nil || !ok {
		t.Fatalf("get = %v, %v", ok, err)
	}
	if got.N != 1 {
		t.Errorf("n = %d, want 1", got.N)
	}

	if err := db.Delete(ctx, "item/a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ok, _ := db.Get("item/a", &got); ok {
		t.Error("expected key to be gone")
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "kv.json")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.Put(context.Background(), "item/a", item{Name: "a"})

	db2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	var got item
	if ok, _ := db2.Get("item/a", &got); !ok || got.Name != "a" {
		t.Errorf("after reopen = %+v, %v", got, ok)
	}
}

func TestUpdateDiscardsOnError(t *testing.T) {
	db, _ := Open("")
	ctx := context.Background()
	db.Put(ctx, "item/a", item{N: 1})

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *Tx) error {
		tx.Put("item/a", item{N: 2})
		tx.Put("item/b", item{N: 3})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var got item
	db.Get("item/a", &got)
	if got.N != 1 {
		t.Errorf("n = %d, want 1 (unchanged)", got.N)
	}
	if ok, _ := db.Get("item/b", &got); ok {
		t.Error("staged insert leaked")
	}
}

func TestUpdateFlushFailureKeepsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kv.json")
	db, _ := Open(path)
	ctx := context.Background()
	db.Put(ctx, "item/a", item{N: 1})

	// Replace the directory so the temp file cannot be created.
	os.RemoveAll(dir)
	if err := db.Put(ctx, "item/a", item{N: 2}); err == nil {
		t.Fatal("expected flush error")
	}
	var got item
	db.Get("item/a", &got)
	if got.N != 1 {
		t.Errorf("n = %d, want 1 after failed flush", got.N)
	}
}

func TestTxSeesStagedWrites(t *testing.T) {
	db, _ := Open("")
	ctx := context.Background()
	db.Put(ctx, "item/a", item{N: 1})
	db.Put(ctx, "item/b", item{N: 2})

	err := db.Update(ctx, func(tx *Tx) error {
		tx.Delete("item/a")
		tx.Put("item/c", item{N: 3})
		var keys []string
		tx.Scan("item/", func(k string, _ json.RawMessage) error {
			keys = append(keys, k)
			return nil
		})
		if len(keys) != 2 || keys[0] != "item/b" || keys[1] != "item/c" {
			t.Errorf("keys = %v, want [item/b item/c]", keys)
		}
		var got item
		if ok, _ := tx.Get("item/a", &got); ok {
			t.Error("deleted key visible in tx")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
}

func TestNextSeqPersists(t *testing.T) {
	db, _ := Open("")
	ctx := context.Background()
	var first, second int64
	db.Update(ctx, func(tx *Tx) error { first = tx.NextSeq(); return nil })
	db.Update(ctx, func(tx *Tx) error { second = tx.NextSeq(); return nil })
	if second <= first {
		t.Errorf("seq %d then %d, want increasing", first, second)
	}
}

func TestUpdateHonorsCancelledContext(t *testing.T) {
	db, _ := Open("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := db.Put(ctx, "item/a", item{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
