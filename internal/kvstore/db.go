// Package kvstore is a small JSON-file key-value database. The whole data
// set lives in memory and is rewritten atomically on every committed write.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type snapshot struct {
	Seq  int64                      `json:"seq"`
	Data map[string]json.RawMessage `json:"data"`
}

// DB is safe for concurrent use. Writers are serialized.
type DB struct {
	mu   sync.RWMutex
	path string
	snap snapshot
}

// Open loads the database at path, creating an empty one if the file does
// not exist. An empty path keeps everything in memory.
func Open(path string) (*DB, error) {
	db := &DB{path: path, snap: snapshot{Data: map[string]json.RawMessage{}}}
	if path == "" {
		return db, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(b) == 0 {
		return db, nil
	}
	if err := json.Unmarshal(b, &db.snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if db.snap.Data == nil {
		db.snap.Data = map[string]json.RawMessage{}
	}
	return db, nil
}

// Get decodes the value at key into v. It reports false if key is absent.
func (db *DB) Get(key string, v any) (bool, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return get(db.snap.Data, key, v)
}

func (db *DB) Put(ctx context.Context, key string, v any) error {
	return db.Update(ctx, func(tx *Tx) error { return tx.Put(key, v) })
}

func (db *DB) Delete(ctx context.Context, key string) error {
	return db.Update(ctx, func(tx *Tx) error { tx.Delete(key); return nil })
}

// Scan calls fn for each key with the given prefix, in key order.
func (db *DB) Scan(prefix string, fn func(key string, raw json.RawMessage) error) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return scan(db.snap.Data, nil, prefix, fn)
}

// Update runs fn against a staged view of the data. Staged writes are
// applied and flushed only if fn returns nil and the file write succeeds.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &Tx{base: db.snap.Data, staged: map[string]json.RawMessage{}, seq: db.snap.Seq}
	if err := fn(tx); err != nil {
		return err
	}
	if len(tx.staged) == 0 && tx.seq == db.snap.Seq {
		return nil
	}

	next := snapshot{Seq: tx.seq, Data: make(map[string]json.RawMessage, len(db.snap.Data)+len(tx.staged))}
	for k, v := range db.snap.Data {
		next.Data[k] = v
	}
	for k, v := range tx.staged {
		if v == nil {
			delete(next.Data, k)
			continue
		}
		next.Data[k] = v
	}
	if err := db.flush(next); err != nil {
		return err
	}
	db.snap = next
	return nil
}

func (db *DB) flush(s snapshot) error {
	if db.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(db.path), filepath.Base(db.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), db.path); err != nil {
		return fmt.Errorf("replace %s: %w", db.path, err)
	}
	return nil
}

// Tx is the staged view passed to Update. It is not safe to retain after
// Update returns.
type Tx struct {
	base   map[string]json.RawMessage
	staged map[string]json.RawMessage
	seq    int64
}

func (tx *Tx) Get(key string, v any) (bool, error) {
	if raw, ok := tx.staged[key]; ok {
		if raw == nil {
			return false, nil
		}
		return true, json.Unmarshal(raw, v)
	}
	return get(tx.base, key, v)
}

func (tx *Tx) Put(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	tx.staged[key] = b
	return nil
}

func (tx *Tx) Delete(key string) {
	tx.staged[key] = nil
}

// NextSeq returns a database-wide increasing sequence number.
func (tx *Tx) NextSeq() int64 {
	tx.seq++
	return tx.seq
}

func (tx *Tx) Scan(prefix string, fn func(key string, raw json.RawMessage) error) error {
	return scan(tx.base, tx.staged, prefix, fn)
}

func get(data map[string]json.RawMessage, key string, v any) (bool, error) {
	raw, ok := data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func scan(base, staged map[string]json.RawMessage, prefix string, fn func(string, json.RawMessage) error) error {
	view := map[string]json.RawMessage{}
	for k, v := range base {
		if strings.HasPrefix(k, prefix) {
			view[k] = v
		}
	}
	for k, v := range staged {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(view, k)
			continue
		}
		view[k] = v
	}
	keys := make([]string, 0, len(view))
	for k := range view {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, view[k]); err != nil {
			return err
		}
	}
	return nil
}
