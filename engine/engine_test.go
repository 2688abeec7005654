package engine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "flare-engine-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func TestBasicSetGetOverwriteDelete(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Set(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := db.Get([]byte("a"))
	if err != nil || !ok || string(got) != "1" {
		t.Fatalf("Get after Set = %q, %v, %v", got, ok, err)
	}

	if err := db.Set(ctx, []byte("a"), []byte("2")); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, ok, err = db.Get([]byte("a"))
	if err != nil || !ok || string(got) != "2" {
		t.Fatalf("Get after overwrite = %q, %v, %v", got, ok, err)
	}

	if err := db.Delete(ctx, []byte("a")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err = db.Get([]byte("a"))
	if err != nil || ok {
		t.Fatalf("Get after Delete = ok=%v err=%v, want absent", ok, err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	if err := db.Set(context.Background(), nil, []byte("v")); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestEmptyValueDistinctFromAbsent(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Set(ctx, []byte("k"), []byte{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := db.Get([]byte("k"))
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v, %v", got, ok, err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty value, got %q", got)
	}

	_, ok, err = db.Get([]byte("missing"))
	if err != nil || ok {
		t.Fatalf("expected absent for unknown key, got ok=%v err=%v", ok, err)
	}
}

func TestLargeValue(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	big := bytes.Repeat([]byte{0xAB}, 1<<20)
	if err := db.Set(context.Background(), []byte("big"), big); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := db.Get([]byte("big"))
	if err != nil || !ok {
		t.Fatalf("Get = ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("large value roundtrip mismatch")
	}
}

func TestMultiSSTableManyKeys(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir, WithMemtableFlushBytes(1<<10))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	const n = 1000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		val := fmt.Sprintf("value-%05d", i)
		if err := db.Set(ctx, []byte(key), []byte(val)); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}

	waitForIdle(t, db)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%05d", i)
		want := fmt.Sprintf("value-%05d", i)
		got, ok, err := db.Get([]byte(key))
		if err != nil || !ok || string(got) != want {
			t.Fatalf("Get(%s) = %q, %v, %v; want %q", key, got, ok, err, want)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	sstCount := 0
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".sst" {
			sstCount++
		}
	}
	if sstCount == 0 {
		t.Fatalf("expected at least one SSTable on disk, found none")
	}
}

func TestRecoveryReplaysUnflushedWrites(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx := context.Background()
	keys := []string{"r1", "r2", "r3"}
	for _, k := range keys {
		if err := db.Set(ctx, []byte(k), []byte("val-"+k)); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	// Close without ever crossing the flush threshold: the only copy
	// of this data on disk is the WAL tail.
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	for _, k := range keys {
		got, ok, err := db2.Get([]byte(k))
		if err != nil || !ok || string(got) != "val-"+k {
			t.Fatalf("Get(%s) after recovery = %q, %v, %v", k, got, ok, err)
		}
	}
}

func TestRecoveryIsIdempotent(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := db.Set(ctx, []byte("x"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and close repeatedly without writing: each reopen must
	// recover the same single value, never duplicating or losing it.
	for i := 0; i < 3; i++ {
		db, err = Open(dir)
		if err != nil {
			t.Fatalf("reopen %d: %v", i, err)
		}
		got, ok, err := db.Get([]byte("x"))
		if err != nil || !ok || string(got) != "1" {
			t.Fatalf("reopen %d: Get = %q, %v, %v", i, got, ok, err)
		}
		if err := db.Close(); err != nil {
			t.Fatalf("reopen %d close: %v", i, err)
		}
	}
}

func TestTombstoneShadowsOlderSSTableValue(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir, WithMemtableFlushBytes(1))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Set(ctx, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitForIdle(t, db)

	if err := db.Delete(ctx, []byte("k")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitForIdle(t, db)

	_, ok, err := db.Get([]byte("k"))
	if err != nil || ok {
		t.Fatalf("Get after cross-table delete = ok=%v err=%v, want absent", ok, err)
	}
}

func TestCompactionDoesNotChangeVisibleKeys(t *testing.T) {
	dir := tempDir(t)
	db, err := Open(dir,
		WithMemtableFlushBytes(256),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	const n = 500
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("k-%04d", i%100) // repeated keys force overwrites across flushes
		val := fmt.Sprintf("v-%04d", i)
		if err := db.Set(ctx, []byte(key), []byte(val)); err != nil {
			t.Fatalf("Set(%d): %v", i, err)
		}
	}
	waitForIdle(t, db)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k-%04d", i)
		if _, ok, err := db.Get([]byte(key)); err != nil || !ok {
			t.Fatalf("Get(%s) after compaction = ok=%v err=%v", key, ok, err)
		}
	}
}

// waitForIdle gives the background worker a bounded window to finish
// any pending flush/compaction, then asserts it actually quiesced;
// tests use this instead of sleeping a fixed duration blindly.
func waitForIdle(t *testing.T, db *DB) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		db.mu.Lock()
		idle := db.pending == nil
		db.mu.Unlock()
		if idle {
			time.Sleep(20 * time.Millisecond) // let a just-queued compaction start
			db.mu.Lock()
			idle = db.pending == nil
			db.mu.Unlock()
			if idle {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("background worker did not idle within deadline")
}
