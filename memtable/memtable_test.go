package memtable

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/flarekv/flare/record"
	"github.com/google/go-cmp/cmp"
)

func init() {
	rand.Seed(1)
}

func TestEmpty(t *testing.T) {
	m := New()
	if m.Len() != 0 || m.SizeBytes() != 0 {
		t.Fatalf("expected empty memtable, got len=%d size=%d", m.Len(), m.SizeBytes())
	}
	if _, ok := m.Get([]byte("x")); ok {
		t.Fatalf("expected miss on empty memtable")
	}
}

func TestSetAndGet(t *testing.T) {
	m := New()
	m.Set(record.Record{Key: []byte("a"), Value: []byte("1")})

	got, ok := m.Get([]byte("a"))
	if !ok {
		t.Fatalf("expected hit")
	}
	want := record.Record{Key: []byte("a"), Value: []byte("1")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Get mismatch (-want +got):\n%s", diff)
	}
}

func TestOverwriteLastWriterWins(t *testing.T) {
	m := New()
	m.Set(record.Record{Key: []byte("a"), Value: []byte("1")})
	m.Set(record.Record{Key: []byte("a"), Value: []byte("2")})

	got, _ := m.Get([]byte("a"))
	if string(got.Value) != "2" {
		t.Fatalf("expected last writer to win, got %q", got.Value)
	}
	if m.Len() != 1 {
		t.Fatalf("expected single entry after overwrite, got %d", m.Len())
	}
}

func TestTombstoneMasksValue(t *testing.T) {
	m := New()
	m.Set(record.Record{Key: []byte("a"), Value: []byte("1")})
	m.Set(record.Record{Key: []byte("a"), Tombstone: true})

	got, ok := m.Get([]byte("a"))
	if !ok {
		t.Fatalf("expected tombstone entry to still be present")
	}
	if !got.Tombstone || got.Value != nil {
		t.Fatalf("expected tombstone with no value, got %+v", got)
	}
}

func TestIterationOrderAndSize(t *testing.T) {
	m := New()
	keys := []string{"banana", "apple", "cherry", "date"}
	for _, k := range keys {
		m.Set(record.Record{Key: []byte(k), Value: []byte(k)})
	}

	entries := m.Entries()
	if len(entries) != len(keys) {
		t.Fatalf("expected %d entries, got %d", len(keys), len(entries))
	}
	want := []string{"apple", "banana", "cherry", "date"}
	for i, e := range entries {
		if string(e.Key) != want[i] {
			t.Fatalf("entry %d: got key %q, want %q", i, e.Key, want[i])
		}
	}

	wantSize := 0
	for _, k := range keys {
		wantSize += len(k) + len(k)
	}
	if m.SizeBytes() != wantSize {
		t.Fatalf("SizeBytes: got %d, want %d", m.SizeBytes(), wantSize)
	}
}

func TestManyKeysRemainSorted(t *testing.T) {
	m := New()
	for i := 0; i < 2000; i++ {
		k := fmt.Sprintf("key-%05d", i)
		m.Set(record.Record{Key: []byte(k), Value: []byte(k)})
	}
	entries := m.Entries()
	for i := 1; i < len(entries); i++ {
		if string(entries[i-1].Key) >= string(entries[i].Key) {
			t.Fatalf("entries out of order at %d: %q >= %q", i, entries[i-1].Key, entries[i].Key)
		}
	}
	if m.Len() != 2000 {
		t.Fatalf("expected 2000 entries, got %d", m.Len())
	}
}
