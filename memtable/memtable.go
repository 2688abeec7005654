// Package memtable implements the ordered in-memory write buffer: a
// skip list keyed on raw key bytes, mapping to the current
// (value, tombstone) state for that key.
//
// This mirrors the probabilistic-level skip list in the model
// repository's memtable/skip_list.go, but specializes it to the
// engine's own domain type instead of a generic [K, V] container:
// callers need a sorted map from key bytes to (value?, tomb), not a
// reusable generic structure.
package memtable

import (
	"bytes"
	"math/rand"

	"github.com/flarekv/flare/record"
)

const (
	maxLevel   = 16
	branchingP = 0.5
)

type node struct {
	rec     record.Record
	forward []*node
}

// Memtable is an ordered, mutable map from key bytes to the entry
// most recently written for that key.
type Memtable struct {
	head      *node
	level     int // highest populated level, -1 when empty
	entries   int
	sizeBytes int
}

// New returns an empty memtable.
func New() *Memtable {
	return &Memtable{
		head:  &node{forward: make([]*node, maxLevel+1)},
		level: -1,
	}
}

func randomLevel() int {
	lvl := 0
	for lvl < maxLevel && rand.Float64() < branchingP {
		lvl++
	}
	return lvl
}

// Set inserts or overwrites the entry for rec.Key with rec. The
// caller decides tombstone vs. live value by setting rec.Tombstone.
func (m *Memtable) Set(rec record.Record) {
	rec = rec.Clone()

	update := make([]*node, maxLevel+1)
	cur := m.head
	for lvl := m.level; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && bytes.Compare(cur.forward[lvl].rec.Key, rec.Key) < 0 {
			cur = cur.forward[lvl]
		}
		update[lvl] = cur
	}

	if next := cur.forward[0]; next != nil && bytes.Equal(next.rec.Key, rec.Key) {
		m.sizeBytes += rec.Size() - next.rec.Size()
		next.rec = rec
		return
	}

	newLevel := randomLevel()
	if newLevel > m.level {
		for lvl := m.level + 1; lvl <= newLevel; lvl++ {
			update[lvl] = m.head
		}
		m.level = newLevel
	}

	n := &node{rec: rec, forward: make([]*node, newLevel+1)}
	for lvl := 0; lvl <= newLevel; lvl++ {
		n.forward[lvl] = update[lvl].forward[lvl]
		update[lvl].forward[lvl] = n
	}

	m.entries++
	m.sizeBytes += rec.Size()
}

// Get returns the current entry for key, if any.
func (m *Memtable) Get(key []byte) (record.Record, bool) {
	cur := m.head
	for lvl := m.level; lvl >= 0; lvl-- {
		for cur.forward[lvl] != nil && bytes.Compare(cur.forward[lvl].rec.Key, key) < 0 {
			cur = cur.forward[lvl]
		}
	}
	next := cur.forward[0]
	if next == nil || !bytes.Equal(next.rec.Key, key) {
		return record.Record{}, false
	}
	return next.rec.Clone(), true
}

// Len returns the number of distinct keys held, tombstones included
// (they occupy a key until compacted away).
func (m *Memtable) Len() int { return m.entries }

// SizeBytes returns the sum of key and value lengths across all
// entries, used as the flush-trigger threshold.
func (m *Memtable) SizeBytes() int { return m.sizeBytes }

// Entries returns every entry in ascending key order. The returned
// slice is a snapshot; later mutations to m do not affect it.
func (m *Memtable) Entries() []record.Record {
	out := make([]record.Record, 0, m.entries)
	for n := m.head.forward[0]; n != nil; n = n.forward[0] {
		out = append(out, n.rec.Clone())
	}
	return out
}
