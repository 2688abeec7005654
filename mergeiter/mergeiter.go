// Package mergeiter implements the k-way ordered merge used by
// compaction: several already-sorted record
// streams, labelled by priority, combined into a single sorted
// stream with newest-wins shadowing on key collision.
package mergeiter

import (
	"bytes"
	"container/heap"
	"io"

	"github.com/flarekv/flare/record"
)

// Source yields records in ascending key order. Next returns
// io.EOF once exhausted.
type Source interface {
	Next() (record.Record, error)
}

// sliceSource adapts an in-memory, already-sorted slice to Source;
// compaction wraps each input table's scanned records in one.
type sliceSource struct {
	recs []record.Record
	pos  int
}

// FromSlice wraps an ascending, deduplicated slice as a Source.
func FromSlice(recs []record.Record) Source {
	return &sliceSource{recs: recs}
}

func (s *sliceSource) Next() (record.Record, error) {
	if s.pos >= len(s.recs) {
		return record.Record{}, io.EOF
	}
	r := s.recs[s.pos]
	s.pos++
	return r, nil
}

// heapItem is one live record from one input stream, ordered first by
// key then by priority (lower priority number sorts first, i.e. wins
// on key ties — "newest" per the merge contract).
type heapItem struct {
	rec      record.Record
	priority int
	src      Source
}

type itemHeap []*heapItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].rec.Key, h[j].rec.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].priority < h[j].priority
}
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merge combines sources (index 0 = newest priority) into a single
// ascending, deduplicated stream. dropTombstones, when true, omits
// tombstones from the output entirely — used when merging into the
// bottom-most level where no older data remains for them to shadow.
func Merge(sources []Source, dropTombstones bool, fn func(record.Record) error) error {
	h := &itemHeap{}
	heap.Init(h)

	for priority, src := range sources {
		rec, err := src.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return err
		}
		heap.Push(h, &heapItem{rec: rec, priority: priority, src: src})
	}

	for h.Len() > 0 {
		winner := (*h)[0]
		winningKey := winner.rec.Key
		winningRec := winner.rec

		// Pop every entry sharing this key, keeping only the one with
		// the best (lowest) priority, and refill the heap from each
		// popped stream's next record.
		for h.Len() > 0 && bytes.Equal((*h)[0].rec.Key, winningKey) {
			item := heap.Pop(h).(*heapItem)
			if item.priority < winner.priority {
				winningRec = item.rec
				winner = item
			}
			next, err := item.src.Next()
			if err == io.EOF {
				continue
			}
			if err != nil {
				return err
			}
			heap.Push(h, &heapItem{rec: next, priority: item.priority, src: item.src})
		}

		if winningRec.Tombstone && dropTombstones {
			continue
		}
		if err := fn(winningRec); err != nil {
			return err
		}
	}
	return nil
}
