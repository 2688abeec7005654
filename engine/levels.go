package engine

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/flarekv/flare/sstable"
)

// levels holds every on-disk SSTable, indexed by level (leveled
// strategy) or tier (tiered strategy). levels[0] is always L0 /
// tier 0. Every mutation happens under the engine's mutex.
type levels struct {
	tables  [][]*sstable.Table
	nextSeq uint64 // next L0 flush sequence number
}

// loadLevels scans dir, opening every recognized SSTable file and
// slotting it into the right level purely from its filename, per the
// engine's "reconstruct level membership from filenames alone"
// contract.
func loadLevels(dir string) (*levels, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &levels{}, nil
		}
		return nil, err
	}

	l := &levels{}
	var l0 []*sstable.Table
	byLevel := map[int][]*sstable.Table{}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, ok := sstable.ParseFilename(e.Name())
		if !ok {
			continue
		}
		tbl, err := sstable.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		switch info.Kind {
		case sstable.KindL0:
			l0 = append(l0, tbl)
			if uint64(info.Ordinal)+1 > l.nextSeq {
				l.nextSeq = uint64(info.Ordinal) + 1
			}
		case sstable.KindLeveled, sstable.KindTiered:
			byLevel[info.Level] = append(byLevel[info.Level], tbl)
		}
	}

	sort.Slice(l0, func(i, j int) bool { return l0[i].Path < l0[j].Path })
	// Newest L0 table (highest sequence number) first, matching the
	// engine's newest-to-oldest read order.
	reverse(l0)
	l.tables = append(l.tables, l0)

	maxLevel := 0
	for level := range byLevel {
		if level > maxLevel {
			maxLevel = level
		}
	}
	for level := 1; level <= maxLevel; level++ {
		tbls := byLevel[level]
		sort.Slice(tbls, func(i, j int) bool {
			return string(tbls[i].MinKey()) < string(tbls[j].MinKey())
		})
		l.tables = append(l.tables, tbls)
	}

	return l, nil
}

func reverse(tables []*sstable.Table) {
	for i, j := 0, len(tables)-1; i < j; i, j = i+1, j-1 {
		tables[i], tables[j] = tables[j], tables[i]
	}
}

// l0 returns the current L0 table slice, newest first.
func (l *levels) l0() []*sstable.Table {
	if len(l.tables) == 0 {
		return nil
	}
	return l.tables[0]
}

// ensureLevel grows l.tables so that index i is valid.
func (l *levels) ensureLevel(i int) {
	for len(l.tables) <= i {
		l.tables = append(l.tables, nil)
	}
}

// pushL0 adds a freshly flushed table to the head of L0 (newest
// first).
func (l *levels) pushL0(t *sstable.Table) {
	l.ensureLevel(0)
	l.tables[0] = append([]*sstable.Table{t}, l.tables[0]...)
}

// replace swaps inputs for outputs at the given level, used after a
// compaction job completes. Matching is by pointer identity.
func (l *levels) replace(level int, inputs, outputs []*sstable.Table) {
	l.ensureLevel(level)
	remove := make(map[*sstable.Table]bool, len(inputs))
	for _, t := range inputs {
		remove[t] = true
	}
	var kept []*sstable.Table
	for _, t := range l.tables[level] {
		if !remove[t] {
			kept = append(kept, t)
		}
	}
	kept = append(kept, outputs...)
	if level > 0 {
		sort.Slice(kept, func(i, j int) bool {
			return string(kept[i].MinKey()) < string(kept[j].MinKey())
		})
	}
	l.tables[level] = kept
}
