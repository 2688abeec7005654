package compaction

import (
	"os"

	"github.com/flarekv/flare/sstable"
)

// Leveled implements the leveled compaction policy: L0 tables may
// overlap in key range, but every level i>0 holds a disjoint, sorted
// run.
type Leveled struct {
	opts Options
}

// NewLeveled constructs a Leveled policy.
func NewLeveled(opts Options) *Leveled {
	return &Leveled{opts: opts}
}

// PlanL0 checks whether L0 has crossed its trigger and, if so, builds
// the L0->L1 compaction job: every L0 table plus every L1 table whose
// range overlaps the union of the L0 ranges.
func (p *Leveled) PlanL0(dir string, levels [][]*sstable.Table) (*Job, bool, error) {
	if len(levels) == 0 || len(levels[0]) <= p.opts.L0Trigger {
		return nil, false, nil
	}
	l0 := levels[0]
	lo, hi := overlapRange(l0)

	var l1Overlap []*sstable.Table
	if len(levels) > 1 {
		for _, t := range levels[1] {
			if t.Overlaps(lo, hi) {
				l1Overlap = append(l1Overlap, t)
			}
		}
	}
	inputs := append(append([]*sstable.Table(nil), l0...), l1Overlap...)

	ordinal, err := nextOrdinal(dir, func(fi sstable.FileInfo) bool {
		return fi.Kind == sstable.KindLeveled && fi.Level == 1
	})
	if err != nil {
		return nil, false, err
	}

	job := &Job{
		Dir:            dir,
		Inputs:         inputs,
		DropTombstones: len(levels) == 2,
		PerFileSizeCap: p.opts.PerFileSizeCap,
		BloomFPRate:    p.opts.BloomFPRate,
		BlockStride:    p.opts.BlockStride,
		BlockCodec:     p.opts.BlockCodec,
		NameOutput: func(i int) string {
			return sstable.LeveledName(1, ordinal+i)
		},
		InputsByLevel: map[int][]*sstable.Table{
			0: l0,
			1: l1Overlap,
		},
		OutputLevel: 1,
	}
	return job, true, nil
}

// PlanLevel checks whether level i (i>=1) exceeds its size budget
// and, if so, builds the i->i+1 compaction job: the largest table in
// level i, plus every level i+1 table whose range overlaps it.
// DropTombstones is set when i+1 is the deepest level currently
// populated, an approximation of "no older level contains the key"
// that holds whenever compaction always proceeds from the top down.
func (p *Leveled) PlanLevel(dir string, levels [][]*sstable.Table, i int) (*Job, bool, error) {
	if err := validateLevel(i); err != nil || i == 0 || i >= len(levels) {
		return nil, false, nil
	}
	if totalSize(levels[i]) <= p.opts.LevelBudget(i) {
		return nil, false, nil
	}

	victim := largestTable(levels[i])
	if victim == nil {
		return nil, false, nil
	}
	var nextOverlap []*sstable.Table
	if i+1 < len(levels) {
		for _, t := range levels[i+1] {
			if t.Overlaps(victim.MinKey(), victim.MaxKey()) {
				nextOverlap = append(nextOverlap, t)
			}
		}
	}
	inputs := append([]*sstable.Table{victim}, nextOverlap...)

	bottom := i+1 >= len(levels)-1
	ordinal, err := nextOrdinal(dir, func(fi sstable.FileInfo) bool {
		return fi.Kind == sstable.KindLeveled && fi.Level == i+1
	})
	if err != nil {
		return nil, false, err
	}

	job := &Job{
		Dir:            dir,
		Inputs:         inputs,
		DropTombstones: bottom,
		PerFileSizeCap: p.opts.PerFileSizeCap,
		BloomFPRate:    p.opts.BloomFPRate,
		BlockStride:    p.opts.BlockStride,
		BlockCodec:     p.opts.BlockCodec,
		NameOutput: func(n int) string {
			return sstable.LeveledName(i+1, ordinal+n)
		},
		InputsByLevel: map[int][]*sstable.Table{
			i:     {victim},
			i + 1: nextOverlap,
		},
		OutputLevel: i + 1,
	}
	return job, true, nil
}

func largestTable(tables []*sstable.Table) *sstable.Table {
	var best *sstable.Table
	var bestSize int64 = -1
	for _, t := range tables {
		info, err := os.Stat(t.Path)
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			bestSize = info.Size()
			best = t
		}
	}
	return best
}
