package compaction

import "github.com/flarekv/flare/sstable"

// Tiered implements the tiered compaction policy: a tier is a set of
// SSTables in roughly the same size range, merged wholesale once it
// grows past its budget or run count, with no disjointness
// requirement within a tier.
type Tiered struct {
	opts Options
}

// NewTiered constructs a Tiered policy.
func NewTiered(opts Options) *Tiered {
	return &Tiered{opts: opts}
}

// Plan checks whether tier i has crossed its size budget or run-count
// trigger and, if so, builds a job merging the whole tier into a
// single output promoted to tier i+1.
func (p *Tiered) Plan(dir string, tiers [][]*sstable.Table, i int) (*Job, bool, error) {
	if i < 0 || i >= len(tiers) {
		return nil, false, nil
	}
	tier := tiers[i]
	budget := p.opts.LevelBudget(i + 1)
	if len(tier) < p.opts.TierMinRuns && totalSize(tier) <= budget {
		return nil, false, nil
	}
	if len(tier) == 0 {
		return nil, false, nil
	}

	// Tier i+1's existing tables are not inputs and may hold older
	// versions of these keys, so tombstones are dropped only when no
	// tier exists past i.
	bottom := i+1 >= len(tiers)
	ordinal, err := nextOrdinal(dir, func(fi sstable.FileInfo) bool {
		return fi.Kind == sstable.KindTiered && fi.Level == i+1
	})
	if err != nil {
		return nil, false, err
	}

	job := &Job{
		Dir:            dir,
		Inputs:         append([]*sstable.Table(nil), tier...),
		DropTombstones: bottom,
		PerFileSizeCap: 0, // no cap: the whole tier becomes one output
		BloomFPRate:    p.opts.BloomFPRate,
		BlockStride:    p.opts.BlockStride,
		BlockCodec:     p.opts.BlockCodec,
		NameOutput: func(n int) string {
			return sstable.TieredName(i+1, ordinal+n)
		},
		InputsByLevel: map[int][]*sstable.Table{
			i: tier,
		},
		OutputLevel: i + 1,
	}
	return job, true, nil
}
