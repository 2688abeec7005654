// Package compaction implements the leveled and tiered compaction
// policies: picking input tables, merging them with mergeiter, and
// atomically publishing the rewritten output.
package compaction

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/flarekv/flare/codec"
	"github.com/flarekv/flare/mergeiter"
	"github.com/flarekv/flare/record"
	"github.com/flarekv/flare/sstable"
	"github.com/rs/zerolog"
)

// Options configures both compaction policies.
type Options struct {
	L0Trigger      int
	L0Stall        int
	BaseLevelSize  int64
	LevelSizeRatio int64
	PerFileSizeCap int64
	TierMinRuns    int
	BloomFPRate    float64
	BlockStride    int
	BlockCodec     codec.BlockCodec
}

// DefaultOptions returns sensible production defaults.
func DefaultOptions() Options {
	return Options{
		L0Trigger:      4,
		L0Stall:        8,
		BaseLevelSize:  64 << 20,
		LevelSizeRatio: 10,
		PerFileSizeCap: 64 << 20,
		TierMinRuns:    4,
		BloomFPRate:    0.01,
		BlockStride:    sstable.BlockStride,
		BlockCodec:     codec.Snappy{},
	}
}

// LevelBudget returns the size budget of level i (i>0).
func (o Options) LevelBudget(level int) int64 {
	budget := o.BaseLevelSize
	for i := 1; i < level; i++ {
		budget *= o.LevelSizeRatio
	}
	return budget
}

// Job describes one compaction step: Run merges Inputs into one or
// more new SSTables under Dir; RetireInputs removes the inputs in a
// separate, later call.
type Job struct {
	Dir            string
	Inputs         []*sstable.Table
	DropTombstones bool
	PerFileSizeCap int64
	BloomFPRate    float64
	BlockStride    int
	BlockCodec     codec.BlockCodec
	// NameOutput returns the filename for the ordinal-th output
	// produced by this job (0-based).
	NameOutput func(ordinal int) string

	// InputsByLevel and OutputLevel describe where Inputs came from
	// and where the Run outputs belong, for the caller's level
	// bookkeeping; Run itself only consumes Inputs.
	InputsByLevel map[int][]*sstable.Table
	OutputLevel   int
}

// Run executes a Job: scans every input table fully, k-way merges
// them (inputs earlier in the slice are treated as newer, i.e. win
// ties), partitions the result across one or more output files
// bounded by PerFileSizeCap, and publishes them. It does not touch the
// input tables' lifecycle beyond holding them open for the duration of
// the scan: on any error the partially-written outputs are removed and
// the inputs are left untouched; on success the inputs are still live
// and still owned by whatever level bookkeeping put them there. Callers
// must call RetireInputs only after removing the inputs from that
// bookkeeping, never before.
func Run(job Job, logger zerolog.Logger) ([]*sstable.Table, error) {
	for _, t := range job.Inputs {
		t.Retain()
	}
	defer func() {
		for _, t := range job.Inputs {
			_ = t.Release()
		}
	}()

	sources := make([]mergeiter.Source, 0, len(job.Inputs))
	for _, t := range job.Inputs {
		recs, err := scanAll(t)
		if err != nil {
			return nil, err
		}
		sources = append(sources, mergeiter.FromSlice(recs))
	}

	var outputs []*sstable.Table
	var batch []record.Record
	var batchBytes int64
	ordinal := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		path := filepath.Join(job.Dir, job.NameOutput(ordinal))
		tbl, err := sstable.Create(path, batch, job.BlockStride, job.BlockCodec, job.BloomFPRate, logger)
		if err != nil {
			return err
		}
		outputs = append(outputs, tbl)
		ordinal++
		batch = nil
		batchBytes = 0
		return nil
	}

	abort := func(cause error) ([]*sstable.Table, error) {
		for _, o := range outputs {
			o.Release()
			os.Remove(o.Path)
		}
		return nil, cause
	}

	err := mergeiter.Merge(sources, job.DropTombstones, func(rec record.Record) error {
		batch = append(batch, rec)
		batchBytes += int64(rec.Size())
		if job.PerFileSizeCap > 0 && batchBytes >= job.PerFileSizeCap {
			return flush()
		}
		return nil
	})
	if err != nil {
		return abort(err)
	}
	if err := flush(); err != nil {
		return abort(err)
	}

	logger.Info().Str("component", "compaction").Str("event", "completed").Int("inputs", len(job.Inputs)).Int("outputs", len(outputs)).Send()
	return outputs, nil
}

// RetireInputs releases job's ownership of each input table's
// creation-time reference and removes its backing file. Callers must
// invoke this only after the input tables have already been removed
// from whatever level bookkeeping made them visible to readers (under
// the same lock that performs the swap to the compaction's outputs),
// so a concurrent reader can never Retain a table whose file has
// already been unlinked.
func RetireInputs(job Job, logger zerolog.Logger) {
	for _, in := range job.Inputs {
		if err := in.Release(); err != nil {
			logger.Warn().Str("component", "compaction").Str("event", "release_input_failed").Str("table", in.Path).Err(err).Send()
		}
		if err := os.Remove(in.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn().Str("component", "compaction").Str("event", "remove_input_failed").Str("table", in.Path).Err(err).Send()
		}
	}
}

func scanAll(t *sstable.Table) ([]record.Record, error) {
	var recs []record.Record
	err := t.Scan(func(r record.Record) error {
		recs = append(recs, r)
		return nil
	})
	return recs, err
}

// nextOrdinal scans dir for files matching the given predicate and
// returns one greater than the highest ordinal found.
func nextOrdinal(dir string, matches func(sstable.FileInfo) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	max := -1
	for _, e := range entries {
		info, ok := sstable.ParseFilename(e.Name())
		if !ok || !matches(info) {
			continue
		}
		if info.Ordinal > max {
			max = info.Ordinal
		}
	}
	return max + 1, nil
}

func overlapRange(tables []*sstable.Table) (lo, hi []byte) {
	for _, t := range tables {
		if lo == nil || compareKeys(t.MinKey(), lo) < 0 {
			lo = t.MinKey()
		}
		if hi == nil || compareKeys(t.MaxKey(), hi) > 0 {
			hi = t.MaxKey()
		}
	}
	return lo, hi
}

func compareKeys(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func totalSize(tables []*sstable.Table) int64 {
	var total int64
	for _, t := range tables {
		info, err := os.Stat(t.Path)
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total
}

func validateLevel(level int) error {
	if level < 0 {
		return fmt.Errorf("compaction: invalid level %d", level)
	}
	return nil
}
