package engine

import (
	"fmt"
	"os"

	"github.com/flarekv/flare/codec"
	"github.com/flarekv/flare/compaction"
	"github.com/flarekv/flare/wal"
	"github.com/rs/zerolog"
)

// Strategy selects which compaction policy an engine instance runs.
type Strategy int

const (
	StrategyLeveled Strategy = iota
	StrategyTiered
)

// ParseStrategy accepts the two spec-recognized spellings.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "leveled":
		return StrategyLeveled, nil
	case "tiered":
		return StrategyTiered, nil
	default:
		return 0, fmt.Errorf("engine: unrecognized compaction_strategy %q", s)
	}
}

// Options holds every tunable the engine recognizes.
type Options struct {
	MemtableFlushBytes int
	CompactionOptions  compaction.Options
	CompactionStrategy Strategy
	FsyncPolicy        wal.FsyncPolicy
	Logger             zerolog.Logger
}

// Option mutates an Options value under construction.
type Option func(*Options)

// defaultOptions returns sensible production defaults, with the
// test-sized memtable threshold (4 MiB is recommended for production
// use; call WithMemtableFlushBytes to raise it).
func defaultOptions() Options {
	return Options{
		MemtableFlushBytes: 512 << 10,
		CompactionOptions:  compaction.DefaultOptions(),
		CompactionStrategy: StrategyLeveled,
		FsyncPolicy:        wal.FsyncPerRecord(),
		Logger:             zerolog.Nop(),
	}
}

// WithMemtableFlushBytes overrides the flush-triggering memtable size.
func WithMemtableFlushBytes(n int) Option {
	return func(o *Options) { o.MemtableFlushBytes = n }
}

// WithBlockStride overrides the sparse-index stride: the number of
// records grouped into one compressed data block.
func WithBlockStride(n int) Option {
	return func(o *Options) { o.CompactionOptions.BlockStride = n }
}

// WithBlockCodec overrides the compression codec new SSTable data
// blocks are written with. Existing tables keep reading correctly
// regardless, since every block carries its own codec tag.
func WithBlockCodec(c codec.BlockCodec) Option {
	return func(o *Options) { o.CompactionOptions.BlockCodec = c }
}

// WithCompactionStrategy selects leveled or tiered compaction.
func WithCompactionStrategy(s Strategy) Option {
	return func(o *Options) { o.CompactionStrategy = s }
}

// WithCompactionOptions overrides the level/tier sizing knobs.
func WithCompactionOptions(c compaction.Options) Option {
	return func(o *Options) { o.CompactionOptions = c }
}

// WithFsyncPolicy overrides the WAL durability policy.
func WithFsyncPolicy(p wal.FsyncPolicy) Option {
	return func(o *Options) { o.FsyncPolicy = p }
}

// WithBloomFPRate overrides the target Bloom false-positive rate.
func WithBloomFPRate(p float64) Option {
	return func(o *Options) { o.CompactionOptions.BloomFPRate = p }
}

// WithLogger overrides the structured logger used for every
// component event (flush, compaction, WAL replay and fsync). Stall
// transitions are not logged.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithStderrLogging is a convenience for development: human-readable
// console output on stderr.
func WithStderrLogging() Option {
	return func(o *Options) {
		o.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
}
