package compaction

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/flarekv/flare/record"
	"github.com/flarekv/flare/sstable"
	"github.com/rs/zerolog"
)

func makeTable(t *testing.T, dir, name string, recs []record.Record) *sstable.Table {
	t.Helper()
	tbl, err := sstable.Create(filepath.Join(dir, name), recs, 0, nil, 0.01, zerolog.Nop())
	if err != nil {
		t.Fatalf("Create(%s): %v", name, err)
	}
	return tbl
}

func TestRunMergesAndDedups(t *testing.T) {
	dir := t.TempDir()
	newer := makeTable(t, dir, "sst_000001.sst", []record.Record{
		{Key: []byte("a"), Value: []byte("new")},
	})
	older := makeTable(t, dir, "sst_000000.sst", []record.Record{
		{Key: []byte("a"), Value: []byte("old")},
		{Key: []byte("b"), Value: []byte("b-val")},
	})

	job := Job{
		Dir:            dir,
		Inputs:         []*sstable.Table{newer, older},
		PerFileSizeCap: 0,
		BloomFPRate:    0.01,
		NameOutput:     func(i int) string { return sstable.LeveledName(1, i) },
	}
	outputs, err := Run(job, zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	defer outputs[0].Release()

	got, ok, err := outputs[0].Get([]byte("a"))
	if err != nil || !ok || string(got.Value) != "new" {
		t.Fatalf("expected newest value for a, got %+v ok=%v err=%v", got, ok, err)
	}

	// Run itself must not retire inputs: a caller swapping level
	// bookkeeping needs them to still resolve right up until it calls
	// RetireInputs.
	if _, err := sstable.Open(newer.Path); err != nil {
		t.Fatalf("expected input table to still exist after Run, before RetireInputs: %v", err)
	}

	RetireInputs(job, zerolog.Nop())
	if _, err := sstable.Open(newer.Path); err == nil {
		t.Fatalf("expected input table to be removed after RetireInputs")
	}
}

// TestRunLeavesInputsReadableForConcurrentReaders simulates an
// engine.Get that Retained an input table from the level list before a
// compaction publishing its replacement runs: the table must still be
// fully readable through Run, and only become unsafe to use once
// RetireInputs actually removes its file.
func TestRunLeavesInputsReadableForConcurrentReaders(t *testing.T) {
	dir := t.TempDir()
	tbl := makeTable(t, dir, "sst_000000.sst", []record.Record{
		{Key: []byte("a"), Value: []byte("1")},
	})

	// Stand in for engine.Get's snapshot-time Retain.
	tbl.Retain()
	defer tbl.Release()

	job := Job{
		Dir:            dir,
		Inputs:         []*sstable.Table{tbl},
		BloomFPRate:    0.01,
		NameOutput:     func(i int) string { return sstable.LeveledName(1, i) },
	}
	outputs, err := Run(job, zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer outputs[0].Release()

	// The caller's own retain is still live, so the table must still
	// resolve reads correctly even though Run has already finished.
	got, ok, err := tbl.Get([]byte("a"))
	if err != nil || !ok || string(got.Value) != "1" {
		t.Fatalf("expected input still readable after Run, got %+v ok=%v err=%v", got, ok, err)
	}
}

func TestRunDropsTombstonesAtBottom(t *testing.T) {
	dir := t.TempDir()
	tbl := makeTable(t, dir, "sst_000000.sst", []record.Record{
		{Key: []byte("a"), Tombstone: true},
		{Key: []byte("b"), Value: []byte("1")},
	})

	job := Job{
		Dir:            dir,
		Inputs:         []*sstable.Table{tbl},
		DropTombstones: true,
		BloomFPRate:    0.01,
		NameOutput:     func(i int) string { return sstable.LeveledName(1, i) },
	}
	outputs, err := Run(job, zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer outputs[0].Release()

	if _, ok, _ := outputs[0].Get([]byte("a")); ok {
		t.Fatalf("expected tombstone dropped at bottom level")
	}
	if _, ok, _ := outputs[0].Get([]byte("b")); !ok {
		t.Fatalf("expected b to survive")
	}
}

func TestRunPartitionsOutputsBySizeCap(t *testing.T) {
	dir := t.TempDir()
	var recs []record.Record
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%04d", i)
		recs = append(recs, record.Record{Key: []byte(k), Value: []byte("0123456789")})
	}
	tbl := makeTable(t, dir, "sst_000000.sst", recs)

	job := Job{
		Dir:            dir,
		Inputs:         []*sstable.Table{tbl},
		PerFileSizeCap: 200,
		BloomFPRate:    0.01,
		NameOutput:     func(i int) string { return sstable.LeveledName(1, i) },
	}
	outputs, err := Run(job, zerolog.Nop())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(outputs) < 2 {
		t.Fatalf("expected multiple output files, got %d", len(outputs))
	}
	for _, o := range outputs {
		o.Release()
	}
}

func TestLeveledPlanL0Trigger(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.L0Trigger = 1
	p := NewLeveled(opts)

	l0a := makeTable(t, dir, "sst_000000.sst", []record.Record{{Key: []byte("a"), Value: []byte("1")}})
	l0b := makeTable(t, dir, "sst_000001.sst", []record.Record{{Key: []byte("b"), Value: []byte("2")}})
	levels := [][]*sstable.Table{{l0a, l0b}}

	job, ok, err := p.PlanL0(dir, levels)
	if err != nil {
		t.Fatalf("PlanL0: %v", err)
	}
	if !ok {
		t.Fatalf("expected L0 trigger to fire with %d tables and threshold %d", len(levels[0]), opts.L0Trigger)
	}
	if len(job.Inputs) != 2 {
		t.Fatalf("expected both L0 tables as inputs, got %d", len(job.Inputs))
	}
}

func TestLeveledPlanL0NoTrigger(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	p := NewLeveled(opts)

	l0a := makeTable(t, dir, "sst_000000.sst", []record.Record{{Key: []byte("a"), Value: []byte("1")}})
	levels := [][]*sstable.Table{{l0a}}

	_, ok, err := p.PlanL0(dir, levels)
	if err != nil {
		t.Fatalf("PlanL0: %v", err)
	}
	if ok {
		t.Fatalf("expected no trigger below threshold")
	}
}

func TestTieredPlanRunCountTrigger(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.TierMinRuns = 2
	p := NewTiered(opts)

	a := makeTable(t, dir, "sst_000000.sst", []record.Record{{Key: []byte("a"), Value: []byte("1")}})
	b := makeTable(t, dir, "sst_000001.sst", []record.Record{{Key: []byte("b"), Value: []byte("2")}})
	tiers := [][]*sstable.Table{{a, b}}

	job, ok, err := p.Plan(dir, tiers, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !ok || len(job.Inputs) != 2 {
		t.Fatalf("expected tier merge to trigger with 2 inputs, got ok=%v job=%+v", ok, job)
	}
}
