// Package engine orchestrates the memtable, WAL, SSTables, and
// compactor behind a single-writer concurrency discipline: open,
// set, delete, get, close.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/flarekv/flare/compaction"
	"github.com/flarekv/flare/memtable"
	"github.com/flarekv/flare/record"
	"github.com/flarekv/flare/sstable"
	"github.com/flarekv/flare/wal"
)

// ErrStalled is returned by Set/Delete when L0 backpressure is still
// blocking writers at the caller's deadline.
var ErrStalled = errors.New("engine: stalled: L0 write backlog exceeds l0_stall and deadline expired")

// ErrClosed is returned by any operation attempted after Close.
var ErrClosed = errors.New("engine: closed")

const walSubdir = "wal"

// pendingFlush bundles everything flushImmutable needs to publish one
// frozen memtable and retire the WAL segments it depended on. A
// recovered memtable can span several old segments at once, so this
// is not simply "the one segment that was just frozen".
type pendingFlush struct {
	mem         *memtable.Memtable
	seg         *wal.Segment // non-nil only when frozen during normal operation
	discardSeqs []uint64
	l0Seq       uint64
}

// DB is an open storage engine instance.
type DB struct {
	dir    string
	walDir string
	opts   Options

	mu   sync.Mutex
	cond *sync.Cond

	mem     *memtable.Memtable
	pending *pendingFlush
	seg     *wal.Segment
	walSeq  uint64
	l0Seq   uint64
	lvls    *levels
	closed  bool

	leveled *compaction.Leveled
	tiered  *compaction.Tiered

	workCh   chan struct{}
	closeCh  chan struct{}
	workerWG sync.WaitGroup
}

// Open creates datadir if needed, reconstructs level membership from
// existing SSTable filenames, replays every WAL segment in ascending
// sequence order into a fresh memtable, opens a new WAL segment, and
// starts the background flush/compaction worker.
func Open(dir string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	walDir := filepath.Join(dir, walSubdir)

	lvls, err := loadLevels(dir)
	if err != nil {
		return nil, err
	}

	recovered := memtable.New()
	segSeqs, err := wal.ListSegments(walDir)
	if err != nil {
		return nil, err
	}
	for _, seq := range segSeqs {
		err := wal.Replay(walDir, seq, o.Logger, func(rec record.Record) error {
			recovered.Set(rec)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	nextWALSeq := uint64(0)
	if len(segSeqs) > 0 {
		nextWALSeq = segSeqs[len(segSeqs)-1] + 1
	}
	seg, err := wal.OpenSegment(walDir, nextWALSeq, o.FsyncPolicy, o.Logger)
	if err != nil {
		return nil, err
	}

	db := &DB{
		dir:     dir,
		walDir:  walDir,
		opts:    o,
		seg:     seg,
		walSeq:  nextWALSeq,
		l0Seq:   lvls.nextSeq,
		lvls:    lvls,
		leveled: compaction.NewLeveled(o.CompactionOptions),
		tiered:  compaction.NewTiered(o.CompactionOptions),
		workCh:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	db.cond = sync.NewCond(&db.mu)

	switch {
	case recovered.Len() == 0:
		// Nothing survived replay (or there was nothing to replay);
		// any leftover empty segment files are safe to drop now.
		db.mem = recovered
		for _, seq := range segSeqs {
			if err := wal.Discard(walDir, seq); err != nil {
				return nil, err
			}
		}
	default:
		// The recovered data is not yet durable as an SSTable;
		// keep owning every old segment until flush publishes it,
		// per the WAL-tail durability invariant.
		db.mem = memtable.New()
		db.pending = &pendingFlush{
			mem:         recovered,
			discardSeqs: append([]uint64(nil), segSeqs...),
			l0Seq:       db.l0Seq,
		}
		db.l0Seq++
	}

	db.workerWG.Add(1)
	go db.backgroundLoop()

	if db.pending != nil {
		db.notifyWork()
	}
	if db.mem.SizeBytes() >= o.MemtableFlushBytes {
		db.mu.Lock()
		db.freezeLocked()
		db.mu.Unlock()
		db.notifyWork()
	}

	return db, nil
}

// Set durably appends a live record then makes it visible to readers.
func (db *DB) Set(ctx context.Context, key, value []byte) error {
	return db.apply(ctx, record.Record{Key: key, Value: value})
}

// Delete durably appends a tombstone then makes it visible to
// readers, shadowing any older value for key.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	return db.apply(ctx, record.Record{Key: key, Tombstone: true})
}

func (db *DB) apply(ctx context.Context, rec record.Record) error {
	if len(rec.Key) == 0 {
		return fmt.Errorf("engine: key must not be empty")
	}
	if err := db.waitForRoom(ctx); err != nil {
		return err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return ErrClosed
	}
	seg := db.seg
	db.mu.Unlock()

	if err := seg.Append(rec); err != nil {
		return err
	}

	db.mu.Lock()
	db.mem.Set(rec)
	shouldFreeze := db.pending == nil && db.mem.SizeBytes() >= db.opts.MemtableFlushBytes
	if shouldFreeze {
		db.freezeLocked()
	}
	db.mu.Unlock()

	if shouldFreeze {
		db.notifyWork()
	}
	return nil
}

// waitForRoom blocks while L0 has crossed its hard stall cap, until
// either room opens up or ctx is done.
func (db *DB) waitForRoom(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.isStalledLocked() {
		return nil
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			db.cond.Broadcast()
		case <-done:
		}
	}()

	for db.isStalledLocked() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrStalled, err)
		}
		db.cond.Wait()
	}
	return nil
}

func (db *DB) isStalledLocked() bool {
	return len(db.lvls.l0()) > db.opts.CompactionOptions.L0Stall
}

// freezeLocked implements step 1 of the flush protocol: freeze the
// current memtable as pending, create a fresh memtable and WAL
// segment. Must be called with db.mu held and db.pending == nil.
func (db *DB) freezeLocked() {
	oldSeg := db.seg
	oldWALSeq := db.walSeq
	oldL0Seq := db.l0Seq

	db.walSeq++
	newSeg, err := wal.OpenSegment(db.walDir, db.walSeq, db.opts.FsyncPolicy, db.opts.Logger)
	if err != nil {
		// Cannot open the next WAL segment; keep writing into the old
		// one and retry the freeze on the next oversized write rather
		// than losing durability.
		db.opts.Logger.Error().Str("component", "engine").Str("event", "freeze_failed").Err(err).Send()
		db.walSeq = oldWALSeq
		return
	}

	db.pending = &pendingFlush{
		mem:         db.mem,
		seg:         oldSeg,
		discardSeqs: []uint64{oldWALSeq},
		l0Seq:       oldL0Seq,
	}
	db.l0Seq++
	db.mem = memtable.New()
	db.seg = newSeg
}

// Get consults the live memtable, then the memtable being flushed (if
// any), then every SSTable newest to oldest; a tombstone hit returns
// absent without consulting older data.
func (db *DB) Get(key []byte) ([]byte, bool, error) {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, false, ErrClosed
	}
	mem := db.mem
	var pendingMem *memtable.Memtable
	if db.pending != nil {
		pendingMem = db.pending.mem
	}

	var tables []*sstable.Table
	for _, lvl := range db.lvls.tables {
		for _, t := range lvl {
			t.Retain()
			tables = append(tables, t)
		}
	}
	db.mu.Unlock()
	defer func() {
		for _, t := range tables {
			_ = t.Release()
		}
	}()

	if rec, ok := mem.Get(key); ok {
		return resolveRecord(rec)
	}
	if pendingMem != nil {
		if rec, ok := pendingMem.Get(key); ok {
			return resolveRecord(rec)
		}
	}
	for _, t := range tables {
		rec, ok, err := t.Get(key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return resolveRecord(rec)
		}
	}
	return nil, false, nil
}

func resolveRecord(rec record.Record) ([]byte, bool, error) {
	if rec.Tombstone {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

// Close stops the background worker, drains any pending flush, and
// closes the active WAL segment.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	db.mu.Unlock()

	close(db.closeCh)
	db.workerWG.Wait()

	db.mu.Lock()
	pending := db.pending
	db.mu.Unlock()
	if pending != nil {
		if err := db.flushPending(pending); err != nil {
			return err
		}
	}

	return db.seg.Close()
}

func (db *DB) notifyWork() {
	select {
	case db.workCh <- struct{}{}:
	default:
	}
}

func (db *DB) backgroundLoop() {
	defer db.workerWG.Done()
	for {
		select {
		case <-db.closeCh:
			return
		case <-db.workCh:
			db.drainWork()
		}
	}
}

// drainWork repeats flush and compaction steps until neither has
// anything left to do.
func (db *DB) drainWork() {
	for {
		db.mu.Lock()
		pending := db.pending
		db.mu.Unlock()

		if pending != nil {
			if err := db.flushPending(pending); err != nil {
				db.opts.Logger.Error().Str("component", "engine").Str("event", "flush_failed").Err(err).Send()
				return
			}
			continue
		}

		did, err := db.runCompactionStep()
		if err != nil {
			db.opts.Logger.Error().Str("component", "engine").Str("event", "compaction_failed").Err(err).Send()
			return
		}
		if !did {
			return
		}
	}
}

// flushPending implements steps 2-5 of the flush protocol: write the
// frozen memtable as a new L0 SSTable, publish it under the engine
// lock, then retire the WAL segments it depended on.
func (db *DB) flushPending(p *pendingFlush) error {
	entries := p.mem.Entries()
	if len(entries) == 0 {
		db.mu.Lock()
		db.pending = nil
		db.mu.Unlock()
		return db.retirePending(p)
	}

	path := filepath.Join(db.dir, sstable.L0Name(p.l0Seq))
	tbl, err := sstable.Create(path, entries, db.opts.CompactionOptions.BlockStride, db.opts.CompactionOptions.BlockCodec, db.opts.CompactionOptions.BloomFPRate, db.opts.Logger)
	if err != nil {
		return err
	}

	db.mu.Lock()
	db.lvls.pushL0(tbl)
	db.pending = nil
	db.cond.Broadcast()
	db.mu.Unlock()

	if err := db.retirePending(p); err != nil {
		return err
	}

	db.opts.Logger.Info().Str("component", "engine").Str("event", "flushed").Str("table", path).Int("records", len(entries)).Send()
	db.notifyWork()
	return nil
}

func (db *DB) retirePending(p *pendingFlush) error {
	if p.seg != nil {
		if err := p.seg.Close(); err != nil {
			return err
		}
	}
	for _, seq := range p.discardSeqs {
		if err := wal.Discard(db.walDir, seq); err != nil {
			return err
		}
	}
	return nil
}

// runCompactionStep plans and executes at most one compaction job. It
// returns did=true if a job ran, so the caller can keep draining.
func (db *DB) runCompactionStep() (bool, error) {
	db.mu.Lock()
	snapshot := make([][]*sstable.Table, len(db.lvls.tables))
	for i, lvl := range db.lvls.tables {
		snapshot[i] = append([]*sstable.Table(nil), lvl...)
	}
	db.mu.Unlock()

	var job *compaction.Job
	var ok bool
	var err error

	switch db.opts.CompactionStrategy {
	case StrategyLeveled:
		job, ok, err = db.leveled.PlanL0(db.dir, snapshot)
		if err != nil || ok {
			break
		}
		for i := 1; i < len(snapshot); i++ {
			job, ok, err = db.leveled.PlanLevel(db.dir, snapshot, i)
			if err != nil || ok {
				break
			}
		}
	case StrategyTiered:
		for i := 0; i < len(snapshot); i++ {
			job, ok, err = db.tiered.Plan(db.dir, snapshot, i)
			if err != nil || ok {
				break
			}
		}
	}
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	outputs, err := compaction.Run(*job, db.opts.Logger)
	if err != nil {
		return false, err
	}

	db.mu.Lock()
	for lvl, tbls := range job.InputsByLevel {
		db.lvls.replace(lvl, tbls, nil)
	}
	db.lvls.replace(job.OutputLevel, nil, outputs)
	db.cond.Broadcast()
	db.mu.Unlock()

	// Inputs are no longer reachable through db.lvls as of the swap
	// above; only now is it safe to release compaction's hold on them
	// and unlink their files, since a concurrent Get can no longer
	// Retain one of them from the level list.
	compaction.RetireInputs(*job, db.opts.Logger)

	return true, nil
}
