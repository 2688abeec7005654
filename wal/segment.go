// Package wal implements the write-ahead log: a sequence of
// monotonically-numbered segment files, each holding length-prefixed
// framed records, that together durably record every write applied
// to the live memtable before it is flushed.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/flarekv/flare/record"
	"github.com/flarekv/flare/wire"
	"github.com/rs/zerolog"
)

var segmentNamePattern = regexp.MustCompile(`^wal_(\d{6})\.log$`)

// ErrClosed is returned by Append on a segment that has been closed.
var ErrClosed = errors.New("wal: segment closed")

// SegmentPath returns the path of segment seq under dir.
func SegmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal_%06d.log", seq))
}

// ParseSeq extracts the sequence number from a segment's filename,
// used by recovery to order segments and pick the next free one.
func ParseSeq(path string) (uint64, error) {
	m := segmentNamePattern.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, fmt.Errorf("wal: not a segment filename: %q", path)
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ListSegments returns every existing segment's sequence number under
// dir, in ascending order. A missing dir is treated as empty.
func ListSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, err := ParseSeq(e.Name())
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Segment is an open, append-only WAL file.
type Segment struct {
	Seq  uint64
	path string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	closed bool

	policy FsyncPolicy
	logger zerolog.Logger

	tickerDone chan struct{}
	wg         sync.WaitGroup
}

// OpenSegment creates (or reopens, for recovery scans that need to
// re-append) the segment file for seq under dir.
func OpenSegment(dir string, seq uint64, policy FsyncPolicy, logger zerolog.Logger) (*Segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := SegmentPath(dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	s := &Segment{
		Seq:    seq,
		path:   path,
		f:      f,
		w:      bufio.NewWriter(f),
		policy: policy,
		logger: logger,
	}

	if policy.mode == fsyncInterval {
		s.tickerDone = make(chan struct{})
		s.wg.Add(1)
		go s.fsyncLoop()
	}

	return s, nil
}

func (s *Segment) fsyncLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.policy.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				if err := s.f.Sync(); err != nil {
					s.logger.Error().Str("component", "wal").Str("event", "interval_fsync_failed").Err(err).Send()
				}
			}
			s.mu.Unlock()
		case <-s.tickerDone:
			return
		}
	}
}

// Append writes rec as a length-prefixed, checksummed frame and
// drains it to the OS before returning. Depending on the segment's
// FsyncPolicy, it may additionally block until the OS confirms
// persistence to stable storage.
//
// Frame layout: length (u32 BE, covers payload only) | crc32 (u32 BE,
// IEEE polynomial over payload) | payload.
func (s *Segment) Append(rec record.Record) error {
	payload := wire.EncodeRecord(rec)
	crc := crc32.ChecksumIEEE(payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc)
	if _, err := s.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.policy.mode == fsyncPerRecord {
		return s.f.Sync()
	}
	return nil
}

// Close flushes and releases the segment's file handle. It does not
// remove the file; see Discard.
func (s *Segment) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	flushErr := s.w.Flush()
	s.mu.Unlock()

	if s.tickerDone != nil {
		close(s.tickerDone)
		s.wg.Wait()
	}
	closeErr := s.f.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Discard removes segment seq's file. The caller must only call this
// after the memtable the segment backed has been durably flushed to
// an SSTable.
func Discard(dir string, seq uint64) error {
	err := os.Remove(SegmentPath(dir, seq))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
