// Package sstable implements the immutable, sorted, on-disk segment
// format: write, load, point lookup, and full scan, backed by a
// sparse index and a Bloom filter.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/flarekv/flare/bloom"
	"github.com/flarekv/flare/codec"
	"github.com/flarekv/flare/record"
	"github.com/flarekv/flare/wire"
	atomicfile "github.com/natefinch/atomic"
	"github.com/rs/zerolog"
)

// BlockStride is the default number of records between sparse index
// entries.
const BlockStride = 64

// FooterSize is the fixed, documented size of the trailing footer:
// two u64 big-endian offsets.
const FooterSize = 16

// ErrCorrupt is returned when a table's structure fails validation:
// malformed headers, truncated records, or a footer whose offsets
// exceed the file size.
var ErrCorrupt = errors.New("sstable: corrupt table")

// indexEntry is one sparse-index tuple: the first key of a block and
// that block's byte offset within the data section.
type indexEntry struct {
	key    []byte
	offset uint64
}

// Table is a read-only handle onto a finalized SSTable file. Tables
// are immutable and safe for concurrent readers; Retain/Release keep
// the backing file handle open while a read is in flight. They do not
// prevent the file itself from being unlinked.
type Table struct {
	Path    string
	dataEnd uint64
	index   []indexEntry
	filter  *bloom.Filter
	minKey  []byte
	maxKey  []byte

	refs atomic.Int32
	f    *os.File
}

// blockHeaderSize is the per-block prefix: a one-byte codec.Tag
// followed by a u32 big-endian compressed payload length.
const blockHeaderSize = 1 + 4

// Create writes items (sorted, deduplicated, ascending by key) to a
// new SSTable at path and returns an open handle to it. Records are
// grouped into blocks of at most stride entries (BlockStride if
// stride <= 0); each block is compressed as a unit with blockCodec
// and tagged with its codec.Tag so a reader never needs out-of-band
// configuration to decompress it. Create fsyncs the file and
// atomically publishes it under path before returning.
func Create(path string, items []record.Record, stride int, blockCodec codec.BlockCodec, bloomFPRate float64, logger zerolog.Logger) (*Table, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("sstable: cannot create empty table")
	}
	if stride <= 0 {
		stride = BlockStride
	}
	if blockCodec == nil {
		blockCodec = codec.None{}
	}

	tmpPath := tempPath(path)
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmpPath)

	w := bufio.NewWriter(f)
	filter := bloom.New(len(items), bloomFPRate)

	var index []indexEntry
	var offset uint64
	var raw bytes.Buffer
	flushBlock := func(firstKey []byte) error {
		if raw.Len() == 0 {
			return nil
		}
		index = append(index, indexEntry{key: append([]byte(nil), firstKey...), offset: offset})
		compressed := blockCodec.Compress(nil, raw.Bytes())
		var hdr [blockHeaderSize]byte
		hdr[0] = byte(blockCodec.Tag())
		binary.BigEndian.PutUint32(hdr[1:5], uint32(len(compressed)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(compressed); err != nil {
			return err
		}
		offset += uint64(blockHeaderSize + len(compressed))
		raw.Reset()
		return nil
	}

	var blockFirstKey []byte
	for i, rec := range items {
		if i%stride == 0 {
			if err := flushBlock(blockFirstKey); err != nil {
				f.Close()
				return nil, err
			}
			blockFirstKey = rec.Key
		}
		if _, err := writeRecord(&raw, rec); err != nil {
			f.Close()
			return nil, err
		}
		filter.Add(rec.Key)
	}
	if err := flushBlock(blockFirstKey); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return nil, err
	}

	dataEnd := offset
	indexOff := dataEnd
	indexBlob := encodeIndex(index)
	if _, err := f.Write(indexBlob); err != nil {
		f.Close()
		return nil, err
	}

	bloomOff := indexOff + uint64(len(indexBlob))
	bloomBlob := filter.Encode()
	if _, err := f.Write(bloomBlob); err != nil {
		f.Close()
		return nil, err
	}

	var footer [FooterSize]byte
	binary.BigEndian.PutUint64(footer[0:8], indexOff)
	binary.BigEndian.PutUint64(footer[8:16], bloomOff)
	if _, err := f.Write(footer[:]); err != nil {
		f.Close()
		return nil, err
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	if err := atomicfile.ReplaceFile(tmpPath, path); err != nil {
		return nil, err
	}

	logger.Debug().Str("component", "sstable").Str("event", "created").Str("table", path).Int("records", len(items)).Send()

	t := &Table{
		Path:    path,
		dataEnd: dataEnd,
		index:   index,
		filter:  filter,
		minKey:  append([]byte(nil), items[0].Key...),
		maxKey:  append([]byte(nil), items[len(items)-1].Key...),
	}
	t.refs.Store(1)
	rf, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	t.f = rf
	return t, nil
}

func tempPath(path string) string {
	return fmt.Sprintf("%s.tmp-%x", path, xxhash.Sum64String(path))
}

func writeRecord(w io.Writer, rec record.Record) (int, error) {
	klen := uint32(len(rec.Key))
	vlen := uint32(len(rec.Value))
	tomb := byte(0)
	if rec.Tombstone {
		tomb = 1
		vlen = 0
	}
	var hdr [9]byte
	binary.BigEndian.PutUint32(hdr[0:4], klen)
	binary.BigEndian.PutUint32(hdr[4:8], vlen)
	hdr[8] = tomb
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(rec.Key); err != nil {
		return 0, err
	}
	n := 9 + len(rec.Key)
	if !rec.Tombstone {
		if _, err := w.Write(rec.Value); err != nil {
			return 0, err
		}
		n += len(rec.Value)
	}
	return n, nil
}

// encodeIndex serializes index using prefix compression: each entry's
// key is stored as (length shared with the previous entry's key,
// differing suffix), since sparse index keys are already ascending.
func encodeIndex(index []indexEntry) []byte {
	var blob []byte
	var prevKey []byte
	for _, e := range index {
		prefixLen := commonPrefixLen(prevKey, e.key)
		entry := wire.EncodeIndexEntry(uint32(prefixLen), e.key[prefixLen:], e.offset)
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(entry)))
		blob = append(blob, lenBuf[:]...)
		blob = append(blob, entry...)
		prevKey = e.key
	}
	return blob
}

func decodeIndex(blob []byte) ([]indexEntry, error) {
	var index []indexEntry
	var prevKey []byte
	for len(blob) > 0 {
		if len(blob) < 4 {
			return nil, ErrCorrupt
		}
		n := binary.BigEndian.Uint32(blob[:4])
		blob = blob[4:]
		if uint32(len(blob)) < n {
			return nil, ErrCorrupt
		}
		prefixLen, suffix, offset, err := wire.DecodeIndexEntry(blob[:n])
		if err != nil || int(prefixLen) > len(prevKey) {
			return nil, ErrCorrupt
		}
		key := make([]byte, 0, int(prefixLen)+len(suffix))
		key = append(key, prevKey[:prefixLen]...)
		key = append(key, suffix...)
		index = append(index, indexEntry{key: key, offset: offset})
		prevKey = key
		blob = blob[n:]
	}
	for i := 1; i < len(index); i++ {
		if string(index[i-1].key) >= string(index[i].key) {
			return nil, ErrCorrupt
		}
	}
	return index, nil
}

// commonPrefixLen returns how many leading bytes a and b share.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Open loads an existing SSTable's footer, Bloom filter, and sparse
// index. The data section is read lazily by Get and Scan.
func Open(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := info.Size()
	if size < FooterSize {
		f.Close()
		return nil, ErrCorrupt
	}

	var footer [FooterSize]byte
	if _, err := f.ReadAt(footer[:], size-FooterSize); err != nil {
		f.Close()
		return nil, err
	}
	indexOff := binary.BigEndian.Uint64(footer[0:8])
	bloomOff := binary.BigEndian.Uint64(footer[8:16])
	if indexOff > bloomOff || int64(bloomOff) > size-FooterSize {
		f.Close()
		return nil, ErrCorrupt
	}

	bloomBlob := make([]byte, size-FooterSize-int64(bloomOff))
	if _, err := f.ReadAt(bloomBlob, int64(bloomOff)); err != nil {
		f.Close()
		return nil, err
	}
	filter, err := bloom.Decode(bloomBlob)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	indexBlob := make([]byte, bloomOff-indexOff)
	if _, err := f.ReadAt(indexBlob, int64(indexOff)); err != nil {
		f.Close()
		return nil, err
	}
	index, err := decodeIndex(indexBlob)
	if err != nil {
		f.Close()
		return nil, err
	}

	t := &Table{
		Path:    path,
		dataEnd: indexOff,
		index:   index,
		filter:  filter,
		f:       f,
	}
	if len(index) > 0 {
		t.minKey = index[0].key
		last, err := t.scanLastKey()
		if err != nil {
			f.Close()
			return nil, err
		}
		t.maxKey = last
	}
	t.refs.Store(1)
	return t, nil
}

func (t *Table) scanLastKey() ([]byte, error) {
	var last []byte
	err := t.Scan(func(rec record.Record) error {
		last = rec.Key
		return nil
	})
	return last, err
}

// Retain increments the table's reference count. Callers must call
// Release exactly once for every successful Retain.
func (t *Table) Retain() { t.refs.Add(1) }

// Release decrements the table's reference count, closing the
// backing file handle once no readers remain.
func (t *Table) Release() error {
	if t.refs.Add(-1) == 0 {
		return t.f.Close()
	}
	return nil
}

// MinKey and MaxKey report the inclusive key range covered by the
// table. Both are nil only for an (impossible) empty table.
func (t *Table) MinKey() []byte { return t.minKey }
func (t *Table) MaxKey() []byte { return t.maxKey }

// Overlaps reports whether t's key range intersects [lo, hi].
func (t *Table) Overlaps(lo, hi []byte) bool {
	if compareBytes(t.maxKey, lo) < 0 || compareBytes(t.minKey, hi) > 0 {
		return false
	}
	return true
}

func compareBytes(a, b []byte) int {
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

// Get performs a point lookup: Bloom-gate, then binary search the
// sparse index, then decompress and linear-scan the located block. A
// tombstone entry is returned as a hit with Tombstone set, not as
// absent; callers that must mask deleted keys (the engine's read
// path) check the flag themselves, since a table alone cannot know
// whether an older table's value should still be shadowed.
func (t *Table) Get(key []byte) (record.Record, bool, error) {
	if !t.filter.Contains(key) {
		return record.Record{}, false, nil
	}
	if len(t.index) == 0 {
		return record.Record{}, false, nil
	}

	i := sort.Search(len(t.index), func(i int) bool {
		return compareBytes(t.index[i].key, key) > 0
	}) - 1
	if i < 0 {
		return record.Record{}, false, nil
	}
	start := t.index[i].offset
	end := t.dataEnd
	if i+1 < len(t.index) {
		end = t.index[i+1].offset
	}

	block, err := t.readBlock(start, end)
	if err != nil {
		return record.Record{}, false, err
	}
	br := bufio.NewReader(bytes.NewReader(block))
	for {
		rec, _, err := readRecord(br)
		if err == io.EOF {
			return record.Record{}, false, nil
		}
		if err != nil {
			return record.Record{}, false, err
		}
		cmp := compareBytes(rec.Key, key)
		if cmp == 0 {
			return rec, true, nil
		}
		if cmp > 0 {
			return record.Record{}, false, nil
		}
	}
}

// Scan invokes fn for every record in the table in ascending key
// order. It stops and returns the first error either fn or decoding
// returns.
func (t *Table) Scan(fn func(record.Record) error) error {
	var pos uint64
	for pos < t.dataEnd {
		var hdr [blockHeaderSize]byte
		if _, err := t.f.ReadAt(hdr[:], int64(pos)); err != nil {
			return err
		}
		tag := codec.Tag(hdr[0])
		n := binary.BigEndian.Uint32(hdr[1:5])
		blockCodec, err := codec.ByTag(tag)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		compressed := make([]byte, n)
		if _, err := t.f.ReadAt(compressed, int64(pos)+blockHeaderSize); err != nil {
			return err
		}
		raw, err := blockCodec.Decompress(nil, compressed)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}

		br := bufio.NewReader(bytes.NewReader(raw))
		for {
			rec, _, err := readRecord(br)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		pos += uint64(blockHeaderSize) + uint64(n)
	}
	return nil
}

// readBlock reads and decompresses the single block occupying
// [start, end) of the data section.
func (t *Table) readBlock(start, end uint64) ([]byte, error) {
	var hdr [blockHeaderSize]byte
	if _, err := t.f.ReadAt(hdr[:], int64(start)); err != nil {
		return nil, err
	}
	tag := codec.Tag(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:5])
	if uint64(blockHeaderSize)+uint64(n) > end-start {
		return nil, ErrCorrupt
	}
	blockCodec, err := codec.ByTag(tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	compressed := make([]byte, n)
	if _, err := t.f.ReadAt(compressed, int64(start)+blockHeaderSize); err != nil {
		return nil, err
	}
	raw, err := blockCodec.Decompress(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return raw, nil
}

func readRecord(r *bufio.Reader) (record.Record, int, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return record.Record{}, 0, ErrCorrupt
		}
		return record.Record{}, 0, err
	}
	klen := binary.BigEndian.Uint32(hdr[0:4])
	vlen := binary.BigEndian.Uint32(hdr[4:8])
	tomb := hdr[8]
	if tomb != 0 && vlen != 0 {
		return record.Record{}, 0, ErrCorrupt
	}

	key := make([]byte, klen)
	if _, err := io.ReadFull(r, key); err != nil {
		return record.Record{}, 0, ErrCorrupt
	}
	n := 9 + int(klen)

	rec := record.Record{Key: key, Tombstone: tomb != 0}
	if tomb == 0 {
		value := make([]byte, vlen)
		if _, err := io.ReadFull(r, value); err != nil {
			return record.Record{}, 0, ErrCorrupt
		}
		rec.Value = value
		n += int(vlen)
	}
	return rec, n, nil
}
