// Package wire implements the compact, self-describing binary object
// encoding shared by the write-ahead log payload and the SSTable
// sparse index entries.
//
// Each encoded value is a sequence of tagged fields: a one-byte tag,
// a u32 big-endian length, then that many payload bytes. A decoder
// walks the buffer it was handed until exhausted, so no outer framing
// is needed beyond knowing where the buffer ends (the WAL's own
// length-prefixed frame, or the index blob's per-entry length
// prefix).
//
// Index entries additionally use prefix compression: since sparse
// index keys are already sorted ascending, each entry stores only the
// length of the prefix it shares with the previous entry's key plus
// the differing suffix, rather than the full key.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/flarekv/flare/record"
)

const (
	tagKey       byte = 1
	tagValue     byte = 2
	tagTombstone byte = 3
	tagOffset    byte = 4
	tagPrefix    byte = 5
)

// ErrCorrupt is returned when a buffer doesn't parse as a well-formed
// sequence of tagged fields, or is missing a required field.
var ErrCorrupt = errors.New("wire: corrupt encoding")

func writeField(buf *bytes.Buffer, tag byte, data []byte) {
	buf.WriteByte(tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readField(b []byte) (tag byte, data []byte, rest []byte, err error) {
	if len(b) < 5 {
		return 0, nil, nil, ErrCorrupt
	}
	tag = b[0]
	n := binary.BigEndian.Uint32(b[1:5])
	b = b[5:]
	if uint32(len(b)) < n {
		return 0, nil, nil, ErrCorrupt
	}
	return tag, b[:n], b[n:], nil
}

// EncodeRecord serializes rec as tagged fields: key, tombstone flag,
// and (for live records) value.
func EncodeRecord(rec record.Record) []byte {
	var buf bytes.Buffer
	writeField(&buf, tagKey, rec.Key)
	if rec.Tombstone {
		writeField(&buf, tagTombstone, []byte{1})
	} else {
		writeField(&buf, tagTombstone, []byte{0})
		writeField(&buf, tagValue, rec.Value)
	}
	return buf.Bytes()
}

// DecodeRecord reverses EncodeRecord.
func DecodeRecord(b []byte) (record.Record, error) {
	var rec record.Record
	var sawKey, sawTomb bool

	for len(b) > 0 {
		tag, data, rest, err := readField(b)
		if err != nil {
			return record.Record{}, err
		}
		switch tag {
		case tagKey:
			rec.Key = append([]byte(nil), data...)
			sawKey = true
		case tagTombstone:
			if len(data) != 1 {
				return record.Record{}, ErrCorrupt
			}
			rec.Tombstone = data[0] == 1
			sawTomb = true
		case tagValue:
			rec.Value = append([]byte(nil), data...)
		default:
			return record.Record{}, ErrCorrupt
		}
		b = rest
	}
	if !sawKey || !sawTomb {
		return record.Record{}, ErrCorrupt
	}
	if rec.Tombstone && rec.Value != nil {
		return record.Record{}, ErrCorrupt
	}
	return rec, nil
}

// EncodeIndexEntry serializes one sparse-index tuple using prefix
// compression against the previous entry's key: prefixLen bytes are
// shared with the prior key and not repeated, suffix is the remainder
// of this entry's key, and offset is its byte offset within the data
// section. The first entry in an index uses prefixLen 0 and suffix
// equal to its full key.
func EncodeIndexEntry(prefixLen uint32, suffix []byte, offset uint64) []byte {
	var buf bytes.Buffer
	var prefixBuf [4]byte
	binary.BigEndian.PutUint32(prefixBuf[:], prefixLen)
	writeField(&buf, tagPrefix, prefixBuf[:])
	writeField(&buf, tagKey, suffix)
	var offBuf [8]byte
	binary.BigEndian.PutUint64(offBuf[:], offset)
	writeField(&buf, tagOffset, offBuf[:])
	return buf.Bytes()
}

// DecodeIndexEntry reverses EncodeIndexEntry.
func DecodeIndexEntry(b []byte) (prefixLen uint32, suffix []byte, offset uint64, err error) {
	var sawPrefix, sawSuffix, sawOffset bool
	for len(b) > 0 {
		tag, data, rest, ferr := readField(b)
		if ferr != nil {
			return 0, nil, 0, ferr
		}
		switch tag {
		case tagPrefix:
			if len(data) != 4 {
				return 0, nil, 0, ErrCorrupt
			}
			prefixLen = binary.BigEndian.Uint32(data)
			sawPrefix = true
		case tagKey:
			suffix = append([]byte(nil), data...)
			sawSuffix = true
		case tagOffset:
			if len(data) != 8 {
				return 0, nil, 0, ErrCorrupt
			}
			offset = binary.BigEndian.Uint64(data)
			sawOffset = true
		default:
			return 0, nil, 0, ErrCorrupt
		}
		b = rest
	}
	if !sawPrefix || !sawSuffix || !sawOffset {
		return 0, nil, 0, ErrCorrupt
	}
	return prefixLen, suffix, offset, nil
}
