package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/flarekv/flare/record"
	"github.com/flarekv/flare/wire"
	"github.com/rs/zerolog"
)

// ErrCorrupt is returned when a frame in the middle of a segment is
// well-formed in length but fails its checksum or fails to decode.
// Unlike a torn tail, this can only mean the file was damaged after
// being written, not an in-progress append interrupted by a crash.
var ErrCorrupt = errors.New("wal: corrupt record")

// Replay reads every frame from segment seq under dir, in file order,
// invoking fn for each decoded record. Only a short read on the frame
// header or payload (io.EOF or io.ErrUnexpectedEOF, meaning the
// segment's bytes simply stop mid-frame) is treated as a torn tail
// from a crash during append: replay stops at that point without
// error, since everything before the tear is still valid. A
// full-length frame whose checksum or decode fails is a corruption in
// the middle of otherwise well-formed data and is reported as
// ErrCorrupt rather than silently dropping the rest of the segment.
func Replay(dir string, seq uint64, logger zerolog.Logger, fn func(record.Record) error) error {
	path := SegmentPath(dir, seq)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var header [8]byte
	for {
		if _, err := io.ReadFull(f, header[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn().Str("component", "wal").Str("event", "torn_tail").Uint64("seq", seq).Msg("truncated frame header, stopping replay")
				return nil
			}
			return err
		}
		n := binary.BigEndian.Uint32(header[0:4])
		wantCRC := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				logger.Warn().Str("component", "wal").Str("event", "torn_tail").Uint64("seq", seq).Msg("truncated frame payload, stopping replay")
				return nil
			}
			return err
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			return fmt.Errorf("%w: checksum mismatch in segment %d", ErrCorrupt, seq)
		}
		rec, err := wire.DecodeRecord(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
