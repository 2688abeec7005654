// Package bloom provides the per-segment membership filter used to
// skip SSTables that cannot possibly contain a key.
//
// It wraps github.com/bits-and-blooms/bloom/v3 (the same library the
// model repository's sst/writer.go already calls for Add/K/Cap)
// rather than hand-rolling double hashing, but serializes to a fixed,
// self-contained layout: a (k, m) header followed by the raw bit
// array, so a table's on-disk bloom blob never depends on the
// library's own internal wire format.
package bloom

import (
	"encoding/binary"
	"errors"

	"github.com/bits-and-blooms/bloom/v3"
)

// ErrCorrupt is returned by Decode when the header doesn't agree with
// the number of trailing bytes.
var ErrCorrupt = errors.New("bloom: corrupt filter encoding")

const headerSize = 4 + 4 // k (u32 BE) + m (u32 BE)

// Filter is a probabilistic set with no false negatives.
type Filter struct {
	bf *bloom.BloomFilter
}

// New constructs a filter sized for n expected keys at the target
// false-positive rate p, using the library's standard
// m = ceil(-n*ln(p)/ln(2)^2), k = max(1, ceil((m/n)*ln(2))) formula.
func New(n int, p float64) *Filter {
	if n < 1 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	return &Filter{bf: bloom.NewWithEstimates(uint(n), p)}
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	f.bf.Add(key)
}

// Contains reports whether key may be present. It never returns false
// for a key that was Added (no false negatives); it may return true
// for a key that was never added (false positive).
func (f *Filter) Contains(key []byte) bool {
	return f.bf.Test(key)
}

// K returns the number of hash probes per key.
func (f *Filter) K() uint32 { return uint32(f.bf.K()) }

// M returns the size of the bit array, in bits.
func (f *Filter) M() uint32 { return uint32(f.bf.Cap()) }

// Encode serializes the filter as: k (u32 BE) | m (u32 BE) |
// ceil(m/8) bytes of bit array, MSB-first within each byte.
func (f *Filter) Encode() []byte {
	m := f.bf.Cap()
	k := f.bf.K()
	nbytes := (m + 7) / 8
	out := make([]byte, headerSize+int(nbytes))
	binary.BigEndian.PutUint32(out[0:4], uint32(k))
	binary.BigEndian.PutUint32(out[4:8], uint32(m))

	bs := f.bf.BitSet()
	for i := uint(0); i < m; i++ {
		if bs.Test(i) {
			out[headerSize+i/8] |= 1 << (7 - i%8)
		}
	}
	return out
}

// Decode reverses Encode.
func Decode(b []byte) (*Filter, error) {
	if len(b) < headerSize {
		return nil, ErrCorrupt
	}
	k := binary.BigEndian.Uint32(b[0:4])
	m := binary.BigEndian.Uint32(b[4:8])
	if k == 0 || m == 0 {
		return nil, ErrCorrupt
	}
	bits := b[headerSize:]
	nbytes := (m + 7) / 8
	if uint32(len(bits)) != nbytes {
		return nil, ErrCorrupt
	}

	bf := bloom.New(uint(m), uint(k))
	bs := bf.BitSet()
	for i := uint32(0); i < m; i++ {
		byteVal := bits[i/8]
		if byteVal&(1<<(7-i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return &Filter{bf: bf}, nil
}
