// Package codec provides pluggable compression for SSTable data
// blocks. Each BlockCodec both compresses a block before it is
// written to disk and decompresses it back when a block is read, so
// SSTable readers never need to know which codec a given table was
// written with beyond the one-byte tag stored alongside each block.
package codec

import "fmt"

// Tag identifies which BlockCodec compressed a block, stored as the
// first byte of every on-disk data block so a reader can decompress
// without out-of-band configuration.
type Tag byte

const (
	TagNone  Tag = 0
	TagSnappy Tag = 1
	TagZstd   Tag = 2
)

// BlockCodec compresses and decompresses SSTable data blocks.
type BlockCodec interface {
	Tag() Tag
	Compress(dst, src []byte) []byte
	Decompress(dst, src []byte) ([]byte, error)
}

// ByTag returns the BlockCodec registered for tag.
func ByTag(tag Tag) (BlockCodec, error) {
	switch tag {
	case TagNone:
		return None{}, nil
	case TagSnappy:
		return Snappy{}, nil
	case TagZstd:
		return Zstd{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown block codec tag %d", tag)
	}
}

// None is the identity codec, used when block compression is disabled.
type None struct{}

func (None) Tag() Tag                                { return TagNone }
func (None) Compress(dst, src []byte) []byte         { return append(dst, src...) }
func (None) Decompress(dst, src []byte) ([]byte, error) { return append(dst, src...), nil }
