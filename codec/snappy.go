package codec

import "github.com/golang/snappy"

// Snappy compresses blocks with Snappy, favoring speed over ratio.
type Snappy struct{}

func (Snappy) Tag() Tag { return TagSnappy }

func (Snappy) Compress(dst, src []byte) []byte {
	return snappy.Encode(nil, src)
}

func (Snappy) Decompress(dst, src []byte) ([]byte, error) {
	return snappy.Decode(nil, src)
}
