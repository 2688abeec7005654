package codec

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
)

func encoder() *zstd.Encoder {
	zstdEncOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc
}

func decoder() *zstd.Decoder {
	zstdDecOnce.Do(func() {
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdDec
}

// Zstd compresses blocks with zstd, favoring ratio over speed.
type Zstd struct{}

func (Zstd) Tag() Tag { return TagZstd }

func (Zstd) Compress(dst, src []byte) []byte {
	return encoder().EncodeAll(src, dst)
}

func (Zstd) Decompress(dst, src []byte) ([]byte, error) {
	return decoder().DecodeAll(src, dst)
}
