package rowbinary

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies the segment compression codec.
type Compression byte

// Supported compression codecs.
const (
	ZstdCompression Compression = iota
	LZ4Compression
	SnappyCompression
	NoCompression
)

func (c Compression) isValid() bool {
	_, ok := compressors[c]
	return ok
}

// String returns the codec name.
func (c Compression) String() string {
	switch c {
	case ZstdCompression:
		return "zstd"
	case LZ4Compression:
		return "lz4"
	case SnappyCompression:
		return "snappy"
	case NoCompression:
		return "none"
	}
	return fmt.Sprintf("unknown(%d)", byte(c))
}

// Compressor is the capability interface segments are compressed through.
// Each Compress call must produce one self-contained unit which Decompress
// can decode without surrounding context.
type Compressor interface {
	// Levels returns the minimum, default and maximum compression level.
	Levels() (min, def, max int)

	// Compress compresses src into a single segment, using dst as scratch
	// space if it is large enough. A nil/empty result indicates that src is
	// incompressible and should be stored raw.
	Compress(dst, src []byte, level int) ([]byte, error)

	// Decompress decompresses one segment into dst, which is sized to the
	// exact decompressed length.
	Decompress(dst, src []byte) ([]byte, error)
}

// RegisterCompressor registers a custom codec under the given tag,
// replacing any existing registration. Not safe for concurrent use with
// open readers or writers.
func RegisterCompressor(c Compression, impl Compressor) {
	compressors[c] = impl
}

var compressors = map[Compression]Compressor{
	ZstdCompression:   &zstdCompressor{},
	LZ4Compression:    &lz4Compressor{},
	SnappyCompression: snappyCompressor{},
	NoCompression:     noCompressor{},
}

// --------------------------------------------------------------------

// Segment frame layout:
//
//	+-----------+------------------+-------------------+---------+
//	| tag (1B)  | raw len (varint) | comp len (varint) | payload |
//	+-----------+------------------+-------------------+---------+
//
// The tag's low nibble holds the codec the payload was actually stored
// with, the 0x10 bit marks the header frame. Frames are self-describing:
// a sequential reader can walk segment boundaries without the seek table.
const (
	frameHeaderTag  = 0x10
	frameCodecMask  = 0x0f
	maxFrameHeader  = 1 + 2*binary.MaxVarintLen64
	minCompressGain = 4 // store raw unless compression saves 1/4th
)

func appendFrameHeader(dst []byte, tag byte, rawLen, compLen int) []byte {
	dst = append(dst, tag)
	dst = binary.AppendUvarint(dst, uint64(rawLen))
	dst = binary.AppendUvarint(dst, uint64(compLen))
	return dst
}

// parseFrameHeader parses a frame header from p, which may be truncated at
// the end of storage. It returns the header size in bytes.
func parseFrameHeader(p []byte) (tag byte, rawLen, compLen uint64, n int, err error) {
	if len(p) < 1 {
		return 0, 0, 0, 0, fmt.Errorf("%w: truncated segment frame", ErrCorrupted)
	}
	tag = p[0]
	if !Compression(tag & frameCodecMask).isValid() {
		return 0, 0, 0, 0, fmt.Errorf("%w: bad segment codec tag %d", ErrCorrupted, tag)
	}
	n = 1

	rawLen, m := binary.Uvarint(p[n:])
	if m <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: truncated segment frame", ErrCorrupted)
	}
	n += m

	compLen, m = binary.Uvarint(p[n:])
	if m <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("%w: truncated segment frame", ErrCorrupted)
	}
	n += m
	return tag, rawLen, compLen, n, nil
}

// --------------------------------------------------------------------

type zstdCompressor struct {
	mu   sync.RWMutex
	encs map[int]*zstd.Encoder
	dec  *zstd.Decoder
	once sync.Once
}

func (z *zstdCompressor) Levels() (int, int, int) { return 1, 3, 22 }

func (z *zstdCompressor) Compress(dst, src []byte, level int) ([]byte, error) {
	enc, err := z.encoder(level)
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(src, dst[:0]), nil
}

func (z *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	z.once.Do(func() {
		z.dec, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	out, err := z.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if len(out) != len(dst) {
		return nil, fmt.Errorf("%w: segment decompressed to %d bytes, expected %d", ErrCorrupted, len(out), len(dst))
	}
	return out, nil
}

func (z *zstdCompressor) encoder(level int) (*zstd.Encoder, error) {
	z.mu.RLock()
	enc, ok := z.encs[level]
	z.mu.RUnlock()
	if ok {
		return enc, nil
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	if enc, ok = z.encs[level]; ok {
		return enc, nil
	}

	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}
	if z.encs == nil {
		z.encs = make(map[int]*zstd.Encoder)
	}
	z.encs[level] = enc
	return enc, nil
}

type lz4Compressor struct {
	fast lz4.Compressor
}

func (l *lz4Compressor) Levels() (int, int, int) { return 0, 0, 9 }

func (l *lz4Compressor) Compress(dst, src []byte, level int) ([]byte, error) {
	if bound := lz4.CompressBlockBound(len(src)); cap(dst) < bound {
		dst = make([]byte, bound)
	} else {
		dst = dst[:bound]
	}

	var n int
	var err error
	if level < 1 {
		n, err = l.fast.CompressBlock(src, dst)
	} else {
		hc := lz4.CompressorHC{Level: lz4.CompressionLevel(1 << (8 + level))}
		n, err = hc.CompressBlock(src, dst)
	}
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func (l *lz4Compressor) Decompress(dst, src []byte) ([]byte, error) {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if n != len(dst) {
		return nil, fmt.Errorf("%w: segment decompressed to %d bytes, expected %d", ErrCorrupted, n, len(dst))
	}
	return dst, nil
}

type snappyCompressor struct{}

func (snappyCompressor) Levels() (int, int, int) { return 0, 0, 0 }

func (snappyCompressor) Compress(dst, src []byte, _ int) ([]byte, error) {
	return snappy.Encode(dst[:cap(dst)], src), nil
}

func (snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if len(out) != len(dst) {
		return nil, fmt.Errorf("%w: segment decompressed to %d bytes, expected %d", ErrCorrupted, len(out), len(dst))
	}
	return out, nil
}

type noCompressor struct{}

func (noCompressor) Levels() (int, int, int) { return 0, 0, 0 }

func (noCompressor) Compress(dst, src []byte, _ int) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (noCompressor) Decompress(dst, src []byte) ([]byte, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("%w: segment decompressed to %d bytes, expected %d", ErrCorrupted, len(src), len(dst))
	}
	return append(dst[:0], src...), nil
}
