package rowbinary

import (
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Seek table trailer layout, appended after the last segment:
//
//	+-------+---------+-----------------+---------------------+---------------------+
//	| magic | version | stride (varint) | row count (varint)  | checkpoints (varint)|
//	+-------+---------+-----------------+---------------------+---------------------+
//	+------------------------------------------------+--------------+--------------+
//	| checkpoint* : row, offset, raw offset (varint, | trailer len  | xxhash64     |
//	|               delta-encoded after the first)   | (8 bytes)    | (8 bytes)    |
//	+------------------------------------------------+--------------+--------------+
//
// The trailer length covers the whole trailer including the final 16 bytes;
// the checksum covers every trailer byte before it. A reader locates the
// trailer by reading the last 16 bytes of storage.
type seekTable struct {
	Stride      uint64
	Rows        uint64
	Checkpoints []checkpoint
}

const minTrailerLen = 8 + 1 + 3 + 16 // magic + version + 3 varints + footer

func (t *seekTable) appendTo(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, magic...)
	dst = append(dst, seekTableVersion)
	dst = binary.AppendUvarint(dst, t.Stride)
	dst = binary.AppendUvarint(dst, t.Rows)
	dst = binary.AppendUvarint(dst, uint64(len(t.Checkpoints)))

	var prev checkpoint
	for i, cp := range t.Checkpoints {
		row, off, raw := cp.Row, cp.Offset, cp.RawOffset
		if i != 0 { // delta-encode
			row -= prev.Row
			off -= prev.Offset
			raw -= prev.RawOffset
		}
		prev = cp

		dst = binary.AppendUvarint(dst, row)
		dst = binary.AppendUvarint(dst, uint64(off))
		dst = binary.AppendUvarint(dst, uint64(raw))
	}

	dst = binary.LittleEndian.AppendUint64(dst, uint64(len(dst)-start+16))
	dst = binary.LittleEndian.AppendUint64(dst, xxhash.Sum64(dst[start:]))
	return dst
}

// loadSeekTable reads and validates the trailer. A missing, foreign or
// corrupt trailer yields a nil table, not an error: the container is then
// limited to sequential discovery. The second result is the end of segment
// data (the trailer start, or size when there is no trailer).
func loadSeekTable(r io.ReaderAt, size int64) (*seekTable, int64, error) {
	if size < int64(minTrailerLen) {
		return nil, size, nil
	}

	var footer [16]byte
	if _, err := r.ReadAt(footer[:], size-16); err != nil {
		return nil, 0, err
	}
	total := int64(binary.LittleEndian.Uint64(footer[:8]))
	sum := binary.LittleEndian.Uint64(footer[8:])

	if total < int64(minTrailerLen) || total > size {
		return nil, size, nil
	}

	buf := make([]byte, total-16)
	if _, err := r.ReadAt(buf, size-total); err != nil {
		return nil, 0, err
	}
	if string(buf[:8]) != string(magic) {
		return nil, size, nil
	}
	if xxhash.Sum64(append(buf, footer[:8]...)) != sum {
		return nil, size, nil
	}
	if buf[8] != seekTableVersion {
		return nil, size, nil
	}

	t, ok := parseSeekTable(buf[9 : total-16])
	if !ok {
		return nil, size, nil
	}
	if n := len(t.Checkpoints); n > 0 && t.Checkpoints[n-1].Offset >= size-total {
		return nil, size, nil // checkpoints point past the segment data
	}
	return t, size - total, nil
}

func parseSeekTable(p []byte) (*seekTable, bool) {
	t := new(seekTable)

	var n int
	if t.Stride, n = binary.Uvarint(p); n <= 0 || t.Stride == 0 {
		return nil, false
	}
	p = p[n:]
	if t.Rows, n = binary.Uvarint(p); n <= 0 {
		return nil, false
	}
	p = p[n:]

	cnt, n := binary.Uvarint(p)
	if n <= 0 || cnt > uint64(len(p)) {
		return nil, false
	}
	p = p[n:]

	var cp checkpoint
	for i := uint64(0); i < cnt; i++ {
		row, n1 := binary.Uvarint(p)
		if n1 <= 0 {
			return nil, false
		}
		off, n2 := binary.Uvarint(p[n1:])
		if n2 <= 0 {
			return nil, false
		}
		raw, n3 := binary.Uvarint(p[n1+n2:])
		if n3 <= 0 {
			return nil, false
		}
		p = p[n1+n2+n3:]

		// rows and offsets are strictly increasing across checkpoints
		if i != 0 && (row == 0 || off == 0) {
			return nil, false
		}

		cp.Row += row
		cp.Offset += int64(off)
		cp.RawOffset += int64(raw)
		t.Checkpoints = append(t.Checkpoints, cp)
	}

	if len(t.Checkpoints) > 0 && t.Checkpoints[0].Row != 0 {
		return nil, false
	}
	return t, len(p) == 0
}
