package rowbinary

import (
	"fmt"
	"io"
	"os"
	"sort"
)

// ReaderOptions define reader specific options.
type ReaderOptions struct {
	// Values decodes rows for ReadCurrent and ReadRows. Optional: readers
	// used only through CurrentRowBytes don't need one.
	Values ValueCodec
}

// Reader seeks and iterates across the rows of a container. Each instance
// owns one cursor and one decompressed-segment buffer and is therefore not
// safe for concurrent use; multiple independent readers may open the same
// finished container concurrently.
type Reader struct {
	r    io.ReaderAt
	c    io.Closer // set when the reader owns the source
	size int64

	schema *Schema
	format Format
	values ValueCodec

	cps       []checkpoint // known checkpoints, extended during discovery
	stride    uint64
	rowCount  uint64
	counted   bool  // rowCount is known
	complete  bool  // cps cover the whole container
	dataStart int64 // offset of the first row segment frame
	dataEnd   int64 // end of segment data

	cur    uint64 // cursor: logical row index
	seg    int    // cursor: cached segment, -1 when nothing is buffered
	off    int    // cursor: in-segment decompressed byte offset
	segBuf []byte // reusable decompressed segment buffer
	raw    []byte // compressed read scratch
	tmp    [maxFrameHeader]byte

	err    error // sticky More/Next iteration error
	closed bool
}

// Open opens the container at path. Closing the reader closes the file.
func Open(path string, schema *Schema, o *ReaderOptions) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	r, err := NewReader(f, info.Size(), schema, o)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.c = f
	return r, nil
}

// NewReader opens a reader over size bytes of storage. The schema may be nil
// only for FormatWithNamesAndTypes containers, which embed one; for other
// containers it is mandatory and, when a header is present, must match the
// embedded one. A missing or corrupt seek table is not an error: the reader
// then discovers segments sequentially and reports an unknown row count
// until a full scan completes.
func NewReader(ra io.ReaderAt, size int64, schema *Schema, o *ReaderOptions) (*Reader, error) {
	r := &Reader{r: ra, size: size, schema: schema, seg: -1}
	if o != nil {
		r.values = o.Values
	}

	table, dataEnd, err := loadSeekTable(ra, size)
	if err != nil {
		return nil, err
	}
	r.dataEnd = dataEnd

	var baseRaw int64
	if r.dataEnd > 0 {
		hdr := r.tmp[:]
		if max := r.dataEnd; max < int64(len(hdr)) {
			hdr = hdr[:max]
		}
		if _, err := ra.ReadAt(hdr, 0); err != nil {
			return nil, err
		}
		tag, _, _, _, err := parseFrameHeader(hdr)
		if err != nil {
			return nil, err
		}

		if tag&frameHeaderTag != 0 {
			end, err := r.readFrameAt(0)
			if err != nil {
				return nil, err
			}
			format, embedded, err := parseHeader(r.segBuf, schema)
			if err != nil {
				return nil, err
			}
			r.format, r.schema = format, embedded
			r.dataStart, baseRaw = end, int64(len(r.segBuf))
		}
	}
	if r.schema == nil {
		return nil, fmt.Errorf("%w: container has no embedded schema", ErrMissingSchema)
	}

	if table != nil && (table.Rows == 0) == (len(table.Checkpoints) == 0) {
		r.cps = table.Checkpoints
		r.stride = table.Stride
		r.rowCount = table.Rows
		r.counted, r.complete = true, true
	} else if r.dataStart < r.dataEnd {
		r.cps = []checkpoint{{Row: 0, Offset: r.dataStart, RawOffset: baseRaw}}
	} else {
		r.counted, r.complete = true, true // empty container
	}
	return r, nil
}

// Schema returns the schema rows are decoded against.
func (r *Reader) Schema() *Schema { return r.schema }

// Format returns the container header format.
func (r *Reader) Format() Format { return r.format }

// CurrentIndex returns the cursor's logical row index.
func (r *Reader) CurrentIndex() uint64 { return r.cur }

// RowCount returns the total number of rows and whether it is known. It is
// unknown for containers without a valid seek table until a sequential scan
// has reached the end of the stream.
func (r *Reader) RowCount() (uint64, bool) { return r.rowCount, r.counted }

// NumSegments returns the number of currently known segments.
func (r *Reader) NumSegments() int { return len(r.cps) }

// Stride returns the row stride recorded in the seek table, or 0 when the
// container has none.
func (r *Reader) Stride() uint64 { return r.stride }

// Seek positions the cursor on the given row: it binary-searches the
// checkpoints for the greatest one at or before row, decompresses that
// segment and skips forward inside it. When the row count is still unknown
// and row lies beyond the known checkpoints, segments are discovered
// forward until the row or the end of the stream is reached.
func (r *Reader) Seek(row uint64) error {
	if r.closed {
		return fmt.Errorf("%w: reader is closed", ErrState)
	}
	if r.counted && row >= r.rowCount {
		return fmt.Errorf("%w: row %d of %d", ErrOutOfRange, row, r.rowCount)
	}

	// stay inside the buffered segment when possible
	if r.seg >= 0 && row >= r.cur && row >= r.cps[r.seg].Row {
		if upper, ok := r.segEnd(r.seg); ok && row < upper {
			if err := r.skipRows(row - r.cur); err != nil {
				return err
			}
			r.cur = row
			return nil
		}
	}
	return r.locate(row)
}

// SeekRelative moves the cursor by delta rows. Negative deltas always
// re-resolve from the nearest checkpoint: segments only decode forward.
func (r *Reader) SeekRelative(delta int64) error {
	if delta < 0 && uint64(-delta) > r.cur {
		return fmt.Errorf("%w: row %d%+d", ErrOutOfRange, r.cur, delta)
	}
	return r.Seek(r.cur + uint64(delta))
}

// CurrentRowBytes returns the exact encoded byte span of the row under the
// cursor without decoding it, or (nil, nil) at the end of the stream. The
// returned slice points into the reader's segment buffer and is only valid
// until the next cursor move.
func (r *Reader) CurrentRowBytes() ([]byte, error) {
	ok, err := r.ensureRow()
	if err != nil || !ok {
		return nil, err
	}
	n, err := RowLength(r.schema, r.segBuf[r.off:])
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", r.cur, err)
	}
	return r.segBuf[r.off : r.off+n], nil
}

// ReadCurrent decodes the row under the cursor through the configured
// ValueCodec without advancing, or returns (nil, nil) at the end of the
// stream.
func (r *Reader) ReadCurrent() ([]any, error) {
	if r.values == nil {
		return nil, ErrNoValueCodec
	}
	p, err := r.CurrentRowBytes()
	if err != nil || p == nil {
		return nil, err
	}

	values, err := r.values.DecodeRow(r.schema, p)
	if err != nil {
		return nil, fmt.Errorf("row %d: %w", r.cur, err)
	}
	return values, nil
}

// ReadRows decodes and advances past up to n rows. Fewer than n rows are
// returned only at the end of the stream.
func (r *Reader) ReadRows(n int) ([][]any, error) {
	if r.values == nil {
		return nil, ErrNoValueCodec
	}

	rows := make([][]any, 0, n)
	for len(rows) < n {
		values, err := r.ReadCurrent()
		if err != nil {
			return rows, err
		}
		if values == nil {
			break
		}
		rows = append(rows, values)
		if err := r.step(); err != nil {
			return rows, err
		}
	}
	return rows, nil
}

// More returns true if a row is available under the cursor.
func (r *Reader) More() bool {
	if r.err != nil || r.closed {
		return false
	}
	ok, err := r.ensureRow()
	if err != nil {
		r.err = err
		return false
	}
	return ok
}

// Next advances the cursor to the next row and returns true if a row is
// available there. Advancing never re-resolves checkpoints while the next
// row is inside the buffered segment.
func (r *Reader) Next() bool {
	if !r.More() {
		return false
	}
	if err := r.step(); err != nil {
		r.err = err
		return false
	}

	ok, err := r.ensureRow()
	if err != nil {
		r.err = err
		return false
	}
	return ok
}

// Err exposes iteration errors, if any.
func (r *Reader) Err() error { return r.err }

// Close releases the reader and closes the source if the reader owns it.
func (r *Reader) Close() error {
	r.closed = true
	r.segBuf, r.raw = nil, nil
	if r.c != nil {
		err := r.c.Close()
		r.c = nil
		return err
	}
	return nil
}

// --------------------------------------------------------------------

// ensureRow makes the cursor point at a buffered row start; it reports
// false at the end of the stream.
func (r *Reader) ensureRow() (bool, error) {
	if r.closed {
		return false, fmt.Errorf("%w: reader is closed", ErrState)
	}
	if r.counted && r.cur >= r.rowCount {
		return false, nil
	}
	if r.seg < 0 {
		if len(r.cps) == 0 {
			return false, nil
		}
		if err := r.locate(r.cur); err != nil {
			return false, err
		}
		return true, nil
	}

	for r.off == len(r.segBuf) {
		if r.seg+1 >= len(r.cps) {
			if !r.counted {
				return false, fmt.Errorf("%w: segment %d ends before its row range", ErrCorrupted, r.seg)
			}
			return false, nil
		}
		if err := r.loadSegment(r.seg + 1); err != nil {
			return false, err
		}
	}
	return true, nil
}

// step advances the cursor past the current row.
func (r *Reader) step() error {
	n, err := RowLength(r.schema, r.segBuf[r.off:])
	if err != nil {
		return fmt.Errorf("row %d: %w", r.cur, err)
	}
	r.off += n
	r.cur++
	return nil
}

// locate resolves row to a segment via checkpoint binary search, loads it
// and skips forward to the row.
func (r *Reader) locate(row uint64) error {
	if len(r.cps) == 0 {
		return fmt.Errorf("%w: row %d of 0", ErrOutOfRange, row)
	}

	i := sort.Search(len(r.cps), func(i int) bool {
		return r.cps[i].Row > row
	}) - 1
	if i < 0 {
		i = 0
	}

	for {
		if err := r.loadSegment(i); err != nil {
			r.seg = -1
			return err
		}
		if upper, _ := r.segEnd(i); row < upper {
			break
		}
		if i+1 < len(r.cps) {
			i++
			continue
		}
		// end of stream reached while discovering; the walk clobbered the
		// buffered segment, so the cursor re-resolves on the next access
		r.seg = -1
		return fmt.Errorf("%w: row %d of %d", ErrOutOfRange, row, r.rowCount)
	}

	r.off = 0
	if err := r.skipRows(row - r.cps[i].Row); err != nil {
		r.seg = -1
		return err
	}
	r.cur = row
	return nil
}

// segEnd returns the first row index beyond segment i, if known.
func (r *Reader) segEnd(i int) (uint64, bool) {
	if i+1 < len(r.cps) {
		return r.cps[i+1].Row, true
	}
	return r.rowCount, r.counted
}

// skipRows moves the in-segment offset forward by n row lengths.
func (r *Reader) skipRows(n uint64) error {
	for ; n > 0; n-- {
		m, err := RowLength(r.schema, r.segBuf[r.off:])
		if err != nil {
			return fmt.Errorf("row %d: %w", r.cur, err)
		}
		r.off += m
	}
	return nil
}

// loadSegment decompresses segment i into the reusable buffer. While the
// container is still being discovered, loading the frontier segment counts
// its rows and either appends the next checkpoint or, at the end of the
// stream, fixes the total row count.
func (r *Reader) loadSegment(i int) error {
	if r.seg == i && r.segBuf != nil {
		return nil
	}

	end, err := r.readFrameAt(r.cps[i].Offset)
	if err != nil {
		return err
	}
	r.seg, r.off = i, 0

	if !r.complete && i == len(r.cps)-1 {
		n, err := countRows(r.schema, r.segBuf)
		if err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		next := r.cps[i].Row + uint64(n)
		if end < r.dataEnd && r.probeFrame(end) {
			r.cps = append(r.cps, checkpoint{
				Row:       next,
				Offset:    end,
				RawOffset: r.cps[i].RawOffset + int64(len(r.segBuf)),
			})
		} else {
			r.rowCount, r.counted, r.complete = next, true, true
			r.dataEnd = end
		}
	}
	return nil
}

// readFrameAt reads and decompresses the frame at off into the segment
// buffer, returning the frame's codec tag and end offset.
func (r *Reader) readFrameAt(off int64) (int64, error) {
	hdr := r.tmp[:]
	if max := r.dataEnd - off; max < int64(len(hdr)) {
		if max <= 0 {
			return 0, fmt.Errorf("%w: segment offset %d beyond data end %d", ErrCorrupted, off, r.dataEnd)
		}
		hdr = hdr[:max]
	}
	if _, err := r.r.ReadAt(hdr, off); err != nil {
		return 0, err
	}

	tag, rawLen, compLen, n, err := parseFrameHeader(hdr)
	if err != nil {
		return 0, err
	}
	if rawLen > 1<<31 || compLen > 1<<31 {
		return 0, fmt.Errorf("%w: implausible segment size", ErrCorrupted)
	}
	end := off + int64(n) + int64(compLen)
	if end > r.dataEnd {
		return 0, fmt.Errorf("%w: truncated segment at offset %d", ErrCorrupted, off)
	}

	r.raw = grow(r.raw, int(compLen))
	if _, err := r.r.ReadAt(r.raw, off+int64(n)); err != nil {
		return 0, err
	}

	r.segBuf = grow(r.segBuf, int(rawLen))
	out, err := compressors[Compression(tag&frameCodecMask)].Decompress(r.segBuf, r.raw)
	if err != nil {
		return 0, err
	}
	r.segBuf = out

	if tag&frameHeaderTag != 0 && off != 0 {
		return 0, fmt.Errorf("%w: header frame at offset %d", ErrCorrupted, off)
	}
	return end, nil
}

// probeFrame reports whether a complete segment frame starts at off. The
// seek table trailer never parses as one, which is how sequential discovery
// detects the end of segment data on unfinished or untrusted containers.
func (r *Reader) probeFrame(off int64) bool {
	hdr := r.tmp[:]
	if max := r.dataEnd - off; max < int64(len(hdr)) {
		if max <= 0 {
			return false
		}
		hdr = hdr[:max]
	}
	if _, err := r.r.ReadAt(hdr, off); err != nil {
		return false
	}

	tag, _, compLen, n, err := parseFrameHeader(hdr)
	if err != nil || tag&frameHeaderTag != 0 {
		return false
	}
	return off+int64(n)+int64(compLen) <= r.dataEnd
}

func countRows(s *Schema, p []byte) (int, error) {
	n := 0
	for off := 0; off < len(p); n++ {
		m, err := RowLength(s, p[off:])
		if err != nil {
			return 0, err
		}
		off += m
	}
	return n, nil
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
