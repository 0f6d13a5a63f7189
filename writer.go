package rowbinary

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// WriterOptions define writer specific options.
type WriterOptions struct {
	// Format selects the container header layout.
	// Default: FormatPlain.
	Format Format

	// Stride is the number of rows per compressed segment. Larger strides
	// shrink the seek table but increase the per-seek decompression cost;
	// the stride also bounds the working-set memory of readers.
	// Default: 1024.
	Stride int

	// Compression is the segment codec.
	// Default: ZstdCompression.
	Compression Compression

	// Level is the compression level; 0 selects the codec default.
	Level int

	// Values encodes typed rows passed to AppendRow. Optional: writers fed
	// exclusively with pre-encoded rows via Append don't need one.
	Values ValueCodec
}

func (o *WriterOptions) norm() (*WriterOptions, error) {
	var oo WriterOptions
	if o != nil {
		oo = *o
	}

	if !oo.Format.isValid() {
		return nil, fmt.Errorf("%w: bad format %d", ErrInvalidConfig, oo.Format)
	}
	if oo.Stride < 0 {
		return nil, fmt.Errorf("%w: stride must be positive, got %d", ErrInvalidConfig, oo.Stride)
	}
	if oo.Stride == 0 {
		oo.Stride = DefaultStride
	}

	comp, ok := compressors[oo.Compression]
	if !ok {
		return nil, fmt.Errorf("%w: bad compression codec %d", ErrInvalidConfig, oo.Compression)
	}
	min, def, max := comp.Levels()
	if oo.Level == 0 {
		oo.Level = def
	}
	if oo.Level < min || oo.Level > max {
		return nil, fmt.Errorf("%w: %s level %d outside [%d, %d]", ErrInvalidConfig, oo.Compression, oo.Level, min, max)
	}
	return &oo, nil
}

type writerState uint8

const (
	wsCreated writerState = iota
	wsHeaderWritten
	wsWriting
	wsFinished
)

// Writer appends rows to a container, forcing a segment boundary and
// recording a checkpoint every Stride rows. Writers are not safe for
// concurrent use and exclusively own their sink until Finish.
type Writer struct {
	w      io.Writer
	c      io.Closer // set when the writer owns the sink
	o      *WriterOptions
	schema *Schema
	comp   Compressor
	state  writerState
	err    error // sticky mid-write failure

	buf  []byte // raw segment buffer
	cbuf []byte // compression scratch
	tmp  []byte // frame header scratch

	segRow  uint64 // first row of the current segment
	segOff  int64  // checkpoint offsets of the current segment
	segRaw  int64
	segRows int

	rows     uint64
	written  int64 // compressed bytes written
	rawBytes int64 // decompressed bytes represented
	cps      []checkpoint
}

// Create creates path for exclusive writing and returns a Writer for it.
// Closing the writer finalizes the container and closes the file.
func Create(path string, schema *Schema, o *WriterOptions) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	w, err := NewWriter(f, schema, o)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.c = f
	return w, nil
}

// NewWriter wraps a sink and returns a Writer.
func NewWriter(w io.Writer, schema *Schema, o *WriterOptions) (*Writer, error) {
	if schema == nil {
		return nil, fmt.Errorf("%w: writers need a schema", ErrMissingSchema)
	}
	oo, err := o.norm()
	if err != nil {
		return nil, err
	}

	return &Writer{
		w:      w,
		o:      oo,
		schema: schema,
		comp:   compressors[oo.Compression],
		tmp:    make([]byte, 0, maxFrameHeader),
	}, nil
}

// Schema returns the shared schema.
func (w *Writer) Schema() *Schema { return w.schema }

// RowsWritten returns the number of rows appended so far.
func (w *Writer) RowsWritten() uint64 { return w.rows }

// BytesWritten returns the number of compressed bytes written to the sink.
func (w *Writer) BytesWritten() int64 { return w.written }

// WriteHeader writes the header block for FormatWithNames and
// FormatWithNamesAndTypes containers; it must be called before the first row
// for those formats. For FormatPlain it is a no-op.
func (w *Writer) WriteHeader() error {
	if w.err != nil {
		return w.err
	}
	switch w.state {
	case wsFinished:
		return fmt.Errorf("%w: writer is finished", ErrState)
	case wsHeaderWritten, wsWriting:
		return fmt.Errorf("%w: header already written", ErrState)
	}

	if w.o.Format != FormatPlain {
		if err := w.writeFrame(frameHeaderTag, w.schema.appendHeader(nil, w.o.Format)); err != nil {
			return err
		}
	}
	w.state = wsHeaderWritten
	return nil
}

// Append appends one pre-encoded row. The bytes are forwarded verbatim into
// the current segment without being decoded.
func (w *Writer) Append(row []byte) error {
	if w.err != nil {
		return w.err
	}
	switch w.state {
	case wsFinished:
		return fmt.Errorf("%w: writer is finished", ErrState)
	case wsCreated:
		if w.o.Format != FormatPlain {
			return fmt.Errorf("%w: WriteHeader required before rows for %s", ErrState, w.o.Format)
		}
		w.state = wsWriting
	case wsHeaderWritten:
		w.state = wsWriting
	}

	if w.segRows == 0 { // new segment
		w.segRow, w.segOff, w.segRaw = w.rows, w.written, w.rawBytes
	}
	w.buf = append(w.buf, row...)
	w.segRows++
	w.rows++

	if w.segRows >= w.o.Stride {
		return w.flush()
	}
	return nil
}

// AppendRow encodes one row of typed values through the configured
// ValueCodec and appends it.
func (w *Writer) AppendRow(values []any) error {
	if w.o.Values == nil {
		return ErrNoValueCodec
	}
	p, err := w.o.Values.EncodeRow(w.schema, values)
	if err != nil {
		return fmt.Errorf("row %d: %w", w.rows, err)
	}
	return w.Append(p)
}

// Finish flushes the last segment, writes the seek table and flushes the
// sink. No rows can be appended afterwards; a second Finish fails with
// ErrState. A container never finished remains a valid sequential stream
// without random access.
func (w *Writer) Finish() error {
	if w.err != nil {
		return w.err
	}
	if w.state == wsFinished {
		return fmt.Errorf("%w: finish called twice", ErrState)
	}
	if err := w.flush(); err != nil {
		return err
	}

	table := seekTable{Stride: uint64(w.o.Stride), Rows: w.rows, Checkpoints: w.cps}
	if err := w.writeRaw(table.appendTo(w.buf[:0])); err != nil {
		return err
	}
	if s, ok := w.w.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return w.fail(err)
		}
	}
	w.state = wsFinished
	return nil
}

// Close finishes the writer, tolerating one that is already finished, and
// closes the sink if the writer owns it.
func (w *Writer) Close() error {
	err := w.Finish()
	if errors.Is(err, ErrState) {
		err = nil
	}
	if w.c != nil {
		if cerr := w.c.Close(); err == nil {
			err = cerr
		}
		w.c = nil
	}
	return err
}

// flush compresses the buffered segment, appends its checkpoint and resets
// the buffer.
func (w *Writer) flush() error {
	if w.segRows == 0 {
		return nil
	}

	cp := checkpoint{Row: w.segRow, Offset: w.segOff, RawOffset: w.segRaw}
	if err := w.writeFrame(0, w.buf); err != nil {
		return err
	}

	w.cps = append(w.cps, cp)
	w.buf = w.buf[:0]
	w.segRows = 0
	return nil
}

// writeFrame writes one self-contained segment frame, falling back to raw
// storage when compression doesn't pay.
func (w *Writer) writeFrame(flags byte, payload []byte) error {
	codec, body := w.o.Compression, payload
	if codec != NoCompression {
		c, err := w.comp.Compress(w.cbuf, payload, w.o.Level)
		if err != nil {
			return w.fail(err)
		}
		w.cbuf = c[:0]
		if len(c) == 0 || len(c) >= len(payload)-len(payload)/minCompressGain {
			codec = NoCompression
		} else {
			body = c
		}
	}

	if err := w.writeRaw(appendFrameHeader(w.tmp[:0], byte(codec)|flags, len(payload), len(body))); err != nil {
		return err
	}
	if err := w.writeRaw(body); err != nil {
		return err
	}
	w.rawBytes += int64(len(payload))
	return nil
}

func (w *Writer) writeRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.written += int64(n)
	if err != nil {
		return w.fail(err)
	}
	return nil
}

// fail poisons the writer: completed segments stay valid but no further
// writes are accepted.
func (w *Writer) fail(err error) error {
	w.err = err
	return err
}
