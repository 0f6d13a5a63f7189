package rowbinary

import "errors"

var magic = []byte{212, 82, 66, 84, 142, 27, 249, 103}

const seekTableVersion = 1

// DefaultStride is the number of rows per segment unless configured otherwise.
const DefaultStride = 1024

// Sentinel errors. Failures carry additional detail and are matched
// with errors.Is.
var (
	// ErrInvalidConfig is returned when construction options are out of range.
	ErrInvalidConfig = errors.New("rowbinary: invalid configuration")
	// ErrSchemaMismatch is returned when an embedded header schema disagrees
	// with the caller-supplied one.
	ErrSchemaMismatch = errors.New("rowbinary: schema mismatch")
	// ErrMissingSchema is returned when a headerless container is opened
	// without a schema.
	ErrMissingSchema = errors.New("rowbinary: schema required")
	// ErrState is returned on wrong-state calls, e.g. append after finish.
	ErrState = errors.New("rowbinary: invalid state")
	// ErrOutOfRange is returned when seeking at or beyond the known row count.
	ErrOutOfRange = errors.New("rowbinary: row index out of range")
	// ErrCorrupted is returned on malformed row bytes, truncated segments or
	// checksum failures.
	ErrCorrupted = errors.New("rowbinary: corrupted data")
	// ErrNoValueCodec is returned by typed read/write calls when no ValueCodec
	// was configured.
	ErrNoValueCodec = errors.New("rowbinary: no value codec configured")
)

// Format identifies the container header layout.
type Format byte

// Supported formats.
const (
	// FormatPlain containers carry no header; a schema must be supplied by
	// the caller on both ends.
	FormatPlain Format = iota
	// FormatWithNames containers embed the column names.
	FormatWithNames
	// FormatWithNamesAndTypes containers embed both column names and types.
	FormatWithNamesAndTypes
)

func (f Format) isValid() bool { return f <= FormatWithNamesAndTypes }

// String returns the canonical format name.
func (f Format) String() string {
	switch f {
	case FormatPlain:
		return "RowBinary"
	case FormatWithNames:
		return "RowBinaryWithNames"
	case FormatWithNamesAndTypes:
		return "RowBinaryWithNamesAndTypes"
	}
	return "RowBinary(invalid)"
}

// ValueCodec encodes and decodes individual typed rows. Implementations are
// external to this package and must be stateless: the same codec instance may
// be shared by any number of writers and readers.
type ValueCodec interface {
	// EncodeRow encodes one row of column values according to the schema.
	EncodeRow(s *Schema, values []any) ([]byte, error)
	// DecodeRow decodes one encoded row into column values.
	DecodeRow(s *Schema, p []byte) ([]any, error)
}

type checkpoint struct {
	Row       uint64 // first row of the segment
	Offset    int64  // absolute offset of the segment frame
	RawOffset int64  // cumulative decompressed bytes before the segment
}
