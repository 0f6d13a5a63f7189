package rowbinary

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// TypeKind discriminates TypeDesc variants.
type TypeKind uint8

// TypeDesc variants.
const (
	KindFixed TypeKind = iota // fixed-width scalar
	KindString
	KindArray
	KindTuple
	KindNullable
	KindMap
	KindLowCardinality
	KindNested
	KindDynamic
)

// TypeDesc describes a single column type. Descriptors are plain values and
// may be freely copied; composite descriptors reference their element types
// through Args.
type TypeDesc struct {
	Kind TypeKind
	Name string     // canonical scalar name, set for KindFixed only
	Size int        // encoded byte width, set for KindFixed only
	Args []TypeDesc // element types for composite kinds
	Keys []string   // member names for KindNested
}

func fixedType(name string, size int) TypeDesc {
	return TypeDesc{Kind: KindFixed, Name: name, Size: size}
}

// Fixed-width scalar types.
var (
	Int8     = fixedType("Int8", 1)
	Int16    = fixedType("Int16", 2)
	Int32    = fixedType("Int32", 4)
	Int64    = fixedType("Int64", 8)
	Int128   = fixedType("Int128", 16)
	Int256   = fixedType("Int256", 32)
	UInt8    = fixedType("UInt8", 1)
	UInt16   = fixedType("UInt16", 2)
	UInt32   = fixedType("UInt32", 4)
	UInt64   = fixedType("UInt64", 8)
	UInt128  = fixedType("UInt128", 16)
	UInt256  = fixedType("UInt256", 32)
	Float32  = fixedType("Float32", 4)
	Float64  = fixedType("Float64", 8)
	Bool     = fixedType("Bool", 1)
	Date     = fixedType("Date", 2)
	Date32   = fixedType("Date32", 4)
	DateTime = fixedType("DateTime", 4)
	UUID     = fixedType("UUID", 16)
	IPv4     = fixedType("IPv4", 4)
	IPv6     = fixedType("IPv6", 16)
)

// Variable-width leaf types.
var (
	String  = TypeDesc{Kind: KindString}
	Dynamic = TypeDesc{Kind: KindDynamic}
)

// FixedString returns a FixedString(n) type descriptor.
func FixedString(n int) TypeDesc {
	return fixedType(fmt.Sprintf("FixedString(%d)", n), n)
}

// DateTime64 returns a DateTime64 descriptor with the given precision.
func DateTime64(precision int) TypeDesc {
	return fixedType(fmt.Sprintf("DateTime64(%d)", precision), 8)
}

// Array returns an Array(elem) type descriptor.
func Array(elem TypeDesc) TypeDesc {
	return TypeDesc{Kind: KindArray, Args: []TypeDesc{elem}}
}

// Tuple returns a Tuple(elems...) type descriptor.
func Tuple(elems ...TypeDesc) TypeDesc {
	return TypeDesc{Kind: KindTuple, Args: elems}
}

// Nullable returns a Nullable(elem) type descriptor.
func Nullable(elem TypeDesc) TypeDesc {
	return TypeDesc{Kind: KindNullable, Args: []TypeDesc{elem}}
}

// Map returns a Map(key, value) type descriptor.
func Map(key, value TypeDesc) TypeDesc {
	return TypeDesc{Kind: KindMap, Args: []TypeDesc{key, value}}
}

// LowCardinality returns a LowCardinality(elem) type descriptor.
func LowCardinality(elem TypeDesc) TypeDesc {
	return TypeDesc{Kind: KindLowCardinality, Args: []TypeDesc{elem}}
}

// Nested returns a Nested(name Type, ...) type descriptor.
func Nested(fields ...Field) TypeDesc {
	t := TypeDesc{Kind: KindNested}
	for _, f := range fields {
		t.Keys = append(t.Keys, f.Name)
		t.Args = append(t.Args, f.Type)
	}
	return t
}

// String renders the canonical type name, e.g. "Array(Nullable(UInt64))".
func (t TypeDesc) String() string {
	switch t.Kind {
	case KindFixed:
		return t.Name
	case KindString:
		return "String"
	case KindDynamic:
		return "Dynamic"
	case KindArray:
		return "Array(" + t.Args[0].String() + ")"
	case KindNullable:
		return "Nullable(" + t.Args[0].String() + ")"
	case KindLowCardinality:
		return "LowCardinality(" + t.Args[0].String() + ")"
	case KindMap:
		return "Map(" + t.Args[0].String() + ", " + t.Args[1].String() + ")"
	case KindTuple:
		names := make([]string, len(t.Args))
		for i, a := range t.Args {
			names[i] = a.String()
		}
		return "Tuple(" + strings.Join(names, ", ") + ")"
	case KindNested:
		names := make([]string, len(t.Args))
		for i, a := range t.Args {
			names[i] = t.Keys[i] + " " + a.String()
		}
		return "Nested(" + strings.Join(names, ", ") + ")"
	}
	return fmt.Sprintf("invalid(%d)", t.Kind)
}

var scalarTypes = map[string]TypeDesc{
	"Int8": Int8, "Int16": Int16, "Int32": Int32, "Int64": Int64,
	"Int128": Int128, "Int256": Int256,
	"UInt8": UInt8, "UInt16": UInt16, "UInt32": UInt32, "UInt64": UInt64,
	"UInt128": UInt128, "UInt256": UInt256,
	"Float32": Float32, "Float64": Float64,
	"Bool": Bool, "Date": Date, "Date32": Date32, "DateTime": DateTime,
	"UUID": UUID, "IPv4": IPv4, "IPv6": IPv6,
	"String": String, "Dynamic": Dynamic,
}

// ParseType parses a canonical type name into a TypeDesc.
func ParseType(s string) (TypeDesc, error) {
	s = strings.TrimSpace(s)
	if t, ok := scalarTypes[s]; ok {
		return t, nil
	}

	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return TypeDesc{}, fmt.Errorf("rowbinary: unsupported type %q", s)
	}
	base, inner := s[:open], s[open+1:len(s)-1]

	switch base {
	case "FixedString":
		n, err := strconv.Atoi(strings.TrimSpace(inner))
		if err != nil || n < 1 {
			return TypeDesc{}, fmt.Errorf("rowbinary: bad FixedString size %q", inner)
		}
		return FixedString(n), nil
	case "DateTime64":
		p, err := strconv.Atoi(strings.TrimSpace(inner))
		if err != nil || p < 0 || p > 9 {
			return TypeDesc{}, fmt.Errorf("rowbinary: bad DateTime64 precision %q", inner)
		}
		return DateTime64(p), nil
	case "Array", "Nullable", "LowCardinality":
		elem, err := ParseType(inner)
		if err != nil {
			return TypeDesc{}, err
		}
		switch base {
		case "Array":
			return Array(elem), nil
		case "Nullable":
			return Nullable(elem), nil
		default:
			return LowCardinality(elem), nil
		}
	case "Map":
		args, err := parseTypeList(inner)
		if err != nil {
			return TypeDesc{}, err
		}
		if len(args) != 2 {
			return TypeDesc{}, fmt.Errorf("rowbinary: Map expects 2 type arguments, got %d", len(args))
		}
		return Map(args[0], args[1]), nil
	case "Tuple":
		args, err := parseTypeList(inner)
		if err != nil {
			return TypeDesc{}, err
		}
		if len(args) == 0 {
			return TypeDesc{}, fmt.Errorf("rowbinary: empty Tuple")
		}
		return Tuple(args...), nil
	case "Nested":
		fields, err := parseFieldList(inner)
		if err != nil {
			return TypeDesc{}, err
		}
		return Nested(fields...), nil
	}
	return TypeDesc{}, fmt.Errorf("rowbinary: unsupported type %q", s)
}

// splitTopLevel splits s at top-level commas, respecting parentheses.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func parseTypeList(s string) ([]TypeDesc, error) {
	var args []TypeDesc
	for _, part := range splitTopLevel(s) {
		t, err := ParseType(part)
		if err != nil {
			return nil, err
		}
		args = append(args, t)
	}
	return args, nil
}

func parseFieldList(s string) ([]Field, error) {
	var fields []Field
	for _, part := range splitTopLevel(s) {
		part = strings.TrimSpace(part)
		sep := strings.IndexByte(part, ' ')
		if sep < 1 {
			return nil, fmt.Errorf("rowbinary: bad nested field %q", part)
		}
		t, err := ParseType(part[sep+1:])
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: part[:sep], Type: t})
	}
	return fields, nil
}

// --------------------------------------------------------------------

// Field is a single named column.
type Field struct {
	Name string
	Type TypeDesc
}

// Schema is an immutable, ordered sequence of columns. It is built once and
// shared, never copied, across writers, readers and value codecs.
type Schema struct {
	fields []Field
	names  []string
}

// NewSchema builds a schema from the given columns.
func NewSchema(fields ...Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: schema must have at least one column", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(fields))
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("%w: unnamed column", ErrInvalidConfig)
		}
		if _, ok := seen[f.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidConfig, f.Name)
		}
		seen[f.Name] = struct{}{}
		names = append(names, f.Name)
	}
	return &Schema{fields: fields, names: names}, nil
}

// ParseSchema builds a schema from (name, type-string) pairs.
func ParseSchema(cols ...[2]string) (*Schema, error) {
	fields := make([]Field, 0, len(cols))
	for _, c := range cols {
		t, err := ParseType(c[1])
		if err != nil {
			return nil, err
		}
		fields = append(fields, Field{Name: c[0], Type: t})
	}
	return NewSchema(fields...)
}

// Len returns the number of columns.
func (s *Schema) Len() int { return len(s.fields) }

// Fields returns the schema columns. The returned slice must not be modified.
func (s *Schema) Fields() []Field { return s.fields }

// Names returns the column names. The returned slice must not be modified.
func (s *Schema) Names() []string { return s.names }

// String renders the schema as a column list.
func (s *Schema) String() string {
	parts := make([]string, len(s.fields))
	for i, f := range s.fields {
		parts[i] = f.Name + " " + f.Type.String()
	}
	return strings.Join(parts, ", ")
}

func (s *Schema) equal(other *Schema) bool {
	if s.Len() != other.Len() {
		return false
	}
	for i, f := range s.fields {
		o := other.fields[i]
		if f.Name != o.Name || f.Type.String() != o.Type.String() {
			return false
		}
	}
	return true
}

// --------------------------------------------------------------------

// Header block layout (the decompressed payload of the header frame):
//
//	+-------------+------------------+----------+---------------------+
//	| format (1B) | n cols (varint)  | names... | types... (WNAT only)|
//	+-------------+------------------+----------+---------------------+
//
// Names and types are length-prefixed strings, RowBinary style.
func (s *Schema) appendHeader(dst []byte, f Format) []byte {
	dst = append(dst, byte(f))
	dst = binary.AppendUvarint(dst, uint64(len(s.fields)))
	for _, fl := range s.fields {
		dst = appendString(dst, fl.Name)
	}
	if f == FormatWithNamesAndTypes {
		for _, fl := range s.fields {
			dst = appendString(dst, fl.Type.String())
		}
	}
	return dst
}

// parseHeader decodes a header block and reconciles it with the
// caller-supplied schema (which may be nil for FormatWithNamesAndTypes).
func parseHeader(p []byte, supplied *Schema) (Format, *Schema, error) {
	if len(p) < 1 {
		return 0, nil, fmt.Errorf("%w: truncated header", ErrCorrupted)
	}
	format := Format(p[0])
	if format != FormatWithNames && format != FormatWithNamesAndTypes {
		return 0, nil, fmt.Errorf("%w: bad header format tag %d", ErrCorrupted, p[0])
	}
	p = p[1:]

	ncols, n := binary.Uvarint(p)
	if n <= 0 || ncols == 0 || ncols > uint64(len(p)) {
		return 0, nil, fmt.Errorf("%w: bad header column count", ErrCorrupted)
	}
	p = p[n:]

	names := make([]string, ncols)
	for i := range names {
		s, rest, err := readString(p)
		if err != nil {
			return 0, nil, err
		}
		names[i], p = s, rest
	}

	if format == FormatWithNames {
		if supplied == nil {
			return 0, nil, fmt.Errorf("%w: names-only header", ErrMissingSchema)
		}
		if err := matchNames(supplied, names); err != nil {
			return 0, nil, err
		}
		return format, supplied, nil
	}

	types := make([]string, ncols)
	for i := range types {
		s, rest, err := readString(p)
		if err != nil {
			return 0, nil, err
		}
		types[i], p = s, rest
	}

	if supplied != nil {
		if err := matchNames(supplied, names); err != nil {
			return 0, nil, err
		}
		for i, f := range supplied.fields {
			if got := f.Type.String(); got != types[i] {
				return 0, nil, fmt.Errorf("%w: column %q is %s, embedded header says %s", ErrSchemaMismatch, f.Name, got, types[i])
			}
		}
		return format, supplied, nil
	}

	fields := make([]Field, ncols)
	for i := range fields {
		t, err := ParseType(types[i])
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		fields[i] = Field{Name: names[i], Type: t}
	}
	embedded, err := NewSchema(fields...)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return format, embedded, nil
}

func matchNames(s *Schema, names []string) error {
	if len(names) != s.Len() {
		return fmt.Errorf("%w: embedded header has %d columns, schema has %d", ErrSchemaMismatch, len(names), s.Len())
	}
	for i, f := range s.fields {
		if f.Name != names[i] {
			return fmt.Errorf("%w: column %d is %q, embedded header says %q", ErrSchemaMismatch, i, f.Name, names[i])
		}
	}
	return nil
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(p []byte) (string, []byte, error) {
	sz, n := binary.Uvarint(p)
	if n <= 0 || sz > uint64(len(p)-n) {
		return "", nil, fmt.Errorf("%w: truncated string", ErrCorrupted)
	}
	return string(p[n : n+int(sz)]), p[n+int(sz):], nil
}
