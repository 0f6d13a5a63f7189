package rowbinary

import (
	"encoding/binary"
	"fmt"
)

// RowLength computes the encoded byte length of the row starting at p[0]
// without decoding any values: fixed-width columns contribute a constant,
// variable-width columns are skipped via their length/tag prefixes.
func RowLength(s *Schema, p []byte) (int, error) {
	n := 0
	for _, f := range s.fields {
		m, err := typeLength(f.Type, p[n:])
		if err != nil {
			return 0, fmt.Errorf("column %q: %w", f.Name, err)
		}
		n += m
	}
	return n, nil
}

func typeLength(t TypeDesc, p []byte) (int, error) {
	switch t.Kind {
	case KindFixed:
		if len(p) < t.Size {
			return 0, errTruncatedRow(t)
		}
		return t.Size, nil

	case KindString:
		sz, n := binary.Uvarint(p)
		if n <= 0 || sz > uint64(len(p)-n) {
			return 0, errTruncatedRow(t)
		}
		return n + int(sz), nil

	case KindArray:
		return seqLength(t, p, t.Args...)

	case KindTuple:
		n := 0
		for _, a := range t.Args {
			m, err := typeLength(a, p[n:])
			if err != nil {
				return 0, err
			}
			n += m
		}
		return n, nil

	case KindNullable:
		if len(p) < 1 {
			return 0, errTruncatedRow(t)
		}
		switch p[0] {
		case 1: // NULL, no value follows
			return 1, nil
		case 0:
			m, err := typeLength(t.Args[0], p[1:])
			if err != nil {
				return 0, err
			}
			return 1 + m, nil
		default:
			return 0, fmt.Errorf("%w: bad null discriminant %d", ErrCorrupted, p[0])
		}

	case KindMap:
		return seqLength(t, p, t.Args[0], t.Args[1])

	case KindLowCardinality:
		// row-oriented encoding carries no per-row dictionary
		return typeLength(t.Args[0], p)

	case KindNested:
		// encoded like Array(Tuple(members...))
		return seqLength(t, p, t.Args...)

	case KindDynamic:
		name, rest, err := readString(p)
		if err != nil {
			return 0, errTruncatedRow(t)
		}
		inner, err := ParseType(name)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		m, err := typeLength(inner, rest)
		if err != nil {
			return 0, err
		}
		return len(p) - len(rest) + m, nil
	}
	return 0, fmt.Errorf("%w: invalid type kind %d", ErrCorrupted, t.Kind)
}

// seqLength measures a count-prefixed sequence of elem groups.
func seqLength(t TypeDesc, p []byte, elems ...TypeDesc) (int, error) {
	cnt, n := binary.Uvarint(p)
	if n <= 0 {
		return 0, errTruncatedRow(t)
	}
	for i := uint64(0); i < cnt; i++ {
		start := n
		for _, e := range elems {
			m, err := typeLength(e, p[n:])
			if err != nil {
				return 0, err
			}
			n += m
		}
		if n == start { // zero-width element, the count can't be trusted
			return 0, fmt.Errorf("%w: zero-width element in %s", ErrCorrupted, t)
		}
	}
	return n, nil
}

func errTruncatedRow(t TypeDesc) error {
	return fmt.Errorf("%w: row truncated in %s value", ErrCorrupted, t)
}
