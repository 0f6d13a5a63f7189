package rowbinary_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/rand"

	rowbinary "github.com/dovreshef/clickhouse-binary"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Reader", func() {
	var subject *rowbinary.Reader

	// 100 rows, 8 per segment
	BeforeEach(func() {
		var err error
		subject, err = seedReader(100, &rowbinary.WriterOptions{Stride: 8})
		Expect(err).NotTo(HaveOccurred())
	})

	readIDName := func(r *rowbinary.Reader) (uint64, string) {
		values, err := r.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values).To(HaveLen(2))
		return values[0].(uint64), values[1].(string)
	}

	It("should init", func() {
		Expect(subject.NumSegments()).To(Equal(13))
		Expect(subject.CurrentIndex()).To(Equal(uint64(0)))
		Expect(subject.Stride()).To(Equal(uint64(8)))
		Expect(subject.Format()).To(Equal(rowbinary.FormatPlain))

		n, known := subject.RowCount()
		Expect(known).To(BeTrue())
		Expect(n).To(Equal(uint64(100)))
	})

	It("should seek every row", func() {
		for i := uint64(0); i < 100; i++ {
			Expect(subject.Seek(i)).To(Succeed(), "for row %d", i)
			Expect(subject.CurrentIndex()).To(Equal(i))

			id, name := readIDName(subject)
			Expect(id).To(Equal(i))
			Expect(name).To(Equal(testRowName(int(i))))
		}
	})

	It("should match a sequential scan", func() {
		var scanned [][]byte
		for subject.More() {
			p, err := subject.CurrentRowBytes()
			Expect(err).NotTo(HaveOccurred())
			scanned = append(scanned, append([]byte(nil), p...))
			subject.Next()
		}
		Expect(subject.Err()).NotTo(HaveOccurred())
		Expect(scanned).To(HaveLen(100))

		for _, i := range []uint64{99, 0, 42, 7, 63, 64, 31} {
			Expect(subject.Seek(i)).To(Succeed())
			p, err := subject.CurrentRowBytes()
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(Equal(scanned[i]), "for row %d", i)
		}
	})

	It("should seek relative", func() {
		Expect(subject.Seek(50)).To(Succeed())
		Expect(subject.SeekRelative(10)).To(Succeed())
		Expect(subject.CurrentIndex()).To(Equal(uint64(60)))

		Expect(subject.SeekRelative(-5)).To(Succeed())
		id, _ := readIDName(subject)
		Expect(id).To(Equal(uint64(55)))

		Expect(subject.SeekRelative(-100)).To(MatchError(rowbinary.ErrOutOfRange))
		Expect(subject.SeekRelative(45)).To(MatchError(rowbinary.ErrOutOfRange))
	})

	It("should seek symmetrically", func() {
		Expect(subject.Seek(33)).To(Succeed())
		p1, err := subject.CurrentRowBytes()
		Expect(err).NotTo(HaveOccurred())
		first := append([]byte(nil), p1...)

		Expect(subject.Seek(90)).To(Succeed())
		Expect(subject.Seek(33)).To(Succeed())
		p2, err := subject.CurrentRowBytes()
		Expect(err).NotTo(HaveOccurred())
		Expect(p2).To(Equal(first))
	})

	It("should fail out of range", func() {
		Expect(subject.Seek(100)).To(MatchError(rowbinary.ErrOutOfRange))
		Expect(subject.Seek(1000)).To(MatchError(rowbinary.ErrOutOfRange))

		// the cursor is left in place
		id, _ := readIDName(subject)
		Expect(id).To(Equal(uint64(0)))
	})

	It("should return no row at the end of the stream", func() {
		Expect(subject.Seek(99)).To(Succeed())
		Expect(subject.Next()).To(BeFalse())
		Expect(subject.Err()).NotTo(HaveOccurred())

		p, err := subject.CurrentRowBytes()
		Expect(err).NotTo(HaveOccurred())
		Expect(p).To(BeNil())

		values, err := subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values).To(BeNil())
	})

	It("should read row batches", func() {
		for i := 0; i < 3; i++ {
			rows, err := subject.ReadRows(30)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(30))
		}

		// only the end of the stream may come up short
		rows, err := subject.ReadRows(30)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(10))
		Expect(rows[9][0]).To(Equal(uint64(99)))

		rows, err = subject.ReadRows(30)
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(BeEmpty())
	})

	It("should decode identically across strides", func() {
		expected := make([][]byte, 0, 100)
		for subject.More() {
			p, err := subject.CurrentRowBytes()
			Expect(err).NotTo(HaveOccurred())
			expected = append(expected, append([]byte(nil), p...))
			subject.Next()
		}

		for _, stride := range []int{1, 3, 17, 100, 1000} {
			other, err := seedReader(100, &rowbinary.WriterOptions{Stride: stride})
			Expect(err).NotTo(HaveOccurred())

			for i, want := range expected {
				p, err := other.CurrentRowBytes()
				Expect(err).NotTo(HaveOccurred())
				Expect(p).To(Equal(want), "for row %d at stride %d", i, stride)
				other.Next()
			}
			Expect(other.More()).To(BeFalse())
			Expect(other.Err()).NotTo(HaveOccurred())
		}
	})

	It("should round-trip through every codec", func() {
		for _, c := range []rowbinary.Compression{
			rowbinary.ZstdCompression,
			rowbinary.LZ4Compression,
			rowbinary.SnappyCompression,
			rowbinary.NoCompression,
		} {
			rdr, err := seedReader(50, &rowbinary.WriterOptions{Stride: 8, Compression: c})
			Expect(err).NotTo(HaveOccurred(), "for codec %s", c)

			Expect(rdr.Seek(37)).To(Succeed(), "for codec %s", c)
			id, name := readIDName(rdr)
			Expect(id).To(Equal(uint64(37)), "for codec %s", c)
			Expect(name).To(Equal(testRowName(37)), "for codec %s", c)

			Expect(rdr.Seek(0)).To(Succeed())
			n := 0
			for rdr.More() {
				n++
				rdr.Next()
			}
			Expect(rdr.Err()).NotTo(HaveOccurred(), "for codec %s", c)
			Expect(n).To(Equal(50), "for codec %s", c)
		}
	})

	It("should pass raw rows through between containers", func() {
		dst := new(bytes.Buffer)
		w, err := rowbinary.NewWriter(dst, testSchema, &rowbinary.WriterOptions{Stride: 5})
		Expect(err).NotTo(HaveOccurred())

		for subject.More() {
			p, err := subject.CurrentRowBytes()
			Expect(err).NotTo(HaveOccurred())
			Expect(w.Append(p)).To(Succeed())
			subject.Next()
		}
		Expect(subject.Err()).NotTo(HaveOccurred())
		Expect(w.Finish()).To(Succeed())

		rdr, err := openBuffer(dst, testSchema)
		Expect(err).NotTo(HaveOccurred())

		Expect(subject.Seek(0)).To(Succeed())
		for i := 0; i < 100; i++ {
			want, err := subject.CurrentRowBytes()
			Expect(err).NotTo(HaveOccurred())
			got, err := rdr.CurrentRowBytes()
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(want), "for row %d", i)
			subject.Next()
			rdr.Next()
		}
		Expect(rdr.More()).To(BeFalse())
	})
})

var _ = Describe("Reader (typed rows)", func() {
	It("should seek across typed appends", func() {
		buf := new(bytes.Buffer)
		w, err := rowbinary.NewWriter(buf, testSchema, &rowbinary.WriterOptions{
			Stride: 2,
			Level:  3,
			Values: testCodec{},
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(w.AppendRow([]any{uint64(1), "alpha"})).To(Succeed())
		Expect(w.AppendRow([]any{uint64(2), "beta"})).To(Succeed())
		Expect(w.AppendRow([]any{uint64(3), "gamma"})).To(Succeed())
		Expect(w.Finish()).To(Succeed())

		subject, err := openBuffer(buf, testSchema)
		Expect(err).NotTo(HaveOccurred())

		n, known := subject.RowCount()
		Expect(known).To(BeTrue())
		Expect(n).To(Equal(uint64(3)))
		Expect(subject.NumSegments()).To(Equal(2)) // 2+1 rows

		Expect(subject.Seek(2)).To(Succeed())
		values, err := subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values).To(Equal([]any{uint64(3), "gamma"}))

		Expect(subject.SeekRelative(-1)).To(Succeed())
		values, err = subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values).To(Equal([]any{uint64(2), "beta"}))
	})
})

var _ = Describe("Reader (sequential fallback)", func() {
	It("should decode unfinished containers", func() {
		buf, err := seedBuffer(24, &rowbinary.WriterOptions{Stride: 4}, false)
		Expect(err).NotTo(HaveOccurred())

		subject, err := openBuffer(buf, testSchema)
		Expect(err).NotTo(HaveOccurred())

		_, known := subject.RowCount()
		Expect(known).To(BeFalse())

		n := 0
		for subject.More() {
			values, err := subject.ReadCurrent()
			Expect(err).NotTo(HaveOccurred())
			Expect(values[0]).To(Equal(uint64(n)))
			n++
			subject.Next()
		}
		Expect(subject.Err()).NotTo(HaveOccurred())
		Expect(n).To(Equal(24))

		// the full scan fixes the row count
		total, known := subject.RowCount()
		Expect(known).To(BeTrue())
		Expect(total).To(Equal(uint64(24)))
	})

	It("should discover segments while seeking forward", func() {
		buf, err := seedBuffer(24, &rowbinary.WriterOptions{Stride: 4}, false)
		Expect(err).NotTo(HaveOccurred())

		subject, err := openBuffer(buf, testSchema)
		Expect(err).NotTo(HaveOccurred())

		Expect(subject.Seek(17)).To(Succeed())
		values, err := subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values[0]).To(Equal(uint64(17)))

		Expect(subject.Seek(3)).To(Succeed())
		values, err = subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values[0]).To(Equal(uint64(3)))

		// seeking past the end discovers the true row count
		Expect(subject.Seek(99)).To(MatchError(rowbinary.ErrOutOfRange))
		total, known := subject.RowCount()
		Expect(known).To(BeTrue())
		Expect(total).To(Equal(uint64(24)))
	})

	It("should keep the cursor consistent after a failed seek", func() {
		buf, err := seedBuffer(24, &rowbinary.WriterOptions{Stride: 4}, false)
		Expect(err).NotTo(HaveOccurred())

		subject, err := openBuffer(buf, testSchema)
		Expect(err).NotTo(HaveOccurred())

		Expect(subject.Seek(3)).To(Succeed())
		Expect(subject.Seek(99)).To(MatchError(rowbinary.ErrOutOfRange))

		// the failed seek discovered segments past the cursor; reads must
		// still resolve the row the cursor reports
		Expect(subject.CurrentIndex()).To(Equal(uint64(3)))
		values, err := subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values[0]).To(Equal(uint64(3)))

		Expect(subject.Seek(21)).To(Succeed())
		values, err = subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values[0]).To(Equal(uint64(21)))

		Expect(subject.SeekRelative(1)).To(Succeed())
		values, err = subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values[0]).To(Equal(uint64(22)))
	})

	It("should fall back on a corrupt seek table", func() {
		buf, err := seedBuffer(24, &rowbinary.WriterOptions{Stride: 4}, true)
		Expect(err).NotTo(HaveOccurred())

		// flip one bit inside the trailer checksum
		raw := buf.Bytes()
		raw[len(raw)-1] ^= 0x01

		subject, err := rowbinary.NewReader(bytes.NewReader(raw), int64(len(raw)), testSchema, &rowbinary.ReaderOptions{Values: testCodec{}})
		Expect(err).NotTo(HaveOccurred())

		_, known := subject.RowCount()
		Expect(known).To(BeFalse())

		n := 0
		for subject.More() {
			n++
			subject.Next()
		}
		Expect(subject.Err()).NotTo(HaveOccurred())
		Expect(n).To(Equal(24))
	})
})

var _ = Describe("Reader (headers)", func() {
	seedFormat := func(f rowbinary.Format) *bytes.Buffer {
		buf, err := seedBuffer(10, &rowbinary.WriterOptions{Stride: 4, Format: f}, true)
		Expect(err).NotTo(HaveOccurred())
		return buf
	}

	It("should reconstruct the schema from a types header", func() {
		buf := seedFormat(rowbinary.FormatWithNamesAndTypes)

		subject, err := openBuffer(buf, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(subject.Format()).To(Equal(rowbinary.FormatWithNamesAndTypes))
		Expect(subject.Schema().Names()).To(Equal([]string{"id", "name"}))
		Expect(subject.Schema().String()).To(Equal("id UInt64, name String"))

		Expect(subject.Seek(7)).To(Succeed())
		values, err := subject.ReadCurrent()
		Expect(err).NotTo(HaveOccurred())
		Expect(values[0]).To(Equal(uint64(7)))
	})

	It("should verify a supplied schema against the header", func() {
		buf := seedFormat(rowbinary.FormatWithNamesAndTypes)

		_, err := openBuffer(buf, mustSchema(
			rowbinary.Field{Name: "id", Type: rowbinary.UInt32},
			rowbinary.Field{Name: "name", Type: rowbinary.String},
		))
		Expect(err).To(MatchError(rowbinary.ErrSchemaMismatch))

		_, err = openBuffer(buf, mustSchema(
			rowbinary.Field{Name: "key", Type: rowbinary.UInt64},
			rowbinary.Field{Name: "name", Type: rowbinary.String},
		))
		Expect(err).To(MatchError(rowbinary.ErrSchemaMismatch))

		_, err = openBuffer(buf, testSchema)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should require a schema for names-only headers", func() {
		buf := seedFormat(rowbinary.FormatWithNames)

		_, err := openBuffer(buf, nil)
		Expect(err).To(MatchError(rowbinary.ErrMissingSchema))

		_, err = openBuffer(buf, testSchema)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should require a schema for headerless containers", func() {
		buf := seedFormat(rowbinary.FormatPlain)

		_, err := openBuffer(buf, nil)
		Expect(err).To(MatchError(rowbinary.ErrMissingSchema))
	})
})

var _ = Describe("Reader (composite rows)", func() {
	// id UInt64, tags Array(String), score Nullable(Float64),
	// attrs Map(String, UInt32), label LowCardinality(String)
	compositeSchema := mustSchema(
		rowbinary.Field{Name: "id", Type: rowbinary.UInt64},
		rowbinary.Field{Name: "tags", Type: rowbinary.Array(rowbinary.String)},
		rowbinary.Field{Name: "score", Type: rowbinary.Nullable(rowbinary.Float64)},
		rowbinary.Field{Name: "attrs", Type: rowbinary.Map(rowbinary.String, rowbinary.UInt32)},
		rowbinary.Field{Name: "label", Type: rowbinary.LowCardinality(rowbinary.String)},
	)

	It("should round-trip random composite rows", func() {
		rnd := rand.New(rand.NewSource(1))
		rows := make([][]byte, 200)
		for i := range rows {
			rows[i] = randomCompositeRow(rnd, uint64(i))
		}

		buf := new(bytes.Buffer)
		w, err := rowbinary.NewWriter(buf, compositeSchema, &rowbinary.WriterOptions{Stride: 16})
		Expect(err).NotTo(HaveOccurred())
		for _, p := range rows {
			Expect(w.Append(p)).To(Succeed())
		}
		Expect(w.Finish()).To(Succeed())

		subject, err := rowbinary.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()), compositeSchema, nil)
		Expect(err).NotTo(HaveOccurred())

		for i := 0; subject.More(); i++ {
			p, err := subject.CurrentRowBytes()
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(Equal(rows[i]), "for row %d", i)
			subject.Next()
		}
		Expect(subject.Err()).NotTo(HaveOccurred())

		for _, i := range []uint64{199, 3, 150, 42, 42, 17} {
			Expect(subject.Seek(i)).To(Succeed())
			p, err := subject.CurrentRowBytes()
			Expect(err).NotTo(HaveOccurred())
			Expect(p).To(Equal(rows[i]), "for row %d", i)
		}
	})
})

// randomCompositeRow hand-encodes one row of the composite schema above.
func randomCompositeRow(rnd *rand.Rand, id uint64) []byte {
	putStr := func(p []byte, s string) []byte {
		p = binary.AppendUvarint(p, uint64(len(s)))
		return append(p, s...)
	}

	p := binary.LittleEndian.AppendUint64(nil, id)

	// tags Array(String)
	ntags := rnd.Intn(4)
	p = binary.AppendUvarint(p, uint64(ntags))
	for i := 0; i < ntags; i++ {
		p = putStr(p, testRowName(rnd.Intn(100)))
	}

	// score Nullable(Float64)
	if rnd.Intn(3) == 0 {
		p = append(p, 1)
	} else {
		p = append(p, 0)
		p = binary.LittleEndian.AppendUint64(p, math.Float64bits(rnd.Float64()))
	}

	// attrs Map(String, UInt32)
	nattrs := rnd.Intn(3)
	p = binary.AppendUvarint(p, uint64(nattrs))
	for i := 0; i < nattrs; i++ {
		p = putStr(p, testRowName(i))
		p = binary.LittleEndian.AppendUint32(p, rnd.Uint32())
	}

	// label LowCardinality(String), plain string on the wire
	return putStr(p, []string{"alpha", "beta", "gamma"}[rnd.Intn(3)])
}
