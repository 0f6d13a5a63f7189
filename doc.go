/*
Package rowbinary stores a sequence of typed table rows as a compressed,
randomly-seekable container: a sparse row index (the seek table) layered on
top of a segmented compressed stream lets a reader jump to any logical row
without decompressing the whole file, while a writer builds that index
incrementally as rows are appended.

Data Structure Documentation

Container

A container holds an optional header frame, a series of segment frames and
a trailing seek table.

	Container layout:
	+------------------+-----------+---------+-----------+------------+
	| header (optional)| segment 1 |   ...   | segment n | seek table |
	+------------------+-----------+---------+-----------+------------+

	Seek table:
	+-------+---------+-----------------+--------------------+---------------------+
	| magic | version | stride (varint) | row count (varint) | checkpoints (varint)|
	+-------+---------+-----------------+--------------------+---------------------+
	+--------------------------------------------------+----------------+----------------+
	| checkpoint 1..n: row index, compressed offset,   | trailer length | xxhash64       |
	| raw offset (varints, delta-encoded after first)  | (8 bytes)      | (8 bytes)      |
	+--------------------------------------------------+----------------+----------------+

Segment

A segment is a self-contained compression frame spanning exactly Stride rows
(the last one may be shorter). Frames carry their own lengths so that a
sequential reader can discover segment boundaries without the seek table,
which is how containers that were never finished remain decodable.

	Segment frame:
	+----------+------------------+-------------------+---------+
	| tag (1B) | raw len (varint) | comp len (varint) | payload |
	+----------+------------------+-------------------+---------+

The tag's low nibble is the codec the payload was actually stored with (a
segment whose compression doesn't pay is stored raw); the 0x10 bit marks the
header frame.

Row

A row is the concatenation of its column values in schema order, encoded in
the RowBinary style: fixed-width scalars as-is, strings and sequences with
varint length/count prefixes. Rows are opaque to this package - a ValueCodec
encodes and decodes them - but their boundaries can be computed from the
schema alone (RowLength), which is what seeking inside a decompressed
segment relies on.
*/
package rowbinary
