// Package wireformat implements the compact binary download-batch
// format and the QR pairing payload format.
//
// Binary download batch (network byte order throughout):
//
//	u32  count
//	repeat count times:
//	  [16]byte rpi
//	  f64      reported_at_ms   (IEEE-754 big-endian)
//	  u16      metadata_len
//	  [metadata_len]byte metadata_utf8   (0..=MaxMetadataBytes)
//
// Decode bounds-checks every field. On truncation it stops at the last
// complete record and returns ErrTruncated alongside the partial
// result — callers treat that as a warning, not a fatal error, per the
// matching engine's truncation policy. Encode computes the exact
// output size in one pass and fills the buffer in a second, so it
// never grows the backing array.
package wireformat

import (
	"encoding/binary"
	"errors"
	"math"
)

// RPIBytes is the fixed width of a raw Rolling Proximity Identifier.
const RPIBytes = 16

// MaxMetadataBytes is the largest permitted encrypted-metadata payload
// per record (§4.2/§4.3: 10 KiB wire cap).
const MaxMetadataBytes = 10240

// ErrTruncated indicates the buffer ended mid-record. Records fully
// decoded before the cut point are still returned.
var ErrTruncated = errors.New("wireformat: buffer truncated")

// ErrMetadataTooLarge is returned by Encode if any record's metadata
// exceeds MaxMetadataBytes.
var ErrMetadataTooLarge = errors.New("wireformat: metadata exceeds 10240 bytes")

const (
	countFieldBytes     = 4
	timestampFieldBytes = 8
	metaLenFieldBytes   = 2
	recordFixedBytes    = RPIBytes + timestampFieldBytes + metaLenFieldBytes
)

// Record is one entry of a download batch.
type Record struct {
	RPI          [RPIBytes]byte
	ReportedAtMS float64
	Metadata     []byte
}

// Encode serializes records into the binary batch format described
// above. It never over-allocates: size is computed once, then the
// buffer is filled.
func Encode(records []Record) ([]byte, error) {
	size := countFieldBytes
	for _, r := range records {
		if len(r.Metadata) > MaxMetadataBytes {
			return nil, ErrMetadataTooLarge
		}
		size += recordFixedBytes + len(r.Metadata)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(records)))

	offset := countFieldBytes
	for _, r := range records {
		copy(buf[offset:offset+RPIBytes], r.RPI[:])
		offset += RPIBytes

		binary.BigEndian.PutUint64(buf[offset:offset+8], math.Float64bits(r.ReportedAtMS))
		offset += 8

		binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(r.Metadata)))
		offset += 2

		copy(buf[offset:offset+len(r.Metadata)], r.Metadata)
		offset += len(r.Metadata)
	}

	return buf, nil
}

// Decode parses as many complete records as the buffer holds. If the
// buffer ends mid-record, Decode returns the records parsed so far
// together with ErrTruncated; it never reads past the end of buf.
func Decode(buf []byte) ([]Record, error) {
	if len(buf) < countFieldBytes {
		return nil, ErrTruncated
	}

	declared := binary.BigEndian.Uint32(buf[0:4])

	// declared comes straight off the wire and is not trustworthy: a
	// forged or corrupted header (e.g. all-0xFF) must not be used as an
	// allocation hint directly, or a single malformed response could
	// drive an OOM-crashing multi-gigabyte preallocation before any
	// bounds check runs. Cap the hint at the most records the buffer
	// could possibly hold.
	maxPossible := uint32((len(buf) - countFieldBytes) / recordFixedBytes)
	hint := declared
	if hint > maxPossible {
		hint = maxPossible
	}
	records := make([]Record, 0, hint)

	offset := countFieldBytes
	for i := uint32(0); i < declared; i++ {
		if offset+recordFixedBytes > len(buf) {
			return records, ErrTruncated
		}

		var rec Record
		copy(rec.RPI[:], buf[offset:offset+RPIBytes])
		offset += RPIBytes

		bits := binary.BigEndian.Uint64(buf[offset : offset+8])
		rec.ReportedAtMS = math.Float64frombits(bits)
		offset += 8

		metaLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2

		if offset+metaLen > len(buf) {
			return records, ErrTruncated
		}
		if metaLen > 0 {
			rec.Metadata = make([]byte, metaLen)
			copy(rec.Metadata, buf[offset:offset+metaLen])
		}
		offset += metaLen

		records = append(records, rec)
	}

	return records, nil
}
