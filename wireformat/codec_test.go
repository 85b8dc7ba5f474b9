package wireformat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleRecords() []Record {
	var r1, r2 Record
	copy(r1.RPI[:], []byte("0123456789abcdef"))
	r1.ReportedAtMS = 1700000000000
	r1.Metadata = []byte("hello")

	copy(r2.RPI[:], []byte("fedcba9876543210"))
	r2.ReportedAtMS = 1700000001234
	// r2 has no metadata

	return []Record{r1, r2}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := sampleRecords()
	encoded, err := Encode(records)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, records, decoded)
}

func TestEncodeEmptyBatch(t *testing.T) {
	encoded, err := Encode(nil)
	require.NoError(t, err)
	require.Len(t, encoded, countFieldBytes)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Empty(t, decoded)
}

func TestEncodeRejectsOversizedMetadata(t *testing.T) {
	r := Record{Metadata: make([]byte, MaxMetadataBytes+1)}
	_, err := Encode([]Record{r})
	require.ErrorIs(t, err, ErrMetadataTooLarge)
}

func TestDecodeTruncatedHeaderReturnsError(t *testing.T) {
	_, err := Decode([]byte{0, 0})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeTruncatedMidRecordKeepsCompletePrefix(t *testing.T) {
	records := sampleRecords()
	encoded, err := Encode(records)
	require.NoError(t, err)

	cut := countFieldBytes + recordFixedBytes + len(records[0].Metadata) + 5
	truncated := encoded[:cut]

	decoded, err := Decode(truncated)
	require.ErrorIs(t, err, ErrTruncated)
	require.Len(t, decoded, 1)
	require.Equal(t, records[0], decoded[0])
}

func TestDecodeTruncatedMetadataLength(t *testing.T) {
	records := sampleRecords()
	encoded, err := Encode(records)
	require.NoError(t, err)

	cut := countFieldBytes + recordFixedBytes - 1
	decoded, err := Decode(encoded[:cut])
	require.ErrorIs(t, err, ErrTruncated)
	require.Empty(t, decoded)
}

// A forged header declaring an enormous record count must not be used
// as a preallocation hint: Decode should bound it against what the
// buffer could actually hold and fail fast via ErrTruncated instead of
// attempting a multi-gigabyte allocation.
func TestDecodeForgedHeaderCountDoesNotOverallocate(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	decoded, err := Decode(buf)
	require.ErrorIs(t, err, ErrTruncated)
	require.Empty(t, decoded)
}
