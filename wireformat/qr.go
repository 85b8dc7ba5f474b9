package wireformat

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// QRProtocol and QRVersion are the literal first two colon-separated
// fields of a QR pairing payload: "proto:v1:<rpi-hex>:<minted-at-ms>:<metadata-key-hex>".
const (
	QRProtocol = "proto"
	QRVersion  = "v1"
)

// ErrMalformedQR is returned when a payload is not exactly five
// colon-separated fields with the first two matching the literals.
var ErrMalformedQR = errors.New("wireformat: malformed QR payload")

// ErrStaleQR is returned when the payload's minted-at timestamp
// predates the RPI's own epoch window, i.e. it was minted for an
// epoch that has already expired.
var ErrStaleQR = errors.New("wireformat: QR payload older than its RPI epoch window")

// QRPayload is a parsed pairing payload.
type QRPayload struct {
	RPIHex         string
	MintedAtMS     int64
	MetadataKeyHex string
}

// EncodeQR renders a pairing payload in the wire format.
func EncodeQR(rpiHex string, mintedAtMS int64, metadataKeyHex string) string {
	return strings.Join([]string{
		QRProtocol, QRVersion, rpiHex, strconv.FormatInt(mintedAtMS, 10), metadataKeyHex,
	}, ":")
}

// ParseQR parses a pairing payload and rejects anything not exactly
// five colon-separated fields with the first two literals matching.
func ParseQR(payload string) (QRPayload, error) {
	fields := strings.Split(payload, ":")
	if len(fields) != 5 {
		return QRPayload{}, ErrMalformedQR
	}
	if fields[0] != QRProtocol || fields[1] != QRVersion {
		return QRPayload{}, ErrMalformedQR
	}

	mintedAtMS, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return QRPayload{}, ErrMalformedQR
	}

	return QRPayload{
		RPIHex:         fields[2],
		MintedAtMS:     mintedAtMS,
		MetadataKeyHex: fields[4],
	}, nil
}

// ValidateFreshness rejects payloads whose minted-at timestamp is
// older than the RPI's epoch window, measured against now.
func ValidateFreshness(p QRPayload, epochDuration time.Duration, now time.Time) error {
	age := now.Sub(time.UnixMilli(p.MintedAtMS))
	if age > epochDuration {
		return ErrStaleQR
	}
	return nil
}
