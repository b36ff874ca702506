package media

import (
	"bytes"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/WadkarNaved15/moq/errors"
)

// EncodeFrame prefixes payload with the timestamp as a QUIC variable-length
// integer.
func EncodeFrame(ts Timestamp, payload []byte) ([]byte, error) {
	if ts.Micros() > quicvarint.Max {
		return nil, errors.WrapInvalid(fmt.Errorf("timestamp %s exceeds varint range", ts), "media", "EncodeFrame", "encode timestamp")
	}
	buf := make([]byte, 0, quicvarint.Len(ts.Micros())+len(payload))
	buf = quicvarint.Append(buf, ts.Micros())
	return append(buf, payload...), nil
}

// DecodeFrame splits a raw frame into its timestamp and payload. The payload
// aliases raw.
func DecodeFrame(raw []byte) (Timestamp, []byte, error) {
	r := bytes.NewReader(raw)
	us, err := quicvarint.Read(r)
	if err != nil {
		// %v keeps a short read from looking like the end of the group.
		return 0, nil, fmt.Errorf("%w: timestamp header: %v", errors.ErrDecodeFailed, err)
	}
	consumed := len(raw) - r.Len()
	return Timestamp(us), raw[consumed:], nil
}
