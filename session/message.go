package session

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/WadkarNaved15/moq/errors"
)

// Control message types, carried as JSON text messages.
const (
	msgSetup         = "setup"
	msgSetupOK       = "setup_ok"
	msgAnnounce      = "announce"
	msgUnannounce    = "unannounce"
	msgSubscribe     = "subscribe"
	msgUnsubscribe   = "unsubscribe"
	msgSubscribeDone = "subscribe_done"
)

type control struct {
	Type    string `json:"type"`
	Version string `json:"version,omitempty"`
	ID      uint64 `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
	Track   string `json:"track,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func decodeControl(data []byte) (control, error) {
	var msg control
	if err := json.Unmarshal(data, &msg); err != nil {
		return control{}, fmt.Errorf("%w: control message: %v", errors.ErrProtocol, err)
	}
	if msg.Type == "" {
		return control{}, fmt.Errorf("%w: control message without type", errors.ErrProtocol)
	}
	return msg, nil
}

// Data message kinds, carried as binary messages:
// varint kind | varint subscription id | varint group sequence | payload.
const (
	dataFrame    uint64 = 0
	dataGroupEnd uint64 = 1
)

type dataHeader struct {
	kind     uint64
	id       uint64
	sequence uint64
}

func encodeData(h dataHeader, payload []byte) []byte {
	size := quicvarint.Len(h.kind) + quicvarint.Len(h.id) + quicvarint.Len(h.sequence) + len(payload)
	buf := make([]byte, 0, size)
	buf = quicvarint.Append(buf, h.kind)
	buf = quicvarint.Append(buf, h.id)
	buf = quicvarint.Append(buf, h.sequence)
	return append(buf, payload...)
}

func decodeData(data []byte) (dataHeader, []byte, error) {
	r := bytes.NewReader(data)
	var h dataHeader
	for _, field := range []*uint64{&h.kind, &h.id, &h.sequence} {
		v, err := quicvarint.Read(r)
		if err != nil {
			return dataHeader{}, nil, fmt.Errorf("%w: data header: %v", errors.ErrProtocol, err)
		}
		*field = v
	}
	return h, data[len(data)-r.Len():], nil
}
