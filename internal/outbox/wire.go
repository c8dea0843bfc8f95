package outbox

import (
	"encoding/binary"
	"fmt"
)

// wireHeaderSize is the magic byte plus the big-endian schema id.
const wireHeaderSize = 5

// encodeWireFormat prefixes payload with the schema registry frame header.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, wireHeaderSize, wireHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[1:wireHeaderSize], uint32(schemaID))
	return append(frame, payload...)
}

// DecodeWireFormat splits a framed record into its schema id and payload.
func DecodeWireFormat(frame []byte) (int, []byte, error) {
	if len(frame) < wireHeaderSize {
		return 0, nil, fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	if magic := frame[0]; magic != 0 {
		return 0, nil, fmt.Errorf("unexpected magic byte %d", magic)
	}
	return int(binary.BigEndian.Uint32(frame[1:wireHeaderSize])), frame[wireHeaderSize:], nil
}
