// Package bridge relays messages between the gossip overlay and a
// low-bandwidth LoRa radio mesh, enforcing framing, deduplication,
// chunking, compression, and hop-limit policy (spec §4.3). Grounded on
// the original mycelial-meshtastic crate's interface/mapper design,
// reimplemented over the teacher's p2p transport conventions.
package bridge

import (
	"encoding/binary"
	"fmt"
)

// FrameMagic identifies a bridge frame on the wire (spec §3).
const FrameMagic uint16 = 0x94C3

// LoraPayloadCeiling is the maximum payload size the radio will carry in
// a single frame.
const LoraPayloadCeiling = 237

// MaxHopLimit is the maximum number of times a frame may be relayed.
const MaxHopLimit = 7

// ErrOversizedPayload is returned by EncodeFrame when payload exceeds
// LoraPayloadCeiling; callers must compress/chunk first.
var ErrOversizedPayload = fmt.Errorf("bridge: payload exceeds %d byte ceiling", LoraPayloadCeiling)

// ErrBadMagic is returned by DecodeFrame for a frame with the wrong magic.
var ErrBadMagic = fmt.Errorf("bridge: bad frame magic")

// ErrTruncatedFrame is returned by DecodeFrame when fewer bytes are
// available than the frame's declared length.
var ErrTruncatedFrame = fmt.Errorf("bridge: truncated frame")

// EncodeFrame wraps payload in the MAGIC|LEN|PAYLOAD wire frame.
func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) > LoraPayloadCeiling {
		return nil, ErrOversizedPayload
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], FrameMagic)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// DecodeFrame parses one frame from the front of data, returning the
// payload and the number of bytes consumed.
func DecodeFrame(data []byte) (payload []byte, consumed int, err error) {
	if len(data) < 4 {
		return nil, 0, ErrTruncatedFrame
	}
	magic := binary.BigEndian.Uint16(data[0:2])
	if magic != FrameMagic {
		return nil, 0, ErrBadMagic
	}
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+length {
		return nil, 0, ErrTruncatedFrame
	}
	return data[4 : 4+length], 4 + length, nil
}
