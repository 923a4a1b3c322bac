// Package meshcodec implements the binary wire format for mesh packets
// and application payloads, plus the fragmentation/reassembly engine
// used when an encoded payload exceeds the radio's MTU.
package meshcodec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"meshmux/core/pkg/models"
)

const CurrentVersion uint8 = 1

// ErrMalformedPacket is returned whenever bytes do not parse into a well
// formed Packet. The dispatcher drops the packet and bumps a warning
// counter; this error never surfaces past that boundary.
var ErrMalformedPacket = errors.New("meshcodec: malformed packet")

// frameHeaderLen is version(1) + type(1) + timestamp(8) + allowedHops(1) + payloadLen(2).
const frameHeaderLen = 1 + 1 + 8 + 1 + 2

// EncodePacket serializes p into the wire frame:
// version(1) || type(1) || timestamp(8) || allowedHops(1) || payloadLen(u16) || payload.
func EncodePacket(p models.Packet) ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: payload too large (%d bytes)", ErrMalformedPacket, len(p.Payload))
	}
	buf := make([]byte, frameHeaderLen+len(p.Payload))
	buf[0] = p.Version
	buf[1] = byte(p.Type)
	binary.BigEndian.PutUint64(buf[2:10], uint64(p.Timestamp))
	buf[10] = p.AllowedHops
	binary.BigEndian.PutUint16(buf[11:13], uint16(len(p.Payload)))
	copy(buf[frameHeaderLen:], p.Payload)
	return buf, nil
}

// DecodePacket parses the wire frame produced by EncodePacket. It fails
// with ErrMalformedPacket if bytes run short or the length prefix
// disagrees with the buffer tail.
func DecodePacket(b []byte) (models.Packet, error) {
	if len(b) < frameHeaderLen {
		return models.Packet{}, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedPacket, len(b))
	}
	payloadLen := int(binary.BigEndian.Uint16(b[11:13]))
	if len(b) != frameHeaderLen+payloadLen {
		return models.Packet{}, fmt.Errorf("%w: declared payload length %d does not match buffer tail %d", ErrMalformedPacket, payloadLen, len(b)-frameHeaderLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, b[frameHeaderLen:])
	return models.Packet{
		Version:     b[0],
		Type:        models.PacketType(b[1]),
		Timestamp:   int64(binary.BigEndian.Uint64(b[2:10])),
		AllowedHops: b[10],
		Payload:     payload,
	}, nil
}

