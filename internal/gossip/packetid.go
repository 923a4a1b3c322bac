// Package gossip implements bloom-filter set reconciliation between
// peers that were offline for each other: bounded FIFO stores of
// recently seen messages, fragments, and announcements, plus the
// periodic RequestSync exchange that lets a reconnecting peer catch up
// on whatever it missed.
package gossip

import (
	"encoding/binary"

	"meshmux/core/pkg/models"
)

// PacketID is the 16-byte deterministic fingerprint gossip stores are
// keyed by: timestamp(8) || type(1) || version(1) || first 6 bytes of
// payload (zero-padded if the payload is shorter).
func PacketID(timestampMillis int64, pktType models.PacketType, version uint8, payload []byte) [16]byte {
	var id [16]byte
	binary.BigEndian.PutUint64(id[0:8], uint64(timestampMillis))
	id[8] = byte(pktType)
	id[9] = version
	n := len(payload)
	if n > 6 {
		n = 6
	}
	copy(id[10:10+n], payload[:n])
	return id
}
