package meshcodec

import (
	"encoding/binary"
	"fmt"
)

// EncodeDeliveryAck serializes the payload carried inside a DELIVERY_ACK
// (and, identically shaped, a READ_RECEIPT) packet:
//
//	messageIdLen(1) || messageId || senderLen(1) || senderVerificationKey || timestamp(8)
func EncodeDeliveryAck(messageID, senderVerificationKey string, timestampMillis int64) []byte {
	id := truncate(messageID, maxShortField)
	sender := truncate(senderVerificationKey, maxShortField)
	buf := make([]byte, 0, 1+len(id)+1+len(sender)+8)
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)
	buf = append(buf, byte(len(sender)))
	buf = append(buf, sender...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMillis))
	buf = append(buf, ts[:]...)
	return buf
}

// DecodedDeliveryAck is the parsed form of a DELIVERY_ACK/READ_RECEIPT
// payload.
type DecodedDeliveryAck struct {
	MessageID               string
	SenderVerificationKey   string
	TimestampMillis         int64
}

// DecodeDeliveryAck is the inverse of EncodeDeliveryAck.
func DecodeDeliveryAck(payload []byte) (DecodedDeliveryAck, error) {
	r := reader{buf: payload}
	messageID, err := r.lengthPrefixedString(1)
	if err != nil {
		return DecodedDeliveryAck{}, err
	}
	sender, err := r.lengthPrefixedString(1)
	if err != nil {
		return DecodedDeliveryAck{}, err
	}
	ts, err := r.uint64()
	if err != nil {
		return DecodedDeliveryAck{}, err
	}
	if !r.exhausted() {
		return DecodedDeliveryAck{}, fmt.Errorf("%w: trailing bytes in delivery ack payload", ErrMalformedPacket)
	}
	return DecodedDeliveryAck{
		MessageID:             messageID,
		SenderVerificationKey: sender,
		TimestampMillis:       int64(ts),
	}, nil
}
