package meshcodec

import (
	"encoding/binary"
	"fmt"
	"time"

	"meshmux/core/pkg/models"
)

const (
	maxShortField = 0xFF   // id / groupId / sender truncation cap
	maxContent    = 0xFFFF // content truncation cap
)

// ToBinaryPayload encodes a decrypted application message as the
// canonical plaintext carried inside a MESSAGE packet (before CGKA
// encryption, and the shape CGKA decryption must reproduce):
//
//	timestamp(8) || idLen(1) || id || groupIdLen(1) || groupId ||
//	senderLen(1) || sender || contentLen(u16) || content
//
// Fields exceeding their length cap are truncated at encode time.
func ToBinaryPayload(m models.Message) []byte {
	id := truncate(m.ID, maxShortField)
	groupID := truncate(m.GroupID, maxShortField)
	sender := truncate(m.Sender, maxShortField)
	content := truncateBytes([]byte(m.Contents), maxContent)

	buf := make([]byte, 0, 8+1+len(id)+1+len(groupID)+1+len(sender)+2+len(content))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp.UnixMilli()))
	buf = append(buf, ts[:]...)
	buf = append(buf, byte(len(id)))
	buf = append(buf, id...)
	buf = append(buf, byte(len(groupID)))
	buf = append(buf, groupID...)
	buf = append(buf, byte(len(sender)))
	buf = append(buf, sender...)
	var cl [2]byte
	binary.BigEndian.PutUint16(cl[:], uint16(len(content)))
	buf = append(buf, cl[:]...)
	buf = append(buf, content...)
	return buf
}

// FromBinaryPayload is the inverse of ToBinaryPayload. It fails with
// ErrMalformedPacket if any length prefix overruns the buffer.
func FromBinaryPayload(b []byte) (models.Message, error) {
	r := reader{buf: b}
	tsMillis, err := r.uint64()
	if err != nil {
		return models.Message{}, err
	}
	id, err := r.lengthPrefixedString(1)
	if err != nil {
		return models.Message{}, err
	}
	groupID, err := r.lengthPrefixedString(1)
	if err != nil {
		return models.Message{}, err
	}
	sender, err := r.lengthPrefixedString(1)
	if err != nil {
		return models.Message{}, err
	}
	content, err := r.lengthPrefixedString(2)
	if err != nil {
		return models.Message{}, err
	}
	if !r.exhausted() {
		return models.Message{}, fmt.Errorf("%w: trailing bytes in message payload", ErrMalformedPacket)
	}
	return models.Message{
		ID:        id,
		GroupID:   groupID,
		Sender:    sender,
		Contents:  content,
		Timestamp: millisToTime(tsMillis),
	}, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) uint64() (uint64, error) {
	if len(r.buf)-r.pos < 8 {
		return 0, fmt.Errorf("%w: short timestamp field", ErrMalformedPacket)
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

// lengthPrefixedString reads a field whose length prefix is 1 or 2
// bytes wide, as declared by the wire format for that field.
func (r *reader) lengthPrefixedString(prefixLen int) (string, error) {
	if len(r.buf)-r.pos < prefixLen {
		return "", fmt.Errorf("%w: short length prefix", ErrMalformedPacket)
	}
	var n int
	if prefixLen == 1 {
		n = int(r.buf[r.pos])
	} else {
		n = int(binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2]))
	}
	r.pos += prefixLen
	if len(r.buf)-r.pos < n {
		return "", fmt.Errorf("%w: length prefix %d overruns buffer", ErrMalformedPacket, n)
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s, nil
}

func (r *reader) exhausted() bool {
	return r.pos == len(r.buf)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

func truncateBytes(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return b[:max]
}

func millisToTime(ms uint64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}
