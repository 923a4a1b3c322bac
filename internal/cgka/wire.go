package cgka

import (
	"encoding/binary"
	"errors"
)

// Wire layouts for the three CGKA control/application shapes carried
// inside AMIGO_WELCOME, AMIGO_PATH_UPDATE, and MESSAGE packet payloads.
// All multi-byte integers are big-endian, matching meshcodec.

// --- Welcome ---

// encodeWelcome serializes a Welcome addressed to one recipient's key
// package (their Credential, which carries the ECDH public key the
// epoch secret is sealed to).
//
//	groupIdLen(1) || groupId || nameLen(1) || name || capacityHint(u16) ||
//	adminLen(1) || admin || expandable(1) || epoch(8) ||
//	ephemeralPub(32) || nonce(24) || sealedLen(u16) || sealed
func encodeWelcome(state ClientState, groupName string, recipientECDHPublicKey []byte) ([]byte, error) {
	plaintext := make([]byte, 8+len(state.GroupSecret))
	binary.BigEndian.PutUint64(plaintext[0:8], state.Epoch)
	copy(plaintext[8:], state.GroupSecret)

	ad := []byte(state.GroupID)
	ephemeralPub, nonce, sealed, err := sealToRecipient(recipientECDHPublicKey, plaintext, ad)
	if err != nil {
		return nil, err
	}

	groupID := truncate(state.GroupID, 0xFF)
	name := truncate(groupName, 0xFF)
	admin := truncate(state.Admin, 0xFF)

	buf := make([]byte, 0, 1+len(groupID)+1+len(name)+2+1+len(admin)+1+8+32+24+2+len(sealed))
	buf = append(buf, byte(len(groupID)))
	buf = append(buf, groupID...)
	buf = append(buf, byte(len(name)))
	buf = append(buf, name...)
	buf = appendUint16(buf, uint16(state.CapacityHint))
	buf = append(buf, byte(len(admin)))
	buf = append(buf, admin...)
	buf = append(buf, boolByte(state.Expandable))
	buf = appendUint64(buf, state.Epoch)
	buf = append(buf, ephemeralPub...)
	buf = append(buf, nonce...)
	buf = appendUint16(buf, uint16(len(sealed)))
	buf = append(buf, sealed...)
	return buf, nil
}

type decodedWelcome struct {
	GroupID      string
	GroupName    string
	CapacityHint int
	Admin        string
	Expandable   bool
	Epoch        uint64
	ephemeralPub []byte
	nonce        []byte
	sealed       []byte
}

func decodeWelcome(payload []byte) (decodedWelcome, error) {
	r := wireReader{buf: payload}
	groupID, err := r.lenPrefixed1()
	if err != nil {
		return decodedWelcome{}, err
	}
	name, err := r.lenPrefixed1()
	if err != nil {
		return decodedWelcome{}, err
	}
	capacityHint, err := r.uint16()
	if err != nil {
		return decodedWelcome{}, err
	}
	admin, err := r.lenPrefixed1()
	if err != nil {
		return decodedWelcome{}, err
	}
	expandable, err := r.byte1()
	if err != nil {
		return decodedWelcome{}, err
	}
	epoch, err := r.uint64()
	if err != nil {
		return decodedWelcome{}, err
	}
	ephemeralPub, err := r.fixed(32)
	if err != nil {
		return decodedWelcome{}, err
	}
	nonce, err := r.fixed(24)
	if err != nil {
		return decodedWelcome{}, err
	}
	sealed, err := r.lenPrefixed2()
	if err != nil {
		return decodedWelcome{}, err
	}
	return decodedWelcome{
		GroupID:      groupID,
		GroupName:    name,
		CapacityHint: int(capacityHint),
		Admin:        admin,
		Expandable:   expandable != 0,
		Epoch:        epoch,
		ephemeralPub: ephemeralPub,
		nonce:        nonce,
		sealed:       sealed,
	}, nil
}

// --- Path update (commit) ---

// encodePathUpdate seals the next epoch's secret under the current
// epoch's secret, so only members holding current state can open it.
//
//	groupIdLen(1) || groupId || newEpoch(8) || nonce(24) || sealedLen(u16) || sealed
func encodePathUpdate(groupID string, newEpoch uint64, newSecret, prevSecret []byte) ([]byte, error) {
	ad := appendUint64([]byte(groupID), newEpoch)
	nonce, sealed, err := sealCommit(prevSecret, newSecret, ad)
	if err != nil {
		return nil, err
	}
	gid := truncate(groupID, 0xFF)
	buf := make([]byte, 0, 1+len(gid)+8+24+2+len(sealed))
	buf = append(buf, byte(len(gid)))
	buf = append(buf, gid...)
	buf = appendUint64(buf, newEpoch)
	buf = append(buf, nonce...)
	buf = appendUint16(buf, uint16(len(sealed)))
	buf = append(buf, sealed...)
	return buf, nil
}

type decodedPathUpdate struct {
	GroupID  string
	NewEpoch uint64
	nonce    []byte
	sealed   []byte
}

func decodePathUpdate(payload []byte) (decodedPathUpdate, error) {
	r := wireReader{buf: payload}
	groupID, err := r.lenPrefixed1()
	if err != nil {
		return decodedPathUpdate{}, err
	}
	newEpoch, err := r.uint64()
	if err != nil {
		return decodedPathUpdate{}, err
	}
	nonce, err := r.fixed(24)
	if err != nil {
		return decodedPathUpdate{}, err
	}
	sealed, err := r.lenPrefixed2()
	if err != nil {
		return decodedPathUpdate{}, err
	}
	return decodedPathUpdate{GroupID: groupID, NewEpoch: newEpoch, nonce: nonce, sealed: sealed}, nil
}

// --- Application message envelope ---

// encodeApplicationEnvelope wraps a MESSAGE packet's plaintext payload
// (meshcodec.ToBinaryPayload output) under the group's current epoch.
//
//	groupIdLen(1) || groupId || epoch(8) || counter(8) || nonce(24) || ciphertextLen(u16) || ciphertext
func encodeApplicationEnvelope(groupID string, epoch, counter uint64, groupSecret, plaintext []byte) ([]byte, error) {
	ad := appendUint64([]byte(groupID), epoch)
	nonce, ciphertext, err := sealWithGroupSecret(groupSecret, counter, plaintext, ad)
	if err != nil {
		return nil, err
	}
	gid := truncate(groupID, 0xFF)
	buf := make([]byte, 0, 1+len(gid)+8+8+24+2+len(ciphertext))
	buf = append(buf, byte(len(gid)))
	buf = append(buf, gid...)
	buf = appendUint64(buf, epoch)
	buf = appendUint64(buf, counter)
	buf = append(buf, nonce...)
	buf = appendUint16(buf, uint16(len(ciphertext)))
	buf = append(buf, ciphertext...)
	return buf, nil
}

type decodedEnvelope struct {
	GroupID    string
	Epoch      uint64
	Counter    uint64
	nonce      []byte
	ciphertext []byte
}

func decodeApplicationEnvelope(payload []byte) (decodedEnvelope, error) {
	r := wireReader{buf: payload}
	groupID, err := r.lenPrefixed1()
	if err != nil {
		return decodedEnvelope{}, err
	}
	epoch, err := r.uint64()
	if err != nil {
		return decodedEnvelope{}, err
	}
	counter, err := r.uint64()
	if err != nil {
		return decodedEnvelope{}, err
	}
	nonce, err := r.fixed(24)
	if err != nil {
		return decodedEnvelope{}, err
	}
	ciphertext, err := r.lenPrefixed2()
	if err != nil {
		return decodedEnvelope{}, err
	}
	return decodedEnvelope{GroupID: groupID, Epoch: epoch, Counter: counter, nonce: nonce, ciphertext: ciphertext}, nil
}

// --- small binary helpers, local to this package ---

type wireReader struct {
	buf []byte
	pos int
}

var errShortBuffer = errors.New("cgka: short buffer")

func (r *wireReader) byte1() (byte, error) {
	if len(r.buf)-r.pos < 1 {
		return 0, errShortBuffer
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *wireReader) fixed(n int) ([]byte, error) {
	if len(r.buf)-r.pos < n {
		return nil, errShortBuffer
	}
	out := append([]byte(nil), r.buf[r.pos:r.pos+n]...)
	r.pos += n
	return out, nil
}

func (r *wireReader) uint16() (uint16, error) {
	b, err := r.fixed(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *wireReader) uint64() (uint64, error) {
	b, err := r.fixed(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *wireReader) lenPrefixed1() (string, error) {
	n, err := r.byte1()
	if err != nil {
		return "", err
	}
	b, err := r.fixed(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *wireReader) lenPrefixed2() ([]byte, error) {
	n, err := r.uint16()
	if err != nil {
		return nil, err
	}
	return r.fixed(int(n))
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
