package cgka

import "time"

// ClientState is the cryptographic state of one group, from the local
// member's point of view. Every mutating operation (join, commit) hands
// back a new ClientState value; Member replaces the prior entry in its
// group map atomically, never mutating one in place, per the
// ownership-discipline the design notes call for.
type ClientState struct {
	GroupID       string
	Epoch         uint64
	GroupSecret   []byte // current epoch's 32-byte secret
	SendCounter   uint64 // local send chain position within this epoch
	CapacityHint  int    // advisory member-count budget from CreateGroup
	Admin         string // hex verification key, empty if none
	Expandable    bool
	CreatedAt     time.Time
	LastAdvanceAt time.Time
}

func (s ClientState) clone() ClientState {
	out := s
	out.GroupSecret = append([]byte(nil), s.GroupSecret...)
	return out
}
