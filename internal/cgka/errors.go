// Package cgka implements the group cryptographic plane: per-group
// continuous group key agreement state, the member identity that owns
// it, and welcome/commit/application message handling. The CGKA
// primitive itself (KeyPackage, Welcome, Commit, encrypt/decrypt) is an
// opaque oracle per the external contract; this package is the one
// concrete oracle the rest of the core is wired against.
package cgka

import "errors"

// ErrStateMissing means an application message or path update arrived
// for a group this member has no ClientState for. For MESSAGE packets
// the caller enqueues to pending-decryption; for PATH_UPDATE the
// message is dropped outright (a commit needs base state to apply to).
var ErrStateMissing = errors.New("cgka: group state missing")

// ErrDecryptFailure covers epoch mismatch, duplicate commit, and
// corrupted ciphertext alike. The handler treats all three as a benign
// duplicate and drops the message; CGKA epochs are monotonic, so a
// commit or message keyed to a past epoch is indistinguishable from a
// replay once the group has moved on.
var ErrDecryptFailure = errors.New("cgka: decrypt failure")

// ErrAlreadyMember is returned by HandleWelcome when the
// member already holds state for the group; callers treat this as
// success, not failure (idempotent re-add).
var ErrAlreadyMember = errors.New("cgka: already a member of this group")

// ErrUnknownGroup is returned when an operation names a groupId the
// member has no record of at all (distinct from ErrStateMissing, which
// is specific to the inbound-message dispatch path).
var ErrUnknownGroup = errors.New("cgka: unknown group")

// ErrInvalidCredential is returned when a contact's credential fails
// self-verification before it can be used as a CGKA key package.
var ErrInvalidCredential = errors.New("cgka: invalid credential")
