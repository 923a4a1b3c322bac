// Package errkit is the ambient error-handling layer shared across the
// core: a CategorizedError wrapper so the dispatcher and metrics layer
// can count failures by category without string-matching messages, plus
// the sentinel error kinds the error handling design names.
package errkit

import (
	"errors"
	"strings"
)

const (
	CategoryAPI     = "api"
	CategoryCrypto  = "crypto"
	CategoryStorage = "storage"
	CategoryNetwork = "network"
	CategoryCodec   = "codec"
)

func normalizeCategory(category string) string {
	switch strings.ToLower(strings.TrimSpace(category)) {
	case CategoryCrypto:
		return CategoryCrypto
	case CategoryStorage:
		return CategoryStorage
	case CategoryNetwork:
		return CategoryNetwork
	case CategoryCodec:
		return CategoryCodec
	default:
		return CategoryAPI
	}
}

// CategorizedError tags a propagated error with the category the
// dispatcher and metrics layer bucket it under.
type CategorizedError struct {
	Category string
	Err      error
}

func (e *CategorizedError) Error() string {
	return e.Err.Error()
}

func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Wrap tags err with category, unless it is already a CategorizedError,
// in which case its existing category (normalized) is preserved.
func Wrap(category string, err error) error {
	if err == nil {
		return nil
	}
	var existing *CategorizedError
	if errors.As(err, &existing) {
		return &CategorizedError{Category: normalizeCategory(existing.Category), Err: existing.Err}
	}
	return &CategorizedError{Category: normalizeCategory(category), Err: err}
}

// Category returns err's category, or CategoryAPI if it was never
// wrapped.
func Category(err error) string {
	var classified *CategorizedError
	if errors.As(err, &classified) {
		return normalizeCategory(classified.Category)
	}
	return CategoryAPI
}

// Sentinel error kinds named by the error handling design. Handlers
// wrap these with Wrap before they leave a package boundary; the raw
// sentinels remain comparable with errors.Is.
var (
	ErrMalformedPacket    = errors.New("errkit: malformed packet")
	ErrUnknownPacketType  = errors.New("errkit: unknown packet type")
	ErrFragmentMismatch   = errors.New("errkit: fragment mismatch")
	ErrCgkaStateMissing   = errors.New("errkit: cgka state missing")
	ErrCgkaDecryptFailure = errors.New("errkit: cgka decrypt failure")
	ErrOutboxExhausted    = errors.New("errkit: outbox retry budget exhausted")
	ErrStoreError         = errors.New("errkit: store error")
)
