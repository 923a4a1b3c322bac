package errkit

import (
	"errors"
	"testing"
)

func TestWrapAssignsCategory(t *testing.T) {
	err := Wrap(CategoryCrypto, errors.New("bad seal"))
	if Category(err) != CategoryCrypto {
		t.Fatalf("expected category %s, got %s", CategoryCrypto, Category(err))
	}
}

func TestWrapNormalizesUnknownCategory(t *testing.T) {
	err := Wrap("bogus", errors.New("x"))
	if Category(err) != CategoryAPI {
		t.Fatalf("expected unknown category to normalize to %s, got %s", CategoryAPI, Category(err))
	}
}

func TestWrapPreservesExistingCategory(t *testing.T) {
	inner := Wrap(CategoryStorage, errors.New("disk full"))
	outer := Wrap(CategoryNetwork, inner)
	if Category(outer) != CategoryStorage {
		t.Fatalf("expected re-wrap to preserve original category %s, got %s", CategoryStorage, Category(outer))
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(CategoryAPI, nil) != nil {
		t.Fatal("expected Wrap(nil) to return nil")
	}
}

func TestUnwrapReachesSentinel(t *testing.T) {
	wrapped := Wrap(CategoryCodec, ErrMalformedPacket)
	if !errors.Is(wrapped, ErrMalformedPacket) {
		t.Fatal("expected errors.Is to see through CategorizedError to the sentinel")
	}
}

func TestCategoryOfPlainErrorDefaultsToAPI(t *testing.T) {
	if Category(errors.New("unclassified")) != CategoryAPI {
		t.Fatal("expected an unwrapped error to default to the api category")
	}
}
