package uuidv7_test

import (
	"testing"

	"github.com/google/uuid"

	"pkt.systems/proverd/internal/uuidv7"
)

func TestNewIsVersionSevenAndUnique(t *testing.T) {
	t.Parallel()

	a := uuidv7.New()
	b := uuidv7.New()
	if got := a.Version(); got != 7 {
		t.Fatalf("Version() = %d, want 7", got)
	}
	if a == b {
		t.Fatal("two calls produced the same UUID")
	}
}

func TestNewStringRoundTrips(t *testing.T) {
	t.Parallel()

	raw := uuidv7.NewString()
	parsed, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if got := parsed.Version(); got != 7 {
		t.Fatalf("parsed version = %d, want 7", got)
	}
	if parsed.String() != raw {
		t.Fatalf("round trip mismatch: %q vs %q", parsed.String(), raw)
	}
}
