package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalizeAcceptsPrintableASCII(t *testing.T) {
	if got, ok := Normalize("req-42"); !ok || got != "req-42" {
		t.Fatalf("Normalize(req-42) = %q, %v", got, ok)
	}
	if got, ok := Normalize("  padded  "); !ok || got != "padded" {
		t.Fatalf("Normalize should trim whitespace, got %q, %v", got, ok)
	}
}

func TestNormalizeRejectsInvalidIDs(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"overlong":      strings.Repeat("x", MaxIDLength+1),
		"control bytes": "bad\x01id",
		"non-ascii":     "sessión",
	}
	for name, id := range cases {
		if _, ok := Normalize(id); ok {
			t.Errorf("%s: Normalize(%q) accepted", name, id)
		}
	}
}

func TestSetAndID(t *testing.T) {
	ctx := context.Background()
	if Has(ctx) {
		t.Fatal("fresh context should carry no correlation id")
	}
	ctx = Set(ctx, "")
	if Has(ctx) {
		t.Fatal("setting an invalid id should be a no-op")
	}
	ctx = Set(ctx, "corr-1")
	if got := ID(ctx); got != "corr-1" {
		t.Fatalf("ID = %q", got)
	}
}

func TestEnsureDoesNotInventAnID(t *testing.T) {
	ctx := Ensure(context.Background())
	if Has(ctx) {
		t.Fatal("Ensure must only attach the carrier, not generate an id")
	}
	// The carrier lets a later Set propagate to handlers already holding ctx.
	_ = Set(ctx, "late")
	if got := ID(ctx); got != "late" {
		t.Fatalf("ID after late Set = %q", got)
	}
}

func TestGenerateIsValid(t *testing.T) {
	id := Generate()
	if id == "" {
		t.Fatal("Generate returned empty id")
	}
	if got, ok := Normalize(id); !ok || got != id {
		t.Fatalf("generated id %q failed Normalize", id)
	}
}
