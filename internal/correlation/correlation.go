// Package correlation carries a request correlation identifier through a
// context. The identifier lives in a mutable carrier, so a handler that
// learns the ID late can still stamp contexts derived earlier in the
// request chain.
package correlation

import (
	"context"
	"strings"
	"sync"

	"pkt.systems/proverd/internal/uuidv7"
)

// MaxIDLength caps accepted correlation identifiers.
const MaxIDLength = 128

type ctxKey struct{}

// carrier holds the ID behind a pointer so Set propagates to every context
// derived after Ensure.
type carrier struct {
	mu sync.RWMutex
	id string
}

func fromContext(ctx context.Context) *carrier {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(ctxKey{}).(*carrier)
	return c
}

// Ensure returns a context guaranteed to hold a correlation carrier. The
// carrier starts empty; Ensure never invents an ID.
func Ensure(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if fromContext(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, &carrier{})
}

// Set stores id on the context's carrier after normalization. Invalid IDs
// leave the context untouched.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	ctx = Ensure(ctx)
	c := fromContext(ctx)
	c.mu.Lock()
	c.id = normalized
	c.mu.Unlock()
	return ctx
}

// ID returns the correlation ID carried by ctx, or the empty string.
func ID(ctx context.Context) string {
	c := fromContext(ctx)
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Has reports whether ctx carries a non-empty correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize trims and validates an externally supplied identifier. Only
// printable ASCII up to MaxIDLength is accepted.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if !printableASCII(r) {
			return "", false
		}
	}
	return id, true
}

func printableASCII(r rune) bool {
	return r >= 0x20 && r <= 0x7e
}

// Generate returns a fresh time-ordered correlation identifier.
func Generate() string {
	return uuidv7.NewString()
}
