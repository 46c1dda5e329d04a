// Package secret holds helpers for handling key material in memory.
package secret

import (
	"crypto/subtle"
	"log/slog"
	"math/big"
	"runtime"
)

// Wipe overwrites b with zeros. It is best-effort: the copy goes through
// subtle.ConstantTimeCopy so the compiler cannot drop it as a dead store.
//
//go:noinline
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(b)
}

// WipeInt clears the words backing n, such as the scalar of an ECDSA private
// key, and sets n to zero.
//
//go:noinline
func WipeInt(n *big.Int) {
	if n == nil {
		return
	}
	words := n.Bits()
	for i := range words {
		words[i] = 0
	}
	n.SetInt64(0)
	runtime.KeepAlive(words)
}

// Redacted wraps a sensitive value so it renders as a placeholder when logged.
type Redacted []byte

// LogValue implements slog.LogValuer.
func (Redacted) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// String implements fmt.Stringer.
func (Redacted) String() string {
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer so %#v does not leak the bytes either.
func (Redacted) GoString() string {
	return "secret.Redacted([REDACTED])"
}
