// Package options resolves decryption keys: a fallback key carried in the
// context and the per-meter KeyStore.
package options

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// KeySize is the AES-128 key length.
const KeySize = 16

type keyContext struct{}

// WithSecurityKey returns a context carrying a copy of key. It serves as a
// fallback for devices the key store does not know.
func WithSecurityKey(ctx context.Context, key []byte) context.Context {
	if len(key) == 0 {
		return ctx
	}
	return context.WithValue(ctx, keyContext{}, bytes.Clone(key))
}

// SecurityKey returns the key stored by WithSecurityKey, or nil.
func SecurityKey(ctx context.Context) []byte {
	if ctx == nil {
		return nil
	}
	key, _ := ctx.Value(keyContext{}).([]byte)
	return key
}

// ParseKeyHex decodes a 32 hex digit AES key. Whitespace, ':' and '-'
// separators and a 0x prefix are ignored. Blank input yields a nil key.
func ParseKeyHex(input string) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ':' || r == '-' {
			return -1
		}
		return r
	}, input)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid AES key hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("AES key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
