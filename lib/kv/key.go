package kv

import (
	"fmt"
	"strings"
)

// MaxKeyLen is the maximum length of a key in bytes.
const MaxKeyLen = 512

// Key is a validated key. The zero value is not a valid key; use NewKey.
type Key struct {
	s string
}

// NewKey validates s and returns it as a Key.
// A key must be 1..MaxKeyLen bytes long and must not contain null bytes.
func NewKey(s string) (Key, error) {
	if err := ValidateKey(s); err != nil {
		return Key{}, err
	}
	return Key{s: s}, nil
}

// ValidateKey checks s without allocating a Key.
func ValidateKey(s string) error {
	switch {
	case len(s) == 0:
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	case len(s) > MaxKeyLen:
		return fmt.Errorf("%w: key length %d exceeds %d bytes", ErrInvalidKey, len(s), MaxKeyLen)
	case strings.IndexByte(s, 0) >= 0:
		return fmt.Errorf("%w: key contains null byte", ErrInvalidKey)
	}
	return nil
}

// String returns the key as a string.
func (k Key) String() string { return k.s }

// Bytes returns a copy of the key bytes.
func (k Key) Bytes() []byte { return []byte(k.s) }

// IsZero reports whether k is the zero Key.
func (k Key) IsZero() bool { return k.s == "" }
