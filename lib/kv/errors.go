package kv

import "errors"

var (
	// ErrInvalidKey is returned for empty keys, keys longer than MaxKeyLen and keys containing null bytes.
	ErrInvalidKey = errors.New("kv: invalid key")
	// ErrTypeMismatch is returned when an arithmetic operation hits a non-Int value.
	ErrTypeMismatch = errors.New("kv: type mismatch")
	// ErrOverflow is returned when Incr/Decr would wrap around int64.
	ErrOverflow = errors.New("kv: integer overflow")
	// ErrNotOwner is returned when a lease is held by a different owner.
	ErrNotOwner = errors.New("kv: lease held by another owner")
	// ErrInvalidTTL is returned for negative TTLs and for non-positive lease durations.
	ErrInvalidTTL = errors.New("kv: invalid ttl")
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("kv: database closed")
)
