package kv

import "time"

// Lease is an advisory, owner-bound, time-limited reservation on a key.
type Lease struct {
	Owner     string
	ExpiresAt time.Time
}

// Valid reports whether the lease is still held at now.
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// Entry is the in-memory record stored under a key.
//
// Value may be the zero Value when the entry only exists to carry a lease.
// A zero ExpiresAt means the value has no TTL.
type Entry struct {
	Value     Value
	ExpiresAt time.Time
	Lease     *Lease
}

// HasValue reports whether the entry holds a value that is not expired at now.
func (e Entry) HasValue(now time.Time) bool {
	if e.Value.IsZero() {
		return false
	}
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

// LeaseValid reports whether the entry carries a lease that is valid at now.
func (e Entry) LeaseValid(now time.Time) bool {
	return e.Lease.Valid(now)
}

// Live reports whether the entry is visible at now (value or lease).
func (e Entry) Live(now time.Time) bool {
	return e.HasValue(now) || e.LeaseValid(now)
}

// DeadAt returns the instant after which the entry holds neither a value nor a lease.
// The boolean is false when the entry never dies on its own (value without TTL).
func (e Entry) DeadAt() (time.Time, bool) {
	var dead time.Time
	if !e.Value.IsZero() {
		if e.ExpiresAt.IsZero() {
			return time.Time{}, false
		}
		dead = e.ExpiresAt
	}
	if e.Lease != nil && e.Lease.ExpiresAt.After(dead) {
		dead = e.Lease.ExpiresAt
	}
	return dead, true
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	c := Entry{Value: e.Value.Clone(), ExpiresAt: e.ExpiresAt}
	if e.Lease != nil {
		l := *e.Lease
		c.Lease = &l
	}
	return c
}

// Record is a key together with its entry, as exported to snapshots.
type Record struct {
	Key   string
	Entry Entry
}

// Deadline converts a relative ttl into an absolute expiry. ttl == 0 means no expiry.
func Deadline(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
