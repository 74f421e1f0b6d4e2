package kv

import (
	"fmt"
	"time"
)

// OpType enumerates the mutating operations that are written to the WAL.
// The numeric values are part of the on-disk format and must not change.
type OpType uint8

const (
	OpSet        OpType = 1  // key, value, ttl?
	OpDelete     OpType = 2  // key
	OpIncr       OpType = 3  // key, delta
	OpDecr       OpType = 4  // key, delta
	OpMSet       OpType = 5  // [(key,value)...], ttl?
	OpMDel       OpType = 6  // [key...]
	OpSetNX      OpType = 7  // key, value, ttl?
	OpLock       OpType = 8  // key, owner, ttl
	OpUnlock     OpType = 9  // key, owner
	OpExtendLock OpType = 10 // key, owner, ttl
)

// Valid reports whether t is one of the ten known op types.
func (t OpType) Valid() bool {
	return t >= OpSet && t <= OpExtendLock
}

func (t OpType) String() string {
	switch t {
	case OpSet:
		return "Set"
	case OpDelete:
		return "Delete"
	case OpIncr:
		return "Incr"
	case OpDecr:
		return "Decr"
	case OpMSet:
		return "MSet"
	case OpMDel:
		return "MDel"
	case OpSetNX:
		return "SetNx"
	case OpLock:
		return "Lock"
	case OpUnlock:
		return "Unlock"
	case OpExtendLock:
		return "ExtendLock"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// Op is a single WAL operation.
//
// Seq is the logical WAL position assigned by the engine when the op was
// emitted. Timestamp is the instant at which the op was applied in memory;
// TTLs are relative to it, both live and during replay.
type Op struct {
	Type      OpType
	Seq       uint64
	Timestamp time.Time

	Key   string        // single-key ops
	Value Value         // Set, SetNX
	TTL   time.Duration // Set, SetNX, MSet (0 = none), Lock, ExtendLock
	Delta int64         // Incr, Decr
	Owner string        // Lock, Unlock, ExtendLock
	Pairs []Pair        // MSet
	Keys  []string      // MDel
}

// Equal reports whether two ops are identical (timestamps compared at nanosecond precision).
func (o *Op) Equal(other *Op) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.Type != other.Type || o.Seq != other.Seq || o.Timestamp.UnixNano() != other.Timestamp.UnixNano() ||
		o.Key != other.Key || !o.Value.Equal(other.Value) || o.TTL != other.TTL ||
		o.Delta != other.Delta || o.Owner != other.Owner ||
		len(o.Pairs) != len(other.Pairs) || len(o.Keys) != len(other.Keys) {
		return false
	}
	for i := range o.Pairs {
		if o.Pairs[i].Key != other.Pairs[i].Key || !o.Pairs[i].Value.Equal(other.Pairs[i].Value) {
			return false
		}
	}
	for i := range o.Keys {
		if o.Keys[i] != other.Keys[i] {
			return false
		}
	}
	return true
}

// AffectedKeys returns every key touched by the op.
func (o *Op) AffectedKeys() []string {
	switch o.Type {
	case OpMSet:
		keys := make([]string, len(o.Pairs))
		for i, p := range o.Pairs {
			keys[i] = p.Key
		}
		return keys
	case OpMDel:
		return o.Keys
	default:
		return []string{o.Key}
	}
}

func (o *Op) String() string {
	switch o.Type {
	case OpSet, OpSetNX:
		return fmt.Sprintf("%s{seq=%d key=%q value=%s ttl=%s}", o.Type, o.Seq, o.Key, o.Value, o.TTL)
	case OpDelete:
		return fmt.Sprintf("%s{seq=%d key=%q}", o.Type, o.Seq, o.Key)
	case OpIncr, OpDecr:
		return fmt.Sprintf("%s{seq=%d key=%q delta=%d}", o.Type, o.Seq, o.Key, o.Delta)
	case OpMSet:
		return fmt.Sprintf("%s{seq=%d pairs=%d ttl=%s}", o.Type, o.Seq, len(o.Pairs), o.TTL)
	case OpMDel:
		return fmt.Sprintf("%s{seq=%d keys=%d}", o.Type, o.Seq, len(o.Keys))
	case OpLock, OpExtendLock:
		return fmt.Sprintf("%s{seq=%d key=%q owner=%q ttl=%s}", o.Type, o.Seq, o.Key, o.Owner, o.TTL)
	case OpUnlock:
		return fmt.Sprintf("%s{seq=%d key=%q owner=%q}", o.Type, o.Seq, o.Key, o.Owner)
	}
	return fmt.Sprintf("%s{seq=%d}", o.Type, o.Seq)
}
