package kv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is returned when a payload or record cannot be decoded.
var ErrMalformed = errors.New("kv: malformed encoding")

// --------------------------------------------------------------------------
// Encoder
// --------------------------------------------------------------------------

// Encoder appends big-endian primitives to a byte slice.
// The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with capacity for n bytes.
func NewEncoder(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) Uint8(v uint8)   { e.buf = append(e.buf, v) }
func (e *Encoder) Uint32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *Encoder) Uint64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *Encoder) Int64(v int64)   { e.Uint64(uint64(v)) }

// Raw appends b with a u32 length prefix.
func (e *Encoder) Raw(b []byte) {
	e.Uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// String appends s with a u32 length prefix.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

// Time appends t as Unix nanoseconds. The zero time is encoded as 0.
func (e *Encoder) Time(t time.Time) {
	if t.IsZero() {
		e.Int64(0)
		return
	}
	e.Int64(t.UnixNano())
}

// Value appends the kind byte followed by the payload of v.
func (e *Encoder) Value(v Value) {
	e.Uint8(uint8(v.kind))
	switch v.kind {
	case KindInt, KindFloat:
		e.Int64(v.num)
	case KindDecimal, KindString:
		e.String(v.str)
	case KindBytes:
		e.Raw(v.raw)
	}
}

// OptionalTTL appends a presence flag and, if ttl > 0, the duration in nanoseconds.
func (e *Encoder) OptionalTTL(ttl time.Duration) {
	if ttl <= 0 {
		e.Uint8(0)
		return
	}
	e.Uint8(1)
	e.Int64(int64(ttl))
}

// --------------------------------------------------------------------------
// Decoder
// --------------------------------------------------------------------------

// Decoder reads big-endian primitives from a byte slice. The first error
// sticks: later reads return zero values and Err reports it.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a decoder over b.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// Err returns the first decoding error.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.Remaining() < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformed, n, d.off, d.Remaining())
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *Decoder) Uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *Decoder) Uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *Decoder) Int64() int64 { return int64(d.Uint64()) }

// Raw reads a u32 length-prefixed byte slice and returns a copy.
func (d *Decoder) Raw() []byte {
	n := d.Uint32()
	b := d.take(int(n))
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}

// String reads a u32 length-prefixed string.
func (d *Decoder) String() string {
	n := d.Uint32()
	return string(d.take(int(n)))
}

// Time reads Unix nanoseconds. 0 decodes as the zero time.
func (d *Decoder) Time() time.Time {
	ns := d.Int64()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Value reads a kind byte and the matching payload.
func (d *Decoder) Value() Value {
	k := Kind(d.Uint8())
	switch k {
	case KindNone:
		return Value{}
	case KindInt:
		return Int(d.Int64())
	case KindFloat:
		return Float(math.Float64frombits(d.Uint64()))
	case KindDecimal:
		return Decimal(d.String())
	case KindString:
		return String(d.String())
	case KindBytes:
		return Value{kind: KindBytes, raw: d.Raw()}
	}
	if d.err == nil {
		d.err = fmt.Errorf("%w: unknown value kind %d", ErrMalformed, k)
	}
	return Value{}
}

// OptionalTTL reads a presence flag and the duration that follows it.
func (d *Decoder) OptionalTTL() time.Duration {
	switch d.Uint8() {
	case 0:
		return 0
	case 1:
		ttl := time.Duration(d.Int64())
		if ttl <= 0 && d.err == nil {
			d.err = fmt.Errorf("%w: non-positive ttl %d", ErrMalformed, ttl)
		}
		return ttl
	}
	if d.err == nil {
		d.err = fmt.Errorf("%w: invalid ttl flag", ErrMalformed)
	}
	return 0
}

// count reads a u32 element count and rejects counts that cannot fit in the
// remaining bytes given a minimum element size.
func (d *Decoder) count(minElem int) int {
	n := int(d.Uint32())
	if d.err == nil && n*minElem > d.Remaining() {
		d.err = fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrMalformed, n, d.Remaining())
		return 0
	}
	return n
}

// --------------------------------------------------------------------------
// Op Payloads
// --------------------------------------------------------------------------

// EncodeOpPayload serializes the parameters of op. The payload starts with
// the op sequence number. Type and Timestamp live in the record framing.
func EncodeOpPayload(op *Op) []byte {
	e := NewEncoder(32 + len(op.Key))
	e.Uint64(op.Seq)
	switch op.Type {
	case OpSet, OpSetNX:
		e.String(op.Key)
		e.Value(op.Value)
		e.OptionalTTL(op.TTL)
	case OpDelete:
		e.String(op.Key)
	case OpIncr, OpDecr:
		e.String(op.Key)
		e.Int64(op.Delta)
	case OpMSet:
		e.Uint32(uint32(len(op.Pairs)))
		for _, p := range op.Pairs {
			e.String(p.Key)
			e.Value(p.Value)
		}
		e.OptionalTTL(op.TTL)
	case OpMDel:
		e.Uint32(uint32(len(op.Keys)))
		for _, k := range op.Keys {
			e.String(k)
		}
	case OpLock, OpExtendLock:
		e.String(op.Key)
		e.String(op.Owner)
		e.Int64(int64(op.TTL))
	case OpUnlock:
		e.String(op.Key)
		e.String(op.Owner)
	}
	return e.Bytes()
}

// DecodeOpPayload is the inverse of EncodeOpPayload.
func DecodeOpPayload(t OpType, ts time.Time, payload []byte) (*Op, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown op type %d", ErrMalformed, t)
	}
	d := NewDecoder(payload)
	op := &Op{Type: t, Timestamp: ts, Seq: d.Uint64()}
	switch t {
	case OpSet, OpSetNX:
		op.Key = d.String()
		op.Value = d.Value()
		op.TTL = d.OptionalTTL()
	case OpDelete:
		op.Key = d.String()
	case OpIncr, OpDecr:
		op.Key = d.String()
		op.Delta = d.Int64()
	case OpMSet:
		n := d.count(5)
		op.Pairs = make([]Pair, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			k := d.String()
			v := d.Value()
			op.Pairs = append(op.Pairs, Pair{Key: k, Value: v})
		}
		op.TTL = d.OptionalTTL()
	case OpMDel:
		n := d.count(4)
		op.Keys = make([]string, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			op.Keys = append(op.Keys, d.String())
		}
	case OpLock, OpExtendLock:
		op.Key = d.String()
		op.Owner = d.String()
		op.TTL = time.Duration(d.Int64())
	case OpUnlock:
		op.Key = d.String()
		op.Owner = d.String()
	}
	if d.err != nil {
		return nil, d.err
	}
	if d.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in %s payload", ErrMalformed, d.Remaining(), t)
	}
	return op, nil
}

// --------------------------------------------------------------------------
// Snapshot Records
// --------------------------------------------------------------------------

const (
	recordHasExpiry uint8 = 1 << iota
	recordHasLease
)

// Record appends the snapshot encoding of r:
// key | value | flags | [expiresAt] | [owner | leaseExpiresAt].
func (e *Encoder) Record(r Record) {
	e.String(r.Key)
	e.Value(r.Entry.Value)
	var flags uint8
	if !r.Entry.ExpiresAt.IsZero() {
		flags |= recordHasExpiry
	}
	if r.Entry.Lease != nil {
		flags |= recordHasLease
	}
	e.Uint8(flags)
	if flags&recordHasExpiry != 0 {
		e.Time(r.Entry.ExpiresAt)
	}
	if flags&recordHasLease != 0 {
		e.String(r.Entry.Lease.Owner)
		e.Time(r.Entry.Lease.ExpiresAt)
	}
}

// Record reads one snapshot record.
func (d *Decoder) Record() Record {
	var r Record
	r.Key = d.String()
	r.Entry.Value = d.Value()
	flags := d.Uint8()
	if flags&^(recordHasExpiry|recordHasLease) != 0 && d.err == nil {
		d.err = fmt.Errorf("%w: invalid record flags %#x", ErrMalformed, flags)
		return r
	}
	if flags&recordHasExpiry != 0 {
		r.Entry.ExpiresAt = d.Time()
	}
	if flags&recordHasLease != 0 {
		owner := d.String()
		r.Entry.Lease = &Lease{Owner: owner, ExpiresAt: d.Time()}
	}
	return r
}
