package kv

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
)

// --------------------------------------------------------------------------
// Value Kinds
// --------------------------------------------------------------------------

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNone    Kind = iota // No value (zero Value, e.g. an entry that only carries a lease)
	KindInt                 // int64
	KindFloat               // float64
	KindDecimal             // fixed-precision decimal, opaque string
	KindString              // UTF-8 string
	KindBytes               // opaque byte sequence
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "None"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindDecimal:
		return "Decimal"
	case KindString:
		return "String"
	case KindBytes:
		return "Bytes"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// --------------------------------------------------------------------------
// Value Type
// --------------------------------------------------------------------------

// Value is a tagged sum of Int, Float, Decimal, String and Bytes.
// Values are immutable: constructors and Clone copy byte slices.
type Value struct {
	kind Kind
	num  int64  // Int, or Float bits
	str  string // Decimal and String
	raw  []byte // Bytes
}

// Int creates an Int value.
func Int(i int64) Value { return Value{kind: KindInt, num: i} }

// Float creates a Float value.
func Float(f float64) Value { return Value{kind: KindFloat, num: int64(math.Float64bits(f))} }

// Decimal creates a Decimal value. The engine does not interpret s.
func Decimal(s string) Value { return Value{kind: KindDecimal, str: s} }

// String creates a String value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bytes creates a Bytes value holding a copy of b.
func Bytes(b []byte) Value {
	c := make([]byte, len(b))
	copy(c, b)
	return Value{kind: KindBytes, raw: c}
}

// Kind returns the variant of v.
func (v Value) Kind() Kind { return v.kind }

// IsZero reports whether v holds no value.
func (v Value) IsZero() bool { return v.kind == KindNone }

// AsInt returns the Int payload.
func (v Value) AsInt() (int64, bool) { return v.num, v.kind == KindInt }

// AsFloat returns the Float payload.
func (v Value) AsFloat() (float64, bool) {
	return math.Float64frombits(uint64(v.num)), v.kind == KindFloat
}

// AsDecimal returns the Decimal payload.
func (v Value) AsDecimal() (string, bool) { return v.str, v.kind == KindDecimal }

// AsString returns the String payload.
func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }

// AsBytes returns a copy of the Bytes payload.
func (v Value) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	c := make([]byte, len(v.raw))
	copy(c, v.raw)
	return c, true
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	if v.kind == KindBytes {
		return Bytes(v.raw)
	}
	return v
}

// Equal reports whether v and o hold the same variant and payload.
// Floats are compared bitwise, so NaN equals itself.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindInt, KindFloat:
		return v.num == o.num
	case KindDecimal, KindString:
		return v.str == o.str
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	}
	return false
}

// Size returns the approximate payload size in bytes.
func (v Value) Size() int {
	switch v.kind {
	case KindInt, KindFloat:
		return 8
	case KindDecimal, KindString:
		return len(v.str)
	case KindBytes:
		return len(v.raw)
	}
	return 0
}

// String formats v for logs and the CLI, e.g. Int(1) or String("x").
func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return "None"
	case KindInt:
		return "Int(" + strconv.FormatInt(v.num, 10) + ")"
	case KindFloat:
		f, _ := v.AsFloat()
		return "Float(" + strconv.FormatFloat(f, 'g', -1, 64) + ")"
	case KindDecimal:
		return "Decimal(" + v.str + ")"
	case KindString:
		return "String(" + strconv.Quote(v.str) + ")"
	case KindBytes:
		return fmt.Sprintf("Bytes(%x)", v.raw)
	}
	return v.kind.String()
}

// Pair is a key/value pair used by batch operations.
type Pair struct {
	Key   string
	Value Value
}
