package vm

import (
	"fmt"
	"math"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindDouble Kind = iota
	KindFloat
	KindInt16
	KindInt32
	KindInt64
	KindBoolean
	KindString
	KindVariable
)

var kindNames = [...]string{
	KindDouble:   "Double",
	KindFloat:    "Float",
	KindInt16:    "Int16",
	KindInt32:    "Int32",
	KindInt64:    "Int64",
	KindBoolean:  "Boolean",
	KindString:   "String",
	KindVariable: "Variable",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsNumeric reports whether the kind is one of the five numeric variants.
func (k Kind) IsNumeric() bool {
	return k <= KindInt64
}

// IsInteger reports whether the kind is one of the three integer widths.
func (k Kind) IsInteger() bool {
	return k == KindInt16 || k == KindInt32 || k == KindInt64
}

// DataType returns the bytecode type tag for the kind.
func (k Kind) DataType() DataType {
	switch k {
	case KindDouble:
		return TypeDouble
	case KindFloat:
		return TypeFloat
	case KindInt16:
		return TypeInt16
	case KindInt32:
		return TypeInt32
	case KindInt64:
		return TypeInt64
	case KindBoolean:
		return TypeBoolean
	case KindString:
		return TypeString
	default:
		return TypeVariable
	}
}

// ---------------------------------------------------------------------------
// Value: tagged runtime datum
// ---------------------------------------------------------------------------

// Value is a tagged runtime datum. Numeric and boolean payloads live in
// bits; strings and variable references use their own fields. The zero
// Value is Double(0).
//
// A Variable value is a descriptor that only appears inside Push
// instructions. It must never reach the operand stack.
type Value struct {
	kind Kind
	bits uint64
	str  string
	ref  *VariableRef
}

// FromDouble creates a 64-bit float value.
func FromDouble(f float64) Value {
	return Value{kind: KindDouble, bits: math.Float64bits(f)}
}

// FromFloat creates a 32-bit float value.
func FromFloat(f float32) Value {
	return Value{kind: KindFloat, bits: uint64(math.Float32bits(f))}
}

// FromInt16 creates a 16-bit signed integer value.
func FromInt16(n int16) Value {
	return Value{kind: KindInt16, bits: uint64(n)}
}

// FromInt32 creates a 32-bit signed integer value.
func FromInt32(n int32) Value {
	return Value{kind: KindInt32, bits: uint64(n)}
}

// FromInt64 creates a 64-bit signed integer value.
func FromInt64(n int64) Value {
	return Value{kind: KindInt64, bits: uint64(n)}
}

// FromBool creates a boolean value.
func FromBool(b bool) Value {
	if b {
		return Value{kind: KindBoolean, bits: 1}
	}
	return Value{kind: KindBoolean}
}

// FromString creates a string value.
func FromString(s string) Value {
	return Value{kind: KindString, str: s}
}

// FromVariable creates a variable-reference descriptor.
func FromVariable(ref VariableRef) Value {
	return Value{kind: KindVariable, ref: &ref}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsVariable reports whether v is a variable-reference descriptor.
func (v Value) IsVariable() bool { return v.kind == KindVariable }

// Double returns the float64 payload. Only meaningful for KindDouble.
func (v Value) Double() float64 { return math.Float64frombits(v.bits) }

// Float returns the float32 payload. Only meaningful for KindFloat.
func (v Value) Float() float32 { return math.Float32frombits(uint32(v.bits)) }

// Int16 returns the int16 payload. Only meaningful for KindInt16.
func (v Value) Int16() int16 { return int16(v.bits) }

// Int32 returns the int32 payload. Only meaningful for KindInt32.
func (v Value) Int32() int32 { return int32(v.bits) }

// Int64 returns the int64 payload. Only meaningful for KindInt64.
func (v Value) Int64() int64 { return int64(v.bits) }

// Bool returns the boolean payload. Only meaningful for KindBoolean.
func (v Value) Bool() bool { return v.bits != 0 }

// Str returns the string payload. Only meaningful for KindString.
func (v Value) Str() string { return v.str }

// Variable returns the reference descriptor, or nil for other kinds.
func (v Value) Variable() *VariableRef {
	if v.kind != KindVariable {
		return nil
	}
	return v.ref
}

// Bits returns the raw numeric payload. Used by encoders that need an
// exact, lossless representation of numeric and boolean values.
func (v Value) Bits() uint64 { return v.bits }

// FromBits rebuilds a numeric or boolean value from its kind and raw
// payload as returned by Bits.
func FromBits(k Kind, bits uint64) (Value, error) {
	switch k {
	case KindDouble, KindInt64:
		return Value{kind: k, bits: bits}, nil
	case KindFloat:
		return FromFloat(math.Float32frombits(uint32(bits))), nil
	case KindInt16:
		return FromInt16(int16(bits)), nil
	case KindInt32:
		return FromInt32(int32(bits)), nil
	case KindBoolean:
		return FromBool(bits != 0), nil
	}
	return Value{}, fmt.Errorf("FromBits: kind %s has no bit payload", k)
}

// Equal reports whether two values have the same kind and payload.
// Floats compare by bit pattern, so NaN equals an identical NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindVariable:
		if v.ref == nil || o.ref == nil {
			return v.ref == o.ref
		}
		return *v.ref == *o.ref
	default:
		return v.bits == o.bits
	}
}

// String renders the value with its variant, e.g. "Int32(5)".
func (v Value) String() string {
	return v.kind.String() + "(" + v.Literal() + ")"
}

// Literal renders only the payload in assembly literal syntax.
func (v Value) Literal() string {
	switch v.kind {
	case KindDouble:
		return strconv.FormatFloat(v.Double(), 'g', -1, 64)
	case KindFloat:
		return strconv.FormatFloat(float64(v.Float()), 'g', -1, 32)
	case KindInt16:
		return strconv.FormatInt(int64(v.Int16()), 10)
	case KindInt32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case KindBoolean:
		return strconv.FormatBool(v.Bool())
	case KindString:
		return strconv.Quote(v.str)
	case KindVariable:
		if v.ref == nil {
			return "<nil ref>"
		}
		return v.ref.String()
	}
	return "?"
}
