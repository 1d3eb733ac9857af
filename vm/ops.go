package vm

import (
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Unary operations
// ---------------------------------------------------------------------------

// Neg negates a numeric value. Integer negation wraps, so the minimum of a
// width negates to itself.
func Neg(v Value) (Value, error) {
	switch v.kind {
	case KindDouble:
		return FromDouble(-v.Double()), nil
	case KindFloat:
		return FromFloat(-v.Float()), nil
	case KindInt16:
		return FromInt16(-v.Int16()), nil
	case KindInt32:
		return FromInt32(-v.Int32()), nil
	case KindInt64:
		return FromInt64(-v.Int64()), nil
	case KindVariable:
		return Value{}, variableOnStack(v, "neg")
	}
	return Value{}, fmt.Errorf("%w: cannot negate %s", ErrUnsupportedOperand, v)
}

// Not inverts a boolean.
func Not(v Value) (Value, error) {
	switch v.kind {
	case KindBoolean:
		return FromBool(!v.Bool()), nil
	case KindVariable:
		return Value{}, variableOnStack(v, "not")
	}
	return Value{}, fmt.Errorf("%w: cannot apply not to %s", ErrUnsupportedOperand, v)
}

// ---------------------------------------------------------------------------
// Binary operations
// ---------------------------------------------------------------------------

type integer interface {
	~int16 | ~int32 | ~int64
}

// Binary applies an arithmetic or bitwise opcode to lhs and rhs. Apart
// from shifts, both operands must hold the same variant.
func Binary(op Opcode, lhs, rhs Value) (Value, error) {
	if lhs.kind == KindVariable {
		return Value{}, variableOnStack(lhs, op.String())
	}
	if rhs.kind == KindVariable {
		return Value{}, variableOnStack(rhs, op.String())
	}
	switch op {
	case OpShl, OpShr:
		return shift(op, lhs, rhs)
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpMod, OpAnd, OpOr, OpXor:
	default:
		return Value{}, fmt.Errorf("%w: %s is not a binary operation", ErrInvalidOpcode, op)
	}
	if lhs.kind != rhs.kind {
		return Value{}, mismatch(op, lhs, rhs)
	}

	switch lhs.kind {
	case KindDouble:
		r, ok := floatOp(op, lhs.Double(), rhs.Double())
		if ok {
			return FromDouble(r), nil
		}
	case KindFloat:
		r, ok := floatOp(op, float64(lhs.Float()), float64(rhs.Float()))
		if ok {
			return FromFloat(float32(r)), nil
		}
	case KindInt16:
		r, err := intOp(op, lhs.Int16(), rhs.Int16())
		if err != nil {
			return Value{}, err
		}
		return FromInt16(r), nil
	case KindInt32:
		r, err := intOp(op, lhs.Int32(), rhs.Int32())
		if err != nil {
			return Value{}, err
		}
		return FromInt32(r), nil
	case KindInt64:
		r, err := intOp(op, lhs.Int64(), rhs.Int64())
		if err != nil {
			return Value{}, err
		}
		return FromInt64(r), nil
	case KindBoolean:
		a, b := lhs.Bool(), rhs.Bool()
		switch op {
		case OpAnd:
			return FromBool(a && b), nil
		case OpOr:
			return FromBool(a || b), nil
		case OpXor:
			return FromBool(a != b), nil
		}
	}
	return Value{}, mismatch(op, lhs, rhs)
}

func mismatch(op Opcode, lhs, rhs Value) error {
	return fmt.Errorf("%w: cannot %s %s and %s", ErrTypeMismatch, op, lhs, rhs)
}

// floatOp evaluates op in float64. Float operands are widened first and the
// caller narrows the result, which is exact for add, sub, mul, div and the
// remainders. Division by zero follows IEEE 754.
func floatOp(op Opcode, a, b float64) (float64, bool) {
	switch op {
	case OpAdd:
		return a + b, true
	case OpSub:
		return a - b, true
	case OpMul:
		return a * b, true
	case OpDiv:
		return a / b, true
	case OpRem:
		r := math.Mod(a, b)
		if r < 0 {
			r += math.Abs(b)
		}
		return r, true
	case OpMod:
		return math.Mod(a, b), true
	}
	return 0, false
}

// intOp evaluates op for one integer width. Add, sub and mul wrap. Div,
// rem and mod truncate toward zero and fail on a zero divisor.
func intOp[T integer](op Opcode, a, b T) (T, error) {
	switch op {
	case OpAdd:
		return a + b, nil
	case OpSub:
		return a - b, nil
	case OpMul:
		return a * b, nil
	case OpDiv, OpRem, OpMod:
		if b == 0 {
			return 0, fmt.Errorf("%w: %s %d by %d", ErrDivisionByZero, op, a, b)
		}
		if op == OpDiv {
			return a / b, nil
		}
		return a % b, nil
	case OpAnd:
		return a & b, nil
	case OpOr:
		return a | b, nil
	case OpXor:
		return a ^ b, nil
	}
	return 0, fmt.Errorf("%w: %s is not an integer operation", ErrInvalidOpcode, op)
}

// shift handles shl and shr. The amount may be any integer width and is
// narrowed to uint32, so a negative amount overflows. Two booleans combine
// with XOR.
func shift(op Opcode, lhs, rhs Value) (Value, error) {
	if lhs.kind == KindBoolean && rhs.kind == KindBoolean {
		return FromBool(lhs.Bool() != rhs.Bool()), nil
	}
	if !lhs.kind.IsInteger() || !rhs.kind.IsInteger() {
		return Value{}, mismatch(op, lhs, rhs)
	}
	n := uint32(intOf(rhs))
	switch lhs.kind {
	case KindInt16:
		r, err := shiftInt(op, lhs.Int16(), n, 16)
		return FromInt16(r), err
	case KindInt32:
		r, err := shiftInt(op, lhs.Int32(), n, 32)
		return FromInt32(r), err
	default:
		r, err := shiftInt(op, lhs.Int64(), n, 64)
		return FromInt64(r), err
	}
}

func shiftInt[T integer](op Opcode, a T, n uint32, width uint32) (T, error) {
	if n >= width {
		return 0, fmt.Errorf("%w: %s %d by %d bits exceeds width %d", ErrShiftOverflow, op, a, n, width)
	}
	if op == OpShl {
		return a << n, nil
	}
	return a >> n, nil
}

// ---------------------------------------------------------------------------
// Comparison
// ---------------------------------------------------------------------------

// Compare applies rel to lhs and rhs. Operands must hold the same numeric
// or boolean variant; false orders before true. NaN compares unequal to
// everything, so only neq holds for it.
func Compare(rel ComparisonType, lhs, rhs Value) (Value, error) {
	if lhs.kind == KindVariable {
		return Value{}, variableOnStack(lhs, "cmp")
	}
	if rhs.kind == KindVariable {
		return Value{}, variableOnStack(rhs, "cmp")
	}
	if lhs.kind != rhs.kind || lhs.kind == KindString {
		return Value{}, fmt.Errorf("%w: cannot compare %s with %s", ErrIncomparable, lhs, rhs)
	}
	if _, ok := comparisonNames[rel]; !ok {
		return Value{}, fmt.Errorf("%w: unknown comparison %d", ErrMalformedCode, uint8(rel))
	}

	var r bool
	switch lhs.kind {
	case KindDouble:
		r = relate(rel, lhs.Double(), rhs.Double())
	case KindFloat:
		r = relate(rel, lhs.Float(), rhs.Float())
	case KindInt16:
		r = relate(rel, lhs.Int16(), rhs.Int16())
	case KindInt32:
		r = relate(rel, lhs.Int32(), rhs.Int32())
	case KindInt64:
		r = relate(rel, lhs.Int64(), rhs.Int64())
	case KindBoolean:
		r = relate(rel, lhs.bits, rhs.bits)
	}
	return FromBool(r), nil
}

func relate[T int16 | int32 | int64 | uint64 | float32 | float64](rel ComparisonType, a, b T) bool {
	switch rel {
	case CmpLT:
		return a < b
	case CmpLTE:
		return a <= b
	case CmpEQ:
		return a == b
	case CmpNEQ:
		return a != b
	case CmpGTE:
		return a >= b
	case CmpGT:
		return a > b
	}
	return false
}
