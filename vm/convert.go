package vm

import (
	"fmt"
	"math"
)

// Convert coerces v to the variant named by target.
//
// Float to narrower float and float to integer truncate (saturating at the
// target range, NaN becomes 0). Integer widening and integer to float
// preserve the value. Booleans become 0 or 1. A numeric value converts to
// true only when it equals exactly 1, so Int32(2) becomes false.
func Convert(v Value, target DataType) (Value, error) {
	switch v.kind {
	case KindString:
		return Value{}, fmt.Errorf("%w: cannot convert %s to %s", ErrInvalidConversion, v.kind, target)
	case KindVariable:
		return Value{}, variableOnStack(v, "conv")
	}

	switch target {
	case TypeDouble:
		return FromDouble(asFloat64(v)), nil
	case TypeFloat:
		if v.kind == KindDouble {
			return FromFloat(float32(v.Double())), nil
		}
		if v.kind == KindInt64 {
			return FromFloat(float32(v.Int64())), nil
		}
		if v.kind == KindInt32 {
			return FromFloat(float32(v.Int32())), nil
		}
		return FromFloat(float32(asFloat64(v))), nil
	case TypeInt16:
		return FromInt16(int16(toInt(v, math.MinInt16, math.MaxInt16))), nil
	case TypeInt32:
		return FromInt32(int32(toInt(v, math.MinInt32, math.MaxInt32))), nil
	case TypeInt64:
		return FromInt64(toInt(v, math.MinInt64, math.MaxInt64)), nil
	case TypeBoolean:
		switch v.kind {
		case KindDouble:
			return FromBool(v.Double() == 1.0), nil
		case KindFloat:
			return FromBool(v.Float() == 1.0), nil
		case KindInt16:
			return FromBool(v.Int16() == 1), nil
		case KindInt32:
			return FromBool(v.Int32() == 1), nil
		case KindInt64:
			return FromBool(v.Int64() == 1), nil
		case KindBoolean:
			return v, nil
		}
	}
	return Value{}, fmt.Errorf("%w: cannot convert %s to %s", ErrInvalidConversion, v.kind, target)
}

// asFloat64 widens any numeric or boolean value to float64. Int64 values
// beyond 2^53 round to the nearest representable double.
func asFloat64(v Value) float64 {
	switch v.kind {
	case KindDouble:
		return v.Double()
	case KindFloat:
		return float64(v.Float())
	case KindInt16:
		return float64(v.Int16())
	case KindInt32:
		return float64(v.Int32())
	case KindInt64:
		return float64(v.Int64())
	case KindBoolean:
		if v.Bool() {
			return 1
		}
	}
	return 0
}

// toInt produces the integer a conversion yields for a target range
// [lo, hi]. Integer sources wrap when narrowed; float sources truncate
// toward zero and saturate at the range bounds.
func toInt(v Value, lo, hi int64) int64 {
	switch v.kind {
	case KindInt16:
		return int64(v.Int16())
	case KindInt32:
		return int64(v.Int32())
	case KindInt64:
		return v.Int64()
	case KindBoolean:
		if v.Bool() {
			return 1
		}
		return 0
	}
	return truncate(asFloat64(v), lo, hi)
}

// intOf returns the payload of an integer or boolean value as int64.
func intOf(v Value) int64 {
	return toInt(v, math.MinInt64, math.MaxInt64)
}

// truncate casts f toward zero, clamping to [lo, hi]. NaN maps to 0.
func truncate(f float64, lo, hi int64) int64 {
	switch {
	case f != f:
		return 0
	case f >= float64(hi):
		return hi
	case f <= float64(lo):
		return lo
	}
	return int64(f)
}
