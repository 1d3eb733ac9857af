package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Error kinds
// ---------------------------------------------------------------------------
//
// Every failure produced by the engine wraps exactly one of these
// sentinels, so hosts can classify failures with errors.Is regardless of
// how much context was added on the way up.

var (
	ErrStackUnderflow       = errors.New("stack underflow")
	ErrTypeMismatch         = errors.New("type mismatch")
	ErrIncomparable         = errors.New("incomparable operands")
	ErrUnsupportedOperand   = errors.New("unsupported operand")
	ErrInvalidConversion    = errors.New("invalid conversion")
	ErrDivisionByZero       = errors.New("division by zero")
	ErrShiftOverflow        = errors.New("shift overflow")
	ErrInvalidScope         = errors.New("invalid scope")
	ErrConditionType        = errors.New("branch condition is not a boolean")
	ErrUnresolvedFunction   = errors.New("unresolved function")
	ErrMalformedCode        = errors.New("malformed code")
	ErrArityMismatch        = errors.New("arity mismatch")
	ErrUnsetVariable        = errors.New("unset variable")
	ErrUnknownCode          = errors.New("unknown code object")
	ErrInvalidOpcode        = errors.New("invalid opcode")
	ErrCallDepthExceeded    = errors.New("call depth exceeded")
	ErrEnvironmentUnderflow = errors.New("environment stack underflow")
	ErrStepLimitExceeded    = errors.New("step limit exceeded")
)

// ExecError locates a failure inside a code object. The dispatcher wraps
// the first failure it sees; callers further up the chain pass it through
// unchanged so the location always names the innermost frame.
type ExecError struct {
	Code     int    // code object index
	CodeName string // code object name, if known
	PC       int    // instruction index within the code object
	Op       Opcode // opcode of the failing instruction
	Depth    int    // call depth at the time of failure (0 = top level)
	Err      error
}

func (e *ExecError) Error() string {
	name := e.CodeName
	if name == "" {
		name = fmt.Sprintf("code#%d", e.Code)
	}
	if _, ok := e.Op.Info(); !ok {
		return fmt.Sprintf("%s [%04d]: %v", name, e.PC, e.Err)
	}
	return fmt.Sprintf("%s [%04d] %s: %v", name, e.PC, e.Op, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// variableOnStack reports the engine defect of a reference descriptor
// surfacing as an operand.
func variableOnStack(v Value, op string) error {
	return fmt.Errorf("%w: variable reference %s on operand stack during %s", ErrMalformedCode, v.Literal(), op)
}
