package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// frame: execution state of one code object invocation
// ---------------------------------------------------------------------------

type frame struct {
	code  *Code
	pc    int
	self  int   // instance that self-scoped accesses resolve against
	env   []int // selves saved by pushenv, innermost last
	depth int   // 0 for the invocation started by Run
}

// ---------------------------------------------------------------------------
// Invocation
// ---------------------------------------------------------------------------

// invoke runs code c to completion as a new frame. Locals of c are
// released when the outermost active invocation of c returns, whether it
// succeeded or not.
func (vm *VM) invoke(c *Code, self, depth int) (Value, bool, error) {
	vm.active[c.Index]++
	defer func() {
		vm.active[c.Index]--
		if vm.active[c.Index] == 0 {
			delete(vm.active, c.Index)
			vm.vars.ReleaseLocals(c.Index)
		}
	}()

	f := &frame{code: c, self: self, depth: depth}
	return vm.execute(f)
}

// fail wraps err with the location of the instruction that produced it.
// Errors that already carry a location come from a deeper frame and are
// returned unchanged.
func (vm *VM) fail(f *frame, op Opcode, err error) error {
	var ee *ExecError
	if errors.As(err, &ee) {
		return err
	}
	return &ExecError{
		Code:     f.code.Index,
		CodeName: f.code.Name,
		PC:       f.pc,
		Op:       op,
		Depth:    f.depth,
		Err:      err,
	}
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (vm *VM) execute(f *frame) (Value, bool, error) {
	code := f.code
	for {
		if f.pc >= code.Len() {
			return Value{}, false, vm.fail(f, 0, fmt.Errorf("%w: execution ran past the last instruction of %s without ret or exit",
				ErrMalformedCode, code.Name))
		}
		instr := code.Instructions[f.pc]
		op := instr.Opcode()

		if vm.trace {
			vm.log.Debugf("%s [%04d] %-28s depth=%d sp=%d self=%d",
				code.Name, f.pc, instr.String(), f.depth, vm.stack.Len(), f.self)
		}
		if vm.hook != nil {
			if err := vm.hook.Step(vm.event(f, instr)); err != nil {
				return Value{}, false, vm.fail(f, op, err)
			}
		}

		switch in := instr.(type) {
		case SingleType:
			switch in.Op {
			case OpRet:
				v, err := vm.pop("ret")
				if err != nil {
					return Value{}, false, vm.fail(f, op, err)
				}
				return v, true, nil
			case OpExit:
				return Value{}, false, nil
			}
			if err := vm.single(in); err != nil {
				return Value{}, false, vm.fail(f, op, err)
			}
			f.pc++

		case DoubleType:
			if err := vm.double(in); err != nil {
				return Value{}, false, vm.fail(f, op, err)
			}
			f.pc++

		case Comparison:
			rhs, lhs, err := vm.pop2("cmp")
			if err == nil {
				var r Value
				if r, err = Compare(in.Relation, lhs, rhs); err == nil {
					vm.stack.Push(r)
				}
			}
			if err != nil {
				return Value{}, false, vm.fail(f, op, err)
			}
			f.pc++

		case Goto:
			if err := vm.branch(f, in); err != nil {
				return Value{}, false, vm.fail(f, op, err)
			}

		case Pop:
			if err := vm.store(f, in); err != nil {
				return Value{}, false, vm.fail(f, op, err)
			}
			f.pc++

		case Push:
			if err := vm.load(f, in); err != nil {
				return Value{}, false, vm.fail(f, op, err)
			}
			f.pc++

		case Call:
			if err := vm.call(f, in); err != nil {
				return Value{}, false, vm.fail(f, op, err)
			}
			f.pc++

		case Break:
			if vm.hook != nil {
				if err := vm.hook.Break(vm.event(f, in), in.Signal); err != nil {
					return Value{}, false, vm.fail(f, op, err)
				}
			}
			f.pc++

		default:
			return Value{}, false, vm.fail(f, op, fmt.Errorf("%w: unknown instruction shape %T", ErrInvalidOpcode, instr))
		}
	}
}

func (vm *VM) event(f *frame, in Instruction) StepEvent {
	return StepEvent{
		Code:        f.code,
		PC:          f.pc,
		Instruction: in,
		Depth:       f.depth,
		Self:        f.self,
		StackDepth:  vm.stack.Len(),
	}
}

// pop removes one operand, rejecting reference descriptors.
func (vm *VM) pop(op string) (Value, error) {
	v, err := vm.stack.Pop()
	if err != nil {
		return Value{}, fmt.Errorf("%s: %w", op, err)
	}
	if v.IsVariable() {
		return Value{}, variableOnStack(v, op)
	}
	return v, nil
}

// pop2 removes the right-hand then the left-hand operand.
func (vm *VM) pop2(op string) (rhs, lhs Value, err error) {
	if rhs, err = vm.pop(op); err != nil {
		return
	}
	lhs, err = vm.pop(op)
	return
}

// ---------------------------------------------------------------------------
// Instruction groups
// ---------------------------------------------------------------------------

func (vm *VM) single(in SingleType) error {
	switch in.Op {
	case OpNeg, OpNot:
		v, err := vm.pop(in.Op.String())
		if err != nil {
			return err
		}
		if in.Op == OpNeg {
			v, err = Neg(v)
		} else {
			v, err = Not(v)
		}
		if err != nil {
			return err
		}
		vm.stack.Push(v)
		return nil
	case OpDup:
		return vm.stack.Dup()
	case OpPopz:
		return vm.stack.Popz()
	}
	return fmt.Errorf("%w: %s is not a single-type operation", ErrInvalidOpcode, in.Op)
}

func (vm *VM) double(in DoubleType) error {
	if in.Op == OpConv {
		v, err := vm.pop("conv")
		if err != nil {
			return err
		}
		if v, err = Convert(v, in.Type2); err != nil {
			return err
		}
		vm.stack.Push(v)
		return nil
	}
	rhs, lhs, err := vm.pop2(in.Op.String())
	if err != nil {
		return err
	}
	r, err := Binary(in.Op, lhs, rhs)
	if err != nil {
		return err
	}
	vm.stack.Push(r)
	return nil
}

// branch executes a goto-shaped instruction and moves the program
// counter.
func (vm *VM) branch(f *frame, in Goto) error {
	switch in.Op {
	case OpB:
		return vm.jump(f, in.Offset)

	case OpBt, OpBf:
		v, err := vm.pop(in.Op.String())
		if err != nil {
			return err
		}
		if v.Kind() != KindBoolean {
			return fmt.Errorf("%w: %s got %s", ErrConditionType, in.Op, v)
		}
		if v.Bool() == (in.Op == OpBt) {
			return vm.jump(f, in.Offset)
		}
		f.pc++
		return nil

	case OpPushEnv:
		v, err := vm.pop("pushenv")
		if err != nil {
			return err
		}
		if !v.Kind().IsInteger() {
			return fmt.Errorf("%w: pushenv expects an instance id, got %s", ErrTypeMismatch, v)
		}
		id := intOf(v)
		switch {
		case id == int64(InstanceNoone):
			// No instance to run the body for.
			return vm.jump(f, in.Offset)
		case id == int64(InstanceSelf):
			id = int64(f.self)
		case id < 0:
			return fmt.Errorf("%w: cannot enter environment of %s", ErrInvalidScope, InstanceType(id))
		}
		f.env = append(f.env, f.self)
		f.self = int(id)
		f.pc++
		return nil

	case OpPopEnv:
		n := len(f.env)
		if n == 0 {
			return fmt.Errorf("%w: popenv without matching pushenv", ErrEnvironmentUnderflow)
		}
		f.self = f.env[n-1]
		f.env = f.env[:n-1]
		f.pc++
		return nil
	}
	return fmt.Errorf("%w: %s is not a branch", ErrInvalidOpcode, in.Op)
}

func (vm *VM) jump(f *frame, offset int32) error {
	target, err := f.code.BranchTarget(f.pc, offset)
	if err != nil {
		return err
	}
	f.pc = target
	return nil
}

// store pops a value into the variable named by in.
func (vm *VM) store(f *frame, in Pop) error {
	v, err := vm.pop("pop")
	if err != nil {
		return err
	}
	id := in.Dest.ID
	switch {
	case in.Instance.IsObject():
		vm.vars.SetInstance(id, int(in.Instance), v)
	case in.Instance == InstanceSelf:
		vm.vars.SetInstance(id, f.self, v)
	case in.Instance == InstanceGlobal:
		vm.vars.SetGlobal(id, v)
	case in.Instance == InstanceLocal:
		vm.vars.SetLocal(id, f.code.Index, v)
	default:
		return fmt.Errorf("%w: cannot store %s into %s scope", ErrInvalidScope, v, in.Instance)
	}
	return nil
}

// load pushes a literal, or the current value of the variable it
// references.
func (vm *VM) load(f *frame, in Push) error {
	switch in.Op {
	case OpPush, OpPushLoc, OpPushGlb, OpPushBltn, OpPushI:
	default:
		return fmt.Errorf("%w: %s is not a push", ErrInvalidOpcode, in.Op)
	}
	ref := in.Value.Variable()
	if ref == nil {
		vm.stack.Push(in.Value)
		return nil
	}

	var (
		v  Value
		ok bool
	)
	switch {
	case ref.Instance.IsObject():
		v, ok = vm.vars.Instance(ref.ID, int(ref.Instance))
	case ref.Instance == InstanceSelf:
		v, ok = vm.vars.Instance(ref.ID, f.self)
	case ref.Instance == InstanceGlobal:
		v, ok = vm.vars.Global(ref.ID)
	case ref.Instance == InstanceLocal:
		v, ok = vm.vars.Local(ref.ID, f.code.Index)
	default:
		return fmt.Errorf("%w: cannot load %s from %s scope", ErrInvalidScope, vm.refName(*ref), ref.Instance)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsetVariable, vm.refName(*ref))
	}
	vm.stack.Push(v)
	return nil
}

func (vm *VM) refName(ref VariableRef) string {
	if ref.Name == "" {
		ref.Name = vm.program.VariableName(ref.ID)
	}
	return ref.String()
}

// call runs a function's entry code on the shared stack and store. The
// callee consumes its arguments; its return value, if any, is pushed for
// the caller.
func (vm *VM) call(f *frame, in Call) error {
	fn, err := vm.program.FunctionAt(in.Function)
	if err != nil {
		return err
	}
	if in.ArgCount != fn.ArgCount {
		return fmt.Errorf("%w: %s takes %d arguments, call passes %d", ErrArityMismatch, fn.Name, fn.ArgCount, in.ArgCount)
	}
	before := vm.stack.Len()
	if before < in.ArgCount {
		return fmt.Errorf("%w: %s needs %d arguments, stack holds %d", ErrArityMismatch, fn.Name, in.ArgCount, before)
	}
	if f.depth+1 > vm.maxDepth {
		return fmt.Errorf("%w: calling %s at depth %d (max %d)", ErrCallDepthExceeded, fn.Name, f.depth+1, vm.maxDepth)
	}
	callee, err := vm.program.CodeAt(fn.Code)
	if err != nil {
		return fmt.Errorf("function %s: %w", fn.Name, err)
	}

	v, returned, err := vm.invoke(callee, f.self, f.depth+1)
	if err != nil {
		return err
	}
	if got, want := vm.stack.Len(), before-in.ArgCount; got != want {
		return fmt.Errorf("%w: %s left the stack at depth %d, expected %d", ErrMalformedCode, fn.Name, got, want)
	}
	if returned {
		vm.stack.Push(v)
	}
	return nil
}
