package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

// DefaultMaxCallDepth bounds nested calls when no option overrides it.
const DefaultMaxCallDepth = 512

// ---------------------------------------------------------------------------
// VM: the host-facing engine
// ---------------------------------------------------------------------------

// VM executes code objects of one Program against its own operand stack
// and variable store. A VM is not safe for concurrent use; hosts that share
// one between goroutines serialize access (see server.VMWorker).
type VM struct {
	program  *Program
	stack    *Stack
	vars     *Variables
	maxDepth int
	hook     Hook
	trace    bool
	log      commonlog.Logger

	active map[int]int // code index -> live invocations
}

// Option configures a VM.
type Option func(*VM)

// WithMaxCallDepth sets the maximum nesting of calls. Values below 1 keep
// the default.
func WithMaxCallDepth(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.maxDepth = n
		}
	}
}

// WithHook installs a host hook that observes every step and break.
func WithHook(h Hook) Option {
	return func(vm *VM) { vm.hook = h }
}

// WithTrace logs every dispatched instruction at debug level.
func WithTrace(enabled bool) Option {
	return func(vm *VM) { vm.trace = enabled }
}

// WithLogger replaces the "acorn.vm" logger.
func WithLogger(l commonlog.Logger) Option {
	return func(vm *VM) { vm.log = l }
}

// New creates a VM for program p.
func New(p *Program, opts ...Option) *VM {
	vm := &VM{
		program:  p,
		stack:    NewStack(),
		vars:     NewVariables(),
		maxDepth: DefaultMaxCallDepth,
		log:      commonlog.GetLogger("acorn.vm"),
		active:   make(map[int]int),
	}
	for _, opt := range opts {
		opt(vm)
	}
	return vm
}

// Run executes code object code with self as the current instance. It
// returns the value yielded by ret, or ok == false when the code finished
// with exit. On failure the operand stack is restored to its depth at entry
// and the error wraps one of the Err* sentinels.
func (vm *VM) Run(code, self int) (v Value, ok bool, err error) {
	c, err := vm.program.CodeAt(code)
	if err != nil {
		return Value{}, false, err
	}
	base := vm.stack.Len()
	v, ok, err = vm.invoke(c, self, 0)
	if err != nil {
		vm.stack.Truncate(base)
		if vm.trace {
			vm.log.Debugf("run %s failed: %v", c.Name, err)
		}
		return Value{}, false, err
	}
	return v, ok, nil
}

// RunNamed runs the code object called name.
func (vm *VM) RunNamed(name string, self int) (Value, bool, error) {
	c, ok := vm.program.LookupCode(name)
	if !ok {
		return Value{}, false, fmt.Errorf("%w: %q", ErrUnknownCode, name)
	}
	return vm.Run(c.Index, self)
}

// Program returns the program the VM executes.
func (vm *VM) Program() *Program { return vm.program }

// Stack returns the operand stack.
func (vm *VM) Stack() *Stack { return vm.stack }

// Variables returns the variable store.
func (vm *VM) Variables() *Variables { return vm.vars }

// MaxCallDepth returns the configured call depth bound.
func (vm *VM) MaxCallDepth() int { return vm.maxDepth }

// Global returns a global by name.
func (vm *VM) Global(name string) (Value, bool) {
	for id, n := range vm.program.Variables {
		if n == name {
			return vm.vars.Global(id)
		}
	}
	return Value{}, false
}

// Reset clears the stack and every variable tier.
func (vm *VM) Reset() {
	vm.stack.Truncate(0)
	vm.vars.Reset()
	vm.active = make(map[int]int)
}
