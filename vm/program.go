package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Code objects
// ---------------------------------------------------------------------------

// Code is an immutable, indexed sequence of instructions representing one
// compiled routine.
type Code struct {
	Name         string
	Index        int
	Instructions []Instruction

	addrs  []int       // word address of each instruction
	byAddr map[int]int // word address -> instruction index
	words  int         // total size in words
}

// NewCode creates a code object and precomputes instruction addresses.
func NewCode(name string, index int, instrs []Instruction) *Code {
	c := &Code{
		Name:         name,
		Index:        index,
		Instructions: instrs,
		addrs:        make([]int, len(instrs)),
		byAddr:       make(map[int]int, len(instrs)),
	}
	addr := 0
	for i, in := range instrs {
		c.addrs[i] = addr
		c.byAddr[addr] = i
		addr += in.Size()
	}
	c.words = addr
	return c
}

// Len returns the number of instructions.
func (c *Code) Len() int { return len(c.Instructions) }

// Words returns the encoded size of the code object in words.
func (c *Code) Words() int { return c.words }

// Address returns the word address of instruction pc.
func (c *Code) Address(pc int) int {
	return c.addrs[pc]
}

// IndexAt maps a word address back to an instruction index.
func (c *Code) IndexAt(addr int) (int, bool) {
	i, ok := c.byAddr[addr]
	return i, ok
}

// BranchTarget resolves a jump taken by the instruction at pc. The result
// may equal Len() when the jump lands just past the last instruction.
func (c *Code) BranchTarget(pc int, offset int32) (int, error) {
	addr := c.addrs[pc] + int(offset)
	if addr == c.words {
		return len(c.Instructions), nil
	}
	target, ok := c.byAddr[addr]
	if !ok {
		return 0, fmt.Errorf("%w: branch from word %d by %+d lands on word %d, not an instruction boundary",
			ErrMalformedCode, c.addrs[pc], offset, addr)
	}
	return target, nil
}

// ---------------------------------------------------------------------------
// Functions and the program tables
// ---------------------------------------------------------------------------

// Function maps a callable identifier to its entry code object.
type Function struct {
	Name     string
	Index    int
	Code     int // entry code object index
	ArgCount int
}

// Info is program metadata produced by the loader. The engine never
// consumes it.
type Info struct {
	DisplayName     string
	Version         string
	BytecodeVersion int
	WindowWidth     int
	WindowHeight    int
}

// Program holds the read-only tables a VM executes against. A Program is
// never mutated after construction and may be shared by several VMs.
type Program struct {
	Info      Info
	Codes     []*Code
	Functions []*Function
	Variables []string // variable names by id, for listings
}

// CodeAt returns code object id, or ErrUnknownCode.
func (p *Program) CodeAt(id int) (*Code, error) {
	if id < 0 || id >= len(p.Codes) || p.Codes[id] == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownCode, id)
	}
	return p.Codes[id], nil
}

// FunctionAt returns function id, or ErrUnresolvedFunction.
func (p *Program) FunctionAt(id int) (*Function, error) {
	if id < 0 || id >= len(p.Functions) || p.Functions[id] == nil {
		return nil, fmt.Errorf("%w: function #%d", ErrUnresolvedFunction, id)
	}
	return p.Functions[id], nil
}

// LookupCode finds a code object by name.
func (p *Program) LookupCode(name string) (*Code, bool) {
	for _, c := range p.Codes {
		if c != nil && c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// LookupFunction finds a function by name.
func (p *Program) LookupFunction(name string) (*Function, bool) {
	for _, f := range p.Functions {
		if f != nil && f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// VariableName returns the name of variable id, or "" if unknown.
func (p *Program) VariableName(id int) string {
	if id < 0 || id >= len(p.Variables) {
		return ""
	}
	return p.Variables[id]
}
