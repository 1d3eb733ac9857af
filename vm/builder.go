package vm

import "fmt"

// ---------------------------------------------------------------------------
// CodeBuilder: helper for constructing code objects
// ---------------------------------------------------------------------------

// CodeBuilder accumulates instructions for one code object and resolves
// branch labels into word offsets.
type CodeBuilder struct {
	instrs []Instruction
	words  int
	labels []*Label
}

// NewCodeBuilder creates an empty builder.
func NewCodeBuilder() *CodeBuilder {
	return &CodeBuilder{instrs: make([]Instruction, 0, 32)}
}

// Len returns the number of instructions emitted so far.
func (b *CodeBuilder) Len() int { return len(b.instrs) }

// Words returns the current size in words, which is also the address of
// the next instruction.
func (b *CodeBuilder) Words() int { return b.words }

// Emit appends an instruction.
func (b *CodeBuilder) Emit(in Instruction) *CodeBuilder {
	b.instrs = append(b.instrs, in)
	b.words += in.Size()
	return b
}

// PushInt16 emits pushi.e n.
func (b *CodeBuilder) PushInt16(n int16) *CodeBuilder {
	return b.Emit(Push{Op: OpPushI, Value: FromInt16(n)})
}

// PushValue emits push with a literal operand.
func (b *CodeBuilder) PushValue(v Value) *CodeBuilder {
	return b.Emit(Push{Op: OpPush, Value: v})
}

// PushVar emits a load of ref.
func (b *CodeBuilder) PushVar(ref VariableRef) *CodeBuilder {
	op := OpPush
	switch ref.Instance {
	case InstanceLocal:
		op = OpPushLoc
	case InstanceGlobal:
		op = OpPushGlb
	case InstanceBuiltin:
		op = OpPushBltn
	}
	return b.Emit(Push{Op: op, Value: FromVariable(ref)})
}

// PopVar emits a store of a value of type t into ref.
func (b *CodeBuilder) PopVar(t DataType, ref VariableRef) *CodeBuilder {
	return b.Emit(Pop{Type1: TypeVariable, Type2: t, Instance: ref.Instance, Dest: ref})
}

// Op1 emits a single-type instruction.
func (b *CodeBuilder) Op1(op Opcode, t DataType) *CodeBuilder {
	return b.Emit(SingleType{Op: op, Type: t})
}

// Op2 emits a double-type instruction.
func (b *CodeBuilder) Op2(op Opcode, t1, t2 DataType) *CodeBuilder {
	return b.Emit(DoubleType{Op: op, Type1: t1, Type2: t2})
}

// Cmp emits a comparison.
func (b *CodeBuilder) Cmp(rel ComparisonType, t1, t2 DataType) *CodeBuilder {
	return b.Emit(Comparison{Relation: rel, Type1: t1, Type2: t2})
}

// CallFunc emits a call of function fn with argc operands.
func (b *CodeBuilder) CallFunc(fn *Function, argc int) *CodeBuilder {
	return b.Emit(Call{Function: fn.Index, ArgCount: argc, Name: fn.Name})
}

// ---------------------------------------------------------------------------
// Label management for branches
// ---------------------------------------------------------------------------

// Label is a branch target inside the code object being built.
type Label struct {
	Name     string
	resolved bool
	addr     int   // word address once resolved
	refs     []int // indices of Goto instructions waiting for this label
}

// NewLabel creates an unresolved label.
func (b *CodeBuilder) NewLabel(name string) *Label {
	l := &Label{Name: name}
	b.labels = append(b.labels, l)
	return l
}

// Resolved reports whether the label has been marked.
func (l *Label) Resolved() bool { return l.resolved }

// Mark resolves a label to the address of the next instruction and patches
// every branch already emitted against it.
func (b *CodeBuilder) Mark(l *Label) {
	if l.resolved {
		panic("label already resolved: " + l.Name)
	}
	l.resolved = true
	l.addr = b.words
	for _, ref := range l.refs {
		g := b.instrs[ref].(Goto)
		g.Offset = int32(l.addr - b.addressOf(ref))
		b.instrs[ref] = g
	}
	l.refs = nil
}

// Branch emits a goto-shaped instruction (b, bt, bf, pushenv, popenv)
// targeting l.
func (b *CodeBuilder) Branch(op Opcode, l *Label) *CodeBuilder {
	g := Goto{Op: op}
	if l.resolved {
		g.Offset = int32(l.addr - b.words)
	} else {
		l.refs = append(l.refs, len(b.instrs))
	}
	return b.Emit(g)
}

func (b *CodeBuilder) addressOf(index int) int {
	addr := 0
	for _, in := range b.instrs[:index] {
		addr += in.Size()
	}
	return addr
}

// Build finalizes the code object. Every label referenced by a branch
// must have been marked.
func (b *CodeBuilder) Build(name string, index int) (*Code, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("code %s: label %q is never defined", name, l.Name)
		}
	}
	instrs := make([]Instruction, len(b.instrs))
	copy(instrs, b.instrs)
	return NewCode(name, index, instrs), nil
}
