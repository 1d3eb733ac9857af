// Package asm implements a line-oriented text form of Acorn programs.
//
// A source file declares program metadata and one or more code objects:
//
//	.name "Demo"
//	.code sum 2          ; code object "sum", callable with 2 arguments
//	    add.i.i
//	    ret.i
//	.code main
//	    push.i 2
//	    push.i 3
//	    call sum 2
//	    pop.v.i global.result
//	    exit.i
//
// Every code object is also a function of the same name. Variables are
// written scope.name and interned into the program's variable table.
// Branches name a label or give a signed word offset such as "b +3".
package asm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/acorn/vm"
)

// Error is an assembly failure on one source line.
type Error struct {
	Line int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

// ErrorList collects every error found in one source file, in line order.
type ErrorList []*Error

func (l ErrorList) Error() string {
	switch len(l) {
	case 0:
		return "no errors"
	case 1:
		return l[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", l[0].Error(), len(l)-1)
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// codeUnit is one .code block gathered by the first pass.
type codeUnit struct {
	name  string
	argc  int
	line  int
	lines []line
}

type assembler struct {
	info    vm.Info
	units   []*codeUnit
	funcs   map[string]*vm.Function
	varIDs  map[string]int
	varList []string
	errs    ErrorList
}

// Assemble parses src into a Program. On failure the error is an
// ErrorList naming every bad line.
func Assemble(src string) (*vm.Program, error) {
	a := &assembler{
		funcs:  make(map[string]*vm.Function),
		varIDs: make(map[string]int),
	}
	lines, errs := splitLines(src)
	a.errs = append(a.errs, errs...)

	// Pass 1: directives and code boundaries, so calls may refer forward.
	a.collect(lines)

	// Pass 2: instructions.
	p := &vm.Program{}
	for i, u := range a.units {
		c := a.assembleUnit(i, u)
		p.Codes = append(p.Codes, c)
	}

	if len(a.errs) > 0 {
		sort.SliceStable(a.errs, func(i, j int) bool { return a.errs[i].Line < a.errs[j].Line })
		return nil, a.errs
	}

	p.Info = a.info
	p.Variables = a.varList
	p.Functions = make([]*vm.Function, len(a.units))
	for _, fn := range a.funcs {
		p.Functions[fn.Index] = fn
	}
	return p, nil
}

func (a *assembler) errorf(ln int, format string, args ...any) {
	a.errs = append(a.errs, &Error{Line: ln, Msg: fmt.Sprintf(format, args...)})
}

func (a *assembler) collect(lines []line) {
	var cur *codeUnit
	for _, ln := range lines {
		if len(ln.fields) > 0 && strings.HasPrefix(ln.fields[0], ".") {
			if ln.label != "" {
				a.errorf(ln.num, "label %q cannot precede a directive", ln.label)
			}
			if u := a.directive(ln); u != nil {
				cur = u
			}
			continue
		}
		if cur == nil {
			a.errorf(ln.num, "instruction outside of a .code block")
			continue
		}
		cur.lines = append(cur.lines, ln)
	}
}

// directive handles a dot-line. It returns the new unit for .code.
func (a *assembler) directive(ln line) *codeUnit {
	args := ln.fields[1:]
	switch ln.fields[0] {
	case ".code":
		if len(args) < 1 || len(args) > 2 {
			a.errorf(ln.num, ".code expects a name and an optional argument count")
			return nil
		}
		name := args[0]
		if !isIdent(name) {
			a.errorf(ln.num, "invalid code name %q", name)
			return nil
		}
		if _, dup := a.funcs[name]; dup {
			a.errorf(ln.num, "code %q is already defined", name)
			return nil
		}
		argc := 0
		if len(args) == 2 {
			n, err := strconv.Atoi(args[1])
			if err != nil || n < 0 {
				a.errorf(ln.num, "invalid argument count %q", args[1])
				return nil
			}
			argc = n
		}
		u := &codeUnit{name: name, argc: argc, line: ln.num}
		idx := len(a.units)
		a.units = append(a.units, u)
		a.funcs[name] = &vm.Function{Name: name, Index: idx, Code: idx, ArgCount: argc}
		return u

	case ".name":
		if s, ok := a.stringArg(ln, args); ok {
			a.info.DisplayName = s
		}
	case ".version":
		if s, ok := a.stringArg(ln, args); ok {
			a.info.Version = s
		}
	case ".bytecode":
		if len(args) != 1 {
			a.errorf(ln.num, ".bytecode expects a version number")
			break
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			a.errorf(ln.num, "invalid bytecode version %q", args[0])
			break
		}
		a.info.BytecodeVersion = n
	case ".window":
		if len(args) != 2 {
			a.errorf(ln.num, ".window expects width and height")
			break
		}
		w, err1 := strconv.Atoi(args[0])
		h, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil || w < 0 || h < 0 {
			a.errorf(ln.num, "invalid window size %s x %s", args[0], args[1])
			break
		}
		a.info.WindowWidth, a.info.WindowHeight = w, h
	default:
		a.errorf(ln.num, "unknown directive %s", ln.fields[0])
	}
	return nil
}

func (a *assembler) stringArg(ln line, args []string) (string, bool) {
	if len(args) != 1 {
		a.errorf(ln.num, "%s expects one quoted string", ln.fields[0])
		return "", false
	}
	s, err := strconv.Unquote(args[0])
	if err != nil {
		a.errorf(ln.num, "%s: invalid string %s", ln.fields[0], args[0])
		return "", false
	}
	return s, true
}

// intern returns the id of a variable name, adding it if new.
func (a *assembler) intern(name string) int {
	if id, ok := a.varIDs[name]; ok {
		return id
	}
	id := len(a.varList)
	a.varIDs[name] = id
	a.varList = append(a.varList, name)
	return id
}

// ---------------------------------------------------------------------------
// Code objects
// ---------------------------------------------------------------------------

type labelUse struct {
	label *vm.Label
	line  int
}

func (a *assembler) assembleUnit(index int, u *codeUnit) *vm.Code {
	b := vm.NewCodeBuilder()
	labels := make(map[string]*labelUse)
	defined := make(map[string]int)

	get := func(name string, ln int) *vm.Label {
		if lu, ok := labels[name]; ok {
			return lu.label
		}
		lu := &labelUse{label: b.NewLabel(name), line: ln}
		labels[name] = lu
		return lu.label
	}

	for _, ln := range u.lines {
		if ln.label != "" {
			if prev, dup := defined[ln.label]; dup {
				a.errorf(ln.num, "label %q already defined on line %d", ln.label, prev)
			} else {
				defined[ln.label] = ln.num
				b.Mark(get(ln.label, ln.num))
			}
		}
		if len(ln.fields) == 0 {
			continue
		}
		if err := a.instruction(b, ln, get); err != nil {
			a.errorf(ln.num, "%v", err)
		}
	}

	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if lu := labels[name]; !lu.label.Resolved() {
			a.errorf(lu.line, "undefined label %q in %s", name, u.name)
		}
	}

	c, err := b.Build(u.name, index)
	if err != nil {
		// Reported above as an undefined label.
		return vm.NewCode(u.name, index, nil)
	}
	return c
}

// instruction parses one mnemonic line and emits it.
func (a *assembler) instruction(b *vm.CodeBuilder, ln line, label func(string, int) *vm.Label) error {
	parts := strings.Split(ln.fields[0], ".")
	mnemonic, suffixes := parts[0], parts[1:]
	args := ln.fields[1:]

	op, ok := vm.LookupOpcode(mnemonic)
	if !ok {
		return fmt.Errorf("unknown mnemonic %q", mnemonic)
	}
	info, _ := op.Info()

	types := make([]vm.DataType, len(suffixes))
	for i, s := range suffixes {
		t, ok := vm.DataTypeForSuffix(s)
		if !ok {
			return fmt.Errorf("unknown type suffix %q", s)
		}
		types[i] = t
	}

	want := func(nTypes, nArgs int) error {
		if len(types) != nTypes {
			return fmt.Errorf("%s takes %d type suffix(es), got %d", mnemonic, nTypes, len(types))
		}
		if len(args) != nArgs {
			return fmt.Errorf("%s takes %d operand(s), got %d", mnemonic, nArgs, len(args))
		}
		return nil
	}

	switch info.Category {
	case vm.CategorySingle:
		if err := want(1, 0); err != nil {
			return err
		}
		b.Op1(op, types[0])

	case vm.CategoryDouble:
		if err := want(2, 0); err != nil {
			return err
		}
		b.Op2(op, types[0], types[1])

	case vm.CategoryComparison:
		if err := want(2, 1); err != nil {
			return err
		}
		rel, ok := vm.ComparisonForName(args[0])
		if !ok {
			return fmt.Errorf("unknown comparison %q", args[0])
		}
		b.Cmp(rel, types[0], types[1])

	case vm.CategoryGoto:
		if len(types) != 0 {
			return fmt.Errorf("%s takes no type suffix", mnemonic)
		}
		if op == vm.OpPopEnv && len(args) == 0 {
			b.Emit(vm.Goto{Op: op})
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("%s takes a label or offset", mnemonic)
		}
		if target := args[0]; target[0] == '+' || target[0] == '-' {
			off, err := strconv.ParseInt(target, 10, 32)
			if err != nil {
				return fmt.Errorf("invalid offset %q", target)
			}
			b.Emit(vm.Goto{Op: op, Offset: int32(off)})
			return nil
		}
		if !isIdent(args[0]) {
			return fmt.Errorf("invalid label %q", args[0])
		}
		b.Branch(op, label(args[0], ln.num))

	case vm.CategoryPop:
		if err := want(2, 1); err != nil {
			return err
		}
		ref, err := a.parseRef(args[0])
		if err != nil {
			return err
		}
		b.Emit(vm.Pop{Type1: types[0], Type2: types[1], Instance: ref.Instance, Dest: ref})

	case vm.CategoryPush:
		if err := want(1, 1); err != nil {
			return err
		}
		v, err := a.parseOperand(types[0], args[0])
		if err != nil {
			return err
		}
		if op == vm.OpPushI && v.Kind() != vm.KindInt16 {
			return fmt.Errorf("pushi only takes 16-bit immediates (.e)")
		}
		b.Emit(vm.Push{Op: op, Value: v})

	case vm.CategoryCall:
		if len(types) > 1 {
			return fmt.Errorf("call takes at most one type suffix")
		}
		if len(args) != 2 {
			return fmt.Errorf("call takes a function name and an argument count")
		}
		fn, ok := a.funcs[args[0]]
		if !ok {
			return fmt.Errorf("call of undefined function %q", args[0])
		}
		argc, err := strconv.Atoi(args[1])
		if err != nil || argc < 0 {
			return fmt.Errorf("invalid argument count %q", args[1])
		}
		b.Emit(vm.Call{Function: fn.Index, ArgCount: argc, Name: fn.Name})

	case vm.CategoryBreak:
		var sig int64
		if len(args) > 1 {
			return fmt.Errorf("break takes at most one signal")
		}
		if len(args) == 1 {
			n, err := strconv.ParseInt(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid break signal %q", args[0])
			}
			sig = n
		}
		b.Emit(vm.Break{Signal: int16(sig)})
	}
	return nil
}

// parseRef parses scope.name, interning name.
func (a *assembler) parseRef(s string) (vm.VariableRef, error) {
	dot := strings.IndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return vm.VariableRef{}, fmt.Errorf("variable %q must be written scope.name", s)
	}
	scope, name := s[:dot], s[dot+1:]
	inst, ok := vm.ParseInstanceType(scope)
	if !ok {
		return vm.VariableRef{}, fmt.Errorf("unknown scope %q", scope)
	}
	if !isIdent(name) {
		return vm.VariableRef{}, fmt.Errorf("invalid variable name %q", name)
	}
	return vm.VariableRef{ID: a.intern(name), Name: name, Instance: inst}, nil
}

// parseOperand parses a push operand of type t.
func (a *assembler) parseOperand(t vm.DataType, s string) (vm.Value, error) {
	bad := func() (vm.Value, error) {
		return vm.Value{}, fmt.Errorf("invalid %s literal %q", t, s)
	}
	switch t {
	case vm.TypeDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return bad()
		}
		return vm.FromDouble(f), nil
	case vm.TypeFloat:
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return bad()
		}
		return vm.FromFloat(float32(f)), nil
	case vm.TypeInt16:
		n, err := strconv.ParseInt(s, 0, 16)
		if err != nil {
			return bad()
		}
		return vm.FromInt16(int16(n)), nil
	case vm.TypeInt32:
		n, err := strconv.ParseInt(s, 0, 32)
		if err != nil {
			return bad()
		}
		return vm.FromInt32(int32(n)), nil
	case vm.TypeInt64:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return bad()
		}
		return vm.FromInt64(n), nil
	case vm.TypeBoolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return bad()
		}
		return vm.FromBool(b), nil
	case vm.TypeString:
		str, err := strconv.Unquote(s)
		if err != nil {
			return bad()
		}
		return vm.FromString(str), nil
	case vm.TypeVariable:
		ref, err := a.parseRef(s)
		if err != nil {
			return vm.Value{}, err
		}
		return vm.FromVariable(ref), nil
	}
	return bad()
}
