package asm

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/acorn/vm"
)

// Disassemble renders p in the syntax Assemble accepts. Assembling the
// result yields an equivalent program.
func Disassemble(p *vm.Program) string {
	var sb strings.Builder
	info := p.Info
	if info.DisplayName != "" {
		fmt.Fprintf(&sb, ".name %s\n", strconv.Quote(info.DisplayName))
	}
	if info.Version != "" {
		fmt.Fprintf(&sb, ".version %s\n", strconv.Quote(info.Version))
	}
	if info.BytecodeVersion != 0 {
		fmt.Fprintf(&sb, ".bytecode %d\n", info.BytecodeVersion)
	}
	if info.WindowWidth != 0 || info.WindowHeight != 0 {
		fmt.Fprintf(&sb, ".window %d %d\n", info.WindowWidth, info.WindowHeight)
	}

	argc := make(map[int]int)
	for _, fn := range p.Functions {
		if fn != nil && fn.Code == fn.Index {
			argc[fn.Code] = fn.ArgCount
		}
	}
	for i, c := range p.Codes {
		if c == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		writeCode(&sb, p, c, argc[i])
	}
	return sb.String()
}

// DisassembleCode renders one code object with a header comment that
// lists word addresses.
func DisassembleCode(p *vm.Program, c *vm.Code) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; === %s (code %d, %d instructions, %d words) ===\n", c.Name, c.Index, c.Len(), c.Words())
	labels := branchLabels(c)
	for pc, in := range c.Instructions {
		if name, ok := labels[pc]; ok {
			fmt.Fprintf(&sb, "%s:\n", name)
		}
		fmt.Fprintf(&sb, "    %-32s ; %04X\n", render(p, c, pc, in, labels), c.Address(pc))
	}
	if name, ok := labels[c.Len()]; ok {
		fmt.Fprintf(&sb, "%s:\n", name)
	}
	return sb.String()
}

func writeCode(sb *strings.Builder, p *vm.Program, c *vm.Code, argc int) {
	if argc > 0 {
		fmt.Fprintf(sb, ".code %s %d\n", c.Name, argc)
	} else {
		fmt.Fprintf(sb, ".code %s\n", c.Name)
	}
	labels := branchLabels(c)
	for pc, in := range c.Instructions {
		if name, ok := labels[pc]; ok {
			fmt.Fprintf(sb, "%s:\n", name)
		}
		fmt.Fprintf(sb, "    %s\n", render(p, c, pc, in, labels))
	}
	// A branch may target the word just past the last instruction.
	if name, ok := labels[c.Len()]; ok {
		fmt.Fprintf(sb, "%s:\n", name)
	}
}

// branchLabels names every instruction index that a branch targets.
func branchLabels(c *vm.Code) map[int]string {
	var targets []int
	seen := make(map[int]bool)
	for pc, in := range c.Instructions {
		g, ok := in.(vm.Goto)
		if !ok || (g.Op == vm.OpPopEnv && g.Offset == 0) {
			continue
		}
		t, err := c.BranchTarget(pc, g.Offset)
		if err != nil || seen[t] {
			continue
		}
		seen[t] = true
		targets = append(targets, t)
	}
	sort.Ints(targets)
	labels := make(map[int]string, len(targets))
	for i, t := range targets {
		labels[t] = "L" + strconv.Itoa(i)
	}
	return labels
}

func render(p *vm.Program, c *vm.Code, pc int, in vm.Instruction, labels map[int]string) string {
	switch in := in.(type) {
	case vm.Goto:
		if in.Op == vm.OpPopEnv && in.Offset == 0 {
			return "popenv"
		}
		if t, err := c.BranchTarget(pc, in.Offset); err == nil {
			return in.Op.String() + " " + labels[t]
		}
		return in.String()
	case vm.Pop:
		if in.Dest.Name == "" {
			in.Dest.Name = p.VariableName(in.Dest.ID)
		}
		return in.String()
	case vm.Push:
		if ref := in.Value.Variable(); ref != nil && ref.Name == "" {
			named := *ref
			named.Name = p.VariableName(ref.ID)
			in.Value = vm.FromVariable(named)
		}
		return in.String()
	case vm.Call:
		if in.Name == "" {
			if fn, err := p.FunctionAt(in.Function); err == nil {
				in.Name = fn.Name
			}
		}
		return in.String()
	}
	return in.String()
}
