package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/chazu/acorn/asm"
	"github.com/chazu/acorn/image"
	"github.com/chazu/acorn/vm"
)

var (
	errorColor   = color.New(color.FgRed)
	valueColor   = color.New(color.FgCyan)
	nameColor    = color.New(color.FgGreen)
	faintColor   = color.New(color.Faint)
	keywordColor = color.New(color.FgYellow)
)

// loadProgram reads a program from path. Files starting with the image
// magic are decoded as images; anything else is assembled as source.
func loadProgram(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if image.IsImage(data) {
		return image.Decode(data)
	}
	return asm.Assemble(string(data))
}

// reportLoadError prints assembly errors one per line, prefixed with the
// file name the way compilers do.
func reportLoadError(path string, err error) {
	var list asm.ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			errorColor.Fprintf(os.Stderr, "%s:%d: %s\n", path, e.Line, e.Msg)
		}
		return
	}
	errorColor.Fprintf(os.Stderr, "Error loading %s: %v\n", path, err)
}

// runEntry runs entry (default main) and prints what it returned. The
// returned exit code is the entry's result when that is a small integer.
func runEntry(w io.Writer, machine *vm.VM, entry string, self int) (int, error) {
	if entry == "" {
		entry = "main"
	}
	v, ok, err := machine.RunNamed(entry, self)
	if err != nil {
		return 1, err
	}
	if !ok {
		return 0, nil
	}
	fmt.Fprintf(w, "%s %s\n", faintColor.Sprint("=>"), valueColor.Sprint(v))
	return exitCode(v), nil
}

// bannerLine describes program metadata, or returns "" if there is none.
func bannerLine(info vm.Info) string {
	var parts []string
	if info.DisplayName != "" {
		parts = append(parts, info.DisplayName)
	}
	if info.Version != "" {
		parts = append(parts, "v"+info.Version)
	}
	if info.BytecodeVersion != 0 {
		parts = append(parts, fmt.Sprintf("bytecode %d", info.BytecodeVersion))
	}
	if info.WindowWidth != 0 || info.WindowHeight != 0 {
		parts = append(parts, fmt.Sprintf("%dx%d", info.WindowWidth, info.WindowHeight))
	}
	return strings.Join(parts, ", ")
}

func exitCode(v vm.Value) int {
	if !v.Kind().IsInteger() {
		return 0
	}
	n := v.Int64()
	switch v.Kind() {
	case vm.KindInt16:
		n = int64(v.Int16())
	case vm.KindInt32:
		n = int64(v.Int32())
	}
	if n < 0 || n > 255 {
		return 0
	}
	return int(n)
}

// printListing writes the program as assembly, highlighting directives,
// labels and comments.
func printListing(w io.Writer, p *vm.Program) {
	fmt.Fprint(w, colorizeListing(asm.Disassemble(p)))
}

func colorizeListing(src string) string {
	if color.NoColor {
		return src
	}
	lines := strings.SplitAfter(src, "\n")
	var sb strings.Builder
	for _, ln := range lines {
		body := strings.TrimRight(ln, "\n")
		nl := ln[len(body):]
		trimmed := strings.TrimSpace(body)
		switch {
		case trimmed == "":
			sb.WriteString(body)
		case strings.HasPrefix(trimmed, ";"):
			sb.WriteString(faintColor.Sprint(body))
		case strings.HasPrefix(trimmed, "."):
			sb.WriteString(keywordColor.Sprint(body))
		case strings.HasSuffix(trimmed, ":"):
			sb.WriteString(nameColor.Sprint(body))
		default:
			sb.WriteString(body)
		}
		sb.WriteString(nl)
	}
	return sb.String()
}

// printVariables writes globals then instance variables, sorted by name.
func printVariables(w io.Writer, machine *vm.VM) {
	p := machine.Program()
	vars := machine.Variables()

	fmt.Fprintln(w, keywordColor.Sprint("Globals:"))
	globals := vars.Globals()
	names := make([]string, 0, len(globals))
	byName := make(map[string]vm.Value, len(globals))
	for id, v := range globals {
		name := variableLabel(p, id)
		names = append(names, name)
		byName[name] = v
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %s\n", nameColor.Sprint(name), valueColor.Sprint(byName[name]))
	}

	instances := vars.Instances()
	if len(instances) == 0 {
		return
	}
	fmt.Fprintln(w, keywordColor.Sprint("Instances:"))
	keys := make([]vm.InstanceKey, 0, len(instances))
	for k := range instances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Instance != keys[j].Instance {
			return keys[i].Instance < keys[j].Instance
		}
		return variableLabel(p, keys[i].Variable) < variableLabel(p, keys[j].Variable)
	})
	for _, k := range keys {
		fmt.Fprintf(w, "  %d.%s = %s\n", k.Instance, nameColor.Sprint(variableLabel(p, k.Variable)), valueColor.Sprint(instances[k]))
	}
}

func variableLabel(p *vm.Program, id int) string {
	if name := p.VariableName(id); name != "" {
		return name
	}
	return fmt.Sprintf("var#%d", id)
}

// printProfile writes step totals and the busiest code objects.
func printProfile(w io.Writer, profiler *vm.Profiler) {
	stats := profiler.Stats()
	fmt.Fprintf(w, "%s %d steps, %d breaks\n", keywordColor.Sprint("Profile:"), stats.Steps, stats.Breaks)
	for _, name := range profiler.TopCodes(10) {
		fmt.Fprintf(w, "  %-24s %d\n", name, stats.ByCode[name])
	}

	ops := make([]vm.Opcode, 0, len(stats.ByOpcode))
	for op := range stats.ByOpcode {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool {
		if stats.ByOpcode[ops[i]] != stats.ByOpcode[ops[j]] {
			return stats.ByOpcode[ops[i]] > stats.ByOpcode[ops[j]]
		}
		return ops[i] < ops[j]
	})
	if len(ops) > 10 {
		ops = ops[:10]
	}
	for _, op := range ops {
		fmt.Fprintf(w, "  %-24s %d\n", faintColor.Sprint(op), stats.ByOpcode[op])
	}
}
