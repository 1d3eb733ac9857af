package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/peterh/liner"

	"github.com/chazu/acorn/asm"
	"github.com/chazu/acorn/vm"
)

// replCode names the code object each evaluated snippet is assembled into.
const replCode = "__repl"

// session is the REPL state: the definitions entered so far and a VM over
// the program they assemble to. Redefining code rebuilds the VM; globals
// and instance variables are carried over by name.
type session struct {
	defs     string
	machine  *vm.VM
	opts     []vm.Option
	profiler *vm.Profiler // reset before each run, may be nil
	out      io.Writer
}

func newSession(p *vm.Program, opts []vm.Option, out io.Writer) *session {
	s := &session{opts: opts, out: out}
	if p == nil {
		p = &vm.Program{}
	} else {
		s.defs = asm.Disassemble(p)
	}
	s.machine = vm.New(p, opts...)
	return s
}

// define adds .code blocks (or directives) to the session.
func (s *session) define(src string) error {
	defs := joinSource(s.defs, src)
	p, err := assembleAt(defs, s.defs)
	if err != nil {
		return err
	}
	s.swap(p)
	s.defs = defs
	names := make([]string, 0)
	for _, sym := range asm.Outline(src) {
		if sym.Kind == asm.SymbolCode {
			names = append(names, sym.Name)
		}
	}
	if len(names) > 0 {
		fmt.Fprintf(s.out, "Defined %s\n", nameColor.Sprint(strings.Join(names, ", ")))
	}
	return nil
}

// eval assembles snippet as a throwaway code object, runs it, and prints
// the returned value and anything it left on the stack.
func (s *session) eval(snippet string) error {
	body := snippet
	if !endsWithTerminator(snippet) {
		body += "\n    exit.i"
	}
	unit := ".code " + replCode + "\n" + body
	p, err := assembleAt(joinSource(s.defs, unit), joinSource(s.defs, ".code "+replCode))
	if err != nil {
		return err
	}
	s.swap(p)

	s.resetBudget()
	base := s.machine.Stack().Len()
	v, ok, err := s.machine.RunNamed(replCode, 0)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(s.out, "%s %s\n", faintColor.Sprint("=>"), valueColor.Sprint(v))
	}
	if left := s.machine.Stack().Values(); len(left) > base {
		for _, v := range left[base:] {
			fmt.Fprintf(s.out, "%s %s\n", faintColor.Sprint("stack:"), valueColor.Sprint(v))
		}
		s.machine.Stack().Truncate(base)
	}
	return nil
}

func (s *session) resetBudget() {
	if s.profiler != nil {
		s.profiler.Reset()
	}
}

// load replaces the session with the program at path.
func (s *session) load(path string) error {
	p, err := loadProgram(path)
	if err != nil {
		return err
	}
	s.defs = asm.Disassemble(p)
	s.machine = vm.New(p, s.opts...)
	fmt.Fprintf(s.out, "Loaded %s (%d codes)\n", path, len(p.Codes))
	return nil
}

// swap moves to a new program, keeping variables whose names still exist.
func (s *session) swap(p *vm.Program) {
	next := vm.New(p, s.opts...)
	carryOver(s.machine, next)
	s.machine = next
}

// carryOver copies globals and instance variables from one VM to another,
// matching variables by name.
func carryOver(from, to *vm.VM) {
	ids := make(map[string]int, len(to.Program().Variables))
	for id, name := range to.Program().Variables {
		ids[name] = id
	}
	src := from.Program()
	dst := to.Variables()
	for id, v := range from.Variables().Globals() {
		if nid, ok := ids[src.VariableName(id)]; ok {
			dst.SetGlobal(nid, v)
		}
	}
	for k, v := range from.Variables().Instances() {
		if nid, ok := ids[src.VariableName(k.Variable)]; ok {
			dst.SetInstance(nid, k.Instance, v)
		}
	}
}

// assembleAt assembles src and renumbers error lines so they count from
// the end of prefix, which the user never typed.
func assembleAt(src, prefix string) (*vm.Program, error) {
	p, err := asm.Assemble(src)
	if err == nil {
		return p, nil
	}
	var list asm.ErrorList
	if !errors.As(err, &list) {
		return nil, err
	}
	offset := 0
	if prefix != "" {
		offset = strings.Count(strings.TrimRight(prefix, "\n"), "\n") + 1
	}
	out := make(asm.ErrorList, 0, len(list))
	for _, e := range list {
		line := e.Line - offset
		if line < 1 {
			line = 1
		}
		out = append(out, &asm.Error{Line: line, Msg: e.Msg})
	}
	return nil, out
}

func joinSource(a, b string) string {
	if a == "" {
		return b
	}
	return strings.TrimRight(a, "\n") + "\n" + b
}

func isDefinition(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), ".")
}

// endsWithTerminator reports whether the last instruction of src is ret
// or exit.
func endsWithTerminator(src string) bool {
	lines := strings.Split(src, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		ln := lines[i]
		if j := strings.IndexByte(ln, ';'); j >= 0 {
			ln = ln[:j]
		}
		fields := strings.Fields(ln)
		if len(fields) == 0 || strings.HasSuffix(fields[0], ":") {
			continue
		}
		mnemonic, _, _ := strings.Cut(fields[0], ".")
		return mnemonic == "ret" || mnemonic == "exit"
	}
	return false
}

// command runs a colon command. It returns true when the REPL should quit.
func (s *session) command(line string) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q":
		return true, nil
	case ":help", ":h":
		printREPLHelp(s.out)
	case ":globals":
		printVariables(s.out, s.machine)
	case ":disasm":
		p := s.machine.Program()
		if len(fields) < 2 {
			printListing(s.out, p)
			return false, nil
		}
		c, ok := p.LookupCode(fields[1])
		if !ok {
			return false, fmt.Errorf("no code object named %q", fields[1])
		}
		fmt.Fprint(s.out, colorizeListing(asm.DisassembleCode(p, c)))
	case ":codes":
		names := make([]string, 0, len(s.machine.Program().Codes))
		for _, c := range s.machine.Program().Codes {
			if c != nil && c.Name != replCode {
				names = append(names, c.Name)
			}
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Fprintln(s.out, nameColor.Sprint(n))
		}
	case ":run":
		if len(fields) < 2 {
			return false, errors.New("usage: :run <code> [self]")
		}
		self := 0
		if len(fields) > 2 {
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return false, fmt.Errorf("bad instance id %q", fields[2])
			}
			self = n
		}
		s.resetBudget()
		if _, err := runEntry(s.out, s.machine, fields[1], self); err != nil {
			return false, err
		}
	case ":load":
		if len(fields) < 2 {
			return false, errors.New("usage: :load <file>")
		}
		return false, s.load(fields[1])
	case ":reset":
		s.machine.Reset()
		fmt.Fprintln(s.out, "Variables and stack cleared")
	default:
		return false, fmt.Errorf("unknown command %s (try :help)", fields[0])
	}
	return false, nil
}

func printREPLHelp(w io.Writer) {
	fmt.Fprintln(w, "Enter instructions to run them; a blank line (or ret/exit) runs the buffer.")
	fmt.Fprintln(w, "Input starting with a directive such as .code is kept as a definition.")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  :help              Show this help")
	fmt.Fprintln(w, "  :run <code> [self] Run a code object")
	fmt.Fprintln(w, "  :codes             List code objects")
	fmt.Fprintln(w, "  :disasm [code]     Show the program or one code object")
	fmt.Fprintln(w, "  :globals           Show globals and instance variables")
	fmt.Fprintln(w, "  :load <file>       Replace the program")
	fmt.Fprintln(w, "  :reset             Clear variables and the stack")
	fmt.Fprintln(w, "  :quit              Exit the REPL")
}

// submit handles one complete buffer of input.
func (s *session) submit(input string) error {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	if isDefinition(input) {
		return s.define(input)
	}
	return s.eval(input)
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".acorn_history")
}

func runREPL(p *vm.Program, opts []vm.Option, stepLimit uint64) error {
	var profiler *vm.Profiler
	if stepLimit > 0 {
		profiler = vm.NewProfiler(stepLimit)
		opts = append(opts, vm.WithHook(profiler))
	}
	s := newSession(p, opts, os.Stdout)
	s.profiler = profiler

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	hist := historyPath()
	if hist != "" {
		if f, err := os.Open(hist); err == nil {
			ln.ReadHistory(f)
			f.Close()
		}
	}
	defer func() {
		if hist == "" {
			return
		}
		if f, err := os.Create(hist); err == nil {
			ln.WriteHistory(f)
			f.Close()
		}
	}()

	ln.SetCompleter(func(line string) []string {
		prefix := strings.TrimSpace(line)
		if prefix == "" {
			return nil
		}
		var out []string
		for _, op := range vm.Opcodes() {
			info, _ := op.Info()
			if strings.HasPrefix(info.Name, prefix) {
				out = append(out, info.Name)
			}
		}
		return out
	})

	name := "Acorn"
	if p != nil && p.Info.DisplayName != "" {
		name = p.Info.DisplayName
	}
	fmt.Printf("%s REPL (:help for commands, :quit to exit)\n", keywordColor.Sprint(name))

	var buf strings.Builder
	for {
		prompt := "acorn> "
		if buf.Len() > 0 {
			prompt = "  ...> "
		}
		line, err := ln.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				buf.Reset()
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}

		trimmed := strings.TrimSpace(line)
		if buf.Len() == 0 && strings.HasPrefix(trimmed, ":") {
			ln.AppendHistory(line)
			quit, err := s.command(trimmed)
			if err != nil {
				errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if trimmed != "" {
			ln.AppendHistory(line)
			buf.WriteString(line)
			buf.WriteString("\n")
			// A terminator ends an immediate snippet; definitions wait for a
			// blank line since they may hold several code objects.
			if isDefinition(buf.String()) || !endsWithTerminator(line) {
				continue
			}
		}

		input := buf.String()
		buf.Reset()
		if err := s.submit(input); err != nil {
			reportREPLError(err)
		}
	}
}

func reportREPLError(err error) {
	var list asm.ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			errorColor.Fprintf(os.Stderr, "line %d: %s\n", e.Line, e.Msg)
		}
		return
	}
	errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
}
