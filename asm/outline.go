package asm

import "strconv"

// Directives lists the dot-lines Assemble understands.
var Directives = []string{".code", ".name", ".version", ".bytecode", ".window"}

// SymbolKind tells code objects from labels.
type SymbolKind int

const (
	SymbolCode SymbolKind = iota
	SymbolLabel
)

func (k SymbolKind) String() string {
	if k == SymbolCode {
		return "code"
	}
	return "label"
}

// Symbol is a name defined in assembly source.
type Symbol struct {
	Name     string
	Kind     SymbolKind
	Line     int    // 1-based
	Code     string // enclosing code object, for labels
	ArgCount int    // for code objects
}

// Outline lists the code objects and labels defined in src in source
// order. Malformed lines are skipped, so an editor can outline a file that
// does not assemble yet.
func Outline(src string) []Symbol {
	lines, _ := splitLines(src)
	var (
		out  []Symbol
		code string
	)
	for _, ln := range lines {
		if ln.label != "" {
			out = append(out, Symbol{Name: ln.label, Kind: SymbolLabel, Line: ln.num, Code: code})
		}
		if len(ln.fields) < 2 || ln.fields[0] != ".code" || !isIdent(ln.fields[1]) {
			continue
		}
		code = ln.fields[1]
		sym := Symbol{Name: code, Kind: SymbolCode, Line: ln.num}
		if len(ln.fields) > 2 {
			sym.ArgCount, _ = strconv.Atoi(ln.fields[2])
		}
		out = append(out, sym)
	}
	return out
}
