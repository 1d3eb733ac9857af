package asm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Line splitting
// ---------------------------------------------------------------------------

// line is one source line broken into its parts.
type line struct {
	num    int      // 1-based line number
	label  string   // "loop" for "loop:", empty if none
	fields []string // mnemonic followed by operands; quoted strings stay quoted
}

// splitLines breaks src into lines, dropping comments and blank lines.
func splitLines(src string) ([]line, []*Error) {
	var (
		out  []line
		errs []*Error
	)
	for i, raw := range strings.Split(src, "\n") {
		num := i + 1
		fields, err := splitFields(raw)
		if err != nil {
			errs = append(errs, &Error{Line: num, Msg: err.Error()})
			continue
		}
		if len(fields) == 0 {
			continue
		}
		ln := line{num: num}
		if first := fields[0]; strings.HasSuffix(first, ":") && !strings.HasPrefix(first, "\"") {
			ln.label = strings.TrimSuffix(first, ":")
			if !isIdent(ln.label) {
				errs = append(errs, &Error{Line: num, Msg: fmt.Sprintf("invalid label %q", ln.label)})
				continue
			}
			fields = fields[1:]
		}
		ln.fields = fields
		out = append(out, ln)
	}
	return out, errs
}

// splitFields splits one line on whitespace. A ';' outside a string starts
// a comment. Double-quoted strings keep their quotes and escapes.
func splitFields(s string) ([]string, error) {
	var (
		fields []string
		cur    strings.Builder
		inStr  bool
		escape bool
	)
	flush := func() {
		if cur.Len() > 0 {
			fields = append(fields, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if inStr {
			cur.WriteRune(r)
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == '"':
				inStr = false
			}
			continue
		}
		switch r {
		case ';':
			flush()
			return fields, nil
		case ' ', '\t', '\r':
			flush()
		case '"':
			inStr = true
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if inStr {
		return nil, fmt.Errorf("unterminated string")
	}
	flush()
	return fields, nil
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_' || r == '$' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
