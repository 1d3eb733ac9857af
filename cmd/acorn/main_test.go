package main

import (
	"bytes"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/chazu/acorn/asm"
	"github.com/chazu/acorn/image"
	"github.com/chazu/acorn/server"
	"github.com/chazu/acorn/vm"
)

func init() {
	color.NoColor = true
}

const cliSource = `.name "cli test"
.code square 1
    dup.i
    mul.i.i
    ret.i

.code main
    push.i 7
    call square 1
    pop.v.i global.result
    pushglb.v global.result
    ret.i

.code quiet
    exit.i
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mustAssemble(t *testing.T, src string) *vm.Program {
	t.Helper()
	p, err := asm.Assemble(src)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	return p
}

func TestLoadProgramSource(t *testing.T) {
	p, err := loadProgram(writeFile(t, "prog.gmasm", cliSource))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.LookupCode("square"); !ok {
		t.Error("square missing")
	}
}

func TestLoadProgramImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog.acrn")
	if err := image.WriteFile(path, mustAssemble(t, cliSource)); err != nil {
		t.Fatal(err)
	}
	p, err := loadProgram(path)
	if err != nil {
		t.Fatal(err)
	}
	if p.Info.DisplayName != "cli test" {
		t.Errorf("name = %q", p.Info.DisplayName)
	}
}

func TestLoadProgramErrors(t *testing.T) {
	_, err := loadProgram(writeFile(t, "bad.gmasm", ".code main\n    frob.i\n"))
	var list asm.ErrorList
	if !errors.As(err, &list) || list[0].Line != 2 {
		t.Errorf("got %v, want an error on line 2", err)
	}
	if _, err := loadProgram(filepath.Join(t.TempDir(), "missing.gmasm")); err == nil {
		t.Error("loading a missing file succeeded")
	}
}

func TestRunEntry(t *testing.T) {
	machine := vm.New(mustAssemble(t, cliSource))
	var out bytes.Buffer

	code, err := runEntry(&out, machine, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if code != 49 {
		t.Errorf("exit code = %d, want 49", code)
	}
	if !strings.Contains(out.String(), "Int32(49)") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	code, err = runEntry(&out, machine, "quiet", 0)
	if err != nil || code != 0 || out.Len() != 0 {
		t.Errorf("quiet: code=%d err=%v out=%q", code, err, out.String())
	}

	if _, err := runEntry(&out, machine, "nope", 0); !errors.Is(err, vm.ErrUnknownCode) {
		t.Errorf("unknown entry: got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		v    vm.Value
		want int
	}{
		{vm.FromInt32(3), 3},
		{vm.FromInt64(255), 255},
		{vm.FromInt16(-1), 0},
		{vm.FromInt32(256), 0},
		{vm.FromDouble(3), 0},
		{vm.FromString("3"), 0},
	}
	for _, tt := range tests {
		if got := exitCode(tt.v); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.v, got, tt.want)
		}
	}
}

func TestBannerLine(t *testing.T) {
	info := vm.Info{DisplayName: "Demo", Version: "1.0.0", BytecodeVersion: 17, WindowWidth: 640, WindowHeight: 480}
	if got := bannerLine(info); got != "Demo, v1.0.0, bytecode 17, 640x480" {
		t.Errorf("bannerLine = %q", got)
	}
	if got := bannerLine(vm.Info{}); got != "" {
		t.Errorf("bannerLine of empty info = %q", got)
	}
}

func TestPrintVariables(t *testing.T) {
	machine := vm.New(mustAssemble(t, cliSource))
	if _, _, err := machine.RunNamed("main", 0); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printVariables(&out, machine)
	if !strings.Contains(out.String(), "result = Int32(49)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestPrintProfile(t *testing.T) {
	profiler := vm.NewProfiler(0)
	machine := vm.New(mustAssemble(t, cliSource), vm.WithHook(profiler))
	if _, _, err := machine.RunNamed("main", 0); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	printProfile(&out, profiler)
	if !strings.Contains(out.String(), "8 steps") {
		t.Errorf("output = %q", out.String())
	}
	if !strings.Contains(out.String(), "square") {
		t.Errorf("profile should list square: %q", out.String())
	}
}

func TestColorizeListingPlain(t *testing.T) {
	src := ".code main\n    exit.i\n"
	if got := colorizeListing(src); got != src {
		t.Errorf("colorizeListing with colors off = %q", got)
	}
}

// ---------------------------------------------------------------------------
// REPL session
// ---------------------------------------------------------------------------

func TestEndsWithTerminator(t *testing.T) {
	tests := map[string]bool{
		"push.i 1\nret.i":         true,
		"    exit.i ; done\n\n":   true,
		"push.i 1":                false,
		"ret.i\nend:":             true,
		"retry:\n    push.i 1":    false,
		"; just a comment":        false,
		"    b loop\n    return:": false,
	}
	for src, want := range tests {
		if got := endsWithTerminator(src); got != want {
			t.Errorf("endsWithTerminator(%q) = %v, want %v", src, got, want)
		}
	}
}

func TestSessionEval(t *testing.T) {
	var out bytes.Buffer
	s := newSession(mustAssemble(t, cliSource), nil, &out)

	if err := s.submit("push.i 5\ncall square 1\nret.i\n"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "=> Int32(25)") {
		t.Errorf("output = %q", out.String())
	}

	out.Reset()
	if err := s.submit("push.i 1\npush.i 2\n"); err != nil {
		t.Fatal(err)
	}
	if strings.Count(out.String(), "stack:") != 2 {
		t.Errorf("leftover operands not shown: %q", out.String())
	}
	if s.machine.Stack().Len() != 0 {
		t.Error("leftover operands should be cleared")
	}
}

func TestSessionKeepsGlobals(t *testing.T) {
	var out bytes.Buffer
	s := newSession(nil, nil, &out)

	if err := s.submit("push.i 41\npop.v.i global.answer\n"); err != nil {
		t.Fatal(err)
	}
	if err := s.submit(".code bump\n    pushglb.v global.answer\n    push.i 1\n    add.i.i\n    pop.v.i global.answer\n    exit.i\n"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Defined bump") {
		t.Errorf("output = %q", out.String())
	}
	if err := s.submit("call bump 0\npushglb.v global.answer\nret.i\n"); err != nil {
		t.Fatal(err)
	}
	v, ok := s.machine.Global("answer")
	if !ok || v.Int32() != 42 {
		t.Errorf("answer = %v, %v; want 42", v, ok)
	}
}

func TestSessionErrorLines(t *testing.T) {
	s := newSession(mustAssemble(t, cliSource), nil, &bytes.Buffer{})
	err := s.submit("push.i 1\nfrob.i\n")
	var list asm.ErrorList
	if !errors.As(err, &list) {
		t.Fatalf("got %v, want ErrorList", err)
	}
	if list[0].Line != 2 {
		t.Errorf("error line = %d, want 2 (relative to the snippet)", list[0].Line)
	}

	err = s.submit(".code other\n    frob.i\n")
	if !errors.As(err, &list) || list[0].Line != 2 {
		t.Errorf("definition error = %v, want line 2", err)
	}
	// A failed definition leaves the session unchanged.
	if _, ok := s.machine.Program().LookupCode("other"); ok {
		t.Error("failed definition was kept")
	}
}

func TestSessionCommands(t *testing.T) {
	var out bytes.Buffer
	s := newSession(mustAssemble(t, cliSource), nil, &out)

	if quit, err := s.command(":run main"); quit || err != nil {
		t.Fatalf(":run = %v, %v", quit, err)
	}
	if !strings.Contains(out.String(), "Int32(49)") {
		t.Errorf(":run output = %q", out.String())
	}

	out.Reset()
	if _, err := s.command(":codes"); err != nil {
		t.Fatal(err)
	}
	if out.String() != "main\nquiet\nsquare\n" {
		t.Errorf(":codes = %q", out.String())
	}

	out.Reset()
	if _, err := s.command(":disasm square"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "mul.i.i") {
		t.Errorf(":disasm = %q", out.String())
	}

	if _, err := s.command(":reset"); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.machine.Global("result"); ok {
		t.Error(":reset kept globals")
	}

	if _, err := s.command(":disasm nope"); err == nil {
		t.Error(":disasm of unknown code succeeded")
	}
	if _, err := s.command(":frob"); err == nil {
		t.Error("unknown command succeeded")
	}
	if quit, _ := s.command(":quit"); !quit {
		t.Error(":quit did not quit")
	}
}

func TestSessionLoad(t *testing.T) {
	var out bytes.Buffer
	s := newSession(nil, nil, &out)
	path := writeFile(t, "prog.gmasm", cliSource)
	if _, err := s.command(":load " + path); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.machine.Program().LookupCode("square"); !ok {
		t.Error("square missing after :load")
	}
}

func TestCarryOver(t *testing.T) {
	from := vm.New(mustAssemble(t, ".code main\n    push.i 1\n    pop.v.i global.a\n    push.i 2\n    pop.v.i self.b\n    exit.i\n"))
	if _, _, err := from.RunNamed("main", 7); err != nil {
		t.Fatal(err)
	}
	to := vm.New(mustAssemble(t, ".code main\n    pushglb.v global.zzz\n    pushglb.v global.a\n    pushi.e 0\n    pop.v.i self.b\n    exit.i\n"))
	carryOver(from, to)

	if v, ok := to.Global("a"); !ok || v.Int32() != 1 {
		t.Errorf("a = %v, %v", v, ok)
	}
	p := to.Program()
	var bID int = -1
	for id, name := range p.Variables {
		if name == "b" {
			bID = id
		}
	}
	if v, ok := to.Variables().Instance(bID, 7); !ok || v.Int32() != 2 {
		t.Errorf("7.b = %v, %v", v, ok)
	}
}

// ---------------------------------------------------------------------------
// Remote
// ---------------------------------------------------------------------------

func startServer(t *testing.T) string {
	t.Helper()
	srv, err := server.New(mustAssemble(t, cliSource))
	if err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var protocols http.Protocols
	protocols.SetHTTP1(true)
	protocols.SetUnencryptedHTTP2(true)
	hs := &http.Server{Handler: srv.Handler(), Protocols: &protocols}
	go hs.Serve(l)
	t.Cleanup(func() {
		hs.Close()
		srv.Stop()
	})
	return l.Addr().String()
}

// compact drops whitespace, which protojson varies between builds.
func compact(s string) string {
	return strings.Join(strings.Fields(s), "")
}

func TestRunRemote(t *testing.T) {
	addr := startServer(t)

	var out bytes.Buffer
	if err := runRemote(addr, "", "main", 0, &out); err != nil {
		t.Fatalf("runRemote: %v", err)
	}
	if !strings.Contains(compact(out.String()), `"value":49`) {
		t.Errorf("output = %s", out.String())
	}

	out.Reset()
	src := ".code main\n    push.i 5\n    ret.i\n"
	if err := runRemote(addr, src, "", 0, &out); err != nil {
		t.Fatalf("runRemote with source: %v", err)
	}
	if !strings.Contains(compact(out.String()), `"value":5`) {
		t.Errorf("output = %s", out.String())
	}

	out.Reset()
	if err := runRemote(addr, ".code main\n    frob.i\n", "", 0, &out); err == nil {
		t.Error("bad source was accepted")
	}
	if !strings.Contains(out.String(), "diagnostics") {
		t.Errorf("output = %s", out.String())
	}
}
