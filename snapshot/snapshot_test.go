package snapshot

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/chazu/acorn/asm"
	"github.com/chazu/acorn/vm"
)

const source = `
.name "Snapshot test"
.code main
    push.s "hello"
    pop.v.s global.greeting
    push.d -0.25
    pop.v.d global.ratio
    push.l -1
    pop.v.l global.mask
    push.b true
    pop.v.b global.ready
    pushi.e 3
    pop.v.e 100001.hp
    push.f 1.5
    pop.v.f 100002.speed
    push.i 7
    pop.v.i local.tmp
    exit.i
`

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func runProgram(t *testing.T) (*vm.Program, *vm.VM) {
	t.Helper()
	p, err := asm.Assemble(source)
	if err != nil {
		t.Fatal(err)
	}
	machine := vm.New(p)
	if _, _, err := machine.RunNamed("main", 0); err != nil {
		t.Fatal(err)
	}
	return p, machine
}

func TestSaveLoad(t *testing.T) {
	s := openStore(t)
	p, machine := runProgram(t)

	saved, err := s.Save(p, machine.Variables())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Globals != 4 || saved.Instances != 2 {
		t.Errorf("saved %d globals, %d instances; want 4, 2", saved.Globals, saved.Instances)
	}

	fresh := vm.New(p)
	loaded, err := s.Load(p, fresh.Variables())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Globals != 4 || loaded.Instances != 2 || loaded.Skipped != 0 {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Program != "Snapshot test" {
		t.Errorf("program = %q, want Snapshot test", loaded.Program)
	}
	if loaded.SavedAt.IsZero() {
		t.Error("saved-at time missing")
	}

	for _, name := range []string{"greeting", "ratio", "mask", "ready"} {
		want, _ := machine.Global(name)
		got, ok := fresh.Global(name)
		if !ok || !got.Equal(want) {
			t.Errorf("global %s = %s, want %s", name, got, want)
		}
	}
	if v, _ := fresh.Global("mask"); v.Int64() != -1 {
		t.Errorf("mask = %s, want Int64(-1)", v)
	}

	want := machine.Variables().Instances()
	got := fresh.Variables().Instances()
	if len(got) != len(want) {
		t.Fatalf("got %d instance variables, want %d", len(got), len(want))
	}
	for k, v := range want {
		if !got[k].Equal(v) {
			t.Errorf("instance %+v = %s, want %s", k, got[k], v)
		}
	}
	if len(fresh.Variables().Locals()) != 0 {
		t.Error("locals should not be restored")
	}
}

func TestSaveReplaces(t *testing.T) {
	s := openStore(t)
	p, machine := runProgram(t)
	if _, err := s.Save(p, machine.Variables()); err != nil {
		t.Fatal(err)
	}

	vars := vm.NewVariables()
	ratio, _ := machine.Global("ratio")
	for id, name := range p.Variables {
		if name == "ratio" {
			vars.SetGlobal(id, vm.FromDouble(math.NaN()))
		}
	}
	if _, err := s.Save(p, vars); err != nil {
		t.Fatal(err)
	}

	out := vm.NewVariables()
	sum, err := s.Load(p, out)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Globals != 1 || sum.Instances != 0 {
		t.Errorf("loaded = %+v, want only the ratio global", sum)
	}
	for _, v := range out.Globals() {
		if !math.IsNaN(v.Double()) || v.Equal(ratio) {
			t.Errorf("ratio = %s, want NaN", v)
		}
	}
}

func TestLoadSkipsUnknown(t *testing.T) {
	s := openStore(t)
	p, machine := runProgram(t)
	if _, err := s.Save(p, machine.Variables()); err != nil {
		t.Fatal(err)
	}

	other, err := asm.Assemble(".code main\n    push.b true\n    pop.v.b global.ready\n    exit.i\n")
	if err != nil {
		t.Fatal(err)
	}
	vars := vm.NewVariables()
	sum, err := s.Load(other, vars)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Globals != 1 || sum.Skipped != 5 {
		t.Errorf("loaded = %+v, want 1 global and 5 skipped", sum)
	}
	if v, ok := vars.Global(0); !ok || !v.Bool() {
		t.Errorf("ready = %s, %v; want Boolean(true)", v, ok)
	}
}

func TestLoadEmpty(t *testing.T) {
	s := openStore(t)
	p, _ := runProgram(t)
	if _, err := s.Load(p, vm.NewVariables()); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("got %v, want ErrNoSnapshot", err)
	}
}

func TestSaveRejectsVariableRefs(t *testing.T) {
	s := openStore(t)
	p, _ := runProgram(t)
	vars := vm.NewVariables()
	vars.SetGlobal(0, vm.FromVariable(vm.VariableRef{ID: 0, Instance: vm.InstanceGlobal}))
	if _, err := s.Save(p, vars); err == nil {
		t.Error("Save succeeded with a variable reference")
	}
}

func TestLoadBadRowLeavesVariables(t *testing.T) {
	s := openStore(t)
	p, machine := runProgram(t)
	if _, err := s.Save(p, machine.Variables()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec("UPDATE instances SET kind = ? WHERE name = 'speed'", int(vm.KindVariable)); err != nil {
		t.Fatal(err)
	}

	vars := vm.NewVariables()
	if _, err := s.Load(p, vars); err == nil {
		t.Fatal("Load accepted a row with no value payload")
	}
	if n := len(vars.Globals()); n != 0 {
		t.Errorf("%d globals restored by a failed load, want 0", n)
	}
	if n := len(vars.Instances()); n != 0 {
		t.Errorf("%d instance variables restored by a failed load, want 0", n)
	}
}

func TestLoadWithoutProgramName(t *testing.T) {
	s := openStore(t)
	p, machine := runProgram(t)
	if _, err := s.Save(p, machine.Variables()); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.Exec("DELETE FROM meta WHERE key = 'program'"); err != nil {
		t.Fatal(err)
	}
	sum, err := s.Load(p, vm.NewVariables())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if sum.Program != "" || sum.Globals != 4 {
		t.Errorf("loaded = %+v", sum)
	}
}
