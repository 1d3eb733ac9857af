package server

import (
	"context"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/acorn/asm"
	"github.com/chazu/acorn/snapshot"
	"github.com/chazu/acorn/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

const testSource = `
.name "Server test"

.code square 1
    dup.i
    mul.i.i
    ret.i

.code main
    push.i 7
    call square 1
    dup.i
    pop.v.i global.last
    ret.i

.code greet
    push.s "hi"
    pop.v.s 100001.word
    exit.i

.code broken
    push.i 1
    push.i 0
    div.i.i
    ret.i

.code spin
top:
    b top
`

func testProgram(t *testing.T) *vm.Program {
	t.Helper()
	p, err := asm.Assemble(testSource)
	if err != nil {
		t.Fatalf("assemble test program: %v", err)
	}
	return p
}

// testEnv bundles a fresh VM worker and runner service.
type testEnv struct {
	Worker   *VMWorker
	Runner   *RunnerService
	Profiler *vm.Profiler
}

// newTestEnv creates a runner over the test program. The worker is
// stopped when the test ends.
func newTestEnv(t *testing.T, stepLimit uint64, store *snapshot.Store) *testEnv {
	t.Helper()
	profiler := vm.NewProfiler(stepLimit)
	opts := []vm.Option{vm.WithHook(profiler)}
	w := NewVMWorker(vm.New(testProgram(t), opts...))
	t.Cleanup(w.Stop)
	return &testEnv{
		Worker:   w,
		Runner:   NewRunnerService(w, profiler, store, opts...),
		Profiler: profiler,
	}
}

// ---------------------------------------------------------------------------
// Request builders.
// ---------------------------------------------------------------------------

func structReq(t *testing.T, fields map[string]interface{}) *connect.Request[structpb.Struct] {
	t.Helper()
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatal(err)
	}
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}

func field(msg *structpb.Struct, name string) *structpb.Value {
	return msg.GetFields()[name]
}
