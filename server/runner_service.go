package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/acorn/asm"
	"github.com/chazu/acorn/snapshot"
	"github.com/chazu/acorn/vm"
)

type (
	structRequest  = connect.Request[structpb.Struct]
	structResponse = connect.Response[structpb.Struct]
)

// RunnerService implements the RunnerService Connect/gRPC handler.
type RunnerService struct {
	worker   *VMWorker
	profiler *vm.Profiler
	vmOpts   []vm.Option
	store    *snapshot.Store
}

// NewRunnerService creates a RunnerService. vmOpts are applied to every VM
// built by Load; the profiler, if any, must already be among them.
func NewRunnerService(worker *VMWorker, profiler *vm.Profiler, store *snapshot.Store, vmOpts ...vm.Option) *RunnerService {
	return &RunnerService{
		worker:   worker,
		profiler: profiler,
		vmOpts:   vmOpts,
		store:    store,
	}
}

// Load assembles source and replaces the running program. Assembly errors
// are reported in the response rather than as an RPC failure.
func (s *RunnerService) Load(ctx context.Context, req *structRequest) (*structResponse, error) {
	source := stringField(req.Msg, "source")
	if source == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("source is required"))
	}

	p, err := asm.Assemble(source)
	if err != nil {
		var list asm.ErrorList
		if !errors.As(err, &list) {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		diags := make([]interface{}, 0, len(list))
		for _, e := range list {
			diags = append(diags, map[string]interface{}{
				"line":    e.Line,
				"message": e.Msg,
			})
		}
		return respond(map[string]interface{}{
			"ok":          false,
			"diagnostics": diags,
		})
	}

	if err := s.worker.Replace(ctx, vm.New(p, s.vmOpts...)); err != nil {
		return nil, workerError(err)
	}
	return respond(map[string]interface{}{
		"ok":        true,
		"name":      p.Info.DisplayName,
		"codes":     len(p.Codes),
		"functions": len(p.Functions),
	})
}

// Run executes a code object by name.
func (s *RunnerService) Run(ctx context.Context, req *structRequest) (*structResponse, error) {
	entry := stringField(req.Msg, "entry")
	if entry == "" {
		entry = "main"
	}
	self := int(numberField(req.Msg, "self"))

	var (
		val      vm.Value
		returned bool
		runErr   error
		steps    uint64
	)
	// The profiler is shared by every run, so the budget is reset and read
	// on the worker, never between jobs.
	if err := s.worker.Do(ctx, func(v *vm.VM) error {
		if s.profiler != nil {
			s.profiler.Reset()
		}
		val, returned, runErr = v.RunNamed(entry, self)
		if s.profiler != nil {
			steps = s.profiler.Stats().Steps
		}
		return nil
	}); err != nil {
		return nil, workerError(err)
	}
	if errors.Is(runErr, vm.ErrUnknownCode) {
		return nil, connect.NewError(connect.CodeNotFound, runErr)
	}

	out := map[string]interface{}{
		"ok":       runErr == nil,
		"returned": returned,
	}
	if s.profiler != nil {
		out["steps"] = steps
	}
	if runErr != nil {
		out["error"] = runErr.Error()
		var ee *vm.ExecError
		if errors.As(runErr, &ee) {
			out["location"] = map[string]interface{}{
				"code":  ee.CodeName,
				"pc":    ee.PC,
				"op":    ee.Op.String(),
				"depth": ee.Depth,
			}
		}
	} else if returned {
		out["value"] = jsonValue(val)
		out["kind"] = val.Kind().String()
		out["text"] = val.String()
	}
	return respond(out)
}

// Globals lists the persistent variable tiers.
func (s *RunnerService) Globals(ctx context.Context, req *structRequest) (*structResponse, error) {
	var out map[string]interface{}
	if err := s.worker.Do(ctx, func(v *vm.VM) error {
		p := v.Program()
		vars := v.Variables()

		globals := make(map[string]interface{})
		for id, val := range vars.Globals() {
			globals[p.VariableName(id)] = jsonValue(val)
		}

		keys := make([]vm.InstanceKey, 0)
		all := vars.Instances()
		for k := range all {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Instance != keys[j].Instance {
				return keys[i].Instance < keys[j].Instance
			}
			return keys[i].Variable < keys[j].Variable
		})
		instances := make(map[string]interface{}, len(keys))
		for _, k := range keys {
			instances[strconv.Itoa(k.Instance)+"."+p.VariableName(k.Variable)] = jsonValue(all[k])
		}
		out = map[string]interface{}{
			"globals":   globals,
			"instances": instances,
		}
		return nil
	}); err != nil {
		return nil, workerError(err)
	}
	return respond(out)
}

// Disassemble renders the program, or a single code object, as assembly.
func (s *RunnerService) Disassemble(ctx context.Context, req *structRequest) (*structResponse, error) {
	name := stringField(req.Msg, "code")
	var listing string
	if err := s.worker.Do(ctx, func(v *vm.VM) error {
		p := v.Program()
		if name == "" {
			listing = asm.Disassemble(p)
			return nil
		}
		c, ok := p.LookupCode(name)
		if !ok {
			return connect.NewError(connect.CodeNotFound, fmt.Errorf("code %q not found", name))
		}
		listing = asm.DisassembleCode(p, c)
		return nil
	}); err != nil {
		return nil, workerError(err)
	}
	return respond(map[string]interface{}{"listing": listing})
}

// Reset clears VM state.
func (s *RunnerService) Reset(ctx context.Context, req *structRequest) (*structResponse, error) {
	if err := s.worker.Do(ctx, func(v *vm.VM) error {
		v.Reset()
		return nil
	}); err != nil {
		return nil, workerError(err)
	}
	return respond(map[string]interface{}{"ok": true})
}

// Save writes the persistent tiers to the snapshot store.
func (s *RunnerService) Save(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.snapshot(ctx, func(v *vm.VM) (snapshot.Summary, error) {
		return s.store.Save(v.Program(), v.Variables())
	})
}

// Restore loads the snapshot store into the VM.
func (s *RunnerService) Restore(ctx context.Context, req *structRequest) (*structResponse, error) {
	return s.snapshot(ctx, func(v *vm.VM) (snapshot.Summary, error) {
		return s.store.Load(v.Program(), v.Variables())
	})
}

func (s *RunnerService) snapshot(ctx context.Context, fn func(*vm.VM) (snapshot.Summary, error)) (*structResponse, error) {
	if s.store == nil {
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("no snapshot store configured"))
	}
	var sum snapshot.Summary
	err := s.worker.Do(ctx, func(v *vm.VM) error {
		var err error
		sum, err = fn(v)
		return err
	})
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return nil, connect.NewError(connect.CodeNotFound, err)
	}
	if err != nil {
		return nil, workerError(err)
	}
	return respond(map[string]interface{}{
		"globals":   sum.Globals,
		"instances": sum.Instances,
		"skipped":   sum.Skipped,
		"path":      s.store.Path(),
	})
}

// --- helpers ---

// workerError maps a failed worker job onto an RPC status. Jobs may return
// a *connect.Error to pick their own code.
func workerError(err error) error {
	var ce *connect.Error
	switch {
	case errors.As(err, &ce):
		return ce
	case errors.Is(err, ErrWorkerStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}

func respond(fields map[string]interface{}) (*structResponse, error) {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func stringField(msg *structpb.Struct, name string) string {
	if msg == nil {
		return ""
	}
	return msg.GetFields()[name].GetStringValue()
}

func numberField(msg *structpb.Struct, name string) float64 {
	if msg == nil {
		return 0
	}
	return msg.GetFields()[name].GetNumberValue()
}

// jsonValue converts v to a value structpb accepts. Numbers that JSON
// cannot carry exactly are rendered as literals.
func jsonValue(v vm.Value) interface{} {
	switch v.Kind() {
	case vm.KindString:
		return v.Str()
	case vm.KindBoolean:
		return v.Bool()
	case vm.KindInt16:
		return int(v.Int16())
	case vm.KindInt32:
		return int(v.Int32())
	case vm.KindInt64:
		n := v.Int64()
		if n > 1<<53 || n < -(1<<53) {
			return v.Literal()
		}
		return n
	case vm.KindDouble, vm.KindFloat:
		f := v.Double()
		if v.Kind() == vm.KindFloat {
			f = float64(v.Float())
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return v.Literal()
		}
		return f
	}
	return v.Literal()
}
