package server

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/chazu/acorn/vm"
)

func TestVMWorker_Serializes(t *testing.T) {
	w := NewVMWorker(vm.New(testProgram(t)))
	defer w.Stop()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Do(bg(), func(v *vm.VM) error {
				_, _, err := v.RunNamed("main", 0)
				return err
			}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	var depth int
	if err := w.Do(bg(), func(v *vm.VM) error {
		depth = v.Stack().Len()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if depth != 0 {
		t.Errorf("stack depth = %d after runs, want 0", depth)
	}
}

func TestVMWorker_JobError(t *testing.T) {
	w := NewVMWorker(vm.New(testProgram(t)))
	defer w.Stop()

	err := w.Do(bg(), func(v *vm.VM) error {
		_, _, err := v.RunNamed("broken", 0)
		return err
	})
	if !errors.Is(err, vm.ErrDivisionByZero) {
		t.Errorf("got %v, want ErrDivisionByZero", err)
	}
}

func TestVMWorker_RecoversPanic(t *testing.T) {
	w := NewVMWorker(vm.New(testProgram(t)))
	defer w.Stop()

	err := w.Do(bg(), func(v *vm.VM) error {
		panic("host callback blew up")
	})
	if !errors.Is(err, ErrWorkerPanic) {
		t.Errorf("got %v, want ErrWorkerPanic", err)
	}

	// The worker keeps serving.
	if err := w.Do(bg(), func(v *vm.VM) error { return nil }); err != nil {
		t.Errorf("worker dead after panic: %v", err)
	}
}

func TestVMWorker_Replace(t *testing.T) {
	w := NewVMWorker(vm.New(testProgram(t)))
	defer w.Stop()

	other := &vm.Program{Info: vm.Info{DisplayName: "replacement"}}
	if err := w.Replace(bg(), vm.New(other)); err != nil {
		t.Fatal(err)
	}
	var name string
	if err := w.Do(bg(), func(v *vm.VM) error {
		name = v.Program().Info.DisplayName
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if name != "replacement" {
		t.Errorf("program = %q, want replacement", name)
	}
}

func TestVMWorker_CanceledContext(t *testing.T) {
	w := NewVMWorker(vm.New(testProgram(t)))
	defer w.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	go w.Do(bg(), func(v *vm.VM) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithCancel(bg())
	cancel()
	if err := w.Do(ctx, func(v *vm.VM) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
	close(release)
}

func TestVMWorker_Stop(t *testing.T) {
	w := NewVMWorker(vm.New(testProgram(t)))
	w.Stop()
	w.Stop()
	if err := w.Do(bg(), func(v *vm.VM) error { return nil }); !errors.Is(err, ErrWorkerStopped) {
		t.Errorf("got %v, want ErrWorkerStopped", err)
	}
}
