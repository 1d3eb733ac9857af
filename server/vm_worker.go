package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/acorn/vm"
)

var (
	// ErrWorkerStopped is returned by Do after Stop.
	ErrWorkerStopped = errors.New("vm worker stopped")

	// ErrWorkerPanic wraps a panic raised by a job.
	ErrWorkerPanic = errors.New("vm worker: job panicked")
)

// Job runs with exclusive access to the worker's VM.
type Job func(*vm.VM) error

type job struct {
	fn    Job
	reply chan error
}

// VMWorker owns one VM and runs jobs against it one at a time on a
// dedicated goroutine. A VM is not safe for concurrent use, so RPC
// handlers and editor commands reach it only through a worker.
type VMWorker struct {
	vm       *vm.VM // touched only by the loop goroutine
	jobs     chan job
	quit     chan struct{}
	stopOnce sync.Once
}

// NewVMWorker starts a worker that owns v.
func NewVMWorker(v *vm.VM) *VMWorker {
	w := &VMWorker{
		vm:   v,
		jobs: make(chan job, 64),
		quit: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *VMWorker) loop() {
	for {
		select {
		case j := <-w.jobs:
			j.reply <- w.run(j.fn)
		case <-w.quit:
			return
		}
	}
}

func (w *VMWorker) run(fn Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()
	return fn(w.vm)
}

// Do queues fn and waits for it to finish. If ctx ends first Do returns
// ctx.Err(); a job that already started still runs to completion, so fn
// must not share state the caller reads after an early return.
func (w *VMWorker) Do(ctx context.Context, fn Job) error {
	j := job{fn: fn, reply: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrWorkerStopped
	}
	select {
	case err := <-j.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrWorkerStopped
	}
}

// Replace swaps in a new VM. Jobs queued earlier run against the old one.
func (w *VMWorker) Replace(ctx context.Context, v *vm.VM) error {
	return w.Do(ctx, func(*vm.VM) error {
		w.vm = v
		return nil
	})
}

// Stop ends the worker goroutine. Calling it again is a no-op.
func (w *VMWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}
