package vm

import (
	"fmt"
	"sort"
	"sync"
)

// StepEvent describes the instruction about to execute.
type StepEvent struct {
	Code        *Code
	PC          int
	Instruction Instruction
	Depth       int
	Self        int
	StackDepth  int
}

// Hook lets a host observe execution. Step is called before every
// instruction; Break when a break instruction executes. A non-nil error
// aborts the run and is reported like any other failure.
type Hook interface {
	Step(ev StepEvent) error
	Break(ev StepEvent, signal int16) error
}

// HookFuncs adapts plain functions to Hook. Nil fields are skipped.
type HookFuncs struct {
	OnStep  func(ev StepEvent) error
	OnBreak func(ev StepEvent, signal int16) error
}

func (h HookFuncs) Step(ev StepEvent) error {
	if h.OnStep == nil {
		return nil
	}
	return h.OnStep(ev)
}

func (h HookFuncs) Break(ev StepEvent, signal int16) error {
	if h.OnBreak == nil {
		return nil
	}
	return h.OnBreak(ev, signal)
}

// ---------------------------------------------------------------------------
// Profiler: step counting and budgets
// ---------------------------------------------------------------------------

// Profiler counts executed instructions per code object and per opcode.
// When StepLimit is non-zero, the step that would exceed it fails with
// ErrStepLimitExceeded.
type Profiler struct {
	StepLimit uint64

	mu       sync.Mutex
	steps    uint64
	breaks   uint64
	byCode   map[string]uint64
	byOpcode map[Opcode]uint64
}

// NewProfiler creates a profiler. A limit of 0 disables the budget.
func NewProfiler(limit uint64) *Profiler {
	return &Profiler{
		StepLimit: limit,
		byCode:    make(map[string]uint64),
		byOpcode:  make(map[Opcode]uint64),
	}
}

func (p *Profiler) Step(ev StepEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StepLimit > 0 && p.steps >= p.StepLimit {
		return fmt.Errorf("%w: %d steps", ErrStepLimitExceeded, p.StepLimit)
	}
	p.steps++
	p.byCode[ev.Code.Name]++
	p.byOpcode[ev.Instruction.Opcode()]++
	return nil
}

func (p *Profiler) Break(ev StepEvent, signal int16) error {
	p.mu.Lock()
	p.breaks++
	p.mu.Unlock()
	return nil
}

// ProfilerStats is a snapshot of profiler counters.
type ProfilerStats struct {
	Steps    uint64
	Breaks   uint64
	ByCode   map[string]uint64
	ByOpcode map[Opcode]uint64
}

// Stats returns a copy of the counters.
func (p *Profiler) Stats() ProfilerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := ProfilerStats{
		Steps:    p.steps,
		Breaks:   p.breaks,
		ByCode:   make(map[string]uint64, len(p.byCode)),
		ByOpcode: make(map[Opcode]uint64, len(p.byOpcode)),
	}
	for k, v := range p.byCode {
		s.ByCode[k] = v
	}
	for k, v := range p.byOpcode {
		s.ByOpcode[k] = v
	}
	return s
}

// TopCodes returns the n code objects with the most executed steps.
func (p *Profiler) TopCodes(n int) []string {
	p.mu.Lock()
	names := make([]string, 0, len(p.byCode))
	counts := make(map[string]uint64, len(p.byCode))
	for k, v := range p.byCode {
		names = append(names, k)
		counts[k] = v
	}
	p.mu.Unlock()

	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if n < len(names) {
		names = names[:n]
	}
	return names
}

// Reset zeroes every counter. The step limit is kept.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.steps = 0
	p.breaks = 0
	p.byCode = make(map[string]uint64)
	p.byOpcode = make(map[Opcode]uint64)
}
