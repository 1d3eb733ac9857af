package vm

import "fmt"

// Stack is the operand stack. One stack belongs to one VM and is shared by
// every nested call it runs.
type Stack struct {
	items []Value
}

// NewStack creates an empty stack.
func NewStack() *Stack {
	return &Stack{items: make([]Value, 0, 64)}
}

// Push appends v. It always succeeds.
func (s *Stack) Push(v Value) {
	s.items = append(s.items, v)
}

// Pop removes and returns the top value.
func (s *Stack) Pop() (Value, error) {
	n := len(s.items)
	if n == 0 {
		return Value{}, fmt.Errorf("%w: cannot pop from an empty stack", ErrStackUnderflow)
	}
	v := s.items[n-1]
	s.items[n-1] = Value{}
	s.items = s.items[:n-1]
	return v, nil
}

// Peek returns the top value without removing it.
func (s *Stack) Peek() (Value, error) {
	n := len(s.items)
	if n == 0 {
		return Value{}, fmt.Errorf("%w: cannot peek at an empty stack", ErrStackUnderflow)
	}
	return s.items[n-1], nil
}

// Dup pushes a copy of the top value.
func (s *Stack) Dup() error {
	v, err := s.Peek()
	if err != nil {
		return err
	}
	s.Push(v)
	return nil
}

// Popz discards the top value.
func (s *Stack) Popz() error {
	_, err := s.Pop()
	return err
}

// Len returns the current depth.
func (s *Stack) Len() int { return len(s.items) }

// Truncate drops values above depth n. Used to unwind after a failure.
func (s *Stack) Truncate(n int) {
	if n < 0 {
		n = 0
	}
	for i := n; i < len(s.items); i++ {
		s.items[i] = Value{}
	}
	if n < len(s.items) {
		s.items = s.items[:n]
	}
}

// Values returns a copy of the stack, bottom first.
func (s *Stack) Values() []Value {
	out := make([]Value, len(s.items))
	copy(out, s.items)
	return out
}
