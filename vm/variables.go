package vm

import "sort"

// InstanceKey addresses an instance variable: a field of one object.
type InstanceKey struct {
	Variable int
	Instance int
}

// LocalKey addresses a local: a variable of one code object.
type LocalKey struct {
	Variable int
	Code     int
}

// Variables is the three-tier variable store. Globals and instance
// variables live as long as the store; locals of a code object are dropped
// when its outermost invocation completes (see ReleaseLocals).
//
// Variables is not safe for concurrent use.
type Variables struct {
	globals   map[int]Value
	instances map[InstanceKey]Value
	locals    map[int]map[int]Value // code -> variable -> value
}

// NewVariables creates an empty store.
func NewVariables() *Variables {
	return &Variables{
		globals:   make(map[int]Value),
		instances: make(map[InstanceKey]Value),
		locals:    make(map[int]map[int]Value),
	}
}

// Global returns the global variable id.
func (vs *Variables) Global(id int) (Value, bool) {
	v, ok := vs.globals[id]
	return v, ok
}

// SetGlobal stores a global variable.
func (vs *Variables) SetGlobal(id int, v Value) {
	vs.globals[id] = v
}

// Instance returns a field of one object.
func (vs *Variables) Instance(id, instance int) (Value, bool) {
	v, ok := vs.instances[InstanceKey{Variable: id, Instance: instance}]
	return v, ok
}

// SetInstance stores a field of one object.
func (vs *Variables) SetInstance(id, instance int, v Value) {
	vs.instances[InstanceKey{Variable: id, Instance: instance}] = v
}

// Local returns a local of code object code.
func (vs *Variables) Local(id, code int) (Value, bool) {
	v, ok := vs.locals[code][id]
	return v, ok
}

// SetLocal stores a local of code object code.
func (vs *Variables) SetLocal(id, code int, v Value) {
	m := vs.locals[code]
	if m == nil {
		m = make(map[int]Value)
		vs.locals[code] = m
	}
	m[id] = v
}

// ReleaseLocals invalidates every local keyed to code.
func (vs *Variables) ReleaseLocals(code int) {
	delete(vs.locals, code)
}

// Globals returns a copy of the global tier.
func (vs *Variables) Globals() map[int]Value {
	out := make(map[int]Value, len(vs.globals))
	for k, v := range vs.globals {
		out[k] = v
	}
	return out
}

// GlobalIDs returns the ids of all set globals in ascending order.
func (vs *Variables) GlobalIDs() []int {
	ids := make([]int, 0, len(vs.globals))
	for id := range vs.globals {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Instances returns a copy of the instance tier.
func (vs *Variables) Instances() map[InstanceKey]Value {
	out := make(map[InstanceKey]Value, len(vs.instances))
	for k, v := range vs.instances {
		out[k] = v
	}
	return out
}

// Locals returns a copy of the live locals, keyed by (variable, code).
func (vs *Variables) Locals() map[LocalKey]Value {
	out := make(map[LocalKey]Value)
	for code, m := range vs.locals {
		for id, v := range m {
			out[LocalKey{Variable: id, Code: code}] = v
		}
	}
	return out
}

// Reset clears every tier.
func (vs *Variables) Reset() {
	vs.globals = make(map[int]Value)
	vs.instances = make(map[InstanceKey]Value)
	vs.locals = make(map[int]map[int]Value)
}
