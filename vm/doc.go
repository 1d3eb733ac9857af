// Package vm implements the Acorn bytecode engine.
//
// This package contains:
//   - The tagged Value model and its conversion rules
//   - The operand stack shared by nested calls
//   - The three-tier variable store (global, instance, local)
//   - Instruction shapes, opcode metadata and word-based jump addressing
//   - The dispatcher that walks code objects and recurses into calls
//
// The engine is single-threaded. A VM owns its stack and variable store;
// Program tables are immutable after load and may be shared between VMs.
package vm
