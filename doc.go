// Package hsmstate is a runtime for hierarchical (tree-structured) state
// machines in the UML statechart tradition: states form a tree with a single
// root, exactly one leaf is "current" at any time, and the active
// configuration is the chain of ancestors from that leaf to the root.
//
// States may carry typed state data; transitions may carry a typed payload;
// message handlers and entry/exit handlers are supplied by the caller. The
// package builds a frozen Tree of NodeDefinitions once, then runs a single
// cooperative dispatch loop over it via Machine.
//
// Distributed execution, orthogonal regions (multiple simultaneously-active
// leaves), preemption of an in-flight handler, and history pseudostates are
// not supported.
package hsmstate
