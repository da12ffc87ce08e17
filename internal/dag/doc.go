// Package dag maintains the causal event graph of a single node.
//
// A Graph validates events against the causal-closure and timestamp rules,
// persists them through a store.EventStore and tracks the unreferenced tips
// that new local events build on. OrderEvents linearizes the graph into a
// deterministic causal order that is identical on every node holding the
// same events.
//
// Rotation (see package prune) replaces the whole graph with a fresh
// genesis derived from the rotation boundary alone, so independent nodes
// agree on the new root without coordination.
package dag
