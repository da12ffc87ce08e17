// Package event defines the content-addressed event type of the causal graph.
//
// This package contains the data model only. Every other internal package
// imports event; event imports nothing internal.
//
// Key design constraints:
//   - An event's ID is never stored: it is recomputed from Marshal() output
//   - Marshal() is the ONLY serialization used for identity; it is canonical
//     and Unmarshal() rejects any other byte form of the same event
//   - Parents are referenced by hash, never by pointer
//   - Timestamps are unix seconds; ordering ties break on (timestamp, id)
package event
