// Package syncer keeps a node's event graph converged with its peers.
//
// Nodes push new events to each other with EventPut. Anything a push
// misses is recovered by periodic rounds (DagSync): the engine asks every
// peer for its tips, diffs them against the local store and pulls the
// missing events and their ancestry with EventRequest. Events are only
// ever inserted once their parents are present, so a node's graph is
// causally closed at every point.
//
// The transport is supplied by the caller through the Network interface.
package syncer
