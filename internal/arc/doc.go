// Package arc implements the object graph and reference counter of arcsim.
//
// The heap is an arena of nodes addressed by stable ir.NodeID handles. Every
// edge carries an explicit ownership tag (strong, weak, unowned) and liveness
// is recomputed from explicit counters on every mutation, never from Go's own
// garbage collector or finalizers.
//
// ARCHITECTURE:
//
// Single Mutation Point:
// All graph mutations (allocate, root add/drop, retain/release, field
// changes) take the heap mutex. Deallocation cascades are processed inside
// the same critical section through a FIFO work list, so a release that
// frees a chain of objects is atomic with respect to concurrent tasks.
//
// Deallocation Order:
//  1. Node marked deallocated (never resurrected)
//  2. Incoming weak relations invalidated (read as absent)
//  3. Incoming unowned relations marked dangling (access fails)
//  4. Outgoing strong relations released, queueing further deallocations
//  5. After the mutex is released, deallocation callbacks fire in
//     deallocation order; callbacks may mutate the heap again
//
// Leaks:
// A cycle of strong relations with no root keeps its members live forever.
// This is not an error. FindLeaks reports such cycles from a Snapshot.
package arc
