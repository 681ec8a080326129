// Package engine ties the simulator together: one heap, one deterministic
// scheduler, one event log.
//
// ARCHITECTURE:
//
// Every graph mutation, capture and task lifecycle change is recorded as an
// ir.Event. Events are stamped with the logical clock and given a
// content-addressed id, then optionally persisted to a store.
//
// Event Processing Flow:
//  1. A mutation on the heap (or a scheduler state change) calls record
//  2. record stamps Seq and Session from the engine's clock and session
//  3. The event id is computed from the canonical form of the event
//  4. The event is appended to the in-memory log and written to the store
//
// A failed store write is logged and remembered (see Engine.Err) but never
// stops the simulation: the in-memory log stays authoritative.
//
// CRITICAL PATTERNS:
//
// Logical Clock:
// All events are stamped with a monotonic seq from Sequencer.Next().
// NEVER use wall-clock timestamps for ordering.
//
// Deterministic Scheduling:
// Tasks run in submission order per queue; queues in first-submission order.
// Two runs of the same program produce the same event log modulo session.
package engine
