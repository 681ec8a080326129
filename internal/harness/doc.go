// Package harness runs scripted ownership scenarios against the engine and
// checks what happened.
//
// A scenario is a short program: declare cells and nodes, wire relations,
// defer closures with explicit capture lists, drop variables, drain queues.
// After the last step the harness records a leak report and evaluates the
// assertions against the final graph and the event trace.
//
// # Scenario Format
//
// Scenarios are YAML (or CUE, evaluated to the same structure):
//
//	name: weak_self
//	description: "A weak capture observes absent once the owner is gone"
//	steps:
//	  - alloc: { name: owner }
//	  - defer:
//	      name: fetch
//	      captures:
//	        - { name: self, from: owner, kind: weak }
//	      body:
//	        - observe: self
//	  - drop: owner
//	  - run_all: true
//	assertions:
//	  - type: observed
//	    name: self
//	    values: [null]
//	  - type: deallocated
//	    names: [owner, fetch]
//
// Any step may carry error: <CODE> when it is expected to fail with that
// engine error code (DANGLING_ACCESS, CONSTRUCTION_ERROR, ...).
//
// # Assertion Types
//
//   - live, deallocated: liveness of named nodes or task environments
//   - dealloc_order: relative deallocation order
//   - leaks: the final leak report (leaked nodes and strong cycles)
//   - observed: the sequence of values observed under a name
//   - task_error: a task's terminal state and error code
//   - run_order: the order tasks started
//   - strong_count: a node's final strong count
//
// # Deterministic Testing
//
// Every scenario runs in a fresh engine with testutil.DeterministicClock and
// a fixed session token ("test-session" unless the scenario sets one), so
// traces are reproducible and can be compared against golden files with
// RunWithGolden.
package harness
