// Package dispatch runs deferred tasks on named queues.
//
// Ordering contract (holds for every backing):
//   - Tasks submitted to the same queue run in submission order when the
//     queue is serial.
//   - Tasks on different queues have no relative order.
//   - Submitting never blocks and never runs the body inline.
//   - Every submitted task runs exactly once unless the process tears the
//     dispatcher down first. There is no cancellation of a single task.
//
// Two backings are provided. Scheduler is a single-threaded stub driven
// explicitly by RunPending and RunAll, used for deterministic tests and
// scenario replay. Dispatcher runs serial queues on one goroutine each and
// concurrent queues on a shared worker pool.
//
// A task's lifecycle is Pending -> Running -> Completed | Failed. A body that
// returns an error or panics fails the task; the failure is recorded on the
// task and logged, and the queue carries on with the next task. Once the body
// returns, the task's capture environment is released.
package dispatch
