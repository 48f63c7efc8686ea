// Package queue implements the priority admission queue that feeds the
// execution coordinator.
//
// Requests are held in one FIFO bucket per priority level. A single
// dispatch goroutine looks at the head of the highest non-empty bucket and
// releases it only when a concurrency slot is free and the [Admitter]
// agrees. If admission is refused the loop backs off and re-checks the same
// head; it never skips ahead to a lower-priority request that happens to
// fit. Sustained high-priority traffic can therefore starve lower buckets.
//
// Failed executions whose error is retryable go back to the tail of their
// own bucket until the retry budget is exhausted, after which the request is
// terminally Failed. Callers observe outcomes through the [Handle] returned
// by [AdmissionQueue.Enqueue] and through bus notifications.
//
// # Capacity
//
// MaxSize bounds pending plus in-flight requests, so a retry never needs
// room the queue does not have. An Enqueue past capacity fails with a
// CapacityError and leaves the queue unchanged.
//
// # Persistence
//
// [AdmissionQueue.SaveState] and [AdmissionQueue.LoadState] write and read
// live requests as JSON in a directory, atomically and under an flock(2)
// lock so two processes sharing the directory do not interleave.
package queue
