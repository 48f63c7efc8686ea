// Package event provides a pub-sub event bus and the notification variants
// emitted by the scheduler.
//
// Components publish events without knowing who receives them; telemetry,
// the CLI and tests subscribe without knowing who produces them.
//
// # Main Types
//
//   - [Event]: interface implemented by all events (EventType, Timestamp)
//   - [Bus]: synchronous, thread-safe dispatcher
//   - [Handler]: func(Event)
//   - [On]: typed subscription helper
//
// # Event Categories
//
// Request lifecycle: [RequestQueuedEvent], [RequestRetryingEvent],
// [RequestCompletedEvent], [RequestFailedEvent].
//
// Queue: [QueueClearedEvent], [QueueDepthChangedEvent].
//
// Execution: [ExecutionStartedEvent], [ExecutionCancelledEvent].
//
// Optimization and scaling: [OptimizationCompletedEvent], [ScaledEvent],
// [ErrorEvent].
//
// # Thread Safety
//
// [Bus] is safe for concurrent use. Handlers run synchronously on the
// publishing goroutine, so they must not block. A panicking handler is
// recovered and logged and does not prevent delivery to other handlers.
//
// # Teardown
//
// Every Subscribe call returns an id. Unsubscribe removes exactly that
// handler; Clear removes all of them.
package event
