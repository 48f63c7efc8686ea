// Package executor owns the lifecycle of in-flight requests.
//
// [Coordinator.Execute] reserves resources through a resource.Allocator,
// creates an [ExecutionContext] carrying a cancellation token, hands it to a
// [JobRunner], and races the job against a hard timeout. Whatever happens
// (success, runner error, panic, timeout, cancellation) the allocation is
// released exactly once and the context is removed from the active table.
//
// Cancellation is cooperative: [Coordinator.Cancel] signals the token and
// reclaims resources immediately, but a runner that ignores the token keeps
// running in the background until it returns; its late result is dropped.
package executor
