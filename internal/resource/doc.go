// Package resource tracks per-target resource usage and answers admission
// and tuning questions for the scheduler.
//
// A [Probe] combines three inputs: the latest [Metrics] snapshot per target
// (pulled from a [MetricsSource] or pushed with [Probe.Observe]), the
// outstanding allocations held by running executions (tracked by an
// [Allocator]), and the [Limits] a new request would add. CanAdmit refuses
// when the projected utilization crosses any configured [Thresholds] and
// fails closed for targets with no metrics yet.
//
// [Probe.Optimize] turns a metrics snapshot into deterministic
// [Recommendation] values with an aggregate confidence.
package resource
