// Package sim is an in-process stand-in for a serving cluster. A Cluster
// reports load that rises with in-flight jobs and falls as instances are
// added, and runs jobs with a configured latency and failure rate.
package sim
