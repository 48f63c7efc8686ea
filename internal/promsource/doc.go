// Package promsource reads per-target utilization and system health from a
// Prometheus server using instant PromQL queries.
package promsource
