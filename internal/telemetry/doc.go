// Package telemetry turns scheduler notifications into Prometheus metrics
// and serves them over HTTP.
package telemetry
