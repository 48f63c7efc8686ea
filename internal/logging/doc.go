// Package logging provides structured logging for the scheduler.
//
// This package wraps Go's log/slog to provide JSON-formatted logs with
// persistent context attributes (component, target, request) so that the
// dispatch loop, executions and autoscaler ticks can be correlated after
// the fact.
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/var/log/infersched", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	qlog := logger.WithComponent("queue")
//	qlog.WithRequest("req-1").Info("request queued", "priority", "high")
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"request queued","component":"queue","request_id":"req-1","priority":"high"}
//
// # Kubernetes Integration
//
// Controller-runtime and client-go log through github.com/go-logr/logr.
// [Logger.Logr] returns a logr.Logger backed by the same slog handler so
// those libraries write into the same stream.
//
// # Testing
//
// Use [NopLogger] to discard all log output.
package logging
