package executor

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/infersched/internal/resource"
)

// ExecutionContext is the live state of one execution. The runner receives
// it and should watch Done for cancellation.
type ExecutionContext struct {
	RequestID  string
	TargetID   string
	Payload    []byte
	Attempt    int
	StartedAt  time.Time
	Timeout    time.Duration
	Allocation resource.Allocation

	ctx     context.Context
	cancel  context.CancelFunc
	release sync.Once
	// set by Coordinator.Cancel before the token fires
	cancelled bool
}

// Context returns the cancellation token as a context.Context.
func (ec *ExecutionContext) Context() context.Context {
	return ec.ctx
}

// Done is closed when the execution is cancelled or times out.
func (ec *ExecutionContext) Done() <-chan struct{} {
	return ec.ctx.Done()
}

// Info is a read-only snapshot of an ExecutionContext.
type Info struct {
	RequestID string          `json:"request_id"`
	TargetID  string          `json:"target_id"`
	Attempt   int             `json:"attempt"`
	StartedAt time.Time       `json:"started_at"`
	Timeout   time.Duration   `json:"timeout"`
	Limits    resource.Limits `json:"limits"`
}

func (ec *ExecutionContext) info() Info {
	return Info{
		RequestID: ec.RequestID,
		TargetID:  ec.TargetID,
		Attempt:   ec.Attempt,
		StartedAt: ec.StartedAt,
		Timeout:   ec.Timeout,
		Limits:    ec.Allocation.Limits,
	}
}
