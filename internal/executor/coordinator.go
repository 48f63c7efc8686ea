package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/queue"
	"github.com/Iron-Ham/infersched/internal/resource"
)

// DefaultTimeout bounds executions when neither Options nor the request
// carries a timeout.
const DefaultTimeout = 30 * time.Second

// JobRunner performs the actual model invocation.
type JobRunner interface {
	Invoke(ctx context.Context, ec *ExecutionContext) (queue.Response, error)
}

// JobRunnerFunc adapts a function to JobRunner.
type JobRunnerFunc func(ctx context.Context, ec *ExecutionContext) (queue.Response, error)

// Invoke implements JobRunner.
func (f JobRunnerFunc) Invoke(ctx context.Context, ec *ExecutionContext) (queue.Response, error) {
	return f(ctx, ec)
}

// Options tune a single execution. Zero fields fall back to the request,
// then to the coordinator's defaults.
type Options struct {
	Timeout        time.Duration   `mapstructure:"timeout"`
	MaxRetries     int             `mapstructure:"max_retries"`
	Priority       queue.Priority  `mapstructure:"-"`
	ResourceLimits resource.Limits `mapstructure:"resource_limits"`
}

type result struct {
	resp queue.Response
	err  error
}

// Coordinator runs requests through a JobRunner with paired resource
// accounting. It is safe for concurrent use.
type Coordinator struct {
	allocator *resource.Allocator
	runner    JobRunner
	defaults  Options
	bus       *event.Bus
	logger    *logging.Logger

	mu     sync.Mutex
	active map[string]*ExecutionContext
	stats  map[string]*TargetStats
}

// NewCoordinator creates a Coordinator. A nil allocator gets a private one.
func NewCoordinator(allocator *resource.Allocator, runner JobRunner, defaults Options, bus *event.Bus, logger *logging.Logger) *Coordinator {
	if allocator == nil {
		allocator = resource.NewAllocator()
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = DefaultTimeout
	}
	return &Coordinator{
		allocator: allocator,
		runner:    runner,
		defaults:  defaults,
		bus:       bus,
		logger:    logging.OrNop(logger).WithComponent("executor"),
		active:    make(map[string]*ExecutionContext),
		stats:     make(map[string]*TargetStats),
	}
}

// Execute runs one attempt of req. The returned error is nil, a
// TimeoutError, a CanceledError, a ProviderError wrapping the runner's
// failure, or an ExecutionError for a request that is already executing.
func (c *Coordinator) Execute(ctx context.Context, req queue.Request, opts Options) (queue.Response, error) {
	timeout := firstDuration(opts.Timeout, req.Timeout, c.defaults.Timeout)
	limits := opts.ResourceLimits
	if limits.IsZero() {
		limits = req.Limits
	}
	if limits.IsZero() {
		limits = c.defaults.ResourceLimits
	}

	ec, err := c.begin(ctx, req, timeout, limits)
	if err != nil {
		return queue.Response{}, err
	}
	log := c.logger.WithRequest(req.ID).WithTarget(req.TargetID)
	log.Debug("execution started", "timeout", timeout.String(), "attempt", req.RetryCount)
	c.publish(event.NewExecutionStartedEvent(req.ID, req.TargetID, timeout))

	results := make(chan result, 1)
	go func() {
		resp, err := c.invoke(ec)
		results <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		res result
		out outcome
	)
	select {
	case res = <-results:
		if res.err != nil {
			out = outcomeFailure
			res.err = c.classify(ec, res.err)
		}
	case <-timer.C:
		out = outcomeTimeout
		res.err = errors.NewTimeoutError("execute "+req.ID, timeout)
		log.Warn("execution timed out, reclaiming resources")
	case <-ec.Done():
		out = outcomeCancelled
		res.err = errors.NewCanceledError(req.ID)
	}
	if errors.Is(res.err, errors.ErrCanceled) {
		out = outcomeCancelled
	}

	elapsed := time.Since(ec.StartedAt)
	c.finish(ec, out, elapsed)

	if res.err != nil {
		log.Debug("execution ended with error", "error", res.err.Error(), "elapsed", elapsed.String())
		return queue.Response{}, res.err
	}
	res.resp.RequestID = req.ID
	res.resp.TargetID = req.TargetID
	res.resp.Duration = elapsed
	log.Debug("execution succeeded", "elapsed", elapsed.String())
	return res.resp, nil
}

// ExecuteFunc adapts the coordinator to the queue's execute hook using
// opts for every attempt.
func (c *Coordinator) ExecuteFunc(opts Options) queue.ExecuteFunc {
	return func(ctx context.Context, req queue.Request) (queue.Response, error) {
		return c.Execute(ctx, req, opts)
	}
}

func (c *Coordinator) begin(ctx context.Context, req queue.Request, timeout time.Duration, limits resource.Limits) (*ExecutionContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, live := c.active[req.ID]; live {
		return nil, errors.NewExecutionError("execute rejected", errors.ErrAlreadyExecuting).
			WithRequestID(req.ID).
			WithTargetID(req.TargetID).
			WithAttempt(req.RetryCount)
	}

	token, cancel := context.WithCancel(ctx)
	ec := &ExecutionContext{
		RequestID:  req.ID,
		TargetID:   req.TargetID,
		Payload:    req.Payload,
		Attempt:    req.RetryCount,
		StartedAt:  time.Now(),
		Timeout:    timeout,
		Allocation: c.allocator.Allocate(req.TargetID, limits),
		ctx:        token,
		cancel:     cancel,
	}
	c.active[req.ID] = ec
	return ec, nil
}

func (c *Coordinator) invoke(ec *ExecutionContext) (resp queue.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewExecutionError(fmt.Sprintf("job runner panicked: %v", r), nil).
				WithRequestID(ec.RequestID).
				WithTargetID(ec.TargetID).
				WithAttempt(ec.Attempt)
		}
	}()
	if c.runner == nil {
		return queue.Response{}, errors.NewExecutionError("no job runner configured", nil).WithRequestID(ec.RequestID)
	}
	return c.runner.Invoke(ec.ctx, ec)
}

// classify maps a runner error onto the scheduler taxonomy.
func (c *Coordinator) classify(ec *ExecutionContext, err error) error {
	c.mu.Lock()
	cancelled := ec.cancelled
	c.mu.Unlock()

	if cancelled || ec.ctx.Err() != nil || errors.Is(err, errors.ErrCanceled) {
		return errors.NewCanceledError(ec.RequestID)
	}
	var se errors.SchedulerError
	if errors.As(err, &se) {
		return err
	}
	return errors.NewProviderError(ec.TargetID, err)
}

// finish releases the allocation, removes the context if it is still the
// registered one, and records the outcome.
func (c *Coordinator) finish(ec *ExecutionContext, out outcome, elapsed time.Duration) {
	c.releaseOnce(ec)
	ec.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[ec.RequestID] == ec {
		delete(c.active, ec.RequestID)
	}
	st, ok := c.stats[ec.TargetID]
	if !ok {
		st = &TargetStats{}
		c.stats[ec.TargetID] = st
	}
	st.record(out, elapsed)
}

func (c *Coordinator) releaseOnce(ec *ExecutionContext) {
	ec.release.Do(func() {
		c.allocator.Release(ec.Allocation.ID)
	})
}

// Cancel signals the execution of requestID, reclaims its resources and
// removes it from the active table. Cancelling a request that is not
// executing is a no-op and emits nothing.
func (c *Coordinator) Cancel(requestID string) error {
	c.mu.Lock()
	ec, ok := c.active[requestID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.active, requestID)
	ec.cancelled = true
	c.mu.Unlock()

	ec.cancel()
	c.releaseOnce(ec)

	c.logger.WithRequest(requestID).Info("execution cancelled", "target_id", ec.TargetID)
	c.publish(event.NewExecutionCancelledEvent(requestID, ec.TargetID))
	return nil
}

// IsActive reports whether requestID currently has a live context.
func (c *Coordinator) IsActive(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[requestID]
	return ok
}

// ListActive returns a snapshot of live executions ordered by start time.
func (c *Coordinator) ListActive() []Info {
	c.mu.Lock()
	out := make([]Info, 0, len(c.active))
	for _, ec := range c.active {
		out = append(out, ec.info())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Stats returns per-target execution statistics.
func (c *Coordinator) Stats() map[string]TargetStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TargetStats, len(c.stats))
	for id, st := range c.stats {
		out[id] = *st
	}
	return out
}

// Allocator returns the allocator executions reserve against.
func (c *Coordinator) Allocator() *resource.Allocator {
	return c.allocator
}

func (c *Coordinator) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func firstDuration(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}
