package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
)

// Start launches the dispatch loop. Executions run on a context detached
// from ctx so that Stop can drain them; cancelling ctx only stops dispatch.
func (q *AdmissionQueue) Start(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if q.running {
		return fmt.Errorf("admission queue already running")
	}
	if q.exec == nil {
		return fmt.Errorf("admission queue has no execute function")
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	q.stopLoop = stopLoop
	q.execCancel = execCancel
	q.loopDone = make(chan struct{})
	q.running = true

	go q.dispatchLoop(loopCtx, execCtx)
	q.logger.Info("dispatch loop started",
		"concurrency", q.opts.Concurrency,
		"max_size", q.opts.MaxSize,
	)
	return nil
}

// Stop halts dispatch and waits for in-flight executions to finish. If ctx
// ends first, in-flight executions are cancelled and Stop waits for them to
// unwind. Pending requests stay queued.
func (q *AdmissionQueue) Stop(ctx context.Context) error {
	q.runMu.Lock()
	defer q.runMu.Unlock()

	if !q.running {
		return nil
	}
	q.stopLoop()
	<-q.loopDone

	drained := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		q.logger.Warn("stop deadline reached, cancelling in-flight executions")
		q.execCancel()
		<-drained
	}
	q.execCancel()
	q.running = false
	q.logger.Info("dispatch loop stopped")
	return err
}

// Running reports whether the dispatch loop is active.
func (q *AdmissionQueue) Running() bool {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	return q.running
}

func (q *AdmissionQueue) newRecheckBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.RecheckMin
	b.MaxInterval = q.opts.RecheckMax
	b.Reset()
	return b
}

func (q *AdmissionQueue) dispatchLoop(ctx, execCtx context.Context) {
	defer close(q.loopDone)

	recheck := q.newRecheckBackOff()
	var refused *entry

	for {
		if err := q.slots.Acquire(ctx, 1); err != nil {
			return
		}

		head := q.waitForHead(ctx)
		if head == nil {
			q.slots.Release(1)
			return
		}

		if head != refused {
			recheck.Reset()
		}

		if !q.admitter.CanAdmit(ctx, head.req.TargetID, head.req.Limits) {
			q.slots.Release(1)
			refused = head
			wait := recheck.NextBackOff()
			q.logger.WithRequest(head.req.ID).Debug("admission refused, holding head",
				"target_id", head.req.TargetID,
				"retry_in", wait.String(),
			)
			if !q.sleep(ctx, wait) {
				return
			}
			continue
		}
		refused = nil

		req, ok := q.take(head)
		if !ok {
			// Removed or superseded while the admission check ran.
			q.slots.Release(1)
			continue
		}

		q.workers.Go(func() {
			defer q.slots.Release(1)
			q.process(execCtx, head, req)
		})
	}
}

// waitForHead blocks until a pending request exists or ctx ends.
func (q *AdmissionQueue) waitForHead(ctx context.Context) *entry {
	for {
		q.mu.Lock()
		head := q.headLocked()
		q.mu.Unlock()
		if head != nil {
			return head
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
		}
	}
}

// sleep waits for d, an enqueue, or ctx. It reports false when ctx ended.
func (q *AdmissionQueue) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
	case <-q.wake:
	}
	return true
}

// take moves e from pending to processing if it is still the head.
func (q *AdmissionQueue) take(e *entry) (Request, bool) {
	q.mu.Lock()
	if q.headLocked() != e {
		q.mu.Unlock()
		return Request{}, false
	}
	q.unlinkLocked(e)
	e.req.Status = StatusProcessing
	q.inProgress++
	req := e.req
	pending, inProgress := q.pendingLocked(), q.inProgress
	q.mu.Unlock()

	q.publish(event.NewQueueDepthChangedEvent(pending, inProgress))
	return req, true
}

func (q *AdmissionQueue) process(ctx context.Context, e *entry, req Request) {
	log := q.logger.WithRequest(req.ID)
	log.Debug("dispatching request", "target_id", req.TargetID, "attempt", req.RetryCount)

	resp, err := q.runAttempt(ctx, req)
	if err == nil {
		q.complete(e, resp)
		return
	}

	if errors.IsRetryable(err) && req.RetryCount < q.opts.RetryAttempts {
		q.requeue(e, err)
		return
	}
	q.fail(e, err)
}

func (q *AdmissionQueue) runAttempt(ctx context.Context, req Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewExecutionError(fmt.Sprintf("execute panicked: %v", r), nil).
				WithRequestID(req.ID).
				WithTargetID(req.TargetID).
				WithAttempt(req.RetryCount)
		}
	}()
	return q.exec(ctx, req)
}

func (q *AdmissionQueue) complete(e *entry, resp Response) {
	q.mu.Lock()
	e.req.Status = StatusCompleted
	delete(q.live, e.req.ID)
	q.inProgress--
	q.completed++
	req := e.req
	pending, inProgress := q.pendingLocked(), q.inProgress
	q.mu.Unlock()

	resp.RequestID = req.ID
	resp.TargetID = req.TargetID
	resp.Attempts = req.RetryCount + 1

	q.logger.WithRequest(req.ID).Info("request completed",
		"target_id", req.TargetID,
		"retry_count", req.RetryCount,
		"duration", resp.Duration.String(),
	)
	q.publish(event.NewRequestCompletedEvent(req.ID, req.TargetID, req.RetryCount, resp.Duration))
	q.publish(event.NewQueueDepthChangedEvent(pending, inProgress))
	e.handle.resolve(resp, nil)
	q.signal()
}

// requeue returns e to the tail of its own bucket with its retry count bumped.
func (q *AdmissionQueue) requeue(e *entry, cause error) {
	q.mu.Lock()
	e.req.RetryCount++
	e.req.Status = StatusPending
	q.inProgress--
	q.buckets[e.req.Priority] = append(q.buckets[e.req.Priority], e)
	req := e.req
	pending, inProgress := q.pendingLocked(), q.inProgress
	q.mu.Unlock()

	q.logger.WithRequest(req.ID).Warn("request retrying",
		"target_id", req.TargetID,
		"retry_count", req.RetryCount,
		"error", cause.Error(),
	)
	q.publish(event.NewRequestRetryingEvent(req.ID, req.TargetID, req.Priority.String(), req.RetryCount, cause))
	q.publish(event.NewQueueDepthChangedEvent(pending, inProgress))
	q.signal()
}

func (q *AdmissionQueue) fail(e *entry, cause error) {
	q.mu.Lock()
	e.req.Status = StatusFailed
	delete(q.live, e.req.ID)
	q.inProgress--
	q.failed++
	req := e.req
	pending, inProgress := q.pendingLocked(), q.inProgress
	q.mu.Unlock()

	q.logger.WithRequest(req.ID).Error("request failed",
		"target_id", req.TargetID,
		"retry_count", req.RetryCount,
		"error", cause.Error(),
	)
	q.publish(event.NewRequestFailedEvent(req.ID, req.TargetID, req.RetryCount, cause))
	q.publish(event.NewQueueDepthChangedEvent(pending, inProgress))
	e.handle.resolve(Response{}, cause)
	q.signal()
}
