package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/semaphore"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/resource"
)

// Defaults applied by NewAdmissionQueue to zero-valued Options fields.
const (
	DefaultMaxSize        = 1000
	DefaultTimeout        = 30 * time.Second
	DefaultRetryAttempts  = 3
	DefaultPriorityLevels = 3
	DefaultConcurrency    = 2
	DefaultRecheckMin     = 50 * time.Millisecond
	DefaultRecheckMax     = 2 * time.Second
)

// Options configures an AdmissionQueue.
type Options struct {
	// MaxSize bounds pending plus in-flight requests.
	MaxSize int
	// Timeout is applied to requests submitted without one.
	Timeout time.Duration
	// RetryAttempts is how many times a retryable failure is re-queued.
	// Negative means no retries.
	RetryAttempts int
	// PriorityLevels is the number of buckets; valid priorities are
	// 0..PriorityLevels-1.
	PriorityLevels int
	// Concurrency bounds simultaneously executing requests.
	Concurrency int
	// DefaultLimits is applied to requests submitted with zero Limits.
	DefaultLimits resource.Limits
	// RecheckMin and RecheckMax bound the backoff between admission checks
	// of a refused head request.
	RecheckMin time.Duration
	RecheckMax time.Duration
}

// DefaultOptions returns Options with every default filled in.
func DefaultOptions() Options {
	return Options{
		MaxSize:        DefaultMaxSize,
		Timeout:        DefaultTimeout,
		RetryAttempts:  DefaultRetryAttempts,
		PriorityLevels: DefaultPriorityLevels,
		Concurrency:    DefaultConcurrency,
		RecheckMin:     DefaultRecheckMin,
		RecheckMax:     DefaultRecheckMax,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxSize <= 0 {
		o.MaxSize = d.MaxSize
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.PriorityLevels <= 0 {
		o.PriorityLevels = d.PriorityLevels
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.RecheckMin <= 0 {
		o.RecheckMin = d.RecheckMin
	}
	if o.RecheckMax < o.RecheckMin {
		o.RecheckMax = max(d.RecheckMax, o.RecheckMin)
	}
	return o
}

// Admitter decides whether a request may start now.
type Admitter interface {
	CanAdmit(ctx context.Context, targetID string, want resource.Limits) bool
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, targetID string, want resource.Limits) bool

// CanAdmit implements Admitter.
func (f AdmitterFunc) CanAdmit(ctx context.Context, targetID string, want resource.Limits) bool {
	return f(ctx, targetID, want)
}

// AlwaysAdmit admits every request.
var AlwaysAdmit Admitter = AdmitterFunc(func(context.Context, string, resource.Limits) bool { return true })

// ExecuteFunc runs one attempt of a request.
type ExecuteFunc func(ctx context.Context, req Request) (Response, error)

type entry struct {
	req    Request
	handle *Handle
}

// AdmissionQueue is a bounded priority queue with a single dispatch loop.
// All methods are safe for concurrent use.
type AdmissionQueue struct {
	opts     Options
	admitter Admitter
	exec     ExecuteFunc
	bus      *event.Bus
	logger   *logging.Logger
	slots    *semaphore.Weighted

	mu         sync.Mutex
	buckets    [][]*entry        // index = priority, FIFO within
	live       map[string]*entry // pending and processing
	inProgress int
	completed  int
	failed     int

	wake chan struct{}

	runMu      sync.Mutex
	running    bool
	stopLoop   context.CancelFunc
	execCancel context.CancelFunc
	loopDone   chan struct{}
	workers    conc.WaitGroup
}

// NewAdmissionQueue creates a queue. admitter may be nil to admit everything.
// The dispatch loop does not run until Start is called.
func NewAdmissionQueue(opts Options, admitter Admitter, exec ExecuteFunc, bus *event.Bus, logger *logging.Logger) *AdmissionQueue {
	opts = opts.withDefaults()
	if admitter == nil {
		admitter = AlwaysAdmit
	}
	return &AdmissionQueue{
		opts:     opts,
		admitter: admitter,
		exec:     exec,
		bus:      bus,
		logger:   logging.OrNop(logger).WithComponent("queue"),
		slots:    semaphore.NewWeighted(int64(opts.Concurrency)),
		buckets:  make([][]*entry, opts.PriorityLevels),
		live:     make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
}

// Options returns the effective options.
func (q *AdmissionQueue) Options() Options {
	return q.opts
}

// Enqueue validates req, fills in defaults and inserts it at the tail of its
// priority bucket. The returned Handle resolves when the request reaches a
// terminal state.
func (q *AdmissionQueue) Enqueue(req Request) (*Handle, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.TargetID == "" {
		return nil, errors.NewQueueError("enqueue rejected",
			errors.NewValidationError("target id is required").WithField("target_id")).WithRequestID(req.ID)
	}
	if int(req.Priority) < 0 || int(req.Priority) >= q.opts.PriorityLevels {
		return nil, errors.NewQueueError("enqueue rejected",
			errors.NewValidationError(fmt.Sprintf("priority must be in [0,%d)", q.opts.PriorityLevels)).
				WithField("priority").WithValue(int(req.Priority))).WithRequestID(req.ID)
	}
	if req.Timeout <= 0 {
		req.Timeout = q.opts.Timeout
	}
	if req.Limits.IsZero() {
		req.Limits = q.opts.DefaultLimits
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	req.Status = StatusPending

	q.mu.Lock()
	if _, dup := q.live[req.ID]; dup {
		q.mu.Unlock()
		return nil, errors.NewQueueError("enqueue rejected", errors.ErrDuplicateRequest).WithRequestID(req.ID)
	}
	if q.sizeLocked() >= q.opts.MaxSize {
		q.mu.Unlock()
		return nil, errors.NewCapacityError(q.opts.MaxSize)
	}
	e := &entry{req: req, handle: newHandle(req.ID)}
	q.buckets[req.Priority] = append(q.buckets[req.Priority], e)
	q.live[req.ID] = e
	pending, inProgress := q.pendingLocked(), q.inProgress
	q.mu.Unlock()

	q.logger.WithRequest(req.ID).Debug("request queued",
		"target_id", req.TargetID,
		"priority", req.Priority.String(),
		"pending", pending,
	)
	q.publish(event.NewRequestQueuedEvent(req.ID, req.TargetID, req.Priority.String(), pending))
	q.publish(event.NewQueueDepthChangedEvent(pending, inProgress))
	q.signal()
	return e.handle, nil
}

// Get returns a copy of a live (pending or processing) request.
func (q *AdmissionQueue) Get(id string) (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.live[id]
	if !ok {
		return Request{}, false
	}
	return e.req, true
}

// Remove drops a pending request and fails its handle with a CanceledError.
// It reports false if the request is unknown or already processing.
func (q *AdmissionQueue) Remove(id string) bool {
	q.mu.Lock()
	e, ok := q.live[id]
	if !ok || e.req.Status != StatusPending || !q.unlinkLocked(e) {
		q.mu.Unlock()
		return false
	}
	delete(q.live, id)
	e.req.Status = StatusFailed
	q.failed++
	pending, inProgress := q.pendingLocked(), q.inProgress
	q.mu.Unlock()

	err := errors.NewCanceledError(id)
	q.logger.WithRequest(id).Info("pending request removed")
	e.handle.resolve(Response{}, err)
	q.publish(event.NewRequestFailedEvent(id, e.req.TargetID, e.req.RetryCount, err))
	q.publish(event.NewQueueDepthChangedEvent(pending, inProgress))
	return true
}

// Clear drops every pending request. In-flight requests are unaffected.
// It returns the number of requests dropped.
func (q *AdmissionQueue) Clear() int {
	q.mu.Lock()
	var dropped []*entry
	for p := range q.buckets {
		dropped = append(dropped, q.buckets[p]...)
		q.buckets[p] = nil
	}
	for _, e := range dropped {
		delete(q.live, e.req.ID)
		e.req.Status = StatusFailed
	}
	q.failed += len(dropped)
	inProgress := q.inProgress
	q.mu.Unlock()

	for _, e := range dropped {
		e.handle.resolve(Response{}, errors.NewCanceledError(e.req.ID))
	}
	q.logger.Info("queue cleared", "dropped", len(dropped))
	q.publish(event.NewQueueClearedEvent(len(dropped)))
	q.publish(event.NewQueueDepthChangedEvent(0, inProgress))
	return len(dropped)
}

// Stats returns a snapshot of queue state.
func (q *AdmissionQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Length:     q.pendingLocked(),
		InProgress: q.inProgress,
		ByPriority: make(map[Priority]int),
		ByStatus: map[Status]int{
			StatusPending:    0,
			StatusProcessing: 0,
			StatusCompleted:  q.completed,
			StatusFailed:     q.failed,
		},
	}
	for _, e := range q.live {
		s.ByPriority[e.req.Priority]++
		s.ByStatus[e.req.Status]++
	}
	return s
}

// Len returns the number of pending requests.
func (q *AdmissionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *AdmissionQueue) sizeLocked() int {
	return q.pendingLocked() + q.inProgress
}

func (q *AdmissionQueue) pendingLocked() int {
	n := 0
	for _, b := range q.buckets {
		n += len(b)
	}
	return n
}

// headLocked returns the first entry of the highest non-empty bucket.
func (q *AdmissionQueue) headLocked() *entry {
	for p := len(q.buckets) - 1; p >= 0; p-- {
		if len(q.buckets[p]) > 0 {
			return q.buckets[p][0]
		}
	}
	return nil
}

func (q *AdmissionQueue) unlinkLocked(e *entry) bool {
	b := q.buckets[e.req.Priority]
	for i, cur := range b {
		if cur == e {
			q.buckets[e.req.Priority] = append(b[:i:i], b[i+1:]...)
			return true
		}
	}
	return false
}

func (q *AdmissionQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *AdmissionQueue) publish(e event.Event) {
	if q.bus != nil {
		q.bus.Publish(e)
	}
}
