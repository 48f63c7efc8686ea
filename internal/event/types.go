package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "request.queued", "scaling.scaled")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type names.
const (
	TypeRequestQueued         = "request.queued"
	TypeRequestRetrying       = "request.retrying"
	TypeRequestCompleted      = "request.completed"
	TypeRequestFailed         = "request.failed"
	TypeQueueCleared          = "queue.cleared"
	TypeQueueDepthChanged     = "queue.depth_changed"
	TypeExecutionStarted      = "execution.started"
	TypeExecutionCancelled    = "execution.cancelled"
	TypeOptimizationCompleted = "optimization.completed"
	TypeScaled                = "scaling.scaled"
	TypeError                 = "scheduler.error"
)

// AllTypes lists every event type the scheduler publishes.
func AllTypes() []string {
	return []string{
		TypeRequestQueued,
		TypeRequestRetrying,
		TypeRequestCompleted,
		TypeRequestFailed,
		TypeQueueCleared,
		TypeQueueDepthChanged,
		TypeExecutionStarted,
		TypeExecutionCancelled,
		TypeOptimizationCompleted,
		TypeScaled,
		TypeError,
	}
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Request Lifecycle Events
// -----------------------------------------------------------------------------

// RequestQueuedEvent is emitted when a request is accepted into the queue.
type RequestQueuedEvent struct {
	baseEvent
	RequestID string
	TargetID  string
	Priority  string
	Pending   int // queue length after insertion
}

// NewRequestQueuedEvent creates a RequestQueuedEvent.
func NewRequestQueuedEvent(requestID, targetID, priority string, pending int) RequestQueuedEvent {
	return RequestQueuedEvent{
		baseEvent: newBaseEvent(TypeRequestQueued),
		RequestID: requestID,
		TargetID:  targetID,
		Priority:  priority,
		Pending:   pending,
	}
}

// RequestRetryingEvent is emitted when a failed request is re-queued.
type RequestRetryingEvent struct {
	baseEvent
	RequestID  string
	TargetID   string
	Priority   string
	RetryCount int
	Err        error
}

// NewRequestRetryingEvent creates a RequestRetryingEvent.
func NewRequestRetryingEvent(requestID, targetID, priority string, retryCount int, err error) RequestRetryingEvent {
	return RequestRetryingEvent{
		baseEvent:  newBaseEvent(TypeRequestRetrying),
		RequestID:  requestID,
		TargetID:   targetID,
		Priority:   priority,
		RetryCount: retryCount,
		Err:        err,
	}
}

// RequestCompletedEvent is emitted when a request finishes successfully.
type RequestCompletedEvent struct {
	baseEvent
	RequestID  string
	TargetID   string
	RetryCount int
	Duration   time.Duration
}

// NewRequestCompletedEvent creates a RequestCompletedEvent.
func NewRequestCompletedEvent(requestID, targetID string, retryCount int, duration time.Duration) RequestCompletedEvent {
	return RequestCompletedEvent{
		baseEvent:  newBaseEvent(TypeRequestCompleted),
		RequestID:  requestID,
		TargetID:   targetID,
		RetryCount: retryCount,
		Duration:   duration,
	}
}

// RequestFailedEvent is emitted when a request reaches the terminal Failed state.
type RequestFailedEvent struct {
	baseEvent
	RequestID  string
	TargetID   string
	RetryCount int
	Err        error
}

// NewRequestFailedEvent creates a RequestFailedEvent.
func NewRequestFailedEvent(requestID, targetID string, retryCount int, err error) RequestFailedEvent {
	return RequestFailedEvent{
		baseEvent:  newBaseEvent(TypeRequestFailed),
		RequestID:  requestID,
		TargetID:   targetID,
		RetryCount: retryCount,
		Err:        err,
	}
}

// -----------------------------------------------------------------------------
// Queue Events
// -----------------------------------------------------------------------------

// QueueClearedEvent is emitted when pending requests are dropped in bulk.
type QueueClearedEvent struct {
	baseEvent
	Dropped int
}

// NewQueueClearedEvent creates a QueueClearedEvent.
func NewQueueClearedEvent(dropped int) QueueClearedEvent {
	return QueueClearedEvent{
		baseEvent: newBaseEvent(TypeQueueCleared),
		Dropped:   dropped,
	}
}

// QueueDepthChangedEvent is emitted whenever pending or in-progress counts change.
type QueueDepthChangedEvent struct {
	baseEvent
	Pending    int
	InProgress int
}

// NewQueueDepthChangedEvent creates a QueueDepthChangedEvent.
func NewQueueDepthChangedEvent(pending, inProgress int) QueueDepthChangedEvent {
	return QueueDepthChangedEvent{
		baseEvent:  newBaseEvent(TypeQueueDepthChanged),
		Pending:    pending,
		InProgress: inProgress,
	}
}

// -----------------------------------------------------------------------------
// Execution Events
// -----------------------------------------------------------------------------

// ExecutionStartedEvent is emitted once resources are allocated and the job runner is invoked.
type ExecutionStartedEvent struct {
	baseEvent
	RequestID string
	TargetID  string
	Timeout   time.Duration
}

// NewExecutionStartedEvent creates an ExecutionStartedEvent.
func NewExecutionStartedEvent(requestID, targetID string, timeout time.Duration) ExecutionStartedEvent {
	return ExecutionStartedEvent{
		baseEvent: newBaseEvent(TypeExecutionStarted),
		RequestID: requestID,
		TargetID:  targetID,
		Timeout:   timeout,
	}
}

// ExecutionCancelledEvent is emitted when a live execution is cancelled.
type ExecutionCancelledEvent struct {
	baseEvent
	RequestID string
	TargetID  string
}

// NewExecutionCancelledEvent creates an ExecutionCancelledEvent.
func NewExecutionCancelledEvent(requestID, targetID string) ExecutionCancelledEvent {
	return ExecutionCancelledEvent{
		baseEvent: newBaseEvent(TypeExecutionCancelled),
		RequestID: requestID,
		TargetID:  targetID,
	}
}

// -----------------------------------------------------------------------------
// Optimization and Scaling Events
// -----------------------------------------------------------------------------

// OptimizationCompletedEvent is emitted after recommendations are computed for a target.
type OptimizationCompletedEvent struct {
	baseEvent
	TargetID        string
	Recommendations int
	Confidence      float64
}

// NewOptimizationCompletedEvent creates an OptimizationCompletedEvent.
func NewOptimizationCompletedEvent(targetID string, recommendations int, confidence float64) OptimizationCompletedEvent {
	return OptimizationCompletedEvent{
		baseEvent:       newBaseEvent(TypeOptimizationCompleted),
		TargetID:        targetID,
		Recommendations: recommendations,
		Confidence:      confidence,
	}
}

// ScaledEvent is emitted after the provisioner acknowledged a scaling action.
type ScaledEvent struct {
	baseEvent
	TargetID  string
	Direction string // "up" or "down"
	From      int
	To        int
	Reason    string
}

// NewScaledEvent creates a ScaledEvent.
func NewScaledEvent(targetID, direction string, from, to int, reason string) ScaledEvent {
	return ScaledEvent{
		baseEvent: newBaseEvent(TypeScaled),
		TargetID:  targetID,
		Direction: direction,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// ErrorEvent reports a non-fatal error from a background loop.
type ErrorEvent struct {
	baseEvent
	Component string
	TargetID  string
	Err       error
}

// NewErrorEvent creates an ErrorEvent.
func NewErrorEvent(component, targetID string, err error) ErrorEvent {
	return ErrorEvent{
		baseEvent: newBaseEvent(TypeError),
		Component: component,
		TargetID:  targetID,
		Err:       err,
	}
}
