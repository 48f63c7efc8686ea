package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/infersched/internal/resource"
)

// Priority orders requests. Higher values are dispatched first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns the lowercase priority name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("p%d", int(p))
	}
}

// ParsePriority converts a name ("low", "normal", "high") to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal returns true if this status is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Request is a unit of inference work.
type Request struct {
	ID          string          `json:"id"`
	TargetID    string          `json:"target_id"`
	Priority    Priority        `json:"priority"`
	Payload     []byte          `json:"payload,omitempty"`
	Limits      resource.Limits `json:"limits"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Timeout     time.Duration   `json:"timeout"`
	RetryCount  int             `json:"retry_count"`
	Status      Status          `json:"status"`
}

// Response is what a completed request produced.
type Response struct {
	RequestID string        `json:"request_id"`
	TargetID  string        `json:"target_id"`
	Output    []byte        `json:"output,omitempty"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Length     int              `json:"length"`
	InProgress int              `json:"in_progress"`
	ByPriority map[Priority]int `json:"by_priority"`
	ByStatus   map[Status]int   `json:"by_status"`
}
