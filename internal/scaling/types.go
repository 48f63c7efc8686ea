package scaling

import (
	"context"
	"time"

	"github.com/Iron-Ham/infersched/internal/resource"
)

// Direction is the outcome of a scaling evaluation.
type Direction string

const (
	// DirectionUp indicates instances should be added.
	DirectionUp Direction = "up"

	// DirectionDown indicates instances should be removed.
	DirectionDown Direction = "down"

	// DirectionNone indicates no change.
	DirectionNone Direction = "none"
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	return string(d)
}

// Decision is the result of evaluating one target on one tick.
type Decision struct {
	TargetID  string
	Direction Direction

	// Delta is the number of instances to add (positive) or remove
	// (negative). Zero when Direction is DirectionNone.
	Delta int

	// Current is the instance count the decision was made against.
	Current int

	// Reason is a human-readable explanation of the decision.
	Reason string

	Metrics   resource.Metrics
	Timestamp time.Time
}

// Target returns the instance count the decision leads to.
func (d Decision) Target() int {
	return d.Current + d.Delta
}

// Event records an applied scaling action.
type Event struct {
	TargetID  string           `json:"target_id"`
	Direction Direction        `json:"direction"`
	From      int              `json:"from"`
	To        int              `json:"to"`
	Reason    string           `json:"reason"`
	Metrics   resource.Metrics `json:"metrics"`
	Timestamp time.Time        `json:"timestamp"`
}

// CapacityProvisioner changes the number of serving instances of a target.
type CapacityProvisioner interface {
	ScaleUp(ctx context.Context, targetID string, delta int) error
	ScaleDown(ctx context.Context, targetID string, delta int) error
}

// InstanceCounter is implemented by provisioners that can report the live
// instance count. The autoscaler refreshes its view from it every tick.
type InstanceCounter interface {
	Instances(ctx context.Context, targetID string) (int, error)
}

// TargetStatus is a snapshot of one tracked target.
type TargetStatus struct {
	TargetID   string
	Instances  int
	Config     AutoScalingConfig
	LastScaled time.Time
}
