package scaling

import (
	"fmt"
	"math"

	"github.com/Iron-Ham/infersched/internal/resource"
)

// Evaluate compares utilization against the hysteresis band of cfg and
// returns the desired change for a target currently running current
// instances. It enforces [MinInstances, MaxInstances] but not cooldown,
// which depends on the target's event history.
//
// Scale-up happens when either CPU or memory is above ScaleUpThreshold; the
// delta is sized so utilization would fall back to its target, and is at
// least 1. Scale-down happens when both are below ScaleDownThreshold, one
// instance at a time, and only while health is at or above healthFloor.
func Evaluate(cfg AutoScalingConfig, current int, m resource.Metrics, health resource.Health, healthFloor float64) Decision {
	d := Decision{
		Direction: DirectionNone,
		Current:   current,
		Metrics:   m,
		Timestamp: m.Timestamp,
	}

	switch {
	case m.CPU > cfg.ScaleUpThreshold || m.Memory > cfg.ScaleUpThreshold:
		if current >= cfg.MaxInstances {
			d.Reason = fmt.Sprintf("at max instances (%d)", cfg.MaxInstances)
			return d
		}
		ratio := math.Max(m.CPU/cfg.TargetCPUUtilization, m.Memory/cfg.TargetMemoryUtilization)
		delta := int(math.Ceil(float64(current)*ratio)) - current
		delta = max(delta, 1)
		delta = min(delta, cfg.MaxInstances-current)
		d.Direction = DirectionUp
		d.Delta = delta
		d.Reason = fmt.Sprintf("cpu %.1f%% / memory %.1f%% above scale-up threshold %.1f%%",
			m.CPU, m.Memory, cfg.ScaleUpThreshold)

	case m.CPU < cfg.ScaleDownThreshold && m.Memory < cfg.ScaleDownThreshold:
		if current <= cfg.MinInstances {
			d.Reason = fmt.Sprintf("at min instances (%d)", cfg.MinInstances)
			return d
		}
		if health.Score < healthFloor {
			d.Reason = fmt.Sprintf("health %.2f below floor %.2f, holding capacity", health.Score, healthFloor)
			return d
		}
		d.Direction = DirectionDown
		d.Delta = -1
		d.Reason = fmt.Sprintf("cpu %.1f%% / memory %.1f%% below scale-down threshold %.1f%%",
			m.CPU, m.Memory, cfg.ScaleDownThreshold)

	default:
		d.Reason = "utilization within band"
	}
	return d
}

// Correct returns the decision that brings an instance count observed
// outside [MinInstances, MaxInstances] back to the nearest bound,
// regardless of utilization. It returns DirectionNone for a count already
// in bounds.
func Correct(cfg AutoScalingConfig, current int, m resource.Metrics) Decision {
	d := Decision{
		Direction: DirectionNone,
		Current:   current,
		Metrics:   m,
		Timestamp: m.Timestamp,
	}
	switch {
	case current > cfg.MaxInstances:
		d.Direction = DirectionDown
		d.Delta = cfg.MaxInstances - current
		d.Reason = fmt.Sprintf("observed %d instances above max instances (%d)", current, cfg.MaxInstances)
	case current < cfg.MinInstances:
		d.Direction = DirectionUp
		d.Delta = cfg.MinInstances - current
		d.Reason = fmt.Sprintf("observed %d instances below min instances (%d)", current, cfg.MinInstances)
	default:
		d.Reason = "instances within bounds"
	}
	return d
}
