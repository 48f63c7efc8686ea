package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/executor"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/queue"
	"github.com/Iron-Ham/infersched/internal/resource"
)

// TargetSpec describes one simulated target. Load figures are percentages
// for a single instance; they are spread across however many instances
// the target currently runs.
type TargetSpec struct {
	Instances    int           `yaml:"instances"`
	BaseCPU      float64       `yaml:"base_cpu"`
	BaseMemory   float64       `yaml:"base_memory"`
	CPUPerJob    float64       `yaml:"cpu_per_job"`
	MemoryPerJob float64       `yaml:"memory_per_job"`
	GPU          *float64      `yaml:"gpu,omitempty"`
	Latency      time.Duration `yaml:"latency"`
	FailureRate  float64       `yaml:"failure_rate"`
}

type target struct {
	spec      TargetSpec
	instances int
	active    int
	completed int
	failed    int
	since     time.Time
}

// Cluster implements resource.MetricsSource, resource.HealthSource,
// scaling.CapacityProvisioner, scaling.InstanceCounter and
// executor.JobRunner over simulated targets.
type Cluster struct {
	logger *logging.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	health  float64
	targets map[string]*target
}

// NewCluster creates an empty cluster. seed makes failures reproducible.
func NewCluster(seed uint64, logger *logging.Logger) *Cluster {
	return &Cluster{
		logger:  logging.OrNop(logger).WithComponent("sim"),
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		health:  1,
		targets: make(map[string]*target),
	}
}

// AddTarget adds or replaces a target.
func (c *Cluster) AddTarget(id string, spec TargetSpec) {
	if spec.Instances < 1 {
		spec.Instances = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets[id] = &target{spec: spec, instances: spec.Instances, since: time.Now()}
}

// Targets returns the simulated target ids in order.
func (c *Cluster) Targets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.targets))
	for id := range c.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetHealth sets the score SystemHealth reports.
func (c *Cluster) SetHealth(score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = score
}

// LatestMetrics reports current load per target. Throughput and error rate
// cover the interval since the previous call.
func (c *Cluster) LatestMetrics(context.Context) (map[string]resource.Metrics, error) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]resource.Metrics, len(c.targets))
	for id, t := range c.targets {
		n := float64(t.instances)
		m := resource.Metrics{
			CPU:       clamp((t.spec.BaseCPU + t.spec.CPUPerJob*float64(t.active)) / n),
			Memory:    clamp((t.spec.BaseMemory + t.spec.MemoryPerJob*float64(t.active)) / n),
			LatencyMs: float64(t.spec.Latency) / float64(time.Millisecond),
			Timestamp: now,
		}
		if t.spec.GPU != nil {
			m.GPU = resource.Float(clamp(*t.spec.GPU / n))
		}
		if elapsed := now.Sub(t.since).Seconds(); elapsed > 0 {
			m.Throughput = float64(t.completed) / elapsed
		}
		if total := t.completed + t.failed; total > 0 {
			m.ErrorRate = float64(t.failed) / float64(total)
		}
		t.completed, t.failed, t.since = 0, 0, now
		out[id] = m
	}
	return out, nil
}

// SystemHealth implements resource.HealthSource.
func (c *Cluster) SystemHealth(context.Context) (resource.Health, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return resource.Health{Score: c.health, Timestamp: time.Now()}, nil
}

// ScaleUp adds delta instances to targetID.
func (c *Cluster) ScaleUp(_ context.Context, targetID string, delta int) error {
	return c.resize(targetID, delta)
}

// ScaleDown removes delta instances from targetID. It never goes below one.
func (c *Cluster) ScaleDown(_ context.Context, targetID string, delta int) error {
	return c.resize(targetID, -delta)
}

// Instances returns the instance count of targetID.
func (c *Cluster) Instances(_ context.Context, targetID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.targets[targetID]
	if !ok {
		return 0, errors.NewNotFoundError("target", targetID).WithCause(errors.ErrTargetNotFound)
	}
	return t.instances, nil
}

func (c *Cluster) resize(targetID string, delta int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.targets[targetID]
	if !ok {
		return errors.NewNotFoundError("target", targetID).WithCause(errors.ErrTargetNotFound)
	}
	next := t.instances + delta
	if next < 1 {
		return errors.NewValidationError("target must keep at least one instance").
			WithField("instances").WithValue(next)
	}
	c.logger.WithTarget(targetID).Info("instances changed", "from", t.instances, "to", next)
	t.instances = next
	return nil
}

// Invoke implements executor.JobRunner. It holds the job for the target's
// latency, honouring cancellation, then fails with the target's failure
// rate.
func (c *Cluster) Invoke(ctx context.Context, ec *executor.ExecutionContext) (queue.Response, error) {
	c.mu.Lock()
	t, ok := c.targets[ec.TargetID]
	if !ok {
		c.mu.Unlock()
		return queue.Response{}, errors.NewNotFoundError("target", ec.TargetID).WithCause(errors.ErrTargetNotFound)
	}
	t.active++
	latency := t.spec.Latency
	fail := t.spec.FailureRate > 0 && c.rng.Float64() < t.spec.FailureRate
	c.mu.Unlock()

	timer := time.NewTimer(latency)
	defer timer.Stop()

	var err error
	select {
	case <-timer.C:
		if fail {
			err = fmt.Errorf("simulated failure on %s", ec.TargetID)
		}
	case <-ctx.Done():
		err = ctx.Err()
	}

	c.mu.Lock()
	t.active--
	if err != nil {
		t.failed++
	} else {
		t.completed++
	}
	c.mu.Unlock()

	if err != nil {
		return queue.Response{}, err
	}
	return queue.Response{Output: fmt.Appendf(nil, "%s handled %s (attempt %d)", ec.TargetID, ec.RequestID, ec.Attempt+1)}, nil
}

var _ executor.JobRunner = (*Cluster)(nil)

func clamp(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
