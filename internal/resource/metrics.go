package resource

import (
	"context"
	"time"
)

// Metrics is a timestamped utilization snapshot for one target.
// CPU, Memory, GPU and ErrorRate are percentages in [0, 100].
type Metrics struct {
	CPU        float64   `json:"cpu"`
	Memory     float64   `json:"memory"`
	GPU        *float64  `json:"gpu,omitempty"`
	LatencyMs  float64   `json:"latency_ms"`
	Throughput float64   `json:"throughput"`
	ErrorRate  float64   `json:"error_rate"`
	Timestamp  time.Time `json:"timestamp"`
}

// HasGPU reports whether the snapshot carries a GPU reading.
func (m Metrics) HasGPU() bool {
	return m.GPU != nil
}

// GPUOrZero returns the GPU reading, or 0 when absent.
func (m Metrics) GPUOrZero() float64 {
	if m.GPU == nil {
		return 0
	}
	return *m.GPU
}

// Float returns a pointer to v, for building optional readings.
func Float(v float64) *float64 {
	return &v
}

// Limits is the share of a target's capacity one execution reserves,
// in the same percentage units as Metrics. GPU 0 means no GPU is needed.
type Limits struct {
	CPU    float64 `json:"cpu" mapstructure:"cpu"`
	Memory float64 `json:"memory" mapstructure:"memory"`
	GPU    float64 `json:"gpu,omitempty" mapstructure:"gpu"`
}

// Add returns the component-wise sum of l and o.
func (l Limits) Add(o Limits) Limits {
	return Limits{CPU: l.CPU + o.CPU, Memory: l.Memory + o.Memory, GPU: l.GPU + o.GPU}
}

// Sub returns the component-wise difference of l and o.
func (l Limits) Sub(o Limits) Limits {
	return Limits{CPU: l.CPU - o.CPU, Memory: l.Memory - o.Memory, GPU: l.GPU - o.GPU}
}

// IsZero reports whether no resources are requested.
func (l Limits) IsZero() bool {
	return l.CPU == 0 && l.Memory == 0 && l.GPU == 0
}

// Health is an aggregate view of the serving system.
// Score is in [0, 1]; 1 means fully healthy.
type Health struct {
	Score     float64   `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// MetricsSource supplies the latest metrics per target.
type MetricsSource interface {
	LatestMetrics(ctx context.Context) (map[string]Metrics, error)
}

// HealthSource supplies the aggregate system health.
type HealthSource interface {
	SystemHealth(ctx context.Context) (Health, error)
}

// StaticHealth is a HealthSource that always reports the same score.
type StaticHealth float64

// SystemHealth implements HealthSource.
func (s StaticHealth) SystemHealth(context.Context) (Health, error) {
	return Health{Score: float64(s), Timestamp: time.Now()}, nil
}
