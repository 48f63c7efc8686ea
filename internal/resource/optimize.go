package resource

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
)

// RecommendationKind names the knob a recommendation adjusts.
type RecommendationKind string

const (
	KindCPU    RecommendationKind = "cpu"
	KindMemory RecommendationKind = "memory"
	KindGPU    RecommendationKind = "gpu"
	KindBatch  RecommendationKind = "batch"
	KindThread RecommendationKind = "thread"
)

// Recommendation is a single tuning suggestion. Impact is in [0, 1].
type Recommendation struct {
	Kind             RecommendationKind `json:"kind"`
	CurrentValue     float64            `json:"current_value"`
	RecommendedValue float64            `json:"recommended_value"`
	Impact           float64            `json:"impact"`
	Reason           string             `json:"reason"`
}

// Optimization is the result of Probe.Optimize.
type Optimization struct {
	TargetID        string           `json:"target_id"`
	Recommendations []Recommendation `json:"recommendations"`
	Metrics         Metrics          `json:"metrics"`
	Confidence      float64          `json:"confidence"`
}

// Rule thresholds for Recommend.
const (
	cpuHighWater      = 80.0
	memoryHighWater   = 85.0
	gpuLowWater       = 50.0
	latencyHighMs     = 100.0
	throughputLow     = 1000.0
	batchLatencyScale = 500.0
	maxBatchSize      = 32
)

// Recommend applies the fixed tuning rules to m. It never returns nil.
func Recommend(m Metrics) []Recommendation {
	recs := []Recommendation{}

	if m.CPU > cpuHighWater {
		recs = append(recs, Recommendation{
			Kind:             KindCPU,
			CurrentValue:     m.CPU,
			RecommendedValue: m.CPU * 1.5,
			Impact:           0.8,
			Reason:           fmt.Sprintf("cpu utilization %.1f%% above %.0f%%", m.CPU, cpuHighWater),
		})
	}

	if m.Memory > memoryHighWater {
		recs = append(recs, Recommendation{
			Kind:             KindMemory,
			CurrentValue:     m.Memory,
			RecommendedValue: m.Memory * 1.3,
			Impact:           0.7,
			Reason:           fmt.Sprintf("memory utilization %.1f%% above %.0f%%", m.Memory, memoryHighWater),
		})
	}

	if m.GPU != nil && *m.GPU < gpuLowWater {
		gpu := *m.GPU
		recs = append(recs, Recommendation{
			Kind:             KindGPU,
			CurrentValue:     gpu,
			RecommendedValue: math.Min(gpu*2, 100),
			Impact:           0.6,
			Reason:           fmt.Sprintf("gpu utilization %.1f%% below %.0f%%", gpu, gpuLowWater),
		})
	}

	if m.LatencyMs > latencyHighMs && m.Throughput < throughputLow {
		batch := math.Ceil(m.Throughput / (batchLatencyScale / m.LatencyMs))
		batch = math.Max(1, math.Min(batch, maxBatchSize))
		recs = append(recs, Recommendation{
			Kind:             KindBatch,
			CurrentValue:     1,
			RecommendedValue: batch,
			Impact:           0.5,
			Reason:           fmt.Sprintf("latency %.0fms with throughput %.0f", m.LatencyMs, m.Throughput),
		})
	}

	return recs
}

// Confidence is the mean impact of recs clamped to [0, 1]. An empty set has
// nothing to improve and yields 1.
func Confidence(recs []Recommendation) float64 {
	if len(recs) == 0 {
		return 1
	}
	impacts := make([]float64, len(recs))
	for i, r := range recs {
		impacts[i] = r.Impact
	}
	return math.Max(0, math.Min(1, stat.Mean(impacts, nil)))
}

// Optimize computes recommendations for targetID from its latest metrics.
// It returns a NotFoundError when the target has no metrics.
func (p *Probe) Optimize(ctx context.Context, targetID string) (Optimization, error) {
	p.refreshIfStale(ctx)

	m, ok := p.Metrics(targetID)
	if !ok {
		return Optimization{}, errors.NewNotFoundError("target", targetID).WithCause(errors.ErrNoMetrics)
	}

	recs := Recommend(m)
	result := Optimization{
		TargetID:        targetID,
		Recommendations: recs,
		Metrics:         m,
		Confidence:      Confidence(recs),
	}

	p.logger.Info("optimization completed",
		"target_id", targetID,
		"recommendations", len(recs),
		"confidence", result.Confidence,
	)
	if p.bus != nil {
		p.bus.Publish(event.NewOptimizationCompletedEvent(targetID, len(recs), result.Confidence))
	}
	return result, nil
}
