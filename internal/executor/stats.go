package executor

import "time"

// TargetStats aggregates execution outcomes for one target.
type TargetStats struct {
	Executions    int     `json:"executions"`
	Successes     int     `json:"successes"`
	Failures      int     `json:"failures"`
	Timeouts      int     `json:"timeouts"`
	Cancellations int     `json:"cancellations"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// AvgLatency returns the mean successful latency as a Duration.
func (s TargetStats) AvgLatency() time.Duration {
	return time.Duration(s.AvgLatencyMs * float64(time.Millisecond))
}

// SuccessRate is Successes/Executions, or 0 with no executions.
func (s TargetStats) SuccessRate() float64 {
	if s.Executions == 0 {
		return 0
	}
	return float64(s.Successes) / float64(s.Executions)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeTimeout
	outcomeCancelled
)

// record folds one finished execution into s. The latency mean only covers
// successes: avg = (avg*(n-1) + sample) / n.
func (s *TargetStats) record(o outcome, latency time.Duration) {
	s.Executions++
	switch o {
	case outcomeSuccess:
		s.Successes++
		sample := float64(latency) / float64(time.Millisecond)
		n := float64(s.Successes)
		s.AvgLatencyMs = (s.AvgLatencyMs*(n-1) + sample) / n
		s.LastLatencyMs = sample
	case outcomeFailure:
		s.Failures++
	case outcomeTimeout:
		s.Timeouts++
	case outcomeCancelled:
		s.Cancellations++
	}
}
