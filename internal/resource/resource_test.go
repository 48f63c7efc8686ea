package resource

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	schederrors "github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
)

type fakeSource struct {
	mu      sync.Mutex
	metrics map[string]Metrics
	err     error
	calls   int
}

func (f *fakeSource) LatestMetrics(context.Context) (map[string]Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]Metrics, len(f.metrics))
	for k, v := range f.metrics {
		out[k] = v
	}
	return out, nil
}

func TestAllocator_PairedAccounting(t *testing.T) {
	a := NewAllocator()

	first := a.Allocate("llama", Limits{CPU: 10, Memory: 5})
	second := a.Allocate("llama", Limits{CPU: 20, Memory: 5, GPU: 10})

	if diff := cmp.Diff(Limits{CPU: 30, Memory: 10, GPU: 10}, a.InUse("llama")); diff != "" {
		t.Errorf("InUse mismatch (-want +got):\n%s", diff)
	}

	if !a.Release(first.ID) {
		t.Fatal("Release of live allocation should succeed")
	}
	if a.Release(first.ID) {
		t.Error("double Release must be a no-op")
	}
	if a.Release("unknown") {
		t.Error("Release of unknown id must be a no-op")
	}
	a.Release(second.ID)

	if !a.InUse("llama").IsZero() {
		t.Errorf("InUse after all releases = %+v, want zero", a.InUse("llama"))
	}
	stats := a.Stats()
	if stats.Allocated != 2 || stats.Released != 2 || stats.Outstanding != 0 {
		t.Errorf("Stats() = %+v, want 2 allocated, 2 released, 0 outstanding", stats)
	}
}

func TestAllocator_ConcurrentReleaseOnce(t *testing.T) {
	a := NewAllocator()
	alloc := a.Allocate("llama", Limits{CPU: 1})

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if a.Release(alloc.ID) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Release succeeded %d times, want exactly 1", wins)
	}
}

func TestProbe_CanAdmit(t *testing.T) {
	tests := []struct {
		name    string
		metrics *Metrics
		held    Limits
		want    Limits
		admit   bool
	}{
		{
			name:  "no metrics fails closed",
			admit: false,
		},
		{
			name:    "headroom available",
			metrics: &Metrics{CPU: 40, Memory: 40},
			want:    Limits{CPU: 10, Memory: 10},
			admit:   true,
		},
		{
			name:    "cpu over threshold",
			metrics: &Metrics{CPU: 85, Memory: 10},
			want:    Limits{CPU: 10},
			admit:   false,
		},
		{
			name:    "outstanding allocations count",
			metrics: &Metrics{CPU: 40, Memory: 40},
			held:    Limits{Memory: 45},
			want:    Limits{Memory: 10},
			admit:   false,
		},
		{
			name:    "gpu only checked when present",
			metrics: &Metrics{CPU: 10, Memory: 10, GPU: Float(90)},
			want:    Limits{GPU: 10},
			admit:   false,
		},
		{
			name:    "exactly at threshold admits",
			metrics: &Metrics{CPU: 80, Memory: 10},
			want:    Limits{CPU: 10},
			admit:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProbe(nil, NewAllocator())
			if tt.metrics != nil {
				p.Observe("llama", *tt.metrics)
			}
			if !tt.held.IsZero() {
				p.Allocator().Allocate("llama", tt.held)
			}
			if got := p.CanAdmit(context.Background(), "llama", tt.want); got != tt.admit {
				t.Errorf("CanAdmit() = %v, want %v", got, tt.admit)
			}
		})
	}
}

func TestProbe_ErrorRateThreshold(t *testing.T) {
	p := NewProbe(nil, nil, WithThresholds(Thresholds{MaxCPU: 100, MaxMemory: 100, MaxGPU: 100, MaxErrorRate: 5}))
	p.Observe("llama", Metrics{ErrorRate: 10})
	if p.CanAdmit(context.Background(), "llama", Limits{}) {
		t.Error("CanAdmit should refuse above the error-rate ceiling")
	}
}

func TestProbe_RefreshFromSource(t *testing.T) {
	src := &fakeSource{metrics: map[string]Metrics{"llama": {CPU: 10, Memory: 10}}}
	p := NewProbe(src, nil, WithRefreshInterval(time.Hour))

	if !p.CanAdmit(context.Background(), "llama", Limits{}) {
		t.Fatal("CanAdmit should admit after pulling metrics")
	}
	p.CanAdmit(context.Background(), "llama", Limits{})
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1 within refresh interval", src.calls)
	}
}

func TestProbe_RefreshErrorKeepsSnapshot(t *testing.T) {
	src := &fakeSource{err: errors.New("prometheus down")}
	p := NewProbe(src, nil, WithRefreshInterval(0))
	p.Observe("llama", Metrics{CPU: 10, Memory: 10})

	if !p.CanAdmit(context.Background(), "llama", Limits{}) {
		t.Error("a failed refresh should keep the previous snapshot")
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name    string
		metrics Metrics
		want    []Recommendation
	}{
		{
			name:    "cpu only",
			metrics: Metrics{CPU: 90, Memory: 50, LatencyMs: 50, Throughput: 10},
			want:    []Recommendation{{Kind: KindCPU, CurrentValue: 90, RecommendedValue: 135, Impact: 0.8}},
		},
		{
			name:    "nothing to improve",
			metrics: Metrics{CPU: 50, Memory: 50, LatencyMs: 20, Throughput: 5000},
			want:    []Recommendation{},
		},
		{
			name:    "gpu underused doubles",
			metrics: Metrics{GPU: Float(40)},
			want:    []Recommendation{{Kind: KindGPU, CurrentValue: 40, RecommendedValue: 80, Impact: 0.6}},
		},
		{
			name:    "gpu above low water",
			metrics: Metrics{GPU: Float(60)},
			want:    []Recommendation{},
		},
		{
			name:    "batch size from latency and throughput",
			metrics: Metrics{LatencyMs: 200, Throughput: 10},
			want:    []Recommendation{{Kind: KindBatch, CurrentValue: 1, RecommendedValue: 4, Impact: 0.5}},
		},
		{
			name:    "batch size clamped high",
			metrics: Metrics{LatencyMs: 200, Throughput: 500},
			want:    []Recommendation{{Kind: KindBatch, CurrentValue: 1, RecommendedValue: 32, Impact: 0.5}},
		},
		{
			name:    "batch size clamped low",
			metrics: Metrics{LatencyMs: 150, Throughput: 0},
			want:    []Recommendation{{Kind: KindBatch, CurrentValue: 1, RecommendedValue: 1, Impact: 0.5}},
		},
		{
			name:    "memory pressure",
			metrics: Metrics{Memory: 100},
			want:    []Recommendation{{Kind: KindMemory, CurrentValue: 100, RecommendedValue: 130, Impact: 0.7}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Recommend(tt.metrics)
			if diff := cmp.Diff(tt.want, got,
				cmpopts.IgnoreFields(Recommendation{}, "Reason"),
				cmpopts.EquateApprox(0, 1e-9),
			); diff != "" {
				t.Errorf("Recommend() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestConfidence(t *testing.T) {
	if got := Confidence(nil); got != 1 {
		t.Errorf("Confidence(empty) = %v, want 1", got)
	}
	recs := []Recommendation{{Impact: 0.8}, {Impact: 0.7}}
	if got := Confidence(recs); math.Abs(got-0.75) > 1e-9 {
		t.Errorf("Confidence() = %v, want 0.75", got)
	}
	if got := Confidence([]Recommendation{{Impact: 3}}); got != 1 {
		t.Errorf("Confidence() = %v, want clamp to 1", got)
	}
}

func TestProbe_Optimize(t *testing.T) {
	bus := event.NewBus(nil)
	var published []event.OptimizationCompletedEvent
	event.On(bus, event.TypeOptimizationCompleted, func(e event.OptimizationCompletedEvent) {
		published = append(published, e)
	})

	p := NewProbe(nil, nil, WithBus(bus))

	_, err := p.Optimize(context.Background(), "missing")
	if !errors.Is(err, schederrors.ErrNoMetrics) {
		t.Errorf("Optimize(missing) error = %v, want ErrNoMetrics", err)
	}
	if schederrors.Kind(err) != "not_found" {
		t.Errorf("Kind() = %q, want not_found", schederrors.Kind(err))
	}

	p.Observe("llama", Metrics{CPU: 90, Memory: 50, LatencyMs: 50, Throughput: 10})
	res, err := p.Optimize(context.Background(), "llama")
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if len(res.Recommendations) != 1 || res.Recommendations[0].RecommendedValue != 135 {
		t.Errorf("unexpected recommendations: %+v", res.Recommendations)
	}
	if math.Abs(res.Confidence-0.8) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.8", res.Confidence)
	}
	if len(published) != 1 || published[0].TargetID != "llama" {
		t.Errorf("published = %+v, want one event for llama", published)
	}
}
