// Package internal contains integration tests that drive the scheduler end
// to end: configuration, admission queue, execution coordinator, autoscaler
// and telemetry wired around one event bus over a simulated cluster.
package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Iron-Ham/infersched/internal/config"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/queue"
	"github.com/Iron-Ham/infersched/internal/scaling"
	"github.com/Iron-Ham/infersched/internal/scheduler"
	"github.com/Iron-Ham/infersched/internal/sim"
	"github.com/Iron-Ham/infersched/internal/telemetry"
)

// metricSum adds up every sample of the named metric family in reg.
func metricSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sum float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			switch {
			case m.Counter != nil:
				sum += m.GetCounter().GetValue()
			case m.Gauge != nil:
				sum += m.GetGauge().GetValue()
			}
		}
	}
	return sum
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newCluster() *sim.Cluster {
	c := sim.NewCluster(1, logging.NopLogger())
	c.AddTarget("llama-7b", sim.TargetSpec{
		Instances:    1,
		BaseCPU:      10,
		BaseMemory:   10,
		CPUPerJob:    5,
		MemoryPerJob: 5,
		Latency:      2 * time.Millisecond,
	})
	return c
}

// TestEndToEnd_PriorityOrder submits [low, high, high] before dispatch
// starts with a single execution slot; both high requests must run first,
// in submission order.
func TestEndToEnd_PriorityOrder(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.Concurrency = 1

	cluster := newCluster()
	bus := event.NewBus(logging.NopLogger())
	collector := telemetry.NewCollector(bus, nil)
	defer collector.Close()

	var (
		mu      sync.Mutex
		started []string
	)
	event.On(bus, event.TypeExecutionStarted, func(e event.ExecutionStartedEvent) {
		mu.Lock()
		started = append(started, e.RequestID)
		mu.Unlock()
	})

	s, err := scheduler.New(scheduler.Config{Runner: cluster, Metrics: cluster, Bus: bus},
		scheduler.WithQueueOptions(cfg.QueueOptions()),
		scheduler.WithExecutionOptions(cfg.ExecutionOptions()),
		scheduler.WithThresholds(cfg.Probe.Thresholds),
	)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}

	var handles []*queue.Handle
	for _, r := range []queue.Request{
		{ID: "low", TargetID: "llama-7b", Priority: queue.PriorityLow},
		{ID: "high-1", TargetID: "llama-7b", Priority: queue.PriorityHigh},
		{ID: "high-2", TargetID: "llama-7b", Priority: queue.PriorityHigh},
	} {
		h, err := s.Submit(r)
		if err != nil {
			t.Fatalf("Submit(%s): %v", r.ID, err)
		}
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			t.Fatalf("request %s failed: %v", h.ID(), err)
		}
	}

	mu.Lock()
	got := append([]string(nil), started...)
	mu.Unlock()
	want := []string{"high-1", "high-2", "low"}
	if len(got) != len(want) {
		t.Fatalf("execution order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}

	eventually(t, "completed counter", func() bool {
		return metricSum(t, collector.Registry(), "infersched_requests_completed_total") == 3
	})
	if st := s.Stats().Executions["llama-7b"]; st.Successes != 3 {
		t.Errorf("execution stats = %+v, want 3 successes", st)
	}
}

// TestEndToEnd_ScaleUpUnderLoad runs the autoscaler against a target whose
// single instance is saturated and expects capacity to be added.
func TestEndToEnd_ScaleUpUnderLoad(t *testing.T) {
	cluster := sim.NewCluster(1, logging.NopLogger())
	cluster.AddTarget("llama-7b", sim.TargetSpec{Instances: 1, BaseCPU: 95, BaseMemory: 40})

	bus := event.NewBus(logging.NopLogger())
	collector := telemetry.NewCollector(bus, nil)
	defer collector.Close()

	cfg := config.Default()
	cfg.Autoscaling.Interval = 10 * time.Millisecond
	configs, err := cfg.Autoscaling.ConfigSet()
	if err != nil {
		t.Fatalf("ConfigSet: %v", err)
	}

	s, err := scheduler.New(scheduler.Config{Runner: cluster, Metrics: cluster, Bus: bus},
		scheduler.WithProbeRefresh(time.Millisecond),
		scheduler.WithHealthSource(cluster),
		scheduler.WithAutoscaling(cluster, configs, cfg.Autoscaling.Options()...),
	)
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	if err := s.EnableAutoscaling("llama-7b", 1); err != nil {
		t.Fatalf("EnableAutoscaling: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	eventually(t, "scale-up", func() bool {
		n, _ := cluster.Instances(ctx, "llama-7b")
		return n > 1
	})
	eventually(t, "scaling counter", func() bool {
		return metricSum(t, collector.Registry(), "infersched_autoscaler_scaling_events_total") >= 1
	})

	history := s.Autoscaler().History("llama-7b")
	if len(history) == 0 || history[0].Direction != scaling.DirectionUp {
		t.Errorf("history = %+v, want a scale-up first", history)
	}
}
