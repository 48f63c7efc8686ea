package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	schederrors "github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/executor"
	"github.com/Iron-Ham/infersched/internal/queue"
	"github.com/Iron-Ham/infersched/internal/resource"
	"github.com/Iron-Ham/infersched/internal/scaling"
)

func okRunner() executor.JobRunner {
	return executor.JobRunnerFunc(func(context.Context, *executor.ExecutionContext) (queue.Response, error) {
		return queue.Response{Output: []byte("ok")}, nil
	})
}

func startScheduler(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func wait(t *testing.T, h *queue.Handle) (queue.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := h.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("request %s never finished", h.ID())
	}
	return resp, err
}

func TestNew_RequiresRunner(t *testing.T) {
	if _, err := New(Config{}); !errors.Is(err, schederrors.ErrInvalidConfig) {
		t.Errorf("New without runner = %v, want invalid config", err)
	}
}

func TestScheduler_PriorityOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	runner := executor.JobRunnerFunc(func(_ context.Context, ec *executor.ExecutionContext) (queue.Response, error) {
		mu.Lock()
		order = append(order, ec.RequestID)
		mu.Unlock()
		return queue.Response{}, nil
	})
	s, err := New(Config{Runner: runner},
		WithAdmitter(queue.AlwaysAdmit),
		WithQueueOptions(queue.Options{Concurrency: 1}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var handles []*queue.Handle
	for _, r := range []queue.Request{
		{ID: "low", TargetID: "llama", Priority: queue.PriorityLow},
		{ID: "high-1", TargetID: "llama", Priority: queue.PriorityHigh},
		{ID: "normal", TargetID: "llama", Priority: queue.PriorityNormal},
		{ID: "high-2", TargetID: "llama", Priority: queue.PriorityHigh},
	} {
		h, err := s.Submit(r)
		if err != nil {
			t.Fatalf("Submit(%s): %v", r.ID, err)
		}
		handles = append(handles, h)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()
	for _, h := range handles {
		if _, err := wait(t, h); err != nil {
			t.Fatalf("request %s: %v", h.ID(), err)
		}
	}

	want := []string{"high-1", "high-2", "normal", "low"}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestScheduler_AdmissionWaitsForMetrics(t *testing.T) {
	s := startScheduler(t, Config{Runner: okRunner()},
		WithQueueOptions(queue.Options{RecheckMin: time.Millisecond, RecheckMax: 5 * time.Millisecond}),
	)

	h, err := s.Submit(queue.Request{TargetID: "llama", Limits: resource.Limits{CPU: 10, Memory: 10}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-h.Done():
		t.Fatal("request should wait while the target has no metrics")
	case <-time.After(50 * time.Millisecond):
	}

	s.Observe("llama", resource.Metrics{CPU: 40, Memory: 40})
	if _, err := wait(t, h); err != nil {
		t.Fatalf("request failed after metrics arrived: %v", err)
	}
	if st := s.Stats(); st.Allocations.Outstanding != 0 || st.Allocations.Allocated != 1 {
		t.Errorf("allocations = %+v, want one paired allocation", st.Allocations)
	}
}

func TestScheduler_RetriesProviderFailures(t *testing.T) {
	var calls atomic.Int32
	runner := executor.JobRunnerFunc(func(context.Context, *executor.ExecutionContext) (queue.Response, error) {
		if calls.Add(1) < 3 {
			return queue.Response{}, errors.New("upstream 503")
		}
		return queue.Response{Output: []byte("ok")}, nil
	})
	bus := event.NewBus(nil)
	var retries atomic.Int32
	bus.Subscribe(event.TypeRequestRetrying, func(event.Event) { retries.Add(1) })

	s := startScheduler(t, Config{Runner: runner, Bus: bus},
		WithAdmitter(queue.AlwaysAdmit),
		WithExecutionOptions(executor.Options{MaxRetries: 3}),
	)
	h, err := s.Submit(queue.Request{TargetID: "llama"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	resp, err := wait(t, h)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.Attempts != 3 || retries.Load() != 2 {
		t.Errorf("attempts = %d, retry events = %d; want 3 and 2", resp.Attempts, retries.Load())
	}
	if st := s.Stats().Executions["llama"]; st.Failures != 2 || st.Successes != 1 {
		t.Errorf("execution stats = %+v", st)
	}
}

func TestScheduler_RetriesExhausted(t *testing.T) {
	runner := executor.JobRunnerFunc(func(context.Context, *executor.ExecutionContext) (queue.Response, error) {
		return queue.Response{}, errors.New("upstream 503")
	})
	s := startScheduler(t, Config{Runner: runner},
		WithAdmitter(queue.AlwaysAdmit),
		WithExecutionOptions(executor.Options{MaxRetries: 1}),
	)
	h, err := s.Submit(queue.Request{TargetID: "llama"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := wait(t, h); !errors.Is(err, schederrors.ErrProviderFailure) {
		t.Fatalf("error = %v, want provider failure", err)
	}
	if st := s.Stats().Queue; st.ByStatus[queue.StatusFailed] != 1 {
		t.Errorf("queue stats = %+v, want one failed", st)
	}
}

func TestScheduler_CancelPending(t *testing.T) {
	s, err := New(Config{Runner: okRunner()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h, err := s.Submit(queue.Request{ID: "r1", TargetID: "llama"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := s.Cancel("r1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := wait(t, h); !errors.Is(err, schederrors.ErrCanceled) {
		t.Errorf("error = %v, want ErrCanceled", err)
	}
	if err := s.Cancel("r1"); err != nil {
		t.Errorf("second Cancel = %v, want no-op", err)
	}
}

func TestScheduler_CancelExecuting(t *testing.T) {
	runner := executor.JobRunnerFunc(func(ctx context.Context, ec *executor.ExecutionContext) (queue.Response, error) {
		<-ec.Done()
		return queue.Response{}, ctx.Err()
	})
	s := startScheduler(t, Config{Runner: runner}, WithAdmitter(queue.AlwaysAdmit))
	h, err := s.Submit(queue.Request{ID: "r1", TargetID: "llama", Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !s.Coordinator().IsActive("r1") {
		if time.Now().After(deadline) {
			t.Fatal("request never started executing")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.Cancel("r1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := wait(t, h); !errors.Is(err, schederrors.ErrCanceled) {
		t.Fatalf("error = %v, want ErrCanceled", err)
	}
	if a := s.Stats().Allocations; a.Outstanding != 0 || a.Allocated != a.Released {
		t.Errorf("allocations = %+v, want paired", a)
	}
}

func TestScheduler_Optimize(t *testing.T) {
	s, err := New(Config{Runner: okRunner()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := s.Optimize(context.Background(), "llama"); !errors.Is(err, schederrors.ErrNoMetrics) {
		t.Errorf("Optimize without metrics = %v, want ErrNoMetrics", err)
	}

	s.Observe("llama", resource.Metrics{CPU: 92, Memory: 40})
	opt, err := s.Optimize(context.Background(), "llama")
	if err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if len(opt.Recommendations) != 1 || opt.Recommendations[0].Kind != resource.KindCPU {
		t.Errorf("recommendations = %+v, want one cpu recommendation", opt.Recommendations)
	}
}

type recordingProvisioner struct {
	mu  sync.Mutex
	ups int
}

func (p *recordingProvisioner) ScaleUp(context.Context, string, int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ups++
	return nil
}

func (p *recordingProvisioner) ScaleDown(context.Context, string, int) error { return nil }

func (p *recordingProvisioner) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ups
}

func TestScheduler_Autoscaling(t *testing.T) {
	s, err := New(Config{Runner: okRunner()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnableAutoscaling("llama", 2); err == nil {
		t.Error("EnableAutoscaling without autoscaling configured should fail")
	}

	configs, err := scaling.SingleConfig(scaling.DefaultConfig())
	if err != nil {
		t.Fatalf("SingleConfig: %v", err)
	}
	prov := &recordingProvisioner{}
	s = startScheduler(t, Config{Runner: okRunner()},
		WithAutoscaling(prov, configs, scaling.WithInterval(5*time.Millisecond)),
	)
	s.Observe("llama", resource.Metrics{CPU: 95, Memory: 50})
	if err := s.EnableAutoscaling("llama", 2); err != nil {
		t.Fatalf("EnableAutoscaling: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := s.Autoscaler().Instances("llama"); n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("targets = %+v, want llama scaled to 3", s.Stats().Targets)
		}
		time.Sleep(time.Millisecond)
	}
	if prov.count() != 1 {
		t.Errorf("provisioner scale-ups = %d, want 1 inside the cooldown", prov.count())
	}
}

func TestScheduler_PersistsPendingAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	refuse := queue.AdmitterFunc(func(context.Context, string, resource.Limits) bool { return false })

	first, err := New(Config{Runner: okRunner()}, WithAdmitter(refuse), WithStateDir(dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := first.Submit(queue.Request{ID: id, TargetID: "llama"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	var ran sync.Map
	runner := executor.JobRunnerFunc(func(_ context.Context, ec *executor.ExecutionContext) (queue.Response, error) {
		ran.Store(ec.RequestID, true)
		return queue.Response{}, nil
	})
	second := startScheduler(t, Config{Runner: runner}, WithAdmitter(queue.AlwaysAdmit), WithStateDir(dir))

	deadline := time.Now().Add(2 * time.Second)
	for second.Stats().Queue.ByStatus[queue.StatusCompleted] < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("stats = %+v, want two completed", second.Stats().Queue)
		}
		time.Sleep(time.Millisecond)
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := ran.Load(id); !ok {
			t.Errorf("restored request %s never ran", id)
		}
	}
}

func TestScheduler_StartTwice(t *testing.T) {
	s := startScheduler(t, Config{Runner: okRunner()})
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	if !s.Running() {
		t.Error("scheduler should be running")
	}
}

func TestScheduler_StopRightAfterStartWithAutoscaling(t *testing.T) {
	configs, err := scaling.SingleConfig(scaling.DefaultConfig())
	if err != nil {
		t.Fatalf("SingleConfig: %v", err)
	}
	s, err := New(Config{Runner: okRunner()}, WithAutoscaling(&recordingProvisioner{}, configs))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for cycle := 0; cycle < 50; cycle++ {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("cycle %d: Start: %v", cycle, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := s.Stop(ctx)
		cancel()
		if err != nil {
			t.Fatalf("cycle %d: Stop: %v", cycle, err)
		}
		if s.Running() {
			t.Fatalf("cycle %d: scheduler still running after Stop", cycle)
		}
	}
}

func TestScheduler_StopHonorsDeadlineWhileAutoscalerBusy(t *testing.T) {
	configs, err := scaling.SingleConfig(scaling.DefaultConfig())
	if err != nil {
		t.Fatalf("SingleConfig: %v", err)
	}
	release := make(chan struct{})
	defer close(release)
	// A metrics source that ignores cancellation keeps the tick running.
	stuck := blockingSource(release)
	s, err := New(Config{Runner: okRunner(), Metrics: stuck},
		WithAutoscaling(&recordingProvisioner{}, configs, scaling.WithInterval(time.Millisecond)),
		WithAdmitter(queue.AlwaysAdmit),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.EnableAutoscaling("llama", 2); err != nil {
		t.Fatalf("EnableAutoscaling: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Stop(ctx)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop ignored its context while the autoscaler was busy")
	}
}

type blockingSource chan struct{}

func (b blockingSource) LatestMetrics(context.Context) (map[string]resource.Metrics, error) {
	<-b
	return nil, nil
}

func TestScheduler_Request(t *testing.T) {
	s, err := New(Config{Runner: okRunner()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Submit(queue.Request{ID: "r1", TargetID: "llama", Priority: queue.PriorityHigh}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	req, err := s.Request("r1")
	if err != nil {
		t.Fatalf("Request(r1): %v", err)
	}
	if req.Status != queue.StatusPending || req.Priority != queue.PriorityHigh {
		t.Errorf("Request(r1) = %+v, want a pending high-priority request", req)
	}

	_, err = s.Request("missing")
	var nf *schederrors.NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, schederrors.ErrRequestNotFound) {
		t.Errorf("Request(missing) = %v, want NotFoundError wrapping ErrRequestNotFound", err)
	}
}
