package scaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	schederrors "github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/resource"
)

type fakeMetrics struct {
	mu  sync.Mutex
	m   map[string]resource.Metrics
	err error
}

func (f *fakeMetrics) set(target string, cpu, mem float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.m == nil {
		f.m = make(map[string]resource.Metrics)
	}
	f.m[target] = resource.Metrics{CPU: cpu, Memory: mem}
}

func (f *fakeMetrics) LatestMetrics(context.Context) (map[string]resource.Metrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]resource.Metrics, len(f.m))
	for k, v := range f.m {
		out[k] = v
	}
	return out, nil
}

type call struct {
	target string
	delta  int
}

type fakeProvisioner struct {
	mu     sync.Mutex
	ups    []call
	downs  []call
	failOn map[string]error
	panics map[string]bool
}

func (f *fakeProvisioner) ScaleUp(_ context.Context, target string, delta int) error {
	return f.record(&f.ups, target, delta)
}

func (f *fakeProvisioner) ScaleDown(_ context.Context, target string, delta int) error {
	return f.record(&f.downs, target, delta)
}

func (f *fakeProvisioner) record(into *[]call, target string, delta int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[target] {
		panic("provisioner exploded")
	}
	if err := f.failOn[target]; err != nil {
		return err
	}
	*into = append(*into, call{target: target, delta: delta})
	return nil
}

func (f *fakeProvisioner) calls() (ups, downs []call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.ups...), append([]call(nil), f.downs...)
}

type countingProvisioner struct {
	fakeProvisioner
	live int
}

func (c *countingProvisioner) Instances(context.Context, string) (int, error) {
	return c.live, nil
}

// replicaProvisioner applies relative changes to a live replica count, the
// way a Deployment does.
type replicaProvisioner struct {
	mu       sync.Mutex
	replicas int
}

func (r *replicaProvisioner) ScaleUp(_ context.Context, _ string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas += delta
	return nil
}

func (r *replicaProvisioner) ScaleDown(_ context.Context, _ string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas -= delta
	return nil
}

func (r *replicaProvisioner) Instances(context.Context, string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replicas, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAutoscaler(t *testing.T, metrics resource.MetricsSource, prov CapacityProvisioner, cfg AutoScalingConfig, opts ...Option) *Autoscaler {
	t.Helper()
	cs, err := SingleConfig(cfg)
	if err != nil {
		t.Fatalf("SingleConfig: %v", err)
	}
	return NewAutoscaler(metrics, prov, cs, opts...)
}

func TestAutoscaler_EnableTarget(t *testing.T) {
	cs, err := NewConfigSet(map[string]AutoScalingConfig{"llama-*": DefaultConfig()})
	if err != nil {
		t.Fatalf("NewConfigSet: %v", err)
	}
	a := NewAutoscaler(&fakeMetrics{}, &fakeProvisioner{}, cs)

	var nf *schederrors.NotFoundError
	if err := a.EnableTarget("mistral", 2); !errors.As(err, &nf) {
		t.Errorf("EnableTarget without config = %v, want NotFoundError", err)
	}

	err = a.EnableTarget("llama-7b", 11)
	var se *schederrors.ScalingError
	if !errors.As(err, &se) {
		t.Errorf("EnableTarget out of bounds = %v, want ScalingError", err)
	}

	if err := a.EnableTarget("llama-7b", 2); err != nil {
		t.Fatalf("EnableTarget: %v", err)
	}
	if n, ok := a.Instances("llama-7b"); !ok || n != 2 {
		t.Errorf("Instances = %d, %v; want 2, true", n, ok)
	}
	if !a.DisableTarget("llama-7b") || a.DisableTarget("llama-7b") {
		t.Error("DisableTarget should report true once")
	}
	if len(a.Targets()) != 0 {
		t.Error("no targets should remain")
	}
}

func TestAutoscaler_ScalesUpAndRespectsCooldown(t *testing.T) {
	metrics := &fakeMetrics{}
	metrics.set("llama", 90, 50)
	prov := &fakeProvisioner{}
	clk := newClock()
	bus := event.NewBus(nil)

	var scaled []event.ScaledEvent
	event.On(bus, event.TypeScaled, func(e event.ScaledEvent) { scaled = append(scaled, e) })

	a := newTestAutoscaler(t, metrics, prov, DefaultConfig(), WithClock(clk.Now), WithEventBus(bus))
	if err := a.EnableTarget("llama", 2); err != nil {
		t.Fatalf("EnableTarget: %v", err)
	}

	ds := a.Tick(context.Background())
	if len(ds) != 1 || ds[0].Direction != DirectionUp || ds[0].Target() != 3 {
		t.Fatalf("first tick = %+v, want scale up to 3", ds)
	}

	clk.advance(30 * time.Second)
	ds = a.Tick(context.Background())
	if len(ds) != 1 || ds[0].Direction != DirectionNone {
		t.Fatalf("tick inside cooldown = %+v, want none", ds)
	}

	clk.advance(31 * time.Second)
	ds = a.Tick(context.Background())
	if len(ds) != 1 || ds[0].Direction != DirectionUp || ds[0].Target() != 4 {
		t.Fatalf("tick after cooldown = %+v, want scale up to 4", ds)
	}

	ups, _ := prov.calls()
	if len(ups) != 2 {
		t.Errorf("provisioner ScaleUp calls = %v, want 2", ups)
	}
	if n, _ := a.Instances("llama"); n != 4 {
		t.Errorf("Instances = %d, want 4", n)
	}
	if len(scaled) != 2 || scaled[0].From != 2 || scaled[0].To != 3 {
		t.Errorf("scaled events = %+v", scaled)
	}
	h := a.History("llama")
	if len(h) != 2 || h[1].From != 3 || h[1].To != 4 {
		t.Errorf("history = %+v", h)
	}
	if got := a.Targets()[0].LastScaled; !got.Equal(clk.Now()) {
		t.Errorf("LastScaled = %v, want %v", got, clk.Now())
	}
}

func TestAutoscaler_ScaleDownAndHealthGate(t *testing.T) {
	tests := []struct {
		name     string
		health   resource.HealthSource
		wantDown bool
	}{
		{name: "no health source counts as healthy", health: nil, wantDown: true},
		{name: "healthy system", health: resource.StaticHealth(0.9), wantDown: true},
		{name: "unhealthy system holds", health: resource.StaticHealth(0.1), wantDown: false},
		{name: "failing health source holds", health: failingHealth{}, wantDown: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &fakeMetrics{}
			metrics.set("llama", 10, 10)
			prov := &fakeProvisioner{}
			opts := []Option{}
			if tt.health != nil {
				opts = append(opts, WithHealthSource(tt.health))
			}
			a := newTestAutoscaler(t, metrics, prov, DefaultConfig(), opts...)
			if err := a.EnableTarget("llama", 3); err != nil {
				t.Fatalf("EnableTarget: %v", err)
			}

			a.Tick(context.Background())

			_, downs := prov.calls()
			n, _ := a.Instances("llama")
			if tt.wantDown {
				if len(downs) != 1 || downs[0].delta != 1 || n != 2 {
					t.Errorf("downs = %v, instances = %d; want one removal to 2", downs, n)
				}
				return
			}
			if len(downs) != 0 || n != 3 {
				t.Errorf("downs = %v, instances = %d; want capacity held at 3", downs, n)
			}
		})
	}
}

type failingHealth struct{}

func (failingHealth) SystemHealth(context.Context) (resource.Health, error) {
	return resource.Health{}, errors.New("health endpoint down")
}

func TestAutoscaler_IsolatesTargetFailures(t *testing.T) {
	metrics := &fakeMetrics{}
	for _, id := range []string{"a", "b", "c"} {
		metrics.set(id, 95, 50)
	}
	prov := &fakeProvisioner{
		failOn: map[string]error{"a": errors.New("quota exceeded")},
		panics: map[string]bool{"b": true},
	}
	bus := event.NewBus(nil)
	var failures []event.ErrorEvent
	event.On(bus, event.TypeError, func(e event.ErrorEvent) { failures = append(failures, e) })

	a := newTestAutoscaler(t, metrics, prov, DefaultConfig(), WithEventBus(bus))
	for _, id := range []string{"a", "b", "c"} {
		if err := a.EnableTarget(id, 2); err != nil {
			t.Fatalf("EnableTarget(%s): %v", id, err)
		}
	}

	ds := a.Tick(context.Background())
	if len(ds) != 1 || ds[0].TargetID != "c" || ds[0].Direction != DirectionUp {
		t.Fatalf("decisions = %+v, want only c scaled", ds)
	}
	if len(failures) != 2 || failures[0].TargetID != "a" || failures[1].TargetID != "b" {
		t.Fatalf("error events = %+v, want a then b", failures)
	}
	var se *schederrors.ScalingError
	if !errors.As(failures[0].Err, &se) {
		t.Errorf("failure error %v should be a ScalingError", failures[0].Err)
	}
	for _, id := range []string{"a", "b"} {
		if n, _ := a.Instances(id); n != 2 {
			t.Errorf("Instances(%s) = %d, want unchanged 2", id, n)
		}
		if len(a.History(id)) != 0 {
			t.Errorf("History(%s) should be empty after a failed action", id)
		}
	}
}

func TestAutoscaler_MetricsUnavailable(t *testing.T) {
	metrics := &fakeMetrics{err: errors.New("prometheus unreachable")}
	prov := &fakeProvisioner{}
	bus := event.NewBus(nil)
	var failures int
	event.On(bus, event.TypeError, func(event.ErrorEvent) { failures++ })

	a := newTestAutoscaler(t, metrics, prov, DefaultConfig(), WithEventBus(bus))
	for _, id := range []string{"a", "b"} {
		if err := a.EnableTarget(id, 2); err != nil {
			t.Fatalf("EnableTarget: %v", err)
		}
	}

	if ds := a.Tick(context.Background()); len(ds) != 0 {
		t.Errorf("decisions = %+v, want none", ds)
	}
	if failures != 2 {
		t.Errorf("error events = %d, want one per target", failures)
	}
}

func TestAutoscaler_MissingTargetMetrics(t *testing.T) {
	metrics := &fakeMetrics{}
	metrics.set("b", 95, 50)
	a := newTestAutoscaler(t, metrics, &fakeProvisioner{}, DefaultConfig())
	for _, id := range []string{"a", "b"} {
		if err := a.EnableTarget(id, 2); err != nil {
			t.Fatalf("EnableTarget: %v", err)
		}
	}

	ds := a.Tick(context.Background())
	if len(ds) != 1 || ds[0].TargetID != "b" {
		t.Errorf("decisions = %+v, want only b", ds)
	}
}

func TestAutoscaler_HistoryIsBounded(t *testing.T) {
	metrics := &fakeMetrics{}
	metrics.set("llama", 95, 50)
	cfg := DefaultConfig()
	cfg.CooldownPeriod = 0
	a := newTestAutoscaler(t, metrics, &fakeProvisioner{}, cfg, WithHistorySize(2))
	if err := a.EnableTarget("llama", 1); err != nil {
		t.Fatalf("EnableTarget: %v", err)
	}

	for range 3 {
		a.Tick(context.Background())
	}

	h := a.History("llama")
	if len(h) != 2 {
		t.Fatalf("history length = %d, want 2", len(h))
	}
	if h[0].From != 2 || h[1].From != 3 {
		t.Errorf("history = %+v, want the two newest events", h)
	}
}

func TestAutoscaler_SyncsInstanceCount(t *testing.T) {
	metrics := &fakeMetrics{}
	metrics.set("llama", 10, 10)
	prov := &countingProvisioner{live: 5}
	a := newTestAutoscaler(t, metrics, prov, DefaultConfig())
	if err := a.EnableTarget("llama", 2); err != nil {
		t.Fatalf("EnableTarget: %v", err)
	}

	ds := a.Tick(context.Background())
	if len(ds) != 1 || ds[0].Current != 5 || ds[0].Target() != 4 {
		t.Fatalf("decision = %+v, want 5 -> 4 from the live count", ds)
	}
}

func TestAutoscaler_CorrectsDriftOutsideBounds(t *testing.T) {
	tests := []struct {
		name     string
		live     int
		cpu      float64
		wantLive int
		wantDir  Direction
	}{
		{name: "above max while idle", live: 12, cpu: 10, wantLive: 10, wantDir: DirectionDown},
		{name: "above max while busy", live: 12, cpu: 95, wantLive: 10, wantDir: DirectionDown},
		{name: "below min", live: 0, cpu: 95, wantLive: 1, wantDir: DirectionUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := &fakeMetrics{}
			metrics.set("llama", tt.cpu, tt.cpu)
			prov := &replicaProvisioner{replicas: 5}
			a := newTestAutoscaler(t, metrics, prov, DefaultConfig())
			if err := a.EnableTarget("llama", 5); err != nil {
				t.Fatalf("EnableTarget: %v", err)
			}

			prov.mu.Lock()
			prov.replicas = tt.live
			prov.mu.Unlock()

			ds := a.Tick(context.Background())
			if len(ds) != 1 || ds[0].Direction != tt.wantDir {
				t.Fatalf("decisions = %+v, want one %s", ds, tt.wantDir)
			}
			live, _ := prov.Instances(context.Background(), "llama")
			tracked, _ := a.Instances("llama")
			if live != tt.wantLive || tracked != tt.wantLive {
				t.Errorf("live = %d, tracked = %d, want both %d", live, tracked, tt.wantLive)
			}
		})
	}
}

func TestAutoscaler_Smoothing(t *testing.T) {
	metrics := &fakeMetrics{}
	cfg := DefaultConfig()
	cfg.CooldownPeriod = 0
	a := newTestAutoscaler(t, metrics, &fakeProvisioner{}, cfg, WithSmoothingWindow(2))
	if err := a.EnableTarget("llama", 3); err != nil {
		t.Fatalf("EnableTarget: %v", err)
	}

	metrics.set("llama", 90, 0)
	a.Tick(context.Background())
	metrics.set("llama", 10, 0)
	ds := a.Tick(context.Background())

	if len(ds) != 1 || ds[0].Direction != DirectionNone {
		t.Fatalf("decision = %+v, want none with averaged cpu", ds)
	}
	if ds[0].Metrics.CPU != 50 {
		t.Errorf("smoothed cpu = %v, want 50", ds[0].Metrics.CPU)
	}
}

func TestAutoscaler_SetConfigsKeepsOutOfBoundsTarget(t *testing.T) {
	a := newTestAutoscaler(t, &fakeMetrics{}, &fakeProvisioner{}, DefaultConfig())
	for id, n := range map[string]int{"small": 2, "large": 8} {
		if err := a.EnableTarget(id, n); err != nil {
			t.Fatalf("EnableTarget: %v", err)
		}
	}

	narrow := DefaultConfig()
	narrow.MaxInstances = 4
	cs, err := SingleConfig(narrow)
	if err != nil {
		t.Fatalf("SingleConfig: %v", err)
	}
	a.SetConfigs(cs)

	got := map[string]int{}
	for _, st := range a.Targets() {
		got[st.TargetID] = st.Config.MaxInstances
	}
	if got["small"] != 4 || got["large"] != 10 {
		t.Errorf("max instances after reload = %v, want small=4 large=10", got)
	}
}

func TestAutoscaler_OnDecision(t *testing.T) {
	metrics := &fakeMetrics{}
	metrics.set("llama", 95, 50)
	a := newTestAutoscaler(t, metrics, &fakeProvisioner{}, DefaultConfig())
	if err := a.EnableTarget("llama", 2); err != nil {
		t.Fatalf("EnableTarget: %v", err)
	}

	var got []string
	a.OnDecision(func(d Decision) { got = append(got, fmt.Sprintf("%s:%s", d.TargetID, d.Direction)) })
	a.Tick(context.Background())

	if len(got) != 1 || got[0] != "llama:up" {
		t.Errorf("OnDecision saw %v", got)
	}
}

func TestAutoscaler_StartStop(t *testing.T) {
	metrics := &fakeMetrics{}
	metrics.set("llama", 95, 50)
	prov := &fakeProvisioner{}
	a := newTestAutoscaler(t, metrics, prov, DefaultConfig(), WithInterval(5*time.Millisecond))
	if err := a.EnableTarget("llama", 2); err != nil {
		t.Fatalf("EnableTarget: %v", err)
	}

	done := make(chan struct{})
	go func() {
		a.Start(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if ups, _ := prov.calls(); len(ups) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("autoscaler never ticked")
		case <-time.After(time.Millisecond):
		}
	}

	a.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
