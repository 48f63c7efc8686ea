package scaling

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"gonum.org/v1/gonum/stat"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/resource"
)

// Default autoscaler values.
const (
	DefaultInterval        = 30 * time.Second
	DefaultHistorySize     = 100
	DefaultHealthFloor     = 0.5
	DefaultSmoothingWindow = 1
)

// Option configures an Autoscaler.
type Option func(*Autoscaler)

// WithInterval sets the tick period.
func WithInterval(d time.Duration) Option {
	return func(a *Autoscaler) { a.interval = d }
}

// WithHistorySize sets how many events are kept per target.
func WithHistorySize(n int) Option {
	return func(a *Autoscaler) { a.historySize = n }
}

// WithHealthFloor sets the health score below which scale-down is held.
func WithHealthFloor(f float64) Option {
	return func(a *Autoscaler) { a.healthFloor = f }
}

// WithSmoothingWindow averages utilization over the last n samples before
// evaluating. 1 disables smoothing.
func WithSmoothingWindow(n int) Option {
	return func(a *Autoscaler) { a.smoothing = n }
}

// WithHealthSource sets where system health is read from.
func WithHealthSource(h resource.HealthSource) Option {
	return func(a *Autoscaler) { a.health = h }
}

// WithEventBus sets the bus scaling notifications are published on.
func WithEventBus(bus *event.Bus) Option {
	return func(a *Autoscaler) { a.bus = bus }
}

// WithLogger sets the autoscaler's logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Autoscaler) { a.logger = logging.OrNop(l).WithComponent("autoscaler") }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Autoscaler) { a.now = now }
}

type targetState struct {
	cfg       AutoScalingConfig
	instances int
	lastEvent time.Time
	history   *ring[Event]
	samples   *ring[resource.Metrics]
}

// Autoscaler periodically reconciles observed load against capacity for
// every enabled target. It never touches queue or execution state; it only
// drives the CapacityProvisioner.
type Autoscaler struct {
	metrics     resource.MetricsSource
	health      resource.HealthSource
	provisioner CapacityProvisioner
	interval    time.Duration
	historySize int
	healthFloor float64
	smoothing   int
	bus         *event.Bus
	logger      *logging.Logger
	now         func() time.Time

	tickMu sync.Mutex

	mu       sync.Mutex
	configs  *ConfigSet
	targets  map[string]*targetState
	handlers []func(Decision)
	cancel   context.CancelFunc
}

// NewAutoscaler creates an Autoscaler. configs resolves per-target settings
// for EnableTarget.
func NewAutoscaler(metrics resource.MetricsSource, provisioner CapacityProvisioner, configs *ConfigSet, opts ...Option) *Autoscaler {
	a := &Autoscaler{
		metrics:     metrics,
		provisioner: provisioner,
		configs:     configs,
		interval:    DefaultInterval,
		historySize: DefaultHistorySize,
		healthFloor: DefaultHealthFloor,
		smoothing:   DefaultSmoothingWindow,
		logger:      logging.NopLogger(),
		now:         time.Now,
		targets:     make(map[string]*targetState),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.interval <= 0 {
		a.interval = DefaultInterval
	}
	if a.smoothing < 1 {
		a.smoothing = DefaultSmoothingWindow
	}
	return a
}

// EnableTarget starts tracking targetID with its configured settings.
// The initial instance count must lie within the configured bounds.
func (a *Autoscaler) EnableTarget(targetID string, initial int) error {
	a.mu.Lock()
	cfg, ok := a.configs.Lookup(targetID)
	a.mu.Unlock()
	if !ok {
		return errors.NewNotFoundError("autoscaling config", targetID)
	}
	return a.EnableTargetWithConfig(targetID, cfg, initial)
}

// EnableTargetWithConfig starts tracking targetID with an explicit config.
func (a *Autoscaler) EnableTargetWithConfig(targetID string, cfg AutoScalingConfig, initial int) error {
	if err := cfg.Validate(); err != nil {
		return errors.NewScalingError("invalid autoscaling config", err).WithTargetID(targetID)
	}
	if !cfg.InBounds(initial) {
		return errors.NewScalingError("initial instance count out of bounds",
			errors.NewValidationError(fmt.Sprintf("must be in [%d, %d]", cfg.MinInstances, cfg.MaxInstances)).
				WithField("instances").WithValue(initial)).WithTargetID(targetID)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st, exists := a.targets[targetID]
	if !exists {
		st = &targetState{
			history: newRing[Event](a.historySize),
			samples: newRing[resource.Metrics](a.smoothing),
		}
		a.targets[targetID] = st
	}
	st.cfg = cfg
	st.instances = initial
	a.logger.WithTarget(targetID).Info("autoscaling enabled",
		"instances", initial,
		"min", cfg.MinInstances,
		"max", cfg.MaxInstances,
	)
	return nil
}

// DisableTarget stops tracking targetID. It reports whether it was tracked.
func (a *Autoscaler) DisableTarget(targetID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.targets[targetID]
	delete(a.targets, targetID)
	return ok
}

// SetConfigs swaps the config set and re-resolves every tracked target.
// A target whose current instance count falls outside its new bounds keeps
// its previous config.
func (a *Autoscaler) SetConfigs(cs *ConfigSet) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.configs = cs
	for id, st := range a.targets {
		cfg, ok := cs.Lookup(id)
		if !ok {
			a.logger.WithTarget(id).Warn("no autoscaling config after reload, keeping previous")
			continue
		}
		if !cfg.InBounds(st.instances) {
			a.logger.WithTarget(id).Warn("reloaded bounds exclude current instances, keeping previous config",
				"instances", st.instances, "min", cfg.MinInstances, "max", cfg.MaxInstances)
			continue
		}
		st.cfg = cfg
	}
}

// OnDecision registers a callback invoked for every applied decision.
func (a *Autoscaler) OnDecision(handler func(Decision)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
}

// Tick evaluates every tracked target once and returns the decisions made,
// ordered by target id. Failures are isolated per target: they are logged
// and published as error events and do not stop the remaining targets.
func (a *Autoscaler) Tick(ctx context.Context) []Decision {
	a.tickMu.Lock()
	defer a.tickMu.Unlock()

	ids := a.targetIDs()
	if len(ids) == 0 {
		return nil
	}

	snapshot, err := a.metrics.LatestMetrics(ctx)
	if err != nil {
		err = errors.NewScalingError("metrics unavailable", err)
		for _, id := range ids {
			a.reportError(id, err)
		}
		return nil
	}
	health := a.readHealth(ctx)

	decisions := make([]Decision, 0, len(ids))
	for _, id := range ids {
		var (
			d    Decision
			terr error
		)
		if r := panics.Try(func() { d, terr = a.evaluateTarget(ctx, id, snapshot, health) }); r != nil {
			terr = errors.NewScalingError("evaluation panicked", r.AsError()).WithTargetID(id)
		}
		if terr != nil {
			a.reportError(id, terr)
			continue
		}
		decisions = append(decisions, d)
	}
	return decisions
}

func (a *Autoscaler) targetIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.targets))
	for id := range a.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (a *Autoscaler) readHealth(ctx context.Context) resource.Health {
	if a.health == nil {
		return resource.Health{Score: 1, Timestamp: a.now()}
	}
	h, err := a.health.SystemHealth(ctx)
	if err != nil {
		// Unknown health holds capacity.
		a.logger.Warn("health source failed", "error", err)
		return resource.Health{Score: 0, Timestamp: a.now()}
	}
	return h
}

func (a *Autoscaler) evaluateTarget(ctx context.Context, id string, snapshot map[string]resource.Metrics, health resource.Health) (Decision, error) {
	m, ok := snapshot[id]
	if !ok {
		return Decision{}, errors.NewScalingError("no metrics for target", errors.ErrNoMetrics).WithTargetID(id)
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = a.now()
	}

	if counter, ok := a.provisioner.(InstanceCounter); ok {
		n, err := counter.Instances(ctx, id)
		if err != nil {
			a.logger.WithTarget(id).Warn("instance count refresh failed", "error", err)
		} else {
			a.setInstances(id, n)
		}
	}

	a.mu.Lock()
	st, ok := a.targets[id]
	if !ok {
		a.mu.Unlock()
		return Decision{}, errors.NewNotFoundError("target", id)
	}
	st.samples.push(m)
	smoothed := smooth(st.samples.items())
	cfg, current, last := st.cfg, st.instances, st.lastEvent
	a.mu.Unlock()

	var d Decision
	if cfg.InBounds(current) {
		d = Evaluate(cfg, current, smoothed, health, a.healthFloor)
	} else {
		d = Correct(cfg, current, smoothed)
	}
	d.TargetID = id
	d.Timestamp = a.now()
	if d.Direction == DirectionNone {
		return d, nil
	}

	if !last.IsZero() && d.Timestamp.Sub(last) < cfg.CooldownPeriod {
		return Decision{
			TargetID:  id,
			Direction: DirectionNone,
			Current:   current,
			Reason:    fmt.Sprintf("cooldown active until %s", last.Add(cfg.CooldownPeriod).Format(time.RFC3339)),
			Metrics:   smoothed,
			Timestamp: d.Timestamp,
		}, nil
	}
	if !cfg.InBounds(d.Target()) {
		return Decision{}, errors.NewScalingError(
			fmt.Sprintf("decision to %d leaves [%d, %d]", d.Target(), cfg.MinInstances, cfg.MaxInstances), nil).
			WithTargetID(id).WithDirection(d.Direction.String())
	}

	var err error
	if d.Direction == DirectionUp {
		err = a.provisioner.ScaleUp(ctx, id, d.Delta)
	} else {
		err = a.provisioner.ScaleDown(ctx, id, -d.Delta)
	}
	if err != nil {
		return Decision{}, errors.NewScalingError("provisioner rejected scaling", err).
			WithTargetID(id).WithDirection(d.Direction.String())
	}

	ev := Event{
		TargetID:  id,
		Direction: d.Direction,
		From:      current,
		To:        d.Target(),
		Reason:    d.Reason,
		Metrics:   smoothed,
		Timestamp: d.Timestamp,
	}
	a.mu.Lock()
	if st, ok := a.targets[id]; ok {
		st.instances = ev.To
		st.lastEvent = ev.Timestamp
		st.history.push(ev)
	}
	handlers := append([]func(Decision){}, a.handlers...)
	a.mu.Unlock()

	a.logger.WithTarget(id).Info("scaled",
		"direction", d.Direction.String(),
		"from", ev.From,
		"to", ev.To,
		"reason", d.Reason,
	)
	if a.bus != nil {
		a.bus.Publish(event.NewScaledEvent(id, d.Direction.String(), ev.From, ev.To, d.Reason))
	}
	for _, h := range handlers {
		h(d)
	}
	return d, nil
}

// setInstances records an externally observed count as is. A count outside
// the target's bounds is corrected by the next evaluation.
func (a *Autoscaler) setInstances(id string, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.targets[id]
	if !ok {
		return
	}
	if !st.cfg.InBounds(n) {
		a.logger.WithTarget(id).Warn("observed instance count outside bounds",
			"observed", n, "min", st.cfg.MinInstances, "max", st.cfg.MaxInstances)
	}
	st.instances = n
}

func (a *Autoscaler) reportError(id string, err error) {
	a.logger.WithTarget(id).Error("autoscaler tick failed", "error", err.Error())
	if a.bus != nil {
		a.bus.Publish(event.NewErrorEvent("autoscaler", id, err))
	}
}

// smooth averages CPU and memory over samples and keeps the newest values
// for everything else.
func smooth(samples []resource.Metrics) resource.Metrics {
	latest := samples[len(samples)-1]
	if len(samples) == 1 {
		return latest
	}
	cpu := make([]float64, len(samples))
	mem := make([]float64, len(samples))
	for i, s := range samples {
		cpu[i] = s.CPU
		mem[i] = s.Memory
	}
	latest.CPU = stat.Mean(cpu, nil)
	latest.Memory = stat.Mean(mem, nil)
	return latest
}

// Start runs Tick every interval until ctx is cancelled or Stop is called.
// It blocks.
func (a *Autoscaler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	a.logger.Info("autoscaler started", "interval", a.interval.String())
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("autoscaler stopped")
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Stop cancels a running Start.
func (a *Autoscaler) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// History returns the recorded events for targetID, oldest first.
func (a *Autoscaler) History(targetID string) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.targets[targetID]
	if !ok {
		return nil
	}
	return st.history.items()
}

// Instances returns the tracked instance count for targetID.
func (a *Autoscaler) Instances(targetID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.targets[targetID]
	if !ok {
		return 0, false
	}
	return st.instances, true
}

// Targets returns a snapshot of every tracked target, ordered by id.
func (a *Autoscaler) Targets() []TargetStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TargetStatus, 0, len(a.targets))
	for id, st := range a.targets {
		out = append(out, TargetStatus{
			TargetID:   id,
			Instances:  st.instances,
			Config:     st.cfg,
			LastScaled: st.lastEvent,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}
