package scheduler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/executor"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/queue"
	"github.com/Iron-Ham/infersched/internal/resource"
	"github.com/Iron-Ham/infersched/internal/scaling"
)

// Config holds required dependencies for creating a Scheduler.
type Config struct {
	// Runner performs the model invocations.
	Runner executor.JobRunner
	// Metrics feeds admission decisions and the autoscaler. It may be nil
	// when metrics are pushed with Observe.
	Metrics resource.MetricsSource
	// Bus receives every notification. A private bus is created when nil.
	Bus    *event.Bus
	Logger *logging.Logger
}

// Stats is a point-in-time view across all components.
type Stats struct {
	Queue       queue.Stats
	Executions  map[string]executor.TargetStats
	Active      []executor.Info
	Allocations resource.AllocatorStats
	Targets     []scaling.TargetStatus
}

// Scheduler wires the admission queue, resource probe, execution
// coordinator and autoscaler around one event bus. It is the single owner
// of their state and the only surface callers use.
type Scheduler struct {
	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	// scalerDone is closed when the autoscaler goroutine started with
	// scalerCancel exits.
	scalerDone   chan struct{}
	scalerCancel context.CancelFunc

	bus        *event.Bus
	logger     *logging.Logger
	probe      *resource.Probe
	coord      *executor.Coordinator
	queue      *queue.AdmissionQueue
	autoscaler *scaling.Autoscaler
	stateDir   string
	restored   bool
}

// New creates a Scheduler. Nothing runs until Start.
func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.NewValidationError("job runner is required").WithField("runner")
	}

	sc := &schedulerConfig{}
	for _, opt := range opts {
		opt(sc)
	}

	logger := logging.OrNop(cfg.Logger)
	bus := cfg.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}

	allocator := resource.NewAllocator()
	probeOpts := []resource.ProbeOption{resource.WithBus(bus), resource.WithLogger(logger)}
	if sc.thresholds != nil {
		probeOpts = append(probeOpts, resource.WithThresholds(*sc.thresholds))
	}
	if sc.probeRefresh > 0 {
		probeOpts = append(probeOpts, resource.WithRefreshInterval(sc.probeRefresh))
	}
	probe := resource.NewProbe(cfg.Metrics, allocator, probeOpts...)

	coord := executor.NewCoordinator(allocator, cfg.Runner, sc.execOpts, bus, logger)

	qopts := sc.queueOpts
	if sc.execOpts.MaxRetries != 0 {
		qopts.RetryAttempts = sc.execOpts.MaxRetries
	}
	if qopts.Timeout <= 0 {
		qopts.Timeout = sc.execOpts.Timeout
	}
	if qopts.DefaultLimits.IsZero() {
		qopts.DefaultLimits = sc.execOpts.ResourceLimits
	}
	admitter := sc.admitter
	if admitter == nil {
		admitter = probe
	}
	// Per-request timeout and limits are filled in by the queue, so the
	// per-attempt options stay empty and the coordinator defaults only
	// apply to requests that reach it without them.
	q := queue.NewAdmissionQueue(qopts, admitter, coord.ExecuteFunc(executor.Options{}), bus, logger)

	s := &Scheduler{
		bus:      bus,
		logger:   logger.WithComponent("scheduler"),
		probe:    probe,
		coord:    coord,
		queue:    q,
		stateDir: sc.stateDir,
	}

	if sc.provisioner != nil {
		scalingOpts := append([]scaling.Option{
			scaling.WithEventBus(bus),
			scaling.WithLogger(logger),
			scaling.WithHealthSource(sc.health),
		}, sc.scalingOpts...)
		s.autoscaler = scaling.NewAutoscaler(probeSource{probe}, sc.provisioner, sc.scalingConfig, scalingOpts...)
	}
	return s, nil
}

// probeSource serves autoscaler ticks from the probe so both read the same
// merged view of pulled and pushed metrics.
type probeSource struct{ p *resource.Probe }

func (s probeSource) LatestMetrics(ctx context.Context) (map[string]resource.Metrics, error) {
	if err := s.p.Refresh(ctx); err != nil {
		return nil, err
	}
	return s.p.Snapshot(), nil
}

// Bus returns the event bus every component publishes on.
func (s *Scheduler) Bus() *event.Bus { return s.bus }

// Queue returns the admission queue.
func (s *Scheduler) Queue() *queue.AdmissionQueue { return s.queue }

// Coordinator returns the execution coordinator.
func (s *Scheduler) Coordinator() *executor.Coordinator { return s.coord }

// Probe returns the resource probe.
func (s *Scheduler) Probe() *resource.Probe { return s.probe }

// Autoscaler returns the autoscaler, or nil when autoscaling is disabled.
func (s *Scheduler) Autoscaler() *scaling.Autoscaler { return s.autoscaler }

// Submit admits req into the queue. The handle resolves once the request
// completes or fails for good.
func (s *Scheduler) Submit(req queue.Request) (*queue.Handle, error) {
	return s.queue.Enqueue(req)
}

// Request returns the live request with id, pending or in flight. Unknown
// and finished ids yield a NotFoundError.
func (s *Scheduler) Request(id string) (queue.Request, error) {
	req, ok := s.queue.Get(id)
	if !ok {
		return queue.Request{}, errors.NewNotFoundError("request", id).WithCause(errors.ErrRequestNotFound)
	}
	return req, nil
}

// Cancel cancels requestID. A pending request is removed from the queue
// and fails with a CanceledError; an executing one is signalled and its
// resources reclaimed. Unknown ids are a no-op.
func (s *Scheduler) Cancel(requestID string) error {
	if s.queue.Remove(requestID) {
		return nil
	}
	return s.coord.Cancel(requestID)
}

// Observe pushes a metrics sample for targetID.
func (s *Scheduler) Observe(targetID string, m resource.Metrics) {
	s.probe.Observe(targetID, m)
}

// Optimize returns tuning recommendations for targetID.
func (s *Scheduler) Optimize(ctx context.Context, targetID string) (resource.Optimization, error) {
	return s.probe.Optimize(ctx, targetID)
}

// EnableAutoscaling starts autoscaling targetID from initial instances.
func (s *Scheduler) EnableAutoscaling(targetID string, initial int) error {
	if s.autoscaler == nil {
		return errors.NewScalingError("autoscaling is not configured", nil).WithTargetID(targetID)
	}
	return s.autoscaler.EnableTarget(targetID, initial)
}

// SetAutoscalingConfigs replaces the per-target autoscaling settings.
func (s *Scheduler) SetAutoscalingConfigs(cs *scaling.ConfigSet) error {
	if s.autoscaler == nil {
		return errors.NewScalingError("autoscaling is not configured", nil)
	}
	s.autoscaler.SetConfigs(cs)
	return nil
}

// Stats returns a snapshot across queue, executions and autoscaler.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Queue:       s.queue.Stats(),
		Executions:  s.coord.Stats(),
		Active:      s.coord.ListActive(),
		Allocations: s.coord.Allocator().Stats(),
	}
	if s.autoscaler != nil {
		st.Targets = s.autoscaler.Targets()
	}
	return st
}

// Start restores persisted requests, then starts the dispatch loop and the
// autoscaler. It returns an error if the scheduler is already started.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	if s.stateDir != "" && !s.restored {
		if err := os.MkdirAll(s.stateDir, 0755); err != nil {
			return errors.Wrap(err, "create state dir")
		}
		restored, err := s.queue.LoadState(s.stateDir)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return errors.Wrap(err, "restore queue state")
		default:
			s.logger.Info("restored pending requests", "count", len(restored))
		}
		s.restored = true
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.queue.Start(ctx); err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.started = true

	if s.autoscaler != nil {
		scalerCtx, scalerCancel := context.WithCancel(ctx)
		done := make(chan struct{})
		s.scalerDone, s.scalerCancel = done, scalerCancel
		go func() {
			defer close(done)
			s.autoscaler.Start(scalerCtx)
		}()
	}
	s.logger.Info("scheduler started", "autoscaling", s.autoscaler != nil)
	return nil
}

// Stop stops the autoscaler, drains the queue and saves pending requests.
// If ctx ends before in-flight executions finish they are cancelled and
// ctx's error is returned. It is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	if s.autoscaler != nil {
		s.scalerCancel()
		select {
		case <-s.scalerDone:
		case <-ctx.Done():
			s.logger.Warn("autoscaler still running at stop deadline")
		}
	}
	err := s.queue.Stop(ctx)
	s.cancel()
	s.started = false

	if s.stateDir != "" {
		if serr := s.queue.SaveState(s.stateDir); serr != nil {
			err = errors.Join(err, errors.Wrap(serr, "save queue state"))
		}
	}
	s.logger.Info("scheduler stopped")
	return err
}

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
