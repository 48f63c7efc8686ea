package resource

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/logging"
)

// Thresholds are the admission ceilings applied to projected utilization.
// A zero MaxErrorRate disables the error-rate check.
type Thresholds struct {
	MaxCPU       float64 `mapstructure:"max_cpu"`
	MaxMemory    float64 `mapstructure:"max_memory"`
	MaxGPU       float64 `mapstructure:"max_gpu"`
	MaxErrorRate float64 `mapstructure:"max_error_rate"`
}

// DefaultRefreshInterval is how long a pulled metrics snapshot is reused.
const DefaultRefreshInterval = time.Second

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxCPU:    90,
		MaxMemory: 90,
		MaxGPU:    95,
	}
}

// ProbeOption configures a Probe.
type ProbeOption func(*Probe)

// WithThresholds sets admission thresholds.
func WithThresholds(t Thresholds) ProbeOption {
	return func(p *Probe) { p.thresholds = t }
}

// WithRefreshInterval sets how long a pulled metrics snapshot is reused
// before CanAdmit pulls again. Zero pulls on every check.
func WithRefreshInterval(d time.Duration) ProbeOption {
	return func(p *Probe) { p.refreshInterval = d }
}

// WithBus sets the bus optimization results are published on.
func WithBus(bus *event.Bus) ProbeOption {
	return func(p *Probe) { p.bus = bus }
}

// WithLogger sets the probe's logger.
func WithLogger(l *logging.Logger) ProbeOption {
	return func(p *Probe) { p.logger = logging.OrNop(l).WithComponent("probe") }
}

// Probe answers admission and optimization questions from metrics and
// outstanding allocations. It is safe for concurrent use.
type Probe struct {
	source          MetricsSource
	allocator       *Allocator
	thresholds      Thresholds
	refreshInterval time.Duration
	bus             *event.Bus
	logger          *logging.Logger

	mu          sync.RWMutex
	metrics     map[string]Metrics
	lastRefresh time.Time
}

// NewProbe creates a Probe. source may be nil when metrics are only pushed
// with Observe.
func NewProbe(source MetricsSource, allocator *Allocator, opts ...ProbeOption) *Probe {
	p := &Probe{
		source:          source,
		allocator:       allocator,
		thresholds:      DefaultThresholds(),
		refreshInterval: DefaultRefreshInterval,
		logger:          logging.NopLogger(),
		metrics:         make(map[string]Metrics),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.allocator == nil {
		p.allocator = NewAllocator()
	}
	return p
}

// Allocator returns the allocator whose reservations the probe accounts for.
func (p *Probe) Allocator() *Allocator {
	return p.allocator
}

// Observe records a metrics snapshot for targetID.
func (p *Probe) Observe(targetID string, m Metrics) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics[targetID] = m
}

// Refresh pulls the latest metrics from the source and merges them into
// the snapshot. Targets missing from the pull keep their previous sample.
func (p *Probe) Refresh(ctx context.Context) error {
	if p.source == nil {
		return nil
	}
	latest, err := p.source.LatestMetrics(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, m := range latest {
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		p.metrics[id] = m
	}
	p.lastRefresh = now
	return nil
}

// Metrics returns the latest snapshot for targetID.
func (p *Probe) Metrics(targetID string) (Metrics, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.metrics[targetID]
	return m, ok
}

// Snapshot returns a copy of all known metrics.
func (p *Probe) Snapshot() map[string]Metrics {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Metrics, len(p.metrics))
	for id, m := range p.metrics {
		out[id] = m
	}
	return out
}

func (p *Probe) refreshIfStale(ctx context.Context) {
	p.mu.RLock()
	stale := time.Since(p.lastRefresh) >= p.refreshInterval
	p.mu.RUnlock()
	if !stale {
		return
	}
	if err := p.Refresh(ctx); err != nil {
		p.logger.Warn("metrics refresh failed", "error", err)
	}
}

// CanAdmit reports whether a request reserving want on targetID fits under
// the thresholds once current utilization and outstanding allocations are
// added. It refuses when no metrics exist for the target.
func (p *Probe) CanAdmit(ctx context.Context, targetID string, want Limits) bool {
	p.refreshIfStale(ctx)

	m, ok := p.Metrics(targetID)
	if !ok {
		p.logger.Debug("admission refused: no metrics", "target_id", targetID)
		return false
	}

	projected := Limits{CPU: m.CPU, Memory: m.Memory, GPU: m.GPUOrZero()}.
		Add(p.allocator.InUse(targetID)).
		Add(want)

	t := p.thresholds
	switch {
	case projected.CPU > t.MaxCPU:
		p.logger.Debug("admission refused: cpu", "target_id", targetID, "projected", projected.CPU)
		return false
	case projected.Memory > t.MaxMemory:
		p.logger.Debug("admission refused: memory", "target_id", targetID, "projected", projected.Memory)
		return false
	case (m.HasGPU() || want.GPU > 0) && projected.GPU > t.MaxGPU:
		p.logger.Debug("admission refused: gpu", "target_id", targetID, "projected", projected.GPU)
		return false
	case t.MaxErrorRate > 0 && m.ErrorRate > t.MaxErrorRate:
		p.logger.Debug("admission refused: error rate", "target_id", targetID, "error_rate", m.ErrorRate)
		return false
	}
	return true
}
