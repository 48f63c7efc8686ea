package scheduler

import (
	"time"

	"github.com/Iron-Ham/infersched/internal/executor"
	"github.com/Iron-Ham/infersched/internal/queue"
	"github.com/Iron-Ham/infersched/internal/resource"
	"github.com/Iron-Ham/infersched/internal/scaling"
)

// schedulerConfig holds optional configuration for a Scheduler.
type schedulerConfig struct {
	queueOpts     queue.Options
	execOpts      executor.Options
	thresholds    *resource.Thresholds
	probeRefresh  time.Duration
	admitter      queue.Admitter
	health        resource.HealthSource
	provisioner   scaling.CapacityProvisioner
	scalingConfig *scaling.ConfigSet
	scalingOpts   []scaling.Option
	stateDir      string
}

// Option configures a Scheduler.
type Option func(*schedulerConfig)

// WithQueueOptions sets the admission queue options. Zero fields take the
// queue defaults.
func WithQueueOptions(o queue.Options) Option {
	return func(c *schedulerConfig) { c.queueOpts = o }
}

// WithExecutionOptions sets the default execution options. A non-zero
// MaxRetries overrides the queue's RetryAttempts.
func WithExecutionOptions(o executor.Options) Option {
	return func(c *schedulerConfig) { c.execOpts = o }
}

// WithThresholds sets the admission thresholds of the resource probe.
func WithThresholds(t resource.Thresholds) Option {
	return func(c *schedulerConfig) { c.thresholds = &t }
}

// WithProbeRefresh sets how stale probe metrics may get before an
// admission check pulls new ones.
func WithProbeRefresh(d time.Duration) Option {
	return func(c *schedulerConfig) { c.probeRefresh = d }
}

// WithAdmitter replaces the resource probe as the admission gate.
func WithAdmitter(a queue.Admitter) Option {
	return func(c *schedulerConfig) { c.admitter = a }
}

// WithHealthSource sets the health source consulted by the autoscaler.
func WithHealthSource(h resource.HealthSource) Option {
	return func(c *schedulerConfig) { c.health = h }
}

// WithAutoscaling enables the autoscaler. It drives p using per-target
// settings from configs.
func WithAutoscaling(p scaling.CapacityProvisioner, configs *scaling.ConfigSet, opts ...scaling.Option) Option {
	return func(c *schedulerConfig) {
		c.provisioner = p
		c.scalingConfig = configs
		c.scalingOpts = opts
	}
}

// WithStateDir persists pending requests in dir across Stop and Start.
func WithStateDir(dir string) Option {
	return func(c *schedulerConfig) { c.stateDir = dir }
}
