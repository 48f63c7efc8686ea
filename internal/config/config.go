package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/infersched/internal/executor"
	"github.com/Iron-Ham/infersched/internal/kube"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/promsource"
	"github.com/Iron-Ham/infersched/internal/queue"
	"github.com/Iron-Ham/infersched/internal/resource"
	"github.com/Iron-Ham/infersched/internal/scaling"
)

// EnvPrefix prefixes environment overrides, e.g. INFERSCHED_QUEUE_MAX_SIZE
// for queue.max_size.
const EnvPrefix = "INFERSCHED"

// Config represents the complete scheduler configuration
type Config struct {
	Queue       QueueConfig       `mapstructure:"queue"`
	Execution   ExecutionConfig   `mapstructure:"execution"`
	Probe       ProbeConfig       `mapstructure:"probe"`
	Autoscaling AutoscalingConfig `mapstructure:"autoscaling"`
	Prometheus  promsource.Config `mapstructure:"prometheus"`
	Kubernetes  kube.Config       `mapstructure:"kubernetes"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Paths       PathsConfig       `mapstructure:"paths"`
}

// QueueConfig controls admission queue sizing and dispatch
type QueueConfig struct {
	// MaxSize bounds pending plus in-flight requests
	MaxSize int `mapstructure:"max_size"`
	// PriorityLevels is the number of priority buckets (default: 3)
	PriorityLevels int `mapstructure:"priority_levels"`
	// Concurrency bounds simultaneously executing requests
	Concurrency int `mapstructure:"concurrency"`
	// RecheckMin and RecheckMax bound the wait before a refused request is
	// offered to admission again
	RecheckMin time.Duration `mapstructure:"recheck_min"`
	RecheckMax time.Duration `mapstructure:"recheck_max"`
}

// ExecutionConfig holds the defaults applied to every execution
type ExecutionConfig struct {
	// Timeout applies to requests submitted without one
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxRetries is how many times a retryable failure is re-queued.
	// 0 disables retries.
	MaxRetries int `mapstructure:"max_retries"`
	// ResourceLimits applies to requests submitted with zero limits
	ResourceLimits resource.Limits `mapstructure:"resource_limits"`
}

// ProbeConfig controls admission thresholds
type ProbeConfig struct {
	Thresholds resource.Thresholds `mapstructure:"thresholds"`
	// RefreshInterval is how long pulled metrics are reused
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// AutoscalingConfig controls the autoscaler loop and per-target bounds
type AutoscalingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval between evaluation ticks
	Interval time.Duration `mapstructure:"interval"`
	// HealthFloor suppresses scale-down while system health is below it
	HealthFloor float64 `mapstructure:"health_floor"`
	// HistorySize bounds the scaling events kept per target
	HistorySize int `mapstructure:"history_size"`
	// SmoothingWindow averages utilization over the last N samples
	SmoothingWindow int `mapstructure:"smoothing_window"`
	// Targets maps a target id or glob pattern (e.g. "llama-*") to its
	// settings. The "default" entry applies when nothing else matches.
	Targets map[string]scaling.AutoScalingConfig `mapstructure:"targets"`
}

// TelemetryConfig controls the Prometheus metrics endpoint
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// ListenAddress serves /metrics and /healthz
	ListenAddress string `mapstructure:"listen_address"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level"`
	// Dir receives scheduler.log. Empty logs to stderr.
	Dir string `mapstructure:"dir"`
}

// PathsConfig controls where state is stored
type PathsConfig struct {
	// StateDir holds pending requests across restarts. Empty disables
	// persistence.
	StateDir string `mapstructure:"state_dir"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	qd := queue.DefaultOptions()
	return &Config{
		Queue: QueueConfig{
			MaxSize:        qd.MaxSize,
			PriorityLevels: qd.PriorityLevels,
			Concurrency:    qd.Concurrency,
			RecheckMin:     qd.RecheckMin,
			RecheckMax:     qd.RecheckMax,
		},
		Execution: ExecutionConfig{
			Timeout:    executor.DefaultTimeout,
			MaxRetries: queue.DefaultRetryAttempts,
			ResourceLimits: resource.Limits{
				CPU:    10,
				Memory: 10,
			},
		},
		Probe: ProbeConfig{
			Thresholds:      resource.DefaultThresholds(),
			RefreshInterval: resource.DefaultRefreshInterval,
		},
		Autoscaling: AutoscalingConfig{
			Enabled:         false,
			Interval:        scaling.DefaultInterval,
			HealthFloor:     scaling.DefaultHealthFloor,
			HistorySize:     scaling.DefaultHistorySize,
			SmoothingWindow: scaling.DefaultSmoothingWindow,
			Targets: map[string]scaling.AutoScalingConfig{
				scaling.DefaultKey: scaling.DefaultConfig(),
			},
		},
		Prometheus: promsource.Config{
			Address:     "",
			TargetLabel: promsource.DefaultTargetLabel,
			Timeout:     promsource.DefaultQueryTimeout,
			Queries:     promsource.DefaultQueries(),
		},
		Kubernetes: kube.Config{
			Namespace: kube.DefaultNamespace,
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ListenAddress: ":9090",
		},
		Logging: LoggingConfig{
			Level: logging.LevelInfo,
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	SetDefaultsOn(viper.GetViper())
}

// SetDefaultsOn registers default values with v
func SetDefaultsOn(v *viper.Viper) {
	defaults := Default()

	// Queue defaults
	v.SetDefault("queue.max_size", defaults.Queue.MaxSize)
	v.SetDefault("queue.priority_levels", defaults.Queue.PriorityLevels)
	v.SetDefault("queue.concurrency", defaults.Queue.Concurrency)
	v.SetDefault("queue.recheck_min", defaults.Queue.RecheckMin)
	v.SetDefault("queue.recheck_max", defaults.Queue.RecheckMax)

	// Execution defaults
	v.SetDefault("execution.timeout", defaults.Execution.Timeout)
	v.SetDefault("execution.max_retries", defaults.Execution.MaxRetries)
	v.SetDefault("execution.resource_limits.cpu", defaults.Execution.ResourceLimits.CPU)
	v.SetDefault("execution.resource_limits.memory", defaults.Execution.ResourceLimits.Memory)
	v.SetDefault("execution.resource_limits.gpu", defaults.Execution.ResourceLimits.GPU)

	// Probe defaults
	v.SetDefault("probe.thresholds.max_cpu", defaults.Probe.Thresholds.MaxCPU)
	v.SetDefault("probe.thresholds.max_memory", defaults.Probe.Thresholds.MaxMemory)
	v.SetDefault("probe.thresholds.max_gpu", defaults.Probe.Thresholds.MaxGPU)
	v.SetDefault("probe.thresholds.max_error_rate", defaults.Probe.Thresholds.MaxErrorRate)
	v.SetDefault("probe.refresh_interval", defaults.Probe.RefreshInterval)

	// Autoscaling defaults
	v.SetDefault("autoscaling.enabled", defaults.Autoscaling.Enabled)
	v.SetDefault("autoscaling.interval", defaults.Autoscaling.Interval)
	v.SetDefault("autoscaling.health_floor", defaults.Autoscaling.HealthFloor)
	v.SetDefault("autoscaling.history_size", defaults.Autoscaling.HistorySize)
	v.SetDefault("autoscaling.smoothing_window", defaults.Autoscaling.SmoothingWindow)
	d := defaults.Autoscaling.Targets[scaling.DefaultKey]
	v.SetDefault("autoscaling.targets.default.min_instances", d.MinInstances)
	v.SetDefault("autoscaling.targets.default.max_instances", d.MaxInstances)
	v.SetDefault("autoscaling.targets.default.target_cpu_utilization", d.TargetCPUUtilization)
	v.SetDefault("autoscaling.targets.default.target_memory_utilization", d.TargetMemoryUtilization)
	v.SetDefault("autoscaling.targets.default.cooldown_period", d.CooldownPeriod)
	v.SetDefault("autoscaling.targets.default.scale_up_threshold", d.ScaleUpThreshold)
	v.SetDefault("autoscaling.targets.default.scale_down_threshold", d.ScaleDownThreshold)

	// Prometheus defaults
	v.SetDefault("prometheus.address", defaults.Prometheus.Address)
	v.SetDefault("prometheus.target_label", defaults.Prometheus.TargetLabel)
	v.SetDefault("prometheus.timeout", defaults.Prometheus.Timeout)
	v.SetDefault("prometheus.queries.cpu", defaults.Prometheus.Queries.CPU)
	v.SetDefault("prometheus.queries.memory", defaults.Prometheus.Queries.Memory)
	v.SetDefault("prometheus.queries.gpu", defaults.Prometheus.Queries.GPU)
	v.SetDefault("prometheus.queries.latency_ms", defaults.Prometheus.Queries.LatencyMs)
	v.SetDefault("prometheus.queries.throughput", defaults.Prometheus.Queries.Throughput)
	v.SetDefault("prometheus.queries.error_rate", defaults.Prometheus.Queries.ErrorRate)
	v.SetDefault("prometheus.queries.health", defaults.Prometheus.Queries.Health)

	// Kubernetes defaults
	v.SetDefault("kubernetes.namespace", defaults.Kubernetes.Namespace)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", defaults.Telemetry.Enabled)
	v.SetDefault("telemetry.listen_address", defaults.Telemetry.ListenAddress)

	// Logging defaults
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)

	// Paths defaults
	v.SetDefault("paths.state_dir", defaults.Paths.StateDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads and validates the configuration held by v
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// QueueOptions converts the queue and execution sections into queue options
func (c *Config) QueueOptions() queue.Options {
	return queue.Options{
		MaxSize:        c.Queue.MaxSize,
		Timeout:        c.Execution.Timeout,
		RetryAttempts:  c.Execution.MaxRetries,
		PriorityLevels: c.Queue.PriorityLevels,
		Concurrency:    c.Queue.Concurrency,
		DefaultLimits:  c.Execution.ResourceLimits,
		RecheckMin:     c.Queue.RecheckMin,
		RecheckMax:     c.Queue.RecheckMax,
	}
}

// ExecutionOptions converts the execution section into coordinator defaults
func (c *Config) ExecutionOptions() executor.Options {
	return executor.Options{
		Timeout:        c.Execution.Timeout,
		MaxRetries:     c.Execution.MaxRetries,
		ResourceLimits: c.Execution.ResourceLimits,
	}
}

// ConfigSet builds the glob-keyed autoscaling settings
func (c *AutoscalingConfig) ConfigSet() (*scaling.ConfigSet, error) {
	return scaling.NewConfigSet(c.Targets)
}

// Options converts the loop settings into autoscaler options
func (c *AutoscalingConfig) Options() []scaling.Option {
	return []scaling.Option{
		scaling.WithInterval(c.Interval),
		scaling.WithHealthFloor(c.HealthFloor),
		scaling.WithHistorySize(c.HistorySize),
		scaling.WithSmoothingWindow(c.SmoothingWindow),
	}
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "infersched")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".infersched"
	}
	return filepath.Join(home, ".config", "infersched")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
