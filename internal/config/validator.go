package config

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"sort"
	"strings"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/scaling"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "queue.max_size")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Is lets callers match any config failure with errors.ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == errors.ErrInvalidConfig
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validateQueue()...)
	errs = append(errs, c.validateExecution()...)
	errs = append(errs, c.validateProbe()...)
	errs = append(errs, c.validateAutoscaling()...)
	errs = append(errs, c.validatePrometheus()...)
	errs = append(errs, c.validateTelemetry()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

func (c *Config) validateQueue() []ValidationError {
	var errs []ValidationError

	if c.Queue.MaxSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "queue.max_size",
			Value:   c.Queue.MaxSize,
			Message: "must be at least 1",
		})
	}
	if c.Queue.PriorityLevels < 1 {
		errs = append(errs, ValidationError{
			Field:   "queue.priority_levels",
			Value:   c.Queue.PriorityLevels,
			Message: "must be at least 1",
		})
	}
	if c.Queue.Concurrency < 1 {
		errs = append(errs, ValidationError{
			Field:   "queue.concurrency",
			Value:   c.Queue.Concurrency,
			Message: "must be at least 1",
		})
	}
	if c.Queue.RecheckMin < 0 {
		errs = append(errs, ValidationError{
			Field:   "queue.recheck_min",
			Value:   c.Queue.RecheckMin,
			Message: "must be non-negative",
		})
	}
	if c.Queue.RecheckMax < c.Queue.RecheckMin {
		errs = append(errs, ValidationError{
			Field:   "queue.recheck_max",
			Value:   c.Queue.RecheckMax,
			Message: fmt.Sprintf("must not be less than queue.recheck_min (%s)", c.Queue.RecheckMin),
		})
	}

	return errs
}

func (c *Config) validateExecution() []ValidationError {
	var errs []ValidationError

	if c.Execution.Timeout <= 0 {
		errs = append(errs, ValidationError{
			Field:   "execution.timeout",
			Value:   c.Execution.Timeout,
			Message: "must be positive",
		})
	}
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, ValidationError{
			Field:   "execution.max_retries",
			Value:   c.Execution.MaxRetries,
			Message: "must be non-negative",
		})
	}
	for _, p := range []struct {
		field string
		value float64
	}{
		{"execution.resource_limits.cpu", c.Execution.ResourceLimits.CPU},
		{"execution.resource_limits.memory", c.Execution.ResourceLimits.Memory},
		{"execution.resource_limits.gpu", c.Execution.ResourceLimits.GPU},
	} {
		if p.value < 0 || p.value > 100 {
			errs = append(errs, ValidationError{
				Field:   p.field,
				Value:   p.value,
				Message: "must be between 0 and 100",
			})
		}
	}

	return errs
}

func (c *Config) validateProbe() []ValidationError {
	var errs []ValidationError

	t := c.Probe.Thresholds
	for _, p := range []struct {
		field string
		value float64
	}{
		{"probe.thresholds.max_cpu", t.MaxCPU},
		{"probe.thresholds.max_memory", t.MaxMemory},
		{"probe.thresholds.max_gpu", t.MaxGPU},
	} {
		if p.value <= 0 || p.value > 100 {
			errs = append(errs, ValidationError{
				Field:   p.field,
				Value:   p.value,
				Message: "must be greater than 0 and at most 100",
			})
		}
	}
	// 0 disables the error rate check
	if t.MaxErrorRate < 0 || t.MaxErrorRate > 1 {
		errs = append(errs, ValidationError{
			Field:   "probe.thresholds.max_error_rate",
			Value:   t.MaxErrorRate,
			Message: "must be between 0 and 1",
		})
	}
	if c.Probe.RefreshInterval < 0 {
		errs = append(errs, ValidationError{
			Field:   "probe.refresh_interval",
			Value:   c.Probe.RefreshInterval,
			Message: "must be non-negative",
		})
	}

	return errs
}

func (c *Config) validateAutoscaling() []ValidationError {
	var errs []ValidationError
	a := c.Autoscaling

	if a.Interval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "autoscaling.interval",
			Value:   a.Interval,
			Message: "must be positive",
		})
	}
	if a.HealthFloor < 0 || a.HealthFloor > 1 {
		errs = append(errs, ValidationError{
			Field:   "autoscaling.health_floor",
			Value:   a.HealthFloor,
			Message: "must be between 0 and 1",
		})
	}
	if a.HistorySize < 1 {
		errs = append(errs, ValidationError{
			Field:   "autoscaling.history_size",
			Value:   a.HistorySize,
			Message: "must be at least 1",
		})
	}
	if a.SmoothingWindow < 1 {
		errs = append(errs, ValidationError{
			Field:   "autoscaling.smoothing_window",
			Value:   a.SmoothingWindow,
			Message: "must be at least 1",
		})
	}

	keys := make([]string, 0, len(a.Targets))
	for k := range a.Targets {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entryErrs := len(errs)
	for _, key := range keys {
		errs = append(errs, targetErrors(key, a.Targets[key])...)
	}
	// Pattern syntax is checked only once every entry is valid, so entry
	// failures are not reported twice.
	if len(errs) == entryErrs {
		if _, err := a.ConfigSet(); err != nil {
			errs = append(errs, ValidationError{
				Field:   "autoscaling.targets",
				Value:   keys,
				Message: err.Error(),
			})
		}
	}

	return errs
}

// targetErrors applies the autoscaler's own rules to one entry and
// reports each failure under its config path.
func targetErrors(key string, cfg scaling.AutoScalingConfig) []ValidationError {
	err := cfg.Validate()
	if err == nil {
		return nil
	}

	causes := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		causes = joined.Unwrap()
	}

	var errs []ValidationError
	for _, cause := range causes {
		var ve *errors.ValidationError
		if errors.As(cause, &ve) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("autoscaling.targets.%s.%s", key, ve.Field),
				Value:   ve.Value,
				Message: ve.Message(),
			})
			continue
		}
		errs = append(errs, ValidationError{
			Field:   "autoscaling.targets." + key,
			Value:   cfg,
			Message: cause.Error(),
		})
	}
	return errs
}

func (c *Config) validatePrometheus() []ValidationError {
	var errs []ValidationError

	if addr := c.Prometheus.Address; addr != "" {
		u, err := url.Parse(addr)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "prometheus.address",
				Value:   addr,
				Message: "must be an http(s) URL",
			})
		}
	}
	if c.Prometheus.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "prometheus.timeout",
			Value:   c.Prometheus.Timeout,
			Message: "must be non-negative",
		})
	}

	return errs
}

func (c *Config) validateTelemetry() []ValidationError {
	var errs []ValidationError

	if c.Telemetry.Enabled {
		if _, _, err := net.SplitHostPort(c.Telemetry.ListenAddress); err != nil {
			errs = append(errs, ValidationError{
				Field:   "telemetry.listen_address",
				Value:   c.Telemetry.ListenAddress,
				Message: "must be host:port",
			})
		}
	}

	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(logging.ValidLevels(), strings.ToUpper(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(logging.ValidLevels(), ", ")),
		})
	}

	return errs
}
