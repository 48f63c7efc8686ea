package scaling

import (
	"fmt"
	"sort"
	"time"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/infersched/internal/errors"
)

// DefaultKey is the ConfigSet entry used when no pattern matches.
const DefaultKey = "default"

// AutoScalingConfig bounds and tunes autoscaling for one target.
// Utilization values are percentages in [0, 100].
type AutoScalingConfig struct {
	MinInstances            int           `mapstructure:"min_instances" yaml:"min_instances"`
	MaxInstances            int           `mapstructure:"max_instances" yaml:"max_instances"`
	TargetCPUUtilization    float64       `mapstructure:"target_cpu_utilization" yaml:"target_cpu_utilization"`
	TargetMemoryUtilization float64       `mapstructure:"target_memory_utilization" yaml:"target_memory_utilization"`
	CooldownPeriod          time.Duration `mapstructure:"cooldown_period" yaml:"cooldown_period"`
	ScaleUpThreshold        float64       `mapstructure:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold      float64       `mapstructure:"scale_down_threshold" yaml:"scale_down_threshold"`
}

// DefaultConfig returns a conservative configuration.
func DefaultConfig() AutoScalingConfig {
	return AutoScalingConfig{
		MinInstances:            1,
		MaxInstances:            10,
		TargetCPUUtilization:    70,
		TargetMemoryUtilization: 80,
		CooldownPeriod:          time.Minute,
		ScaleUpThreshold:        80,
		ScaleDownThreshold:      30,
	}
}

// Validate checks the configuration and returns every problem found,
// joined. Invalid values are rejected, never clamped.
func (c AutoScalingConfig) Validate() error {
	var errs []error
	add := func(field string, value any, msg string) {
		errs = append(errs, errors.NewValidationError(msg).WithField(field).WithValue(value))
	}

	if c.MinInstances < 0 {
		add("min_instances", c.MinInstances, "must be non-negative")
	}
	if c.MaxInstances < 1 {
		add("max_instances", c.MaxInstances, "must be at least 1")
	}
	if c.MinInstances > c.MaxInstances {
		add("min_instances", c.MinInstances, fmt.Sprintf("must not exceed max_instances (%d)", c.MaxInstances))
	}
	for field, v := range map[string]float64{
		"target_cpu_utilization":    c.TargetCPUUtilization,
		"target_memory_utilization": c.TargetMemoryUtilization,
	} {
		if v <= 0 || v > 100 {
			add(field, v, "must be in (0, 100]")
		}
	}
	for field, v := range map[string]float64{
		"scale_up_threshold":   c.ScaleUpThreshold,
		"scale_down_threshold": c.ScaleDownThreshold,
	} {
		if v < 0 || v > 100 {
			add(field, v, "must be in [0, 100]")
		}
	}
	if c.ScaleUpThreshold <= c.ScaleDownThreshold {
		add("scale_up_threshold", c.ScaleUpThreshold,
			fmt.Sprintf("must be greater than scale_down_threshold (%.1f)", c.ScaleDownThreshold))
	}
	if c.CooldownPeriod < 0 {
		add("cooldown_period", c.CooldownPeriod, "must be non-negative")
	}

	// Map iteration above is unordered; sort for stable messages.
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}

// InBounds reports whether n lies in [MinInstances, MaxInstances].
func (c AutoScalingConfig) InBounds(n int) bool {
	return n >= c.MinInstances && n <= c.MaxInstances
}

type patternEntry struct {
	pattern string
	matcher glob.Glob
	config  AutoScalingConfig
}

// ConfigSet resolves per-target configuration from exact target ids, glob
// patterns ("llama-*") and a "default" entry, in that order. Among patterns
// the longest wins; ties break alphabetically.
type ConfigSet struct {
	exact    map[string]AutoScalingConfig
	patterns []patternEntry
	fallback *AutoScalingConfig
}

// NewConfigSet validates and compiles the given entries.
func NewConfigSet(entries map[string]AutoScalingConfig) (*ConfigSet, error) {
	cs := &ConfigSet{exact: make(map[string]AutoScalingConfig)}

	var errs []error
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		cfg := entries[key]
		if err := cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("autoscaling config %q: %w", key, err))
			continue
		}
		switch {
		case key == DefaultKey:
			c := cfg
			cs.fallback = &c
		case isPattern(key):
			g, err := glob.Compile(key)
			if err != nil {
				errs = append(errs, errors.NewValidationError("invalid glob pattern").
					WithField("autoscaling.targets").WithValue(key).WithCause(err))
				continue
			}
			cs.patterns = append(cs.patterns, patternEntry{pattern: key, matcher: g, config: cfg})
		default:
			cs.exact[key] = cfg
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.SliceStable(cs.patterns, func(i, j int) bool {
		if len(cs.patterns[i].pattern) != len(cs.patterns[j].pattern) {
			return len(cs.patterns[i].pattern) > len(cs.patterns[j].pattern)
		}
		return cs.patterns[i].pattern < cs.patterns[j].pattern
	})
	return cs, nil
}

// SingleConfig returns a ConfigSet whose default entry is cfg.
func SingleConfig(cfg AutoScalingConfig) (*ConfigSet, error) {
	return NewConfigSet(map[string]AutoScalingConfig{DefaultKey: cfg})
}

// Lookup returns the configuration for targetID.
func (cs *ConfigSet) Lookup(targetID string) (AutoScalingConfig, bool) {
	if cs == nil {
		return AutoScalingConfig{}, false
	}
	if cfg, ok := cs.exact[targetID]; ok {
		return cfg, true
	}
	for _, p := range cs.patterns {
		if p.matcher.Match(targetID) {
			return p.config, true
		}
	}
	if cs.fallback != nil {
		return *cs.fallback, true
	}
	return AutoScalingConfig{}, false
}

func isPattern(key string) bool {
	for _, r := range key {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}
