package promsource

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/resource"
)

// DefaultTargetLabel is the series label that carries the target id.
const DefaultTargetLabel = "target"

// DefaultQueryTimeout bounds each PromQL evaluation.
const DefaultQueryTimeout = 10 * time.Second

// Queries holds one instant PromQL query per metric. Each query must return
// a vector with one sample per target, labelled with the target label.
// Empty queries are skipped; GPU samples are only set for targets the GPU
// query returns.
type Queries struct {
	CPU        string `mapstructure:"cpu" yaml:"cpu"`
	Memory     string `mapstructure:"memory" yaml:"memory"`
	GPU        string `mapstructure:"gpu" yaml:"gpu"`
	LatencyMs  string `mapstructure:"latency_ms" yaml:"latency_ms"`
	Throughput string `mapstructure:"throughput" yaml:"throughput"`
	ErrorRate  string `mapstructure:"error_rate" yaml:"error_rate"`
	// Health must return a scalar or a single sample in [0, 1].
	Health string `mapstructure:"health" yaml:"health"`
}

// DefaultQueries returns queries for targets exported with a "target"
// label by the serving runtime.
func DefaultQueries() Queries {
	return Queries{
		CPU:        `avg by (target) (rate(container_cpu_usage_seconds_total{target!=""}[1m])) * 100`,
		Memory:     `avg by (target) (container_memory_working_set_bytes{target!=""} / container_spec_memory_limit_bytes{target!=""}) * 100`,
		GPU:        `avg by (target) (DCGM_FI_DEV_GPU_UTIL{target!=""})`,
		LatencyMs:  `histogram_quantile(0.95, sum by (target, le) (rate(inference_request_duration_seconds_bucket[1m]))) * 1000`,
		Throughput: `sum by (target) (rate(inference_requests_total[1m]))`,
		ErrorRate:  `sum by (target) (rate(inference_requests_total{code=~"5.."}[1m])) / sum by (target) (rate(inference_requests_total[1m]))`,
		Health:     `avg(up{job="inference"})`,
	}
}

// Config configures a Source.
type Config struct {
	Address     string        `mapstructure:"address" yaml:"address"`
	TargetLabel string        `mapstructure:"target_label" yaml:"target_label"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Queries     Queries       `mapstructure:"queries" yaml:"queries"`
}

// Source reads resource metrics and system health from Prometheus. It
// implements resource.MetricsSource and resource.HealthSource.
type Source struct {
	api    promv1.API
	cfg    Config
	logger *logging.Logger
}

// New creates a Source talking to the Prometheus server at cfg.Address.
func New(cfg Config, logger *logging.Logger) (*Source, error) {
	if cfg.Address == "" {
		return nil, errors.NewValidationError("prometheus address is required").WithField("prometheus.address")
	}
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, errors.NewValidationError("invalid prometheus address").
			WithField("prometheus.address").WithValue(cfg.Address).WithCause(err)
	}
	return NewWithAPI(promv1.NewAPI(client), cfg, logger), nil
}

// NewWithAPI creates a Source over an existing API client.
func NewWithAPI(a promv1.API, cfg Config, logger *logging.Logger) *Source {
	if cfg.TargetLabel == "" {
		cfg.TargetLabel = DefaultTargetLabel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultQueryTimeout
	}
	return &Source{
		api:    a,
		cfg:    cfg,
		logger: logging.OrNop(logger).WithComponent("promsource"),
	}
}

type field func(m *resource.Metrics, v float64)

// LatestMetrics evaluates every configured query concurrently and merges
// the samples per target. Targets absent from both the CPU and memory
// results are dropped. Any failed query fails the whole call.
func (s *Source) LatestMetrics(ctx context.Context) (map[string]resource.Metrics, error) {
	q := s.cfg.Queries
	fields := []struct {
		name  string
		query string
		set   field
	}{
		{"cpu", q.CPU, func(m *resource.Metrics, v float64) { m.CPU = v }},
		{"memory", q.Memory, func(m *resource.Metrics, v float64) { m.Memory = v }},
		{"gpu", q.GPU, func(m *resource.Metrics, v float64) { m.GPU = resource.Float(v) }},
		{"latency_ms", q.LatencyMs, func(m *resource.Metrics, v float64) { m.LatencyMs = v }},
		{"throughput", q.Throughput, func(m *resource.Metrics, v float64) { m.Throughput = v }},
		{"error_rate", q.ErrorRate, func(m *resource.Metrics, v float64) { m.ErrorRate = v }},
	}

	var (
		mu      sync.Mutex
		out     = make(map[string]resource.Metrics)
		primary = make(map[string]bool)
		now     = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range fields {
		if strings.TrimSpace(f.query) == "" {
			continue
		}
		g.Go(func() error {
			samples, err := s.vector(gctx, f.name, f.query)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for target, v := range samples {
				m := out[target]
				f.set(&m, v)
				m.Timestamp = now
				out[target] = m
				if f.name == "cpu" || f.name == "memory" {
					primary[target] = true
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for target := range out {
		if !primary[target] {
			delete(out, target)
		}
	}
	return out, nil
}

// SystemHealth evaluates the health query. The result is clamped to [0, 1].
func (s *Source) SystemHealth(ctx context.Context) (resource.Health, error) {
	if strings.TrimSpace(s.cfg.Queries.Health) == "" {
		return resource.Health{Score: 1, Timestamp: time.Now()}, nil
	}
	value, err := s.query(ctx, "health", s.cfg.Queries.Health)
	if err != nil {
		return resource.Health{}, err
	}

	var score float64
	switch v := value.(type) {
	case *model.Scalar:
		score = float64(v.Value)
	case model.Vector:
		if len(v) == 0 {
			return resource.Health{}, errors.NewProviderError("prometheus",
				fmt.Errorf("health query returned no samples"))
		}
		score = float64(v[0].Value)
	default:
		return resource.Health{}, errors.NewProviderError("prometheus",
			fmt.Errorf("health query returned %s, want scalar or vector", value.Type()))
	}
	if math.IsNaN(score) {
		score = 0
	}
	return resource.Health{Score: math.Max(0, math.Min(1, score)), Timestamp: time.Now()}, nil
}

// vector runs query and returns one value per target label. NaN samples,
// which Prometheus yields for 0/0 ratios, read as zero.
func (s *Source) vector(ctx context.Context, name, query string) (map[string]float64, error) {
	value, err := s.query(ctx, name, query)
	if err != nil {
		return nil, err
	}
	vec, ok := value.(model.Vector)
	if !ok {
		return nil, errors.NewProviderError("prometheus",
			fmt.Errorf("%s query returned %s, want vector", name, value.Type()))
	}

	label := model.LabelName(s.cfg.TargetLabel)
	out := make(map[string]float64, len(vec))
	for _, sample := range vec {
		target := string(sample.Metric[label])
		if target == "" {
			s.logger.Debug("sample without target label dropped", "metric", name, "series", sample.Metric.String())
			continue
		}
		v := float64(sample.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		out[target] = v
	}
	return out, nil
}

func (s *Source) query(ctx context.Context, name, query string) (model.Value, error) {
	value, warnings, err := s.api.Query(ctx, query, time.Now(), promv1.WithTimeout(s.cfg.Timeout))
	if err != nil {
		return nil, errors.NewProviderError("prometheus", fmt.Errorf("%s query: %w", name, err))
	}
	for _, w := range warnings {
		s.logger.Warn("prometheus query warning", "metric", name, "warning", w)
	}
	return value, nil
}
