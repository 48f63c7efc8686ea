package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/infersched/internal/config"
	"github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/logging"
	"github.com/Iron-Ham/infersched/internal/queue"
	"github.com/Iron-Ham/infersched/internal/resource"
	"github.com/Iron-Ham/infersched/internal/scheduler"
	"github.com/Iron-Ham/infersched/internal/sim"
	"github.com/Iron-Ham/infersched/internal/telemetry"
)

var runCmd = &cobra.Command{
	Use:   "run <workload.yaml>",
	Short: "Drive a workload through the scheduler against a simulated cluster",
	Long: `Run submits every request in a workload file to the scheduler and waits
for all of them to finish. Targets are simulated: their utilization grows
with in-flight requests and shrinks with instance count, so admission
control and autoscaling can be observed without real model servers.

Example workload:

  seed: 42
  autoscale: true
  targets:
    llama-7b:
      instances: 1
      base_cpu: 20
      cpu_per_job: 30
      latency: 200ms
      failure_rate: 0.05
  requests:
    - target: llama-7b
      priority: high
      count: 10
      limits: {cpu: 5, memory: 5}`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var runTimeout time.Duration

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 5*time.Minute, "give up waiting for requests after this long")
	rootCmd.AddCommand(runCmd)
}

// workload is the file format accepted by run.
type workload struct {
	Seed      uint64                    `yaml:"seed"`
	Autoscale bool                      `yaml:"autoscale"`
	Targets   map[string]sim.TargetSpec `yaml:"targets"`
	Requests  []workloadRequest         `yaml:"requests"`
}

type workloadRequest struct {
	Target   string          `yaml:"target"`
	Priority string          `yaml:"priority"`
	Count    int             `yaml:"count"`
	Payload  string          `yaml:"payload"`
	Timeout  time.Duration   `yaml:"timeout"`
	Limits   resource.Limits `yaml:"limits"`
}

func loadWorkload(path string) (*workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload: %w", err)
	}
	var wl workload
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("parse workload %s: %w", path, err)
	}

	if len(wl.Targets) == 0 {
		return nil, errors.NewValidationError("workload defines no targets").WithField("targets")
	}
	for i := range wl.Requests {
		r := &wl.Requests[i]
		if _, ok := wl.Targets[r.Target]; !ok {
			return nil, errors.NewValidationError("unknown target").
				WithField(fmt.Sprintf("requests[%d].target", i)).WithValue(r.Target)
		}
		if _, err := queue.ParsePriority(r.Priority); err != nil {
			return nil, errors.NewValidationError("invalid priority").
				WithField(fmt.Sprintf("requests[%d].priority", i)).WithValue(r.Priority).WithCause(err)
		}
		if r.Count < 0 {
			return nil, errors.NewValidationError("count must be non-negative").
				WithField(fmt.Sprintf("requests[%d].count", i)).WithValue(r.Count)
		}
		if r.Count == 0 {
			r.Count = 1
		}
	}
	return &wl, nil
}

func (wl *workload) requests() []queue.Request {
	var out []queue.Request
	for _, r := range wl.Requests {
		p, _ := queue.ParsePriority(r.Priority)
		for range r.Count {
			out = append(out, queue.Request{
				TargetID: r.Target,
				Priority: p,
				Payload:  []byte(r.Payload),
				Timeout:  r.Timeout,
				Limits:   r.Limits,
			})
		}
	}
	return out
}

// runSummary is what runWorkload reports back.
type runSummary struct {
	Submitted int
	Completed int
	Failed    map[string]int
	// Errors holds the first error seen for each failure kind.
	Errors  map[string]error
	Elapsed time.Duration
	Stats   scheduler.Stats
}

func (s *runSummary) fail(err error) {
	kind := errors.Kind(err)
	s.Failed[kind]++
	if _, ok := s.Errors[kind]; !ok {
		s.Errors[kind] = err
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	wl, err := loadWorkload(args[0])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()

	summary, err := runWorkload(ctx, cfg, wl, logger)
	if err != nil {
		return err
	}
	printRunSummary(newPrinter(cmd.OutOrStdout()), summary)
	return nil
}

func runWorkload(ctx context.Context, cfg *config.Config, wl *workload, logger *logging.Logger) (*runSummary, error) {
	cluster := sim.NewCluster(wl.Seed, logger)
	ids := sortedKeys(wl.Targets)
	for _, id := range ids {
		cluster.AddTarget(id, wl.Targets[id])
	}

	bus := event.NewBus(logger)
	collector := telemetry.NewCollector(bus, nil)
	defer collector.Close()
	if cfg.Telemetry.Enabled {
		go func() {
			if err := telemetry.Serve(ctx, cfg.Telemetry.ListenAddress, collector.Handler(), logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	opts := []scheduler.Option{
		scheduler.WithQueueOptions(cfg.QueueOptions()),
		scheduler.WithExecutionOptions(cfg.ExecutionOptions()),
		scheduler.WithThresholds(cfg.Probe.Thresholds),
		scheduler.WithProbeRefresh(cfg.Probe.RefreshInterval),
		scheduler.WithHealthSource(cluster),
		scheduler.WithStateDir(cfg.Paths.StateDir),
	}
	autoscale := wl.Autoscale || cfg.Autoscaling.Enabled
	if autoscale {
		cs, err := cfg.Autoscaling.ConfigSet()
		if err != nil {
			return nil, err
		}
		opts = append(opts, scheduler.WithAutoscaling(cluster, cs, cfg.Autoscaling.Options()...))
	}

	s, err := scheduler.New(scheduler.Config{
		Runner:  cluster,
		Metrics: cluster,
		Bus:     bus,
		Logger:  logger,
	}, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	if autoscale {
		if _, err := enableTargets(ctx, s.EnableAutoscaling, cluster, ids); err != nil {
			logger.Warn("autoscaling not enabled for every target", "error", err)
		}
	}

	started := time.Now()
	summary := &runSummary{Failed: make(map[string]int), Errors: make(map[string]error)}
	var handles []*queue.Handle
	for _, req := range wl.requests() {
		h, err := s.Submit(req)
		summary.Submitted++
		if err != nil {
			summary.fail(err)
			continue
		}
		handles = append(handles, h)
	}

	for _, h := range handles {
		if _, err := h.Wait(ctx); err != nil {
			summary.fail(err)
			continue
		}
		summary.Completed++
	}
	summary.Elapsed = time.Since(started)
	summary.Stats = s.Stats()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		logger.Warn("scheduler did not stop cleanly", "error", err)
	}
	return summary, nil
}

func printRunSummary(p *printer, s *runSummary) {
	p.Title("Run summary")
	p.Field("Requests", "%d", s.Submitted)
	p.Field("Completed", "%d", s.Completed)
	failed := 0
	for _, n := range s.Failed {
		failed += n
	}
	p.Field("Failed", "%d", failed)
	p.Field("Elapsed", "%s", s.Elapsed.Round(time.Millisecond))
	if failed > 0 {
		for _, k := range sortedKeys(s.Failed) {
			p.Error(fmt.Sprintf("  %s: %d", k, s.Failed[k]), s.Errors[k])
		}
	}
	p.Line()

	p.Title("Targets")
	targets := sortedKeys(s.Stats.Executions)
	for _, id := range targets {
		st := s.Stats.Executions[id]
		p.Field(id, "%d executions, %d ok, %d failed, %d timed out, avg %s",
			st.Executions, st.Successes, st.Failures, st.Timeouts, st.AvgLatency().Round(time.Millisecond))
	}
	if len(targets) == 0 {
		p.Muted("no executions")
	}

	if len(s.Stats.Targets) > 0 {
		p.Line()
		p.Title("Autoscaling")
		for _, t := range s.Stats.Targets {
			p.Field(t.TargetID, "%d instances (%d-%d)", t.Instances, t.Config.MinInstances, t.Config.MaxInstances)
		}
	}
}
