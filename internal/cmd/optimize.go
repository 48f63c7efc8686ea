package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/promsource"
	"github.com/Iron-Ham/infersched/internal/resource"
)

var optimizeCmd = &cobra.Command{
	Use:   "optimize [target...]",
	Short: "Print tuning recommendations from live Prometheus metrics",
	Long: `Optimize reads the latest utilization of each target from Prometheus
(prometheus.address in the config) and prints CPU, memory, GPU, batch size
and thread count recommendations with a confidence score.

Without arguments every target that reports metrics is analyzed.`,
	RunE: runOptimize,
}

var optimizeJSON bool

func init() {
	optimizeCmd.Flags().BoolVar(&optimizeJSON, "json", false, "Output recommendations as JSON")
	rootCmd.AddCommand(optimizeCmd)
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	source, err := promsource.New(cfg.Prometheus, logger)
	if err != nil {
		return err
	}
	probe := resource.NewProbe(source, nil,
		resource.WithThresholds(cfg.Probe.Thresholds),
		resource.WithBus(event.NewBus(logger)),
		resource.WithLogger(logger),
	)

	results, err := optimizeTargets(cmd.Context(), probe, args)
	if err != nil {
		return err
	}
	if optimizeJSON {
		return printOptimizationsJSON(cmd.OutOrStdout(), results)
	}
	printOptimizations(newPrinter(cmd.OutOrStdout()), results)
	return nil
}

// optimizeTargets refreshes probe once and optimizes each target, or every
// target with metrics when targets is empty.
func optimizeTargets(ctx context.Context, probe *resource.Probe, targets []string) ([]resource.Optimization, error) {
	if err := probe.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	if len(targets) == 0 {
		targets = sortedKeys(probe.Snapshot())
	}

	results := make([]resource.Optimization, 0, len(targets))
	for _, id := range targets {
		opt, err := probe.Optimize(ctx, id)
		if err != nil {
			return nil, err
		}
		results = append(results, opt)
	}
	return results, nil
}

func printOptimizationsJSON(w io.Writer, results []resource.Optimization) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func printOptimizations(p *printer, results []resource.Optimization) {
	if len(results) == 0 {
		p.Muted("No targets reported metrics")
		return
	}
	for i, r := range results {
		if i > 0 {
			p.Line()
		}
		p.Title(r.TargetID)
		m := r.Metrics
		p.Field("Utilization", "cpu %.1f%%, memory %.1f%%, latency %.0fms, throughput %.1f/s",
			m.CPU, m.Memory, m.LatencyMs, m.Throughput)
		p.Field("Confidence", "%.2f", r.Confidence)
		if len(r.Recommendations) == 0 {
			p.Success("No changes recommended")
			continue
		}
		for _, rec := range r.Recommendations {
			p.Warn("  %-7s %.1f -> %.1f (impact %.2f) %s",
				rec.Kind, rec.CurrentValue, rec.RecommendedValue, rec.Impact, rec.Reason)
		}
	}
}
