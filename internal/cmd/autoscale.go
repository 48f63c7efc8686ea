package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/Iron-Ham/infersched/internal/config"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/kube"
	"github.com/Iron-Ham/infersched/internal/promsource"
	"github.com/Iron-Ham/infersched/internal/scaling"
	"github.com/Iron-Ham/infersched/internal/telemetry"
)

var autoscaleCmd = &cobra.Command{
	Use:   "autoscale",
	Short: "Scale Kubernetes Deployments from Prometheus utilization",
	Long: `Autoscale runs the autoscaler until interrupted. Utilization and system
health are read from Prometheus; capacity changes are applied to the
replica count of each target's Deployment.

Targets come from --target, or from the keys of kubernetes.deployments
when no flag is given. Changes to the autoscaling section of the config
file are applied without a restart.`,
	Args: cobra.NoArgs,
	RunE: runAutoscale,
}

var autoscaleTargets []string

func init() {
	autoscaleCmd.Flags().StringSliceVarP(&autoscaleTargets, "target", "t", nil, "target id to autoscale (repeatable)")
	rootCmd.AddCommand(autoscaleCmd)
}

func runAutoscale(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	ctrllog.SetLogger(logger.Logr())

	targets := autoscaleTargets
	if len(targets) == 0 {
		targets = sortedKeys(cfg.Kubernetes.Deployments)
	}
	if len(targets) == 0 {
		return fmt.Errorf("no targets: pass --target or set kubernetes.deployments")
	}

	source, err := promsource.New(cfg.Prometheus, logger)
	if err != nil {
		return err
	}
	provisioner, err := kube.NewFromEnvironment(cfg.Kubernetes, logger)
	if err != nil {
		return err
	}
	configs, err := cfg.Autoscaling.ConfigSet()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus(logger)
	collector := telemetry.NewCollector(bus, nil)
	defer collector.Close()

	opts := append(cfg.Autoscaling.Options(),
		scaling.WithHealthSource(source),
		scaling.WithEventBus(bus),
		scaling.WithLogger(logger),
	)
	autoscaler := scaling.NewAutoscaler(source, provisioner, configs, opts...)

	p := newPrinter(cmd.OutOrStdout())
	enabled, err := enableTargets(ctx, autoscaler.EnableTarget, provisioner, targets)
	for _, id := range enabled {
		p.Success("autoscaling %s", id)
	}
	if err != nil {
		p.Error("skipped", err)
	}
	if len(enabled) == 0 {
		return fmt.Errorf("no target could be enabled")
	}

	config.Watch(viper.GetViper(), logger, func(c *config.Config) {
		cs, err := c.Autoscaling.ConfigSet()
		if err != nil {
			logger.Warn("autoscaling configs not reloaded", "error", err)
			return
		}
		autoscaler.SetConfigs(cs)
	})

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Telemetry.Enabled {
		g.Go(func() error {
			return telemetry.Serve(gctx, cfg.Telemetry.ListenAddress, collector.Handler(), logger)
		})
		p.Muted("metrics on %s/metrics", cfg.Telemetry.ListenAddress)
	}
	g.Go(func() error {
		autoscaler.Start(gctx)
		return nil
	})
	return g.Wait()
}

// enableTargets calls enable for each target with its live instance count.
// Targets that cannot be read or sit outside their bounds are skipped and
// reported in the returned error.
func enableTargets(ctx context.Context, enable func(targetID string, initial int) error, counter scaling.InstanceCounter, targets []string) ([]string, error) {
	var (
		enabled []string
		errs    []error
	)
	for _, id := range targets {
		n, err := counter.Instances(ctx, id)
		if err == nil {
			err = enable(id, n)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		enabled = append(enabled, id)
	}
	return enabled, errors.Join(errs...)
}
