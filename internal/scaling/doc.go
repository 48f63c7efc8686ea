// Package scaling adjusts the number of serving instances per target from
// observed utilization.
//
// The core types are:
//
//   - [AutoScalingConfig]: bounds, utilization targets, thresholds and cooldown
//   - [ConfigSet]: resolves a config per target by id, glob pattern or default
//   - [Evaluate]: the pure hysteresis policy producing a [Decision]
//   - [Autoscaler]: ticks over enabled targets and drives a [CapacityProvisioner]
//
// # Usage
//
//	configs, err := scaling.SingleConfig(scaling.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	as := scaling.NewAutoscaler(metrics, provisioner, configs,
//	    scaling.WithInterval(15*time.Second),
//	    scaling.WithEventBus(bus),
//	)
//	if err := as.EnableTarget("llama-7b", 2); err != nil {
//	    return err
//	}
//	go as.Start(ctx)
//	defer as.Stop()
//
// # Thread Safety
//
// All types in this package are safe for concurrent use.
package scaling
