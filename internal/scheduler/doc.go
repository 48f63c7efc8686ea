// Package scheduler owns one running inference scheduler: an admission
// queue gated by a resource probe, an execution coordinator with paired
// resource accounting, and an optional autoscaler, all publishing on a
// shared event bus.
//
// # Usage
//
//	s, err := scheduler.New(scheduler.Config{Runner: runner, Metrics: metrics},
//	    scheduler.WithQueueOptions(queue.Options{Concurrency: 4}),
//	    scheduler.WithAutoscaling(provisioner, configs),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := s.Start(ctx); err != nil {
//	    return err
//	}
//	defer s.Stop(context.Background())
//
//	h, err := s.Submit(queue.Request{TargetID: "llama-7b", Priority: queue.PriorityHigh})
//	resp, err := h.Wait(ctx)
package scheduler
