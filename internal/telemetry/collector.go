package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	schederrors "github.com/Iron-Ham/infersched/internal/errors"
	"github.com/Iron-Ham/infersched/internal/event"
	"github.com/Iron-Ham/infersched/internal/logging"
)

const namespace = "infersched"

// Collector keeps Prometheus metrics current from bus notifications.
type Collector struct {
	bus   *event.Bus
	reg   *prometheus.Registry
	subID string

	mEvents        *prometheus.CounterVec
	mQueuePending  prometheus.Gauge
	mInProgress    prometheus.Gauge
	mCompleted     *prometheus.CounterVec
	mFailed        *prometheus.CounterVec
	mRetries       *prometheus.CounterVec
	mDuration      *prometheus.HistogramVec
	mScaling       *prometheus.CounterVec
	mInstances     *prometheus.GaugeVec
	mOptConfidence *prometheus.GaugeVec
}

// NewCollector registers the scheduler metrics on reg (a fresh registry
// when nil) and subscribes to every notification on bus.
func NewCollector(bus *event.Bus, reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{bus: bus, reg: reg}

	c.mEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_total",
		Help:      "Notifications published on the scheduler bus, by type.",
	}, []string{"type"})
	c.mQueuePending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "pending",
		Help:      "Requests waiting for admission.",
	})
	c.mInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "in_progress",
		Help:      "Requests currently executing.",
	})
	c.mCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "completed_total",
		Help:      "Requests that completed successfully.",
	}, []string{"target"})
	c.mFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "failed_total",
		Help:      "Requests that failed terminally, by error kind.",
	}, []string{"target", "kind"})
	c.mRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "retries_total",
		Help:      "Requests re-queued after a retryable failure.",
	}, []string{"target"})
	c.mDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "requests",
		Name:      "duration_seconds",
		Help:      "Execution time of the successful attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"target"})
	c.mScaling = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "scaling_events_total",
		Help:      "Applied scaling actions.",
	}, []string{"target", "direction"})
	c.mInstances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "autoscaler",
		Name:      "instances",
		Help:      "Instance count after the most recent scaling action.",
	}, []string{"target"})
	c.mOptConfidence = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "optimizer",
		Name:      "confidence",
		Help:      "Confidence of the latest optimization per target.",
	}, []string{"target"})

	reg.MustRegister(
		c.mEvents, c.mQueuePending, c.mInProgress,
		c.mCompleted, c.mFailed, c.mRetries, c.mDuration,
		c.mScaling, c.mInstances, c.mOptConfidence,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_panics_total",
			Help:      "Bus handlers that panicked and were recovered.",
		}, func() float64 { return float64(bus.PanicCount()) }),
	)

	c.subID = bus.SubscribeAll(c.handle)
	return c
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Close unsubscribes from the bus. Metrics stay registered.
func (c *Collector) Close() {
	c.bus.Unsubscribe(c.subID)
}

func (c *Collector) handle(e event.Event) {
	c.mEvents.WithLabelValues(e.EventType()).Inc()

	switch ev := e.(type) {
	case event.QueueDepthChangedEvent:
		c.mQueuePending.Set(float64(ev.Pending))
		c.mInProgress.Set(float64(ev.InProgress))
	case event.RequestCompletedEvent:
		c.mCompleted.WithLabelValues(ev.TargetID).Inc()
		c.mDuration.WithLabelValues(ev.TargetID).Observe(ev.Duration.Seconds())
	case event.RequestFailedEvent:
		c.mFailed.WithLabelValues(ev.TargetID, schederrors.Kind(ev.Err)).Inc()
	case event.RequestRetryingEvent:
		c.mRetries.WithLabelValues(ev.TargetID).Inc()
	case event.ScaledEvent:
		c.mScaling.WithLabelValues(ev.TargetID, ev.Direction).Inc()
		c.mInstances.WithLabelValues(ev.TargetID).Set(float64(ev.To))
	case event.OptimizationCompletedEvent:
		c.mOptConfidence.WithLabelValues(ev.TargetID).Set(ev.Confidence)
	}
}

// Serve exposes handler at /metrics on addr until ctx ends.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *logging.Logger) error {
	logger = logging.OrNop(logger).WithComponent("telemetry")
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("metrics endpoint listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
