package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// BatchCounter counts processed batches by result (acked, failed, empty).
	BatchCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "es_sync",
			Subsystem: "loop",
			Name:      "batches_total",
			Help:      "Total number of fetched batches by result.",
		}, []string{"result"})

	// EntryCounter counts entry outcomes.
	EntryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "es_sync",
			Subsystem: "dispatcher",
			Name:      "entries_total",
			Help:      "Total number of change entries by outcome.",
		}, []string{"outcome"})

	// SinkWriteDuration observes sink write latency by operation.
	SinkWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "es_sync",
			Subsystem: "sink",
			Name:      "write_duration_seconds",
			Help:      "Bucketed histogram of sink write time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"op", "result"})

	// ReplicationDelay observes now - execute time of transaction markers.
	ReplicationDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "es_sync",
			Subsystem: "tracker",
			Name:      "replication_delay_seconds",
			Help:      "Delay between binlog execute time and processing.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 18),
		})

	// ConsecutiveFailures is the number of times in a row the current batch failed.
	ConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "es_sync",
			Subsystem: "loop",
			Name:      "consecutive_batch_failures",
			Help:      "Number of consecutive failed attempts of the current batch.",
		})

	// Reconnects counts source reconnect attempts.
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "es_sync",
			Subsystem: "loop",
			Name:      "reconnects_total",
			Help:      "Total number of source (re)connect attempts.",
		})
)

// InitMetrics registers all metrics in this package.
func InitMetrics(registry prometheus.Registerer) {
	registry.MustRegister(BatchCounter)
	registry.MustRegister(EntryCounter)
	registry.MustRegister(SinkWriteDuration)
	registry.MustRegister(ReplicationDelay)
	registry.MustRegister(ConsecutiveFailures)
	registry.MustRegister(Reconnects)
}

// Serve exposes the registry on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *logrus.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
