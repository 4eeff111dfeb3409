// Package metrics exposes process counters through the same pipeline
// gollum uses: a github.com/rcrowley/go-metrics registry bridged to
// Prometheus by github.com/CrowdStrike/go-metrics-prometheus and served
// over promhttp. Grounded on gollum's root metrics.go
// (startPrometheusMetricsService) and core/metrics.go (the registry
// gollum's plugins register counters against).
package metrics

import (
	"context"
	"net/http"
	"time"

	promAdapter "github.com/CrowdStrike/go-metrics-prometheus"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Registry is the process-wide go-metrics registry. Every package in this
// module registers its counters/gauges here instead of talking to
// Prometheus types directly, exactly as gollum's core.MetricsRegistry is
// used by consumers/producers.
var Registry = gometrics.NewRegistry()

// Counter names, one per quantity called out in spec.md §5/§8.
const (
	OutstandingReplies   = "connection.OutstandingReplies"
	ExportedProxies      = "proxytable.Exported"
	ImportedProxies      = "proxytable.Imported"
	DesistsSent          = "proxytable.DesistsSent"
	Interruptions        = "connection.Interruptions"
	Invalidations        = "connection.Invalidations"
	MalformedMessages    = "codec.MalformedMessages"
	FCQueueDepthPrefix   = "filecoord.QueueDepth." // + path
	FCPresenterRoundTrip = "filecoord.PresenterRoundTripMillis"
)

func init() {
	gometrics.GetOrRegisterCounter(OutstandingReplies, Registry)
	gometrics.GetOrRegisterCounter(ExportedProxies, Registry)
	gometrics.GetOrRegisterCounter(ImportedProxies, Registry)
	gometrics.GetOrRegisterCounter(DesistsSent, Registry)
	gometrics.GetOrRegisterCounter(Interruptions, Registry)
	gometrics.GetOrRegisterCounter(Invalidations, Registry)
	gometrics.GetOrRegisterCounter(MalformedMessages, Registry)
	gometrics.GetOrRegisterHistogram(FCPresenterRoundTrip, Registry, gometrics.NewUniformSample(1028))
}

// Inc increments a named counter by delta, creating it on first use.
func Inc(name string, delta int64) {
	gometrics.GetOrRegisterCounter(name, Registry).Inc(delta)
}

// SetGauge sets a named gauge, creating it on first use. Used for
// per-path FC queue depths, whose names are not known ahead of time.
func SetGauge(name string, value int64) {
	gometrics.GetOrRegisterGauge(name, Registry).Update(value)
}

// ObserveMillis records a duration sample against a named histogram.
func ObserveMillis(name string, d time.Duration) {
	gometrics.GetOrRegisterHistogram(name, Registry, gometrics.NewUniformSample(1028)).Update(d.Milliseconds())
}

// StartServer bridges Registry into Prometheus and serves it at
// http://address/metrics. It returns a stop function.
func StartServer(address, namespace string) func() {
	srv := &http.Server{Addr: address}
	quit := make(chan struct{})
	promRegistry := prometheus.NewRegistry()

	flushInterval := 3 * time.Second
	bridge := promAdapter.NewPrometheusProvider(Registry, namespace, "", promRegistry, flushInterval)

	go func() {
		for {
			select {
			case <-time.After(flushInterval):
				if err := bridge.UpdatePrometheusMetricsOnce(); err != nil {
					logrus.WithError(err).Warn("failed to update metrics")
				}
			case <-quit:
				return
			}
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{
			ErrorLog:      logrus.StandardLogger(),
			ErrorHandling: promhttp.ContinueOnError,
		}))
		srv.Handler = mux

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics http server failed")
		}
	}()

	logrus.WithField("address", address).Info("started metrics service")

	return func() {
		close(quit)
		if err := srv.Shutdown(context.Background()); err != nil {
			logrus.WithError(err).Error("failed to shut down metrics http server")
		}
	}
}
