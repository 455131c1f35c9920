// Package metrics exposes the Prometheus collectors the rest of causalnet
// reports through: lineage comparison outcomes, reactor notification
// volume, and transport credit/frame counters (SPEC_FULL §11).
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry groups every collector causalnet registers, so main.go has one
// object to wire into each package's constructor.
type Registry struct {
	registry *prometheus.Registry

	LineageComparisons  *prometheus.CounterVec
	LineageBudgetSpent  prometheus.Histogram
	ReactorNotifications *prometheus.CounterVec
	ReactorSubscriptions prometheus.Gauge
	RelayDeltas         *prometheus.CounterVec
	TransportFrames     *prometheus.CounterVec
	TransportSessions   prometheus.Gauge
	TransportCredits    prometheus.Gauge
}

// New constructs a fresh Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		registry: reg,
		LineageComparisons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causalnet",
			Subsystem: "lineage",
			Name:      "comparisons_total",
			Help:      "Lineage comparisons by outcome kind.",
		}, []string{"kind"}),
		LineageBudgetSpent: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "causalnet",
			Subsystem: "lineage",
			Name:      "budget_spent",
			Help:      "Cost budget consumed per lineage comparison.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		ReactorNotifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causalnet",
			Subsystem: "reactor",
			Name:      "notifications_total",
			Help:      "Reactor change-set emissions by item kind (add/remove/update).",
		}, []string{"kind"}),
		ReactorSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "causalnet",
			Subsystem: "reactor",
			Name:      "subscriptions",
			Help:      "Currently live local subscriptions.",
		}),
		RelayDeltas: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causalnet",
			Subsystem: "relay",
			Name:      "deltas_total",
			Help:      "Remote subscription relay deltas by kind (snapshot/event_bridge).",
		}, []string{"kind"}),
		TransportFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "causalnet",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Transport frames by type and direction.",
		}, []string{"type", "direction"}),
		TransportSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "causalnet",
			Subsystem: "transport",
			Name:      "sessions",
			Help:      "Currently open transport sessions.",
		}),
		TransportCredits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "causalnet",
			Subsystem: "transport",
			Name:      "send_credits",
			Help:      "Aggregate outstanding send credits across sessions.",
		}),
	}
}

// Handler returns the HTTP handler serving this registry's metrics in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve runs a metrics HTTP server on addr until ctx is cancelled.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics: serve %s: %w", addr, err)
		}
		return nil
	}
}
