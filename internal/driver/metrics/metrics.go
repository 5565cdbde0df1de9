// Package metrics exposes the driver's operational counters over
// Prometheus, the way the retrieved pack's service-shaped repos wire
// observability: a package-level registry, typed collectors, and a plain
// net/http server mounting promhttp.Handler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds every collector the driver updates. Agents receive a *Set at
// construction and call its methods directly from their single-threaded
// doWork loops; prometheus collectors are safe for concurrent use so no
// additional synchronization is needed across the three agents.
type Set struct {
	registry *prometheus.Registry

	PublicationsTotal   prometheus.Counter
	PublicationsActive  prometheus.Gauge
	ImagesActive        prometheus.Gauge
	SenderPositionBytes *prometheus.GaugeVec
	RetransmitsTotal    prometheus.Counter
	NaksSentTotal       prometheus.Counter
	NaksDroppedTotal    prometheus.Counter
	HeartbeatsSentTotal prometheus.Counter
	MalformedFrameTotal prometheus.Counter
}

// NewSet builds a Set registered against a fresh registry (not the global
// default registerer, so tests can construct multiple Sets in one process).
func NewSet() *Set {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Set{
		registry: reg,
		PublicationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driver",
			Name:      "publications_total",
			Help:      "Number of publications ever added via ADD_PUBLICATION.",
		}),
		PublicationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "driver",
			Name:      "publications_active",
			Help:      "Number of publications currently in the ACTIVE state.",
		}),
		ImagesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "driver",
			Name:      "images_active",
			Help:      "Number of publication images currently registered with the receiver.",
		}),
		SenderPositionBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "driver",
			Name:      "sender_position_bytes",
			Help:      "Current sender position in bytes, by channel and stream id.",
		}, []string{"channel", "stream_id"}),
		RetransmitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driver",
			Name:      "retransmits_total",
			Help:      "Number of data frames resent in response to a NAK.",
		}),
		NaksSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driver",
			Name:      "naks_sent_total",
			Help:      "Number of NAK frames sent by receivers.",
		}),
		NaksDroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driver",
			Name:      "naks_dropped_total",
			Help:      "Number of NAKs dropped because the retransmit handler was at capacity.",
		}),
		HeartbeatsSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driver",
			Name:      "heartbeats_sent_total",
			Help:      "Number of zero-length heartbeat data frames sent.",
		}),
		MalformedFrameTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "driver",
			Name:      "malformed_frames_total",
			Help:      "Number of ingress frames dropped for failing wire-format validation.",
		}),
	}
}

// Server wraps an http.Server exposing /metrics for a Set.
type Server struct {
	http *http.Server
}

// NewServer builds (but does not start) a metrics HTTP server bound to addr.
func NewServer(addr string, set *Set) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(set.registry, promhttp.HandlerOpts{}))
	return &Server{http: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// ListenAndServe blocks serving /metrics until the server is shut down.
// After a clean Shutdown it returns nil (net/http's ErrServerClosed is
// swallowed); any other serve error is returned as is.
func (s *Server) ListenAndServe() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
