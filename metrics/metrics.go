// Package metrics exposes prometheus instruments for evidence operations
// and the listener serving them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/cloud-evidence-backend/interfaces"
)

// Metrics holds the instruments. A nil *Metrics records nothing.
type Metrics struct {
	copies            *prometheus.CounterVec
	copyDuration      *prometheus.HistogramVec
	provisions        *prometheus.CounterVec
	provisionDuration prometheus.Histogram
	acquiredBytes     prometheus.Counter
	acquisitions      *prometheus.CounterVec
	sweptKeys         prometheus.Counter
}

// NewMetrics creates the instruments and registers them on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "volume_copies_total",
			Help:      "Volume copy requests by outcome.",
		}, []string{"outcome"}),
		copyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "volume_copy_duration_seconds",
			Help:      "Time to copy a volume.",
			Buckets:   prometheus.ExponentialBuckets(5, 2, 10),
		}, []string{"outcome"}),
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analysis_instances_total",
			Help:      "Analysis instance requests by outcome.",
		}, []string{"outcome"}),
		provisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_instance_duration_seconds",
			Help:      "Time to start an analysis instance.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		acquiredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquired_bytes_total",
			Help:      "Bytes read from source devices.",
		}),
		acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquisitions_total",
			Help:      "Device acquisitions by outcome.",
		}, []string{"outcome"}),
		sweptKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swept_keys_total",
			Help:      "Leaked ephemeral keys released by sweeps.",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.copies, m.copyDuration, m.provisions, m.provisionDuration,
		m.acquiredBytes, m.acquisitions, m.sweptKeys,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Outcome classifies err into a low cardinality label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, interfaces.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, interfaces.ErrResourceNotFound):
		return "not_found"
	case errors.Is(err, interfaces.ErrConflict), errors.Is(err, interfaces.ErrAttachmentConflict):
		return "conflict"
	case errors.Is(err, interfaces.ErrCapacity):
		return "capacity"
	case errors.Is(err, interfaces.ErrKeyInUse):
		return "key_in_use"
	case errors.Is(err, interfaces.ErrAcquisitionIntegrity):
		return "integrity"
	case errors.Is(err, interfaces.ErrTimeout), errors.Is(err, interfaces.ErrProvisionTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

func (m *Metrics) RecordCopy(start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := Outcome(err)
	m.copies.WithLabelValues(outcome).Inc()
	m.copyDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) RecordProvision(start time.Time, err error) {
	if m == nil {
		return
	}
	m.provisions.WithLabelValues(Outcome(err)).Inc()
	if err == nil {
		m.provisionDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) AddAcquiredBytes(n int) {
	if m == nil {
		return
	}
	m.acquiredBytes.Add(float64(n))
}

func (m *Metrics) RecordAcquisition(err error) {
	if m == nil {
		return
	}
	m.acquisitions.WithLabelValues(Outcome(err)).Inc()
}

func (m *Metrics) AddSweptKeys(n int) {
	if m == nil {
		return
	}
	m.sweptKeys.Add(float64(n))
}

// MetricsServer serves a dedicated registry on its own listener.
type MetricsServer struct {
	Metrics *Metrics

	registry *prometheus.Registry
	srv      *http.Server
}

// New creates a registry with process and Go runtime collectors plus the
// evidence instruments, served on listenAddr at /metrics.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := NewMetrics(namespace, registry)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &MetricsServer{
		Metrics:  m,
		registry: registry,
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Registry returns the registry backing the server.
func (s *MetricsServer) Registry() *prometheus.Registry {
	return s.registry
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
