package observability

import (
	"errors"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsCollector wraps Prometheus metrics for both transports and the
// two core components. A nil *MetricsCollector records nothing.
type MetricsCollector struct {
	registry      *prometheus.Registry
	serverMetrics *grpcprom.ServerMetrics

	uploads        *prometheus.CounterVec
	uploadBytes    prometheus.Counter
	uploadDuration prometheus.Histogram

	geoHits        prometheus.Counter
	geoMisses      prometheus.Counter
	geoResets      prometheus.Counter
	geoLookupError prometheus.Counter
}

// InitMetrics builds a registry with process, Go, gRPC and collector metrics.
func InitMetrics() (*MetricsCollector, error) {
	reg := prometheus.NewRegistry()

	serverMetrics := grpcprom.NewServerMetrics(
		grpcprom.WithServerHandlingTimeHistogram(
			grpcprom.WithHistogramBuckets([]float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10}),
		),
	)

	mc := &MetricsCollector{
		registry:      reg,
		serverMetrics: serverMetrics,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "uploads_total",
			Help:      "Audio uploads by result.",
		}, []string{"result"}),
		uploadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "upload_bytes_total",
			Help:      "Bytes written by successful and failed uploads.",
		}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "collector",
			Name:      "upload_duration_seconds",
			Help:      "Time spent receiving one upload.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		geoHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "geo_cache_hits_total",
			Help:      "Geolocation requests served from cache.",
		}),
		geoMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "geo_cache_misses_total",
			Help:      "Geolocation requests that called the provider.",
		}),
		geoResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "geo_cache_epoch_resets_total",
			Help:      "Times the geolocation cache was cleared.",
		}),
		geoLookupError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collector",
			Name:      "geo_lookup_errors_total",
			Help:      "Provider calls that failed and were not cached.",
		}),
	}

	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		serverMetrics,
		mc.uploads, mc.uploadBytes, mc.uploadDuration,
		mc.geoHits, mc.geoMisses, mc.geoResets, mc.geoLookupError,
	}
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return mc, nil
}

// GetServerMetrics returns the gRPC server metrics
func (mc *MetricsCollector) GetServerMetrics() *grpcprom.ServerMetrics {
	if mc == nil {
		return nil
	}
	return mc.serverMetrics
}

// GetHandler returns the HTTP handler for /metrics endpoint
func (mc *MetricsCollector) GetHandler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}

// Gatherer exposes the registry for tests.
func (mc *MetricsCollector) Gatherer() prometheus.Gatherer {
	return mc.registry
}

func (mc *MetricsCollector) ObserveUpload(result string, bytes int64, elapsed time.Duration) {
	if mc == nil {
		return
	}
	mc.uploads.WithLabelValues(result).Inc()
	mc.uploadBytes.Add(float64(bytes))
	mc.uploadDuration.Observe(elapsed.Seconds())
}

func (mc *MetricsCollector) GeoHit() {
	if mc != nil {
		mc.geoHits.Inc()
	}
}

func (mc *MetricsCollector) GeoMiss() {
	if mc != nil {
		mc.geoMisses.Inc()
	}
}

func (mc *MetricsCollector) GeoEpochReset() {
	if mc != nil {
		mc.geoResets.Inc()
	}
}

func (mc *MetricsCollector) GeoLookupError() {
	if mc != nil {
		mc.geoLookupError.Inc()
	}
}

// NewMetricsServer returns the side-port server for /metrics and /health.
func NewMetricsServer(addr string, mc *MetricsCollector) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", mc.GetHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartMetricsServer serves srv in the background.
func StartMetricsServer(srv *http.Server, logger *zap.Logger) {
	go func() {
		logger.Info("starting metrics server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}
