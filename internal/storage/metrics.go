package storage

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// Metrics holds the Prometheus collectors for the storage gateway.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec   // filehaven_storage_operations_total{operation,status}
	OperationDuration *prometheus.HistogramVec // filehaven_storage_operation_duration_seconds{operation}

	BytesUploaded   prometheus.Counter // filehaven_storage_bytes_uploaded_total
	BytesDownloaded prometheus.Counter // filehaven_storage_bytes_downloaded_total
	BytesReleased   prometheus.Counter // filehaven_storage_bytes_released_total

	QuotaRejections prometheus.Counter // filehaven_storage_quota_rejections_total
	PathEscapes     prometheus.Counter // filehaven_storage_path_escapes_total
}

// InitMetrics registers the storage metrics once; later calls return the
// same instance. A nil registry means the default registerer.
func InitMetrics(registry prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		f := promauto.With(registry)
		metricsInstance = &Metrics{
			OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "filehaven_storage_operations_total",
				Help: "Storage operations by operation and status",
			}, []string{"operation", "status"}),

			OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "filehaven_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"operation"}),

			BytesUploaded: f.NewCounter(prometheus.CounterOpts{
				Name: "filehaven_storage_bytes_uploaded_total",
				Help: "Plaintext bytes accepted by uploads",
			}),

			BytesDownloaded: f.NewCounter(prometheus.CounterOpts{
				Name: "filehaven_storage_bytes_downloaded_total",
				Help: "Plaintext bytes served by downloads",
			}),

			BytesReleased: f.NewCounter(prometheus.CounterOpts{
				Name: "filehaven_storage_bytes_released_total",
				Help: "Quota bytes released by deletes",
			}),

			QuotaRejections: f.NewCounter(prometheus.CounterOpts{
				Name: "filehaven_storage_quota_rejections_total",
				Help: "Uploads rejected because the plan limit would be exceeded",
			}),

			PathEscapes: f.NewCounter(prometheus.CounterOpts{
				Name: "filehaven_storage_path_escapes_total",
				Help: "Requests whose path resolved outside the tenant root",
			}),
		}
	})
	return metricsInstance
}

// RecordOperation records the outcome and duration of one operation.
func (m *Metrics) RecordOperation(operation string, err error, durationSeconds float64) {
	if m == nil {
		return
	}
	status := classifyError(err)
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(durationSeconds)

	switch status {
	case "quota_exceeded":
		m.QuotaRejections.Inc()
	case "path_escape":
		m.PathEscapes.Inc()
	}
}

func (m *Metrics) recordUpload(n int64) {
	if m != nil {
		m.BytesUploaded.Add(float64(n))
	}
}

func (m *Metrics) recordDownload(n int64) {
	if m != nil {
		m.BytesDownloaded.Add(float64(n))
	}
}

func (m *Metrics) recordRelease(n int64) {
	if m != nil && n > 0 {
		m.BytesReleased.Add(float64(n))
	}
}

// classifyError maps an error to a metric status label.
func classifyError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPathEscape):
		return "path_escape"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrTooLarge):
		return "invalid"
	case errors.Is(err, ErrCrypto):
		return "crypto_error"
	case errors.Is(err, ErrIO):
		return "io_error"
	default:
		return "error"
	}
}
