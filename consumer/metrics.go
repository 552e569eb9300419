package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
)

type consumerMetrics struct {
	persistDuration *prometheus.HistogramVec
	acked           prometheus.Counter
	ackFailures     prometheus.Counter
	poisoned        prometheus.Counter
	offset          *prometheus.GaugeVec
}

func newConsumerMetrics(registry metric.MetricsRegistrar, name string) (*consumerMetrics, error) {
	labels := prometheus.Labels{"consumer": name}
	m := &consumerMetrics{
		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "consumer",
			Name:        "persist_duration_seconds",
			Help:        "Duration of persist attempts by result",
			ConstLabels: labels,
			Buckets:     []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"result"}),
		acked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "consumer",
			Name:        "batches_acked_total",
			Help:        "Batches acknowledged after persistence",
			ConstLabels: labels,
		}),
		ackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "consumer",
			Name:        "ack_failures_total",
			Help:        "Failed acknowledgment attempts",
			ConstLabels: labels,
		}),
		poisoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "consumer",
			Name:        "poisoned_total",
			Help:        "Payloads that could not be decoded",
			ConstLabels: labels,
		}),
		offset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "consumer",
			Name:        "acked_offset",
			Help:        "Last acknowledged offset per partition",
			ConstLabels: labels,
		}, []string{"partition"}),
	}

	service := "consumer_" + name
	if err := errors.Join(
		registry.RegisterHistogramVec(service, "persist_duration", m.persistDuration),
		registry.RegisterCounter(service, "acked", m.acked),
		registry.RegisterCounter(service, "ack_failures", m.ackFailures),
		registry.RegisterCounter(service, "poisoned", m.poisoned),
		registry.RegisterGaugeVec(service, "acked_offset", m.offset),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *consumerMetrics) observePersist(d time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.persistDuration.WithLabelValues(result).Observe(d.Seconds())
}
