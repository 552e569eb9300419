package natsclient

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
)

// jetstreamMetrics polls state for the streams and consumers this client
// touched. Consumer delivery figures are gauges because the server reports
// cumulative values.
type jetstreamMetrics struct {
	streamMessages *prometheus.GaugeVec
	streamBytes    *prometheus.GaugeVec
	streamState    *prometheus.GaugeVec

	consumerPending     *prometheus.GaugeVec
	consumerAckPending  *prometheus.GaugeVec
	consumerAckFloor    *prometheus.GaugeVec
	consumerRedelivered *prometheus.GaugeVec

	errors *prometheus.CounterVec

	mu        sync.RWMutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
}

func jsGauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metric.Namespace,
		Subsystem: "jetstream",
		Name:      name,
		Help:      help,
	}, labels)
}

func newJetStreamMetrics(registry metric.MetricsRegistrar) (*jetstreamMetrics, error) {
	m := &jetstreamMetrics{
		streamMessages:      jsGauge("stream_messages", "Messages currently held by the stream", "stream"),
		streamBytes:         jsGauge("stream_bytes", "Bytes currently held by the stream", "stream"),
		streamState:         jsGauge("stream_state", "1 when the stream answered the last poll", "stream"),
		consumerPending:     jsGauge("consumer_pending_messages", "Messages not yet delivered to the consumer", "stream", "consumer"),
		consumerAckPending:  jsGauge("consumer_ack_pending_messages", "Delivered messages awaiting acknowledgment", "stream", "consumer"),
		consumerAckFloor:    jsGauge("consumer_ack_floor", "Stream sequence up to which everything is acknowledged", "stream", "consumer"),
		consumerRedelivered: jsGauge("consumer_redelivered_messages", "Messages redelivered at least once", "stream", "consumer"),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "jetstream",
			Name:      "operation_errors_total",
			Help:      "JetStream operation errors",
		}, []string{"operation"}),
		streams:   make(map[string]jetstream.Stream),
		consumers: make(map[string]jetstream.Consumer),
	}

	if err := errors.Join(
		registry.RegisterGaugeVec("jetstream", "stream_messages", m.streamMessages),
		registry.RegisterGaugeVec("jetstream", "stream_bytes", m.streamBytes),
		registry.RegisterGaugeVec("jetstream", "stream_state", m.streamState),
		registry.RegisterGaugeVec("jetstream", "consumer_pending", m.consumerPending),
		registry.RegisterGaugeVec("jetstream", "consumer_ack_pending", m.consumerAckPending),
		registry.RegisterGaugeVec("jetstream", "consumer_ack_floor", m.consumerAckFloor),
		registry.RegisterGaugeVec("jetstream", "consumer_redelivered", m.consumerRedelivered),
		registry.RegisterCounterVec("jetstream", "errors", m.errors),
	); err != nil {
		return nil, errors.Wrap(err, "jetstreamMetrics", "new", "register metrics")
	}
	return m, nil
}

func (m *jetstreamMetrics) trackStream(name string, stream jetstream.Stream) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams[name] = stream
	m.streamState.WithLabelValues(name).Set(1)
}

func (m *jetstreamMetrics) trackConsumer(stream, name string, consumer jetstream.Consumer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumers[stream+":"+name] = consumer
}

func (m *jetstreamMetrics) recordError(operation string) {
	if m != nil {
		m.errors.WithLabelValues(operation).Inc()
	}
}

// updateStats polls every tracked stream and consumer. Unreachable ones are
// skipped until the next poll.
func (m *jetstreamMetrics) updateStats(ctx context.Context) {
	m.mu.RLock()
	streams := maps.Clone(m.streams)
	consumers := maps.Clone(m.consumers)
	m.mu.RUnlock()

	for name, stream := range streams {
		info, err := stream.Info(ctx)
		if err != nil {
			m.streamState.WithLabelValues(name).Set(0)
			continue
		}
		m.streamMessages.WithLabelValues(name).Set(float64(info.State.Msgs))
		m.streamBytes.WithLabelValues(name).Set(float64(info.State.Bytes))
		m.streamState.WithLabelValues(name).Set(1)
	}

	for _, consumer := range consumers {
		info, err := consumer.Info(ctx)
		if err != nil {
			continue
		}
		m.consumerPending.WithLabelValues(info.Stream, info.Name).Set(float64(info.NumPending))
		m.consumerAckPending.WithLabelValues(info.Stream, info.Name).Set(float64(info.NumAckPending))
		m.consumerAckFloor.WithLabelValues(info.Stream, info.Name).Set(float64(info.AckFloor.Stream))
		m.consumerRedelivered.WithLabelValues(info.Stream, info.Name).Set(float64(info.NumRedelivered))
	}
}

// startPoller polls every interval until the returned cancel is called.
func (m *jetstreamMetrics) startPoller(ctx context.Context, interval time.Duration) context.CancelFunc {
	if m == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.updateStats(ctx)
			}
		}
	}()
	return cancel
}
