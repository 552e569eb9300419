// Package metric provides the Prometheus registry shared by seisbridge
// services and the HTTP server that exposes it.
//
// Core platform metrics (service status, health, errors, NATS connection
// state) live in Metrics under the "seisbridge" namespace. Components
// register their own collectors through MetricsRegistrar under a
// "service.metric" key, so duplicate registration is reported as an invalid
// error instead of a panic:
//
//	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
//	    Namespace: metric.Namespace,
//	    Subsystem: "dispatcher",
//	    Name:      "decisions_total",
//	}, []string{"outcome"})
//	if err := registry.RegisterCounterVec("dispatcher", "decisions", decisions); err != nil {
//	    return err
//	}
//
// Server exposes /metrics and a JSON /health endpoint backed by a HealthFunc.
package metric
