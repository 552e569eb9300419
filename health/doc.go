// Package health aggregates component health for the /health endpoint.
//
// Each service publishes a Status to a shared Monitor. The dispatcher is
// unhealthy until its station table is loaded; a storage consumer is
// degraded while it is retrying a failed persist, since it is alive and will
// recover without intervention.
package health
