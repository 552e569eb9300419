// Package seisbridge moves seismic station data from the edge into storage.
//
// Two process types make up the module.
//
// The station connection dispatcher answers each connecting station with
// where to send its data. It looks the station up in the station parameter
// store, resolves the data consumer's host from the configuration
// repository and replies with that address and the station's port. Unknown
// and non-acquired stations are rejected. Station parameters and addresses
// are reloaded periodically and whenever their sources change; a failed
// refresh keeps serving the previous data.
//
// The storage consumers each persist one record kind from a JetStream
// stream into a local bbolt or Pebble store. A batch is acknowledged only
// after it is durably written, failed writes are retried forever, and
// records within one partition are persisted in order.
//
// # Layout
//
//	cmd/seisbridge   command line: dispatcher, consume, publish, query, validate
//	service          runtime wiring, lifecycle, health and metrics serving
//	dispatcher       dispatch decisions and the rendezvous listener
//	station          station parameters, sources and the refreshing store
//	resolver         host to address resolution for configured keys
//	consumer         the generic persist-then-acknowledge loop
//	storage          record stores over bbolt and Pebble
//	records          record kinds and their types
//	natsclient       NATS connection, JetStream batches and KV access
//	sysconfig        key/value configuration repository with typed getters
//	config           process configuration files and environment overrides
//	pkg/retry        retry policies and the retry loop
//
// # Configuration
//
// Process configuration (NATS, metrics, which consumers run, storage paths)
// comes from layered YAML or JSON files and SEISBRIDGE_* environment
// variables. Operational values shared across the system, such as the
// dispatcher's well-known port, consumer host names and retry policies, come
// from the configuration repository: an in-memory map, a watched file or a
// NATS KV bucket.
package seisbridge
