// Package natsclient adapts NATS and JetStream to the rest of seisbridge.
//
// Client owns the connection. It tracks connection status, opens a circuit
// breaker after repeated failures and, when given a metrics registry,
// reports connection and JetStream state.
//
// KVStore wraps a JetStream key-value bucket. Configuration repositories
// and the station parameter source read from it.
//
// BatchSource implements consumer.Source over a durable pull consumer.
// Each filter subject is one partition. Acknowledgment uses AckAll, so
// acknowledging the last message of a fetched batch acknowledges all of it,
// and the handle offset is that message's stream sequence.
//
//	client, err := natsclient.NewClient(url, natsclient.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	sources, err := client.Sources(ctx, natsclient.BatchSourceConfig{
//	    Stream:    "STATION_SOH",
//	    BatchSize: 200,
//	}, "soh.station.0", "soh.station.1")
//
// StartTestClient and NewTestClient run a NATS server in a container for
// integration tests.
package natsclient
