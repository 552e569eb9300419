// Package config loads the seisbridge process configuration.
//
// The process configuration says which subsystems run and how they reach
// their collaborators: the NATS server, the configuration repository, the
// station parameter source and, per record kind, the stream to consume and
// the store to write to. Tunables that operators change at runtime, such as
// retry policies and the well-known port, live in the configuration
// repository instead (see package sysconfig).
//
// # Loading
//
// Loader merges layers over built-in defaults. Layers are JSON or YAML
// files; later layers override earlier ones key by key. Environment
// variables prefixed with SEISBRIDGE_ override the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/seisbridge/base.yaml")
//	loader.AddLayer("/etc/seisbridge/site.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Durations are written as strings ("500ms", "2m", "7d") or as integer
// nanoseconds.
//
// # Concurrency
//
// SafeConfig guards a Config for concurrent readers; Get returns a deep
// copy and Update validates before swapping.
package config
