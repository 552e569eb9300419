// Package service wires seisbridge's subsystems into runnable services.
//
// A Runtime holds what every service shares: the process configuration, the
// NATS connection, the configuration repository, the metrics registry and
// the health monitor. Services built on it are run together by
// Runtime.Run, which also serves /metrics and /health and stops everything
// when the context is cancelled.
//
// DispatcherService runs the station connection dispatcher and its
// rendezvous listener. ConsumerService runs the storage consumer for one
// record kind.
//
//	rt := service.NewRuntime(cfg, logger)
//	defer rt.Close(context.Background())
//
//	svc, err := service.NewDispatcherService(ctx, rt)
//	if err != nil {
//		return err
//	}
//	return rt.Run(ctx, svc)
package service
