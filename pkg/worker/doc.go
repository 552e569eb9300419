// Package worker provides a bounded generic worker pool.
//
// The dispatcher uses it to serve station connections: each accepted
// connection is submitted as one work item, and a full queue rejects the
// connection instead of blocking the accept loop.
//
//	pool, err := worker.NewPool(8, 256, handleConn,
//	    worker.WithMetricsRegistry[net.Conn](registry, "dispatcher"))
//	if err != nil {
//	    return err
//	}
//	if err := pool.Start(ctx); err != nil {
//	    return err
//	}
//	defer pool.Stop(5 * time.Second)
//
//	if err := pool.Submit(conn); errors.Is(err, worker.ErrQueueFull) {
//	    conn.Close()
//	}
package worker
