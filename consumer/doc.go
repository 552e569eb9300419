// Package consumer implements the reactive batch storage stage shared by
// every storage deployment.
//
// A Consumer pulls batches from one Source per partition, decodes them,
// hands the records to a PersistFunc and acknowledges the batch only after
// the persist call succeeded. A failed persist is never acknowledged,
// dropped or skipped: the same batch is retried with backoff until it
// succeeds or the consumer shuts down, in which case the broker redelivers
// it. Persist functions must therefore tolerate seeing a batch twice.
//
// Partitions are independent. A batch blocked in retry holds up only its
// own partition, and acknowledgment offsets advance monotonically within a
// partition.
//
//	c, err := consumer.New(consumer.Config[records.StationSOH]{
//	    Name:    "station-soh",
//	    Decode:  codec.JSON[records.StationSOH]{}.Decode,
//	    Persist: store.Persist,
//	    Policy:  retry.Forever(),
//	}, sources...)
//	if err != nil {
//	    return err
//	}
//	return c.Run(ctx)
package consumer
