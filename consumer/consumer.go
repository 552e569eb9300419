package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/health"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
)

// Handle identifies a batch for acknowledgment: acknowledging it covers
// every message of the partition up to and including Offset.
type Handle struct {
	Partition string
	Offset    uint64
}

// RawBatch is an undecoded batch as delivered by a Source.
type RawBatch struct {
	Payloads [][]byte
	Handle   Handle
}

// Batch is a decoded batch. Poisoned counts payloads that could not be
// decoded; they are covered by Handle but absent from Records.
type Batch[T any] struct {
	Records  []T
	Handle   Handle
	Poisoned int
}

// Source delivers batches for one partition.
type Source interface {
	Partition() string
	// Next blocks until a batch is available or ctx is done. An empty
	// batch is not an error.
	Next(ctx context.Context) (RawBatch, error)
	// Ack acknowledges everything up to h.Offset.
	Ack(ctx context.Context, h Handle) error
	// Touch extends the redelivery deadline of the in-flight batch.
	Touch(ctx context.Context, h Handle) error
}

// Deserializer decodes one payload.
type Deserializer[T any] func(data []byte) (T, error)

// PersistFunc durably stores a batch. It must be all-or-nothing and
// idempotent under redelivery.
type PersistFunc[T any] func(ctx context.Context, records []T) error

// AckFunc acknowledges a persisted batch. The default acknowledges through
// the batch's Source.
type AckFunc func(ctx context.Context, h Handle) error

// PoisonFunc receives payloads that can never be decoded.
type PoisonFunc func(ctx context.Context, partition string, payload []byte, err error)

// Config configures a Consumer.
type Config[T any] struct {
	// Name identifies the consumer in logs, metrics and health.
	Name    string
	Decode  Deserializer[T]
	Persist PersistFunc[T]
	// Ack overrides Source.Ack.
	Ack AckFunc
	// Policy spaces persist and ack retries. It must be unlimited.
	Policy   retry.Policy
	OnPoison PoisonFunc
	// AckTimeout bounds one acknowledgment attempt. Default 5s.
	AckTimeout time.Duration
	// LeaseInterval is how often the lease of an in-flight batch is
	// extended until it is acknowledged. It must stay below the source's
	// redelivery deadline. Zero touches only after each failed persist.
	LeaseInterval time.Duration
	Logger     *slog.Logger
	Registry   metric.MetricsRegistrar
}

// Stats counts consumer activity.
type Stats struct {
	Batches         int64 `json:"batches"`
	Records         int64 `json:"records"`
	Persisted       int64 `json:"persisted"`
	PersistFailures int64 `json:"persist_failures"`
	Acked           int64 `json:"acked"`
	AckFailures     int64 `json:"ack_failures"`
	FetchFailures   int64 `json:"fetch_failures"`
	Poisoned        int64 `json:"poisoned"`
}

// Consumer runs the persist-then-acknowledge loop over a set of partitions.
type Consumer[T any] struct {
	cfg        Config[T]
	sources    []Source
	partitions map[string]*partition
	logger     *slog.Logger
	metrics    *consumerMetrics

	runMu   sync.Mutex
	running bool

	batches         atomic.Int64
	records         atomic.Int64
	persisted       atomic.Int64
	persistFailures atomic.Int64
	acked           atomic.Int64
	ackFailures     atomic.Int64
	fetchFailures   atomic.Int64
	poisoned        atomic.Int64
}

// New validates cfg and returns a consumer over sources, one per partition.
func New[T any](cfg Config[T], sources ...Source) (*Consumer[T], error) {
	if cfg.Name == "" {
		return nil, invalidConfig("name is required")
	}
	if cfg.Decode == nil || cfg.Persist == nil {
		return nil, invalidConfig("decode and persist functions are required")
	}
	if !cfg.Policy.Unlimited() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: consumer %s needs an unlimited policy, got %s", errors.ErrInvalidPolicy, cfg.Name, cfg.Policy),
			"Consumer", "New", "validate policy")
	}
	if len(sources) == 0 {
		return nil, invalidConfig("at least one source is required")
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}
	if cfg.LeaseInterval < 0 {
		return nil, invalidConfig("lease interval must not be negative")
	}

	c := &Consumer[T]{
		cfg:        cfg,
		sources:    sources,
		partitions: make(map[string]*partition, len(sources)),
		logger:     cfg.Logger,
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "consumer", "consumer", cfg.Name)
	}
	for _, src := range sources {
		name := src.Partition()
		if _, dup := c.partitions[name]; dup {
			return nil, invalidConfig("duplicate partition " + name)
		}
		c.partitions[name] = &partition{name: name}
	}

	if cfg.Registry != nil {
		m, err := newConsumerMetrics(cfg.Registry, cfg.Name)
		if err != nil {
			return nil, errors.Wrap(err, "Consumer", "New", "register metrics")
		}
		c.metrics = m
	}
	return c, nil
}

func invalidConfig(detail string) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidConfig, detail), "Consumer", "New", "validate config")
}

// Run consumes every partition until ctx is done. It returns nil on
// shutdown and an error only when a partition hit a fatal condition.
func (c *Consumer[T]) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Consumer", "Run", "start consumer")
	}
	c.running = true
	c.runMu.Unlock()
	defer func() {
		c.runMu.Lock()
		c.running = false
		c.runMu.Unlock()
	}()

	c.logger.Info("Consumer starting", "partitions", len(c.sources), "policy", c.cfg.Policy.String())

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		p := c.partitions[src.Partition()]
		g.Go(func() error {
			return c.consume(gctx, src, p)
		})
	}
	err := g.Wait()
	c.logger.Info("Consumer stopped", "error", err)
	return err
}

func (c *Consumer[T]) consume(ctx context.Context, src Source, p *partition) error {
	for fetchFailures := 0; ; {
		if ctx.Err() != nil {
			return nil
		}

		p.setState(StateFetching)
		raw, err := src.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fetchFailures++
			c.fetchFailures.Add(1)
			delay := c.cfg.Policy.Delay(fetchFailures)
			c.logger.Warn("Fetch failed", "partition", p.name, "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}
		fetchFailures = 0
		if len(raw.Payloads) == 0 {
			continue
		}

		if err := c.process(ctx, src, p, raw); err != nil {
			if ctx.Err() != nil && !errors.Is(err, errors.ErrOffsetRegression) {
				return nil
			}
			return err
		}
	}
}

// process moves one batch through decode, persist and acknowledge.
func (c *Consumer[T]) process(ctx context.Context, src Source, p *partition, raw RawBatch) error {
	if raw.Handle.Partition == "" {
		raw.Handle.Partition = p.name
	}
	if raw.Handle.Partition != p.name {
		return errors.WrapFatal(fmt.Errorf("%w: handle for partition %s delivered on %s",
			errors.ErrOffsetRegression, raw.Handle.Partition, p.name), "Consumer", "process", "check handle")
	}
	if err := p.checkOffset(raw.Handle.Offset); err != nil {
		return errors.WrapFatal(err, "Consumer", "process", "check offset")
	}

	p.setState(StateReceived)
	c.batches.Add(1)
	batch := c.decode(ctx, p.name, raw)
	c.records.Add(int64(len(batch.Records)))

	stop := c.keepLease(ctx, src, p, batch.Handle)
	defer stop()

	if err := c.persist(ctx, src, p, batch); err != nil {
		return err
	}
	return c.ack(ctx, src, p, batch.Handle)
}

// keepLease touches h every LeaseInterval while the batch is persisted,
// waits out a backoff or is acknowledged. The returned func stops it and
// waits for an in-progress touch to finish.
func (c *Consumer[T]) keepLease(ctx context.Context, src Source, p *partition, h Handle) func() {
	if c.cfg.LeaseInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.LeaseInterval)
		defer ticker.Stop()
		detached := context.WithoutCancel(ctx)
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := src.Touch(detached, h); err != nil {
					c.logger.Debug("Touch failed", "partition", p.name, "offset", h.Offset, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (c *Consumer[T]) decode(ctx context.Context, partition string, raw RawBatch) Batch[T] {
	batch := Batch[T]{Handle: raw.Handle, Records: make([]T, 0, len(raw.Payloads))}
	for _, payload := range raw.Payloads {
		rec, err := c.cfg.Decode(payload)
		if err != nil {
			batch.Poisoned++
			c.poisoned.Add(1)
			if c.metrics != nil {
				c.metrics.poisoned.Inc()
			}
			if c.cfg.OnPoison != nil {
				c.cfg.OnPoison(ctx, partition, payload, err)
			} else {
				c.logger.Error("Dropping undecodable payload", "partition", partition,
					"offset", raw.Handle.Offset, "bytes", len(payload), "error", err)
			}
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch
}

// persist retries until the batch is stored or ctx is done. Each attempt
// runs detached from ctx so shutdown never interrupts a write midway.
func (c *Consumer[T]) persist(ctx context.Context, src Source, p *partition, batch Batch[T]) error {
	if len(batch.Records) == 0 {
		p.setState(StatePersisted)
		return nil
	}

	p.setState(StatePersisting)
	detached := context.WithoutCancel(ctx)
	err := retry.Do(ctx, c.cfg.Policy, func() error {
		start := time.Now()
		err := c.cfg.Persist(detached, batch.Records)
		if c.metrics != nil {
			c.metrics.observePersist(time.Since(start), err)
		}
		var nre *retry.NonRetryableError
		if errors.As(err, &nre) {
			return nre.Err
		}
		return err
	}, retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		c.persistFailures.Add(1)
		p.failedAttempts.Store(int64(attempt))
		c.logger.Error("Persist failed, batch will be retried",
			"partition", p.name, "offset", batch.Handle.Offset, "records", len(batch.Records),
			"attempt", attempt, "error", err, "retry_in", delay)
		if err := src.Touch(detached, batch.Handle); err != nil {
			c.logger.Debug("Touch failed", "partition", p.name, "error", err)
		}
	}))
	p.failedAttempts.Store(0)
	if err != nil {
		c.logger.Info("Shutdown during persist retry, batch left for redelivery",
			"partition", p.name, "offset", batch.Handle.Offset)
		return err
	}

	c.persisted.Add(int64(len(batch.Records)))
	p.setState(StatePersisted)
	return nil
}

// ack acknowledges a persisted batch. A failed acknowledgment is retried;
// if shutdown interrupts the retries the batch is redelivered and persisted
// again.
func (c *Consumer[T]) ack(ctx context.Context, src Source, p *partition, h Handle) error {
	ackFn := c.cfg.Ack
	if ackFn == nil {
		ackFn = src.Ack
	}

	err := retry.Do(ctx, c.cfg.Policy, func() error {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AckTimeout)
		defer cancel()
		return ackFn(actx, h)
	}, retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		c.ackFailures.Add(1)
		if c.metrics != nil {
			c.metrics.ackFailures.Inc()
		}
		c.logger.Warn("Ack failed, retrying", "partition", p.name, "offset", h.Offset,
			"attempt", attempt, "error", err, "retry_in", delay)
	}))
	if err != nil {
		return err
	}

	p.advance(h.Offset)
	c.acked.Add(1)
	if c.metrics != nil {
		c.metrics.acked.Inc()
		c.metrics.offset.WithLabelValues(p.name).Set(float64(h.Offset))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Name returns the configured consumer name.
func (c *Consumer[T]) Name() string { return c.cfg.Name }

// Stats returns consumer counters.
func (c *Consumer[T]) Stats() Stats {
	return Stats{
		Batches:         c.batches.Load(),
		Records:         c.records.Load(),
		Persisted:       c.persisted.Load(),
		PersistFailures: c.persistFailures.Load(),
		Acked:           c.acked.Load(),
		AckFailures:     c.ackFailures.Load(),
		FetchFailures:   c.fetchFailures.Load(),
		Poisoned:        c.poisoned.Load(),
	}
}

// Partitions reports the status of every partition in source order.
func (c *Consumer[T]) Partitions() []PartitionStatus {
	out := make([]PartitionStatus, 0, len(c.sources))
	for _, src := range c.sources {
		out = append(out, c.partitions[src.Partition()].status())
	}
	return out
}

// Health is degraded while any partition is retrying a failed persist.
func (c *Consumer[T]) Health() health.Status {
	var retrying []string
	for _, ps := range c.Partitions() {
		if ps.FailedAttempts > 0 {
			retrying = append(retrying, ps.Partition)
		}
	}

	stats := c.Stats()
	var status health.Status
	if len(retrying) > 0 {
		status = health.NewDegraded(c.cfg.Name, fmt.Sprintf("persist retrying on partitions %v", retrying))
	} else {
		status = health.NewHealthy(c.cfg.Name, "consuming")
	}
	return status.WithMetrics(&health.Metrics{
		ErrorCount: stats.PersistFailures + stats.AckFailures + stats.FetchFailures,
		Processed:  stats.Persisted,
	})
}
