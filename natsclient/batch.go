package natsclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/consumer"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// DefaultAckWait is the redelivery deadline used when BatchSourceConfig.AckWait
// is unset.
const DefaultAckWait = 30 * time.Second

// BatchSourceConfig configures one partition of a JetStream-backed batch
// source. A partition is a filter subject of the stream.
type BatchSourceConfig struct {
	Stream  string
	Subject string
	// Durable names the pull consumer; derived from stream and subject when empty.
	Durable      string
	BatchSize    int
	FetchMaxWait time.Duration
	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration
}

func (c *BatchSourceConfig) applyDefaults() {
	if c.Durable == "" {
		c.Durable = DurableName(c.Stream, c.Subject)
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FetchMaxWait <= 0 {
		c.FetchMaxWait = time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
}

// DurableName derives a consumer name that is valid for JetStream.
func DurableName(stream, subject string) string {
	name := stream + "_" + subject
	return strings.NewReplacer(".", "_", "*", "any", ">", "all", " ", "_").Replace(name)
}

// BatchSource pulls batches from a durable pull consumer with AckAll
// semantics: acknowledging the last message of a batch acknowledges the
// whole batch.
type BatchSource struct {
	client   *Client
	cfg      BatchSourceConfig
	consumer jetstream.Consumer

	mu       sync.Mutex
	inflight []jetstream.Msg
	offset   uint64
}

var _ consumer.Source = (*BatchSource)(nil)

// NewBatchSource creates or updates the durable consumer for cfg.Subject.
func (c *Client) NewBatchSource(ctx context.Context, cfg BatchSourceConfig) (*BatchSource, error) {
	if cfg.Stream == "" || cfg.Subject == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: stream and subject are required", errors.ErrInvalidConfig),
			"Client", "NewBatchSource", "validate config")
	}
	cfg.applyDefaults()

	js, err := c.ready()
	if err != nil {
		return nil, err
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckAllPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.BatchSize,
	})
	if err := c.observe(err, "create_consumer"); err != nil {
		return nil, errors.WrapTransient(err, "Client", "NewBatchSource", "create consumer "+cfg.Durable)
	}
	c.jsMetrics.trackConsumer(cfg.Stream, cfg.Durable, cons)

	return &BatchSource{client: c, cfg: cfg, consumer: cons}, nil
}

// Partition returns the filter subject.
func (s *BatchSource) Partition() string { return s.cfg.Subject }

// Next fetches up to BatchSize messages, waiting at most FetchMaxWait. The
// handle offset is the stream sequence of the last message.
func (s *BatchSource) Next(ctx context.Context) (consumer.RawBatch, error) {
	if err := ctx.Err(); err != nil {
		return consumer.RawBatch{}, err
	}

	batch, err := s.consumer.Fetch(s.cfg.BatchSize, jetstream.FetchMaxWait(s.cfg.FetchMaxWait))
	if err != nil {
		s.client.jsMetrics.recordError("fetch")
		return consumer.RawBatch{}, errors.WrapTransient(err, "BatchSource", "Next", "fetch from "+s.cfg.Subject)
	}

	var msgs []jetstream.Msg
	for msg := range batch.Messages() {
		msgs = append(msgs, msg)
	}
	if err := batch.Error(); err != nil && len(msgs) == 0 && !errors.Is(err, nats.ErrTimeout) {
		s.client.jsMetrics.recordError("fetch")
		return consumer.RawBatch{}, errors.WrapTransient(err, "BatchSource", "Next", "fetch from "+s.cfg.Subject)
	}
	if len(msgs) == 0 {
		return consumer.RawBatch{Handle: consumer.Handle{Partition: s.cfg.Subject}}, nil
	}

	meta, err := msgs[len(msgs)-1].Metadata()
	if err != nil {
		return consumer.RawBatch{}, errors.WrapInvalid(err, "BatchSource", "Next", "read message metadata")
	}

	payloads := make([][]byte, len(msgs))
	for i, msg := range msgs {
		payloads[i] = msg.Data()
	}

	s.mu.Lock()
	s.inflight = msgs
	s.offset = meta.Sequence.Stream
	s.mu.Unlock()

	return consumer.RawBatch{
		Payloads: payloads,
		Handle:   consumer.Handle{Partition: s.cfg.Subject, Offset: meta.Sequence.Stream},
	}, nil
}

// Ack acknowledges the in-flight batch and waits for the server to confirm.
func (s *BatchSource) Ack(ctx context.Context, h consumer.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.inflight) == 0 || h.Offset != s.offset {
		return errors.WrapInvalid(fmt.Errorf("%w: no in-flight batch at offset %d", errors.ErrInvalidData, h.Offset),
			"BatchSource", "Ack", "match handle")
	}
	if err := s.inflight[len(s.inflight)-1].DoubleAck(ctx); err != nil {
		s.client.jsMetrics.recordError("ack")
		return errors.WrapTransient(err, "BatchSource", "Ack", "acknowledge batch")
	}
	s.inflight = nil
	return nil
}

// Touch resets the redelivery timer of every in-flight message.
func (s *BatchSource) Touch(_ context.Context, h consumer.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.Offset != s.offset {
		return nil
	}
	var errs []error
	for _, msg := range s.inflight {
		if err := msg.InProgress(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Wrap(errors.Join(errs...), "BatchSource", "Touch", "extend ack deadline")
}

// Sources creates one BatchSource per subject.
func (c *Client) Sources(ctx context.Context, base BatchSourceConfig, subjects ...string) ([]consumer.Source, error) {
	out := make([]consumer.Source, 0, len(subjects))
	for _, subject := range subjects {
		cfg := base
		cfg.Subject = subject
		cfg.Durable = ""
		if base.Durable != "" {
			cfg.Durable = DurableName(base.Durable, subject)
		}
		src, err := c.NewBatchSource(ctx, cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}
