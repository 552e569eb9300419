package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/codec"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/config"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/consumer"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/health"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/natsclient"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/records"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/storage"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/storage/boltstore"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/storage/pebblestore"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/sysconfig"
)

// DeadLetterSubject is where undecodable payloads of kind are published.
func DeadLetterSubject(kind records.Kind) string {
	return "deadletter." + string(kind)
}

// DeadLetterStreamConfig is the stream that retains dead-lettered payloads
// of kind for a week.
func DeadLetterStreamConfig(cc config.ConsumerConfig, kind records.Kind) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:     cc.Stream + "_DEADLETTER",
		Subjects: []string{DeadLetterSubject(kind)},
		Storage:  jetstream.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	}
}

// ConsumerComponent scopes the configuration keys of the consumer for kind.
func ConsumerComponent(kind records.Kind) string {
	return string(kind) + "-consumer"
}

// StreamConfig is the JetStream stream carrying every partition of cc.
func StreamConfig(cc config.ConsumerConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:     cc.Stream,
		Subjects: []string{cc.Subject + ".>"},
		Storage:  jetstream.FileStorage,
	}
}

// ConsumerService persists one record kind from the bus into local storage.
type ConsumerService[T records.Record] struct {
	*BaseService

	kind     records.Kind
	backend  storage.Backend
	store    *storage.RecordStore[T]
	consumer *consumer.Consumer[T]
}

// NewConsumerService builds the storage consumer for kind. The kind must
// have an enabled entry in the configuration.
func NewConsumerService(ctx context.Context, rt *Runtime, kind records.Kind) (Service, error) {
	switch kind {
	case records.KindCapabilityRollup:
		return asService(newConsumerService[records.CapabilityRollup](ctx, rt, kind))
	case records.KindRawStationFrame:
		return asService(newConsumerService[records.RawStationFrame](ctx, rt, kind))
	case records.KindStationSOH:
		return asService(newConsumerService[records.StationSOH](ctx, rt, kind))
	case records.KindSystemMessage:
		return asService(newConsumerService[records.SystemMessage](ctx, rt, kind))
	case records.KindQuietedStatusChange:
		return asService(newConsumerService[records.QuietedStatusChange](ctx, rt, kind))
	case records.KindUnacknowledgedStatusChange:
		return asService(newConsumerService[records.UnacknowledgedStatusChange](ctx, rt, kind))
	default:
		_, err := records.ParseKind(string(kind))
		return nil, err
	}
}

// asService keeps a failed constructor from yielding a non-nil interface
// around a nil pointer.
func asService[T records.Record](svc *ConsumerService[T], err error) (Service, error) {
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func newConsumerService[T records.Record](ctx context.Context, rt *Runtime, kind records.Kind) (*ConsumerService[T], error) {
	cc, ok := rt.Config().Consumer(kind)
	if !ok || !cc.Enabled {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: consumer %s is not enabled", errors.ErrMissingConfig, kind),
			"ConsumerService", "New", "read consumer config")
	}
	name := ConsumerComponent(kind)
	base := NewBaseService(name, rt.Logger(), rt.Registry())
	logger := base.Logger()

	c, err := codec.ByName[T](cc.Codec)
	if err != nil {
		return nil, err
	}

	repo, err := rt.Repository(ctx)
	if err != nil {
		return nil, err
	}
	policy, err := policyFrom(ctx, sysconfig.New(name, repo), retry.Forever())
	if err != nil {
		return nil, errors.Wrap(err, "ConsumerService", "New", "read retry policy")
	}
	if !policy.Unlimited() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s must retry without limit, got %s", errors.ErrInvalidPolicy, name, policy),
			"ConsumerService", "New", "validate retry policy")
	}

	backend, err := openBackend(cc)
	if err != nil {
		return nil, err
	}
	svc, err := buildConsumer(ctx, rt, kind, cc, c, policy, base, backend)
	if err != nil {
		if cerr := backend.Close(); cerr != nil {
			logger.Warn("Close storage after failed start", "error", cerr)
		}
		return nil, err
	}
	return svc, nil
}

func openBackend(cc config.ConsumerConfig) (storage.Backend, error) {
	switch cc.Backend {
	case config.BackendBolt, "":
		return boltstore.Open(cc.Path)
	case config.BackendPebble:
		return pebblestore.Open(cc.Path)
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: storage backend %q", errors.ErrInvalidConfig, cc.Backend),
			"ConsumerService", "New", "open storage")
	}
}

func buildConsumer[T records.Record](
	ctx context.Context,
	rt *Runtime,
	kind records.Kind,
	cc config.ConsumerConfig,
	c codec.Codec[T],
	policy retry.Policy,
	base *BaseService,
	backend storage.Backend,
) (*ConsumerService[T], error) {
	store, err := storage.NewRecordStore(backend, string(kind), c, storage.WithCompression(cc.Compression))
	if err != nil {
		return nil, err
	}

	client, err := rt.NATS(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := client.EnsureStream(ctx, StreamConfig(cc)); err != nil {
		return nil, err
	}
	if _, err := client.EnsureStream(ctx, DeadLetterStreamConfig(cc, kind)); err != nil {
		return nil, err
	}
	sources, err := client.Sources(ctx, natsclient.BatchSourceConfig{
		Stream:       cc.Stream,
		BatchSize:    cc.BatchSize,
		FetchMaxWait: cc.FetchMaxWait.Std(),
		AckWait:      cc.AckWait.Std(),
	}, cc.PartitionSubjects()...)
	if err != nil {
		return nil, err
	}

	ackWait := cc.AckWait.Std()
	if ackWait <= 0 {
		ackWait = natsclient.DefaultAckWait
	}

	logger := base.Logger()
	deadLetter := DeadLetterSubject(kind)
	cons, err := consumer.New(consumer.Config[T]{
		Name:          base.Name(),
		Decode:        c.Decode,
		Persist:       store.Persist,
		Policy:        policy,
		AckTimeout:    cc.AckTimeout.Std(),
		LeaseInterval: ackWait / 2,
		OnPoison: func(ctx context.Context, partition string, payload []byte, err error) {
			base.recordError("invalid")
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if perr := client.PublishToStream(pctx, deadLetter, payload); perr != nil {
				logger.Error("Dead-letter publish failed, payload dropped",
					"partition", partition, "size", len(payload), "error", perr)
				return
			}
			logger.Warn("Undecodable payload dead-lettered",
				"partition", partition, "subject", deadLetter, "error", err)
		},
		Logger:   logger.With("component", "consumer"),
		Registry: rt.Registry(),
	}, sources...)
	if err != nil {
		return nil, err
	}

	logger.Info("Storage consumer configured",
		"stream", cc.Stream,
		"partitions", cc.Partitions,
		"backend", cc.Backend,
		"path", filepath.Clean(cc.Path),
		"codec", c.Name(),
		"policy", policy.String())

	return &ConsumerService[T]{
		BaseService: base,
		kind:        kind,
		backend:     backend,
		store:       store,
		consumer:    cons,
	}, nil
}

// Kind returns the record kind this service stores.
func (s *ConsumerService[T]) Kind() records.Kind { return s.kind }

// Store returns the record store.
func (s *ConsumerService[T]) Store() *storage.RecordStore[T] { return s.store }

// Stats returns the consumer counters.
func (s *ConsumerService[T]) Stats() consumer.Stats { return s.consumer.Stats() }

// Run consumes until ctx is done, then closes the storage backend. In-flight
// batches finish their persist before Run returns.
func (s *ConsumerService[T]) Run(ctx context.Context) error {
	if s.Status() != StatusStopped {
		return errors.ErrAlreadyStarted
	}
	s.lastErr.Store(nil)
	s.setStatus(StatusRunning)

	err := s.consumer.Run(ctx)

	s.setStatus(StatusStopping)
	if cerr := s.backend.Close(); cerr != nil {
		s.Logger().Warn("Close storage", "error", cerr)
	}
	s.setStatus(StatusStopped)

	stats := s.consumer.Stats()
	s.Logger().Info("Storage consumer stopped",
		"persisted", stats.Persisted, "acked", stats.Acked, "poisoned", stats.Poisoned)
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// Health combines the lifecycle state with partition progress.
func (s *ConsumerService[T]) Health() health.Status {
	if s.Status() != StatusRunning {
		return s.BaseService.Health()
	}
	return s.consumer.Health()
}
