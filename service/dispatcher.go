package service

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/config"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/dispatcher"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/health"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/resolver"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/station"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/sysconfig"
)

// DispatcherComponent scopes the dispatcher's configuration keys.
const DispatcherComponent = "connman"

// DispatcherService runs the station connection dispatcher and its
// rendezvous listener.
type DispatcherService struct {
	*BaseService

	rt         *Runtime
	source     station.Source
	store      *station.Store
	dispatcher *dispatcher.Dispatcher
	server     *dispatcher.Server
	interval   time.Duration

	healthMu  sync.Mutex
	lastStats dispatcher.Stats
}

// NewDispatcherService wires the station store, address resolver and
// listener from the runtime configuration. Nothing is loaded or bound until
// Run.
func NewDispatcherService(ctx context.Context, rt *Runtime) (*DispatcherService, error) {
	cfg := rt.Config().Dispatcher
	base := NewBaseService("dispatcher", rt.Logger(), rt.Registry())
	logger := base.Logger()

	repo, err := rt.Repository(ctx)
	if err != nil {
		return nil, err
	}
	sys := sysconfig.New(DispatcherComponent, repo)

	policy, err := policyFrom(ctx, sys, retry.Persistent())
	if err != nil {
		return nil, errors.Wrap(err, "DispatcherService", "New", "read retry policy")
	}
	logger.Info("Retry policy", "policy", policy.String())

	source, err := stationSource(ctx, rt, cfg.Stations)
	if err != nil {
		return nil, err
	}
	store := station.NewStore(source,
		station.WithPolicy(policy),
		station.WithLogger(logger.With("component", "station-store")))

	opts := []dispatcher.Option{
		dispatcher.WithPolicy(policy),
		dispatcher.WithLogger(logger.With("component", "dispatcher")),
		dispatcher.WithMetricsRegistry(rt.Registry()),
	}
	if cfg.ConsumerKey != "" {
		opts = append(opts, dispatcher.WithConsumerKey(cfg.ConsumerKey))
	}
	if cfg.RejectionLogInterval > 0 {
		burst := cfg.RejectionLogBurst
		if burst <= 0 {
			burst = 1
		}
		opts = append(opts, dispatcher.WithRejectionLogLimit(rate.Every(cfg.RejectionLogInterval.Std()), burst))
	}
	d, err := dispatcher.New(store, resolver.New(sys), opts...)
	if err != nil {
		return nil, err
	}

	serverCfg, err := serverConfig(ctx, sys, cfg)
	if err != nil {
		return nil, err
	}
	server, err := dispatcher.NewServer(d, serverCfg,
		dispatcher.WithServerLogger(logger.With("component", "rendezvous")),
		dispatcher.WithServerMetrics(rt.Registry()))
	if err != nil {
		return nil, err
	}

	return &DispatcherService{
		BaseService: base,
		rt:          rt,
		source:      source,
		store:       store,
		dispatcher:  d,
		server:      server,
		interval:    cfg.RefreshInterval.Std(),
	}, nil
}

// policyFrom reads the retry-* keys. fallback applies only when none of
// them is set; a partial set is a missing-key error.
func policyFrom(ctx context.Context, sys *sysconfig.SystemConfig, fallback retry.Policy) (retry.Policy, error) {
	for _, key := range []string{retry.KeyInitialDelay, retry.KeyMaxDelay, retry.KeyDelayUnits, retry.KeyMaxAttempts} {
		_, ok, err := sys.Lookup(ctx, key)
		if err != nil {
			return retry.Policy{}, err
		}
		if ok {
			return retry.FromConfig(ctx, sys)
		}
	}
	return fallback, nil
}

func stationSource(ctx context.Context, rt *Runtime, sc config.StationSourceConfig) (station.Source, error) {
	switch sc.Type {
	case config.StationsStatic, "":
		return station.StaticSource(sc.Stations), nil
	case config.StationsFile:
		return &station.FileSource{
			Path:     sc.Path,
			Debounce: sc.Debounce.Std(),
			Logger:   rt.Logger().With("component", "station-file"),
		}, nil
	case config.StationsKV:
		client, err := rt.NATS(ctx)
		if err != nil {
			return nil, err
		}
		bucket, err := client.GetKeyValueBucket(ctx, sc.Bucket)
		if err != nil {
			return nil, errors.WrapFatal(err, "DispatcherService", "New", "open station bucket "+sc.Bucket)
		}
		return &station.KVSource{Bucket: client.NewKVStore(bucket)}, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: station source %q", errors.ErrInvalidConfig, sc.Type),
			"DispatcherService", "New", "select station source")
	}
}

func serverConfig(ctx context.Context, sys *sysconfig.SystemConfig, cfg config.DispatcherConfig) (dispatcher.ServerConfig, error) {
	port, err := sys.GetValueAsInt(ctx, dispatcher.KeyWellKnownPort)
	if err != nil {
		return dispatcher.ServerConfig{}, errors.Wrap(err, "DispatcherService", "New", "read "+dispatcher.KeyWellKnownPort)
	}
	if port < 0 || port > 65535 {
		return dispatcher.ServerConfig{}, errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, port),
			"DispatcherService", "New", "read "+dispatcher.KeyWellKnownPort)
	}
	retries, err := sys.GetValueAsIntOr(ctx, dispatcher.KeyBindRetries, 10)
	if err != nil {
		return dispatcher.ServerConfig{}, errors.Wrap(err, "DispatcherService", "New", "read "+dispatcher.KeyBindRetries)
	}
	wait, err := sys.GetValueAsDurationOr(ctx, dispatcher.KeyBindInitialWait, time.Second)
	if err != nil {
		return dispatcher.ServerConfig{}, errors.Wrap(err, "DispatcherService", "New", "read "+dispatcher.KeyBindInitialWait)
	}
	return dispatcher.ServerConfig{
		Address:         net.JoinHostPort("", strconv.Itoa(port)),
		BindRetries:     retries,
		BindInitialWait: wait,
		ConnTimeout:     cfg.ConnTimeout.Std(),
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
	}, nil
}

// Dispatcher returns the underlying dispatcher.
func (s *DispatcherService) Dispatcher() *dispatcher.Dispatcher { return s.dispatcher }

// Addr returns the bound listener address once Run has bound it.
func (s *DispatcherService) Addr() net.Addr { return s.server.Addr() }

// Run loads station parameters and addresses, binds the listener and serves
// until ctx is done. A failed load or bind is fatal.
func (s *DispatcherService) Run(ctx context.Context) error {
	if s.Status() != StatusStopped {
		return errors.ErrAlreadyStarted
	}
	s.setStatus(StatusStarting)
	defer s.setStatus(StatusStopped)

	s.lastErr.Store(nil)

	if err := s.dispatcher.Load(ctx); err != nil {
		return s.fail(errors.WrapFatal(err, "DispatcherService", "Run", "load stations and addresses"))
	}
	if err := s.server.Listen(ctx); err != nil {
		return s.fail(err)
	}

	triggers := s.triggers(ctx)

	s.setStatus(StatusRunning)
	s.Logger().Info("Dispatcher started",
		"address", s.server.Addr(),
		"stations", s.store.Snapshot().Len(),
		"refresh_interval", s.interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(gctx, s.interval, triggers) })
	g.Go(func() error { return s.server.Serve(gctx) })
	err := g.Wait()

	s.setStatus(StatusStopping)
	served, failed := s.server.Served()
	s.Logger().Info("Dispatcher stopped", "served", served, "failed", failed)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return s.fail(err)
	}
	return nil
}

// triggers merges change notifications from the station source and the
// configuration repository.
func (s *DispatcherService) triggers(ctx context.Context) <-chan struct{} {
	var chans []<-chan struct{}
	if w, ok := s.source.(station.Watcher); ok {
		ch, err := w.Watch(ctx)
		if err != nil {
			// polling still refreshes
			s.Logger().Warn("Station source watch unavailable", "error", err)
		} else {
			chans = append(chans, ch)
		}
	}
	ch, err := s.rt.RepositoryChanges(ctx)
	if err != nil {
		s.Logger().Warn("Configuration repository watch unavailable", "error", err)
	} else if ch != nil {
		chans = append(chans, ch)
	}
	return merge(ctx, chans...)
}

// merge fans in trigger channels. The result is nil when there is nothing to
// merge and closes once every input has closed.
func merge(ctx context.Context, chans ...<-chan struct{}) <-chan struct{} {
	switch len(chans) {
	case 0:
		return nil
	case 1:
		return chans[0]
	}
	out := make(chan struct{}, 1)
	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- struct{}{}:
					default:
					}
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Health is unhealthy until the first load completes, and degraded when
// refreshes have failed without a success since the previous sample.
func (s *DispatcherService) Health() health.Status {
	base := s.BaseService.Health()
	if s.Status() != StatusRunning {
		return base
	}

	stats := s.dispatcher.Stats()
	s.healthMu.Lock()
	prev := s.lastStats
	s.lastStats = stats
	s.healthMu.Unlock()

	var st health.Status
	switch {
	case !s.dispatcher.Ready():
		st = health.NewUnhealthy(s.Name(), "station parameters not loaded")
	case stats.RefreshFailures > prev.RefreshFailures && stats.Refreshes == prev.Refreshes:
		st = health.NewDegraded(s.Name(), "refresh failing, serving previous routing data")
	default:
		st = base
	}
	served, failed := s.server.Served()
	return st.WithMetrics(&health.Metrics{
		Processed:  served,
		ErrorCount: failed + stats.Errors,
	})
}
