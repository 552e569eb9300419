package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/config"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/health"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/natsclient"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/tlsutil"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/sysconfig"
)

// Runtime holds the infrastructure shared by services in one process.
type Runtime struct {
	cfg        *config.Config
	logger     *slog.Logger
	instanceID string
	registry   *metric.MetricsRegistry
	monitor    *health.Monitor

	healthInterval time.Duration

	mu      sync.Mutex
	nats    *natsclient.Client
	repo    sysconfig.Repository
	repoSrc *sysconfig.FileRepository
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithNATSClient supplies an already connected client.
func WithNATSClient(c *natsclient.Client) RuntimeOption {
	return func(r *Runtime) { r.nats = c }
}

// WithRepository supplies the configuration repository instead of building
// it from the configuration.
func WithRepository(repo sysconfig.Repository) RuntimeOption {
	return func(r *Runtime) { r.repo = repo }
}

// WithRegistry supplies the metrics registry.
func WithRegistry(registry *metric.MetricsRegistry) RuntimeOption {
	return func(r *Runtime) { r.registry = registry }
}

// WithHealthInterval sets how often service health is sampled.
func WithHealthInterval(d time.Duration) RuntimeOption {
	return func(r *Runtime) { r.healthInterval = d }
}

// NewRuntime creates a runtime for cfg.
func NewRuntime(cfg *config.Config, logger *slog.Logger, opts ...RuntimeOption) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		cfg:            cfg,
		instanceID:     uuid.NewString(),
		healthInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registry == nil {
		r.registry = metric.NewMetricsRegistry()
	}
	r.logger = logger.With("instance", cfg.Instance(), "instance_uid", r.instanceID)
	r.monitor = health.NewMonitor(cfg.Instance())
	return r
}

// Config returns the process configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Logger returns the runtime logger.
func (r *Runtime) Logger() *slog.Logger { return r.logger }

// InstanceID is unique per process start.
func (r *Runtime) InstanceID() string { return r.instanceID }

// Registry returns the metrics registry.
func (r *Runtime) Registry() *metric.MetricsRegistry { return r.registry }

// Monitor returns the health monitor.
func (r *Runtime) Monitor() *health.Monitor { return r.monitor }

// NATS connects on first use and returns the shared client.
func (r *Runtime) NATS(ctx context.Context) (*natsclient.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nats != nil {
		return r.nats, nil
	}

	nc := r.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(r.logger.With("component", "natsclient")),
		natsclient.WithMetrics(r.registry),
		natsclient.WithMaxReconnects(nc.MaxReconnects),
		natsclient.WithName("seisbridge-" + r.cfg.Instance()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				r.monitor.Update("nats", health.NewHealthy("nats", "connected"))
			} else {
				r.monitor.Update("nats", health.NewDegraded("nats", "reconnecting"))
			}
		}),
	}
	if nc.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(nc.ReconnectWait.Std()))
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	tlsConfig, err := tlsutil.LoadClientConfig(tlsutil.ClientConfig{
		CertFile:           nc.TLS.CertFile,
		KeyFile:            nc.TLS.KeyFile,
		CAFiles:            nc.TLS.CAFiles,
		MinVersion:         nc.TLS.MinVersion,
		InsecureSkipVerify: nc.TLS.InsecureSkipVerify,
	})
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLS(tlsConfig))
	}

	client, err := natsclient.NewClient(nc.URL(), opts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Runtime", "NATS", "create client")
	}
	if err := client.Connect(ctx); err != nil {
		return nil, errors.WrapFatal(err, "Runtime", "NATS", "connect")
	}
	r.monitor.Update("nats", health.NewHealthy("nats", "connected"))
	r.nats = client
	return client, nil
}

// Repository builds the configuration repository on first use. Values from
// the process configuration sit beneath the selected repository.
func (r *Runtime) Repository(ctx context.Context) (sysconfig.Repository, error) {
	r.mu.Lock()
	if r.repo != nil {
		defer r.mu.Unlock()
		return r.repo, nil
	}
	r.mu.Unlock()

	rc := r.cfg.ConfigRepository
	defaults := sysconfig.NewMapRepository(rc.Values)

	var repo sysconfig.Repository
	switch rc.Type {
	case config.RepositoryMemory, "":
		repo = defaults
	case config.RepositoryFile:
		file, err := sysconfig.NewFileRepository(rc.Path)
		if err != nil {
			return nil, errors.WrapFatal(err, "Runtime", "Repository", "open "+rc.Path)
		}
		r.mu.Lock()
		r.repoSrc = file
		r.mu.Unlock()
		repo = sysconfig.Layered{file, defaults}
	case config.RepositoryKV:
		client, err := r.NATS(ctx)
		if err != nil {
			return nil, err
		}
		bucket, err := client.GetKeyValueBucket(ctx, rc.Bucket)
		if err != nil {
			return nil, errors.WrapFatal(err, "Runtime", "Repository", "open bucket "+rc.Bucket)
		}
		repo = sysconfig.Layered{sysconfig.NewKVRepository(client.NewKVStore(bucket)), defaults}
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Runtime", "Repository", "select repository "+rc.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.repo == nil {
		r.repo = repo
	}
	return r.repo, nil
}

// RepositoryChanges returns a channel that fires after the file-backed
// repository reloads, or nil for other repositories.
func (r *Runtime) RepositoryChanges(ctx context.Context) (<-chan struct{}, error) {
	r.mu.Lock()
	file := r.repoSrc
	r.mu.Unlock()
	if file == nil {
		return nil, nil
	}
	return file.Watch(ctx, 500*time.Millisecond, r.logger.With("component", "sysconfig"))
}

// Run runs services until ctx is done or one of them fails, serving
// metrics and health alongside.
func (r *Runtime) Run(ctx context.Context, services ...Service) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, svc := range services {
		g.Go(func() error {
			if err := svc.Run(ctx); err != nil {
				r.logger.Error("Service failed", "service", svc.Name(), "error", err)
				r.monitor.Update(svc.Name(), svc.Health())
				return errors.Wrap(err, "Runtime", "Run", "run "+svc.Name())
			}
			return nil
		})
	}

	g.Go(func() error {
		r.watchHealth(ctx, services)
		return nil
	})

	if r.cfg.Metrics.Enabled {
		srv := metric.NewServer(r.cfg.Metrics.Address, r.cfg.Metrics.Path, r.registry, r.monitor.Report)
		g.Go(func() error {
			r.logger.Info("Serving metrics", "address", r.cfg.Metrics.Address, "path", r.cfg.Metrics.Path)
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func (r *Runtime) watchHealth(ctx context.Context, services []Service) {
	sample := func() {
		core := r.registry.CoreMetrics()
		for _, svc := range services {
			st := svc.Health()
			r.monitor.Update(svc.Name(), st)
			core.RecordHealthStatus(svc.Name(), !st.IsUnhealthy())
		}
		r.mu.Lock()
		client := r.nats
		r.mu.Unlock()
		if client != nil {
			r.monitor.Update("nats", natsHealth(client))
		}
	}

	sample()
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

// natsHealth maps the connection state and circuit breaker to a status.
func natsHealth(client *natsclient.Client) health.Status {
	st := client.GetStatus()
	switch st.Status {
	case natsclient.StatusConnected:
		return health.NewHealthy("nats", fmt.Sprintf("connected, rtt %v", st.RTT))
	case natsclient.StatusCircuitOpen:
		return health.NewUnhealthy("nats", fmt.Sprintf("circuit open after %d failures, retry in %v",
			st.FailureCount, client.Backoff()))
	default:
		return health.NewDegraded("nats", st.Status.String())
	}
}

// Close releases the NATS connection.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	client := r.nats
	r.nats = nil
	r.mu.Unlock()
	if client == nil {
		return nil
	}
	r.monitor.Remove("nats")
	return client.Close(ctx)
}
