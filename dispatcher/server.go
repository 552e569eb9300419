package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/worker"
)

// Configuration keys read by the rendezvous server.
const (
	KeyWellKnownPort   = "connection-manager-well-known-port"
	KeyBindRetries     = "bind-retries"
	KeyBindInitialWait = "bind-initial-wait"
)

// ServerConfig configures the rendezvous listener.
type ServerConfig struct {
	// Address is the host:port to listen on.
	Address         string
	BindRetries     int
	BindInitialWait time.Duration
	// ConnTimeout bounds one request/response exchange.
	ConnTimeout time.Duration
	Workers     int
	QueueSize   int
}

func (c *ServerConfig) applyDefaults() {
	if c.BindInitialWait <= 0 {
		c.BindInitialWait = time.Second
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = 10 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// BindPolicy returns the policy for binding the listener: the first attempt
// plus retries, doubling from initialWait.
func BindPolicy(retries int, initialWait time.Duration) (retry.Policy, error) {
	if retries < 0 {
		return retry.Policy{}, fmt.Errorf("%w: bind retries %d is negative", errors.ErrInvalidPolicy, retries)
	}
	return retry.NewPolicy(int64(initialWait), int64(initialWait)*16, time.Nanosecond, retries+1)
}

// ListenFunc opens the listener.
type ListenFunc func(ctx context.Context, network, address string) (net.Listener, error)

// Server accepts station connections and answers each with one dispatch
// decision.
type Server struct {
	dispatcher *Dispatcher
	codec      FrameCodec
	cfg        ServerConfig
	logger     *slog.Logger
	registry   metric.MetricsRegistrar
	listen     ListenFunc

	pool *worker.Pool[net.Conn]

	mu       sync.Mutex
	listener net.Listener

	served atomic.Int64
	failed atomic.Int64
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCodec replaces the default CBOR framing.
func WithCodec(c FrameCodec) ServerOption {
	return func(s *Server) { s.codec = c }
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithServerMetrics registers the connection pool metrics.
func WithServerMetrics(registry metric.MetricsRegistrar) ServerOption {
	return func(s *Server) { s.registry = registry }
}

// WithListenFunc replaces net.ListenConfig.Listen.
func WithListenFunc(fn ListenFunc) ServerOption {
	return func(s *Server) { s.listen = fn }
}

// NewServer creates a rendezvous server for d.
func NewServer(d *Dispatcher, cfg ServerConfig, opts ...ServerOption) (*Server, error) {
	if d == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "check dispatcher")
	}
	cfg.applyDefaults()

	var lc net.ListenConfig
	s := &Server{
		dispatcher: d,
		codec:      CBORCodec{},
		cfg:        cfg,
		logger:     slog.Default().With("component", "rendezvous"),
		listen:     lc.Listen,
	}
	for _, opt := range opts {
		opt(s)
	}

	poolOpts := []worker.Option[net.Conn]{
		worker.WithErrorHandler(func(conn net.Conn, err error) {
			s.failed.Add(1)
			s.logger.Debug("Station exchange failed", "remote", conn.RemoteAddr(), "error", err)
		}),
	}
	if s.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[net.Conn](s.registry, "rendezvous"))
	}
	pool, err := worker.NewPool(cfg.Workers, cfg.QueueSize, s.handle, poolOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "NewServer", "create connection pool")
	}
	s.pool = pool
	return s, nil
}

// Listen binds the listener, retrying with the bind policy. Exhausting the
// retries is fatal.
func (s *Server) Listen(ctx context.Context) error {
	policy, err := BindPolicy(s.cfg.BindRetries, s.cfg.BindInitialWait)
	if err != nil {
		return errors.WrapInvalid(err, "Server", "Listen", "build bind policy")
	}

	ln, err := retry.DoWithResult(ctx, policy, func() (net.Listener, error) {
		return s.listen(ctx, "tcp", s.cfg.Address)
	}, retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		s.logger.Warn("Bind failed, retrying", "address", s.cfg.Address,
			"attempt", attempt, "error", err, "retry_in", delay)
	}))
	if err != nil {
		return errors.WrapFatal(err, "Server", "Listen", "bind "+s.cfg.Address)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("Rendezvous server listening", "address", ln.Addr().String())
	return nil
}

// Serve accepts connections until ctx is done, then waits for in-flight
// exchanges to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Server", "Serve", "serve before listen")
	}

	// Queued connections are drained after shutdown; each is bounded by its deadline.
	if err := s.pool.Start(context.WithoutCancel(ctx)); err != nil {
		return errors.Wrap(err, "Server", "Serve", "start connection pool")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Warn("Accept failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		if err := s.pool.Submit(conn); err != nil {
			s.failed.Add(1)
			s.logger.Warn("Rejecting station connection", "remote", conn.RemoteAddr(), "error", err)
			conn.Close()
		}
	}

	if err := s.pool.Stop(s.cfg.ConnTimeout); err != nil {
		return errors.Wrap(err, "Server", "Serve", "drain connections")
	}
	s.logger.Info("Rendezvous server stopped", "served", s.served.Load())
	return nil
}

// ListenAndServe binds then serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Served returns the number of completed exchanges and failed ones.
func (s *Server) Served() (served, failed int64) {
	return s.served.Load(), s.failed.Load()
}

func (s *Server) handle(_ context.Context, conn net.Conn) error {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(s.cfg.ConnTimeout)); err != nil {
		return errors.WrapTransient(err, "Server", "handle", "set deadline")
	}

	req, err := s.codec.ReadRequest(conn)
	if err != nil {
		return err
	}

	decision, dispatchErr := s.dispatcher.Dispatch(req)
	if err := s.codec.WriteResponse(conn, NewResponse(req, decision, dispatchErr)); err != nil {
		return err
	}

	s.served.Add(1)
	if dispatchErr == nil {
		s.logger.Debug("Station redirected", "station", req.StationName,
			"endpoint", decision.AddrPort().String())
	}
	return nil
}
