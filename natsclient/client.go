package natsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
)

// ConnectionStatus is the state of the bus connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = errors.New("not connected to NATS")
	ErrCircuitOpen  = fmt.Errorf("nats: %w", errors.ErrCircuitOpen)
)

// Status is a snapshot of connection health.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// Client owns one NATS connection and its JetStream context. Repeated
// failures open a circuit breaker that rejects calls until a backoff
// elapses.
type Client struct {
	url    string
	logger Logger

	status      atomic.Value // ConnectionStatus
	failures    atomic.Int32
	lastFailure atomic.Value // time.Time

	conn *nats.Conn
	js   jetstream.JetStream

	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	timeout        time.Duration
	drainTimeout   time.Duration
	healthInterval time.Duration

	username   string
	password   string
	token      string
	tlsConfig  *tls.Config
	clientName string

	core            *metric.Metrics
	jsMetrics       *jetstreamMetrics
	metricsInterval time.Duration
	metricsCancel   context.CancelFunc

	onHealthChange func(bool)
	healthDone     chan struct{}

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a disconnected client for url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           defaultLogger(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		healthInterval:   10 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		metricsInterval:  30 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	return c, nil
}

// URL returns the server URL.
func (c *Client) URL() string { return c.url }

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	if v, ok := c.status.Load().(ConnectionStatus); ok {
		return v
	}
	return StatusDisconnected
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(s)
	if c.core != nil {
		c.core.RecordNATSStatus(s == StatusConnected)
		c.core.RecordCircuitBreakerState(circuitValue(s))
	}
}

func circuitValue(s ConnectionStatus) int {
	if s == StatusCircuitOpen {
		return 1
	}
	return 0
}

// IsHealthy reports whether the connection is up.
func (c *Client) IsHealthy() bool { return c.Status() == StatusConnected }

// Backoff returns the current circuit breaker backoff.
func (c *Client) Backoff() time.Duration { return c.backoff.Load().(time.Duration) }

// GetStatus returns a status snapshot.
func (c *Client) GetStatus() Status {
	s := Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
	}
	if rtt, err := c.RTT(); err == nil {
		s.RTT = rtt
	}
	return s
}

// recordFailure counts a failure and opens the circuit once the threshold
// is reached in the current round. Each opening doubles the backoff.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	n := c.circuitFailures.Add(1)
	if n < c.circuitThreshold {
		return
	}

	current := c.Backoff()
	next := min(current*2, c.maxBackoff)

	prev := c.Status()
	if prev == StatusCircuitOpen {
		c.backoff.Store(next)
		c.circuitFailures.Store(0)
		c.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	if !c.status.CompareAndSwap(prev, StatusCircuitOpen) {
		return
	}
	c.setStatus(StatusCircuitOpen)
	c.backoff.Store(next)
	c.circuitFailures.Store(0)
	c.logger.Warn("Circuit breaker opened", "failures", n, "backoff", current)
	time.AfterFunc(current, c.halfOpen)
}

// halfOpen lets the next call try again after the backoff.
func (c *Client) halfOpen() {
	if c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected) {
		c.setStatus(StatusDisconnected)
		c.logger.Debug("Circuit breaker half-open")
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// ready returns the JetStream context when calls are allowed.
func (c *Client) ready() (jetstream.JetStream, error) {
	switch c.Status() {
	case StatusCircuitOpen:
		return nil, ErrCircuitOpen
	case StatusConnected:
	default:
		return nil, ErrNotConnected
	}
	return c.JetStream()
}

// observe feeds the circuit breaker with the outcome of a call.
func (c *Client) observe(err error, operation string) error {
	if err != nil {
		c.recordFailure()
		c.jsMetrics.recordError(operation)
		return err
	}
	c.resetCircuit()
	return nil
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server and initialises JetStream.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
	}
	if res.err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		c.recordFailure()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "initialise JetStream")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.js = js
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("Connected to NATS", "url", c.url)

	if c.healthInterval > 0 {
		c.startHealthMonitoring()
	}
	if c.jsMetrics != nil && c.metricsInterval > 0 {
		c.metricsCancel = c.jsMetrics.startPoller(context.Background(), c.metricsInterval)
	}
	c.notifyHealth(true)
	return nil
}

// Close drains the connection, bounded by ctx and the drain timeout.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Swap(true) {
		return nil
	}

	c.stopHealthMonitoring()
	if c.metricsCancel != nil {
		c.metricsCancel()
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	var err error
	if conn != nil {
		timeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(deadline))
		}

		drained := make(chan error, 1)
		go func() { drained <- conn.Drain() }()

		select {
		case derr := <-drained:
			err = errors.Wrap(derr, "Client", "Close", "drain connection")
		case <-time.After(timeout):
			err = errors.WrapTransient(fmt.Errorf("drain timeout after %v", timeout), "Client", "Close", "drain connection")
		case <-ctx.Done():
			err = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
		}
		conn.Close()
	}

	c.setStatus(StatusDisconnected)
	return err
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	rtt, err := conn.RTT()
	if err == nil && c.core != nil {
		c.core.RecordNATSRTT(rtt)
	}
	return rtt, err
}

// Conn returns the underlying connection, or nil.
func (c *Client) Conn() *nats.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// JetStream returns the JetStream context.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err := c.observe(err, "ensure_stream"); err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	c.jsMetrics.trackStream(cfg.Name, stream)
	return stream, nil
}

// PublishToStream publishes data and waits for the stream acknowledgment.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.ready()
	if err != nil {
		return err
	}
	_, err = js.Publish(ctx, subject, data)
	if err := c.observe(err, "publish"); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish to "+subject)
	}
	return nil
}

// CreateKeyValueBucket returns the bucket, creating it when missing.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}
	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		c.resetCircuit()
		return bucket, nil
	}

	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		// lost a creation race
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err := c.observe(err, "create_kv"); err != nil {
		return nil, errors.WrapTransient(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}
	c.logger.Info("KV bucket ready", "bucket", cfg.Bucket)
	return bucket, nil
}

// GetKeyValueBucket returns an existing bucket.
func (c *Client) GetKeyValueBucket(ctx context.Context, name string) (jetstream.KeyValue, error) {
	js, err := c.ready()
	if err != nil {
		return nil, err
	}
	bucket, err := js.KeyValue(ctx, name)
	if err := c.observe(err, "get_kv"); err != nil {
		return nil, errors.WrapTransient(err, "Client", "GetKeyValueBucket", "open bucket "+name)
	}
	return bucket, nil
}

func (c *Client) notifyHealth(healthy bool) {
	c.mu.RLock()
	fn := c.onHealthChange
	c.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	c.notifyHealth(false)
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.core != nil {
		c.core.RecordNATSReconnect()
	}
	c.logger.Info("NATS reconnected")
	c.notifyHealth(true)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
	c.notifyHealth(false)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS async error", "error", err)
}

func (c *Client) startHealthMonitoring() {
	c.stopHealthMonitoring()

	c.mu.Lock()
	done := make(chan struct{})
	c.healthDone = done
	interval := c.healthInterval
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		last := c.IsHealthy()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			_, err := c.RTT()
			healthy := err == nil
			switch {
			case healthy && c.Status() == StatusReconnecting:
				c.setStatus(StatusConnected)
			case !healthy && c.Status() == StatusConnected:
				c.setStatus(StatusReconnecting)
			}
			if healthy != last {
				c.notifyHealth(healthy)
			}
			last = healthy
		}
	}()
}

func (c *Client) stopHealthMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.healthDone != nil {
		close(c.healthDone)
		c.healthDone = nil
	}
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
