// Package dispatcher answers station connection requests with the data
// consumer endpoint each station must use.
//
// Decisions are served from an in-memory snapshot of the station table and
// the resolved consumer addresses. Nothing is resolved on the request path;
// Refresh rebuilds the snapshot and swaps it atomically.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/resolver"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/station"
)

// Decision outcomes, used as the metric label.
const (
	OutcomeAccepted            = "accepted"
	OutcomeUnknownStation      = "unknown_station"
	OutcomeAcquisitionDisabled = "acquisition_disabled"
	OutcomeError               = "error"
)

// Request is a station's connection request.
type Request struct {
	StationName string `cbor:"station_name" json:"station_name"`
}

// Decision is the endpoint a station is redirected to.
type Decision struct {
	Address                 netip.Addr
	Port                    int
	FrameProcessingDisabled bool
}

// AddrPort returns the decision as a dialable address.
func (d Decision) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(d.Address, uint16(d.Port))
}

// AddressResolver builds the address map for a set of configuration keys.
type AddressResolver interface {
	BuildAddressMap(ctx context.Context, keys []string) (resolver.AddressMap, error)
}

// snapshot pairs a station table with the addresses resolved alongside it
// so a decision never mixes two refreshes.
type snapshot struct {
	table *station.Table
	addrs resolver.AddressMap
}

// Stats counts dispatch outcomes.
type Stats struct {
	Accepted            int64 `json:"accepted"`
	UnknownStation      int64 `json:"unknown_station"`
	AcquisitionDisabled int64 `json:"acquisition_disabled"`
	Errors              int64 `json:"errors"`
	Refreshes           int64 `json:"refreshes"`
	RefreshFailures     int64 `json:"refresh_failures"`
}

// Dispatcher makes dispatch decisions.
type Dispatcher struct {
	store       *station.Store
	resolver    AddressResolver
	consumerKey string
	addressKeys []string
	policy      retry.Policy
	logger      *slog.Logger

	current atomic.Pointer[snapshot]
	// serializes Load and Refresh
	refreshMu sync.Mutex

	rejectLimiter *rate.Limiter
	suppressed    atomic.Int64

	accepted        atomic.Int64
	unknown         atomic.Int64
	disabled        atomic.Int64
	failed          atomic.Int64
	refreshes       atomic.Int64
	refreshFailures atomic.Int64

	registry  metric.MetricsRegistrar
	decisions *prometheus.CounterVec
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConsumerKey sets the address key stations are redirected to.
func WithConsumerKey(key string) Option {
	return func(d *Dispatcher) { d.consumerKey = key }
}

// WithAddressKeys sets the keys resolved on every refresh. The consumer key
// is always included.
func WithAddressKeys(keys ...string) Option {
	return func(d *Dispatcher) { d.addressKeys = slices.Clone(keys) }
}

// WithPolicy sets the retry policy used while resolving addresses.
func WithPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) { d.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRejectionLogLimit throttles rejection log lines. Rejected stations
// typically retry in a tight loop.
func WithRejectionLogLimit(limit rate.Limit, burst int) Option {
	return func(d *Dispatcher) { d.rejectLimiter = rate.NewLimiter(limit, burst) }
}

// WithMetricsRegistry registers the decision counter.
func WithMetricsRegistry(registry metric.MetricsRegistrar) Option {
	return func(d *Dispatcher) { d.registry = registry }
}

// New creates a Dispatcher over store and res. Load must succeed before
// Dispatch returns decisions.
func New(store *station.Store, res AddressResolver, opts ...Option) (*Dispatcher, error) {
	if store == nil || res == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "check collaborators")
	}

	d := &Dispatcher{
		store:         store,
		resolver:      res,
		consumerKey:   resolver.DataManagerKey,
		addressKeys:   []string{resolver.DataManagerKey, resolver.DataProviderKey},
		policy:        retry.Persistent(),
		logger:        slog.Default().With("component", "dispatcher"),
		rejectLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.consumerKey == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Dispatcher", "New", "check consumer key")
	}
	d.addressKeys = append(d.addressKeys, d.consumerKey)

	if d.registry != nil {
		d.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatcher",
			Name:      "decisions_total",
			Help:      "Dispatch decisions by outcome",
		}, []string{"outcome"})
		if err := d.registry.RegisterCounterVec("dispatcher", "decisions", d.decisions); err != nil {
			return nil, errors.Wrap(err, "Dispatcher", "New", "register metrics")
		}
	}
	return d, nil
}

// Load performs the startup load of station parameters and addresses. Any
// failure is fatal.
func (d *Dispatcher) Load(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	if err := d.store.Load(ctx); err != nil {
		return err
	}
	addrs, err := d.buildAddresses(ctx)
	if err != nil {
		return errors.WrapFatal(err, "Dispatcher", "Load", "resolve consumer addresses")
	}
	d.install(addrs)
	d.logger.Info("Dispatcher loaded",
		"stations", d.store.Snapshot().Len(), "consumer", addrs[d.consumerKey])
	return nil
}

// Refresh reloads station parameters and re-resolves addresses. Each half
// keeps its previous value when it fails, and the failures are returned
// joined.
func (d *Dispatcher) Refresh(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	prev := d.current.Load()
	if prev == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "Dispatcher", "Refresh", "refresh before load")
	}

	tableErr := d.store.Refresh(ctx)

	addrs, addrErr := d.buildAddresses(ctx)
	if addrErr != nil {
		d.logger.Warn("Address resolution failed, keeping previous addresses", "error", addrErr)
		addrs = prev.addrs
	}

	d.install(addrs)
	if err := errors.Join(tableErr, addrErr); err != nil {
		d.refreshFailures.Add(1)
		return errors.Wrap(err, "Dispatcher", "Refresh", "refresh routing data")
	}
	d.refreshes.Add(1)
	return nil
}

func (d *Dispatcher) install(addrs resolver.AddressMap) {
	d.current.Store(&snapshot{table: d.store.Snapshot(), addrs: addrs})
}

func (d *Dispatcher) buildAddresses(ctx context.Context) (resolver.AddressMap, error) {
	return retry.DoWithResult(ctx, d.policy, func() (resolver.AddressMap, error) {
		return d.resolver.BuildAddressMap(ctx, d.addressKeys)
	}, retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		d.logger.Warn("Address resolution failed, retrying",
			"attempt", attempt, "error", err, "retry_in", delay)
	}))
}

// Run refreshes every interval and whenever triggers fires, until ctx is
// done. Refresh failures are logged and never stop the loop.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration, triggers <-chan struct{}) error {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			d.logger.Debug("Refresh triggered by configuration change")
		}
		if err := d.Refresh(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("Dispatcher refresh failed", "error", err)
		}
	}
}

// Dispatch decides where the requesting station connects. Unknown and
// non-acquired stations are rejected with errors.ErrUnknownStation and
// errors.ErrAcquisitionDisabled.
func (d *Dispatcher) Dispatch(req Request) (Decision, error) {
	snap := d.current.Load()
	if snap == nil {
		d.record(OutcomeError)
		return Decision{}, errors.WrapTransient(errors.ErrNotStarted, "Dispatcher", "Dispatch", "read routing snapshot")
	}

	params, ok := snap.table.Lookup(req.StationName)
	if !ok {
		d.reject(req, OutcomeUnknownStation)
		return Decision{}, fmt.Errorf("%w: %s", errors.ErrUnknownStation, req.StationName)
	}
	if !params.Acquired {
		d.reject(req, OutcomeAcquisitionDisabled)
		return Decision{}, fmt.Errorf("%w: %s", errors.ErrAcquisitionDisabled, req.StationName)
	}

	addr, ok := snap.addrs[d.consumerKey]
	if !ok {
		d.record(OutcomeError)
		return Decision{}, fmt.Errorf("%w: key %q missing from address map", errors.ErrUnresolvableHost, d.consumerKey)
	}

	d.record(OutcomeAccepted)
	return Decision{
		Address:                 addr,
		Port:                    params.Port,
		FrameProcessingDisabled: params.FrameProcessingDisabled,
	}, nil
}

func (d *Dispatcher) reject(req Request, outcome string) {
	d.record(outcome)
	if !d.rejectLimiter.Allow() {
		d.suppressed.Add(1)
		return
	}
	d.logger.Warn("Rejected station connection request",
		"station", req.StationName, "reason", outcome, "suppressed", d.suppressed.Swap(0))
}

func (d *Dispatcher) record(outcome string) {
	switch outcome {
	case OutcomeAccepted:
		d.accepted.Add(1)
	case OutcomeUnknownStation:
		d.unknown.Add(1)
	case OutcomeAcquisitionDisabled:
		d.disabled.Add(1)
	default:
		d.failed.Add(1)
	}
	if d.decisions != nil {
		d.decisions.WithLabelValues(outcome).Inc()
	}
}

// Addresses returns a copy of the current address map.
func (d *Dispatcher) Addresses() resolver.AddressMap {
	snap := d.current.Load()
	if snap == nil {
		return nil
	}
	return maps.Clone(snap.addrs)
}

// Ready reports whether Load has completed.
func (d *Dispatcher) Ready() bool {
	return d.current.Load() != nil
}

// Stats returns dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted:            d.accepted.Load(),
		UnknownStation:      d.unknown.Load(),
		AcquisitionDisabled: d.disabled.Load(),
		Errors:              d.failed.Load(),
		Refreshes:           d.refreshes.Load(),
		RefreshFailures:     d.refreshFailures.Load(),
	}
}
