package dispatcher

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/pkg/retry"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/resolver"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/station"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/sysconfig"
)

type fakeDNS struct {
	mu    sync.Mutex
	calls int
	hosts map[string]netip.Addr
	err   error
}

func (f *fakeDNS) lookup(_ context.Context, host string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	addr, ok := f.hosts[host]
	if !ok {
		return nil, nil
	}
	return []netip.Addr{addr}, nil
}

func (f *fakeDNS) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeDNS) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type mutableSource struct {
	mu     sync.Mutex
	params []station.Parameters
	err    error
}

func (s *mutableSource) Load(context.Context) ([]station.Parameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params, s.err
}

func (s *mutableSource) set(params []station.Parameters, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params, s.err = params, err
}

var quick = retry.MustPolicy(1, 2, time.Millisecond, 1)

func scenarioParams() []station.Parameters {
	return []station.Parameters{
		{StationName: "ASAR", Port: 8155, Acquired: true},
		{StationName: "PDAR", Port: 8200, Acquired: false},
		{StationName: "TXAR", Port: 8157, Acquired: true, FrameProcessingDisabled: true},
	}
}

type fixture struct {
	dispatcher *Dispatcher
	source     *mutableSource
	dns        *fakeDNS
	repo       *sysconfig.MapRepository
	registry   *metric.MetricsRegistry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		source: &mutableSource{params: scenarioParams()},
		dns: &fakeDNS{hosts: map[string]netip.Addr{
			"dm.example": netip.MustParseAddr("10.0.0.5"),
		}},
		repo: sysconfig.NewMapRepository(map[string]string{
			resolver.DataManagerKey:  "dm.example",
			resolver.DataProviderKey: "10.0.0.6",
		}),
		registry: metric.NewMetricsRegistry(),
	}

	store := station.NewStore(f.source, station.WithPolicy(quick))
	res := resolver.New(f.repo, resolver.WithLookup(f.dns.lookup))

	d, err := New(store, res, WithPolicy(quick), WithMetricsRegistry(f.registry))
	require.NoError(t, err)
	f.dispatcher = d
	return f
}

func TestDispatch_Scenario(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Load(t.Context()))
	callsAfterLoad := f.dns.Calls()

	decision, err := f.dispatcher.Dispatch(Request{StationName: "ASAR"})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), decision.Address)
	assert.Equal(t, 8155, decision.Port)
	assert.Equal(t, "10.0.0.5:8155", decision.AddrPort().String())

	_, err = f.dispatcher.Dispatch(Request{StationName: "PDAR"})
	assert.ErrorIs(t, err, errors.ErrAcquisitionDisabled)
	assert.True(t, errors.IsRejection(err))

	_, err = f.dispatcher.Dispatch(Request{StationName: "UNKNOWN"})
	assert.ErrorIs(t, err, errors.ErrUnknownStation)
	assert.Contains(t, err.Error(), "UNKNOWN")

	assert.Equal(t, callsAfterLoad, f.dns.Calls(), "dispatch never resolves")

	stats := f.dispatcher.Stats()
	assert.Equal(t, int64(1), stats.Accepted)
	assert.Equal(t, int64(1), stats.AcquisitionDisabled)
	assert.Equal(t, int64(1), stats.UnknownStation)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.dispatcher.decisions.WithLabelValues(OutcomeUnknownStation)))
}

func TestDispatch_Deterministic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Load(t.Context()))

	first, err := f.dispatcher.Dispatch(Request{StationName: "TXAR"})
	require.NoError(t, err)
	assert.True(t, first.FrameProcessingDisabled)

	for i := 0; i < 10; i++ {
		again, err := f.dispatcher.Dispatch(Request{StationName: "TXAR"})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDispatch_BeforeLoad(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Dispatch(Request{StationName: "ASAR"})
	assert.ErrorIs(t, err, errors.ErrNotStarted)
	assert.False(t, f.dispatcher.Ready())
}

func TestLoad_UnresolvableAddressIsFatal(t *testing.T) {
	f := newFixture(t)
	f.repo.Delete(resolver.DataProviderKey)

	err := f.dispatcher.Load(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrUnresolvableHost)
	assert.Contains(t, err.Error(), resolver.DataProviderKey)
	assert.False(t, f.dispatcher.Ready())
}

func TestLoad_StationSourceFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.source.set(nil, errors.ErrConfigUnavailable)

	err := f.dispatcher.Load(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRefresh_PicksUpNewTable(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Load(t.Context()))

	f.source.set([]station.Parameters{
		{StationName: "ASAR", Port: 9000, Acquired: true},
		{StationName: "PDAR", Port: 8200, Acquired: true},
	}, nil)
	require.NoError(t, f.dispatcher.Refresh(t.Context()))

	decision, err := f.dispatcher.Dispatch(Request{StationName: "ASAR"})
	require.NoError(t, err)
	assert.Equal(t, 9000, decision.Port)

	decision, err = f.dispatcher.Dispatch(Request{StationName: "PDAR"})
	require.NoError(t, err)
	assert.Equal(t, 8200, decision.Port)

	_, err = f.dispatcher.Dispatch(Request{StationName: "TXAR"})
	assert.ErrorIs(t, err, errors.ErrUnknownStation)
}

func TestRefresh_KeepsPreviousOnFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Load(t.Context()))

	f.source.set(nil, errors.ErrConfigUnavailable)
	f.dns.fail(errors.New("no such host"))

	err := f.dispatcher.Refresh(t.Context())
	require.Error(t, err)

	decision, err := f.dispatcher.Dispatch(Request{StationName: "ASAR"})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.5"), decision.Address)
	assert.Equal(t, 8155, decision.Port)
	assert.Equal(t, int64(1), f.dispatcher.Stats().RefreshFailures)
}

func TestRefresh_AddressChange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Load(t.Context()))

	f.repo.Set(resolver.DataManagerKey, "10.1.1.1")
	require.NoError(t, f.dispatcher.Refresh(t.Context()))

	decision, err := f.dispatcher.Dispatch(Request{StationName: "ASAR"})
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.1.1.1"), decision.Address)
	assert.Equal(t, netip.MustParseAddr("10.1.1.1"), f.dispatcher.Addresses()[resolver.DataManagerKey])
}

func TestRefresh_BeforeLoad(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.dispatcher.Refresh(t.Context()), errors.ErrNotStarted)
}

func TestRun_TriggeredRefresh(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dispatcher.Load(t.Context()))

	ctx, cancel := context.WithCancel(t.Context())
	triggers := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx, time.Hour, triggers) }()

	f.source.set([]station.Parameters{{StationName: "NEW", Port: 7000, Acquired: true}}, nil)
	triggers <- struct{}{}

	require.Eventually(t, func() bool {
		_, err := f.dispatcher.Dispatch(Request{StationName: "NEW"})
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestNew_Validation(t *testing.T) {
	store := station.NewStore(station.StaticSource(nil))
	_, err := New(nil, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = New(store, resolver.New(sysconfig.NewMapRepository(nil)), WithConsumerKey(""))
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestWithAddressKeys_CopiesCallerSlice(t *testing.T) {
	store := station.NewStore(station.StaticSource(nil))
	backing := make([]string, 1, 4)
	backing[0] = resolver.DataProviderKey
	spare := backing[:2]
	spare[1] = "untouched"

	_, err := New(store, resolver.New(sysconfig.NewMapRepository(nil)), WithAddressKeys(backing...))
	require.NoError(t, err)
	assert.Equal(t, []string{resolver.DataProviderKey, "untouched"}, spare)
}

func TestNewResponse(t *testing.T) {
	req := Request{StationName: "ASAR"}
	ok := NewResponse(req, Decision{Address: netip.MustParseAddr("10.0.0.5"), Port: 8155}, nil)
	assert.True(t, ok.Accepted)
	assert.Equal(t, "10.0.0.5", ok.Address)

	rejected := NewResponse(req, Decision{}, errors.ErrAcquisitionDisabled)
	assert.False(t, rejected.Accepted)
	assert.Equal(t, OutcomeAcquisitionDisabled, rejected.Reason)
	assert.Empty(t, rejected.Address)

	assert.Equal(t, OutcomeError, NewResponse(req, Decision{}, errors.ErrNotStarted).Reason)
}
