package service

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/config"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/dispatcher"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/health"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/metric"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/records"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/resolver"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/station"
)

func testConfig(values map[string]string) *config.Config {
	cfg := config.Defaults()
	cfg.Metrics.Enabled = false
	cfg.ConfigRepository = config.RepositoryConfig{Type: config.RepositoryMemory, Values: values}
	cfg.Dispatcher.Stations = config.StationSourceConfig{
		Type: config.StationsStatic,
		Stations: []station.Parameters{
			{StationName: "ASAR", Port: 8155, Acquired: true},
			{StationName: "PDAR", Port: 8200, Acquired: false},
		},
	}
	return cfg
}

func dispatcherValues() map[string]string {
	return map[string]string{
		dispatcher.KeyWellKnownPort: "0",
		resolver.DataManagerKey:     "127.0.0.1",
		resolver.DataProviderKey:    "127.0.0.2",
	}
}

func TestBaseService_Lifecycle(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s := NewBaseService("sampler", nil, registry)

	assert.Equal(t, "sampler", s.Name())
	assert.Equal(t, StatusStopped, s.Status())
	assert.True(t, s.Health().IsUnhealthy())
	assert.Zero(t, s.Info().Uptime)

	s.setStatus(StatusStarting)
	assert.True(t, s.Health().IsDegraded())

	s.setStatus(StatusRunning)
	assert.True(t, s.Health().IsHealthy())
	info := s.Info()
	assert.Equal(t, "running", info.Status)
	assert.False(t, info.StartTime.IsZero())

	s.setStatus(StatusStopping)
	assert.True(t, s.Health().IsDegraded())
	assert.Equal(t, "unknown", Status(42).String())
}

func TestRuntime_MemoryRepository(t *testing.T) {
	rt := NewRuntime(testConfig(map[string]string{"k": "v"}), nil)
	assert.NotEmpty(t, rt.InstanceID())

	repo, err := rt.Repository(t.Context())
	require.NoError(t, err)
	v, ok, err := repo.Lookup(t.Context(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	again, err := rt.Repository(t.Context())
	require.NoError(t, err)
	assert.Same(t, repo, again)

	ch, err := rt.RepositoryChanges(t.Context())
	require.NoError(t, err)
	assert.Nil(t, ch)
	assert.NoError(t, rt.Close(t.Context()))
}

func TestRuntime_UnknownRepository(t *testing.T) {
	cfg := testConfig(nil)
	cfg.ConfigRepository.Type = "etcd"
	rt := NewRuntime(cfg, nil)

	_, err := rt.Repository(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

type stubService struct {
	name   string
	status health.Status
	err    error
}

func (s *stubService) Name() string          { return s.name }
func (s *stubService) Health() health.Status { return s.status }
func (s *stubService) Run(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}
	<-ctx.Done()
	return nil
}

func TestRuntime_Run(t *testing.T) {
	rt := NewRuntime(testConfig(nil), nil, WithHealthInterval(10*time.Millisecond))
	svc := &stubService{name: "stub", status: health.NewHealthy("stub", "ok")}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx, svc) }()

	require.Eventually(t, func() bool {
		st, ok := rt.Monitor().Get("stub")
		return ok && st.IsHealthy()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRuntime_RunStopsOnFailure(t *testing.T) {
	rt := NewRuntime(testConfig(nil), nil)
	healthy := &stubService{name: "healthy", status: health.NewHealthy("healthy", "ok")}
	broken := &stubService{name: "broken", err: errors.ErrStorageUnavailable}

	err := rt.Run(t.Context(), healthy, broken)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "run broken")
}

func exchange(t *testing.T, addr net.Addr, name string) dispatcher.Response {
	t.Helper()
	_, port, err := net.SplitHostPort(addr.String())
	require.NoError(t, err)
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", port))
	require.NoError(t, err)
	defer conn.Close()

	c := dispatcher.CBORCodec{}
	require.NoError(t, c.WriteRequest(conn, dispatcher.Request{StationName: name}))
	resp, err := c.ReadResponse(conn)
	require.NoError(t, err)
	return resp
}

func TestDispatcherService_EndToEnd(t *testing.T) {
	rt := NewRuntime(testConfig(dispatcherValues()), nil)
	svc, err := NewDispatcherService(t.Context(), rt)
	require.NoError(t, err)
	assert.True(t, svc.Health().IsUnhealthy(), "stopped before Run")

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc.Status() == StatusRunning && svc.Addr() != nil
	}, 5*time.Second, 10*time.Millisecond)

	asar := exchange(t, svc.Addr(), "ASAR")
	assert.True(t, asar.Accepted)
	assert.Equal(t, "127.0.0.1", asar.Address)
	assert.Equal(t, 8155, asar.Port)

	pdar := exchange(t, svc.Addr(), "PDAR")
	assert.False(t, pdar.Accepted)
	assert.Equal(t, dispatcher.OutcomeAcquisitionDisabled, pdar.Reason)

	unknown := exchange(t, svc.Addr(), "KURK")
	assert.False(t, unknown.Accepted)
	assert.Equal(t, dispatcher.OutcomeUnknownStation, unknown.Reason)

	st := svc.Health()
	assert.True(t, st.IsHealthy())
	require.NotNil(t, st.Metrics)

	assert.ErrorIs(t, svc.Run(ctx), errors.ErrAlreadyStarted)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StatusStopped, svc.Status())
}

func TestDispatcherService_MissingPort(t *testing.T) {
	values := dispatcherValues()
	delete(values, dispatcher.KeyWellKnownPort)
	rt := NewRuntime(testConfig(values), nil)

	_, err := NewDispatcherService(t.Context(), rt)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestDispatcherService_UnresolvableConsumerIsFatal(t *testing.T) {
	values := dispatcherValues()
	delete(values, resolver.DataManagerKey)
	values["connman.retry-initial-delay"] = "1"
	values["connman.retry-max-delay"] = "1"
	values["connman.retry-delay-units"] = "MILLISECONDS"
	values["connman.retry-max-attempts"] = "2"
	rt := NewRuntime(testConfig(values), nil)

	svc, err := NewDispatcherService(t.Context(), rt)
	require.NoError(t, err)

	err = svc.Run(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.ErrorIs(t, err, errors.ErrUnresolvableHost)
	assert.Nil(t, svc.Addr(), "listener must not bind without routing data")

	assert.ErrorIs(t, svc.Err(), errors.ErrUnresolvableHost)
	st := svc.Health()
	assert.True(t, st.IsUnhealthy())
	assert.NotEqual(t, "Service is stopped", st.Message, "health carries the run error")
}

func TestDispatcherService_PartialRetryConfig(t *testing.T) {
	values := dispatcherValues()
	values["connman.retry-initial-delay"] = "1"
	rt := NewRuntime(testConfig(values), nil)

	_, err := NewDispatcherService(t.Context(), rt)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestDispatcherService_BadStationSource(t *testing.T) {
	cfg := testConfig(dispatcherValues())
	cfg.Dispatcher.Stations.Type = "ldap"
	rt := NewRuntime(cfg, nil)

	_, err := NewDispatcherService(t.Context(), rt)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestMerge(t *testing.T) {
	assert.Nil(t, merge(t.Context()))

	single := make(chan struct{})
	assert.Equal(t, (<-chan struct{})(single), merge(t.Context(), single))

	a, b := make(chan struct{}, 1), make(chan struct{}, 1)
	out := merge(t.Context(), a, b)
	b <- struct{}{}
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatal("no merged trigger")
	}

	close(a)
	close(b)
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-out:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestNewConsumerService_Validation(t *testing.T) {
	enabled := func(mutate func(*config.ConsumerConfig)) *config.Config {
		cfg := testConfig(nil)
		cc := cfg.Consumers[string(records.KindStationSOH)]
		cc.Enabled = true
		cc.Path = t.TempDir() + "/soh.db"
		mutate(&cc)
		cfg.Consumers[string(records.KindStationSOH)] = cc
		return cfg
	}

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewConsumerService(t.Context(), NewRuntime(testConfig(nil), nil), "waveform")
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	})

	t.Run("disabled kind", func(t *testing.T) {
		svc, err := NewConsumerService(t.Context(), NewRuntime(testConfig(nil), nil), records.KindStationSOH)
		assert.ErrorIs(t, err, errors.ErrMissingConfig)
		assert.Nil(t, svc)
	})

	t.Run("unknown codec", func(t *testing.T) {
		cfg := enabled(func(cc *config.ConsumerConfig) { cc.Codec = "avro" })
		_, err := NewConsumerService(t.Context(), NewRuntime(cfg, nil), records.KindStationSOH)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	})

	t.Run("unknown backend", func(t *testing.T) {
		cfg := enabled(func(cc *config.ConsumerConfig) { cc.Backend = "sqlite" })
		_, err := NewConsumerService(t.Context(), NewRuntime(cfg, nil), records.KindStationSOH)
		assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	})

	t.Run("bounded policy", func(t *testing.T) {
		cfg := enabled(func(*config.ConsumerConfig) {})
		cfg.ConfigRepository.Values = map[string]string{
			"station-soh-consumer.retry-initial-delay": "1",
			"station-soh-consumer.retry-max-delay":     "10",
			"station-soh-consumer.retry-delay-units":   "SECONDS",
			"station-soh-consumer.retry-max-attempts":  "3",
		}
		_, err := NewConsumerService(t.Context(), NewRuntime(cfg, nil), records.KindStationSOH)
		assert.ErrorIs(t, err, errors.ErrInvalidPolicy)
		assert.True(t, errors.IsInvalid(err))
	})
}

func TestConsumerNames(t *testing.T) {
	assert.Equal(t, "deadletter.station-soh", DeadLetterSubject(records.KindStationSOH))
	assert.Equal(t, "system-message-consumer", ConsumerComponent(records.KindSystemMessage))
}

func TestStreamConfig(t *testing.T) {
	cc, ok := config.Defaults().Consumer(records.KindStationSOH)
	require.True(t, ok)
	sc := StreamConfig(cc)
	assert.Equal(t, "STATION_SOH", sc.Name)
	assert.Equal(t, []string{"records.station-soh.>"}, sc.Subjects)

	dl := DeadLetterStreamConfig(cc, records.KindStationSOH)
	assert.Equal(t, "STATION_SOH_DEADLETTER", dl.Name)
	assert.Equal(t, []string{"deadletter.station-soh"}, dl.Subjects)
	assert.NotZero(t, dl.MaxAge)
	for _, subject := range sc.Subjects {
		assert.NotContains(t, dl.Subjects, subject, "dead letters stay out of the record stream")
	}
}

func TestRuntime_NATSBadTLS(t *testing.T) {
	cfg := testConfig(nil)
	cfg.NATS.TLS.CAFiles = []string{"/nonexistent/ca.pem"}
	rt := NewRuntime(cfg, nil)

	_, err := rt.NATS(t.Context())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
