package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestClient is a connected Client backed by a throwaway NATS container.
type TestClient struct {
	Client    *Client
	URL       string
	container testcontainers.Container
}

type testConfig struct {
	jetstream    bool
	kvBuckets    []string
	image        string
	timeout      time.Duration
	startTimeout time.Duration
}

// TestOption configures the test container.
type TestOption func(*testConfig)

// WithJetStream starts the server with JetStream enabled.
func WithJetStream() TestOption {
	return func(cfg *testConfig) { cfg.jetstream = true }
}

// WithKVBuckets pre-creates KV buckets.
func WithKVBuckets(buckets ...string) TestOption {
	return func(cfg *testConfig) {
		cfg.jetstream = true
		cfg.kvBuckets = append(cfg.kvBuckets, buckets...)
	}
}

// WithImage selects the NATS image.
func WithImage(image string) TestOption {
	return func(cfg *testConfig) { cfg.image = image }
}

// StartTestClient starts a container and connects to it. Call Terminate
// when done; NewTestClient does that automatically.
func StartTestClient(ctx context.Context, opts ...TestOption) (*TestClient, error) {
	cfg := &testConfig{
		image:        "nats:2.11.7-alpine",
		timeout:      5 * time.Second,
		startTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	args := []string{"--port", "4222", "--http_port", "8222"}
	if cfg.jetstream {
		args = append(args, "--js")
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.image,
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          args,
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(cfg.startTimeout),
			),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("start NATS container: %w", err)
	}

	tc := &TestClient{container: container}
	fail := func(err error) (*TestClient, error) {
		_ = tc.Terminate()
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		return fail(fmt.Errorf("container host: %w", err))
	}
	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		return fail(fmt.Errorf("mapped port: %w", err))
	}
	tc.URL = fmt.Sprintf("nats://%s:%s", host, port.Port())

	tc.Client, err = NewClient(tc.URL,
		WithTimeout(cfg.timeout),
		WithMaxReconnects(0),
		WithHealthInterval(0),
	)
	if err != nil {
		return fail(err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	if err := tc.Client.Connect(connectCtx); err != nil {
		return fail(fmt.Errorf("connect: %w", err))
	}

	for _, bucket := range cfg.kvBuckets {
		if _, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: bucket}); err != nil {
			return fail(fmt.Errorf("create KV bucket %s: %w", bucket, err))
		}
	}
	return tc, nil
}

// NewTestClient starts a container for the duration of t.
func NewTestClient(t testing.TB, opts ...TestOption) *TestClient {
	t.Helper()
	tc, err := StartTestClient(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NATS test client: %v", err)
	}
	t.Cleanup(func() { _ = tc.Terminate() })
	return tc
}

// Terminate closes the client and removes the container.
func (tc *TestClient) Terminate() error {
	ctx := context.Background()
	if tc.Client != nil {
		_ = tc.Client.Close(ctx)
	}
	if tc.container == nil {
		return nil
	}
	err := tc.container.Terminate(ctx)
	tc.container = nil
	return err
}
