package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatch_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stations.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggers, err := Watch(ctx, path, 50*time.Millisecond, nil)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0o600))
	}

	select {
	case <-triggers:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a trigger after writes")
	}

	select {
	case <-triggers:
		t.Fatal("burst of writes should produce one trigger")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatch_IgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stations.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	triggers, err := Watch(ctx, path, 20*time.Millisecond, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("b"), 0o600))

	select {
	case <-triggers:
		t.Fatal("unexpected trigger for sibling file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatch_ClosesOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.yaml")

	ctx, cancel := context.WithCancel(context.Background())
	triggers, err := Watch(ctx, path, 0, nil)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-triggers:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestWatch_MissingDirectory(t *testing.T) {
	_, err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "x.yaml"), 0, nil)
	require.Error(t, err)
}
