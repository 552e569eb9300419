package main

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/config"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/dispatcher"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/records"
	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/station"
)

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := setupLogger(&buf, "warn", "text")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "service="+appName)

	_, err = setupLogger(&buf, "verbose", "json")
	assert.Error(t, err)
	_, err = setupLogger(&buf, "info", "xml")
	assert.Error(t, err)

	level, err := parseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestSelectKinds(t *testing.T) {
	cfg := config.Defaults()

	_, err := selectKinds(cfg, nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	soh := cfg.Consumers[string(records.KindStationSOH)]
	soh.Enabled = true
	cfg.Consumers[string(records.KindStationSOH)] = soh
	got, err := selectKinds(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []records.Kind{records.KindStationSOH}, got)

	got, err = selectKinds(cfg, []string{"system-message", " station-soh", "system-message"})
	require.NoError(t, err)
	assert.Equal(t, []records.Kind{records.KindSystemMessage, records.KindStationSOH}, got)

	_, err = selectKinds(cfg, []string{"waveform"})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a.yaml", "b.yaml"}, splitList(" a.yaml, ,b.yaml"))
	assert.Nil(t, splitList(""))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
platform:
  id: test-site
nats:
  password: hunter2
`), 0o600))

	out, err := execute(t, "validate", "--config", path, "--log-format", "text")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "test-site"`)
	assert.NotContains(t, out, "hunter2")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("config_repository:\n  type: etcd\n"), 0o600))
	_, err = execute(t, "validate", "--config", bad)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, appName+" version")
}

func TestConsumeRejectsUnknownKind(t *testing.T) {
	_, err := execute(t, "consume", "--kind", "waveform")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestQuery(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		c := dispatcher.CBORCodec{}
		req, err := c.ReadRequest(conn)
		if err != nil {
			return
		}
		_ = c.WriteResponse(conn, dispatcher.Response{
			StationName: req.StationName,
			Accepted:    true,
			Address:     "10.0.0.5",
			Port:        8155,
		})
	}()

	resp, err := query(context.Background(), ln.Addr().String(), 2*time.Second, "ASAR")
	require.NoError(t, err)
	assert.True(t, resp.Accepted)
	assert.Equal(t, "ASAR", resp.StationName)
	assert.Equal(t, 8155, resp.Port)

	_, err = query(context.Background(), "127.0.0.1:1", 200*time.Millisecond, "ASAR")
	assert.True(t, errors.IsTransient(err))
}

func TestBucketName(t *testing.T) {
	cfg := config.Defaults()
	cfg.Dispatcher.Stations.Bucket = ""

	_, err := bucketName(cfg, "")
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	cfg.Dispatcher.Stations.Bucket = "stations"
	got, err := bucketName(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "stations", got)

	got, err = bucketName(cfg, "lab-stations")
	require.NoError(t, err)
	assert.Equal(t, "lab-stations", got)
}

func TestApplyChanges(t *testing.T) {
	cur := station.Parameters{StationName: "ASAR", Port: 8155, Acquired: true}
	set := station.Parameters{Port: 9000, Acquired: false, FrameProcessingDisabled: true}

	applyChanges(&cur, set, func(name string) bool { return name == "acquired" })
	assert.Equal(t, station.Parameters{StationName: "ASAR", Port: 8155}, cur)

	applyChanges(&cur, set, func(string) bool { return true })
	assert.Equal(t, station.Parameters{StationName: "ASAR", Port: 9000, FrameProcessingDisabled: true}, cur)
}

func TestStationsCommand_ValidatesBeforeConnecting(t *testing.T) {
	_, err := execute(t, "stations", "put", "ASAR")
	assert.Error(t, err, "port is required")

	path := filepath.Join(t.TempDir(), "stations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
stations:
  - station_name: ASAR
    port: 8155
  - station_name: ASAR
    port: 8156
`), 0o600))
	_, err = execute(t, "stations", "import", path, "--bucket", "stations")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = execute(t, "stations", "import", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsInvalid(err))
}
