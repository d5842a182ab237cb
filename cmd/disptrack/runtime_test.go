package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"disptrack/internal/config"
	"disptrack/internal/imu"
	"disptrack/internal/sample"
	"disptrack/internal/session"
	"disptrack/internal/sim"
	"disptrack/internal/web"
)

type fakeDevice struct{ closed atomic.Bool }

func (d *fakeDevice) Poll() (accel, gyro r3.Vector, err error) {
	return r3.Vector{Z: 9.80665}, r3.Vector{}, nil
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func testConfig(t *testing.T, yaml string) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return cfg
}

// writeSimTrace records the built-in walk to a trace file.
func writeSimTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "walk.trace")
	start := time.Unix(1_700_000_000, 0)
	w, err := sample.CreateWriter(path, start)
	require.NoError(t, err)
	sim.Generate(sim.DefaultScript(), start, w)
	require.NoError(t, w.Close())
	return path
}

func testDeps(openIMU func(int, uint16) (pollDevice, error)) feedDeps {
	d := defaultFeedDeps(clock.New(), zap.NewNop().Sugar(), web.NewStatus())
	if openIMU != nil {
		d.openIMU = openIMU
	}
	return d
}

func sourcesByName(st *web.Status) map[string]web.SourceStatus {
	out := map[string]web.SourceStatus{}
	for _, s := range st.Snapshot(time.Time{}, nil, nil).Sources {
		out[s.Name] = s
	}
	return out
}

func TestBuildFeeds_SharedTraceServesBothInputs(t *testing.T) {
	path := writeSimTrace(t)
	cfg := testConfig(t, "imu: {source: trace}\ngps: {source: trace}\ntrace: {replay_path: "+path+"}\n")

	feeds, caps, err := buildFeeds(cfg, testDeps(nil))
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, "imu+gps", feeds[0].name)
	assert.Equal(t, session.Capabilities{Accel: true, Gyro: true, Location: true}, caps)
}

func TestBuildFeeds_MissingTraceIsAnError(t *testing.T) {
	cfg := testConfig(t, "imu: {source: trace}\ntrace: {replay_path: /nonexistent/walk.trace}\n")
	_, _, err := buildFeeds(cfg, testDeps(nil))
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "trace.replay_path: "), err.Error())
}

func TestBuildFeeds_IMUFailureIsReportedNotFatal(t *testing.T) {
	cfg := testConfig(t, "imu: {source: icm20948}\n")
	d := testDeps(func(int, uint16) (pollDevice, error) {
		return nil, imu.ErrNotDetected
	})

	feeds, caps, err := buildFeeds(cfg, d)
	require.NoError(t, err)
	assert.Empty(t, feeds)
	assert.Equal(t, session.Capabilities{}, caps)

	src := sourcesByName(d.status)
	assert.Equal(t, web.SourceFailed, src["imu"].State)
	assert.Equal(t, "imu: not detected", src["imu"].Error)
	assert.Equal(t, web.SourceDisabled, src["gps"].State)
}

func TestBuildFeeds_DeviceAndGPSD(t *testing.T) {
	dev := &fakeDevice{}
	var gotBus int
	var gotAddr uint16
	cfg := testConfig(t, "imu: {i2c_bus: 3, addr: 0x69}\ngps: {source: gpsd}\n")
	d := testDeps(func(bus int, addr uint16) (pollDevice, error) {
		gotBus, gotAddr = bus, addr
		return dev, nil
	})

	feeds, caps, err := buildFeeds(cfg, d)
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, 3, gotBus)
	assert.Equal(t, uint16(0x69), gotAddr)
	assert.Equal(t, session.Capabilities{Accel: true, Gyro: true, Location: true}, caps)

	require.NoError(t, closeFeeds(feeds))
	assert.True(t, dev.closed.Load())
}

func TestRunFeed_ReportsFinishAndFailure(t *testing.T) {
	d := testDeps(nil)
	done := feed{name: "imu", kind: "sim", src: sourceFunc(func(context.Context, sample.Handler) error { return nil })}
	runFeed(context.Background(), done, nil, d)
	assert.Equal(t, web.SourceStopped, sourcesByName(d.status)["imu"].State)

	failed := feed{name: "gps", kind: "nmea", src: sourceFunc(func(context.Context, sample.Handler) error {
		return errors.New("gps: no device")
	})}
	runFeed(context.Background(), failed, nil, d)
	got := sourcesByName(d.status)["gps"]
	assert.Equal(t, web.SourceFailed, got.State)
	assert.Equal(t, "gps: no device", got.Error)
}

type sourceFunc func(ctx context.Context, h sample.Handler) error

func (f sourceFunc) Run(ctx context.Context, h sample.Handler) error { return f(ctx, h) }

func startRuntime(t *testing.T, cfg config.Config) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	rt := newRuntime(cfg, zap.NewNop().Sugar(), web.NewLogBuffer(100), clock.New())
	go func() { done <- rt.run(ctx, ln) }()
	t.Cleanup(cancel)

	base := "http://" + ln.Addr().String()
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	return base, cancel, done
}

func waitStopped(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func readPayload(t *testing.T, conn *websocket.Conn) session.DecodedPayload {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	p, err := session.DecodePayload(msg)
	require.NoError(t, err)
	return p
}

func TestRuntime_StreamsSimulatedWalk(t *testing.T) {
	cfg := testConfig(t, "imu: {source: sim}\ngps: {source: sim}\nsim: {loop: true}\n")
	base, cancel, done := startRuntime(t, cfg)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	assert.Equal(t, session.TypeHello, readPayload(t, conn).Type)
	first := readPayload(t, conn)
	assert.Equal(t, session.TypeDisplacement, first.Type)
	assert.Equal(t, uint32(1), first.Origin)

	resp2, err := http.Post(base+"/api/reset", "", nil)
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusAccepted, resp2.StatusCode)

	// The reset message arrives, then payloads carry the new origin.
	for {
		p := readPayload(t, conn)
		if p.Type == session.TypeReset {
			assert.Equal(t, uint32(2), p.Origin)
			break
		}
	}
	assert.Equal(t, uint32(2), readPayload(t, conn).Origin)

	waitStopped(t, cancel, done)
}

type statusBody struct {
	Session struct {
		Running bool   `json:"running"`
		Mode    string `json:"mode"`
		Phase   string `json:"phase"`
	} `json:"session"`
	Sources []web.SourceStatus `json:"sources"`
}

func getStatus(t *testing.T, base string) statusBody {
	t.Helper()
	resp, err := http.Get(base + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st statusBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	return st
}

func postMode(t *testing.T, base, mode string) int {
	t.Helper()
	resp, err := http.Post(base+"/api/mode?mode="+mode, "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestRuntime_MissingInputsKeepHTTPUp(t *testing.T) {
	cfg := testConfig(t, "imu: {source: none}\nsession: {mode: gps}\n")
	base, cancel, done := startRuntime(t, cfg)

	st := getStatus(t, base)
	assert.False(t, st.Session.Running)
	assert.Equal(t, "idle", st.Session.Phase)
	require.Len(t, st.Sources, 2)
	for _, src := range st.Sources {
		assert.Equal(t, web.SourceDisabled, src.State, src.Name)
	}

	assert.Equal(t, http.StatusConflict, postMode(t, base, "imu"))
	assert.False(t, getStatus(t, base).Session.Running)

	waitStopped(t, cancel, done)
}

func TestRuntime_ModeSwitchStartsRefusedSession(t *testing.T) {
	cfg := testConfig(t, "imu: {source: sim}\nsim: {loop: true}\nsession: {mode: gps}\n")
	base, cancel, done := startRuntime(t, cfg)
	require.False(t, getStatus(t, base).Session.Running)

	require.Equal(t, http.StatusOK, postMode(t, base, "imu"))
	st := getStatus(t, base)
	assert.True(t, st.Session.Running)
	assert.Equal(t, "imu", st.Session.Mode)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(base, "http")+"/ws", nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	assert.Equal(t, session.TypeHello, readPayload(t, conn).Type)
	p := readPayload(t, conn)
	assert.Equal(t, session.TypeDisplacement, p.Type)
	assert.Equal(t, uint32(1), p.Origin)

	waitStopped(t, cancel, done)
}
