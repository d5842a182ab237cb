package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"disptrack/internal/session"
)

func newTestServer(t *testing.T, ctl Controller, logs *LogBuffer) (*httptest.Server, *Status) {
	t.Helper()
	st := NewStatus()
	st.SetListen(":8766")
	hub := NewHub(HubConfig{}, nil)
	ts := httptest.NewServer(Handler(Options{Status: st, Ctl: ctl, Hub: hub, Logs: logs}))
	t.Cleanup(ts.Close)
	return ts, st
}

func TestAPIStatus(t *testing.T) {
	ctl := &fakeCtl{snap: session.Snapshot{Running: true, Mode: session.ModeGPS, Phase: session.PhaseTracking, OriginSeq: 4}}
	ts, st := newTestServer(t, ctl, nil)
	st.SetSource("gps", "nmea", SourceRunning, nil)
	st.SetSource("imu", "icm20948", SourceFailed, fmt.Errorf("imu: not detected"))
	st.SetSubscribers(3)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	assert.Equal(t, "disptrack", raw["service"])
	assert.Equal(t, ":8766", raw["listen"])
	assert.EqualValues(t, 3, raw["subscribers"])

	sess := raw["session"].(map[string]any)
	assert.Equal(t, "gps", sess["mode"])
	assert.Equal(t, "tracking", sess["phase"])
	assert.EqualValues(t, 4, sess["origin"])

	sources := raw["sources"].([]any)
	require.Len(t, sources, 2)
	assert.Equal(t, "gps", sources[0].(map[string]any)["name"])
	assert.Equal(t, "imu: not detected", sources[1].(map[string]any)["error"])
}

func TestAPIReset(t *testing.T) {
	ctl := &fakeCtl{}
	ts, _ := newTestServer(t, ctl, nil)

	resp, err := http.Post(ts.URL+"/api/reset", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []bool{true}, ctl.resetCalls(), "button resets are broadcast")

	resp, err = http.Get(ts.URL + "/api/reset")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))

	ctl.set(func(f *fakeCtl) { f.full = true })
	resp, err = http.Post(ts.URL+"/api/reset", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAPIMode(t *testing.T) {
	ctl := &fakeCtl{}
	ts, _ := newTestServer(t, ctl, nil)

	post := func(q string) (int, string) {
		resp, err := http.Post(ts.URL+"/api/mode"+q, "", nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := post("?mode=gps")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"mode": "gps"`)
	ctl.set(func(f *fakeCtl) { assert.Equal(t, []session.Mode{session.ModeGPS}, f.modes) })

	code, _ = post("?mode=sonar")
	assert.Equal(t, http.StatusBadRequest, code)

	ctl.set(func(f *fakeCtl) {
		f.modeErr = fmt.Errorf("%w: gps mode needs location", session.ErrCapabilityUnavailable)
	})
	code, body = post("?mode=gps")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body, "needs location")

	ctl.set(func(f *fakeCtl) { f.modeErr = session.ErrBusy })
	code, _ = post("?mode=imu")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAPILogs(t *testing.T) {
	logs := NewLogBuffer(3)
	_, _ = io.WriteString(logs, "one\ntwo\nthree\nfo")
	_, _ = io.WriteString(logs, "ur\n")
	ts, _ := newTestServer(t, &fakeCtl{}, logs)

	resp, err := http.Get(ts.URL + "/api/logs?tail=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out LogsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, []string{"three", "four"}, out.Lines)
	assert.Equal(t, uint64(1), out.Dropped)

	resp2, err := http.Get(ts.URL + "/api/logs?format=text")
	require.NoError(t, err)
	defer resp2.Body.Close()
	b, _ := io.ReadAll(resp2.Body)
	assert.Equal(t, "[dropped=1]\ntwo\nthree\nfour\n", string(b))

	resp3, err := http.Get(ts.URL + "/api/logs?tail=0")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestRootPage(t *testing.T) {
	ts, _ := newTestServer(t, &fakeCtl{}, nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "/ws") {
		t.Fatalf("root page does not mention the websocket path: %s", b)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get unknown: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status=%d", resp2.StatusCode)
	}
}

func TestWebSocketOnHandlerPath(t *testing.T) {
	ts, _ := newTestServer(t, &fakeCtl{}, nil)
	conn := dialWS(t, ts, "/ws")
	assert.Equal(t, `{"type":"hello","protocol":1}`, readText(t, conn))
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hub := NewHub(HubConfig{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, ln, Handler(Options{Hub: hub}), hub, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}
