package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu        sync.Mutex
	writes    [][]byte
	writeErr  error
	closed    bool
	closeErr  error
	writeHits int
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeHits++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) hits() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeHits
}

func fakeDial(fc *fakeConn) dialFunc {
	return func(string, *net.UDPAddr, *net.UDPAddr) (udpConn, error) { return fc, nil }
}

func TestNewMirror_DialsResolvedAddr(t *testing.T) {
	var gotNetwork string
	var gotRaddr *net.UDPAddr
	fc := &fakeConn{}

	dial := func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		gotNetwork = network
		gotRaddr = raddr
		return fc, nil
	}

	m, err := newMirror("127.0.0.1:4000", 0, nil, net.ResolveUDPAddr, dial)
	if err != nil {
		t.Fatalf("newMirror() error: %v", err)
	}
	defer m.Close()

	if gotNetwork != "udp" {
		t.Fatalf("network=%q want %q", gotNetwork, "udp")
	}
	if gotRaddr == nil || gotRaddr.Port != 4000 || !gotRaddr.IP.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Fatalf("raddr=%v want 127.0.0.1:4000", gotRaddr)
	}
	if cap(m.queue) != 64 {
		t.Fatalf("queue cap=%d want 64", cap(m.queue))
	}
}

func TestNewMirror_ResolveFailure(t *testing.T) {
	resolveErr := errors.New("nope")
	resolve := func(network, address string) (*net.UDPAddr, error) {
		return nil, resolveErr
	}

	_, err := newMirror("bad:addr", 1, nil, resolve, fakeDial(&fakeConn{}))
	if !errors.Is(err, resolveErr) {
		t.Fatalf("err=%v want %v", err, resolveErr)
	}
}

func TestMirror_RunWritesQueuedPayloads(t *testing.T) {
	fc := &fakeConn{}
	m, err := newMirror("127.0.0.1:4000", 4, zaptest.NewLogger(t).Sugar(), net.ResolveUDPAddr, fakeDial(fc))
	require.NoError(t, err)

	m.Broadcast(nil)
	m.Broadcast([]byte(`{"a":1}`))
	m.Broadcast([]byte(`{"a":2}`))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return fc.hits() == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	fc.mu.Lock()
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`}, []string{string(fc.writes[0]), string(fc.writes[1])})
	fc.mu.Unlock()
	sent, dropped, failed := m.Stats()
	assert.Equal(t, uint64(2), sent)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestMirror_FullQueueDrops(t *testing.T) {
	m, err := newMirror("127.0.0.1:4000", 2, nil, net.ResolveUDPAddr, fakeDial(&fakeConn{}))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		m.Broadcast([]byte("x"))
	}
	_, dropped, _ := m.Stats()
	assert.Equal(t, uint64(3), dropped)
}

func TestMirror_WriteErrorsAreCounted(t *testing.T) {
	fc := &fakeConn{writeErr: errors.New("connection refused")}
	m, err := newMirror("127.0.0.1:4000", 4, zaptest.NewLogger(t).Sugar(), net.ResolveUDPAddr, fakeDial(fc))
	require.NoError(t, err)
	m.Broadcast([]byte("x"))
	m.Broadcast([]byte("y"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	require.Eventually(t, func() bool { return fc.hits() == 2 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, _, failed := m.Stats()
	assert.Equal(t, uint64(2), failed)
}

func TestMirror_RealSocketRoundTrip(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	m, err := NewMirror(pc.LocalAddr().String(), 4, nil)
	require.NoError(t, err)
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()
	m.Broadcast([]byte(`{"type":"reset","origin":1,"ts":0}`))

	buf := make([]byte, 256)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"reset","origin":1,"ts":0}`, string(buf[:n]))
}

func TestMirror_Close(t *testing.T) {
	fc := &fakeConn{closeErr: errors.New("already closed")}
	m, err := newMirror("127.0.0.1:4000", 1, nil, net.ResolveUDPAddr, fakeDial(fc))
	require.NoError(t, err)
	assert.EqualError(t, m.Close(), "already closed")

	var nilMirror *Mirror
	assert.NoError(t, nilMirror.Close())
}
