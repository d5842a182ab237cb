// Package udp mirrors broadcast payloads to a fixed UDP destination, one
// JSON message per datagram.
package udp

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

// Mirror queues payloads and writes them from Run. It implements
// session.Sink; Broadcast never blocks.
type Mirror struct {
	dest  string
	conn  udpConn
	log   *zap.SugaredLogger
	queue chan []byte

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

func NewMirror(dest string, queue int, log *zap.SugaredLogger) (*Mirror, error) {
	return newMirror(dest, queue, log, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		// DialUDP selects a suitable local address automatically.
		return net.DialUDP(network, laddr, raddr)
	})
}

func newMirror(dest string, queue int, log *zap.SugaredLogger, resolve resolveFunc, dial dialFunc) (*Mirror, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve %s: %w", dest, err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("udp: dial %s: %w", dest, err)
	}
	if queue <= 0 {
		queue = 64
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Mirror{
		dest:  dest,
		conn:  conn,
		log:   log.With("dest", dest),
		queue: make(chan []byte, queue),
	}, nil
}

func (m *Mirror) Broadcast(msg []byte) {
	if len(msg) == 0 {
		return
	}
	select {
	case m.queue <- msg:
	default:
		m.dropped.Add(1)
	}
}

// Run writes queued payloads until ctx is done. Write errors are counted and
// logged once per streak; the destination may come and go.
func (m *Mirror) Run(ctx context.Context) error {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-m.queue:
			if _, err := m.conn.Write(msg); err != nil {
				m.failed.Add(1)
				if !failing {
					m.log.Warnw("udp mirror write failed", "err", err)
					failing = true
				}
				continue
			}
			if failing {
				m.log.Infow("udp mirror recovered")
				failing = false
			}
			m.sent.Add(1)
		}
	}
}

func (m *Mirror) Stats() (sent, dropped, failed uint64) {
	return m.sent.Load(), m.dropped.Load(), m.failed.Load()
}

func (m *Mirror) Close() error {
	if m == nil || m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
