package web

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"disptrack/internal/session"
)

// HubConfig tunes per-subscriber buffering and inbound limits.
type HubConfig struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	InboundRate     rate.Limit
	InboundBurst    int
	MaxMessageBytes int64

	// OnMessage receives every inbound message that passes the rate limit. It
	// runs on the subscriber's reader goroutine.
	OnMessage func(subscriberID string, msg []byte)
	// OnCount is called with the new subscriber count after every join/leave.
	OnCount func(n int)
}

func (c *HubConfig) defaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 2 * time.Second
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 5
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 5
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
}

// Hub fans payloads out to WebSocket subscribers. Broadcast never blocks: a
// subscriber whose buffer is full misses the payload.
type Hub struct {
	cfg      HubConfig
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]*subscriber

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type subscriber struct {
	id     string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	lim    *rate.Limiter
}

func NewHub(cfg HubConfig, log *zap.SugaredLogger) *Hub {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		cfg: cfg,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers are served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[string]*subscriber),
	}
}

// Broadcast implements session.Sink.
func (h *Hub) Broadcast(msg []byte) {
	if h == nil {
		return
	}
	// Sends happen under the read lock so leave cannot close a channel
	// mid-send; they never block.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		select {
		case s.send <- msg:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns payloads queued and payloads dropped for slow subscribers.
func (h *Hub) Stats() (sent, dropped uint64) {
	return h.sent.Load(), h.dropped.Load()
}

// ServeHTTP upgrades the request and serves one subscriber until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		h.log.Debugw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s := &subscriber{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		conn:   conn,
		send:   make(chan []byte, h.cfg.SendBuffer),
		lim:    rate.NewLimiter(h.cfg.InboundRate, h.cfg.InboundBurst),
	}
	// Queued before registration so it precedes every payload.
	s.send <- session.Hello()

	n := h.join(s)
	h.log.Infow("subscriber joined", "id", s.id, "remote", s.remote, "subscribers", n)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.write(s)
	}()
	h.read(s)

	n = h.leave(s)
	<-done
	h.log.Infow("subscriber left", "id", s.id, "remote", s.remote, "subscribers", n)
}

func (h *Hub) join(s *subscriber) int {
	h.mu.Lock()
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()
	if h.cfg.OnCount != nil {
		h.cfg.OnCount(n)
	}
	return n
}

func (h *Hub) leave(s *subscriber) int {
	h.mu.Lock()
	_, ok := h.subs[s.id]
	if ok {
		delete(h.subs, s.id)
		close(s.send)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if ok && h.cfg.OnCount != nil {
		h.cfg.OnCount(n)
	}
	return n
}

func (h *Hub) write(s *subscriber) {
	defer s.conn.Close()
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debugw("subscriber write failed", "id", s.id, "err", err)
			return
		}
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) read(s *subscriber) {
	s.conn.SetReadLimit(h.cfg.MaxMessageBytes)
	// The HTTP server's read deadline survives the hijack.
	_ = s.conn.SetReadDeadline(time.Time{})
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debugw("subscriber read failed", "id", s.id, "err", err)
			}
			return
		}
		if !s.lim.Allow() {
			h.log.Debugw("inbound message rate limited", "id", s.id)
			continue
		}
		if h.cfg.OnMessage != nil {
			h.cfg.OnMessage(s.id, msg)
		}
	}
}

// Close disconnects every subscriber. The hub stays usable.
func (h *Hub) Close() {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		_ = s.conn.Close()
	}
}
