package web

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"disptrack/internal/session"
)

// Status tracks process-level facts that the session does not own: uptime,
// listen address and the state of each sample source.
type Status struct {
	startUnixNano int64
	listen        atomic.Value // string
	subscribers   atomic.Int64

	mu      sync.Mutex
	sources map[string]SourceStatus
}

// SourceStatus describes one sample source.
type SourceStatus struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	UpdatedUTC string `json:"updated_utc"`
}

const (
	SourceRunning  = "running"
	SourceStopped  = "stopped"
	SourceFailed   = "failed"
	SourceDisabled = "disabled"
)

func NewStatus() *Status {
	s := &Status{sources: make(map[string]SourceStatus)}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.listen.Store("")
	return s
}

func (s *Status) SetListen(addr string) { s.listen.Store(addr) }

// SetSubscribers records the hub's subscriber count; wire it to
// HubConfig.OnCount.
func (s *Status) SetSubscribers(n int) { s.subscribers.Store(int64(n)) }

// SetSource records the state of a named source. A nil err clears the error.
func (s *Status) SetSource(name, kind, state string, err error) {
	st := SourceStatus{
		Name:       name,
		Kind:       kind,
		State:      state,
		UpdatedUTC: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err != nil {
		st.Error = err.Error()
	}
	s.mu.Lock()
	s.sources[name] = st
	s.mu.Unlock()
}

type StatusSnapshot struct {
	Service         string           `json:"service"`
	NowUTC          string           `json:"now_utc"`
	UptimeSec       int64            `json:"uptime_sec"`
	Listen          string           `json:"listen"`
	Subscribers     int              `json:"subscribers"`
	PayloadsSent    uint64           `json:"payloads_sent"`
	PayloadsDropped uint64           `json:"payloads_dropped"`
	Sources         []SourceStatus   `json:"sources"`
	Session         session.Snapshot `json:"session"`
}

// Snapshot combines process status with the session and hub views. ctl and
// hub may be nil.
func (s *Status) Snapshot(nowUTC time.Time, ctl Controller, hub *Hub) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:     "disptrack",
		NowUTC:      nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:   int64(nowUTC.Sub(start).Seconds()),
		Listen:      s.listen.Load().(string),
		Subscribers: int(s.subscribers.Load()),
		Sources:     []SourceStatus{},
	}
	s.mu.Lock()
	for _, src := range s.sources {
		snap.Sources = append(snap.Sources, src)
	}
	s.mu.Unlock()
	sort.Slice(snap.Sources, func(i, j int) bool { return snap.Sources[i].Name < snap.Sources[j].Name })

	if hub != nil {
		snap.PayloadsSent, snap.PayloadsDropped = hub.Stats()
	}
	if ctl != nil {
		snap.Session = ctl.Snapshot()
	}
	return snap
}
