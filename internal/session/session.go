// Package session owns the tracking state shared by the IMU and GPS paths:
// mode, origin sequence, reset semantics and the broadcast cadence.
//
// All mutation is serialized behind one mutex. Sample sources call the
// Ingest methods directly; request handlers enqueue commands that Run
// applies.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"disptrack/internal/fusion"
	"disptrack/internal/gps"
	"disptrack/internal/sample"
)

// ErrBusy is returned when the command queue is full.
var ErrBusy = errors.New("session: command queue full")

// Sink receives encoded payloads. Broadcast must not block.
type Sink interface {
	Broadcast(msg []byte)
}

// Sinks fans a payload out to several sinks.
type Sinks []Sink

func (s Sinks) Broadcast(msg []byte) {
	for _, k := range s {
		if k != nil {
			k.Broadcast(msg)
		}
	}
}

type Config struct {
	// BroadcastInterval is the minimum spacing between displacement payloads.
	BroadcastInterval time.Duration
	Orientation       fusion.OrientationConfig
	Motion            fusion.MotionConfig
	CommandQueue      int
}

func DefaultConfig() Config {
	return Config{
		BroadcastInterval: 50 * time.Millisecond,
		Orientation:       fusion.DefaultOrientationConfig(),
		Motion:            fusion.DefaultMotionConfig(),
		CommandQueue:      8,
	}
}

// tracker is the per-mode state. Exactly one variant is live while running.
type tracker interface {
	displacement() r3.Vector
	velocity() r3.Vector
	phase(now time.Time) Phase
}

type imuTrack struct{ t *fusion.IMUTracker }

func (m imuTrack) displacement() r3.Vector { return m.t.Displacement() }
func (m imuTrack) velocity() r3.Vector     { return m.t.Velocity() }
func (m imuTrack) phase(now time.Time) Phase {
	switch {
	case !m.t.HasOrientation() || m.t.Settling(now):
		return PhaseSettling
	case m.t.Stationary():
		return PhaseStationary
	default:
		return PhaseTracking
	}
}

type gpsTrack struct{ t *gps.Tracker }

func (g gpsTrack) displacement() r3.Vector { return g.t.Displacement() }
func (g gpsTrack) velocity() r3.Vector     { return g.t.Velocity() }
func (g gpsTrack) phase(time.Time) Phase {
	if !g.t.HasOrigin() {
		return PhaseSettling
	}
	return PhaseTracking
}

type cmdKind int

const (
	cmdReset cmdKind = iota
	cmdMode
)

type command struct {
	kind      cmdKind
	broadcast bool
	mode      Mode
	reply     chan error
}

// Snapshot is a read-only view of the session.
type Snapshot struct {
	ID          string       `json:"id"`
	Running     bool         `json:"running"`
	Mode        Mode         `json:"mode"`
	Phase       Phase        `json:"phase"`
	OriginSeq   uint32       `json:"origin"`
	StreamStart time.Time    `json:"stream_start"`
	Caps        Capabilities `json:"capabilities"`

	Displacement [3]float64 `json:"displacement"`
	Velocity     [3]float64 `json:"velocity"`
	Speed        float64    `json:"speed"`

	// IMU only.
	Bias      [3]float64 `json:"bias"`
	ZUPTCount int        `json:"zupt_count,omitempty"`
	TiltDeg   float64    `json:"tilt_deg,omitempty"`

	// GPS only.
	Fixes              int       `json:"fixes,omitempty"`
	DistanceFromOrigin float64   `json:"distance_from_origin_m,omitempty"`
	LastFixAt          time.Time `json:"last_fix_at"`

	LastBroadcast time.Time `json:"last_broadcast"`
	Payloads      uint64    `json:"payloads"`
	Resets        uint64    `json:"resets"`
	Dropped       uint64    `json:"dropped_samples"`
}

type Session struct {
	cfg  Config
	sink Sink
	clk  clock.Clock
	log  *zap.SugaredLogger
	id   string
	cmds chan command

	mu            sync.Mutex
	running       bool
	refused       bool
	mode          Mode
	caps          Capabilities
	originSeq     uint32
	streamStart   time.Time
	lastBroadcast time.Time
	trk           tracker
	phase         Phase
	lastSampleAt  time.Time

	payloads uint64
	resets   uint64
	dropped  uint64
}

// New builds a stopped session in IMU mode. A nil clock uses the wall clock;
// a nil logger discards.
func New(cfg Config, sink Sink, clk clock.Clock, log *zap.SugaredLogger) *Session {
	def := DefaultConfig()
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = def.BroadcastInterval
	}
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = def.CommandQueue
	}
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	id := uuid.NewString()
	return &Session{
		cfg:  cfg,
		sink: sink,
		clk:  clk,
		log:  log.With("session", id),
		id:   id,
		cmds: make(chan command, cfg.CommandQueue),
	}
}

func (s *Session) ID() string { return s.id }

// Start begins streaming in mode. It fails with ErrCapabilityUnavailable when
// caps lack an input the mode needs; the session then stays stopped until a
// SetMode to a mode caps can serve. Starting a running session is a no-op.
func (s *Session) Start(mode Mode, caps Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.caps = caps
	s.mode = mode
	if err := caps.Check(mode); err != nil {
		s.refused = true
		return err
	}
	s.refused = false
	s.running = true
	s.resetLocked(false)
	s.log.Infow("session started", "mode", mode, "origin", s.originSeq)
	return nil
}

// Stop halts streaming. Once it returns no further payloads are broadcast and
// samples are dropped. Safe to call repeatedly.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refused = false
	if !s.running {
		return
	}
	s.running = false
	s.trk = nil
	s.phase = PhaseIdle
	s.lastBroadcast = time.Time{}
	s.lastSampleAt = time.Time{}
	s.log.Infow("session stopped", "origin", s.originSeq)
}

// Reset starts a new origin epoch. With broadcast, subscribers are told about
// it; resets requested by a subscriber pass false.
func (s *Session) Reset(broadcast bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.log.Debugw("reset ignored, session stopped")
		return
	}
	s.resetLocked(broadcast)
}

// SetMode switches trackers and always starts a new origin epoch. While running
// this is a reset without a reset broadcast. While stopped it selects the mode
// for the next Start, unless the last Start was refused: then it starts the
// session in mode.
func (s *Session) SetMode(mode Mode, caps Capabilities) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := caps.Check(mode); err != nil {
		return err
	}
	s.caps = caps
	prev := s.mode
	s.mode = mode
	switch {
	case s.refused:
		s.refused = false
		s.running = true
		s.resetLocked(false)
		s.log.Infow("session started", "mode", mode, "from", prev, "origin", s.originSeq)
		return nil
	case !s.running:
		s.originSeq++
		s.log.Debugw("mode selected", "from", prev, "to", mode, "origin", s.originSeq)
		return nil
	}
	s.resetLocked(false)
	s.log.Infow("mode switched", "from", prev, "to", mode, "origin", s.originSeq)
	return nil
}

func (s *Session) resetLocked(broadcast bool) {
	now := s.clk.Now()
	s.originSeq++
	s.resets++
	s.streamStart = now
	s.lastBroadcast = time.Time{}

	switch s.mode {
	case ModeGPS:
		s.trk = gpsTrack{t: gps.NewTracker()}
	default:
		// The settle window opens at the first sample of the new epoch so it
		// stays in sample time when a replay runs faster or slower than the
		// clock.
		t := fusion.NewIMUTracker(s.cfg.Orientation, s.cfg.Motion)
		t.Reset(time.Time{})
		s.trk = imuTrack{t: t}
	}
	s.setPhaseLocked(PhaseSettling)

	if broadcast && s.sink != nil {
		s.sink.Broadcast(EncodeReset(s.originSeq, now.UnixMilli()))
	}
}

// IngestGyro fuses a gyro sample. Samples are dropped while stopped or in GPS
// mode; the same holds for accel samples, and for fixes in IMU mode.
func (s *Session) IngestGyro(g sample.Gyro) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trk.(imuTrack)
	if !s.running || !ok {
		s.dropped++
		return
	}
	s.lastSampleAt = g.At
	t.t.IngestGyro(g)
}

func (s *Session) IngestAccel(a sample.Accel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trk.(imuTrack)
	if !s.running || !ok {
		s.dropped++
		return
	}
	s.lastSampleAt = a.At
	out := t.t.IngestAccel(a)
	switch out {
	case fusion.StepPrimed, fusion.StepDropped:
		return
	case fusion.StepWindowCommitted, fusion.StepWindowDiscarded:
		s.log.Debugw("motion window closed", "outcome", out, "displacement", t.t.Displacement())
	}
	s.afterUpdateLocked(a.At)
}

func (s *Session) IngestFix(f sample.Fix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trk.(gpsTrack)
	if !s.running || !ok {
		s.dropped++
		return
	}
	now := s.clk.Now()
	if !t.t.Ingest(f, now) {
		if t.t.HasOrigin() && t.t.Fixes() == 1 {
			o := t.t.Origin()
			s.log.Infow("gps origin set", "lat", o.Point.Lat(), "lon", o.Point.Lng(), "has_alt", o.HasAlt)
		}
		s.setPhaseLocked(t.phase(now))
		return
	}
	s.afterUpdateLocked(now)
}

// Handler adapts the session to sample.Handler.
func (s *Session) Handler() sample.Handler { return handler{s} }

type handler struct{ s *Session }

func (h handler) HandleGyro(g sample.Gyro)   { h.s.IngestGyro(g) }
func (h handler) HandleAccel(a sample.Accel) { h.s.IngestAccel(a) }
func (h handler) HandleFix(f sample.Fix)     { h.s.IngestFix(f) }

func (s *Session) afterUpdateLocked(sampleAt time.Time) {
	s.setPhaseLocked(s.trk.phase(sampleAt))

	now := s.clk.Now()
	if !s.lastBroadcast.IsZero() && now.Sub(s.lastBroadcast) < s.cfg.BroadcastInterval {
		return
	}
	s.lastBroadcast = now
	s.payloads++
	if s.sink != nil {
		p := NewDisplacement(s.trk.displacement(), s.trk.velocity(), s.originSeq, now.UnixMilli())
		s.sink.Broadcast(EncodeDisplacement(p))
	}
}

func (s *Session) setPhaseLocked(p Phase) {
	if p == s.phase {
		return
	}
	s.log.Debugw("phase changed", "from", s.phase, "to", p, "mode", s.mode)
	s.phase = p
}

// RequestReset enqueues a reset for Run. It never blocks and reports false
// when the queue is full.
func (s *Session) RequestReset(broadcast bool) bool {
	select {
	case s.cmds <- command{kind: cmdReset, broadcast: broadcast}:
		return true
	default:
		s.log.Warnw("reset request dropped, queue full")
		return false
	}
}

// RequestMode enqueues a mode switch using the capabilities given at Start
// and waits for Run to apply it.
func (s *Session) RequestMode(ctx context.Context, mode Mode) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{kind: cmdMode, mode: mode, reply: reply}:
	default:
		return ErrBusy
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies queued commands until ctx is done.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-s.cmds:
			s.apply(c)
		}
	}
}

func (s *Session) apply(c command) {
	switch c.kind {
	case cmdReset:
		s.Reset(c.broadcast)
		s.log.Infow("reset applied", "broadcast", c.broadcast, "origin", s.OriginSeq())
	case cmdMode:
		s.mu.Lock()
		caps := s.caps
		s.mu.Unlock()
		err := s.SetMode(c.mode, caps)
		if err != nil {
			s.log.Warnw("mode switch refused", "mode", c.mode, "err", err)
		}
		if c.reply != nil {
			c.reply <- err
		}
	}
}

func (s *Session) OriginSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.originSeq
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Snapshot copies the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:            s.id,
		Running:       s.running,
		Mode:          s.mode,
		Phase:         PhaseIdle,
		OriginSeq:     s.originSeq,
		Caps:          s.caps,
		LastBroadcast: s.lastBroadcast,
		Payloads:      s.payloads,
		Resets:        s.resets,
		Dropped:       s.dropped,
	}
	if !s.running || s.trk == nil {
		return snap
	}
	snap.StreamStart = s.streamStart
	at := s.lastSampleAt
	if at.IsZero() {
		at = s.clk.Now()
	}
	snap.Phase = s.trk.phase(at)
	d, v := s.trk.displacement(), s.trk.velocity()
	snap.Displacement = vec(d)
	snap.Velocity = vec(v)
	snap.Speed = v.Norm()
	switch t := s.trk.(type) {
	case imuTrack:
		snap.Bias = vec(t.t.Motion().Bias())
		snap.ZUPTCount = t.t.Motion().ZUPTCount()
		if t.t.HasOrientation() {
			snap.TiltDeg = t.t.Orientation().TiltDeg()
		}
	case gpsTrack:
		snap.Fixes = t.t.Fixes()
		snap.DistanceFromOrigin = t.t.DistanceFromOrigin()
		snap.LastFixAt = t.t.LastFixAt()
	}
	return snap
}

func vec(v r3.Vector) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }
