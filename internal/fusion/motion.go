package fusion

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
)

// StandardGravity is the gravity magnitude removed from accelerometer samples (m/s²).
const StandardGravity = 9.80665

// MotionConfig holds every threshold used by MotionIntegrator.
type MotionConfig struct {
	Gravity float64

	// Per-axis deadband applied to bias-corrected world acceleration (m/s²).
	AccelDeadband float64
	// Sensitivity scales deadbanded acceleration before integration.
	Sensitivity float64

	// Stationary candidate thresholds.
	GyroQuiet  float64 // rad/s
	AccelQuiet float64 // m/s², on scaled acceleration
	SpeedQuiet float64 // m/s

	BiasWarmup time.Duration
	BiasAlpha  float64
	ZUPTHold   time.Duration

	// Settle is the startup window during which nothing is integrated.
	Settle time.Duration

	VelocityDecay float64
	MinStep       float64 // meters per sample
	SubStepDecay  float64

	Window          time.Duration
	WindowMinTravel float64 // meters
}

// DefaultMotionConfig returns the tuned defaults.
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		Gravity:         StandardGravity,
		AccelDeadband:   0.05,
		Sensitivity:     0.45,
		GyroQuiet:       0.06,
		AccelQuiet:      0.12,
		SpeedQuiet:      0.03,
		BiasWarmup:      180 * time.Millisecond,
		BiasAlpha:       0.035,
		ZUPTHold:        550 * time.Millisecond,
		Settle:          1200 * time.Millisecond,
		VelocityDecay:   0.9975,
		MinStep:         0.0012,
		SubStepDecay:    0.9,
		Window:          400 * time.Millisecond,
		WindowMinTravel: 0.020,
	}
}

// MotionState is the integrator's kinematic state.
type MotionState struct {
	Velocity     r3.Vector
	Displacement r3.Vector

	Stationary      bool
	StationarySince time.Time // zero when no candidate hold is running

	WindowStart time.Time
	WindowStep  r3.Vector
	WindowNorm  float64
}

// StepOutcome reports which branch an accelerometer sample took.
type StepOutcome int

const (
	// StepPrimed: first sample after a reset, only timestamps were recorded.
	StepPrimed StepOutcome = iota
	// StepDropped: dt was outside (0, 0.1] s.
	StepDropped
	// StepSettling: inside the startup settle window.
	StepSettling
	// StepStationary: stationary (ZUPT lock or discarded window), nothing integrated.
	StepStationary
	// StepIntegrated: velocity integrated, window still open.
	StepIntegrated
	// StepWindowCommitted: window closed and its travel was added to displacement.
	StepWindowCommitted
	// StepWindowDiscarded: window closed below the travel threshold and was dropped.
	StepWindowDiscarded
)

func (o StepOutcome) String() string {
	switch o {
	case StepPrimed:
		return "primed"
	case StepDropped:
		return "dropped"
	case StepSettling:
		return "settling"
	case StepStationary:
		return "stationary"
	case StepIntegrated:
		return "integrated"
	case StepWindowCommitted:
		return "window_committed"
	case StepWindowDiscarded:
		return "window_discarded"
	default:
		return "unknown"
	}
}

// MotionIntegrator turns world-frame linear acceleration into velocity and
// displacement, guarded by a deadband, a ZUPT lock and a windowed
// commit-or-discard filter.
//
// MotionIntegrator is not safe for concurrent use.
type MotionIntegrator struct {
	cfg   MotionConfig
	st    MotionState
	bias  r3.Vector
	last  time.Time
	zupts int
}

func NewMotionIntegrator(cfg MotionConfig) *MotionIntegrator {
	return &MotionIntegrator{cfg: cfg}
}

func (m *MotionIntegrator) Reset() {
	m.st = MotionState{}
	m.bias = r3.Vector{}
	m.last = time.Time{}
	m.zupts = 0
}

func (m *MotionIntegrator) State() MotionState { return m.st }

// Bias returns the current world-frame linear acceleration bias estimate.
func (m *MotionIntegrator) Bias() r3.Vector { return m.bias }

// ZUPTCount returns how many samples hit the ZUPT lock since the last reset.
func (m *MotionIntegrator) ZUPTCount() int { return m.zupts }

// Settling reports whether at falls inside the startup settle window.
func (m *MotionIntegrator) Settling(at, streamStart time.Time) bool {
	return at.Sub(streamStart) < m.cfg.Settle
}

// Step processes one accelerometer sample (specific force, body frame).
//
// orient must already reflect the latest gyro fusion. gyroNorm is the
// magnitude of the most recent raw gyro sample.
func (m *MotionIntegrator) Step(at time.Time, accel r3.Vector, orient *OrientationEstimator, gyroNorm float64, streamStart time.Time) StepOutcome {
	cfg := m.cfg
	if m.last.IsZero() {
		m.last = at
		m.st.WindowStart = at
		return StepPrimed
	}
	dt := at.Sub(m.last).Seconds()
	if dt < 0 {
		dt = 0
	}
	m.last = at
	if dt <= 0 || dt > MaxSampleDt {
		return StepDropped
	}

	// Linear acceleration: measured minus estimated gravity, then to world frame.
	lin := accel.Sub(orient.GravityBody().Mul(cfg.Gravity))
	raw := orient.RotateToWorld(lin)

	a := raw.Sub(m.bias)
	a = r3.Vector{
		X: deadband(a.X, cfg.AccelDeadband),
		Y: deadband(a.Y, cfg.AccelDeadband),
		Z: deadband(a.Z, cfg.AccelDeadband),
	}.Mul(cfg.Sensitivity)

	candidate := gyroNorm < cfg.GyroQuiet &&
		a.Norm() < cfg.AccelQuiet &&
		m.st.Velocity.Norm() < cfg.SpeedQuiet

	if candidate {
		if m.st.StationarySince.IsZero() {
			m.st.StationarySince = at
		}
		hold := at.Sub(m.st.StationarySince)
		if hold >= cfg.BiasWarmup {
			m.bias = m.bias.Mul(1 - cfg.BiasAlpha).Add(raw.Mul(cfg.BiasAlpha))
		}
		if hold >= cfg.ZUPTHold {
			m.st.Velocity = r3.Vector{}
			m.st.WindowStep = r3.Vector{}
			m.st.WindowNorm = 0
			m.st.WindowStart = at
			m.st.Stationary = true
			m.zupts++
		}
	} else {
		m.st.StationarySince = time.Time{}
		m.st.Stationary = false
	}

	if m.Settling(at, streamStart) {
		m.st.Velocity = r3.Vector{}
		return StepSettling
	}
	if m.st.Stationary {
		return StepStationary
	}

	v := m.st.Velocity.Add(a.Mul(dt)).Mul(cfg.VelocityDecay)
	step := v.Mul(dt)
	stepNorm := step.Norm()
	if stepNorm < cfg.MinStep {
		step = r3.Vector{}
		stepNorm = 0
		v = v.Mul(cfg.SubStepDecay)
	}
	m.st.Velocity = v

	m.st.WindowStep = m.st.WindowStep.Add(step)
	m.st.WindowNorm += stepNorm
	if at.Sub(m.st.WindowStart) < cfg.Window {
		return StepIntegrated
	}

	out := StepWindowCommitted
	if m.st.WindowNorm < cfg.WindowMinTravel {
		m.st.Velocity = r3.Vector{}
		m.st.Stationary = true
		out = StepWindowDiscarded
	} else {
		m.st.Displacement = m.st.Displacement.Add(m.st.WindowStep)
		m.st.Stationary = false
	}
	m.st.WindowStep = r3.Vector{}
	m.st.WindowNorm = 0
	m.st.WindowStart = at
	return out
}

func deadband(v, band float64) float64 {
	if math.Abs(v) < band {
		return 0
	}
	return v
}
