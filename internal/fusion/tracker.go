package fusion

import (
	"time"

	"github.com/golang/geo/r3"

	"disptrack/internal/sample"
)

// IMUTracker owns the orientation and motion state of one IMU session and
// exposes the two ingestion paths (gyro, accel).
//
// Callers serialize access; see session.Session.
type IMUTracker struct {
	orient *OrientationEstimator
	motion *MotionIntegrator

	lastGyroAt     time.Time
	lastGyroNorm   float64
	hasOrientation bool

	streamStart time.Time
}

func NewIMUTracker(ocfg OrientationConfig, mcfg MotionConfig) *IMUTracker {
	return &IMUTracker{
		orient: NewOrientationEstimator(ocfg),
		motion: NewMotionIntegrator(mcfg),
	}
}

// Reset clears all fusion and motion state and restarts the settle window at
// streamStart. A zero streamStart opens the window at the next sample.
func (t *IMUTracker) Reset(streamStart time.Time) {
	t.orient.Reset()
	t.motion.Reset()
	t.lastGyroAt = time.Time{}
	t.lastGyroNorm = 0
	t.hasOrientation = false
	t.streamStart = streamStart
}

// IngestGyro fuses one gyro sample. It returns true when the orientation was
// updated (the first sample after a reset only primes the timestamp).
func (t *IMUTracker) IngestGyro(s sample.Gyro) bool {
	t.anchor(s.At)
	t.lastGyroNorm = s.V.Norm()
	if t.lastGyroAt.IsZero() {
		t.lastGyroAt = s.At
		return false
	}
	dt := s.At.Sub(t.lastGyroAt).Seconds()
	t.lastGyroAt = s.At
	if !t.orient.Predict(s.V, dt) {
		return false
	}
	t.hasOrientation = true
	return true
}

// IngestAccel records the accelerometer direction for the next gyro
// correction and, once an orientation exists, advances the motion integrator.
func (t *IMUTracker) IngestAccel(s sample.Accel) StepOutcome {
	t.anchor(s.At)
	t.orient.Correct(s.V)
	if !t.hasOrientation {
		return StepPrimed
	}
	return t.motion.Step(s.At, s.V, t.orient, t.lastGyroNorm, t.streamStart)
}

func (t *IMUTracker) Displacement() r3.Vector { return t.motion.st.Displacement }
func (t *IMUTracker) Velocity() r3.Vector     { return t.motion.st.Velocity }
func (t *IMUTracker) Stationary() bool        { return t.motion.st.Stationary }
func (t *IMUTracker) HasOrientation() bool    { return t.hasOrientation }
func (t *IMUTracker) StreamStart() time.Time  { return t.streamStart }

// Settling reports whether now is inside the startup settle window. It is
// always true before the window has opened.
func (t *IMUTracker) Settling(now time.Time) bool {
	if t.streamStart.IsZero() {
		return true
	}
	return t.motion.Settling(now, t.streamStart)
}

func (t *IMUTracker) anchor(at time.Time) {
	if t.streamStart.IsZero() {
		t.streamStart = at
	}
}

func (t *IMUTracker) Orientation() *OrientationEstimator { return t.orient }
func (t *IMUTracker) Motion() *MotionIntegrator          { return t.motion }
