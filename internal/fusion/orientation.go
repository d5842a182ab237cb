package fusion

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

const (
	// DefaultKp is the proportional gain pulling the estimate toward the
	// accelerometer's gravity direction.
	DefaultKp = 1.8
	// DefaultKi is the integral gain compensating slow gyro bias.
	DefaultKi = 0.03

	// MaxSampleDt is the largest gap (seconds) between two consecutive IMU
	// samples that is still integrated. Larger gaps are treated as a
	// discontinuity.
	MaxSampleDt = 0.1

	minAccelNorm     = 1e-6
	minQuatNorm      = 1e-9
	quatIdentityReal = 1.0
)

// OrientationConfig holds the complementary filter gains.
type OrientationConfig struct {
	Kp float64
	Ki float64
}

// DefaultOrientationConfig returns the gains used when nothing is configured.
func DefaultOrientationConfig() OrientationConfig {
	return OrientationConfig{Kp: DefaultKp, Ki: DefaultKi}
}

// OrientationEstimator is a Mahony-style explicit complementary filter.
//
// The quaternion maps body-frame vectors into the world frame (x-east,
// y-north, z-up). Gyro samples drive the prediction; the most recent
// accelerometer direction is folded into the next prediction as a
// proportional + integral correction of the angular rate.
//
// OrientationEstimator is not safe for concurrent use.
type OrientationEstimator struct {
	cfg OrientationConfig

	q        quat.Number
	integral r3.Vector

	accelDir r3.Vector
	haveDir  bool
}

func NewOrientationEstimator(cfg OrientationConfig) *OrientationEstimator {
	e := &OrientationEstimator{cfg: cfg}
	e.Reset()
	return e
}

// Reset returns the estimator to identity and clears the bias integral.
func (e *OrientationEstimator) Reset() {
	e.q = quat.Number{Real: quatIdentityReal}
	e.integral = r3.Vector{}
	e.accelDir = r3.Vector{}
	e.haveDir = false
}

// Quaternion returns the current body->world orientation.
func (e *OrientationEstimator) Quaternion() quat.Number {
	return e.q
}

// SetQuaternion overrides the orientation. The value is renormalized.
func (e *OrientationEstimator) SetQuaternion(q quat.Number) {
	e.q = q
	e.normalize()
}

// BiasIntegral returns the accumulated angular error integral.
func (e *OrientationEstimator) BiasIntegral() r3.Vector {
	return e.integral
}

// Correct records the accelerometer reading used to correct the next
// prediction. Readings with a negligible norm are ignored.
func (e *OrientationEstimator) Correct(accel r3.Vector) {
	n := accel.Norm()
	if n <= minAccelNorm {
		e.haveDir = false
		return
	}
	e.accelDir = accel.Mul(1 / n)
	e.haveDir = true
}

// Predict integrates the body angular rate gyro (rad/s) over dt seconds.
// It returns false, leaving the state untouched, when dt is outside (0, 0.1].
func (e *OrientationEstimator) Predict(gyro r3.Vector, dt float64) bool {
	if !(dt > 0 && dt <= MaxSampleDt) {
		return false
	}

	w := gyro
	if e.haveDir {
		// e = a_meas x g_est
		errVec := e.accelDir.Cross(e.GravityBody())
		e.integral = e.integral.Add(errVec.Mul(dt))
		w = w.Add(errVec.Mul(e.cfg.Kp)).Add(e.integral.Mul(e.cfg.Ki))
	}

	dq := quat.Mul(e.q, quat.Number{Imag: w.X, Jmag: w.Y, Kmag: w.Z})
	e.q = quat.Add(e.q, quat.Scale(0.5*dt, dq))
	e.normalize()
	return true
}

// GravityBody returns the unit "up" direction expressed in the body frame,
// i.e. what a resting accelerometer should measure, normalized.
func (e *OrientationEstimator) GravityBody() r3.Vector {
	w, x, y, z := e.q.Real, e.q.Imag, e.q.Jmag, e.q.Kmag
	return r3.Vector{
		X: 2 * (x*z - w*y),
		Y: 2 * (w*x + y*z),
		Z: w*w - x*x - y*y + z*z,
	}
}

// RotateToWorld rotates a body-frame vector into the world frame.
func (e *OrientationEstimator) RotateToWorld(v r3.Vector) r3.Vector {
	p := quat.Mul(quat.Mul(e.q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(e.q))
	return r3.Vector{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// TiltDeg returns the angle between the body z axis and world up, in degrees.
func (e *OrientationEstimator) TiltDeg() float64 {
	g := e.GravityBody()
	c := g.Z / math.Max(g.Norm(), minQuatNorm)
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}

func (e *OrientationEstimator) normalize() {
	n := quat.Abs(e.q)
	if !(n > minQuatNorm) || math.IsNaN(n) || math.IsInf(n, 0) {
		e.q = quat.Number{Real: quatIdentityReal}
		return
	}
	e.q = quat.Scale(1/n, e.q)
}
