package fusion

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
)

func TestPredict_KeepsUnitNorm(t *testing.T) {
	e := NewOrientationEstimator(DefaultOrientationConfig())
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 5000; i++ {
		if i%3 == 0 {
			e.Correct(r3.Vector{X: rng.NormFloat64() * 3, Y: rng.NormFloat64() * 3, Z: 9.8 + rng.NormFloat64()})
		}
		gyro := r3.Vector{X: rng.NormFloat64() * 4, Y: rng.NormFloat64() * 4, Z: rng.NormFloat64() * 4}
		dt := 0.001 + rng.Float64()*0.099
		require.True(t, e.Predict(gyro, dt))
		n := quat.Abs(e.Quaternion())
		if math.Abs(n-1) > 1e-4 {
			t.Fatalf("step %d: |q|=%v want 1±1e-4", i, n)
		}
	}
}

func TestPredict_RejectsOutOfRangeDt(t *testing.T) {
	e := NewOrientationEstimator(DefaultOrientationConfig())
	e.Correct(r3.Vector{X: 1, Z: 9.8})
	before := e.Quaternion()

	for _, dt := range []float64{0, -0.01, 0.1000001, 5, math.NaN()} {
		if e.Predict(r3.Vector{X: 1, Y: 2, Z: 3}, dt) {
			t.Fatalf("Predict(dt=%v) accepted", dt)
		}
	}
	assert.Equal(t, before, e.Quaternion())
	assert.Equal(t, r3.Vector{}, e.BiasIntegral())

	// Upper bound is inclusive.
	assert.True(t, e.Predict(r3.Vector{}, MaxSampleDt))
}

func TestSetQuaternion_DegenerateFallsBackToIdentity(t *testing.T) {
	e := NewOrientationEstimator(DefaultOrientationConfig())
	e.SetQuaternion(quat.Number{Real: 1e-12})
	assert.Equal(t, quat.Number{Real: 1}, e.Quaternion())

	e.SetQuaternion(quat.Number{Real: math.NaN()})
	assert.Equal(t, quat.Number{Real: 1}, e.Quaternion())
}

func TestGravityBody_Identity(t *testing.T) {
	e := NewOrientationEstimator(DefaultOrientationConfig())
	assert.Equal(t, r3.Vector{Z: 1}, e.GravityBody())
	assert.InDelta(t, 0, e.TiltDeg(), 1e-9)
}

func TestRotateToWorld_Yaw90(t *testing.T) {
	e := NewOrientationEstimator(DefaultOrientationConfig())
	// 90° about +z: body x maps to world y.
	h := math.Sqrt2 / 2
	e.SetQuaternion(quat.Number{Real: h, Kmag: h})

	got := e.RotateToWorld(r3.Vector{X: 1})
	assert.InDelta(t, 0, got.X, 1e-12)
	assert.InDelta(t, 1, got.Y, 1e-12)
	assert.InDelta(t, 0, got.Z, 1e-12)

	// Yaw does not change the gravity direction.
	g := e.GravityBody()
	assert.InDelta(t, 1, g.Z, 1e-12)
}

func TestCorrect_IgnoresNegligibleAccel(t *testing.T) {
	e := NewOrientationEstimator(DefaultOrientationConfig())
	e.Correct(r3.Vector{X: 1e-7})
	require.True(t, e.Predict(r3.Vector{}, 0.01))
	assert.Equal(t, quat.Number{Real: 1}, e.Quaternion())
	assert.Equal(t, r3.Vector{}, e.BiasIntegral())
}

func TestCorrect_ConvergesToGravityDirection(t *testing.T) {
	// Ground truth: 20° roll about x plus 10° pitch about y.
	truth := NewOrientationEstimator(DefaultOrientationConfig())
	roll := 20 * math.Pi / 180
	pitch := 10 * math.Pi / 180
	qr := quat.Number{Real: math.Cos(roll / 2), Imag: math.Sin(roll / 2)}
	qp := quat.Number{Real: math.Cos(pitch / 2), Jmag: math.Sin(pitch / 2)}
	truth.SetQuaternion(quat.Mul(qr, qp))
	up := truth.GravityBody()

	e := NewOrientationEstimator(DefaultOrientationConfig())
	initial := angleDeg(e.GravityBody(), up)
	require.Greater(t, initial, 15.0)

	// Stationary device: gyro reads zero, accelerometer reads gravity.
	for i := 0; i < 200; i++ {
		e.Correct(up.Mul(StandardGravity))
		require.True(t, e.Predict(r3.Vector{}, 0.01))
	}

	got := angleDeg(e.GravityBody(), up)
	if got >= 2 {
		t.Fatalf("tilt error after 2s = %.3f° want < 2°", got)
	}
	assert.Less(t, got, initial)
}

func TestReset_ReturnsIdentityAndClearsIntegral(t *testing.T) {
	e := NewOrientationEstimator(DefaultOrientationConfig())
	for i := 0; i < 20; i++ {
		e.Correct(r3.Vector{X: 3, Z: 9})
		e.Predict(r3.Vector{X: 0.2}, 0.01)
	}
	require.NotEqual(t, r3.Vector{}, e.BiasIntegral())

	e.Reset()
	assert.Equal(t, quat.Number{Real: 1}, e.Quaternion())
	assert.Equal(t, r3.Vector{}, e.BiasIntegral())
}

func angleDeg(a, b r3.Vector) float64 {
	c := a.Dot(b) / (a.Norm() * b.Norm())
	c = math.Max(-1, math.Min(1, c))
	return math.Acos(c) * 180 / math.Pi
}
