package sim

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/zap"

	"disptrack/internal/fusion"
	"disptrack/internal/sample"
)

const (
	metersPerDegLat = 111132.0
	metersPerDegLon = 111320.0
)

// generator integrates the scripted kinematics exactly at the sample rate.
type generator struct {
	s     Script
	dt    time.Duration
	rng   *rand.Rand
	start time.Time

	tick    int
	seg     int
	segLeft time.Duration

	pos     r3.Vector // world, meters
	vel     r3.Vector
	yaw     float64
	nextFix time.Duration
}

func newGenerator(s Script, start time.Time) *generator {
	dt := time.Duration(float64(time.Second) / s.RateHz)
	return &generator{
		s:       s,
		dt:      dt,
		rng:     rand.New(rand.NewSource(s.Noise.Seed)),
		start:   start,
		segLeft: s.Segments[0].Duration,
	}
}

// step emits the samples for one tick. It returns false once the script is
// exhausted.
func (g *generator) step(h sample.Handler) bool {
	if g.seg >= len(g.s.Segments) {
		return false
	}
	seg := g.s.Segments[g.seg]
	elapsed := time.Duration(g.tick) * g.dt
	at := g.start.Add(elapsed)

	aWorld := r3.Vector{X: seg.Accel[0], Y: seg.Accel[1], Z: seg.Accel[2]}

	// Body frame is the world frame yawed by g.yaw about +z.
	sin, cos := math.Sincos(g.yaw)
	toBody := func(v r3.Vector) r3.Vector {
		return r3.Vector{X: cos*v.X + sin*v.Y, Y: -sin*v.X + cos*v.Y, Z: v.Z}
	}
	accel := toBody(aWorld).Add(r3.Vector{Z: fusion.StandardGravity}).Add(g.noise(g.s.Noise.Accel))
	gyro := r3.Vector{Z: seg.YawRate}.Add(g.noise(g.s.Noise.Gyro))

	h.HandleGyro(sample.Gyro{At: at, V: gyro})
	h.HandleAccel(sample.Accel{At: at, V: accel})
	if g.s.FixInterval > 0 && elapsed >= g.nextFix {
		h.HandleFix(g.fix(at))
		g.nextFix += g.s.FixInterval
	}

	dts := g.dt.Seconds()
	g.pos = g.pos.Add(g.vel.Mul(dts)).Add(aWorld.Mul(0.5 * dts * dts))
	g.vel = g.vel.Add(aWorld.Mul(dts))
	g.yaw += seg.YawRate * dts

	g.tick++
	g.segLeft -= g.dt
	if g.segLeft <= 0 {
		g.seg++
		if g.seg < len(g.s.Segments) {
			g.segLeft += g.s.Segments[g.seg].Duration
		}
	}
	return true
}

func (g *generator) noise(sigma float64) r3.Vector {
	if sigma == 0 {
		return r3.Vector{}
	}
	return r3.Vector{X: g.rng.NormFloat64() * sigma, Y: g.rng.NormFloat64() * sigma, Z: g.rng.NormFloat64() * sigma}
}

func (g *generator) fix(at time.Time) sample.Fix {
	o := g.s.Origin
	lat := o.LatDeg + g.pos.Y/metersPerDegLat
	lon := o.LonDeg + g.pos.X/(metersPerDegLon*math.Cos(o.LatDeg*math.Pi/180))
	f := sample.NewFix(at, lat, lon)
	if o.AltM != nil {
		f = f.WithAlt(*o.AltM + g.pos.Z)
	}
	return f
}

// Position returns the true world displacement reached so far.
func (g *generator) Position() r3.Vector { return g.pos }

// Generate plays the whole script into h without pacing and returns the true
// final displacement.
func Generate(s Script, start time.Time, h sample.Handler) r3.Vector {
	g := newGenerator(s, start)
	for g.step(h) {
	}
	return g.Position()
}

// Walker paces a Script in real time. It implements sample.Source.
type Walker struct {
	Script Script
	Loop   bool
	Clock  clock.Clock
	Log    *zap.SugaredLogger
}

func (w *Walker) Run(ctx context.Context, h sample.Handler) error {
	clk := w.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := w.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := w.Script
	if err := s.defaultAndValidate(); err != nil {
		return err
	}

	g := newGenerator(s, clk.Now())
	tick := clk.Ticker(g.dt)
	defer tick.Stop()
	log.Infow("sim walk started", "rate_hz", s.RateHz, "duration", s.Duration(), "loop", w.Loop)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
		if g.step(h) {
			continue
		}
		log.Infow("sim walk finished", "true_displacement", g.Position())
		if !w.Loop {
			return nil
		}
		// Resume from the last sample time so timestamps stay increasing.
		g = newGenerator(s, g.start.Add(time.Duration(g.tick)*g.dt))
	}
}
