package gps

import (
	"math"
	"time"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"

	"disptrack/internal/sample"
)

const (
	metersPerDegLat     = 111132.0
	metersPerDegLonEq   = 111320.0
	maxVelocityInterval = 5 * time.Second
)

// Origin is the first fix of a session.
type Origin struct {
	Point  *geo.Point
	Alt    float64
	HasAlt bool
	At     time.Time
}

// Tracker computes east/north/up displacement from the session origin with a
// local flat-earth approximation, which holds for the short walking distances
// this system measures.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	origin *Origin
	last   *geo.Point

	delta     r3.Vector
	vel       r3.Vector
	lastFixAt time.Time
	fixes     int
}

func NewTracker() *Tracker { return &Tracker{} }

func (t *Tracker) Reset() {
	*t = Tracker{}
}

// Ingest applies one fix. now stands in for fixes without a timestamp.
// It returns false when the fix only established the origin (or was unusable).
func (t *Tracker) Ingest(f sample.Fix, now time.Time) bool {
	if !f.Valid() {
		return false
	}
	at := f.At
	if at.IsZero() {
		at = now
	}
	t.fixes++

	if t.origin == nil {
		t.origin = &Origin{Point: f.Point, Alt: f.Alt, HasAlt: f.HasAlt, At: at}
		t.last = f.Point
		t.delta = r3.Vector{}
		t.vel = r3.Vector{}
		t.lastFixAt = at
		return false
	}

	o := t.origin
	lat0, lon0 := o.Point.Lat(), o.Point.Lng()
	lat, lon := f.Point.Lat(), f.Point.Lng()
	avgLatRad := (lat + lat0) * 0.5 * math.Pi / 180

	d := r3.Vector{
		X: (lon - lon0) * metersPerDegLonEq * math.Cos(avgLatRad),
		Y: (lat - lat0) * metersPerDegLat,
	}
	if f.HasAlt && o.HasAlt {
		d.Z = f.Alt - o.Alt
	}

	dt := at.Sub(t.lastFixAt)
	if dt < 0 {
		dt = 0
	}
	if dt > 0 && dt <= maxVelocityInterval {
		t.vel = d.Sub(t.delta).Mul(1 / dt.Seconds())
	} else {
		t.vel = r3.Vector{}
	}

	t.delta = d
	t.last = f.Point
	t.lastFixAt = at
	return true
}

// HasOrigin reports whether the first fix has been received.
func (t *Tracker) HasOrigin() bool { return t.origin != nil }

// Origin returns a copy of the origin, or nil before the first fix.
func (t *Tracker) Origin() *Origin {
	if t.origin == nil {
		return nil
	}
	o := *t.origin
	return &o
}

func (t *Tracker) Displacement() r3.Vector { return t.delta }
func (t *Tracker) Velocity() r3.Vector     { return t.vel }
func (t *Tracker) LastFixAt() time.Time    { return t.lastFixAt }
func (t *Tracker) Fixes() int              { return t.fixes }

// DistanceFromOrigin returns the great-circle distance in meters between the
// origin and the last fix.
func (t *Tracker) DistanceFromOrigin() float64 {
	if t.origin == nil || t.last == nil {
		return 0
	}
	return t.origin.Point.GreatCircleDistance(t.last) * 1000
}
