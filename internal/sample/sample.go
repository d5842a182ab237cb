// Package sample defines the raw sensor samples consumed by the trackers and
// the sources that deliver them.
//
// Accelerometer readings are specific force in m/s² (a device at rest reads
// roughly +9.81 along its up axis). Gyroscope readings are body angular rate in
// rad/s. Location fixes are WGS84 degrees with optional altitude in meters.
package sample

import (
	"time"

	"github.com/golang/geo/r3"
	geo "github.com/kellydunn/golang-geo"
)

// Kind identifies a sample type in traces and dispatch.
type Kind byte

const (
	KindAccel Kind = 'A'
	KindGyro  Kind = 'G'
	KindFix   Kind = 'L'
)

func (k Kind) String() string {
	switch k {
	case KindAccel:
		return "accel"
	case KindGyro:
		return "gyro"
	case KindFix:
		return "fix"
	default:
		return "unknown"
	}
}

type Accel struct {
	At time.Time
	V  r3.Vector
}

type Gyro struct {
	At time.Time
	V  r3.Vector
}

// Fix is a single location report. At may be zero when the provider did not
// timestamp the fix.
type Fix struct {
	At     time.Time
	Point  *geo.Point
	Alt    float64
	HasAlt bool
}

// NewFix builds a fix without altitude.
func NewFix(at time.Time, latDeg, lonDeg float64) Fix {
	return Fix{At: at, Point: geo.NewPoint(latDeg, lonDeg)}
}

// WithAlt returns a copy of f carrying altitude altM.
func (f Fix) WithAlt(altM float64) Fix {
	f.Alt = altM
	f.HasAlt = true
	return f
}

// Valid reports whether the fix carries a usable position.
func (f Fix) Valid() bool {
	return f.Point != nil
}
