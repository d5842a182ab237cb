// Package sim generates deterministic IMU and location samples for a scripted
// walk, for demos and end-to-end tests without hardware.
package sim

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Script describes a walk as a sequence of constant-acceleration segments.
//
// YAML schema (v1):
//
//	version: 1
//	rate_hz: 100
//	fix_interval: 1s
//	origin: {lat_deg: 45.5, lon_deg: -122.9, alt_m: 30}
//	noise: {accel: 0.01, gyro: 0.002, seed: 7}
//	segments:
//	  - duration: 2s                # rest
//	  - duration: 500ms
//	    accel: [1.5, 0, 0]          # world frame, m/s²
//	  - duration: 1s
//	    yaw_rate: 0.5               # rad/s about world up
//
// Segments are played back to back.
type Script struct {
	Version     int           `yaml:"version"`
	RateHz      float64       `yaml:"rate_hz"`
	FixInterval time.Duration `yaml:"fix_interval"`
	Origin      Origin        `yaml:"origin"`
	Noise       Noise         `yaml:"noise"`
	Segments    []Segment     `yaml:"segments"`
}

type Origin struct {
	LatDeg float64  `yaml:"lat_deg"`
	LonDeg float64  `yaml:"lon_deg"`
	AltM   *float64 `yaml:"alt_m"`
}

// Noise is the standard deviation of white noise added to each sensor axis.
type Noise struct {
	Accel float64 `yaml:"accel"`
	Gyro  float64 `yaml:"gyro"`
	Seed  int64   `yaml:"seed"`
}

type Segment struct {
	Duration time.Duration `yaml:"duration"`
	Accel    [3]float64    `yaml:"accel"`
	YawRate  float64       `yaml:"yaw_rate"`
}

// DefaultScript walks about 2 m east, turns left and walks about 2 m north,
// with rests in between.
func DefaultScript() Script {
	return Script{
		Version:     1,
		RateHz:      100,
		FixInterval: time.Second,
		Origin:      Origin{LatDeg: 45.5231, LonDeg: -122.6765},
		Noise:       Noise{Accel: 0.01, Gyro: 0.002, Seed: 1},
		Segments: []Segment{
			{Duration: 3 * time.Second},
			{Duration: time.Second, Accel: [3]float64{2, 0, 0}},
			{Duration: time.Second, Accel: [3]float64{-2, 0, 0}},
			{Duration: 2 * time.Second},
			{Duration: time.Second, YawRate: 1.5707963267948966},
			{Duration: 2 * time.Second},
			{Duration: time.Second, Accel: [3]float64{0, 2, 0}},
			{Duration: time.Second, Accel: [3]float64{0, -2, 0}},
			{Duration: 3 * time.Second},
		},
	}
}

func LoadScript(path string) (Script, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Script{}, err
	}
	return ParseScriptYAML(b)
}

func ParseScriptYAML(b []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Script{}, err
	}
	if err := s.defaultAndValidate(); err != nil {
		return Script{}, err
	}
	return s, nil
}

func (s *Script) defaultAndValidate() error {
	if s.Version == 0 {
		s.Version = 1
	}
	if s.Version != 1 {
		return fmt.Errorf("unsupported script version %d", s.Version)
	}
	if s.RateHz == 0 {
		s.RateHz = 100
	}
	if s.RateHz < 1 || s.RateHz > 1000 {
		return fmt.Errorf("rate_hz must be in [1,1000]")
	}
	if s.FixInterval == 0 {
		s.FixInterval = time.Second
	}
	if s.FixInterval < 0 {
		return fmt.Errorf("fix_interval must be >= 0")
	}
	if s.Origin.LatDeg < -89 || s.Origin.LatDeg > 89 {
		return fmt.Errorf("origin.lat_deg must be in [-89,89]")
	}
	if s.Origin.LonDeg < -180 || s.Origin.LonDeg > 180 {
		return fmt.Errorf("origin.lon_deg must be in [-180,180]")
	}
	if s.Noise.Accel < 0 || s.Noise.Gyro < 0 {
		return fmt.Errorf("noise must be >= 0")
	}
	if len(s.Segments) == 0 {
		return fmt.Errorf("segments is required")
	}
	for i, seg := range s.Segments {
		if seg.Duration <= 0 {
			return fmt.Errorf("segments[%d].duration must be > 0", i)
		}
	}
	return nil
}

// Duration is the total scripted time.
func (s Script) Duration() time.Duration {
	var d time.Duration
	for _, seg := range s.Segments {
		d += seg.Duration
	}
	return d
}
