package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCapabilityUnavailable is returned by Start and SetMode when the sensors a
// mode needs are not present.
var ErrCapabilityUnavailable = errors.New("session: capability unavailable")

// Mode selects which tracker drives the displacement estimate.
type Mode int

const (
	ModeIMU Mode = iota
	ModeGPS
)

func (m Mode) String() string {
	switch m {
	case ModeIMU:
		return "imu"
	case ModeGPS:
		return "gps"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts "imu" or "gps", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "imu":
		return ModeIMU, nil
	case "gps":
		return ModeGPS, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want imu|gps)", s)
	}
}

// Phase is the tracking state, orthogonal to Mode.
type Phase int

const (
	PhaseIdle Phase = iota
	// PhaseSettling: IMU startup window, or GPS waiting for its origin fix.
	PhaseSettling
	PhaseTracking
	PhaseStationary
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSettling:
		return "settling"
	case PhaseTracking:
		return "tracking"
	case PhaseStationary:
		return "stationary"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Capabilities lists which inputs the host can deliver.
type Capabilities struct {
	Accel    bool `json:"accel"`
	Gyro     bool `json:"gyro"`
	Location bool `json:"location"`
}

func (c Capabilities) missing(m Mode) []string {
	var out []string
	switch m {
	case ModeIMU:
		if !c.Accel {
			out = append(out, "accelerometer")
		}
		if !c.Gyro {
			out = append(out, "gyroscope")
		}
	case ModeGPS:
		if !c.Location {
			out = append(out, "location")
		}
	}
	return out
}

// Check returns ErrCapabilityUnavailable naming the missing inputs for m.
func (c Capabilities) Check(m Mode) error {
	if m != ModeIMU && m != ModeGPS {
		return fmt.Errorf("session: unknown mode %d", int(m))
	}
	if miss := c.missing(m); len(miss) > 0 {
		return fmt.Errorf("%w: %s mode needs %s", ErrCapabilityUnavailable, m, strings.Join(miss, ", "))
	}
	return nil
}
