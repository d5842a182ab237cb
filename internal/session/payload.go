package session

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// ProtocolVersion is announced in the hello message.
const ProtocolVersion = 1

const (
	TypeDisplacement = "relative_displacement"
	TypeReset        = "reset"
	TypeHello        = "hello"
)

// fixed6 marshals with exactly six decimal places.
type fixed6 float64

func (f fixed6) MarshalJSON() ([]byte, error) {
	if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
		f = 0
	}
	return strconv.AppendFloat(nil, float64(f), 'f', 6, 64), nil
}

// Displacement is the outbound snapshot payload.
type Displacement struct {
	Type   string `json:"type"`
	DX     fixed6 `json:"dx"`
	DY     fixed6 `json:"dy"`
	DZ     fixed6 `json:"dz"`
	VX     fixed6 `json:"vx"`
	VY     fixed6 `json:"vy"`
	VZ     fixed6 `json:"vz"`
	Speed  fixed6 `json:"speed"`
	Origin uint32 `json:"origin"`
	TS     int64  `json:"ts"`
}

func NewDisplacement(d, v r3.Vector, origin uint32, tsMillis int64) Displacement {
	return Displacement{
		Type:   TypeDisplacement,
		DX:     fixed6(d.X),
		DY:     fixed6(d.Y),
		DZ:     fixed6(d.Z),
		VX:     fixed6(v.X),
		VY:     fixed6(v.Y),
		VZ:     fixed6(v.Z),
		Speed:  fixed6(v.Norm()),
		Origin: origin,
		TS:     tsMillis,
	}
}

type resetMsg struct {
	Type   string `json:"type"`
	Origin uint32 `json:"origin"`
	TS     int64  `json:"ts"`
}

type helloMsg struct {
	Type     string `json:"type"`
	Protocol int    `json:"protocol"`
}

// EncodeDisplacement renders the snapshot payload.
func EncodeDisplacement(p Displacement) []byte {
	b, err := json.Marshal(p)
	if err != nil {
		// Only finite numbers and strings.
		panic(err)
	}
	return b
}

func EncodeReset(origin uint32, tsMillis int64) []byte {
	b, _ := json.Marshal(resetMsg{Type: TypeReset, Origin: origin, TS: tsMillis})
	return b
}

// Hello is the first message every subscriber receives.
func Hello() []byte {
	b, _ := json.Marshal(helloMsg{Type: TypeHello, Protocol: ProtocolVersion})
	return b
}

// DecodedPayload is the parsed form of any outbound message, used by
// subscribers and tests.
type DecodedPayload struct {
	Type     string  `json:"type"`
	DX       float64 `json:"dx"`
	DY       float64 `json:"dy"`
	DZ       float64 `json:"dz"`
	VX       float64 `json:"vx"`
	VY       float64 `json:"vy"`
	VZ       float64 `json:"vz"`
	Speed    float64 `json:"speed"`
	Origin   uint32  `json:"origin"`
	TS       int64   `json:"ts"`
	Protocol int     `json:"protocol,omitempty"`
}

func DecodePayload(b []byte) (DecodedPayload, error) {
	var p DecodedPayload
	err := json.Unmarshal(b, &p)
	return p, err
}

// IsResetRequest reports whether an inbound subscriber message asks for a
// reset: any message containing "type":"reset", at any depth. A top-level
// type of "reset" also counts when the JSON is spaced out.
func IsResetRequest(msg []byte) bool {
	if strings.Contains(string(msg), `"type":"reset"`) {
		return true
	}
	var m struct {
		Type string `json:"type"`
	}
	return json.Unmarshal(msg, &m) == nil && m.Type == TypeReset
}
