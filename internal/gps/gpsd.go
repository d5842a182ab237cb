package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"disptrack/internal/sample"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports.
func gpsdWatch(w io.Writer) error {
	// scaled=true yields SI units (m/s, meters) and degrees.
	_, err := w.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Class string `json:"class"`
	Mode  *int   `json:"mode"`
	Time  string `json:"time"`

	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`

	Alt    *float64 `json:"alt"`
	AltMSL *float64 `json:"altMSL"`
}

type gpsdSat struct {
	Used bool `json:"used"`
}

type gpsdSKY struct {
	Class      string    `json:"class"`
	Satellites []gpsdSat `json:"satellites"`
}

// gpsdState turns TPV reports into fixes. Only 2D/3D TPVs with a position
// emit; altitude is taken only from 3D fixes.
type gpsdState struct {
	mode       int
	satellites int
	fixes      int
}

func (s *gpsdState) applyLine(line string) (sample.Fix, bool, error) {
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return sample.Fix{}, false, fmt.Errorf("gpsd json parse failed: %w", err)
	}

	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return sample.Fix{}, false, fmt.Errorf("gpsd tpv parse failed: %w", err)
		}
		fix, ok := s.applyTPV(tpv)
		return fix, ok, nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return sample.Fix{}, false, fmt.Errorf("gpsd sky parse failed: %w", err)
		}
		if len(sky.Satellites) > 0 {
			used := 0
			for _, sat := range sky.Satellites {
				if sat.Used {
					used++
				}
			}
			s.satellites = used
		}
		return sample.Fix{}, false, nil
	default:
		// VERSION, DEVICES, WATCH, ...
		return sample.Fix{}, false, nil
	}
}

func (s *gpsdState) applyTPV(tpv gpsdTPV) (sample.Fix, bool) {
	if tpv.Mode != nil {
		s.mode = *tpv.Mode
	}
	if s.mode < 2 || tpv.Lat == nil || tpv.Lon == nil {
		return sample.Fix{}, false
	}

	var at time.Time
	if ts := strings.TrimSpace(tpv.Time); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			at = t.UTC()
		}
	}

	fix := sample.NewFix(at, *tpv.Lat, *tpv.Lon)
	if s.mode >= 3 {
		alt := tpv.AltMSL
		if alt == nil {
			alt = tpv.Alt
		}
		if alt != nil {
			fix = fix.WithAlt(*alt)
		}
	}
	s.fixes++
	return fix, true
}
