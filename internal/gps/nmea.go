package gps

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"disptrack/internal/sample"
)

type nmeaSentence struct {
	Type string
	// Fields is the comma-split NMEA payload (excluding $ and checksum).
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// GPRMC, GNRMC, ... all normalize to RMC.
	t := parts[0]
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// nmeaState folds RMC and GGA sentences into location fixes.
//
// A fix is emitted per valid RMC, carrying the altitude of the most recent
// GGA. GGA alone never emits so one receiver epoch yields one fix.
type nmeaState struct {
	altM  float64
	altOK bool

	fixQuality int
	satellites int

	fixes int
}

func (s *nmeaState) apply(sent nmeaSentence) (sample.Fix, bool) {
	switch sent.Type {
	case "RMC":
		return s.applyRMC(sent.Fields)
	case "GGA":
		s.applyGGA(sent.Fields)
	}
	return sample.Fix{}, false
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	0: talker+type
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3: latitude (ddmm.mmmm)
//	4: N/S
//	5: longitude (dddmm.mmmm)
//	6: E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (s *nmeaState) applyRMC(f []string) (sample.Fix, bool) {
	if len(f) < 10 {
		return sample.Fix{}, false
	}
	if strings.TrimSpace(f[2]) != "A" {
		return sample.Fix{}, false
	}
	lat, latOK := parseNMEALatLon(f[3], f[4])
	lon, lonOK := parseNMEALatLon(f[5], f[6])
	if !latOK || !lonOK {
		return sample.Fix{}, false
	}

	// Zero when the receiver has no date yet; the session clock fills in.
	at, _ := parseNMEATime(f[9], f[1])
	fix := sample.NewFix(at, lat, lon)
	if s.altOK {
		fix = fix.WithAlt(s.altM)
	}
	s.fixes++
	return fix, true
}

// GGA: Global Positioning System Fix Data
//
//	0: talker+type
//	1: time
//	2: latitude
//	3: N/S
//	4: longitude
//	5: E/W
//	6: fix quality (0=invalid)
//	7: number of satellites
//	8: HDOP
//	9: altitude (meters MSL)
//	10: units (M)
func (s *nmeaState) applyGGA(f []string) {
	if len(f) < 11 {
		return
	}
	q, err := strconv.Atoi(strings.TrimSpace(f[6]))
	if err != nil || q == 0 {
		s.altOK = false
		return
	}
	s.fixQuality = q
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.satellites = sats
	}
	if alt, ok := parseFloat(f[9]); ok {
		s.altM = alt
		s.altOK = true
	}
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEATime combines an RMC date (ddmmyy) and time (hhmmss[.sss]) into a
// UTC timestamp.
func parseNMEATime(date, tod string) (time.Time, bool) {
	date = strings.TrimSpace(date)
	tod = strings.TrimSpace(tod)
	if len(date) != 6 || len(tod) < 6 {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("020106150405", date+tod, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseNMEALatLon parses NMEA lat/lon in ddmm.mmmm or dddmm.mmmm plus hemisphere.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	// The last two integer digits are whole minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
