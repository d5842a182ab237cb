package gps

import (
	"math"
	"testing"
	"time"
)

func TestGPSDState_TPVEmitsFix(t *testing.T) {
	st := &gpsdState{}
	line := `{"class":"TPV","mode":3,"time":"2025-12-22T12:00:00.000Z","lat":45.5,"lon":-122.9,"altMSL":100.0,"alt":130.0,"speed":50.0,"track":270.0}`
	fix, ok, err := st.applyLine(line)
	if err != nil {
		t.Fatalf("applyLine err: %v", err)
	}
	if !ok {
		t.Fatalf("expected a fix")
	}
	if math.Abs(fix.Point.Lat()-45.5) > 1e-9 || math.Abs(fix.Point.Lng()-(-122.9)) > 1e-9 {
		t.Fatalf("pos=%v,%v", fix.Point.Lat(), fix.Point.Lng())
	}
	if !fix.HasAlt || fix.Alt != 100 {
		t.Fatalf("alt=%v has=%v (altMSL should win)", fix.Alt, fix.HasAlt)
	}
	if want := time.Date(2025, 12, 22, 12, 0, 0, 0, time.UTC); !fix.At.Equal(want) {
		t.Fatalf("at=%v", fix.At)
	}
}

func TestGPSDState_2DFixHasNoAltitude(t *testing.T) {
	st := &gpsdState{}
	fix, ok, err := st.applyLine(`{"class":"TPV","mode":2,"lat":1,"lon":2,"alt":55}`)
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if fix.HasAlt {
		t.Fatalf("2D fix must not carry altitude")
	}
	if !fix.At.IsZero() {
		t.Fatalf("missing time should leave At zero, got %v", fix.At)
	}
}

func TestGPSDState_NoFixModeSuppressed(t *testing.T) {
	st := &gpsdState{}
	if _, ok, _ := st.applyLine(`{"class":"TPV","mode":1,"lat":1,"lon":2}`); ok {
		t.Fatalf("mode 1 must not emit")
	}
	// Mode persists from the previous TPV when omitted.
	if _, ok, _ := st.applyLine(`{"class":"TPV","lat":1,"lon":2}`); ok {
		t.Fatalf("mode 1 (carried) must not emit")
	}
}

func TestGPSDState_SKYCountsUsedSatellites(t *testing.T) {
	st := &gpsdState{}
	line := `{"class":"SKY","hdop":0.9,"satellites":[{"used":true},{"used":false},{"used":true}]}`
	_, ok, err := st.applyLine(line)
	if err != nil {
		t.Fatalf("applyLine err: %v", err)
	}
	if ok {
		t.Fatalf("SKY must not emit")
	}
	if st.satellites != 2 {
		t.Fatalf("satellites=%d", st.satellites)
	}
}

func TestGPSDState_BadJSON(t *testing.T) {
	st := &gpsdState{}
	if _, _, err := st.applyLine(`{"class":`); err == nil {
		t.Fatalf("expected error")
	}
	if _, ok, err := st.applyLine(`{"class":"VERSION","release":"3.25"}`); err != nil || ok {
		t.Fatalf("VERSION: ok=%v err=%v", ok, err)
	}
}
