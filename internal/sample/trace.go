package sample

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
)

// Trace format: line-oriented text.
//
// - Blank lines and lines starting with '#' are ignored.
// - "START" resets the time origin.
// - Data lines are <t_ns>,<kind>,<fields...> where t_ns is nanoseconds since
//   START and kind is one of:
//     A,x,y,z          accelerometer, m/s²
//     G,x,y,z          gyroscope, rad/s
//     L,lat,lon[,alt]  location fix, degrees and meters

// Record is one parsed trace line. A record with Kind == 0 is a START marker.
type Record struct {
	At   time.Duration
	Kind Kind
	V    r3.Vector

	Lat, Lon float64
	Alt      float64
	HasAlt   bool
}

func (r Record) isStart() bool { return r.Kind == 0 }

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{})
			continue
		}
		rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("trace line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseRecord(line string) (Record, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return Record{}, fmt.Errorf("missing fields: %q", line)
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	tsNs, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp %q: %w", parts[0], err)
	}
	if tsNs < 0 {
		return Record{}, fmt.Errorf("invalid timestamp (negative): %d", tsNs)
	}
	if len(parts[1]) != 1 {
		return Record{}, fmt.Errorf("invalid kind %q", parts[1])
	}

	rec := Record{At: time.Duration(tsNs), Kind: Kind(parts[1][0])}
	vals, err := parseFloats(parts[2:])
	if err != nil {
		return Record{}, err
	}

	switch rec.Kind {
	case KindAccel, KindGyro:
		if len(vals) != 3 {
			return Record{}, fmt.Errorf("%s record wants 3 values, got %d", rec.Kind, len(vals))
		}
		rec.V = r3.Vector{X: vals[0], Y: vals[1], Z: vals[2]}
	case KindFix:
		if len(vals) != 2 && len(vals) != 3 {
			return Record{}, fmt.Errorf("fix record wants 2 or 3 values, got %d", len(vals))
		}
		rec.Lat, rec.Lon = vals[0], vals[1]
		if len(vals) == 3 {
			rec.Alt = vals[2]
			rec.HasAlt = true
		}
	default:
		return Record{}, fmt.Errorf("invalid kind %q", parts[1])
	}
	return rec, nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}

// ReadFile reads a whole trace from path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer records samples as a trace. It implements Handler so it can be teed
// next to a live session; the first write error is kept and reported by Err
// and Close.
type Writer struct {
	mu     sync.Mutex
	c      io.Closer
	w      *bufio.Writer
	start  time.Time
	err    error
	closed bool
}

// NewWriter writes a START marker to w and times records relative to start.
// If w is an io.Closer it is closed by Close.
func NewWriter(w io.Writer, start time.Time) (*Writer, error) {
	bw := bufio.NewWriterSize(w, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		return nil, err
	}
	c, _ := w.(io.Closer)
	return &Writer{c: c, w: bw, start: start}, nil
}

func CreateWriter(path string, start time.Time) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, start)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (ww *Writer) HandleGyro(s Gyro)   { ww.record(s.At, KindGyro, vecFields(s.V)) }
func (ww *Writer) HandleAccel(s Accel) { ww.record(s.At, KindAccel, vecFields(s.V)) }

func (ww *Writer) HandleFix(s Fix) {
	if !s.Valid() {
		return
	}
	at := s.At
	if at.IsZero() {
		at = ww.start
	}
	fields := []float64{s.Point.Lat(), s.Point.Lng()}
	if s.HasAlt {
		fields = append(fields, s.Alt)
	}
	ww.record(at, KindFix, fields)
}

func vecFields(v r3.Vector) []float64 { return []float64{v.X, v.Y, v.Z} }

func (ww *Writer) record(at time.Time, kind Kind, fields []float64) {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed || ww.err != nil {
		return
	}
	d := at.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	var b strings.Builder
	b.WriteString(strconv.FormatInt(d.Nanoseconds(), 10))
	b.WriteByte(',')
	b.WriteByte(byte(kind))
	for _, f := range fields {
		b.WriteByte(',')
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	}
	b.WriteByte('\n')
	if _, err := ww.w.WriteString(b.String()); err != nil {
		ww.err = err
	}
}

// Err returns the first write error, if any.
func (ww *Writer) Err() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	return ww.err
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	err := multierr.Append(ww.err, ww.w.Flush())
	if ww.c != nil {
		err = multierr.Append(err, ww.c.Close())
	}
	return err
}

// Sleeper waits for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type clockSleeper struct{ clk clock.Clock }

func (s clockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Player replays trace records with their relative timing.
//
// Sample timestamps keep the recorded spacing regardless of Speed, so fusion
// sees the recorded dt; only the waits between deliveries are scaled. At any
// other Speed the timestamps drift from the clock, and consumers must time
// sample-driven windows (such as the settle window) from sample timestamps.
// Each pass (and each START marker) is anchored at the clock's current time.
type Player struct {
	Records []Record
	// Speed: 1.0 = real time, 2.0 = twice as fast. Zero means 1.0.
	Speed float64
	Loop  bool

	Clock   clock.Clock
	Sleeper Sleeper
}

func (p *Player) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.New("sample: handler is nil")
	}
	if len(p.Records) == 0 {
		return errors.New("sample: trace has no records")
	}
	speed := p.Speed
	if speed == 0 {
		speed = 1
	}
	if speed < 0 {
		return fmt.Errorf("sample: speed must be > 0")
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	sleeper := p.Sleeper
	if sleeper == nil {
		sleeper = clockSleeper{clk: clk}
	}

	// Passes never reuse timestamps, so looping never produces dt <= 0.
	var lastDelivered time.Time
	for {
		var origin time.Duration
		var anchor time.Time
		var lastAt time.Duration
		var haveLast bool

		reanchor := func() {
			anchor = clk.Now()
			if !anchor.After(lastDelivered) {
				anchor = lastDelivered.Add(time.Millisecond)
			}
		}
		reanchor()

		for _, r := range p.Records {
			if r.isStart() {
				origin = r.At
				lastAt = 0
				haveLast = false
				reanchor()
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				wait := at - lastAt
				if wait < 0 {
					wait = 0
				}
				wait = time.Duration(float64(wait) / speed)
				if wait > 0 {
					if err := sleeper.Sleep(ctx, wait); err != nil {
						return nil
					}
				}
			}
			if ctx.Err() != nil {
				return nil
			}

			ts := anchor.Add(at)
			deliver(h, r, ts)
			lastDelivered = ts
			lastAt = at
			haveLast = true
		}

		if !p.Loop {
			return nil
		}
	}
}

func deliver(h Handler, r Record, at time.Time) {
	switch r.Kind {
	case KindAccel:
		h.HandleAccel(Accel{At: at, V: r.V})
	case KindGyro:
		h.HandleGyro(Gyro{At: at, V: r.V})
	case KindFix:
		f := NewFix(at, r.Lat, r.Lon)
		if r.HasAlt {
			f = f.WithAlt(r.Alt)
		}
		h.HandleFix(f)
	}
}
