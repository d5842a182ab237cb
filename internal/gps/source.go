package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"disptrack/internal/sample"
)

// ErrNoDevice is returned when no location receiver can be opened.
var ErrNoDevice = errors.New("gps: no device")

// NMEASource reads NMEA 0183 sentences from a serial receiver.
//
// Device may be empty to auto-detect /dev/ttyACM* and /dev/ttyUSB*.
type NMEASource struct {
	Device string
	Baud   int
	Log    *zap.SugaredLogger

	// Open overrides how the device is opened; tests feed canned sentences.
	Open func(device string, baud int) (io.ReadCloser, error)
}

func (s *NMEASource) Run(ctx context.Context, h sample.Handler) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	device := strings.TrimSpace(s.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			return fmt.Errorf("%w: no /dev/ttyACM* or /dev/ttyUSB* found", ErrNoDevice)
		}
	}
	baud := s.Baud
	if baud == 0 {
		baud = 9600
	}

	open := s.Open
	if open == nil {
		open = func(device string, baud int) (io.ReadCloser, error) { return openSerial(device, baud) }
	}
	rc, err := open(device, baud)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s: %v", ErrNoDevice, device, err)
		}
		return fmt.Errorf("gps: open %s baud=%d: %w", device, baud, err)
	}

	// Closing the port is the only way to unblock a pending read.
	var closeOnce sync.Once
	closePort := func() { closeOnce.Do(func() { _ = rc.Close() }) }
	defer closePort()
	stop := context.AfterFunc(ctx, closePort)
	defer stop()

	log.Infow("gps enabled", "source", "nmea", "device", device, "baud", baud)
	err = readNMEA(rc, h, log)
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("gps: read %s: %w", device, err)
}

// readNMEA feeds h until r is exhausted. It always returns a non-nil error.
func readNMEA(r io.Reader, h sample.Handler, log *zap.SugaredLogger) error {
	scanner := bufio.NewScanner(r)
	// NMEA sentences are typically < 82 chars, but allow some headroom.
	scanner.Buffer(make([]byte, 0, 256), 4096)

	var st nmeaState
	badLines := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Some receivers include non-NMEA chatter.
		if !strings.HasPrefix(line, "$") {
			continue
		}
		sent, err := parseNMEASentence(line)
		if err != nil {
			badLines++
			if badLines == 1 || badLines%100 == 0 {
				log.Debugw("nmea parse failed", "err", err, "count", badLines)
			}
			continue
		}
		if fix, ok := st.apply(sent); ok {
			if st.fixes == 1 {
				log.Infow("gps first fix", "quality", st.fixQuality, "satellites", st.satellites)
			}
			h.HandleFix(fix)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// GPSDSource streams fixes from a gpsd daemon and reconnects with backoff.
type GPSDSource struct {
	Addr  string
	Log   *zap.SugaredLogger
	Clock clock.Clock

	Dial func(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

func (s *GPSDSource) Run(ctx context.Context, h sample.Handler) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		addr = gpsdDefaultAddr
	}
	dial := s.Dial
	if dial == nil {
		dial = func(ctx context.Context, addr string) (io.ReadWriteCloser, error) { return dialGPSD(ctx, addr) }
	}

	log.Infow("gps enabled", "source", "gpsd", "addr", addr)
	const minBackoff, maxBackoff = 250 * time.Millisecond, 10 * time.Second
	backoff := minBackoff
	st := &gpsdState{}

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := dial(ctx, addr)
		if err != nil {
			log.Warnw("gpsd dial failed", "addr", addr, "err", err, "retry_in", backoff)
			t := clk.Timer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = minBackoff

		err = s.stream(ctx, conn, st, h, log)
		if ctx.Err() != nil {
			return nil
		}
		log.Warnw("gpsd stream ended; reconnecting", "err", err)
	}
}

func (s *GPSDSource) stream(ctx context.Context, conn io.ReadWriteCloser, st *gpsdState, h sample.Handler, log *zap.SugaredLogger) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	if err := gpsdWatch(conn); err != nil {
		return fmt.Errorf("gpsd watch: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fix, ok, err := st.applyLine(line)
		if err != nil {
			log.Debugw("gpsd line ignored", "err", err)
			continue
		}
		if ok {
			if st.fixes == 1 {
				log.Infow("gps first fix", "mode", st.mode, "satellites", st.satellites)
			}
			h.HandleFix(fix)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

func autoDetectDevice() string {
	for _, prefix := range []string{"/dev/ttyACM", "/dev/ttyUSB"} {
		for i := 0; i < 10; i++ {
			p := fmt.Sprintf("%s%d", prefix, i)
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	return ""
}
