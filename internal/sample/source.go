package sample

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/zap"
)

// Handler receives samples. Implementations must be safe for concurrent use
// when more than one source feeds them.
type Handler interface {
	HandleGyro(Gyro)
	HandleAccel(Accel)
	HandleFix(Fix)
}

// Source pushes samples into a Handler until ctx is done or the source fails.
// Run returns nil (or ctx.Err()) on cancellation.
type Source interface {
	Run(ctx context.Context, h Handler) error
}

type tee []Handler

func (t tee) HandleGyro(s Gyro) {
	for _, h := range t {
		h.HandleGyro(s)
	}
}

func (t tee) HandleAccel(s Accel) {
	for _, h := range t {
		h.HandleAccel(s)
	}
}

func (t tee) HandleFix(s Fix) {
	for _, h := range t {
		h.HandleFix(s)
	}
}

// Tee fans every sample out to all non-nil handlers in order.
func Tee(hs ...Handler) Handler {
	out := make(tee, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

type only struct {
	h                Handler
	gyro, accel, fix bool
}

func (o only) HandleGyro(s Gyro) {
	if o.gyro {
		o.h.HandleGyro(s)
	}
}

func (o only) HandleAccel(s Accel) {
	if o.accel {
		o.h.HandleAccel(s)
	}
}

func (o only) HandleFix(s Fix) {
	if o.fix {
		o.h.HandleFix(s)
	}
}

// Only forwards samples of the listed kinds to h and drops the rest. A trace
// or simulation that carries every kind can then stand in for one input.
func Only(h Handler, kinds ...Kind) Handler {
	o := only{h: h}
	for _, k := range kinds {
		switch k {
		case KindGyro:
			o.gyro = true
		case KindAccel:
			o.accel = true
		case KindFix:
			o.fix = true
		}
	}
	return o
}

// Poller reads one accelerometer (m/s²) and gyroscope (rad/s) pair from a
// device that has to be polled.
type Poller interface {
	Poll() (accel, gyro r3.Vector, err error)
}

// PollSource turns a Poller into a Source by reading it on a fixed interval.
// Each reading is delivered gyro first so the orientation is current when the
// accelerometer sample is integrated.
type PollSource struct {
	Poller   Poller
	Interval time.Duration
	Clock    clock.Clock
	Log      *zap.SugaredLogger

	// MaxFailures is how many consecutive read errors end Run. Zero means 50.
	MaxFailures int
}

func (p *PollSource) Run(ctx context.Context, h Handler) error {
	if p.Poller == nil {
		return errors.New("sample: poller is nil")
	}
	if h == nil {
		return errors.New("sample: handler is nil")
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	maxFail := p.MaxFailures
	if maxFail <= 0 {
		maxFail = 50
	}

	tick := clk.Ticker(interval)
	defer tick.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}

		accel, gyro, err := p.Poller.Poll()
		if err != nil {
			failures++
			if failures == 1 {
				log.Warnw("poll failed", "err", err)
			}
			if failures >= maxFail {
				return fmt.Errorf("sample: %d consecutive poll failures: %w", failures, err)
			}
			continue
		}
		if failures > 0 {
			log.Infow("poll recovered", "failures", failures)
			failures = 0
		}

		at := clk.Now()
		h.HandleGyro(Gyro{At: at, V: gyro})
		h.HandleAccel(Accel{At: at, V: accel})
	}
}
