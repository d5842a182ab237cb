package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"disptrack/internal/config"
	"disptrack/internal/gps"
	"disptrack/internal/imu"
	"disptrack/internal/sample"
	"disptrack/internal/session"
	"disptrack/internal/sim"
	"disptrack/internal/web"
)

// feed is one running sample source and the sample kinds it is trusted for.
type feed struct {
	name  string // status key: imu, gps or imu+gps
	kind  string // config source name
	src   sample.Source
	kinds []sample.Kind
	close func() error
}

type pollDevice interface {
	sample.Poller
	io.Closer
}

// feedDeps holds the pieces that touch hardware or the clock.
type feedDeps struct {
	clk     clock.Clock
	log     *zap.SugaredLogger
	status  *web.Status
	openIMU func(bus int, addr uint16) (pollDevice, error)
}

func defaultFeedDeps(clk clock.Clock, log *zap.SugaredLogger, st *web.Status) feedDeps {
	return feedDeps{
		clk:    clk,
		log:    log,
		status: st,
		openIMU: func(bus int, addr uint16) (pollDevice, error) {
			dev, err := imu.Open(bus, addr)
			if err != nil {
				return nil, err
			}
			return dev, nil
		},
	}
}

var imuKinds = []sample.Kind{sample.KindGyro, sample.KindAccel}

// buildFeeds opens the configured sources. A sensor that fails to open is
// reported in status and left out of the capabilities; unreadable trace or
// script files are returned as errors.
func buildFeeds(cfg config.Config, d feedDeps) ([]feed, session.Capabilities, error) {
	var (
		feeds []feed
		caps  session.Capabilities
	)
	imuSrc, gpsSrc := cfg.IMU.Source, cfg.GPS.Source

	// trace and sim carry every kind; one instance serves both inputs.
	for _, shared := range []string{config.SourceTrace, config.SourceSim} {
		var kinds []sample.Kind
		var names []string
		if imuSrc == shared {
			kinds = append(kinds, imuKinds...)
			names = append(names, "imu")
		}
		if gpsSrc == shared {
			kinds = append(kinds, sample.KindFix)
			names = append(names, "gps")
		}
		if len(kinds) == 0 {
			continue
		}
		src, err := sharedSource(shared, cfg, d)
		if err != nil {
			return nil, caps, err
		}
		feeds = append(feeds, feed{name: strings.Join(names, "+"), kind: shared, src: src, kinds: kinds})
	}

	switch imuSrc {
	case config.SourceICM20948:
		dev, err := d.openIMU(cfg.IMU.I2CBus, cfg.IMU.Addr)
		if err != nil {
			d.log.Warnw("imu unavailable", "bus", cfg.IMU.I2CBus, "addr", fmt.Sprintf("0x%02X", cfg.IMU.Addr), "err", err)
			d.status.SetSource("imu", imuSrc, web.SourceFailed, err)
			break
		}
		feeds = append(feeds, feed{
			name: "imu",
			kind: imuSrc,
			src: &sample.PollSource{
				Poller:   dev,
				Interval: cfg.IMU.PollInterval,
				Clock:    d.clk,
				Log:      d.log.With("source", "imu"),
			},
			kinds: imuKinds,
			close: dev.Close,
		})
	case config.SourceNone:
		d.status.SetSource("imu", imuSrc, web.SourceDisabled, nil)
	}

	switch gpsSrc {
	case config.SourceNMEA:
		feeds = append(feeds, feed{
			name:  "gps",
			kind:  gpsSrc,
			src:   &gps.NMEASource{Device: cfg.GPS.Device, Baud: cfg.GPS.Baud, Log: d.log.With("source", "gps")},
			kinds: []sample.Kind{sample.KindFix},
		})
	case config.SourceGPSD:
		feeds = append(feeds, feed{
			name:  "gps",
			kind:  gpsSrc,
			src:   &gps.GPSDSource{Addr: cfg.GPS.GPSDAddr, Clock: d.clk, Log: d.log.With("source", "gps")},
			kinds: []sample.Kind{sample.KindFix},
		})
	case config.SourceNone:
		d.status.SetSource("gps", gpsSrc, web.SourceDisabled, nil)
	}

	for _, f := range feeds {
		for _, k := range f.kinds {
			switch k {
			case sample.KindAccel:
				caps.Accel = true
			case sample.KindGyro:
				caps.Gyro = true
			case sample.KindFix:
				caps.Location = true
			}
		}
	}
	return feeds, caps, nil
}

func sharedSource(kind string, cfg config.Config, d feedDeps) (sample.Source, error) {
	switch kind {
	case config.SourceTrace:
		recs, err := sample.ReadFile(cfg.Trace.ReplayPath)
		if err != nil {
			return nil, fmt.Errorf("trace.replay_path: %w", err)
		}
		return &sample.Player{Records: recs, Speed: cfg.Trace.Speed, Loop: cfg.Trace.Loop, Clock: d.clk}, nil
	case config.SourceSim:
		script := sim.DefaultScript()
		if cfg.Sim.ScriptPath != "" {
			s, err := sim.LoadScript(cfg.Sim.ScriptPath)
			if err != nil {
				return nil, fmt.Errorf("sim.script_path: %w", err)
			}
			script = s
		}
		return &sim.Walker{Script: script, Loop: cfg.Sim.Loop, Clock: d.clk, Log: d.log.With("source", "sim")}, nil
	}
	return nil, fmt.Errorf("unknown shared source %q", kind)
}

// runFeed runs one source to completion. Failures are logged and reported in
// status; they never stop the process.
func runFeed(ctx context.Context, f feed, h sample.Handler, d feedDeps) {
	d.status.SetSource(f.name, f.kind, web.SourceRunning, nil)
	err := f.src.Run(ctx, sample.Only(h, f.kinds...))
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		d.status.SetSource(f.name, f.kind, web.SourceStopped, nil)
		if ctx.Err() == nil {
			d.log.Infow("source finished", "source", f.name, "kind", f.kind)
		}
	default:
		d.status.SetSource(f.name, f.kind, web.SourceFailed, err)
		d.log.Errorw("source failed", "source", f.name, "kind", f.kind, "err", err)
	}
}

func closeFeeds(feeds []feed) error {
	var err error
	for _, f := range feeds {
		if f.close != nil {
			err = multierr.Append(err, f.close())
		}
	}
	return err
}
