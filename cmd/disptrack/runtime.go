package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"disptrack/internal/config"
	"disptrack/internal/sample"
	"disptrack/internal/session"
	"disptrack/internal/udp"
	"disptrack/internal/web"
)

// liveRuntime owns everything the run command wires together.
type liveRuntime struct {
	cfg    config.Config
	log    *zap.SugaredLogger
	logs   *web.LogBuffer
	deps   feedDeps
	status *web.Status

	sess   *session.Session
	hub    *web.Hub
	mirror *udp.Mirror
	rec    *sample.Writer
	feeds  []feed
}

func newRuntime(cfg config.Config, log *zap.SugaredLogger, logs *web.LogBuffer, clk clock.Clock) *liveRuntime {
	st := web.NewStatus()
	return &liveRuntime{
		cfg:    cfg,
		log:    log,
		logs:   logs,
		status: st,
		deps:   defaultFeedDeps(clk, log, st),
	}
}

// setup builds the session and its sinks and opens the sources. On error
// everything already opened is closed.
func (r *liveRuntime) setup() (session.Capabilities, error) {
	cfg := r.cfg
	var caps session.Capabilities

	// The hub exists before the session it forwards resets to.
	var inbound func(id string, msg []byte)
	r.hub = web.NewHub(web.HubConfig{
		OnCount:   r.status.SetSubscribers,
		OnMessage: func(id string, msg []byte) { inbound(id, msg) },
	}, r.log.With("component", "hub"))

	sinks := session.Sinks{r.hub}
	if cfg.UDP.Enable {
		m, err := udp.NewMirror(cfg.UDP.Dest, cfg.UDP.Queue, r.log.With("component", "udp"))
		if err != nil {
			return caps, err
		}
		r.mirror = m
		sinks = append(sinks, m)
	}

	r.sess = session.New(cfg.SessionConfig(), sinks, r.deps.clk, r.log)
	inbound = web.InboundHandler(r.sess, r.log)

	feeds, caps, err := buildFeeds(cfg, r.deps)
	if err != nil {
		_ = r.close()
		return caps, err
	}
	r.feeds = feeds

	if cfg.Trace.RecordPath != "" {
		w, err := sample.CreateWriter(cfg.Trace.RecordPath, r.deps.clk.Now())
		if err != nil {
			_ = r.close()
			return caps, fmt.Errorf("trace.record_path: %w", err)
		}
		r.rec = w
		r.log.Infow("recording trace", "path", cfg.Trace.RecordPath)
	}
	return caps, nil
}

// run serves until ctx is done. A session that cannot start for lack of
// inputs keeps the HTTP surface up so status shows why.
func (r *liveRuntime) run(ctx context.Context, ln net.Listener) error {
	caps, err := r.setup()
	if err != nil {
		_ = ln.Close()
		return err
	}
	defer func() {
		if err := r.close(); err != nil {
			r.log.Warnw("close", "err", err)
		}
	}()
	r.status.SetListen(ln.Addr().String())

	mode := r.cfg.Mode()
	if err := r.sess.Start(mode, caps); err != nil {
		if !errors.Is(err, session.ErrCapabilityUnavailable) {
			_ = ln.Close()
			return err
		}
		r.log.Warnw("session not started", "mode", mode, "err", err)
	}

	h := sample.Tee(r.sess.Handler(), recorder(r.rec))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.sess.Run(ctx) })
	g.Go(func() error {
		return web.Serve(ctx, ln, web.Handler(web.Options{
			WSPath: r.cfg.WSPath,
			Status: r.status,
			Ctl:    r.sess,
			Hub:    r.hub,
			Logs:   r.logs,
		}), r.hub, r.log.With("component", "http"))
	})
	if r.mirror != nil {
		g.Go(func() error { return r.mirror.Run(ctx) })
	}
	for _, f := range r.feeds {
		g.Go(func() error {
			runFeed(ctx, f, h, r.deps)
			return nil
		})
	}

	r.log.Infow("disptrack running", "listen", ln.Addr().String(), "ws_path", r.cfg.WSPath, "mode", mode, "session", r.sess.ID())
	err = g.Wait()
	r.sess.Stop()
	return err
}

// record writes the configured sources to path until ctx is done or every
// source has finished.
func (r *liveRuntime) record(ctx context.Context, path string, d time.Duration) error {
	feeds, _, err := buildFeeds(r.cfg, r.deps)
	if err != nil {
		return err
	}
	r.feeds = feeds
	if len(feeds) == 0 {
		_ = r.close()
		return errors.New("record: no sources opened")
	}
	w, err := sample.CreateWriter(path, r.deps.clk.Now())
	if err != nil {
		_ = r.close()
		return err
	}
	r.rec = w

	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	r.log.Infow("recording", "path", path, "sources", len(feeds), "duration", d)

	g, ctx := errgroup.WithContext(ctx)
	for _, f := range feeds {
		g.Go(func() error {
			runFeed(ctx, f, w, r.deps)
			return nil
		})
	}
	_ = g.Wait()
	return r.close()
}

func (r *liveRuntime) close() error {
	err := closeFeeds(r.feeds)
	r.feeds = nil
	if r.rec != nil {
		if cerr := r.rec.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("trace: %w", cerr))
		}
		r.rec = nil
	}
	if r.mirror != nil {
		err = multierr.Append(err, r.mirror.Close())
		r.mirror = nil
	}
	return err
}

// recorder keeps a nil *sample.Writer from becoming a non-nil Handler.
func recorder(w *sample.Writer) sample.Handler {
	if w == nil {
		return nil
	}
	return w
}
